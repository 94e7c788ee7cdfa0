package session

import (
	"golang.org/x/text/language"
)

const (
	LocaleEnglish = "en"
	LocaleUrdu    = "ur"
)

// DefaultLocale is used when nothing the client asked for is supported.
const DefaultLocale = LocaleEnglish

var (
	supportedTags    = []language.Tag{language.English, language.Urdu}
	supportedLocales = []string{LocaleEnglish, LocaleUrdu}
	matcher          = language.NewMatcher(supportedTags)
)

// NegotiateLocale returns the first supported locale matching the
// preferences, tried in order. Each preference may be a single tag ("ur")
// or an Accept-Language header value ("ur-PK,en;q=0.8").
func NegotiateLocale(preferences ...string) string {
	for _, pref := range preferences {
		if pref == "" {
			continue
		}
		tags, _, err := language.ParseAcceptLanguage(pref)
		if err != nil || len(tags) == 0 {
			continue
		}
		_, idx, conf := matcher.Match(tags...)
		if conf != language.No {
			return supportedLocales[idx]
		}
	}
	return DefaultLocale
}

// Dir returns "rtl" for right-to-left locales and "ltr" otherwise.
func Dir(locale string) string {
	if locale == LocaleUrdu {
		return "rtl"
	}
	return "ltr"
}

// Supported reports whether locale is one of the known locales.
func Supported(locale string) bool {
	for _, l := range supportedLocales {
		if l == locale {
			return true
		}
	}
	return false
}
