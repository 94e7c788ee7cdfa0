package session

import "testing"

func TestNegotiateLocale(t *testing.T) {
	tests := []struct {
		name  string
		prefs []string
		want  string
	}{
		{"nothing", nil, LocaleEnglish},
		{"explicit urdu", []string{"ur"}, LocaleUrdu},
		{"regional urdu", []string{"ur-PK"}, LocaleUrdu},
		{"accept-language", []string{"", "ur-PK,en;q=0.8"}, LocaleUrdu},
		{"english variant", []string{"en-GB"}, LocaleEnglish},
		{"explicit wins over header", []string{"en", "ur"}, LocaleEnglish},
		{"unsupported falls through", []string{"fr", "ur"}, LocaleUrdu},
		{"unsupported only", []string{"fr"}, LocaleEnglish},
		{"malformed", []string{"!!"}, LocaleEnglish},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NegotiateLocale(tt.prefs...); got != tt.want {
				t.Errorf("NegotiateLocale(%q) = %q, want %q", tt.prefs, got, tt.want)
			}
		})
	}
}

func TestDir(t *testing.T) {
	if Dir(LocaleUrdu) != "rtl" || Dir(LocaleEnglish) != "ltr" || Dir("") != "ltr" {
		t.Error("unexpected text direction")
	}
}
