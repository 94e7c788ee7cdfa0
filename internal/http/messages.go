package http

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"

	"cashflow/internal/session"
)

// messageKey identifies a user-facing text. The key doubles as the English
// text so a missing translation still reads well.
type messageKey string

const (
	msgMalformedBody      messageKey = "The request body is not valid JSON."
	msgInvalidType        messageKey = "Type must be \"in\" or \"out\"."
	msgInvalidAmount      messageKey = "Amount must be a whole number of at least 1."
	msgEmptyDescription   messageKey = "Description is required."
	msgLongDescription    messageKey = "Description must be at most 200 characters."
	msgEmptyPatch         messageKey = "Nothing to update."
	msgNotFound           messageKey = "Transaction not found."
	msgUnauthorized       messageKey = "Please sign in again."
	msgInvalidCredentials messageKey = "Phone number and password are required."
	msgWriteFailed        messageKey = "Your change could not be saved. Please try again."
	msgCorrupt            messageKey = "Your saved data could not be read."
	msgInvalidMonth       messageKey = "Month must be between 0 and 11."
	msgInvalidTimezone    messageKey = "Unknown time zone."
	msgRateLimited        messageKey = "Too many requests. Please wait a moment."
	msgUnavailable        messageKey = "The service is temporarily unavailable."
	msgInternal           messageKey = "Something went wrong."
)

var urdu = map[messageKey]string{
	msgMalformedBody:      "درخواست کا مواد درست JSON نہیں ہے۔",
	msgInvalidType:        "قسم \"in\" یا \"out\" ہونی چاہیے۔",
	msgInvalidAmount:      "رقم کم از کم 1 کا پورا عدد ہونی چاہیے۔",
	msgEmptyDescription:   "تفصیل ضروری ہے۔",
	msgLongDescription:    "تفصیل زیادہ سے زیادہ 200 حروف کی ہو سکتی ہے۔",
	msgEmptyPatch:         "تبدیل کرنے کے لیے کچھ نہیں ہے۔",
	msgNotFound:           "لین دین نہیں ملا۔",
	msgUnauthorized:       "براہ کرم دوبارہ سائن ان کریں۔",
	msgInvalidCredentials: "فون نمبر اور پاس ورڈ ضروری ہیں۔",
	msgWriteFailed:        "آپ کی تبدیلی محفوظ نہیں ہو سکی۔ دوبارہ کوشش کریں۔",
	msgCorrupt:            "آپ کا محفوظ شدہ ڈیٹا پڑھا نہیں جا سکا۔",
	msgInvalidMonth:       "مہینہ 0 اور 11 کے درمیان ہونا چاہیے۔",
	msgInvalidTimezone:    "نامعلوم ٹائم زون۔",
	msgRateLimited:        "بہت زیادہ درخواستیں۔ تھوڑا انتظار کریں۔",
	msgUnavailable:        "سروس عارضی طور پر دستیاب نہیں ہے۔",
	msgInternal:           "کچھ غلط ہو گیا۔",
}

var messages = newCatalog()

func newCatalog() catalog.Catalog {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for key, text := range urdu {
		if err := b.SetString(language.English, string(key), string(key)); err != nil {
			panic(err)
		}
		if err := b.SetString(language.Urdu, string(key), text); err != nil {
			panic(err)
		}
	}
	return b
}

// localize returns the text of key in locale; unknown locales get English.
func localize(locale string, key messageKey) string {
	tag := language.English
	if locale == session.LocaleUrdu {
		tag = language.Urdu
	}
	return message.NewPrinter(tag, message.Catalog(messages)).Sprintf(string(key))
}
