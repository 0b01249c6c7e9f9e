package domain

import (
	"strings"

	// Zone names must resolve on hosts without a system zoneinfo database.
	_ "time/tzdata"
)

// languageZones maps a platform language code to the zone most of its
// speakers live in.
var languageZones = map[string]string{
	"ru": "Europe/Moscow",
	"uk": "Europe/Kyiv",
	"be": "Europe/Minsk",
	"kk": "Asia/Almaty",
	"uz": "Asia/Tashkent",

	"en": "America/New_York",

	"de": "Europe/Berlin",
	"fr": "Europe/Paris",
	"es": "Europe/Madrid",
	"it": "Europe/Rome",
	"pl": "Europe/Warsaw",
	"nl": "Europe/Amsterdam",
	"pt": "Europe/Lisbon",
	"cs": "Europe/Prague",
	"ro": "Europe/Bucharest",
	"sv": "Europe/Stockholm",
	"no": "Europe/Oslo",
	"fi": "Europe/Helsinki",
	"da": "Europe/Copenhagen",
	"el": "Europe/Athens",
	"tr": "Europe/Istanbul",

	"zh": "Asia/Shanghai",
	"ja": "Asia/Tokyo",
	"ko": "Asia/Seoul",
	"hi": "Asia/Kolkata",
	"ar": "Asia/Dubai",
	"he": "Asia/Jerusalem",
	"th": "Asia/Bangkok",
	"vi": "Asia/Ho_Chi_Minh",
	"id": "Asia/Jakarta",

	"fa": "Asia/Tehran",
	"az": "Asia/Baku",
	"ka": "Asia/Tbilisi",
	"hy": "Asia/Yerevan",
}

// TimezoneForLanguage guesses an IANA zone from an IETF language tag such as
// "ru" or "en-GB". Unknown languages yield "", leaving the user on the
// course timezone.
func TimezoneForLanguage(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if i := strings.IndexAny(code, "-_"); i >= 0 {
		code = code[:i]
	}
	return languageZones[code]
}
