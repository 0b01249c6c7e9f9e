package domain

import (
	"testing"
	"time"
)

func TestUser_Name(t *testing.T) {
	tests := []struct {
		name string
		user User
		want string
	}{
		{"display name wins", User{DisplayName: "Alex", FirstName: "Alexander", Username: "alex99"}, "Alex"},
		{"first name", User{FirstName: "Maria", Username: "maria"}, "Maria"},
		{"username", User{Username: "agent007"}, "agent007"},
		{"fallback", User{}, "Agent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.user.Name(); got != tt.want {
				t.Errorf("Name() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUser_NotifiedOn(t *testing.T) {
	loc := time.FixedZone("MSK", 3*3600)
	sent := time.Date(2026, 3, 10, 9, 0, 0, 0, loc)
	u := &User{LastUnlockNotification: &sent}

	if !u.NotifiedOn(time.Date(2026, 3, 10, 23, 0, 0, 0, loc)) {
		t.Error("NotifiedOn() same day = false, want true")
	}
	if u.NotifiedOn(time.Date(2026, 3, 11, 0, 30, 0, 0, loc)) {
		t.Error("NotifiedOn() next day = true, want false")
	}
	if (&User{}).NotifiedOn(sent) {
		t.Error("NotifiedOn() without notification = true, want false")
	}
}

func TestCapitalizeName(t *testing.T) {
	tests := map[string]string{
		"alex":   "Alex",
		"ALEX":   "Alex",
		" anna ": "Anna",
		"":       "",
		"ёжик":   "Ёжик",
	}
	for in, want := range tests {
		if got := CapitalizeName(in); got != want {
			t.Errorf("CapitalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTimezoneForLanguage(t *testing.T) {
	tests := []struct {
		code string
		want string
	}{
		{"ru", "Europe/Moscow"},
		{"RU", "Europe/Moscow"},
		{"en", "America/New_York"},
		{"en-GB", "America/New_York"},
		{"pt_BR", "Europe/Lisbon"},
		{"uk", "Europe/Kyiv"},
		{"", ""},
		{"xx", ""},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := TimezoneForLanguage(tt.code); got != tt.want {
				t.Errorf("TimezoneForLanguage(%q) = %q, want %q", tt.code, got, tt.want)
			}
		})
	}

	for code, zone := range languageZones {
		if _, err := time.LoadLocation(zone); err != nil {
			t.Errorf("zone %q for %q does not load: %v", zone, code, err)
		}
	}
}

func TestUser_Location(t *testing.T) {
	course := time.FixedZone("course", 3*3600)

	u := User{Timezone: "Asia/Tokyo"}
	if got := u.Location(course).String(); got != "Asia/Tokyo" {
		t.Errorf("Location() = %q, want Asia/Tokyo", got)
	}

	u.Timezone = ""
	if got := u.Location(course); got != course {
		t.Errorf("Location() = %v, want course fallback", got)
	}

	u.Timezone = "Mars/Olympus"
	if got := u.Location(course); got != course {
		t.Errorf("Location() with bad zone = %v, want course fallback", got)
	}

	if got := u.Location(nil); got != time.UTC {
		t.Errorf("Location(nil) = %v, want UTC", got)
	}
}
