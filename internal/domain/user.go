package domain

import (
	"strings"
	"time"
)

// UserID is the messaging platform identifier of a learner. Platform ids
// exceed 32 bits, so storage must keep them as 64-bit integers.
type UserID int64

// MessageID identifies a message previously delivered to a user's chat.
type MessageID int

// User represents a learner known to the bot
type User struct {
	ID          UserID
	Username    string
	FirstName   string
	DisplayName string
	HasAccess   bool
	IsAdmin     bool
	// Timezone is an IANA zone name guessed from the platform language on
	// first contact. Empty means the course timezone.
	Timezone string

	CreatedAt              time.Time
	UpdatedAt              time.Time
	CourseStartedAt        *time.Time
	CourseCompletedAt      *time.Time
	LastUnlockNotification *time.Time
}

// Name returns the best available name to address the user with.
func (u *User) Name() string {
	switch {
	case u.DisplayName != "":
		return u.DisplayName
	case u.FirstName != "":
		return u.FirstName
	case u.Username != "":
		return u.Username
	default:
		return "Agent"
	}
}

// CourseCompleted reports whether every day of the course has been finished.
func (u *User) CourseCompleted() bool {
	return u.CourseCompletedAt != nil
}

// Location returns the user's timezone, or fallback when it is unset or
// unknown.
func (u *User) Location(fallback *time.Location) *time.Location {
	if u.Timezone != "" {
		if loc, err := time.LoadLocation(u.Timezone); err == nil {
			return loc
		}
	}
	if fallback == nil {
		return time.UTC
	}
	return fallback
}

// NotifiedOn reports whether an unlock notification was already sent on the
// calendar date of t in t's location.
func (u *User) NotifiedOn(t time.Time) bool {
	if u.LastUnlockNotification == nil {
		return false
	}
	y1, m1, d1 := u.LastUnlockNotification.In(t.Location()).Date()
	y2, m2, d2 := t.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// CapitalizeName normalizes a spoken name to "Alex" form.
func CapitalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	r := []rune(strings.ToLower(name))
	r[0] = []rune(strings.ToUpper(string(r[0])))[0]
	return string(r)
}

// UserFilter narrows user listings.
type UserFilter struct {
	WithAccess      bool
	ExcludeFinished bool
}
