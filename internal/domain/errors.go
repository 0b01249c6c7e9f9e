package domain

import "errors"

// -----------------------------------------------------------------------------
// Domain Errors
// These errors represent domain-level failures and are used by repositories
// and services to communicate domain-specific error conditions.
// -----------------------------------------------------------------------------

// User errors
var (
	ErrUserNotFound      = errors.New("user not found")
	ErrUserAlreadyExists = errors.New("user already exists")
	ErrNoAccess          = errors.New("user has no course access")
)

// Course errors
var (
	ErrDayNotFound  = errors.New("course day not found")
	ErrTaskNotFound = errors.New("task not found")
)

// Progress errors
var (
	ErrProgressNotFound = errors.New("progress not found")
	ErrDayLocked        = errors.New("day is locked")
	ErrDayNotStarted    = errors.New("day not started")
	ErrTaskOutOfOrder   = errors.New("task is not the current task")
	ErrAlreadyUnlocked  = errors.New("day already unlocked")
)

// Delivery errors
var (
	ErrMessageGone      = errors.New("message already gone")
	ErrRecipientBlocked = errors.New("recipient blocked the bot")
)

// General errors
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidInput = errors.New("invalid input")
)

// IsNotFound reports whether err is any of the not-found errors.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrDayNotFound) ||
		errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrProgressNotFound)
}
