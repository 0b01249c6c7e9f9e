package domain

import (
	"context"
	"time"
)

// UserRepository persists learners. UpdateUser applies fn to the stored
// user in one atomic read-modify-write, like UpdateProgress; a missing user
// is ErrUserNotFound.
type UserRepository interface {
	GetUser(ctx context.Context, id UserID) (*User, error)
	SaveUser(ctx context.Context, user *User) error
	UpdateUser(ctx context.Context, id UserID, fn func(*User) error) (*User, error)
	ListUsers(ctx context.Context, filter UserFilter) ([]*User, error)
}

// ProgressRepository persists per-day progress. UpdateProgress runs fn
// against the stored record inside a single atomic read-modify-write; the
// record is written only when fn returns nil.
type ProgressRepository interface {
	GetProgress(ctx context.Context, user UserID, day int) (*UserCourseProgress, error)
	ListProgress(ctx context.Context, user UserID) ([]*UserCourseProgress, error)
	CreateProgress(ctx context.Context, p *UserCourseProgress) error
	UpdateProgress(ctx context.Context, user UserID, day int, fn func(*UserCourseProgress) error) (*UserCourseProgress, error)
}

// AttemptRepository is the append-only audit log of submissions
type AttemptRepository interface {
	AppendAttempt(ctx context.Context, rec *TaskAttemptRecord) error
	ListAttempts(ctx context.Context, user UserID, day int) ([]*TaskAttemptRecord, error)
}

// ReminderRepository persists activity and reminder bookkeeping
type ReminderRepository interface {
	GetReminderState(ctx context.Context, user UserID) (*ReminderState, error)
	TouchActivity(ctx context.Context, user UserID, at time.Time) error
	UpdateReminderState(ctx context.Context, user UserID, fn func(*ReminderState) error) (*ReminderState, error)
}

// CertificateRepository persists issued certificates
type CertificateRepository interface {
	GetCertificate(ctx context.Context, user UserID) (*Certificate, error)
	SaveCertificate(ctx context.Context, cert *Certificate) error
}

// Store combines every repository the bot needs
type Store interface {
	UserRepository
	ProgressRepository
	AttemptRepository
	ReminderRepository
	CertificateRepository
	Close() error
}
