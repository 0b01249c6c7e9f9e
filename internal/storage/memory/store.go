// Package memory provides an in-process domain.Store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/escape/internal/domain"
)

type progressKey struct {
	user domain.UserID
	day  int
}

// Store keeps all state in maps guarded by a single mutex
type Store struct {
	mu           sync.RWMutex
	users        map[domain.UserID]*domain.User
	progress     map[progressKey]*domain.UserCourseProgress
	attempts     []*domain.TaskAttemptRecord
	reminders    map[domain.UserID]*domain.ReminderState
	certificates map[domain.UserID]*domain.Certificate
}

var _ domain.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		users:        make(map[domain.UserID]*domain.User),
		progress:     make(map[progressKey]*domain.UserCourseProgress),
		reminders:    make(map[domain.UserID]*domain.ReminderState),
		certificates: make(map[domain.UserID]*domain.Certificate),
	}
}

// Close is a no-op
func (s *Store) Close() error { return nil }

// GetUser returns a copy of the stored user
func (s *Store) GetUser(_ context.Context, id domain.UserID) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, domain.ErrUserNotFound)
	}
	c := *u
	return &c, nil
}

// SaveUser inserts or replaces a user
func (s *Store) SaveUser(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *user
	if existing, ok := s.users[user.ID]; ok && c.CreatedAt.IsZero() {
		c.CreatedAt = existing.CreatedAt
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.UpdatedAt = time.Now()
	s.users[user.ID] = &c
	return nil
}

// UpdateUser applies fn under the store lock.
func (s *Store) UpdateUser(_ context.Context, id domain.UserID, fn func(*domain.User) error) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, domain.ErrUserNotFound)
	}

	work := *u
	if err := fn(&work); err != nil {
		return nil, err
	}
	work.ID = id
	work.CreatedAt = u.CreatedAt
	work.UpdatedAt = time.Now()
	s.users[id] = &work
	c := work
	return &c, nil
}

// ListUsers returns users matching filter ordered by id
func (s *Store) ListUsers(_ context.Context, filter domain.UserFilter) ([]*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.User
	for _, u := range s.users {
		if filter.WithAccess && !u.HasAccess {
			continue
		}
		if filter.ExcludeFinished && u.CourseCompletedAt != nil {
			continue
		}
		c := *u
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetProgress returns a copy of one day's progress
func (s *Store) GetProgress(_ context.Context, user domain.UserID, day int) (*domain.UserCourseProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.progress[progressKey{user, day}]
	if !ok {
		return nil, fmt.Errorf("user %d day %d: %w", user, day, domain.ErrProgressNotFound)
	}
	return p.Clone(), nil
}

// ListProgress returns every progress record of a user ordered by day
func (s *Store) ListProgress(_ context.Context, user domain.UserID) ([]*domain.UserCourseProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.UserCourseProgress
	for k, p := range s.progress {
		if k.user == user {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out, nil
}

// CreateProgress stores a new record; an existing record is a conflict.
func (s *Store) CreateProgress(_ context.Context, p *domain.UserCourseProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := progressKey{p.UserID, p.Day}
	if _, ok := s.progress[key]; ok {
		return fmt.Errorf("user %d day %d: %w", p.UserID, p.Day, domain.ErrConflict)
	}
	s.progress[key] = p.Clone()
	return nil
}

// UpdateProgress applies fn under the store lock.
func (s *Store) UpdateProgress(_ context.Context, user domain.UserID, day int, fn func(*domain.UserCourseProgress) error) (*domain.UserCourseProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := progressKey{user, day}
	p, ok := s.progress[key]
	if !ok {
		return nil, fmt.Errorf("user %d day %d: %w", user, day, domain.ErrProgressNotFound)
	}

	work := p.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	s.progress[key] = work
	return work.Clone(), nil
}

// AppendAttempt adds an audit record
func (s *Store) AppendAttempt(_ context.Context, rec *domain.TaskAttemptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *rec
	s.attempts = append(s.attempts, &c)
	return nil
}

// ListAttempts returns a user's attempts for a day in insertion order; day 0
// returns every day.
func (s *Store) ListAttempts(_ context.Context, user domain.UserID, day int) ([]*domain.TaskAttemptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.TaskAttemptRecord
	for _, a := range s.attempts {
		if a.UserID != user || (day != 0 && a.Day != day) {
			continue
		}
		c := *a
		out = append(out, &c)
	}
	return out, nil
}

// GetReminderState returns the reminder bookkeeping of a user
func (s *Store) GetReminderState(_ context.Context, user domain.UserID) (*domain.ReminderState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reminders[user]
	if !ok {
		return nil, fmt.Errorf("reminder state %d: %w", user, domain.ErrNotFound)
	}
	c := *r
	return &c, nil
}

// TouchActivity records user activity
func (s *Store) TouchActivity(_ context.Context, user domain.UserID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reminders[user]
	if !ok {
		r = &domain.ReminderState{UserID: user}
		s.reminders[user] = r
	}
	if at.After(r.LastActivityAt) {
		r.LastActivityAt = at
	}
	return nil
}

// UpdateReminderState applies fn, creating the state when missing
func (s *Store) UpdateReminderState(_ context.Context, user domain.UserID, fn func(*domain.ReminderState) error) (*domain.ReminderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := domain.ReminderState{UserID: user}
	if r, ok := s.reminders[user]; ok {
		work = *r
	}
	if err := fn(&work); err != nil {
		return nil, err
	}
	stored := work
	s.reminders[user] = &stored
	return &work, nil
}

// GetCertificate returns a user's certificate
func (s *Store) GetCertificate(_ context.Context, user domain.UserID) (*domain.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.certificates[user]
	if !ok {
		return nil, fmt.Errorf("certificate %d: %w", user, domain.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

// SaveCertificate stores or replaces a certificate
func (s *Store) SaveCertificate(_ context.Context, cert *domain.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *cert
	s.certificates[cert.UserID] = &c
	return nil
}
