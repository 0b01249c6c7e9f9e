package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/felixgeelhaar/escape/internal/domain"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// Store implements domain.Store backed by SQLite.
type Store struct {
	db *DB
}

// NewStore creates a SQLite-backed store over a migrated database.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// OpenStore opens the database at path, applies migrations and returns a
// ready store.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return NewStore(db), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

const userColumns = `id, username, first_name, display_name, has_access, is_admin, timezone,
	course_started_at, course_completed_at, last_unlock_notification,
	created_at, updated_at`

// GetUser retrieves a user by platform id.
func (s *Store) GetUser(ctx context.Context, id domain.UserID) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", int64(id))
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", id, domain.ErrUserNotFound)
	}
	return u, err
}

// SaveUser inserts or updates a user. CreatedAt is kept from the first insert.
func (s *Store) SaveUser(ctx context.Context, u *domain.User) error {
	return upsertUser(ctx, s.db, u)
}

// UpdateUser reads, modifies and writes a user in one transaction.
func (s *Store) UpdateUser(ctx context.Context, id domain.UserID, fn func(*domain.User) error) (*domain.User, error) {
	var updated *domain.User
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", int64(id))
		u, err := scanUser(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("user %d: %w", id, domain.ErrUserNotFound)
		}
		if err != nil {
			return err
		}

		if err := fn(u); err != nil {
			return err
		}
		u.ID = id
		if err := upsertUser(ctx, tx, u); err != nil {
			return err
		}
		updated = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func upsertUser(ctx context.Context, db execer, u *domain.User) error {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username=excluded.username,
			first_name=excluded.first_name,
			display_name=excluded.display_name,
			has_access=excluded.has_access,
			is_admin=excluded.is_admin,
			timezone=excluded.timezone,
			course_started_at=excluded.course_started_at,
			course_completed_at=excluded.course_completed_at,
			last_unlock_notification=excluded.last_unlock_notification,
			updated_at=excluded.updated_at`,
		int64(u.ID), u.Username, u.FirstName, u.DisplayName, u.HasAccess, u.IsAdmin, u.Timezone,
		nullTime(u.CourseStartedAt), nullTime(u.CourseCompletedAt), nullTime(u.LastUnlockNotification),
		u.CreatedAt, now,
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	u.UpdatedAt = now
	return nil
}

// ListUsers returns users matching filter ordered by id.
func (s *Store) ListUsers(ctx context.Context, filter domain.UserFilter) ([]*domain.User, error) {
	query := "SELECT " + userColumns + " FROM users"
	var where []string
	if filter.WithAccess {
		where = append(where, "has_access = 1")
	}
	if filter.ExcludeFinished {
		where = append(where, "course_completed_at IS NULL")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func scanUser(row scanner) (*domain.User, error) {
	var (
		u                          domain.User
		id                         int64
		started, completed, notify sql.NullTime
	)
	err := row.Scan(&id, &u.Username, &u.FirstName, &u.DisplayName, &u.HasAccess, &u.IsAdmin, &u.Timezone,
		&started, &completed, &notify, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.ID = domain.UserID(id)
	u.CourseStartedAt = timePtr(started)
	u.CourseCompletedAt = timePtr(completed)
	u.LastUnlockNotification = timePtr(notify)
	return &u, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
}
