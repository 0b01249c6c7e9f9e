package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/escape/internal/domain"
	"github.com/google/uuid"
)

// AppendAttempt writes one audit record.
func (s *Store) AppendAttempt(ctx context.Context, rec *domain.TaskAttemptRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_attempts (id, user_id, day, task, kind, answer, transcript,
			correct, attempt, duplicate, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), int64(rec.UserID), rec.Day, rec.Task, string(rec.Kind), rec.Answer, rec.Transcript,
		rec.Correct, rec.Attempt, rec.Duplicate, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// ListAttempts returns a user's attempts in insertion order. Day 0 lists
// every day.
func (s *Store) ListAttempts(ctx context.Context, user domain.UserID, day int) ([]*domain.TaskAttemptRecord, error) {
	query := `SELECT id, user_id, day, task, kind, answer, transcript, correct, attempt, duplicate, created_at
		FROM task_attempts WHERE user_id = ?`
	args := []any{int64(user)}
	if day != 0 {
		query += " AND day = ?"
		args = append(args, day)
	}
	query += " ORDER BY created_at, rowid"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []*domain.TaskAttemptRecord
	for rows.Next() {
		var (
			rec    domain.TaskAttemptRecord
			id     string
			userID int64
			kind   string
		)
		if err := rows.Scan(&id, &userID, &rec.Day, &rec.Task, &kind, &rec.Answer, &rec.Transcript,
			&rec.Correct, &rec.Attempt, &rec.Duplicate, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse attempt id: %w", err)
		}
		rec.UserID = domain.UserID(userID)
		rec.Kind = domain.TaskKind(kind)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// GetReminderState returns a user's reminder bookkeeping.
func (s *Store) GetReminderState(ctx context.Context, user domain.UserID) (*domain.ReminderState, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT user_id, count, last_reminder_at, last_activity_at FROM reminder_state WHERE user_id = ?", int64(user))
	st, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reminder state %d: %w", user, domain.ErrNotFound)
	}
	return st, err
}

// TouchActivity moves last activity forward. Older timestamps are ignored.
func (s *Store) TouchActivity(ctx context.Context, user domain.UserID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reminder_state (user_id, count, last_activity_at)
		VALUES (?, 0, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			last_activity_at = MAX(reminder_state.last_activity_at, excluded.last_activity_at)`,
		int64(user), at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("touch activity: %w", err)
	}
	return nil
}

// UpdateReminderState applies fn to the stored state, starting from an
// empty state when none exists.
func (s *Store) UpdateReminderState(ctx context.Context, user domain.UserID, fn func(*domain.ReminderState) error) (*domain.ReminderState, error) {
	var updated *domain.ReminderState
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"SELECT user_id, count, last_reminder_at, last_activity_at FROM reminder_state WHERE user_id = ?", int64(user))
		st, err := scanReminder(row)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			st = &domain.ReminderState{UserID: user}
		case err != nil:
			return err
		}

		if err := fn(st); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO reminder_state (user_id, count, last_reminder_at, last_activity_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				count = excluded.count,
				last_reminder_at = excluded.last_reminder_at,
				last_activity_at = excluded.last_activity_at`,
			int64(user), st.Count, nullTime(st.LastReminderAt), st.LastActivityAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("upsert reminder state: %w", err)
		}
		updated = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func scanReminder(row scanner) (*domain.ReminderState, error) {
	var (
		st       domain.ReminderState
		user     int64
		reminded sql.NullTime
	)
	if err := row.Scan(&user, &st.Count, &reminded, &st.LastActivityAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan reminder state: %w", err)
	}
	st.UserID = domain.UserID(user)
	st.LastReminderAt = timePtr(reminded)
	return &st, nil
}

// GetCertificate returns the certificate issued to a user.
func (s *Store) GetCertificate(ctx context.Context, user domain.UserID) (*domain.Certificate, error) {
	var (
		c      domain.Certificate
		id     string
		userID int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, liberation_code, accuracy, completed_at, artifact_ref, created_at
		FROM certificates WHERE user_id = ?`, int64(user)).
		Scan(&id, &userID, &c.Name, &c.LiberationCode, &c.Accuracy, &c.CompletedAt, &c.ArtifactRef, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("certificate %d: %w", user, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get certificate: %w", err)
	}
	if c.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse certificate id: %w", err)
	}
	c.UserID = domain.UserID(userID)
	return &c, nil
}

// SaveCertificate inserts or replaces a user's certificate.
func (s *Store) SaveCertificate(ctx context.Context, c *domain.Certificate) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO certificates (id, user_id, name, liberation_code, accuracy, completed_at, artifact_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			name = excluded.name,
			liberation_code = excluded.liberation_code,
			accuracy = excluded.accuracy,
			completed_at = excluded.completed_at,
			artifact_ref = excluded.artifact_ref`,
		c.ID.String(), int64(c.UserID), c.Name, c.LiberationCode, c.Accuracy, c.CompletedAt, c.ArtifactRef, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert certificate: %w", err)
	}
	return nil
}
