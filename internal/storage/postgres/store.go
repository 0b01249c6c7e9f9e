package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/felixgeelhaar/escape/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// Store implements domain.Store using PostgreSQL
type Store struct {
	pool *pgxpool.Pool
}

var _ domain.Store = (*Store)(nil)

// NewStore creates a store over an existing pool
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open migrates the database at dsn and connects a pool to it
func Open(ctx context.Context, dsn string) (*Store, error) {
	if err := Migrate(ctx, dsn); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewStore(pool), nil
}

// Close releases the pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const userColumns = `id, username, first_name, display_name, has_access, is_admin, timezone,
	course_started_at, course_completed_at, last_unlock_notification, created_at, updated_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	var (
		u  domain.User
		id int64
	)
	err := row.Scan(&id, &u.Username, &u.FirstName, &u.DisplayName, &u.HasAccess, &u.IsAdmin, &u.Timezone,
		&u.CourseStartedAt, &u.CourseCompletedAt, &u.LastUnlockNotification, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.ID = domain.UserID(id)
	return &u, nil
}

// GetUser retrieves a user by platform id
func (s *Store) GetUser(ctx context.Context, id domain.UserID) (*domain.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", id, domain.ErrUserNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// SaveUser inserts or updates a user
func (s *Store) SaveUser(ctx context.Context, u *domain.User) error {
	return upsertUser(ctx, s.pool, u)
}

// UpdateUser locks the user row with SELECT ... FOR UPDATE, applies fn and
// writes the result in the same transaction.
func (s *Store) UpdateUser(ctx context.Context, id domain.UserID, fn func(*domain.User) error) (*domain.User, error) {
	var updated *domain.User
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		u, err := scanUser(tx.QueryRow(ctx,
			"SELECT "+userColumns+" FROM users WHERE id = $1 FOR UPDATE", int64(id)))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("user %d: %w", id, domain.ErrUserNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock user: %w", err)
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

// execer is satisfied by both the pool and a transaction
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func upsertUser(ctx context.Context, db execer, u *domain.User) error {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	query := `
		INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			first_name = EXCLUDED.first_name,
			display_name = EXCLUDED.display_name,
			has_access = EXCLUDED.has_access,
			is_admin = EXCLUDED.is_admin,
			timezone = EXCLUDED.timezone,
			course_started_at = EXCLUDED.course_started_at,
			course_completed_at = EXCLUDED.course_completed_at,
			last_unlock_notification = EXCLUDED.last_unlock_notification,
			updated_at = EXCLUDED.updated_at
	`
	_, err := db.Exec(ctx, query,
		int64(u.ID), u.Username, u.FirstName, u.DisplayName, u.HasAccess, u.IsAdmin, u.Timezone,
		u.CourseStartedAt, u.CourseCompletedAt, u.LastUnlockNotification, u.CreatedAt, now,
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	u.UpdatedAt = now
	return nil
}

// ListUsers returns users matching filter ordered by id
func (s *Store) ListUsers(ctx context.Context, filter domain.UserFilter) ([]*domain.User, error) {
	query := "SELECT " + userColumns + " FROM users"
	var where []string
	if filter.WithAccess {
		where = append(where, "has_access")
	}
	if filter.ExcludeFinished {
		where = append(where, "course_completed_at IS NULL")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

const progressColumns = `user_id, day, current_task, current_step, completed_tasks, task_attempts,
	correct_answers, attempted_tasks, total_attempts, video_watched, brief_read,
	code_letter, unlocked_at, started_at, completed_at`

func scanProgress(row pgx.Row) (*domain.UserCourseProgress, error) {
	var (
		p    domain.UserCourseProgress
		user int64
	)
	err := row.Scan(&user, &p.Day, &p.CurrentTask, &p.CurrentStep, &p.CompletedTasks, &p.TaskAttempts,
		&p.CorrectAnswers, &p.AttemptedTasks, &p.TotalAttempts, &p.VideoWatched, &p.BriefRead,
		&p.CodeLetter, &p.UnlockedAt, &p.StartedAt, &p.CompletedAt)
	if err != nil {
		return nil, err
	}
	p.UserID = domain.UserID(user)
	if p.TaskAttempts == nil {
		p.TaskAttempts = make(map[int]int)
	}
	return &p, nil
}

// counters returns the JSON-encodable completed set and attempt map.
func counters(p *domain.UserCourseProgress) ([]int, map[int]int) {
	tasks, attempts := p.CompletedTasks, p.TaskAttempts
	if tasks == nil {
		tasks = []int{}
	}
	if attempts == nil {
		attempts = map[int]int{}
	}
	return tasks, attempts
}

// GetProgress retrieves one day's progress
func (s *Store) GetProgress(ctx context.Context, user domain.UserID, day int) (*domain.UserCourseProgress, error) {
	p, err := scanProgress(s.pool.QueryRow(ctx,
		"SELECT "+progressColumns+" FROM day_progress WHERE user_id = $1 AND day = $2", int64(user), day))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %d day %d: %w", user, day, domain.ErrProgressNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get progress: %w", err)
	}
	return p, nil
}

// ListProgress returns every day record of a user ordered by day
func (s *Store) ListProgress(ctx context.Context, user domain.UserID) ([]*domain.UserCourseProgress, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+progressColumns+" FROM day_progress WHERE user_id = $1 ORDER BY day", int64(user))
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer rows.Close()

	var out []*domain.UserCourseProgress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateProgress inserts a new day record
func (s *Store) CreateProgress(ctx context.Context, p *domain.UserCourseProgress) error {
	tasks, attempts := counters(p)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO day_progress (`+progressColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		int64(p.UserID), p.Day, p.CurrentTask, p.CurrentStep, tasks, attempts,
		p.CorrectAnswers, p.AttemptedTasks, p.TotalAttempts, p.VideoWatched, p.BriefRead,
		p.CodeLetter, p.UnlockedAt, p.StartedAt, p.CompletedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("user %d day %d: %w", p.UserID, p.Day, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert progress: %w", err)
	}
	return nil
}

// UpdateProgress locks the row with SELECT ... FOR UPDATE, applies fn and
// writes the result in the same transaction.
func (s *Store) UpdateProgress(ctx context.Context, user domain.UserID, day int, fn func(*domain.UserCourseProgress) error) (*domain.UserCourseProgress, error) {
	var updated *domain.UserCourseProgress
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		p, err := scanProgress(tx.QueryRow(ctx,
			"SELECT "+progressColumns+" FROM day_progress WHERE user_id = $1 AND day = $2 FOR UPDATE", int64(user), day))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("user %d day %d: %w", user, day, domain.ErrProgressNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock progress: %w", err)
		}

		if err := fn(p); err != nil {
			return err
		}

		tasks, attempts := counters(p)
		_, err = tx.Exec(ctx, `
			UPDATE day_progress SET
				current_task = $3, current_step = $4, completed_tasks = $5, task_attempts = $6,
				correct_answers = $7, attempted_tasks = $8, total_attempts = $9,
				video_watched = $10, brief_read = $11, code_letter = $12,
				started_at = $13, completed_at = $14
			WHERE user_id = $1 AND day = $2`,
			int64(user), day, p.CurrentTask, p.CurrentStep, tasks, attempts,
			p.CorrectAnswers, p.AttemptedTasks, p.TotalAttempts,
			p.VideoWatched, p.BriefRead, p.CodeLetter, p.StartedAt, p.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("update progress: %w", err)
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AppendAttempt writes one audit record
func (s *Store) AppendAttempt(ctx context.Context, rec *domain.TaskAttemptRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_attempts (id, user_id, day, task, kind, answer, transcript,
			correct, attempt, duplicate, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, int64(rec.UserID), rec.Day, rec.Task, string(rec.Kind), rec.Answer, rec.Transcript,
		rec.Correct, rec.Attempt, rec.Duplicate, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// ListAttempts returns a user's attempts in insertion order; day 0 lists all
func (s *Store) ListAttempts(ctx context.Context, user domain.UserID, day int) ([]*domain.TaskAttemptRecord, error) {
	query := `SELECT id, user_id, day, task, kind, answer, transcript, correct, attempt, duplicate, created_at
		FROM task_attempts WHERE user_id = $1`
	args := []any{int64(user)}
	if day != 0 {
		query += " AND day = $2"
		args = append(args, day)
	}
	query += " ORDER BY seq"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []*domain.TaskAttemptRecord
	for rows.Next() {
		var (
			rec    domain.TaskAttemptRecord
			userID int64
			kind   string
		)
		if err := rows.Scan(&rec.ID, &userID, &rec.Day, &rec.Task, &kind, &rec.Answer, &rec.Transcript,
			&rec.Correct, &rec.Attempt, &rec.Duplicate, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		rec.UserID = domain.UserID(userID)
		rec.Kind = domain.TaskKind(kind)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func scanReminder(row pgx.Row) (*domain.ReminderState, error) {
	var (
		st   domain.ReminderState
		user int64
	)
	if err := row.Scan(&user, &st.Count, &st.LastReminderAt, &st.LastActivityAt); err != nil {
		return nil, err
	}
	st.UserID = domain.UserID(user)
	return &st, nil
}

// GetReminderState returns a user's reminder bookkeeping
func (s *Store) GetReminderState(ctx context.Context, user domain.UserID) (*domain.ReminderState, error) {
	st, err := scanReminder(s.pool.QueryRow(ctx,
		"SELECT user_id, count, last_reminder_at, last_activity_at FROM reminder_state WHERE user_id = $1", int64(user)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reminder state %d: %w", user, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get reminder state: %w", err)
	}
	return st, nil
}

// TouchActivity moves last activity forward
func (s *Store) TouchActivity(ctx context.Context, user domain.UserID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reminder_state (user_id, count, last_activity_at)
		VALUES ($1, 0, $2)
		ON CONFLICT (user_id) DO UPDATE SET
			last_activity_at = GREATEST(reminder_state.last_activity_at, EXCLUDED.last_activity_at)`,
		int64(user), at,
	)
	if err != nil {
		return fmt.Errorf("touch activity: %w", err)
	}
	return nil
}

// UpdateReminderState applies fn to the locked state, creating it when missing
func (s *Store) UpdateReminderState(ctx context.Context, user domain.UserID, fn func(*domain.ReminderState) error) (*domain.ReminderState, error) {
	var updated *domain.ReminderState
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		st, err := scanReminder(tx.QueryRow(ctx,
			"SELECT user_id, count, last_reminder_at, last_activity_at FROM reminder_state WHERE user_id = $1 FOR UPDATE", int64(user)))
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			st = &domain.ReminderState{UserID: user}
		case err != nil:
			return fmt.Errorf("lock reminder state: %w", err)
		}

		if err := fn(st); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO reminder_state (user_id, count, last_reminder_at, last_activity_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id) DO UPDATE SET
				count = EXCLUDED.count,
				last_reminder_at = EXCLUDED.last_reminder_at,
				last_activity_at = EXCLUDED.last_activity_at`,
			int64(user), st.Count, st.LastReminderAt, st.LastActivityAt,
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

// GetCertificate returns the certificate issued to a user
func (s *Store) GetCertificate(ctx context.Context, user domain.UserID) (*domain.Certificate, error) {
	var (
		c      domain.Certificate
		userID int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, name, liberation_code, accuracy, completed_at, artifact_ref, created_at
		FROM certificates WHERE user_id = $1`, int64(user)).
		Scan(&c.ID, &userID, &c.Name, &c.LiberationCode, &c.Accuracy, &c.CompletedAt, &c.ArtifactRef, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("certificate %d: %w", user, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get certificate: %w", err)
	}
	c.UserID = domain.UserID(userID)
	return &c, nil
}

// SaveCertificate inserts or replaces a user's certificate
func (s *Store) SaveCertificate(ctx context.Context, c *domain.Certificate) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO certificates (id, user_id, name, liberation_code, accuracy, completed_at, artifact_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			name = EXCLUDED.name,
			liberation_code = EXCLUDED.liberation_code,
			accuracy = EXCLUDED.accuracy,
			completed_at = EXCLUDED.completed_at,
			artifact_ref = EXCLUDED.artifact_ref`,
		c.ID, int64(c.UserID), c.Name, c.LiberationCode, c.Accuracy, c.CompletedAt, c.ArtifactRef, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert certificate: %w", err)
	}
	return nil
}

// Truncate removes every row from the course tables. Used by admin resets
// and integration tests.
func Truncate(ctx context.Context, s *Store) error {
	_, err := s.pool.Exec(ctx, "TRUNCATE users, day_progress, task_attempts, reminder_state, certificates")
	if err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	return nil
}
