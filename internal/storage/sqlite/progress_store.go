package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/felixgeelhaar/escape/internal/domain"
)

const progressColumns = `user_id, day, current_task, current_step, completed_tasks, task_attempts,
	correct_answers, attempted_tasks, total_attempts, video_watched, brief_read,
	code_letter, unlocked_at, started_at, completed_at`

// GetProgress retrieves one day's progress.
func (s *Store) GetProgress(ctx context.Context, user domain.UserID, day int) (*domain.UserCourseProgress, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+progressColumns+" FROM day_progress WHERE user_id = ? AND day = ?", int64(user), day)
	p, err := scanProgress(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d day %d: %w", user, day, domain.ErrProgressNotFound)
	}
	return p, err
}

// ListProgress returns a user's progress records ordered by day.
func (s *Store) ListProgress(ctx context.Context, user domain.UserID) ([]*domain.UserCourseProgress, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+progressColumns+" FROM day_progress WHERE user_id = ? ORDER BY day", int64(user))
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer rows.Close()

	var out []*domain.UserCourseProgress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateProgress inserts a new day record. An existing record for the same
// user and day is reported as domain.ErrConflict.
func (s *Store) CreateProgress(ctx context.Context, p *domain.UserCourseProgress) error {
	err := insertProgress(ctx, s.db.DB, p)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %d day %d: %w", p.UserID, p.Day, domain.ErrConflict)
	}
	return err
}

// UpdateProgress loads the record, applies fn and writes it back inside one
// immediate transaction.
func (s *Store) UpdateProgress(ctx context.Context, user domain.UserID, day int, fn func(*domain.UserCourseProgress) error) (*domain.UserCourseProgress, error) {
	var updated *domain.UserCourseProgress
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"SELECT "+progressColumns+" FROM day_progress WHERE user_id = ? AND day = ?", int64(user), day)
		p, err := scanProgress(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("user %d day %d: %w", user, day, domain.ErrProgressNotFound)
		}
		if err != nil {
			return err
		}

		if err := fn(p); err != nil {
			return err
		}

		completed, attempts, err := marshalCounters(p)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE day_progress SET
				current_task = ?, current_step = ?, completed_tasks = ?, task_attempts = ?,
				correct_answers = ?, attempted_tasks = ?, total_attempts = ?,
				video_watched = ?, brief_read = ?, code_letter = ?,
				started_at = ?, completed_at = ?
			WHERE user_id = ? AND day = ?`,
			p.CurrentTask, p.CurrentStep, completed, attempts,
			p.CorrectAnswers, p.AttemptedTasks, p.TotalAttempts,
			p.VideoWatched, p.BriefRead, p.CodeLetter,
			nullTime(p.StartedAt), nullTime(p.CompletedAt),
			int64(user), day,
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

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertProgress(ctx context.Context, db execer, p *domain.UserCourseProgress) error {
	completed, attempts, err := marshalCounters(p)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO day_progress (`+progressColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(p.UserID), p.Day, p.CurrentTask, p.CurrentStep, completed, attempts,
		p.CorrectAnswers, p.AttemptedTasks, p.TotalAttempts, p.VideoWatched, p.BriefRead,
		p.CodeLetter, p.UnlockedAt, nullTime(p.StartedAt), nullTime(p.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert progress: %w", err)
	}
	return nil
}

// marshalCounters encodes the completed set and per-task attempt map as JSON.
func marshalCounters(p *domain.UserCourseProgress) (string, string, error) {
	tasks := p.CompletedTasks
	if tasks == nil {
		tasks = []int{}
	}
	completed, err := json.Marshal(tasks)
	if err != nil {
		return "", "", fmt.Errorf("marshal completed_tasks: %w", err)
	}

	byTask := p.TaskAttempts
	if byTask == nil {
		byTask = map[int]int{}
	}
	attempts, err := json.Marshal(byTask)
	if err != nil {
		return "", "", fmt.Errorf("marshal task_attempts: %w", err)
	}
	return string(completed), string(attempts), nil
}

func scanProgress(row scanner) (*domain.UserCourseProgress, error) {
	var (
		p                    domain.UserCourseProgress
		user                 int64
		completed, byTask    string
		started, completedAt sql.NullTime
	)
	err := row.Scan(&user, &p.Day, &p.CurrentTask, &p.CurrentStep, &completed, &byTask,
		&p.CorrectAnswers, &p.AttemptedTasks, &p.TotalAttempts, &p.VideoWatched, &p.BriefRead,
		&p.CodeLetter, &p.UnlockedAt, &started, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan progress: %w", err)
	}
	p.UserID = domain.UserID(user)
	p.StartedAt = timePtr(started)
	p.CompletedAt = timePtr(completedAt)

	if err := json.Unmarshal([]byte(completed), &p.CompletedTasks); err != nil {
		return nil, fmt.Errorf("unmarshal completed_tasks: %w", err)
	}
	p.TaskAttempts = make(map[int]int)
	if err := json.Unmarshal([]byte(byTask), &p.TaskAttempts); err != nil {
		return nil, fmt.Errorf("unmarshal task_attempts: %w", err)
	}
	return &p, nil
}
