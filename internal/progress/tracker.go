// Package progress owns the per-user, per-day course state machine.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/felixgeelhaar/escape/internal/course"
	"github.com/felixgeelhaar/escape/internal/domain"
	"github.com/google/uuid"
)

// CertificateIssuer hands a finished certificate to whatever renders it
type CertificateIssuer interface {
	IssueCertificate(ctx context.Context, cert *domain.Certificate) error
}

// Material is a day resource the learner can open before the tasks
type Material string

const (
	MaterialVideo Material = "video"
	MaterialBrief Material = "brief"
)

// Attempt is one evaluated submission to record
type Attempt struct {
	Verdict    domain.Verdict
	Answer     string
	Transcript string
}

// Outcome describes what RecordAttempt changed
type Outcome struct {
	Task     *domain.TaskDefinition
	Verdict  domain.Verdict
	Progress *domain.UserCourseProgress
	// Duplicate is set when the task or day was already complete; nothing
	// but the audit log changed.
	Duplicate       bool
	NextTask        *domain.TaskDefinition
	DayCompleted    bool
	CourseCompleted bool
	Certificate     *domain.Certificate
}

// Tracker records attempts and moves users through the course
type Tracker struct {
	store   domain.Store
	catalog *course.Catalog
	clock   clock.Clock
	logger  *slog.Logger
	issuer  CertificateIssuer
}

// NewTracker creates a tracker
func NewTracker(store domain.Store, catalog *course.Catalog, clk clock.Clock, logger *slog.Logger) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:   store,
		catalog: catalog,
		clock:   clk,
		logger:  logger,
	}
}

// SetIssuer sets the certificate issuer notified on course completion
func (t *Tracker) SetIssuer(issuer CertificateIssuer) {
	t.issuer = issuer
}

// Catalog returns the course catalog the tracker evaluates against
func (t *Tracker) Catalog() *course.Catalog {
	return t.catalog
}

// Store returns the underlying store
func (t *Tracker) Store() domain.Store {
	return t.store
}

// Profile is what the platform reports about a user with each update
type Profile struct {
	Username     string
	FirstName    string
	LanguageCode string
}

// EnsureUser loads a user, creating an account without access on first contact.
// Username and first name are refreshed from the platform profile. The
// timezone is guessed from the language code once and then kept.
func (t *Tracker) EnsureUser(ctx context.Context, id domain.UserID, p Profile) (*domain.User, error) {
	zone := domain.TimezoneForLanguage(p.LanguageCode)

	user, err := t.store.GetUser(ctx, id)
	switch {
	case errors.Is(err, domain.ErrUserNotFound):
		user = &domain.User{
			ID:        id,
			Username:  p.Username,
			FirstName: p.FirstName,
			Timezone:  zone,
			CreatedAt: t.clock.Now(),
		}
		if err := t.store.SaveUser(ctx, user); err != nil {
			return nil, fmt.Errorf("save user: %w", err)
		}
		return user, nil
	case err != nil:
		return nil, fmt.Errorf("get user: %w", err)
	case user.Username == p.Username && user.FirstName == p.FirstName && (user.Timezone != "" || zone == ""):
		return user, nil
	}

	user, err = t.store.UpdateUser(ctx, id, func(u *domain.User) error {
		u.Username = p.Username
		u.FirstName = p.FirstName
		if u.Timezone == "" {
			u.Timezone = zone
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	return user, nil
}

// GrantAccess opens the course for a paying user and unlocks day 1.
// Repeated grants are no-ops.
func (t *Tracker) GrantAccess(ctx context.Context, id domain.UserID, username, firstName string) (*domain.User, error) {
	user, err := t.EnsureUser(ctx, id, Profile{Username: username, FirstName: firstName})
	if err != nil {
		return nil, err
	}

	if !user.HasAccess {
		user, err = t.store.UpdateUser(ctx, id, func(u *domain.User) error {
			u.HasAccess = true
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("update user: %w", err)
		}
	}

	err = t.store.CreateProgress(ctx, domain.NewDayProgress(id, 1, t.clock.Now()))
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return nil, fmt.Errorf("unlock day 1: %w", err)
	}

	t.logger.Info("course access granted", "user_id", id)
	return user, nil
}

// StartDay moves an unlocked day to InProgress and points it at the first
// task. Starting an already started day returns its current state.
func (t *Tracker) StartDay(ctx context.Context, id domain.UserID, day int) (*domain.UserCourseProgress, error) {
	user, err := t.store.GetUser(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if !user.HasAccess {
		return nil, domain.ErrNoAccess
	}

	first, err := t.catalog.FirstTask(day)
	if err != nil {
		return nil, err
	}

	now := t.clock.Now()
	p, err := t.store.UpdateProgress(ctx, id, day, func(p *domain.UserCourseProgress) error {
		if p.StartedAt != nil {
			return nil
		}
		p.StartedAt = &now
		p.CurrentTask = first.Number
		p.CurrentStep = 0
		return nil
	})
	if errors.Is(err, domain.ErrProgressNotFound) {
		return nil, fmt.Errorf("day %d: %w", day, domain.ErrDayLocked)
	}
	if err != nil {
		return nil, fmt.Errorf("start day: %w", err)
	}

	if day == 1 && user.CourseStartedAt == nil {
		_, err := t.store.UpdateUser(ctx, id, func(u *domain.User) error {
			if u.CourseStartedAt == nil {
				u.CourseStartedAt = &now
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("update user: %w", err)
		}
	}

	return p, nil
}

// MarkMaterial records that the learner opened the day's video or brief.
// Completed days are left as they are.
func (t *Tracker) MarkMaterial(ctx context.Context, id domain.UserID, day int, m Material) error {
	_, err := t.store.UpdateProgress(ctx, id, day, func(p *domain.UserCourseProgress) error {
		if p.IsComplete() {
			return nil
		}
		switch m {
		case MaterialVideo:
			p.VideoWatched = true
		case MaterialBrief:
			p.BriefRead = true
		default:
			return fmt.Errorf("material %q: %w", m, domain.ErrInvalidInput)
		}
		return nil
	})
	if errors.Is(err, domain.ErrProgressNotFound) {
		return fmt.Errorf("day %d: %w", day, domain.ErrDayLocked)
	}
	return err
}

// CurrentDay returns the most recently unlocked day of a user.
func (t *Tracker) CurrentDay(ctx context.Context, id domain.UserID) (*domain.UserCourseProgress, error) {
	days, err := t.store.ListProgress(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	if len(days) == 0 {
		return nil, domain.ErrDayLocked
	}
	return days[len(days)-1], nil
}

// CurrentTask returns the task the user must answer next on a started day.
func (t *Tracker) CurrentTask(ctx context.Context, id domain.UserID, day int) (*domain.TaskDefinition, *domain.UserCourseProgress, error) {
	p, err := t.store.GetProgress(ctx, id, day)
	if errors.Is(err, domain.ErrProgressNotFound) {
		return nil, nil, fmt.Errorf("day %d: %w", day, domain.ErrDayLocked)
	}
	if err != nil {
		return nil, nil, err
	}

	switch p.State() {
	case domain.DayNotStarted:
		return nil, p, domain.ErrDayNotStarted
	case domain.DayComplete:
		return nil, p, nil
	}

	task, err := t.catalog.GetTask(day, p.CurrentTask)
	if err != nil {
		return nil, p, err
	}
	return task, p, nil
}

// RecordAttempt applies an evaluated submission to the user's day progress.
// Unparseable verdicts are not recorded. Submissions for completed tasks are
// audited but never move the task pointer or the collected code.
func (t *Tracker) RecordAttempt(ctx context.Context, id domain.UserID, day, taskNumber int, a Attempt) (*Outcome, error) {
	dayDef, err := t.catalog.GetDay(day)
	if err != nil {
		return nil, err
	}
	task, ok := dayDef.Task(taskNumber)
	if !ok {
		return nil, fmt.Errorf("day %d task %d: %w", day, taskNumber, domain.ErrTaskNotFound)
	}

	out := &Outcome{Task: task, Verdict: a.Verdict}

	if !a.Verdict.Counts() {
		p, err := t.store.GetProgress(ctx, id, day)
		if err != nil {
			return nil, err
		}
		out.Progress = p
		return out, nil
	}

	now := t.clock.Now()
	attemptNo := 0

	p, err := t.store.UpdateProgress(ctx, id, day, func(p *domain.UserCourseProgress) error {
		out.Duplicate = false
		out.NextTask = nil
		out.DayCompleted = false

		if p.StartedAt == nil {
			return domain.ErrDayNotStarted
		}
		if p.IsComplete() || p.TaskCompleted(taskNumber) {
			out.Duplicate = true
			attemptNo = p.Attempts(taskNumber)
			return nil
		}
		if taskNumber != p.CurrentTask {
			return fmt.Errorf("day %d task %d, current %d: %w", day, taskNumber, p.CurrentTask, domain.ErrTaskOutOfOrder)
		}

		if p.TaskAttempts == nil {
			p.TaskAttempts = make(map[int]int)
		}
		if p.TaskAttempts[taskNumber] == 0 {
			p.AttemptedTasks++
		}
		p.TaskAttempts[taskNumber]++
		attemptNo = p.TaskAttempts[taskNumber]

		switch a.Verdict.Kind {
		case domain.VerdictStepPassed:
			p.CurrentStep = a.Verdict.NextStep
		case domain.VerdictIncorrect:
			p.TotalAttempts++
		case domain.VerdictCorrect:
			p.TotalAttempts++
			p.CorrectAnswers++
			p.MarkTaskCompleted(taskNumber)
			p.CurrentStep = 0
			if next, ok := dayDef.NextTask(taskNumber); ok {
				p.CurrentTask = next.Number
				out.NextTask = next
			} else {
				p.CompletedAt = &now
				p.CodeLetter = dayDef.CodeLetter
				out.DayCompleted = true
			}
		}
		return nil
	})
	if errors.Is(err, domain.ErrProgressNotFound) {
		return nil, fmt.Errorf("day %d: %w", day, domain.ErrDayLocked)
	}
	if err != nil {
		return nil, fmt.Errorf("record attempt: %w", err)
	}
	out.Progress = p

	rec := &domain.TaskAttemptRecord{
		ID:         uuid.New(),
		UserID:     id,
		Day:        day,
		Task:       taskNumber,
		Kind:       task.Kind(),
		Answer:     a.Answer,
		Transcript: a.Transcript,
		Correct:    a.Verdict.IsCorrect(),
		Attempt:    attemptNo,
		Duplicate:  out.Duplicate,
		CreatedAt:  now,
	}
	if err := t.store.AppendAttempt(ctx, rec); err != nil {
		t.logger.Error("failed to append attempt record",
			"user_id", id, "day", day, "task", taskNumber, "error", err)
	}

	if out.Duplicate {
		return out, nil
	}

	if a.Verdict.IsCorrect() && a.Verdict.ExtractedName != "" {
		if err := t.SetDisplayName(ctx, id, a.Verdict.ExtractedName); err != nil {
			t.logger.Warn("failed to store display name", "user_id", id, "error", err)
		}
	}

	if out.DayCompleted {
		t.logger.Info("day completed", "user_id", id, "day", day, "letter", p.CodeLetter)
		cert, err := t.maybeCompleteCourse(ctx, id)
		if err != nil {
			return out, err
		}
		if cert != nil {
			out.CourseCompleted = true
			out.Certificate = cert
		}
	}

	return out, nil
}

// CollectedCode returns the code letters of completed days in day order.
func (t *Tracker) CollectedCode(ctx context.Context, id domain.UserID) (string, error) {
	days, err := t.store.ListProgress(ctx, id)
	if err != nil {
		return "", fmt.Errorf("list progress: %w", err)
	}
	return collectedCode(days), nil
}

func collectedCode(days []*domain.UserCourseProgress) string {
	var b strings.Builder
	for _, p := range days {
		if p.IsComplete() {
			b.WriteString(p.CodeLetter)
		}
	}
	return b.String()
}

// SetDisplayName stores the name the learner introduced themselves with.
func (t *Tracker) SetDisplayName(ctx context.Context, id domain.UserID, name string) error {
	_, err := t.store.UpdateUser(ctx, id, func(u *domain.User) error {
		u.DisplayName = name
		return nil
	})
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

// MarkUnlockNotified records when the user was last told about an unlocked day.
func (t *Tracker) MarkUnlockNotified(ctx context.Context, id domain.UserID, at time.Time) error {
	_, err := t.store.UpdateUser(ctx, id, func(u *domain.User) error {
		u.LastUnlockNotification = &at
		return nil
	})
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

// TouchActivity records that the user interacted with the bot.
func (t *Tracker) TouchActivity(ctx context.Context, id domain.UserID) error {
	return t.store.TouchActivity(ctx, id, t.clock.Now())
}

// UnlockNextDay creates the NotStarted record of the day after the user's
// latest completed day. It reports the unlocked day number, or false when the
// user has nothing to unlock: the latest day is still in progress, the course
// is finished, or the next day already exists.
func (t *Tracker) UnlockNextDay(ctx context.Context, id domain.UserID) (int, bool, error) {
	days, err := t.store.ListProgress(ctx, id)
	if err != nil {
		return 0, false, fmt.Errorf("list progress: %w", err)
	}
	if len(days) == 0 {
		return 0, false, nil
	}

	latest := days[len(days)-1]
	if !latest.IsComplete() || t.catalog.IsLastDay(latest.Day) {
		return 0, false, nil
	}

	next := latest.Day + 1
	err = t.store.CreateProgress(ctx, domain.NewDayProgress(id, next, t.clock.Now()))
	if errors.Is(err, domain.ErrConflict) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("unlock day %d: %w", next, err)
	}

	t.logger.Info("day unlocked", "user_id", id, "day", next)
	return next, true, nil
}

func (t *Tracker) maybeCompleteCourse(ctx context.Context, id domain.UserID) (*domain.Certificate, error) {
	days, err := t.store.ListProgress(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	code := collectedCode(days)
	if len([]rune(code)) < t.catalog.Len() {
		return nil, nil
	}

	if existing, err := t.store.GetCertificate(ctx, id); err == nil {
		return existing, nil
	}

	now := t.clock.Now()
	user, err := t.store.UpdateUser(ctx, id, func(u *domain.User) error {
		if u.CourseCompletedAt == nil {
			u.CourseCompletedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}

	correct, attempts := 0, 0
	for _, p := range days {
		correct += p.CorrectAnswers
		attempts += p.TotalAttempts
	}

	cert := &domain.Certificate{
		ID:             uuid.New(),
		UserID:         id,
		Name:           user.Name(),
		LiberationCode: code,
		Accuracy:       domain.Accuracy(correct, attempts),
		CompletedAt:    *user.CourseCompletedAt,
		CreatedAt:      now,
	}
	if err := t.store.SaveCertificate(ctx, cert); err != nil {
		return nil, fmt.Errorf("save certificate: %w", err)
	}

	t.logger.Info("course completed", "user_id", id, "code", code, "accuracy", cert.Accuracy)

	if t.issuer != nil {
		if err := t.issuer.IssueCertificate(ctx, cert); err != nil {
			t.logger.Error("failed to issue certificate", "user_id", id, "error", err)
		}
	}
	return cert, nil
}
