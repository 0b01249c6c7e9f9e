// Package coordinator runs the time-driven duties: daily unlocking of the
// next course day and inactivity reminders.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/felixgeelhaar/escape/internal/domain"
	"github.com/felixgeelhaar/escape/internal/progress"
	"github.com/felixgeelhaar/escape/internal/transport"
)

// Config controls reminder escalation and delivery hours
type Config struct {
	// Location is the course timezone, used for users without their own.
	Location *time.Location
	// Thresholds[i] is the inactivity required before reminder i+1.
	Thresholds   []time.Duration
	MaxReminders int
	// Reminders are only delivered between WindowStart:00 and WindowEnd:00
	// in each user's local time. Equal values disable the window.
	WindowStart int
	WindowEnd   int
}

// DefaultConfig returns the 24h/48h/72h escalation with a 12–18 window
func DefaultConfig() Config {
	return Config{
		Location:     time.UTC,
		Thresholds:   []time.Duration{24 * time.Hour, 48 * time.Hour, 72 * time.Hour},
		MaxReminders: 3,
		WindowStart:  12,
		WindowEnd:    18,
	}
}

// Report summarizes one sweep
type Report struct {
	Considered int
	Sent       int
	Failed     int
	Cancelled  bool
	// OutsideWindow counts users skipped because it was outside delivery
	// hours in their timezone.
	OutsideWindow int
}

// PartialFailure reports whether some users could not be served.
func (r Report) PartialFailure() bool {
	return r.Failed > 0
}

// AllOutsideWindow reports whether every considered user was outside
// delivery hours.
func (r Report) AllOutsideWindow() bool {
	return r.Considered > 0 && r.OutsideWindow == r.Considered
}

// Coordinator unlocks days and sends reminders for all users
type Coordinator struct {
	tracker   *progress.Tracker
	store     domain.Store
	messenger transport.Messenger
	clock     clock.Clock
	cfg       Config
	logger    *slog.Logger
}

// New creates a coordinator
func New(tracker *progress.Tracker, messenger transport.Messenger, clk clock.Clock, cfg Config, logger *slog.Logger) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if len(cfg.Thresholds) == 0 {
		cfg.Thresholds = DefaultConfig().Thresholds
	}
	if cfg.MaxReminders <= 0 {
		cfg.MaxReminders = DefaultConfig().MaxReminders
	}
	return &Coordinator{
		tracker:   tracker,
		store:     tracker.Store(),
		messenger: messenger,
		clock:     clk,
		cfg:       cfg,
		logger:    logger,
	}
}

// RunUnlock unlocks the next day for every user whose latest day is
// complete and notifies them. Users are unlocked at most once per calendar
// day in their own timezone. A failure for one user never stops the sweep.
func (c *Coordinator) RunUnlock(ctx context.Context) (Report, error) {
	var report Report

	users, err := c.store.ListUsers(ctx, domain.UserFilter{WithAccess: true, ExcludeFinished: true})
	if err != nil {
		return report, fmt.Errorf("list users: %w", err)
	}

	now := c.clock.Now()
	for _, u := range users {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}
		report.Considered++

		if u.NotifiedOn(c.localTime(u, now)) {
			continue
		}

		sent, err := c.unlockUser(ctx, u, now)
		if err != nil {
			report.Failed++
			c.logger.Error("unlock failed", "user_id", u.ID, "error", err)
			continue
		}
		if sent {
			report.Sent++
		}
	}

	c.logger.Info("unlock sweep finished",
		"considered", report.Considered, "unlocked", report.Sent, "failed", report.Failed)
	return report, nil
}

func (c *Coordinator) unlockUser(ctx context.Context, u *domain.User, now time.Time) (bool, error) {
	day, ok, err := c.tracker.UnlockNextDay(ctx, u.ID)
	if err != nil || !ok {
		return false, err
	}

	if err := c.tracker.MarkUnlockNotified(ctx, u.ID, now); err != nil {
		return true, fmt.Errorf("record unlock notification: %w", err)
	}

	def, err := c.tracker.Catalog().GetDay(day)
	if err != nil {
		return true, err
	}
	code, err := c.tracker.CollectedCode(ctx, u.ID)
	if err != nil {
		return true, err
	}

	msg := unlockMessage(u.Name(), def, domain.FormatCode(code, c.tracker.Catalog().Len()))
	if _, err := c.messenger.Send(ctx, u.ID, msg); err != nil {
		return true, fmt.Errorf("notify unlock of day %d: %w", day, err)
	}
	return true, nil
}

// RunReminders sends the next escalation reminder to every inactive user
// that still has work to do and is within delivery hours locally. At most
// MaxReminders are ever sent per user.
func (c *Coordinator) RunReminders(ctx context.Context) (Report, error) {
	var report Report

	now := c.clock.Now()
	users, err := c.store.ListUsers(ctx, domain.UserFilter{WithAccess: true, ExcludeFinished: true})
	if err != nil {
		return report, fmt.Errorf("list users: %w", err)
	}

	for _, u := range users {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}
		report.Considered++

		if !c.inWindow(c.localTime(u, now)) {
			report.OutsideWindow++
			continue
		}

		sent, err := c.remindUser(ctx, u, now)
		if err != nil {
			report.Failed++
			c.logger.Error("reminder failed", "user_id", u.ID, "error", err)
			continue
		}
		if sent {
			report.Sent++
		}
	}

	c.logger.Info("reminder sweep finished",
		"considered", report.Considered, "sent", report.Sent, "failed", report.Failed,
		"outside_window", report.OutsideWindow)
	return report, nil
}

func (c *Coordinator) remindUser(ctx context.Context, u *domain.User, now time.Time) (bool, error) {
	if u.CourseStartedAt == nil {
		return false, nil
	}

	days, err := c.store.ListProgress(ctx, u.ID)
	if err != nil {
		return false, fmt.Errorf("list progress: %w", err)
	}
	if len(days) == 0 || days[len(days)-1].IsComplete() {
		// Nothing to do until the next unlock.
		return false, nil
	}

	state, err := c.store.GetReminderState(ctx, u.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		state = &domain.ReminderState{UserID: u.ID, LastActivityAt: *u.CourseStartedAt}
	case err != nil:
		return false, fmt.Errorf("get reminder state: %w", err)
	}

	if !c.due(state, now) {
		return false, nil
	}

	view := reminderView{name: u.Name(), total: c.tracker.Catalog().Len()}
	var code string
	for _, p := range days {
		if p.IsComplete() {
			view.completed++
			code += p.CodeLetter
		}
	}
	view.code = domain.FormatCode(code, view.total)

	if _, err := c.messenger.Send(ctx, u.ID, reminderMessage(state.Count, view)); err != nil {
		return false, fmt.Errorf("send reminder %d: %w", state.Count+1, err)
	}

	_, err = c.store.UpdateReminderState(ctx, u.ID, func(s *domain.ReminderState) error {
		s.Count++
		s.LastReminderAt = &now
		if s.LastActivityAt.IsZero() {
			s.LastActivityAt = state.LastActivityAt
		}
		return nil
	})
	if err != nil {
		return true, fmt.Errorf("update reminder state: %w", err)
	}
	return true, nil
}

// due reports whether the next reminder's threshold has been crossed.
func (c *Coordinator) due(s *domain.ReminderState, now time.Time) bool {
	if s.Count >= c.cfg.MaxReminders || s.Count >= len(c.cfg.Thresholds) {
		return false
	}
	return now.Sub(s.LastActivityAt) >= c.cfg.Thresholds[s.Count]
}

// localTime returns now on the user's wall clock
func (c *Coordinator) localTime(u *domain.User, now time.Time) time.Time {
	return now.In(u.Location(c.cfg.Location))
}

func (c *Coordinator) inWindow(now time.Time) bool {
	if c.cfg.WindowStart == c.cfg.WindowEnd {
		return true
	}
	h := now.Hour()
	if c.cfg.WindowStart < c.cfg.WindowEnd {
		return h >= c.cfg.WindowStart && h < c.cfg.WindowEnd
	}
	return h >= c.cfg.WindowStart || h < c.cfg.WindowEnd
}

// Broadcast sends text to every user matching filter. Individual delivery
// failures are counted, never fatal.
func (c *Coordinator) Broadcast(ctx context.Context, text string, filter domain.UserFilter) (Report, error) {
	var report Report

	users, err := c.store.ListUsers(ctx, filter)
	if err != nil {
		return report, fmt.Errorf("list users: %w", err)
	}

	for _, u := range users {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}
		report.Considered++

		if _, err := c.messenger.Send(ctx, u.ID, transport.Text(text)); err != nil {
			report.Failed++
			c.logger.Warn("broadcast delivery failed", "user_id", u.ID, "error", err)
			continue
		}
		report.Sent++
	}
	return report, nil
}
