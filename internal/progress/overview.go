package progress

import (
	"context"
	"fmt"

	"github.com/felixgeelhaar/escape/internal/domain"
)

// Overview summarizes a user's course progress for display
type Overview struct {
	User          *domain.User
	Days          []*domain.UserCourseProgress
	TotalDays     int
	CompletedDays int
	CurrentDay    int
	CurrentState  domain.DayState
	Code          string
	CodeDisplay   string
	Correct       int
	Attempts      int
	Accuracy      float64
}

// Overview builds a progress summary for one user
func (t *Tracker) Overview(ctx context.Context, id domain.UserID) (*Overview, error) {
	user, err := t.store.GetUser(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	days, err := t.store.ListProgress(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}

	o := &Overview{
		User:         user,
		Days:         days,
		TotalDays:    t.catalog.Len(),
		CurrentState: domain.DayLocked,
	}
	for _, p := range days {
		if p.IsComplete() {
			o.CompletedDays++
		}
		o.Correct += p.CorrectAnswers
		o.Attempts += p.TotalAttempts
	}
	if len(days) > 0 {
		latest := days[len(days)-1]
		o.CurrentDay = latest.Day
		o.CurrentState = latest.State()
	}
	o.Code = collectedCode(days)
	o.CodeDisplay = domain.FormatCode(o.Code, o.TotalDays)
	o.Accuracy = domain.Accuracy(o.Correct, o.Attempts)
	return o, nil
}

// Stats are course-wide counters for operators
type Stats struct {
	Users            int
	WithAccess       int
	CompletedCourses int
	// DayStates counts users by their latest day and its state.
	DayStates map[int]map[domain.DayState]int
}

// Stats aggregates progress across all users
func (t *Tracker) Stats(ctx context.Context) (*Stats, error) {
	users, err := t.store.ListUsers(ctx, domain.UserFilter{})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	s := &Stats{DayStates: make(map[int]map[domain.DayState]int)}
	for _, u := range users {
		s.Users++
		if u.HasAccess {
			s.WithAccess++
		}
		if u.CourseCompleted() {
			s.CompletedCourses++
		}

		days, err := t.store.ListProgress(ctx, u.ID)
		if err != nil {
			return nil, fmt.Errorf("list progress for %d: %w", u.ID, err)
		}
		if len(days) == 0 {
			continue
		}
		latest := days[len(days)-1]
		if s.DayStates[latest.Day] == nil {
			s.DayStates[latest.Day] = make(map[domain.DayState]int)
		}
		s.DayStates[latest.Day][latest.State()]++
	}
	return s, nil
}
