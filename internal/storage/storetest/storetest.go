// Package storetest holds behavioural tests every domain.Store
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/escape/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store. Cleanup is registered on t.
type Factory func(t *testing.T) domain.Store

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("UpdateUser", func(t *testing.T) { testUpdateUser(t, newStore(t)) })
	t.Run("ConcurrentUserUpdates", func(t *testing.T) { testConcurrentUserUpdates(t, newStore(t)) })
	t.Run("ListUsersFilter", func(t *testing.T) { testListUsersFilter(t, newStore(t)) })
	t.Run("Progress", func(t *testing.T) { testProgress(t, newStore(t)) })
	t.Run("ProgressConflict", func(t *testing.T) { testProgressConflict(t, newStore(t)) })
	t.Run("UpdateProgressRollback", func(t *testing.T) { testUpdateRollback(t, newStore(t)) })
	t.Run("ConcurrentUpdates", func(t *testing.T) { testConcurrentUpdates(t, newStore(t)) })
	t.Run("Attempts", func(t *testing.T) { testAttempts(t, newStore(t)) })
	t.Run("Reminders", func(t *testing.T) { testReminders(t, newStore(t)) })
	t.Run("Certificates", func(t *testing.T) { testCertificates(t, newStore(t)) })
}

// at returns a whole-hour UTC instant every backend round-trips exactly.
func at(hour int) time.Time {
	return time.Date(2026, 3, 1, hour, 0, 0, 0, time.UTC)
}

func seedUser(t *testing.T, s domain.Store, id domain.UserID) *domain.User {
	t.Helper()
	u := &domain.User{ID: id, Username: "agent", FirstName: "Alex", HasAccess: true}
	require.NoError(t, s.SaveUser(context.Background(), u))
	return u
}

func testUsers(t *testing.T, s domain.Store) {
	ctx := context.Background()

	_, err := s.GetUser(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	// Platform ids exceed 32 bits.
	const id domain.UserID = 5_000_000_001
	started := at(9)
	u := &domain.User{ID: id, Username: "agent", FirstName: "Alex", HasAccess: true, CourseStartedAt: &started}
	require.NoError(t, s.SaveUser(ctx, u))

	got, err := s.GetUser(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "Alex", got.FirstName)
	assert.True(t, got.HasAccess)
	require.NotNil(t, got.CourseStartedAt)
	assert.True(t, got.CourseStartedAt.Equal(started))
	assert.Nil(t, got.CourseCompletedAt)
	assert.False(t, got.CreatedAt.IsZero())

	got.DisplayName = "Sam"
	require.NoError(t, s.SaveUser(ctx, got))
	again, err := s.GetUser(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Sam", again.Name())
	assert.True(t, again.CreatedAt.Equal(got.CreatedAt))
}

func testUpdateUser(t *testing.T, s domain.Store) {
	ctx := context.Background()

	_, err := s.UpdateUser(ctx, 404, func(*domain.User) error { return nil })
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	seeded := seedUser(t, s, 12)
	before, err := s.GetUser(ctx, 12)
	require.NoError(t, err)

	notified := at(12)
	got, err := s.UpdateUser(ctx, 12, func(u *domain.User) error {
		u.Timezone = "Europe/Moscow"
		u.LastUnlockNotification = &notified
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Europe/Moscow", got.Timezone)
	assert.Equal(t, seeded.FirstName, got.FirstName)

	stored, err := s.GetUser(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, "Europe/Moscow", stored.Timezone)
	require.NotNil(t, stored.LastUnlockNotification)
	assert.True(t, stored.LastUnlockNotification.Equal(notified))
	assert.True(t, stored.CreatedAt.Equal(before.CreatedAt))

	boom := errors.New("boom")
	_, err = s.UpdateUser(ctx, 12, func(u *domain.User) error {
		u.DisplayName = "Ghost"
		return boom
	})
	assert.ErrorIs(t, err, boom)

	stored, err = s.GetUser(ctx, 12)
	require.NoError(t, err)
	assert.Empty(t, stored.DisplayName)
}

// Each writer touches a different field; none may be lost.
func testConcurrentUserUpdates(t *testing.T, s domain.Store) {
	ctx := context.Background()
	seedUser(t, s, 13)

	started, notified := at(9), at(12)
	writes := []func(*domain.User){
		func(u *domain.User) { u.DisplayName = "Sam" },
		func(u *domain.User) { u.CourseStartedAt = &started },
		func(u *domain.User) { u.LastUnlockNotification = &notified },
		func(u *domain.User) { u.Timezone = "Asia/Tokyo" },
	}

	var wg sync.WaitGroup
	for _, write := range writes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateUser(ctx, 13, func(u *domain.User) error {
				write(u)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetUser(ctx, 13)
	require.NoError(t, err)
	assert.Equal(t, "Sam", got.DisplayName)
	assert.Equal(t, "Asia/Tokyo", got.Timezone)
	require.NotNil(t, got.CourseStartedAt)
	assert.True(t, got.CourseStartedAt.Equal(started))
	require.NotNil(t, got.LastUnlockNotification)
	assert.True(t, got.LastUnlockNotification.Equal(notified))
}

func testListUsersFilter(t *testing.T, s domain.Store) {
	ctx := context.Background()
	done := at(10)

	require.NoError(t, s.SaveUser(ctx, &domain.User{ID: 3, HasAccess: true}))
	require.NoError(t, s.SaveUser(ctx, &domain.User{ID: 1, HasAccess: true, CourseCompletedAt: &done}))
	require.NoError(t, s.SaveUser(ctx, &domain.User{ID: 2}))

	all, err := s.ListUsers(ctx, domain.UserFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, domain.UserID(1), all[0].ID)

	active, err := s.ListUsers(ctx, domain.UserFilter{WithAccess: true, ExcludeFinished: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, domain.UserID(3), active[0].ID)
}

func testProgress(t *testing.T, s domain.Store) {
	ctx := context.Background()
	seedUser(t, s, 7)

	_, err := s.GetProgress(ctx, 7, 1)
	assert.ErrorIs(t, err, domain.ErrProgressNotFound)

	require.NoError(t, s.CreateProgress(ctx, domain.NewDayProgress(7, 2, at(8))))
	require.NoError(t, s.CreateProgress(ctx, domain.NewDayProgress(7, 1, at(8))))

	updated, err := s.UpdateProgress(ctx, 7, 1, func(p *domain.UserCourseProgress) error {
		started := at(9)
		p.StartedAt = &started
		p.CurrentTask = 2
		p.MarkTaskCompleted(1)
		p.TaskAttempts[1] = 3
		p.CorrectAnswers = 1
		p.TotalAttempts = 3
		p.VideoWatched = true
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DayInProgress, updated.State())

	got, err := s.GetProgress(ctx, 7, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentTask)
	assert.Equal(t, []int{1}, got.CompletedTasks)
	assert.Equal(t, 3, got.Attempts(1))
	assert.True(t, got.VideoWatched)
	assert.True(t, got.UnlockedAt.Equal(at(8)))

	days, err := s.ListProgress(ctx, 7)
	require.NoError(t, err)
	require.Len(t, days, 2)
	assert.Equal(t, 1, days[0].Day)
	assert.Equal(t, domain.DayNotStarted, days[1].State())

	_, err = s.UpdateProgress(ctx, 7, 5, func(*domain.UserCourseProgress) error { return nil })
	assert.ErrorIs(t, err, domain.ErrProgressNotFound)
}

func testProgressConflict(t *testing.T, s domain.Store) {
	ctx := context.Background()
	seedUser(t, s, 8)

	require.NoError(t, s.CreateProgress(ctx, domain.NewDayProgress(8, 1, at(8))))
	err := s.CreateProgress(ctx, domain.NewDayProgress(8, 1, at(9)))
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func testUpdateRollback(t *testing.T, s domain.Store) {
	ctx := context.Background()
	seedUser(t, s, 9)
	require.NoError(t, s.CreateProgress(ctx, domain.NewDayProgress(9, 1, at(8))))

	boom := errors.New("boom")
	_, err := s.UpdateProgress(ctx, 9, 1, func(p *domain.UserCourseProgress) error {
		p.CurrentTask = 4
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetProgress(ctx, 9, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentTask)
}

func testConcurrentUpdates(t *testing.T, s domain.Store) {
	ctx := context.Background()
	seedUser(t, s, 10)
	require.NoError(t, s.CreateProgress(ctx, domain.NewDayProgress(10, 1, at(8))))

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateProgress(ctx, 10, 1, func(p *domain.UserCourseProgress) error {
				p.TotalAttempts++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetProgress(ctx, 10, 1)
	require.NoError(t, err)
	assert.Equal(t, workers, got.TotalAttempts)
}

func testAttempts(t *testing.T, s domain.Store) {
	ctx := context.Background()
	seedUser(t, s, 11)

	records := []*domain.TaskAttemptRecord{
		{UserID: 11, Day: 1, Task: 1, Kind: domain.TaskChoice, Answer: "B", Attempt: 1, CreatedAt: at(9)},
		{UserID: 11, Day: 1, Task: 1, Kind: domain.TaskChoice, Answer: "A", Correct: true, Attempt: 2, CreatedAt: at(10)},
		{UserID: 11, Day: 2, Task: 1, Kind: domain.TaskVoice, Transcript: "my name is alex", Correct: true, Attempt: 1, CreatedAt: at(11)},
	}
	for _, r := range records {
		require.NoError(t, s.AppendAttempt(ctx, r))
	}

	day1, err := s.ListAttempts(ctx, 11, 1)
	require.NoError(t, err)
	require.Len(t, day1, 2)
	assert.Equal(t, "B", day1[0].Answer)
	assert.True(t, day1[1].Correct)

	all, err := s.ListAttempts(ctx, 11, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, domain.TaskVoice, all[2].Kind)
	assert.Equal(t, "my name is alex", all[2].Transcript)
}

func testReminders(t *testing.T, s domain.Store) {
	ctx := context.Background()
	seedUser(t, s, 12)

	_, err := s.GetReminderState(ctx, 12)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.TouchActivity(ctx, 12, at(10)))
	require.NoError(t, s.TouchActivity(ctx, 12, at(9)))

	st, err := s.GetReminderState(ctx, 12)
	require.NoError(t, err)
	assert.True(t, st.LastActivityAt.Equal(at(10)), "older activity must not move the clock back")
	assert.Equal(t, 0, st.Count)

	st, err = s.UpdateReminderState(ctx, 12, func(r *domain.ReminderState) error {
		sent := at(12)
		r.Count++
		r.LastReminderAt = &sent
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, st.Count)

	got, err := s.GetReminderState(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Count)
	require.NotNil(t, got.LastReminderAt)
	assert.True(t, got.LastReminderAt.Equal(at(12)))
	assert.True(t, got.LastActivityAt.Equal(at(10)))
}

func testCertificates(t *testing.T, s domain.Store) {
	ctx := context.Background()
	seedUser(t, s, 13)

	_, err := s.GetCertificate(ctx, 13)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	cert := &domain.Certificate{
		UserID:         13,
		Name:           "Alex",
		LiberationCode: "LIBERATION",
		Accuracy:       87.5,
		CompletedAt:    at(15),
	}
	require.NoError(t, s.SaveCertificate(ctx, cert))

	got, err := s.GetCertificate(ctx, 13)
	require.NoError(t, err)
	assert.Equal(t, "Alex", got.Name)
	assert.Equal(t, "LIBERATION", got.LiberationCode)
	assert.InDelta(t, 87.5, got.Accuracy, 0.001)
	assert.True(t, got.CompletedAt.Equal(at(15)))

	cert.ArtifactRef = "certificates/13.pdf"
	require.NoError(t, s.SaveCertificate(ctx, cert))
	got, err = s.GetCertificate(ctx, 13)
	require.NoError(t, err)
	assert.Equal(t, "certificates/13.pdf", got.ArtifactRef)
}
