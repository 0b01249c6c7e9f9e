package domain

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// DayState is the lifecycle position of one course day for one user
type DayState string

const (
	DayLocked     DayState = "locked"
	DayNotStarted DayState = "not_started"
	DayInProgress DayState = "in_progress"
	DayComplete   DayState = "complete"
)

// UserCourseProgress tracks a user's advancement through one day. A record
// exists once the day is unlocked; it is immutable after CompletedAt is set.
type UserCourseProgress struct {
	UserID         UserID
	Day            int
	CurrentTask    int
	CurrentStep    int
	CompletedTasks []int
	TaskAttempts   map[int]int
	CorrectAnswers int
	AttemptedTasks int
	TotalAttempts  int
	VideoWatched   bool
	BriefRead      bool
	CodeLetter     string

	UnlockedAt  time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// NewDayProgress creates the unlocked, not yet started record for a day.
func NewDayProgress(user UserID, day int, now time.Time) *UserCourseProgress {
	return &UserCourseProgress{
		UserID:       user,
		Day:          day,
		TaskAttempts: make(map[int]int),
		UnlockedAt:   now,
	}
}

// State returns the day state derived from the timestamps.
func (p *UserCourseProgress) State() DayState {
	switch {
	case p == nil:
		return DayLocked
	case p.CompletedAt != nil:
		return DayComplete
	case p.StartedAt != nil:
		return DayInProgress
	default:
		return DayNotStarted
	}
}

// IsComplete reports whether the day is finished.
func (p *UserCourseProgress) IsComplete() bool {
	return p.CompletedAt != nil
}

// TaskCompleted reports whether the task number is in the completed set.
func (p *UserCourseProgress) TaskCompleted(task int) bool {
	i := sort.SearchInts(p.CompletedTasks, task)
	return i < len(p.CompletedTasks) && p.CompletedTasks[i] == task
}

// MarkTaskCompleted inserts the task into the sorted completed set.
func (p *UserCourseProgress) MarkTaskCompleted(task int) bool {
	if p.TaskCompleted(task) {
		return false
	}
	p.CompletedTasks = append(p.CompletedTasks, task)
	sort.Ints(p.CompletedTasks)
	return true
}

// Attempts returns how many counted submissions the task has received.
func (p *UserCourseProgress) Attempts(task int) int {
	return p.TaskAttempts[task]
}

// Clone returns a deep copy safe to mutate.
func (p *UserCourseProgress) Clone() *UserCourseProgress {
	c := *p
	c.CompletedTasks = append([]int(nil), p.CompletedTasks...)
	c.TaskAttempts = make(map[int]int, len(p.TaskAttempts))
	for k, v := range p.TaskAttempts {
		c.TaskAttempts[k] = v
	}
	return &c
}

// TaskAttemptRecord is one append-only audit entry for a counted submission
type TaskAttemptRecord struct {
	ID         uuid.UUID
	UserID     UserID
	Day        int
	Task       int
	Kind       TaskKind
	Answer     string
	Transcript string
	Correct    bool
	Attempt    int
	Duplicate  bool
	CreatedAt  time.Time
}

// BlockDisplayState is the per-user ledger of messages shown for the
// current presentation block.
type BlockDisplayState struct {
	BlockKey   string
	MessageIDs []MessageID
}

// ReminderState tracks inactivity reminders for one user
type ReminderState struct {
	UserID         UserID
	Count          int
	LastReminderAt *time.Time
	LastActivityAt time.Time
}

// Certificate is issued once every day of the course has been completed
type Certificate struct {
	ID             uuid.UUID
	UserID         UserID
	Name           string
	LiberationCode string
	Accuracy       float64
	CompletedAt    time.Time
	ArtifactRef    string
	CreatedAt      time.Time
}
