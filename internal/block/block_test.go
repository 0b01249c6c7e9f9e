package block

import (
	"context"
	"errors"
	"testing"

	"github.com/felixgeelhaar/escape/internal/domain"
	"github.com/stretchr/testify/assert"
)

type fakeRetractor struct {
	deleted []domain.MessageID
	gone    map[domain.MessageID]bool
	fail    map[domain.MessageID]bool
}

func (f *fakeRetractor) DeleteMessage(_ context.Context, _ domain.UserID, id domain.MessageID) error {
	if f.gone[id] {
		return domain.ErrMessageGone
	}
	if f.fail[id] {
		return errors.New("network down")
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func task(day, number int, block string) *domain.TaskDefinition {
	return &domain.TaskDefinition{Day: day, Number: number, BlockID: block}
}

func TestShouldRetractPrevious(t *testing.T) {
	tests := []struct {
		name string
		prev *domain.TaskDefinition
		next *domain.TaskDefinition
		want bool
	}{
		{"same block", task(1, 1, "b1"), task(1, 2, "b1"), false},
		{"different blocks", task(1, 1, "b1"), task(1, 2, "b2"), true},
		{"both blockless", task(1, 1, ""), task(1, 2, ""), true},
		{"prev blockless", task(1, 1, ""), task(1, 2, "b1"), true},
		{"next blockless", task(1, 1, "b1"), task(1, 2, ""), true},
		{"no previous task", nil, task(1, 1, "b1"), true},
		{"no next task", task(1, 1, "b1"), nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldRetractPrevious(tt.prev, tt.next))
		})
	}
}

func TestController_SameBlockAccumulates(t *testing.T) {
	r := &fakeRetractor{}
	c := NewController(r, nil)
	ctx := context.Background()
	const user domain.UserID = 1

	t1, t2, t3 := task(2, 1, "directions"), task(2, 2, "directions"), task(2, 3, "")

	assert.Equal(t, 0, c.Begin(ctx, user, nil, t1))
	c.Track(user, t1, 10, 11)

	assert.Equal(t, 0, c.Begin(ctx, user, t1, t2))
	c.Track(user, t2, 12)
	assert.Equal(t, []domain.MessageID{10, 11, 12}, c.State(user).MessageIDs)

	assert.Equal(t, 3, c.Begin(ctx, user, t2, t3))
	assert.Equal(t, []domain.MessageID{10, 11, 12}, r.deleted)
	assert.Empty(t, c.State(user).MessageIDs)

	c.Track(user, t3, 13)
	assert.Equal(t, []domain.MessageID{13}, c.State(user).MessageIDs)
}

func TestController_BlocklessTasksNeverMerge(t *testing.T) {
	r := &fakeRetractor{}
	c := NewController(r, nil)
	ctx := context.Background()
	const user domain.UserID = 1

	t1, t2 := task(1, 1, ""), task(1, 2, "")

	c.Begin(ctx, user, nil, t1)
	c.Track(user, t1, 1)
	c.Begin(ctx, user, t1, t2)
	c.Track(user, t2, 2)

	assert.Equal(t, []domain.MessageID{1}, r.deleted)
	assert.Equal(t, []domain.MessageID{2}, c.State(user).MessageIDs)
}

func TestController_RetractionFailuresAreSwallowed(t *testing.T) {
	r := &fakeRetractor{
		gone: map[domain.MessageID]bool{2: true},
		fail: map[domain.MessageID]bool{3: true},
	}
	c := NewController(r, nil)
	ctx := context.Background()
	const user domain.UserID = 7

	t1 := task(1, 1, "a")
	c.Begin(ctx, user, nil, t1)
	c.Track(user, t1, 1, 2, 3, 4)

	deleted := c.Begin(ctx, user, t1, task(1, 2, "b"))
	assert.Equal(t, 2, deleted)
	assert.Equal(t, []domain.MessageID{1, 4}, r.deleted)
	assert.Empty(t, c.State(user).MessageIDs)
}

func TestController_Close(t *testing.T) {
	r := &fakeRetractor{}
	c := NewController(r, nil)
	ctx := context.Background()

	t1 := task(1, 1, "a")
	c.Track(1, t1, 5, 6)
	c.Track(2, t1, 9)

	assert.Equal(t, 2, c.Close(ctx, 1))
	assert.Equal(t, []domain.MessageID{5, 6}, r.deleted)
	assert.Equal(t, domain.BlockDisplayState{}, c.State(1))
	assert.Equal(t, []domain.MessageID{9}, c.State(2).MessageIDs, "other users are unaffected")
}

func TestKey(t *testing.T) {
	assert.Equal(t, "d1:block:b1", Key(task(1, 3, "b1")))
	assert.Equal(t, "d1:task:3", Key(task(1, 3, "")))
	assert.NotEqual(t, Key(task(1, 3, "b1")), Key(task(2, 3, "b1")))
	assert.Empty(t, Key(nil))
}
