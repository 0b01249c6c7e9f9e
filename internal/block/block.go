// Package block groups task messages into presentation blocks and retracts
// a finished block's messages when the learner moves on.
package block

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/felixgeelhaar/escape/internal/domain"
)

// Retractor deletes previously shown messages. Deleting a message that no
// longer exists returns domain.ErrMessageGone.
type Retractor interface {
	DeleteMessage(ctx context.Context, user domain.UserID, id domain.MessageID) error
}

// ShouldRetractPrevious reports whether the messages of prev must be removed
// before next is shown. Messages are kept only when both tasks carry the same
// non-empty block id; blockless tasks never merge.
func ShouldRetractPrevious(prev, next *domain.TaskDefinition) bool {
	if prev == nil || next == nil {
		return true
	}
	if !prev.HasBlock() || !next.HasBlock() {
		return true
	}
	return prev.BlockID != next.BlockID
}

// Key identifies the ledger bucket a task's messages belong to.
func Key(task *domain.TaskDefinition) string {
	if task == nil {
		return ""
	}
	if task.HasBlock() {
		return fmt.Sprintf("d%d:block:%s", task.Day, task.BlockID)
	}
	return fmt.Sprintf("d%d:task:%d", task.Day, task.Number)
}

// Controller keeps one ledger per user. Ledgers live in memory only; after
// a restart the messages of an interrupted block simply stay visible.
type Controller struct {
	retractor Retractor
	logger    *slog.Logger

	mu      sync.Mutex
	ledgers map[domain.UserID]*domain.BlockDisplayState
}

// NewController creates a block controller
func NewController(retractor Retractor, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		retractor: retractor,
		logger:    logger,
		ledgers:   make(map[domain.UserID]*domain.BlockDisplayState),
	}
}

// Begin is called before next is shown. When the previous block ends its
// messages are retracted and the ledger is reset for next. It returns the
// number of messages retracted.
func (c *Controller) Begin(ctx context.Context, user domain.UserID, prev, next *domain.TaskDefinition) int {
	if !ShouldRetractPrevious(prev, next) {
		c.mu.Lock()
		ledger := c.ledger(user)
		ledger.BlockKey = Key(next)
		c.mu.Unlock()
		return 0
	}

	ids := c.reset(user, Key(next))
	return c.retract(ctx, user, ids)
}

// Track appends shown message ids to the ledger of task's block.
func (c *Controller) Track(user domain.UserID, task *domain.TaskDefinition, ids ...domain.MessageID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ledger := c.ledger(user)
	key := Key(task)
	if ledger.BlockKey != key {
		// A new block without Begin starts a fresh list; the old messages
		// stay on screen.
		ledger.BlockKey = key
		ledger.MessageIDs = nil
	}
	ledger.MessageIDs = append(ledger.MessageIDs, ids...)
}

// Close retracts the current block and clears the ledger, e.g. on day
// completion.
func (c *Controller) Close(ctx context.Context, user domain.UserID) int {
	ids := c.reset(user, "")

	c.mu.Lock()
	delete(c.ledgers, user)
	c.mu.Unlock()

	return c.retract(ctx, user, ids)
}

// State returns a copy of the user's ledger.
func (c *Controller) State(user domain.UserID) domain.BlockDisplayState {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.ledgers[user]
	if !ok {
		return domain.BlockDisplayState{}
	}
	return domain.BlockDisplayState{
		BlockKey:   l.BlockKey,
		MessageIDs: append([]domain.MessageID(nil), l.MessageIDs...),
	}
}

func (c *Controller) ledger(user domain.UserID) *domain.BlockDisplayState {
	l, ok := c.ledgers[user]
	if !ok {
		l = &domain.BlockDisplayState{}
		c.ledgers[user] = l
	}
	return l
}

func (c *Controller) reset(user domain.UserID, key string) []domain.MessageID {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.ledger(user)
	ids := l.MessageIDs
	l.BlockKey = key
	l.MessageIDs = nil
	return ids
}

// retract deletes ids best-effort. Individual failures never abort the
// transition.
func (c *Controller) retract(ctx context.Context, user domain.UserID, ids []domain.MessageID) int {
	deleted := 0
	for _, id := range ids {
		err := c.retractor.DeleteMessage(ctx, user, id)
		switch {
		case err == nil:
			deleted++
		case errors.Is(err, domain.ErrMessageGone):
			c.logger.Debug("retracted message already gone", "user_id", user, "message_id", id)
		default:
			c.logger.Warn("failed to retract message", "user_id", user, "message_id", id, "error", err)
		}
	}
	return deleted
}
