package bot

import (
	"fmt"
	"sync"

	"github.com/felixgeelhaar/escape/internal/domain"
)

// mailboxes runs each user's work in arrival order. A user's mailbox is
// drained by one goroutine that exits once the queue is empty, so different
// users proceed concurrently and idle users cost nothing.
type mailboxes struct {
	mu    sync.Mutex
	boxes map[domain.UserID]*mailbox
}

type mailbox struct {
	queue []func()
}

func newMailboxes() *mailboxes {
	return &mailboxes{boxes: make(map[domain.UserID]*mailbox)}
}

// post appends job to the user's queue without waiting for it.
func (m *mailboxes) post(id domain.UserID, job func()) {
	m.mu.Lock()
	if box, ok := m.boxes[id]; ok {
		box.queue = append(box.queue, job)
		m.mu.Unlock()
		return
	}
	box := &mailbox{queue: []func(){job}}
	m.boxes[id] = box
	m.mu.Unlock()

	go m.drain(id, box)
}

// call posts job and blocks until it has run. A panic in job is returned
// as an error.
func (m *mailboxes) call(id domain.UserID, job func() error) error {
	done := make(chan error, 1)
	m.post(id, func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- job()
	})
	return <-done
}

func (m *mailboxes) drain(id domain.UserID, box *mailbox) {
	for {
		m.mu.Lock()
		if len(box.queue) == 0 {
			delete(m.boxes, id)
			m.mu.Unlock()
			return
		}
		job := box.queue[0]
		box.queue[0] = nil
		box.queue = box.queue[1:]
		m.mu.Unlock()

		job()
	}
}

// size returns the number of users with queued or running work
func (m *mailboxes) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.boxes)
}
