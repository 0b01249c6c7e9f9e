package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/felixgeelhaar/escape/internal/config"
	"github.com/felixgeelhaar/escape/internal/domain"
	"github.com/felixgeelhaar/escape/internal/queue"
	"github.com/felixgeelhaar/escape/internal/storage/memory"
	"github.com/felixgeelhaar/escape/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const learner domain.UserID = 5_000_000_001

// recordingMessenger keeps every outgoing message
type recordingMessenger struct {
	mu   sync.Mutex
	next domain.MessageID
	sent map[domain.UserID][]transport.OutgoingMessage
}

func newRecordingMessenger() *recordingMessenger {
	return &recordingMessenger{sent: make(map[domain.UserID][]transport.OutgoingMessage)}
}

func (m *recordingMessenger) Send(_ context.Context, user domain.UserID, msg transport.OutgoingMessage) (domain.MessageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	m.sent[user] = append(m.sent[user], msg)
	return m.next, nil
}

func (m *recordingMessenger) Edit(context.Context, domain.UserID, domain.MessageID, transport.OutgoingMessage) error {
	return nil
}

func (m *recordingMessenger) DeleteMessage(context.Context, domain.UserID, domain.MessageID) error {
	return nil
}

func (m *recordingMessenger) AnswerCallback(context.Context, string, string) error {
	return nil
}

func (m *recordingMessenger) count(user domain.UserID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent[user])
}

// chanSource feeds updates from a channel and closes it when ctx ends
type chanSource struct {
	ch chan transport.Update
}

func newChanSource() *chanSource {
	return &chanSource{ch: make(chan transport.Update)}
}

func (s *chanSource) Updates(ctx context.Context) (<-chan transport.Update, error) {
	out := make(chan transport.Update)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case u := <-s.ch:
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// capturePublisher records published documents per queue
type capturePublisher struct {
	mu   sync.Mutex
	docs map[string][]any
	err  error
}

func (p *capturePublisher) PublishJSON(_ context.Context, q string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.docs == nil {
		p.docs = make(map[string][]any)
	}
	p.docs[q] = append(p.docs[q], data)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		HTTPAddr:           "127.0.0.1:0",
		Debug:              true,
		LogLevel:           "debug",
		DBDriver:           config.DriverMemory,
		Timezone:           "UTC",
		ReleaseTime:        "09:00",
		ReminderInterval:   time.Hour,
		ReminderThresholds: []time.Duration{24 * time.Hour, 48 * time.Hour, 72 * time.Hour},
		MaxReminders:       3,
		ReminderWindowFrom: 12,
		ReminderWindowTo:   18,
		SpeechBackend:      config.SpeechNone,
		SpeechTimeout:      30 * time.Second,
		MaxVoiceSeconds:    30,
	}
}

func testClock() *clock.Mock {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	return clk
}

func TestOpen_WithoutToken(t *testing.T) {
	app, err := Open(context.Background(), testConfig(), Options{Logger: discardLogger(), Clock: testClock()})
	require.NoError(t, err)
	defer app.Close()

	assert.NotNil(t, app.Store)
	assert.NotNil(t, app.Tracker)
	assert.Equal(t, 10, app.Catalog.Len())
	assert.Nil(t, app.Messenger)
	assert.Nil(t, app.Bot)
	assert.ErrorIs(t, app.RequireMessenger(), ErrNoMessenger)
}

func TestOpen_WiresMessaging(t *testing.T) {
	chat := newRecordingMessenger()
	app, err := Open(context.Background(), testConfig(), Options{
		Logger:    discardLogger(),
		Clock:     testClock(),
		Messenger: chat,
		Source:    newChanSource(),
	})
	require.NoError(t, err)
	defer app.Close()

	require.NoError(t, app.RequireMessenger())
	assert.NotNil(t, app.Bot)
	assert.NotNil(t, app.Coordinator)
	assert.Nil(t, app.Producer, "no queue configured")

	var names []string
	for _, st := range app.Scheduler.Status() {
		names = append(names, st.Name)
	}
	assert.Equal(t, []string{JobReminders, JobUnlock}, names)
}

func TestOpen_InvalidCourse(t *testing.T) {
	cfg := testConfig()
	cfg.CoursePath = t.TempDir() + "/missing.yaml"

	_, err := Open(context.Background(), cfg, Options{Logger: discardLogger()})
	assert.Error(t, err)
}

func TestOpen_InvalidReleaseTime(t *testing.T) {
	cfg := testConfig()
	cfg.ReleaseTime = "25:00"

	_, err := Open(context.Background(), cfg, Options{
		Logger:    discardLogger(),
		Messenger: newRecordingMessenger(),
		Source:    newChanSource(),
	})
	assert.Error(t, err)
}

func TestApp_GrantAccess(t *testing.T) {
	ctx := context.Background()

	t.Run("direct without messaging", func(t *testing.T) {
		store := memory.New()
		app, err := Open(ctx, testConfig(), Options{Logger: discardLogger(), Clock: testClock(), Store: store})
		require.NoError(t, err)
		defer app.Close()

		require.NoError(t, app.GrantAccess(ctx, learner, "alex", "Alex"))

		u, err := store.GetUser(ctx, learner)
		require.NoError(t, err)
		assert.True(t, u.HasAccess)
	})

	t.Run("through the bot sends a welcome", func(t *testing.T) {
		chat := newRecordingMessenger()
		app, err := Open(ctx, testConfig(), Options{
			Logger:    discardLogger(),
			Clock:     testClock(),
			Messenger: chat,
			Source:    newChanSource(),
		})
		require.NoError(t, err)
		defer app.Close()

		require.NoError(t, app.GrantAccess(ctx, learner, "alex", "Alex"))
		assert.Equal(t, 1, chat.count(learner))
	})

	t.Run("through the queue", func(t *testing.T) {
		pub := &capturePublisher{}
		store := memory.New()
		app, err := Open(ctx, testConfig(), Options{
			Logger:    discardLogger(),
			Clock:     testClock(),
			Store:     store,
			Publisher: pub,
		})
		require.NoError(t, err)
		defer app.Close()

		require.NoError(t, app.GrantAccess(ctx, learner, "alex", "Alex"))

		docs := pub.docs[queue.AccessQueueName]
		require.Len(t, docs, 1)
		ev, ok := docs[0].(*queue.AccessGrantedEvent)
		require.True(t, ok, "published %T", docs[0])
		assert.Equal(t, int64(learner), ev.UserID)
		assert.Equal(t, "admin", ev.Provider)

		_, err = store.GetUser(ctx, learner)
		assert.True(t, domain.IsNotFound(err), "access is applied by the consumer, not the publisher")
	})

	t.Run("publish failure", func(t *testing.T) {
		pub := &capturePublisher{err: errors.New("broker down")}
		app, err := Open(ctx, testConfig(), Options{Logger: discardLogger(), Publisher: pub})
		require.NoError(t, err)
		defer app.Close()

		assert.Error(t, app.GrantAccess(ctx, learner, "alex", "Alex"))
	})
}

func TestApp_CloseReversesOrder(t *testing.T) {
	var order []string
	app := &App{closers: []func() error{
		func() error { order = append(order, "store"); return nil },
		func() error { order = append(order, "queue"); return errors.New("already closed") },
		func() error { order = append(order, "messenger"); return nil },
	}}

	err := app.Close()
	assert.Error(t, err)
	assert.Equal(t, []string{"messenger", "queue", "store"}, order)

	assert.NoError(t, app.Close(), "second close is a no-op")
}
