package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/felixgeelhaar/escape/internal/course"
	"github.com/felixgeelhaar/escape/internal/domain"
	"github.com/felixgeelhaar/escape/internal/progress"
	"github.com/felixgeelhaar/escape/internal/speech"
	"github.com/felixgeelhaar/escape/internal/storage/memory"
	"github.com/felixgeelhaar/escape/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatMessenger struct {
	mu      sync.Mutex
	next    domain.MessageID
	sent    []transport.OutgoingMessage
	deleted []domain.MessageID
	toasts  []string
	sendErr error
}

func (m *chatMessenger) Send(_ context.Context, _ domain.UserID, msg transport.OutgoingMessage) (domain.MessageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return 0, m.sendErr
	}
	m.next++
	m.sent = append(m.sent, msg)
	return m.next, nil
}

func (m *chatMessenger) Edit(context.Context, domain.UserID, domain.MessageID, transport.OutgoingMessage) error {
	return nil
}

func (m *chatMessenger) DeleteMessage(_ context.Context, _ domain.UserID, id domain.MessageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *chatMessenger) AnswerCallback(_ context.Context, _ string, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toasts = append(m.toasts, text)
	return nil
}

func (m *chatMessenger) last() transport.OutgoingMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return transport.OutgoingMessage{}
	}
	return m.sent[len(m.sent)-1]
}

func (m *chatMessenger) lastToast() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.toasts) == 0 {
		return ""
	}
	return m.toasts[len(m.toasts)-1]
}

type fakeDownloader struct{}

func (fakeDownloader) Download(context.Context, string) ([]byte, error) {
	return []byte("OggS"), nil
}

type scriptedTranscriber struct {
	text string
	err  error
}

func (s *scriptedTranscriber) Transcribe(context.Context, speech.Audio) (string, error) {
	return s.text, s.err
}

type botHarness struct {
	handler     *Handler
	tracker     *progress.Tracker
	store       *memory.Store
	chat        *chatMessenger
	transcriber *scriptedTranscriber
}

const learner domain.UserID = 5_000_000_001

func newBotHarness(t *testing.T) *botHarness {
	t.Helper()
	catalog, err := course.Default()
	require.NoError(t, err)

	store := memory.New()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	tracker := progress.NewTracker(store, catalog, clk, nil)

	chat := &chatMessenger{}
	tr := &scriptedTranscriber{}
	cfg := DefaultConfig()
	cfg.PaymentURL = "https://pay.example.com/checkout?plan=escape"

	h := NewHandler(Deps{
		Tracker:     tracker,
		Messenger:   chat,
		Downloader:  fakeDownloader{},
		Transcriber: tr,
	}, cfg, nil)

	return &botHarness{handler: h, tracker: tracker, store: store, chat: chat, transcriber: tr}
}

func (b *botHarness) command(name string) {
	b.handler.Handle(context.Background(), transport.Update{
		Kind: transport.UpdateCommand, UserID: learner, FirstName: "Alex", Command: name,
	})
}

func (b *botHarness) press(data string) {
	b.handler.Handle(context.Background(), transport.Update{
		Kind: transport.UpdateCallback, UserID: learner, FirstName: "Alex", CallbackID: "cb", CallbackData: data,
	})
}

func (b *botHarness) voice(seconds int) {
	b.handler.Handle(context.Background(), transport.Update{
		Kind: transport.UpdateVoice, UserID: learner, FirstName: "Alex",
		Voice: &transport.Voice{FileID: "f1", Duration: seconds, MimeType: "audio/ogg"},
	})
}

func (b *botHarness) grant(t *testing.T) {
	t.Helper()
	require.NoError(t, b.handler.OnAccessGranted(context.Background(), learner, "alex", "Alex"))
}

func TestStart_WithoutAccess(t *testing.T) {
	b := newBotHarness(t)

	b.command("start")

	msg := b.chat.last()
	assert.Contains(t, msg.Text, "Welcome to The Language Escape, Alex")
	require.Len(t, msg.Buttons, 1)
	assert.Contains(t, msg.Buttons[0][0].URL, "client_reference_id=5000000001")
	assert.Contains(t, msg.Buttons[0][0].URL, "plan=escape")

	user, err := b.store.GetUser(context.Background(), learner)
	require.NoError(t, err)
	assert.False(t, user.HasAccess)
}

func TestLockedCommandsRequireAccess(t *testing.T) {
	b := newBotHarness(t)

	for _, cmd := range []string{"day", "progress", "code"} {
		b.command(cmd)
		assert.Equal(t, textNoAccess, b.chat.last().Text, cmd)
	}

	b.press(dayData(dayStart, 1))
	assert.Equal(t, textNoAccess, b.chat.last().Text)
}

func TestOnAccessGranted_Idempotent(t *testing.T) {
	b := newBotHarness(t)

	b.grant(t)
	b.grant(t)

	assert.Len(t, b.chat.sent, 1, "welcome is sent once")
	assert.Contains(t, b.chat.sent[0].Text, "Payment received, Alex")

	days, err := b.store.ListProgress(context.Background(), learner)
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, domain.DayNotStarted, days[0].State())
}

func TestOnAccessGranted_BlockedUser(t *testing.T) {
	b := newBotHarness(t)
	b.chat.sendErr = domain.ErrRecipientBlocked

	require.NoError(t, b.handler.OnAccessGranted(context.Background(), learner, "alex", "Alex"))
	user, err := b.store.GetUser(context.Background(), learner)
	require.NoError(t, err)
	assert.True(t, user.HasAccess)
}

func TestDayOne_Scenario(t *testing.T) {
	b := newBotHarness(t)
	ctx := context.Background()
	b.grant(t)

	b.press(dayData(dayIntro, 1))
	intro := b.chat.last()
	assert.Contains(t, intro.Text, "Day 1/10: The Cell")
	assert.Contains(t, intro.Text, "Wake up, Alex.")
	assert.Equal(t, dayData(dayVideo, 1), intro.Buttons[0][0].Data)

	b.press(dayData(dayVideo, 1))
	assert.Equal(t, "✅ Sent", b.chat.lastToast())
	require.NotNil(t, b.chat.last().Attachment)
	assert.Equal(t, transport.AttachVideo, b.chat.last().Attachment.Kind)

	b.press(dayData(dayStart, 1))
	taskMsgID := b.chat.next
	task1 := b.chat.last()
	assert.Contains(t, task1.Text, "Task 1/2")
	require.Len(t, task1.Buttons, 3)
	assert.Equal(t, answerData(1, 1, 0, "A"), task1.Buttons[0][0].Data)

	// wrong answer, then the right one
	b.press(answerData(1, 1, 0, "B"))
	assert.Equal(t, "❌", b.chat.lastToast())
	assert.Contains(t, b.chat.last().Text, "A greeting is answered with a greeting.")

	b.press(answerData(1, 1, 0, "A"))
	assert.Equal(t, "✅", b.chat.lastToast())
	assert.Contains(t, b.chat.last().Text, "Task 2/2")
	assert.Contains(t, b.chat.last().Text, `Say: "my name is" + your name`)

	// blockless task 1 is retracted: prompt, wrong feedback, correct feedback
	assert.Equal(t, []domain.MessageID{taskMsgID, taskMsgID + 1, taskMsgID + 2}, b.chat.deleted)

	// pressing an old button is a duplicate
	b.press(answerData(1, 1, 0, "A"))
	assert.Equal(t, textAlreadyDone, b.chat.lastToast())

	// voice: phrase without a name, then the full answer
	b.transcriber.text = "my name is"
	b.voice(3)
	assert.Contains(t, b.chat.last().Text, "not your name")

	b.transcriber.text = "My name is alex!"
	b.voice(3)
	assert.Contains(t, b.chat.last().Text, "Day 1 complete")
	assert.Contains(t, b.chat.last().Text, "L _ _ _ _ _ _ _ _ _")

	p, err := b.store.GetProgress(ctx, learner, 1)
	require.NoError(t, err)
	assert.True(t, p.IsComplete())
	assert.True(t, p.VideoWatched)
	assert.False(t, p.BriefRead)
	assert.Equal(t, 2, p.CorrectAnswers)
	assert.Equal(t, 4, p.TotalAttempts)

	user, err := b.store.GetUser(ctx, learner)
	require.NoError(t, err)
	assert.Equal(t, "Alex", user.DisplayName)

	state := b.handler.blocks.State(learner)
	assert.Empty(t, state.MessageIDs, "day completion clears the ledger")

	b.command("code")
	assert.Contains(t, b.chat.last().Text, "1 of 10 letters")
}

func TestVoice_Rules(t *testing.T) {
	b := newBotHarness(t)
	b.grant(t)

	b.voice(3)
	assert.Equal(t, textNoVoiceTask, b.chat.last().Text, "day not started")

	b.press(dayData(dayStart, 1))
	b.voice(3)
	assert.Equal(t, textNoVoiceTask, b.chat.last().Text, "current task is a choice")

	b.press(answerData(1, 1, 0, "A"))

	b.voice(0)
	assert.Equal(t, textVoiceTooShort, b.chat.last().Text)
	b.voice(31)
	assert.Contains(t, b.chat.last().Text, "under 30 seconds")

	b.transcriber.err = speech.ErrUnavailable
	b.voice(3)
	assert.Equal(t, textVoiceDown, b.chat.last().Text)

	b.transcriber.err = speech.ErrUnrecognized
	b.voice(3)
	assert.Contains(t, b.chat.last().Text, "could not make out")

	p, err := b.store.GetProgress(context.Background(), learner, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Attempts(2), "unparseable audio is not an attempt")
}

func TestAnswer_OutOfOrderAndStale(t *testing.T) {
	b := newBotHarness(t)
	b.grant(t)
	b.press(dayData(dayStart, 1))

	b.press(answerData(1, 2, 0, "A"))
	assert.Equal(t, textStaleButton, b.chat.lastToast(), "voice tasks have no answer buttons")

	b.press(answerData(1, 1, 0, "Z"))
	assert.Equal(t, textStaleButton, b.chat.lastToast(), "unknown option")

	b.press(answerData(2, 1, 0, "B"))
	assert.Equal(t, textDayLocked, b.chat.lastToast())

	b.press("start_tasks_1")
	assert.Equal(t, textStaleButton, b.chat.lastToast())
}

func TestOpenCurrentDay(t *testing.T) {
	b := newBotHarness(t)
	b.grant(t)

	b.command("day")
	assert.Contains(t, b.chat.last().Text, "Day 1/10")

	b.press(dayData(dayStart, 1))
	b.command("day")
	assert.Contains(t, b.chat.last().Text, "Task 1/2", "in-progress day resumes the task")

	b.command("progress")
	assert.Contains(t, b.chat.last().Text, "Days completed: 0/10")
	assert.Contains(t, b.chat.last().Text, "in progress")
}

func TestHandle_RecoversFromPanics(t *testing.T) {
	b := newBotHarness(t)
	b.handler.downloader = nil
	b.grant(t)
	b.press(dayData(dayStart, 1))
	b.press(answerData(1, 1, 0, "A"))

	assert.NotPanics(t, func() { b.voice(3) })
}

func TestHandle_TouchesActivity(t *testing.T) {
	b := newBotHarness(t)
	b.grant(t)

	b.command("help")
	state, err := b.store.GetReminderState(context.Background(), learner)
	require.NoError(t, err)
	assert.False(t, state.LastActivityAt.IsZero())
	assert.True(t, strings.Contains(b.chat.last().Text, "/progress"))
}

func TestDeliverCertificate(t *testing.T) {
	b := newBotHarness(t)
	ctx := context.Background()

	err := b.handler.DeliverCertificate(ctx, learner, "certs/x.pdf")
	assert.True(t, errors.Is(err, domain.ErrNotFound) || domain.IsNotFound(err))

	cert := &domain.Certificate{UserID: learner, Name: "Alex", LiberationCode: "LIBERATION"}
	require.NoError(t, b.store.SaveCertificate(ctx, cert))

	require.NoError(t, b.handler.DeliverCertificate(ctx, learner, "certs/x.pdf"))
	require.NotNil(t, b.chat.last().Attachment)
	assert.Equal(t, "certs/x.pdf", b.chat.last().Attachment.Ref)

	stored, err := b.store.GetCertificate(ctx, learner)
	require.NoError(t, err)
	assert.Equal(t, "certs/x.pdf", stored.ArtifactRef)

	// redelivery of the same result sends nothing new
	sent := len(b.chat.sent)
	require.NoError(t, b.handler.DeliverCertificate(ctx, learner, "certs/x.pdf"))
	assert.Len(t, b.chat.sent, sent)
}

func TestPaymentLink(t *testing.T) {
	assert.Equal(t, "", paymentLink("", 1))
	assert.Equal(t, "https://pay.example.com/c?client_reference_id=42", paymentLink("https://pay.example.com/c", 42))
}

type chanSource chan transport.Update

func (c chanSource) Updates(context.Context) (<-chan transport.Update, error) {
	return c, nil
}

// namesStore remembers the username of every user write in commit order.
type namesStore struct {
	*memory.Store
	mu    sync.Mutex
	names []string
}

func (s *namesStore) SaveUser(ctx context.Context, u *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Store.SaveUser(ctx, u); err != nil {
		return err
	}
	s.names = append(s.names, u.Username)
	return nil
}

func (s *namesStore) UpdateUser(ctx context.Context, id domain.UserID, fn func(*domain.User) error) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.Store.UpdateUser(ctx, id, fn)
	if err != nil {
		return nil, err
	}
	s.names = append(s.names, u.Username)
	return u, nil
}

func TestRun_KeepsPerUserOrder(t *testing.T) {
	catalog, err := course.Default()
	require.NoError(t, err)

	store := &namesStore{Store: memory.New()}
	tracker := progress.NewTracker(store, catalog, clock.NewMock(), nil)
	chat := &chatMessenger{}
	cfg := DefaultConfig()
	cfg.Workers = 8
	h := NewHandler(Deps{Tracker: tracker, Messenger: chat}, cfg, nil)

	const updates = 300
	src := make(chanSource, updates)
	for i := 0; i < updates; i++ {
		src <- transport.Update{
			ID:           i,
			Kind:         transport.UpdateText,
			UserID:       learner,
			Username:     fmt.Sprintf("u%03d", i),
			FirstName:    "Alex",
			LanguageCode: "ru",
			Text:         "hello",
		}
	}
	close(src)

	require.NoError(t, h.Run(context.Background(), src))

	store.mu.Lock()
	names := append([]string(nil), store.names...)
	store.mu.Unlock()

	require.Len(t, names, updates, "every update renames the user once")
	for i := 1; i < len(names); i++ {
		require.Less(t, names[i-1], names[i], "write %d out of arrival order", i)
	}

	user, err := store.GetUser(context.Background(), learner)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("u%03d", updates-1), user.Username)
	assert.Equal(t, "Europe/Moscow", user.Timezone)
	assert.Len(t, chat.sent, updates)
	assert.Equal(t, 0, h.boxes.size())
}

func TestOnAccessGranted_WaitsBehindQueuedUpdates(t *testing.T) {
	b := newBotHarness(t)

	release := make(chan struct{})
	b.handler.boxes.post(learner, func() { <-release })

	granted := make(chan error, 1)
	go func() {
		granted <- b.handler.OnAccessGranted(context.Background(), learner, "alex", "Alex")
	}()

	select {
	case err := <-granted:
		t.Fatalf("OnAccessGranted() returned %v before earlier work finished", err)
	case <-time.After(50 * time.Millisecond):
	}
	_, err := b.store.GetUser(context.Background(), learner)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	close(release)
	require.NoError(t, <-granted)

	user, err := b.store.GetUser(context.Background(), learner)
	require.NoError(t, err)
	assert.True(t, user.HasAccess)
}
