// Package bot turns platform updates into course actions: commands, button
// presses and voice answers.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/felixgeelhaar/escape/internal/block"
	"github.com/felixgeelhaar/escape/internal/domain"
	"github.com/felixgeelhaar/escape/internal/progress"
	"github.com/felixgeelhaar/escape/internal/speech"
	"github.com/felixgeelhaar/escape/internal/transport"
	"golang.org/x/sync/semaphore"
)

// Config holds bot behavior settings
type Config struct {
	// PaymentURL is the checkout page; the user id is appended as
	// client_reference_id. Empty disables /pay.
	PaymentURL      string
	MinVoiceSeconds int
	MaxVoiceSeconds int
	// Workers bounds the number of updates queued or in flight across all
	// users. Run stops reading from the source while the bound is reached.
	Workers       int
	UpdateTimeout time.Duration
}

// DefaultConfig returns the default bot settings
func DefaultConfig() Config {
	return Config{
		MinVoiceSeconds: 1,
		MaxVoiceSeconds: 30,
		Workers:         16,
		UpdateTimeout:   90 * time.Second,
	}
}

// Deps are the collaborators of a Handler
type Deps struct {
	Tracker     *progress.Tracker
	Blocks      *block.Controller
	Messenger   transport.Messenger
	Downloader  transport.Downloader
	Transcriber speech.Transcriber
}

// Handler dispatches updates. Updates and events of one user are handled
// strictly in arrival order; different users are served concurrently.
type Handler struct {
	tracker     *progress.Tracker
	blocks      *block.Controller
	messenger   transport.Messenger
	downloader  transport.Downloader
	transcriber speech.Transcriber
	cfg         Config
	logger      *slog.Logger

	boxes *mailboxes
}

// NewHandler creates a bot handler
func NewHandler(deps Deps, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MinVoiceSeconds <= 0 {
		cfg.MinVoiceSeconds = def.MinVoiceSeconds
	}
	if cfg.MaxVoiceSeconds <= 0 {
		cfg.MaxVoiceSeconds = def.MaxVoiceSeconds
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.UpdateTimeout <= 0 {
		cfg.UpdateTimeout = def.UpdateTimeout
	}
	if deps.Blocks == nil {
		deps.Blocks = block.NewController(deps.Messenger, logger)
	}
	if deps.Transcriber == nil {
		deps.Transcriber = speech.Disabled{}
	}
	return &Handler{
		tracker:     deps.Tracker,
		blocks:      deps.Blocks,
		messenger:   deps.Messenger,
		downloader:  deps.Downloader,
		transcriber: deps.Transcriber,
		cfg:         cfg,
		logger:      logger,
		boxes:       newMailboxes(),
	}
}

// Run consumes updates from src until ctx is cancelled or the source closes.
// Each update is queued behind earlier work of the same user. In-flight
// updates are finished before Run returns.
func (h *Handler) Run(ctx context.Context, src transport.Source) error {
	updates, err := src.Updates(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to updates: %w", err)
	}

	slots := semaphore.NewWeighted(int64(h.cfg.Workers))
	var wg sync.WaitGroup
	defer wg.Wait()

	for upd := range updates {
		if upd.UserID == 0 {
			continue
		}
		if err := slots.Acquire(ctx, 1); err != nil {
			return nil
		}
		wg.Add(1)
		h.boxes.post(upd.UserID, func() {
			defer wg.Done()
			defer slots.Release(1)
			h.handle(ctx, upd)
		})
	}
	return nil
}

// Handle processes one update after any work already queued for the same
// user. It never panics and never returns an error; failures are logged and,
// where useful, reported to the user.
func (h *Handler) Handle(ctx context.Context, upd transport.Update) {
	if upd.UserID == 0 {
		return
	}
	_ = h.boxes.call(upd.UserID, func() error {
		h.handle(ctx, upd)
		return nil
	})
}

func (h *Handler) handle(ctx context.Context, upd transport.Update) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.UpdateTimeout)
	defer cancel()

	start := time.Now()
	logger := h.logger.With("user_id", upd.UserID, "kind", upd.Kind)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic handling update",
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	err := h.dispatch(ctx, upd)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrRecipientBlocked):
		logger.Info("user blocked the bot")
	case errors.Is(err, context.Canceled):
		logger.Debug("update cancelled")
	default:
		logger.Error("update failed", "error", err)
		if !domain.IsNotFound(err) {
			h.send(ctx, upd.UserID, transport.Text(textSomethingOff))
		}
	}

	logger.Debug("update handled", "duration", time.Since(start))
}

func (h *Handler) dispatch(ctx context.Context, upd transport.Update) error {
	user, err := h.tracker.EnsureUser(ctx, upd.UserID, progress.Profile{
		Username:     upd.Username,
		FirstName:    upd.FirstName,
		LanguageCode: upd.LanguageCode,
	})
	if err != nil {
		return err
	}

	if user.HasAccess {
		if err := h.tracker.TouchActivity(ctx, user.ID); err != nil {
			h.logger.Warn("failed to record activity", "user_id", user.ID, "error", err)
		}
	}

	switch upd.Kind {
	case transport.UpdateCommand:
		return h.handleCommand(ctx, user, upd.Command)
	case transport.UpdateCallback:
		toast, err := h.handleCallback(ctx, user, upd)
		if ackErr := h.messenger.AnswerCallback(ctx, upd.CallbackID, toast); ackErr != nil {
			h.logger.Debug("failed to answer callback", "user_id", user.ID, "error", ackErr)
		}
		return err
	case transport.UpdateVoice:
		return h.handleVoice(ctx, user, upd.Voice)
	case transport.UpdateText:
		_, err := h.messenger.Send(ctx, user.ID, transport.Text(textUseButtons))
		return err
	}
	return nil
}

// OnAccessGranted opens the course for a paying user and sends the welcome.
// Store failures are returned so the event can be redelivered.
func (h *Handler) OnAccessGranted(ctx context.Context, id domain.UserID, username, firstName string) error {
	return h.boxes.call(id, func() error {
		return h.grantAccess(ctx, id, username, firstName)
	})
}

func (h *Handler) grantAccess(ctx context.Context, id domain.UserID, username, firstName string) error {
	already := false
	if u, err := h.tracker.Store().GetUser(ctx, id); err == nil {
		already = u.HasAccess
	}

	user, err := h.tracker.GrantAccess(ctx, id, username, firstName)
	if err != nil {
		return fmt.Errorf("grant access: %w", err)
	}
	if already {
		return nil
	}

	if _, err := h.messenger.Send(ctx, id, accessGrantedMessage(user.Name())); err != nil {
		if errors.Is(err, domain.ErrRecipientBlocked) {
			h.logger.Info("access granted to user who blocked the bot", "user_id", id)
			return nil
		}
		h.logger.Warn("failed to send access notification", "user_id", id, "error", err)
	}
	return nil
}

// DeliverCertificate stores the rendered certificate reference and sends the
// document to its owner.
func (h *Handler) DeliverCertificate(ctx context.Context, id domain.UserID, artifactRef string) error {
	return h.boxes.call(id, func() error {
		return h.deliverCertificate(ctx, id, artifactRef)
	})
}

func (h *Handler) deliverCertificate(ctx context.Context, id domain.UserID, artifactRef string) error {
	store := h.tracker.Store()
	cert, err := store.GetCertificate(ctx, id)
	if err != nil {
		return fmt.Errorf("get certificate: %w", err)
	}
	if cert.ArtifactRef == artifactRef {
		return nil
	}
	cert.ArtifactRef = artifactRef
	if err := store.SaveCertificate(ctx, cert); err != nil {
		return fmt.Errorf("save certificate: %w", err)
	}

	if _, err := h.messenger.Send(ctx, id, certificateMessage(cert)); err != nil && !errors.Is(err, domain.ErrRecipientBlocked) {
		return fmt.Errorf("send certificate: %w", err)
	}
	h.logger.Info("certificate delivered", "user_id", id)
	return nil
}

func (h *Handler) payButton(id domain.UserID) transport.Button {
	if link := paymentLink(h.cfg.PaymentURL, id); link != "" {
		return transport.Button{Text: "💳 Get access", URL: link}
	}
	return transport.Button{Text: "💳 Get access", Data: actionPay}
}

// paymentLink appends the user reference to the checkout URL
func paymentLink(base string, id domain.UserID) string {
	if base == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("client_reference_id", strconv.FormatInt(int64(id), 10))
	u.RawQuery = q.Encode()
	return u.String()
}

// send delivers msg and logs failures; used where delivery is best effort.
func (h *Handler) send(ctx context.Context, id domain.UserID, msg transport.OutgoingMessage) domain.MessageID {
	mid, err := h.messenger.Send(ctx, id, msg)
	if err != nil {
		h.logger.Warn("failed to send message", "user_id", id, "error", err)
		return 0
	}
	return mid
}
