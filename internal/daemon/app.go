package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/benbjohnson/clock"
	"github.com/felixgeelhaar/escape/internal/block"
	"github.com/felixgeelhaar/escape/internal/bot"
	"github.com/felixgeelhaar/escape/internal/config"
	"github.com/felixgeelhaar/escape/internal/coordinator"
	"github.com/felixgeelhaar/escape/internal/course"
	"github.com/felixgeelhaar/escape/internal/domain"
	"github.com/felixgeelhaar/escape/internal/progress"
	"github.com/felixgeelhaar/escape/internal/queue"
	"github.com/felixgeelhaar/escape/internal/scheduler"
	"github.com/felixgeelhaar/escape/internal/speech"
	"github.com/felixgeelhaar/escape/internal/storage/memory"
	"github.com/felixgeelhaar/escape/internal/storage/postgres"
	"github.com/felixgeelhaar/escape/internal/storage/sqlite"
	"github.com/felixgeelhaar/escape/internal/transport"
	"github.com/felixgeelhaar/escape/internal/transport/telegram"
)

// Job names registered with the scheduler
const (
	JobUnlock    = "unlock"
	JobReminders = "reminders"
)

// ErrNoMessenger is returned by operations that need to reach users when no
// bot token is configured.
var ErrNoMessenger = errors.New("messaging is not configured")

// Options overrides collaborators that Open would otherwise build from
// configuration.
type Options struct {
	Logger     *slog.Logger
	Clock      clock.Clock
	Store      domain.Store
	Messenger  transport.Messenger
	Source     transport.Source
	Downloader transport.Downloader
	// Publisher replaces the RabbitMQ connection for outgoing jobs.
	Publisher queue.Publisher
}

// App holds the wired course components. Messaging parts are nil when no
// bot token is configured; the store, catalog and tracker are always set.
type App struct {
	Config  *config.Config
	Store   domain.Store
	Catalog *course.Catalog
	Tracker *progress.Tracker

	Messenger   transport.Messenger
	Source      transport.Source
	Webhook     http.Handler
	Transcriber speech.Transcriber
	Blocks      *block.Controller
	Bot         *bot.Handler
	Coordinator *coordinator.Coordinator
	Scheduler   *scheduler.Scheduler

	Queue    *queue.Connection
	Producer *queue.Producer

	downloader transport.Downloader
	logger     *slog.Logger
	closers    []func() error
}

// Open builds every component from cfg
func Open(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	a := &App{Config: cfg, logger: logger}

	store := opts.Store
	if store == nil {
		var err error
		store, err = OpenStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	catalog, err := LoadCatalog(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Catalog = catalog
	a.Tracker = progress.NewTracker(store, catalog, clk, logger.With("component", "tracker"))

	if err := a.openQueue(cfg, opts.Publisher); err != nil {
		a.Close()
		return nil, err
	}

	if err := a.openMessaging(cfg, opts); err != nil {
		a.Close()
		return nil, err
	}
	if a.Messenger == nil {
		logger.Warn("no bot token configured, messaging disabled")
		return a, nil
	}

	transcriber, err := openTranscriber(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	if c, ok := transcriber.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}
	a.Transcriber = transcriber
	if _, disabled := transcriber.(speech.Disabled); !disabled {
		a.Transcriber = speech.NewGuarded(transcriber, cfg.SpeechTimeout, logger)
	}

	a.Blocks = block.NewController(a.Messenger, logger.With("component", "blocks"))
	a.Bot = bot.NewHandler(bot.Deps{
		Tracker:     a.Tracker,
		Blocks:      a.Blocks,
		Messenger:   a.Messenger,
		Downloader:  a.downloader,
		Transcriber: a.Transcriber,
	}, bot.Config{
		PaymentURL:      cfg.PaymentURL,
		MaxVoiceSeconds: cfg.MaxVoiceSeconds,
	}, logger.With("component", "bot"))

	a.Coordinator = coordinator.New(a.Tracker, a.Messenger, clk, coordinator.Config{
		Location:     cfg.Location(),
		Thresholds:   cfg.ReminderThresholds,
		MaxReminders: cfg.MaxReminders,
		WindowStart:  cfg.ReminderWindowFrom,
		WindowEnd:    cfg.ReminderWindowTo,
	}, logger.With("component", "coordinator"))

	if err := a.registerJobs(cfg, clk); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// OpenStore opens the configured storage backend
func OpenStore(ctx context.Context, cfg *config.Config) (domain.Store, error) {
	switch cfg.DBDriver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	default:
		s, err := sqlite.OpenStore(ctx, cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	}
}

// LoadCatalog loads the course from COURSE_PATH or the bundled content
func LoadCatalog(cfg *config.Config) (*course.Catalog, error) {
	if cfg.CoursePath == "" {
		c, err := course.Default()
		if err != nil {
			return nil, fmt.Errorf("load bundled course: %w", err)
		}
		return c, nil
	}
	c, err := course.Load(cfg.CoursePath)
	if err != nil {
		return nil, fmt.Errorf("load course %s: %w", cfg.CoursePath, err)
	}
	return c, nil
}

func (a *App) openQueue(cfg *config.Config, pub queue.Publisher) error {
	if pub == nil && cfg.RabbitMQURL != "" {
		conn, err := queue.NewConnection(cfg.RabbitMQURL, a.logger.With("component", "queue"))
		if err != nil {
			return fmt.Errorf("connect rabbitmq: %w", err)
		}
		a.Queue = conn
		a.closers = append(a.closers, conn.Close)
		pub = conn
	}
	if pub == nil {
		return nil
	}
	a.Producer = queue.NewProducer(pub, a.logger.With("component", "producer"))
	a.Tracker.SetIssuer(a.Producer)
	return nil
}

func (a *App) openMessaging(cfg *config.Config, opts Options) error {
	a.Messenger, a.Source, a.downloader = opts.Messenger, opts.Source, opts.Downloader
	if a.Messenger != nil || cfg.BotToken == "" {
		return nil
	}

	client, err := telegram.New(telegram.Config{
		Token:       cfg.BotToken,
		APIEndpoint: cfg.APIEndpoint,
		WebhookURL:  cfg.WebhookURL,
		PollTimeout: cfg.PollTimeout,
		Debug:       cfg.Debug,
	}, a.logger.With("component", "telegram"))
	if err != nil {
		return err
	}

	rcfg := transport.DefaultResilientConfig()
	rcfg.Logger = a.logger
	resilient := transport.NewResilientMessenger(client, rcfg)
	a.closers = append(a.closers, resilient.Close)

	a.Messenger = resilient
	if a.Source == nil {
		a.Source = client
	}
	if a.downloader == nil {
		a.downloader = client
	}
	a.Webhook = client
	return nil
}

func openTranscriber(cfg *config.Config, logger *slog.Logger) (speech.Transcriber, error) {
	switch cfg.SpeechBackend {
	case config.SpeechWhisper:
		w, err := speech.NewWhisper(speech.WhisperConfig{
			APIKey:   cfg.WhisperAPIKey,
			BaseURL:  cfg.WhisperBaseURL,
			Model:    cfg.WhisperModel,
			Language: cfg.WhisperLanguage,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("speech backend ready", "backend", "whisper", "model", cfg.WhisperModel)
		return w, nil

	case config.SpeechDocker:
		dcfg := speech.DefaultDockerConfig()
		dcfg.Image = cfg.RecognizerImage
		dcfg.MemoryMB = cfg.RecognizerMemMB
		dcfg.CPULimit = cfg.RecognizerCPU
		dcfg.Timeout = cfg.SpeechTimeout
		d, err := speech.NewDocker(dcfg)
		if err != nil {
			// Voice tasks answer "unavailable" until the recognizer is back.
			logger.Warn("docker recognizer not available, voice checking disabled", "error", err)
			return speech.Disabled{}, nil
		}
		logger.Info("speech backend ready", "backend", "docker", "image", dcfg.Image)
		return d, nil

	default:
		logger.Info("speech backend disabled")
		return speech.Disabled{}, nil
	}
}

func (a *App) registerJobs(cfg *config.Config, clk clock.Clock) error {
	hour, minute, err := config.ParseClock(cfg.ReleaseTime)
	if err != nil {
		return fmt.Errorf("release time: %w", err)
	}

	a.Scheduler = scheduler.New(clk, a.logger.With("component", "scheduler"))
	jobs := []scheduler.Job{
		{
			Name:    JobUnlock,
			Trigger: scheduler.DailyAt(hour, minute, cfg.Location()),
			Run:     a.runUnlock,
		},
		{
			Name:    JobReminders,
			Trigger: scheduler.Every(cfg.ReminderInterval),
			Run:     a.runReminders,
		},
	}
	for _, job := range jobs {
		if err := a.Scheduler.Register(job); err != nil {
			return fmt.Errorf("register %s: %w", job.Name, err)
		}
	}
	return nil
}

func (a *App) runUnlock(ctx context.Context) error {
	r, err := a.Coordinator.RunUnlock(ctx)
	a.logReport(JobUnlock, r)
	return err
}

func (a *App) runReminders(ctx context.Context) error {
	r, err := a.Coordinator.RunReminders(ctx)
	a.logReport(JobReminders, r)
	return err
}

func (a *App) logReport(job string, r coordinator.Report) {
	level := slog.LevelInfo
	if r.PartialFailure() {
		level = slog.LevelWarn
	}
	a.logger.Log(context.Background(), level, "sweep finished",
		"job", job,
		"considered", r.Considered,
		"sent", r.Sent,
		"failed", r.Failed,
		"cancelled", r.Cancelled,
		"outside_window", r.OutsideWindow,
	)
}

// GrantAccess opens the course for a user. With a queue the grant travels as
// an access event so the running daemon sends the welcome; otherwise it is
// applied directly.
func (a *App) GrantAccess(ctx context.Context, id domain.UserID, username, firstName string) error {
	if a.Producer != nil {
		return a.Producer.PublishAccessGranted(ctx, &queue.AccessGrantedEvent{
			UserID:    int64(id),
			Username:  username,
			FirstName: firstName,
			Provider:  "admin",
		})
	}
	if a.Bot != nil {
		return a.Bot.OnAccessGranted(ctx, id, username, firstName)
	}
	_, err := a.Tracker.GrantAccess(ctx, id, username, firstName)
	return err
}

// RequireMessenger reports ErrNoMessenger when users cannot be reached
func (a *App) RequireMessenger() error {
	if a.Messenger == nil {
		return ErrNoMessenger
	}
	return nil
}

// Close releases every opened resource in reverse order
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
