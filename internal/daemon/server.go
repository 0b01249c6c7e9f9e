// Package daemon wires the course components and runs them: update intake,
// scheduled sweeps, queue consumers and the HTTP endpoints.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/felixgeelhaar/escape/internal/config"
	"github.com/felixgeelhaar/escape/internal/domain"
	"github.com/felixgeelhaar/escape/internal/queue"
	"golang.org/x/sync/errgroup"
)

// DefaultWebhookPath is used when the webhook URL has no path
const DefaultWebhookPath = "/telegram/webhook"

// Server runs the bot daemon
type Server struct {
	app     *App
	cfg     *config.Config
	logger  *slog.Logger
	router  *http.ServeMux
	server  *http.Server
	version string
	started time.Time

	consumers []*queue.Consumer
}

// ServerConfig holds configuration for creating a new server
type ServerConfig struct {
	Config  *config.Config
	Options Options
	Version string
}

// NewServer opens the application and prepares the HTTP server
func NewServer(ctx context.Context, cfg ServerConfig) (*Server, error) {
	logger := cfg.Options.Logger
	if logger == nil {
		logger = slog.Default()
		cfg.Options.Logger = logger
	}

	app, err := Open(ctx, cfg.Config, cfg.Options)
	if err != nil {
		return nil, err
	}
	if err := app.RequireMessenger(); err != nil {
		app.Close()
		return nil, fmt.Errorf("daemon: %w", err)
	}

	s := &Server{
		app:     app,
		cfg:     cfg.Config,
		logger:  logger,
		router:  http.NewServeMux(),
		version: cfg.Version,
	}
	if s.version == "" {
		s.version = "dev"
	}

	s.setupRoutes()

	handler := chain(s.router, withRequestID, recoverPanics(logger), accessLog(logger))
	s.server = &http.Server{
		Addr:              cfg.Config.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s, nil
}

// App returns the wired components
func (s *Server) App() *App {
	return s.app
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /healthz", s.handleHealth)
	s.router.HandleFunc("GET /v1/status", s.handleStatus)

	if s.cfg.WebhookURL != "" && s.app.Webhook != nil {
		path := webhookPath(s.cfg.WebhookURL)
		s.router.Handle("POST "+path, limitBody(maxWebhookBody)(s.app.Webhook))
		s.logger.Info("webhook route registered", "path", path)
	}
}

// webhookPath returns the path part of the public webhook URL
func webhookPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" || u.Path == "/" {
		return DefaultWebhookPath
	}
	return u.Path
}

// Run serves until ctx is cancelled or a component fails. In-flight updates
// and jobs are drained before it returns.
func (s *Server) Run(ctx context.Context) error {
	s.started = time.Now()
	s.logger.Info("starting escape daemon",
		"addr", s.server.Addr,
		"version", s.version,
		"days", s.app.Catalog.Len(),
		"store", s.cfg.DBDriver,
		"queue", s.app.Queue != nil,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.app.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if s.app.Queue != nil {
		if err := s.startConsumers(ctx); err != nil {
			cancel()
			s.app.Scheduler.Stop()
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.app.Scheduler.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return s.app.Bot.Run(ctx, s.app.Source)
	})

	err := g.Wait()
	s.stopConsumers()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) startConsumers(ctx context.Context) error {
	access := queue.NewConsumer(s.app.Queue, queue.AccessQueueName,
		queue.AccessHandler(s.onAccessGranted),
		queue.DefaultConsumerConfig(),
		s.logger.With("consumer", queue.AccessQueueName),
	)
	rendered := queue.NewConsumer(s.app.Queue, queue.RenderedQueueName,
		queue.RenderedHandler(s.onCertificateRendered),
		queue.DefaultConsumerConfig(),
		s.logger.With("consumer", queue.RenderedQueueName),
	)

	for _, c := range []*queue.Consumer{access, rendered} {
		if err := c.Start(ctx); err != nil {
			s.stopConsumers()
			return fmt.Errorf("start consumer: %w", err)
		}
		s.consumers = append(s.consumers, c)
	}
	return nil
}

func (s *Server) stopConsumers() {
	for _, c := range s.consumers {
		c.Stop()
	}
	s.consumers = nil
}

func (s *Server) onAccessGranted(ctx context.Context, ev *queue.AccessGrantedEvent) error {
	s.logger.Info("access event received",
		"event_id", ev.ID,
		"user_id", ev.UserID,
		"provider", ev.Provider,
	)
	return s.app.Bot.OnAccessGranted(ctx, domain.UserID(ev.UserID), ev.Username, ev.FirstName)
}

func (s *Server) onCertificateRendered(ctx context.Context, res *queue.CertificateRendered) error {
	if res.Status != queue.StatusRendered {
		s.logger.Warn("certificate rendering failed",
			"job_id", res.JobID,
			"user_id", res.UserID,
			"error", res.Error,
		)
		return nil
	}
	err := s.app.Bot.DeliverCertificate(ctx, domain.UserID(res.UserID), res.ArtifactRef)
	if domain.IsNotFound(err) {
		s.logger.Warn("rendered certificate has no record", "job_id", res.JobID, "user_id", res.UserID)
		return fmt.Errorf("%w: %v", queue.ErrMalformed, err)
	}
	return err
}

// Shutdown releases every resource. Run must have returned first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down daemon...")

	var errs []error
	if err := s.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if err := s.app.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Handler implementations

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if s.app.Queue != nil {
		connected := s.app.Queue.IsConnected()
		body["queue_connected"] = connected
		if !connected {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	s.jsonResponse(w, status, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.app.Tracker.Stats(r.Context())
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, "failed to collect stats", err)
		return
	}

	jobs := make([]map[string]any, 0)
	for _, j := range s.app.Scheduler.Status() {
		job := map[string]any{
			"name":     j.Name,
			"trigger":  j.Trigger,
			"running":  j.Running,
			"runs":     j.Runs,
			"skipped":  j.Skipped,
			"next_run": j.NextRun.UTC().Format(time.RFC3339),
		}
		if !j.LastRun.IsZero() {
			job["last_run"] = j.LastRun.UTC().Format(time.RFC3339)
		}
		if j.LastErr != "" {
			job["last_error"] = j.LastErr
		}
		jobs = append(jobs, job)
	}

	uptime := time.Duration(0)
	if !s.started.IsZero() {
		uptime = time.Since(s.started).Truncate(time.Second)
	}

	s.jsonResponse(w, http.StatusOK, map[string]any{
		"status":            "running",
		"version":           s.version,
		"uptime":            uptime.String(),
		"course_days":       s.app.Catalog.Len(),
		"users":             stats.Users,
		"with_access":       stats.WithAccess,
		"completed_courses": stats.CompletedCourses,
		"jobs":              jobs,
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, status int, message string, err error) {
	resp := map[string]any{
		"error": message,
	}
	if err != nil {
		s.logger.Error(message, "error", err)
		if s.cfg.Debug {
			resp["details"] = err.Error()
		}
	}
	s.jsonResponse(w, status, resp)
}
