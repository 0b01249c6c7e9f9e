// Package admin exposes operator tools for the course over MCP.
package admin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/felixgeelhaar/escape/internal/coordinator"
	"github.com/felixgeelhaar/escape/internal/domain"
	"github.com/felixgeelhaar/escape/internal/progress"
	mcp "github.com/felixgeelhaar/mcp-go"
	"github.com/felixgeelhaar/mcp-go/server"
)

// Sweeper runs the course-wide jobs
type Sweeper interface {
	RunUnlock(ctx context.Context) (coordinator.Report, error)
	RunReminders(ctx context.Context) (coordinator.Report, error)
	Broadcast(ctx context.Context, text string, filter domain.UserFilter) (coordinator.Report, error)
}

// AccessGranter opens the course for a user
type AccessGranter interface {
	GrantAccess(ctx context.Context, id domain.UserID, username, firstName string) error
}

// GranterFunc adapts a function to AccessGranter
type GranterFunc func(ctx context.Context, id domain.UserID, username, firstName string) error

// GrantAccess calls f
func (f GranterFunc) GrantAccess(ctx context.Context, id domain.UserID, username, firstName string) error {
	return f(ctx, id, username, firstName)
}

// Server wraps the MCP server with course administration tools
type Server struct {
	mcpServer *server.Server
	tracker   *progress.Tracker
	sweeper   Sweeper
	granter   AccessGranter
}

// Config contains configuration for the MCP server
type Config struct {
	Tracker *progress.Tracker
	Sweeper Sweeper
	Granter AccessGranter
	Version string
}

// NewServer creates a new MCP server for course operators
func NewServer(cfg Config) *Server {
	s := &Server{
		tracker: cfg.Tracker,
		sweeper: cfg.Sweeper,
		granter: cfg.Granter,
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s.mcpServer = server.New(server.Info{
		Name:    "escape",
		Version: version,
	}, server.WithInstructions(`
Operator tools for The Language Escape, a day-by-day language course bot.

Available tools:
- escape_stats: Course-wide counters
- escape_progress: One learner's progress
- escape_grant: Open the course for a learner after payment
- escape_unlock: Run the daily unlock sweep now
- escape_remind: Run the reminder sweep now
- escape_broadcast: Send a text to learners
`))

	s.registerTools()

	return s
}

// registerTools registers all admin MCP tools
func (s *Server) registerTools() {
	s.mcpServer.Tool("escape_stats").
		Description("Course-wide counters: users, paid users, finished courses and where learners are.").
		Handler(s.handleStats)

	s.mcpServer.Tool("escape_progress").
		Description("Progress of one learner: days, liberation code and accuracy.").
		Handler(s.handleProgress)

	s.mcpServer.Tool("escape_grant").
		Description("Grant course access to a learner. Idempotent.").
		Handler(s.handleGrant)

	s.mcpServer.Tool("escape_unlock").
		Description("Unlock the next day for every learner who finished their current one.").
		Handler(s.handleUnlock)

	s.mcpServer.Tool("escape_remind").
		Description("Send due inactivity reminders. Respects delivery hours.").
		Handler(s.handleRemind)

	s.mcpServer.Tool("escape_broadcast").
		Description("Send a plain text message to learners.").
		Handler(s.handleBroadcast)
}

// Input/Output types for tools

type StatsInput struct{}

type DayCount struct {
	Day   int    `json:"day"`
	State string `json:"state"`
	Users int    `json:"users"`
}

type StatsOutput struct {
	Users            int        `json:"users"`
	WithAccess       int        `json:"with_access"`
	CompletedCourses int        `json:"completed_courses"`
	Days             []DayCount `json:"days"`
}

type UserInput struct {
	UserID int64 `json:"user_id" jsonschema:"description=Messaging platform user id"`
}

type DayProgress struct {
	Day            int    `json:"day"`
	State          string `json:"state"`
	CurrentTask    int    `json:"current_task,omitempty"`
	CorrectAnswers int    `json:"correct_answers"`
	TotalAttempts  int    `json:"total_attempts"`
}

type ProgressOutput struct {
	UserID          int64         `json:"user_id"`
	Name            string        `json:"name"`
	HasAccess       bool          `json:"has_access"`
	CourseCompleted bool          `json:"course_completed"`
	CompletedDays   int           `json:"completed_days"`
	TotalDays       int           `json:"total_days"`
	Code            string        `json:"code"`
	Accuracy        float64       `json:"accuracy"`
	Days            []DayProgress `json:"days"`
}

type GrantInput struct {
	UserID    int64  `json:"user_id" jsonschema:"description=Messaging platform user id"`
	Username  string `json:"username,omitempty" jsonschema:"description=Username without @"`
	FirstName string `json:"first_name,omitempty" jsonschema:"description=First name used in greetings"`
}

type SweepInput struct{}

type BroadcastInput struct {
	Text            string `json:"text" jsonschema:"description=Message text"`
	AccessOnly      bool   `json:"access_only,omitempty" jsonschema:"description=Only learners with access"`
	ExcludeFinished bool   `json:"exclude_finished,omitempty" jsonschema:"description=Skip learners who finished the course"`
}

type ReportOutput struct {
	Considered    int    `json:"considered"`
	Sent          int    `json:"sent"`
	Failed        int    `json:"failed"`
	OutsideWindow int    `json:"outside_window,omitempty"`
	Summary       string `json:"summary"`
}

type MessageOutput struct {
	Message string `json:"message"`
}

// Tool handlers

func (s *Server) handleStats(ctx context.Context, _ StatsInput) (StatsOutput, error) {
	stats, err := s.tracker.Stats(ctx)
	if err != nil {
		return StatsOutput{}, fmt.Errorf("failed to collect stats: %w", err)
	}

	out := StatsOutput{
		Users:            stats.Users,
		WithAccess:       stats.WithAccess,
		CompletedCourses: stats.CompletedCourses,
		Days:             make([]DayCount, 0),
	}
	for day, states := range stats.DayStates {
		for state, n := range states {
			out.Days = append(out.Days, DayCount{Day: day, State: string(state), Users: n})
		}
	}
	sort.Slice(out.Days, func(i, j int) bool {
		if out.Days[i].Day != out.Days[j].Day {
			return out.Days[i].Day < out.Days[j].Day
		}
		return out.Days[i].State < out.Days[j].State
	})
	return out, nil
}

func (s *Server) handleProgress(ctx context.Context, input UserInput) (ProgressOutput, error) {
	if input.UserID <= 0 {
		return ProgressOutput{}, errors.New("user_id is required")
	}

	o, err := s.tracker.Overview(ctx, domain.UserID(input.UserID))
	if err != nil {
		return ProgressOutput{}, fmt.Errorf("failed to load progress: %w", err)
	}

	out := ProgressOutput{
		UserID:          input.UserID,
		Name:            o.User.Name(),
		HasAccess:       o.User.HasAccess,
		CourseCompleted: o.User.CourseCompleted(),
		CompletedDays:   o.CompletedDays,
		TotalDays:       o.TotalDays,
		Code:            o.CodeDisplay,
		Accuracy:        o.Accuracy,
		Days:            make([]DayProgress, 0, len(o.Days)),
	}
	for _, p := range o.Days {
		d := DayProgress{
			Day:            p.Day,
			State:          string(p.State()),
			CorrectAnswers: p.CorrectAnswers,
			TotalAttempts:  p.TotalAttempts,
		}
		if p.State() == domain.DayInProgress {
			d.CurrentTask = p.CurrentTask
		}
		out.Days = append(out.Days, d)
	}
	return out, nil
}

func (s *Server) handleGrant(ctx context.Context, input GrantInput) (MessageOutput, error) {
	if input.UserID <= 0 {
		return MessageOutput{}, errors.New("user_id is required")
	}
	if s.granter == nil {
		return MessageOutput{}, errors.New("granting access is not available")
	}

	if err := s.granter.GrantAccess(ctx, domain.UserID(input.UserID), strings.TrimPrefix(input.Username, "@"), input.FirstName); err != nil {
		return MessageOutput{}, fmt.Errorf("failed to grant access: %w", err)
	}
	return MessageOutput{
		Message: fmt.Sprintf("Access granted to %d", input.UserID),
	}, nil
}

func (s *Server) handleUnlock(ctx context.Context, _ SweepInput) (ReportOutput, error) {
	if s.sweeper == nil {
		return ReportOutput{}, errors.New("sweeps are not available")
	}
	r, err := s.sweeper.RunUnlock(ctx)
	if err != nil {
		return ReportOutput{}, fmt.Errorf("unlock failed: %w", err)
	}
	return reportOutput("unlocked", r), nil
}

func (s *Server) handleRemind(ctx context.Context, _ SweepInput) (ReportOutput, error) {
	if s.sweeper == nil {
		return ReportOutput{}, errors.New("sweeps are not available")
	}
	r, err := s.sweeper.RunReminders(ctx)
	if err != nil {
		return ReportOutput{}, fmt.Errorf("reminders failed: %w", err)
	}
	return reportOutput("reminded", r), nil
}

func (s *Server) handleBroadcast(ctx context.Context, input BroadcastInput) (ReportOutput, error) {
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return ReportOutput{}, errors.New("text is required")
	}
	if s.sweeper == nil {
		return ReportOutput{}, errors.New("broadcast is not available")
	}

	r, err := s.sweeper.Broadcast(ctx, text, domain.UserFilter{
		WithAccess:      input.AccessOnly,
		ExcludeFinished: input.ExcludeFinished,
	})
	if err != nil {
		return ReportOutput{}, fmt.Errorf("broadcast failed: %w", err)
	}
	return reportOutput("delivered", r), nil
}

func reportOutput(verb string, r coordinator.Report) ReportOutput {
	summary := fmt.Sprintf("%d of %d %s", r.Sent, r.Considered, verb)
	switch {
	case r.AllOutsideWindow():
		summary = "outside delivery hours, nothing sent"
	case r.Cancelled:
		summary += ", cancelled"
	case r.PartialFailure():
		summary += fmt.Sprintf(", %d failed", r.Failed)
	}
	return ReportOutput{
		Considered:    r.Considered,
		Sent:          r.Sent,
		Failed:        r.Failed,
		OutsideWindow: r.OutsideWindow,
		Summary:       summary,
	}
}

// ServeStdio starts the MCP server on stdio
func (s *Server) ServeStdio(ctx context.Context) error {
	return mcp.ServeStdio(ctx, s.mcpServer)
}

// ServeHTTP starts the MCP server on HTTP (alternative transport)
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	return mcp.ServeHTTP(ctx, s.mcpServer, addr)
}

// GetMCPServer returns the underlying MCP server (for testing)
func (s *Server) GetMCPServer() *server.Server {
	return s.mcpServer
}
