package admin

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/felixgeelhaar/escape/internal/coordinator"
	"github.com/felixgeelhaar/escape/internal/course"
	"github.com/felixgeelhaar/escape/internal/domain"
	"github.com/felixgeelhaar/escape/internal/progress"
	"github.com/felixgeelhaar/escape/internal/storage/memory"
)

// fakeSweeper records sweep requests
type fakeSweeper struct {
	report    coordinator.Report
	err       error
	calls     []string
	broadcast string
	filter    domain.UserFilter
}

func (f *fakeSweeper) RunUnlock(context.Context) (coordinator.Report, error) {
	f.calls = append(f.calls, "unlock")
	return f.report, f.err
}

func (f *fakeSweeper) RunReminders(context.Context) (coordinator.Report, error) {
	f.calls = append(f.calls, "remind")
	return f.report, f.err
}

func (f *fakeSweeper) Broadcast(_ context.Context, text string, filter domain.UserFilter) (coordinator.Report, error) {
	f.calls = append(f.calls, "broadcast")
	f.broadcast = text
	f.filter = filter
	return f.report, f.err
}

// setupTestServer creates an admin server over an in-memory store
func setupTestServer(t *testing.T) (*Server, *progress.Tracker, *fakeSweeper) {
	t.Helper()

	catalog, err := course.Default()
	if err != nil {
		t.Fatalf("course.Default() error = %v", err)
	}
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	tracker := progress.NewTracker(memory.New(), catalog, clk, nil)

	sweeper := &fakeSweeper{}
	server := NewServer(Config{
		Tracker: tracker,
		Sweeper: sweeper,
		Granter: GranterFunc(func(ctx context.Context, id domain.UserID, username, firstName string) error {
			_, err := tracker.GrantAccess(ctx, id, username, firstName)
			return err
		}),
	})
	return server, tracker, sweeper
}

func TestNewServer(t *testing.T) {
	server, _, _ := setupTestServer(t)

	if server.mcpServer == nil {
		t.Fatal("expected non-nil MCP server")
	}
	if server.GetMCPServer() == nil {
		t.Fatal("expected non-nil underlying MCP server")
	}
}

func TestNewServer_NilCollaborators(t *testing.T) {
	server := NewServer(Config{})
	if server == nil {
		t.Fatal("expected non-nil server even with empty config")
	}

	ctx := context.Background()
	if _, err := server.handleUnlock(ctx, SweepInput{}); err == nil {
		t.Error("handleUnlock() without sweeper should fail")
	}
	if _, err := server.handleGrant(ctx, GrantInput{UserID: 1}); err == nil {
		t.Error("handleGrant() without granter should fail")
	}
}

func TestHandleGrantAndProgress(t *testing.T) {
	server, _, _ := setupTestServer(t)
	ctx := context.Background()

	out, err := server.handleGrant(ctx, GrantInput{UserID: 5_000_000_001, Username: "@alex", FirstName: "Alex"})
	if err != nil {
		t.Fatalf("handleGrant() error = %v", err)
	}
	if !strings.Contains(out.Message, "5000000001") {
		t.Errorf("Message = %q, want the user id", out.Message)
	}

	p, err := server.handleProgress(ctx, UserInput{UserID: 5_000_000_001})
	if err != nil {
		t.Fatalf("handleProgress() error = %v", err)
	}
	if !p.HasAccess {
		t.Error("HasAccess = false after grant")
	}
	if p.Name != "Alex" {
		t.Errorf("Name = %q, want Alex", p.Name)
	}
	if len(p.Days) != 1 || p.Days[0].Day != 1 || p.Days[0].State != string(domain.DayNotStarted) {
		t.Errorf("Days = %+v, want day 1 not started", p.Days)
	}
	if p.TotalDays != 10 {
		t.Errorf("TotalDays = %d, want 10", p.TotalDays)
	}
	if p.Code != "_ _ _ _ _ _ _ _ _ _" {
		t.Errorf("Code = %q, want all placeholders", p.Code)
	}
}

func TestHandleProgress_Validation(t *testing.T) {
	server, _, _ := setupTestServer(t)
	ctx := context.Background()

	if _, err := server.handleProgress(ctx, UserInput{}); err == nil {
		t.Error("handleProgress() without user id should fail")
	}

	_, err := server.handleProgress(ctx, UserInput{UserID: 42})
	if !domain.IsNotFound(err) {
		t.Errorf("handleProgress() unknown user error = %v, want not found", err)
	}
}

func TestHandleStats(t *testing.T) {
	server, tracker, _ := setupTestServer(t)
	ctx := context.Background()

	if _, err := tracker.GrantAccess(ctx, 1, "a", "A"); err != nil {
		t.Fatalf("GrantAccess() error = %v", err)
	}
	if _, err := tracker.GrantAccess(ctx, 2, "b", "B"); err != nil {
		t.Fatalf("GrantAccess() error = %v", err)
	}
	if _, err := tracker.StartDay(ctx, 2, 1); err != nil {
		t.Fatalf("StartDay() error = %v", err)
	}
	if _, err := tracker.EnsureUser(ctx, 3, progress.Profile{Username: "c", FirstName: "C"}); err != nil {
		t.Fatalf("EnsureUser() error = %v", err)
	}

	out, err := server.handleStats(ctx, StatsInput{})
	if err != nil {
		t.Fatalf("handleStats() error = %v", err)
	}
	if out.Users != 3 || out.WithAccess != 2 || out.CompletedCourses != 0 {
		t.Errorf("counters = %+v, want 3 users, 2 with access", out)
	}

	want := []DayCount{
		{Day: 1, State: string(domain.DayInProgress), Users: 1},
		{Day: 1, State: string(domain.DayNotStarted), Users: 1},
	}
	if len(out.Days) != len(want) {
		t.Fatalf("Days = %+v, want %+v", out.Days, want)
	}
	for i := range want {
		if out.Days[i] != want[i] {
			t.Errorf("Days[%d] = %+v, want %+v", i, out.Days[i], want[i])
		}
	}
}

func TestHandleSweeps(t *testing.T) {
	server, _, sweeper := setupTestServer(t)
	ctx := context.Background()
	sweeper.report = coordinator.Report{Considered: 4, Sent: 3, Failed: 1}

	out, err := server.handleUnlock(ctx, SweepInput{})
	if err != nil {
		t.Fatalf("handleUnlock() error = %v", err)
	}
	if out.Sent != 3 || out.Failed != 1 {
		t.Errorf("handleUnlock() = %+v", out)
	}
	if out.Summary != "3 of 4 unlocked, 1 failed" {
		t.Errorf("Summary = %q", out.Summary)
	}

	sweeper.report = coordinator.Report{Considered: 2, OutsideWindow: 2}
	out, err = server.handleRemind(ctx, SweepInput{})
	if err != nil {
		t.Fatalf("handleRemind() error = %v", err)
	}
	if out.Summary != "outside delivery hours, nothing sent" {
		t.Errorf("Summary = %q", out.Summary)
	}

	sweeper.err = errors.New("store down")
	if _, err := server.handleUnlock(ctx, SweepInput{}); err == nil {
		t.Error("handleUnlock() should surface sweep errors")
	}

	if got := strings.Join(sweeper.calls, ","); got != "unlock,remind,unlock" {
		t.Errorf("calls = %q", got)
	}
}

func TestHandleBroadcast(t *testing.T) {
	server, _, sweeper := setupTestServer(t)
	ctx := context.Background()
	sweeper.report = coordinator.Report{Considered: 2, Sent: 2}

	if _, err := server.handleBroadcast(ctx, BroadcastInput{Text: "   "}); err == nil {
		t.Error("handleBroadcast() with blank text should fail")
	}
	if len(sweeper.calls) != 0 {
		t.Fatalf("blank broadcast reached the sweeper: %v", sweeper.calls)
	}

	out, err := server.handleBroadcast(ctx, BroadcastInput{Text: " Day 3 video is fixed ", AccessOnly: true})
	if err != nil {
		t.Fatalf("handleBroadcast() error = %v", err)
	}
	if out.Summary != "2 of 2 delivered" {
		t.Errorf("Summary = %q", out.Summary)
	}
	if sweeper.broadcast != "Day 3 video is fixed" {
		t.Errorf("text = %q, want trimmed", sweeper.broadcast)
	}
	if !sweeper.filter.WithAccess || sweeper.filter.ExcludeFinished {
		t.Errorf("filter = %+v", sweeper.filter)
	}
}
