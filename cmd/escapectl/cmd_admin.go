package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/felixgeelhaar/escape/internal/coordinator"
	"github.com/felixgeelhaar/escape/internal/daemon"
	"github.com/felixgeelhaar/escape/internal/domain"
)

// withApp opens the components, runs fn and closes them again
func withApp(fn func(ctx context.Context, app *daemon.App) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(ctx, app)
}

// parseUserID parses a Telegram user id
func parseUserID(s string) (domain.UserID, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", s)
	}
	return domain.UserID(id), nil
}

// cmdStats shows course-wide statistics
func cmdStats() error {
	return withApp(func(ctx context.Context, app *daemon.App) error {
		stats, err := app.Tracker.Stats(ctx)
		if err != nil {
			return err
		}

		fmt.Println("Course Statistics")
		fmt.Println("=================")
		fmt.Printf("Learners:          %d\n", stats.Users)
		fmt.Printf("With access:       %d\n", stats.WithAccess)
		fmt.Printf("Finished course:   %d\n", stats.CompletedCourses)

		if len(stats.DayStates) == 0 {
			return nil
		}

		days := make([]int, 0, len(stats.DayStates))
		for d := range stats.DayStates {
			days = append(days, d)
		}
		sort.Ints(days)

		fmt.Println("\nLearners by current day")
		fmt.Println("-----------------------")
		for _, d := range days {
			states := stats.DayStates[d]
			fmt.Printf("Day %2d  not started %3d  in progress %3d  complete %3d\n", d,
				states[domain.DayNotStarted], states[domain.DayInProgress], states[domain.DayComplete])
		}
		return nil
	})
}

// cmdProgress shows one learner's progress
func cmdProgress(args []string) error {
	if len(args) < 1 {
		return errUsage
	}
	id, err := parseUserID(args[0])
	if err != nil {
		return err
	}

	return withApp(func(ctx context.Context, app *daemon.App) error {
		o, err := app.Tracker.Overview(ctx, id)
		if err != nil {
			if domain.IsNotFound(err) {
				return fmt.Errorf("user %d has never talked to the bot", id)
			}
			return err
		}

		fmt.Printf("Learner:   %s (%d)\n", o.User.Name(), o.User.ID)
		fmt.Printf("Access:    %t\n", o.User.HasAccess)
		fmt.Printf("Progress:  %s %d/%d days\n",
			renderProgressBar(float64(o.CompletedDays)/float64(max(o.TotalDays, 1)), 20),
			o.CompletedDays, o.TotalDays)
		fmt.Printf("Accuracy:  %.0f%% (%d of %d)\n", o.Accuracy*100, o.Correct, o.Attempts)
		fmt.Printf("Code:      %s\n", o.CodeDisplay)

		if len(o.Days) > 0 {
			fmt.Println()
			for _, p := range o.Days {
				fmt.Printf("Day %2d  %-12s tasks %d  correct %d/%d\n",
					p.Day, p.State(), len(p.CompletedTasks), p.CorrectAnswers, p.TotalAttempts)
			}
		}
		return nil
	})
}

// cmdGrant opens the course for a learner
func cmdGrant(args []string) error {
	if len(args) < 1 {
		return errUsage
	}
	id, err := parseUserID(args[0])
	if err != nil {
		return err
	}
	firstName := strings.Join(args[1:], " ")

	return withApp(func(ctx context.Context, app *daemon.App) error {
		if err := app.GrantAccess(ctx, id, "", firstName); err != nil {
			return fmt.Errorf("grant access: %w", err)
		}
		if app.Producer != nil {
			fmt.Printf("✓ Access event for %d queued\n", id)
		} else {
			fmt.Printf("✓ Access granted to %d\n", id)
		}
		return nil
	})
}

// cmdUnlock runs the unlock sweep once
func cmdUnlock() error {
	return runSweep("unlocked", func(ctx context.Context, c *coordinator.Coordinator) (coordinator.Report, error) {
		return c.RunUnlock(ctx)
	})
}

// cmdRemind runs the reminder sweep once
func cmdRemind() error {
	return runSweep("reminded", func(ctx context.Context, c *coordinator.Coordinator) (coordinator.Report, error) {
		return c.RunReminders(ctx)
	})
}

// cmdBroadcast sends an announcement to learners
func cmdBroadcast(args []string) error {
	text, filter, err := parseBroadcastArgs(args, os.Stderr)
	if err != nil {
		return err
	}
	return runSweep("delivered", func(ctx context.Context, c *coordinator.Coordinator) (coordinator.Report, error) {
		return c.Broadcast(ctx, text, filter)
	})
}

func parseBroadcastArgs(args []string, output io.Writer) (string, domain.UserFilter, error) {
	fs := flag.NewFlagSet("broadcast", flag.ContinueOnError)
	fs.SetOutput(output)
	accessOnly := fs.Bool("access-only", false, "only learners who paid")
	active := fs.Bool("active", false, "skip learners who finished the course")
	if err := fs.Parse(args); err != nil {
		return "", domain.UserFilter{}, err
	}

	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		return "", domain.UserFilter{}, fmt.Errorf("broadcast text required: %w", errUsage)
	}
	return text, domain.UserFilter{WithAccess: *accessOnly, ExcludeFinished: *active}, nil
}

func runSweep(verb string, fn func(context.Context, *coordinator.Coordinator) (coordinator.Report, error)) error {
	return withApp(func(ctx context.Context, app *daemon.App) error {
		if err := app.RequireMessenger(); err != nil {
			return err
		}
		r, err := fn(ctx, app.Coordinator)
		fmt.Println(formatReport(verb, r))
		return err
	})
}

func formatReport(verb string, r coordinator.Report) string {
	if r.AllOutsideWindow() {
		return "Outside delivery hours, nothing sent"
	}
	s := fmt.Sprintf("%d of %d %s", r.Sent, r.Considered, verb)
	if r.Failed > 0 {
		s += fmt.Sprintf(", %d failed", r.Failed)
	}
	if r.OutsideWindow > 0 {
		s += fmt.Sprintf(", %d outside delivery hours", r.OutsideWindow)
	}
	if r.Cancelled {
		s += " (cancelled)"
	}
	return s
}
