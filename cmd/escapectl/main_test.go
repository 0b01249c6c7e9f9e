package main

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/felixgeelhaar/escape/internal/coordinator"
	"github.com/felixgeelhaar/escape/internal/domain"
)

func TestDaemonURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{":8080", "http://127.0.0.1:8080"},
		{"0.0.0.0:9000", "http://127.0.0.1:9000"},
		{"localhost:8080", "http://localhost:8080"},
		{"[::]:8080", "http://127.0.0.1:8080"},
		{"bot.internal", "http://bot.internal"},
	}
	for _, tt := range tests {
		if got := daemonURL(tt.addr); got != tt.want {
			t.Errorf("daemonURL(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestParseUserID(t *testing.T) {
	id, err := parseUserID(" 5000000001 ")
	if err != nil {
		t.Fatalf("parseUserID() error = %v", err)
	}
	if id != domain.UserID(5_000_000_001) {
		t.Errorf("parseUserID() = %d", id)
	}

	for _, bad := range []string{"", "abc", "0", "-5"} {
		if _, err := parseUserID(bad); err == nil {
			t.Errorf("parseUserID(%q) should fail", bad)
		}
	}
}

func TestParseBroadcastArgs(t *testing.T) {
	text, filter, err := parseBroadcastArgs([]string{"--access-only", "Day", "3", "is", "fixed"}, io.Discard)
	if err != nil {
		t.Fatalf("parseBroadcastArgs() error = %v", err)
	}
	if text != "Day 3 is fixed" {
		t.Errorf("text = %q", text)
	}
	if !filter.WithAccess || filter.ExcludeFinished {
		t.Errorf("filter = %+v", filter)
	}

	if _, _, err := parseBroadcastArgs([]string{"--active"}, io.Discard); !errors.Is(err, errUsage) {
		t.Errorf("parseBroadcastArgs() without text error = %v, want errUsage", err)
	}
	if _, _, err := parseBroadcastArgs([]string{"--loud", "hi"}, io.Discard); err == nil {
		t.Error("parseBroadcastArgs() with unknown flag should fail")
	}
}

func TestFormatReport(t *testing.T) {
	tests := []struct {
		name string
		r    coordinator.Report
		want string
	}{
		{"all sent", coordinator.Report{Considered: 3, Sent: 3}, "3 of 3 unlocked"},
		{"partial", coordinator.Report{Considered: 3, Sent: 2, Failed: 1}, "2 of 3 unlocked, 1 failed"},
		{"cancelled", coordinator.Report{Considered: 5, Sent: 1, Cancelled: true}, "1 of 5 unlocked (cancelled)"},
		{"outside window", coordinator.Report{Considered: 2, OutsideWindow: 2}, "Outside delivery hours, nothing sent"},
		{"some outside window", coordinator.Report{Considered: 3, Sent: 1, OutsideWindow: 2}, "1 of 3 unlocked, 2 outside delivery hours"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatReport("unlocked", tt.r); got != tt.want {
				t.Errorf("formatReport() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMask(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "(not set)"},
		{"short", "****"},
		{"123456:ABCDEFGHIJ", "1234****GHIJ"},
	}
	for _, tt := range tests {
		if got := mask(tt.in); got != tt.want {
			t.Errorf("mask(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRenderProgressBar(t *testing.T) {
	tests := []struct {
		value float64
		want  string
	}{
		{0, "[░░░░░░░░░░]"},
		{0.5, "[█████░░░░░]"},
		{1, "[██████████]"},
		{1.7, "[██████████]"},
		{-1, "[░░░░░░░░░░]"},
	}
	for _, tt := range tests {
		if got := renderProgressBar(tt.value, 10); got != tt.want {
			t.Errorf("renderProgressBar(%v) = %q, want %q", tt.value, got, tt.want)
		}
	}
}

func TestDispatch(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		wantCode   int
		wantStdout string
		wantStderr string
	}{
		{"no args", nil, 2, "", "Usage:"},
		{"help", []string{"help"}, 0, "Delivery Commands:", ""},
		{"version", []string{"--version"}, 0, "escapectl dev", ""},
		{"unknown", []string{"teleport"}, 2, "", "Unknown command: teleport"},
		{"missing user id", []string{"progress"}, 2, "", "Usage: escapectl progress <user-id>"},
		{"bad user id", []string{"grant", "alex"}, 1, "", `invalid user id "alex"`},
		{"course without subcommand", []string{"course"}, 2, "", "Usage: escapectl course validate [dir] | show"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := dispatch(tt.args, &stdout, &stderr)
			if code != tt.wantCode {
				t.Errorf("dispatch(%v) = %d, want %d (stderr %q)", tt.args, code, tt.wantCode, stderr.String())
			}
			if !strings.Contains(stdout.String(), tt.wantStdout) {
				t.Errorf("stdout = %q, want %q", stdout.String(), tt.wantStdout)
			}
			if !strings.Contains(stderr.String(), tt.wantStderr) {
				t.Errorf("stderr = %q, want %q", stderr.String(), tt.wantStderr)
			}
		})
	}
}

func TestCommandsAreGrouped(t *testing.T) {
	known := make(map[string]bool)
	for _, g := range groups {
		known[g] = true
	}
	seen := make(map[string]bool)
	for _, c := range commands {
		if !known[c.group] {
			t.Errorf("command %s has unknown group %q", c.name, c.group)
		}
		if seen[c.name] {
			t.Errorf("command %s registered twice", c.name)
		}
		seen[c.name] = true
		if c.run == nil {
			t.Errorf("command %s has no handler", c.name)
		}
	}
}

func TestLastLines(t *testing.T) {
	log := "one\ntwo\nthree\nfour\n"
	tests := []struct {
		n    int
		want []string
	}{
		{2, []string{"three", "four"}},
		{10, []string{"one", "two", "three", "four"}},
		{0, nil},
	}
	for _, tt := range tests {
		got, err := lastLines(strings.NewReader(log), tt.n)
		if err != nil {
			t.Fatalf("lastLines() error = %v", err)
		}
		if strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Errorf("lastLines(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, "http://127.0.0.1:8080", &statusResponse{
		Status:     "running",
		Version:    "1.2.3",
		Uptime:     "1h0m0s",
		CourseDays: 10,
		Users:      4,
		WithAccess: 3,
		Jobs: []jobStatus{
			{Name: "reminders", Trigger: "every 1h0m0s", Runs: 2, NextRun: "2026-06-01T10:00:00Z", LastError: "telegram: 502"},
		},
	})

	out := buf.String()
	for _, want := range []string{"running (1.2.3, up 1h0m0s)", "4 (3 with access, 0 finished)", "reminders", "last error: telegram: 502"} {
		if !strings.Contains(out, want) {
			t.Errorf("printStatus() output missing %q:\n%s", want, out)
		}
	}
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.pid")
	bad := filepath.Join(dir, "bad.pid")
	os.WriteFile(good, []byte("4242\n"), 0o644)
	os.WriteFile(bad, []byte("escaped"), 0o644)

	if pid, err := readPID(good); err != nil || pid != 4242 {
		t.Errorf("readPID(good) = %d, %v", pid, err)
	}
	if _, err := readPID(bad); err == nil {
		t.Error("readPID(bad) should fail")
	}
	if _, err := readPID(filepath.Join(dir, "missing.pid")); err == nil {
		t.Error("readPID(missing) should fail")
	}
}
