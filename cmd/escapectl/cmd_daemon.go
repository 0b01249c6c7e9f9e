package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/felixgeelhaar/escape/internal/config"
)

const (
	startTimeout = 10 * time.Second
	// stopTimeout exceeds the daemon's own drain deadline
	stopTimeout = 35 * time.Second
	pollEvery   = 200 * time.Millisecond
)

// daemonClient talks to a running escaped over its local HTTP endpoints
type daemonClient struct {
	base string
	http *http.Client
}

func newDaemonClient(cfg *config.Config) *daemonClient {
	return &daemonClient{
		base: daemonURL(cfg.HTTPAddr),
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

// daemonURL turns a listen address into a local base URL
func daemonURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// alive reports whether the daemon answers /healthz. A degraded daemon
// (queue down) still counts as running.
func (c *daemonClient) alive() bool {
	resp, err := c.http.Get(c.base + "/healthz")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusServiceUnavailable
}

// statusResponse mirrors the daemon's /v1/status document
type statusResponse struct {
	Status           string      `json:"status"`
	Version          string      `json:"version"`
	Uptime           string      `json:"uptime"`
	CourseDays       int         `json:"course_days"`
	Users            int         `json:"users"`
	WithAccess       int         `json:"with_access"`
	CompletedCourses int         `json:"completed_courses"`
	Jobs             []jobStatus `json:"jobs"`
}

type jobStatus struct {
	Name      string `json:"name"`
	Trigger   string `json:"trigger"`
	Running   bool   `json:"running"`
	Runs      int    `json:"runs"`
	Skipped   int    `json:"skipped"`
	NextRun   string `json:"next_run"`
	LastRun   string `json:"last_run"`
	LastError string `json:"last_error"`
}

func (c *daemonClient) status() (*statusResponse, error) {
	resp, err := c.http.Get(c.base + "/v1/status")
	if err != nil {
		return nil, fmt.Errorf("request status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %s", resp.Status)
	}

	var st statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

// waitFor polls cond until it holds or timeout passes, printing progress dots
func waitFor(label string, timeout time.Duration, cond func() bool) bool {
	fmt.Print(label)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		time.Sleep(pollEvery)
		if cond() {
			fmt.Println(" ✓")
			return true
		}
		fmt.Print(".")
	}
	fmt.Println(" ✗")
	return false
}

func cmdStart() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	client := newDaemonClient(cfg)
	if client.alive() {
		fmt.Printf("escaped is already running at %s\n", client.base)
		return nil
	}
	if cfg.BotToken == "" {
		return errors.New("TELEGRAM_BOT_TOKEN is not set (run 'escapectl doctor')")
	}

	dataDir, err := cfg.EnsureDataDir()
	if err != nil {
		return fmt.Errorf("prepare data directory: %w", err)
	}
	binary, err := findDaemonBinary()
	if err != nil {
		return err
	}

	proc := exec.Command(binary)
	proc.Dir = dataDir
	detachDaemon(proc)
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch %s: %w", binary, err)
	}
	// The daemon outlives this process; drop the handle.
	_ = proc.Process.Release()

	if !waitFor("Starting escaped", startTimeout, client.alive) {
		return fmt.Errorf("escaped did not come up, see 'escapectl logs'")
	}
	fmt.Printf("Listening on %s\n", client.base)
	return nil
}

func cmdStop() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	client := newDaemonClient(cfg)
	if !client.alive() {
		fmt.Println("escaped is not running")
		return nil
	}

	pid, err := readPID(cfg.PIDPath())
	if err != nil {
		return err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find pid %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	if !waitFor("Stopping escaped", stopTimeout, func() bool { return !client.alive() }) {
		return fmt.Errorf("escaped (pid %d) is still draining after %s", pid, stopTimeout)
	}
	return nil
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %s is corrupt", path)
	}
	return pid, nil
}

func cmdStatus() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	client := newDaemonClient(cfg)
	if !client.alive() {
		fmt.Println("escaped: stopped")
		return nil
	}

	st, err := client.status()
	if err != nil {
		return err
	}
	printStatus(os.Stdout, client.base, st)
	return nil
}

func printStatus(w io.Writer, base string, st *statusResponse) {
	fmt.Fprintf(w, "escaped:   %s (%s, up %s)\n", st.Status, st.Version, st.Uptime)
	fmt.Fprintf(w, "Address:   %s\n", base)
	fmt.Fprintf(w, "Course:    %d days\n", st.CourseDays)
	fmt.Fprintf(w, "Learners:  %d (%d with access, %d finished)\n",
		st.Users, st.WithAccess, st.CompletedCourses)

	if len(st.Jobs) == 0 {
		return
	}
	fmt.Fprintln(w, "\nJobs")
	for _, j := range st.Jobs {
		state := "idle"
		if j.Running {
			state = "running"
		}
		fmt.Fprintf(w, "  %-10s %-22s %-8s runs=%d skipped=%d next=%s\n",
			j.Name, j.Trigger, state, j.Runs, j.Skipped, j.NextRun)
		if j.LastError != "" {
			fmt.Fprintf(w, "  %-10s last error: %s\n", "", j.LastError)
		}
	}
}

func cmdLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	lines := fs.Int("n", 50, "number of lines")
	follow := fs.Bool("f", false, "keep printing new lines")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	f, err := os.Open(cfg.LogPath())
	if errors.Is(err, os.ErrNotExist) {
		fmt.Println("No log yet; start the daemon with 'escapectl start'")
		return nil
	}
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	tail, err := lastLines(f, *lines)
	if err != nil {
		return err
	}
	for _, l := range tail {
		fmt.Println(l)
	}
	if !*follow {
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return followLog(ctx, f, os.Stdout)
}

// lastLines returns up to n trailing lines of r
func lastLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	ring := make([]string, 0, n)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(ring) == n {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	return ring, nil
}

// followLog copies lines appended to f until ctx ends
func followLog(ctx context.Context, f *os.File, w io.Writer) error {
	rd := bufio.NewReader(f)
	for {
		line, err := rd.ReadString('\n')
		if line != "" {
			io.WriteString(w, line)
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) {
			return fmt.Errorf("follow log: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// findDaemonBinary looks for escaped on PATH, next to escapectl, then in
// the usual build locations.
func findDaemonBinary() (string, error) {
	if p, err := exec.LookPath(daemonBinary); err == nil {
		return p, nil
	}

	var candidates []string
	if self, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(self), daemonBinary))
	}
	candidates = append(candidates,
		filepath.Join("/usr/local/bin", daemonBinary),
		filepath.Join("cmd", daemonBinary, daemonBinary),
	)
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", fmt.Errorf("%s not found; build it with 'go build ./cmd/%s'", daemonBinary, daemonBinary)
}
