// Command escapectl operates the Language Escape bot: daemon control,
// schema and course checks, learner administration and manual sweeps.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Version is set at build time via ldflags
var Version = "dev"

const daemonBinary = "escaped"

var errUsage = errors.New("usage")

// command is one escapectl subcommand
type command struct {
	name    string
	args    string
	summary string
	group   string
	run     func(args []string) error
}

func noArgs(fn func() error) func([]string) error {
	return func([]string) error { return fn() }
}

var groups = []string{"Daemon", "Setup", "Learners", "Delivery", "Integration"}

var commands = []command{
	{"start", "", "Start the bot daemon", "Daemon", noArgs(cmdStart)},
	{"stop", "", "Stop the bot daemon", "Daemon", noArgs(cmdStop)},
	{"status", "", "Show daemon status and scheduled jobs", "Daemon", noArgs(cmdStatus)},
	{"logs", "[-n lines] [-f]", "Print the end of the daemon log", "Daemon", cmdLogs},

	{"doctor", "", "Check configuration and dependencies", "Setup", noArgs(cmdDoctor)},
	{"config", "", "Show effective configuration", "Setup", noArgs(cmdConfig)},
	{"migrate", "", "Create or upgrade the database schema", "Setup", noArgs(cmdMigrate)},
	{"course", "validate [dir] | show", "Check or list course content", "Setup", cmdCourse},
	{"validate", "[dir]", "Same as 'course validate'", "Setup", cmdCourseValidate},

	{"stats", "", "Show course-wide statistics", "Learners", noArgs(cmdStats)},
	{"progress", "<user-id>", "Show one learner's progress", "Learners", cmdProgress},
	{"grant", "<user-id> [name]", "Open the course for a learner", "Learners", cmdGrant},

	{"unlock", "", "Unlock the next day for eligible learners", "Delivery", noArgs(cmdUnlock)},
	{"remind", "", "Send reminders to idle learners", "Delivery", noArgs(cmdRemind)},
	{"broadcast", "[--access-only] [--active] <text>", "Send an announcement", "Delivery", cmdBroadcast},

	{"mcp", "", "Serve the admin MCP tools on stdio", "Integration", noArgs(cmdMCP)},
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func main() {
	os.Exit(dispatch(os.Args[1:], os.Stdout, os.Stderr))
}

func dispatch(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 2
	}

	switch args[0] {
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	case "version", "-v", "--version":
		fmt.Fprintf(stdout, "escapectl %s\n", Version)
		return 0
	}

	cmd, ok := lookup(args[0])
	if !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", args[0])
		printUsage(stderr)
		return 2
	}

	if err := cmd.run(args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(stderr, "Usage: escapectl %s %s\n", cmd.name, cmd.args)
			return 2
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "The Language Escape - course bot administration")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  escapectl <command> [arguments]")

	for _, g := range groups {
		fmt.Fprintf(w, "\n%s Commands:\n", g)
		for _, c := range commands {
			if c.group != g {
				continue
			}
			usage := strings.TrimSpace(c.name + " " + c.args)
			if len(usage) > 24 {
				fmt.Fprintf(w, "  %s\n  %-24s  %s\n", usage, "", c.summary)
				continue
			}
			fmt.Fprintf(w, "  %-24s  %s\n", usage, c.summary)
		}
	}

	fmt.Fprintln(w, `
Other:
  help                      Show this help message
  version                   Show version information

Examples:
  escapectl start
  escapectl grant 123456789 Alex
  escapectl broadcast --access-only "Day 3 video is fixed"`)
}

// renderProgressBar draws value (0..1) as a bar of width cells
func renderProgressBar(value float64, width int) string {
	filled := min(max(int(value*float64(width)), 0), width)
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}
