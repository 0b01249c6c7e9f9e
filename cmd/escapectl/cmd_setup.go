package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/felixgeelhaar/escape/internal/config"
	"github.com/felixgeelhaar/escape/internal/daemon"
	"github.com/felixgeelhaar/escape/internal/storage/postgres"
)

// quietLogger keeps component chatter off the terminal
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// openApp wires the components without starting any loop
func openApp(ctx context.Context) (*daemon.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if _, err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("ensure data dir: %w", err)
	}
	return daemon.Open(ctx, cfg, daemon.Options{Logger: quietLogger()})
}

// cmdDoctor checks configuration and external dependencies
func cmdDoctor() error {
	fmt.Println("Checking configuration and dependencies...")
	allGood := true

	fmt.Print("Config:    ")
	cfg, err := config.Load()
	if err != nil {
		fmt.Println("✗")
		for _, line := range strings.Split(err.Error(), "\n") {
			fmt.Printf("           %s\n", line)
		}
		fmt.Println("\nSome checks failed. Please fix the issues above.")
		return nil
	}
	fmt.Println("✓ loaded")

	fmt.Print("Directory: ")
	if dir, err := cfg.EnsureDataDir(); err != nil {
		fmt.Printf("✗ %v\n", err)
		allGood = false
	} else {
		fmt.Printf("✓ %s\n", dir)
	}

	fmt.Print("Course:    ")
	if catalog, err := daemon.LoadCatalog(cfg); err != nil {
		fmt.Printf("✗ %v\n", err)
		allGood = false
	} else {
		fmt.Printf("✓ %q, %d days\n", catalog.Title(), catalog.Len())
	}

	fmt.Print("Storage:   ")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if store, err := daemon.OpenStore(ctx, cfg); err != nil {
		fmt.Printf("✗ %v\n", err)
		allGood = false
	} else {
		store.Close()
		fmt.Printf("✓ %s\n", cfg.DBDriver)
	}

	fmt.Print("Telegram:  ")
	if cfg.BotToken == "" {
		fmt.Println("✗ TELEGRAM_BOT_TOKEN not set")
		allGood = false
	} else if cfg.WebhookURL != "" {
		fmt.Printf("✓ webhook %s\n", cfg.WebhookURL)
	} else {
		fmt.Println("✓ long polling")
	}

	fmt.Print("Queue:     ")
	if cfg.RabbitMQURL == "" {
		fmt.Println("- not configured (grants apply directly, no certificates)")
	} else {
		fmt.Println("✓ configured")
	}

	fmt.Print("Speech:    ")
	switch cfg.SpeechBackend {
	case config.SpeechWhisper:
		fmt.Printf("✓ whisper (model: %s)\n", cfg.WhisperModel)
	case config.SpeechDocker:
		if err := checkDocker(); err != nil {
			fmt.Printf("✗ %v\n", err)
			allGood = false
		} else {
			fmt.Printf("✓ docker (image: %s)\n", cfg.RecognizerImage)
		}
	default:
		fmt.Println("- disabled (voice tasks cannot be checked)")
	}

	fmt.Print("\nDaemon:    ")
	if newDaemonClient(cfg).alive() {
		fmt.Println("✓ running")
	} else {
		fmt.Println("✗ not running (run 'escapectl start')")
	}

	fmt.Println()
	if allGood {
		fmt.Println("All checks passed! ✓")
	} else {
		fmt.Println("Some checks failed. Please fix the issues above.")
	}
	return nil
}

// cmdConfig shows the effective configuration with secrets masked
func cmdConfig() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fmt.Println("Configuration")
	fmt.Println("=============")
	fmt.Printf("Data dir:        %s\n", cfg.DataDir)
	fmt.Printf("HTTP address:    %s\n", cfg.HTTPAddr)
	fmt.Printf("Log level:       %s\n", cfg.LogLevel)
	fmt.Printf("Bot token:       %s\n", mask(cfg.BotToken))
	fmt.Printf("Webhook URL:     %s\n", orNone(cfg.WebhookURL))
	fmt.Printf("Database:        %s\n", cfg.DBDriver)
	switch cfg.DBDriver {
	case config.DriverSQLite:
		fmt.Printf("DB path:         %s\n", cfg.DBPath)
	case config.DriverPostgres:
		fmt.Printf("DB URL:          %s\n", mask(cfg.DatabaseURL))
	}
	fmt.Printf("RabbitMQ:        %s\n", mask(cfg.RabbitMQURL))
	fmt.Printf("Course:          %s\n", orNone(cfg.CoursePath))
	fmt.Printf("Timezone:        %s\n", cfg.Timezone)
	fmt.Printf("Release time:    %s\n", cfg.ReleaseTime)
	fmt.Printf("Reminders:       every %s, after %v, max %d, %02d:00-%02d:00\n",
		cfg.ReminderInterval, cfg.ReminderThresholds, cfg.MaxReminders,
		cfg.ReminderWindowFrom, cfg.ReminderWindowTo)
	fmt.Printf("Speech backend:  %s\n", cfg.SpeechBackend)
	fmt.Printf("Max voice:       %ds\n", cfg.MaxVoiceSeconds)
	return nil
}

// cmdMigrate creates or upgrades the database schema
func cmdMigrate() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if _, err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("ensure data dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	fmt.Printf("Migrating %s store... ", cfg.DBDriver)
	switch cfg.DBDriver {
	case config.DriverPostgres:
		err = postgres.Migrate(ctx, cfg.DatabaseURL)
	case config.DriverMemory:
		fmt.Println("nothing to do")
		return nil
	default:
		var store interface{ Close() error }
		store, err = daemon.OpenStore(ctx, cfg)
		if err == nil {
			err = store.Close()
		}
	}
	if err != nil {
		fmt.Println("✗")
		return err
	}
	fmt.Println("✓")
	return nil
}

func checkDocker() error {
	if _, err := exec.LookPath("docker"); err != nil {
		return fmt.Errorf("docker not found in PATH")
	}

	cmd := exec.Command("docker", "info")
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker daemon not running")
	}
	return nil
}

// mask hides all but the edges of a secret
func mask(s string) string {
	switch {
	case s == "":
		return "(not set)"
	case len(s) <= 8:
		return "****"
	default:
		return s[:4] + "****" + s[len(s)-4:]
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
