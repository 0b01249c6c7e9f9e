// Package config loads runtime settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Speech backends
const (
	SpeechWhisper = "whisper"
	SpeechDocker  = "docker"
	SpeechNone    = "none"
)

// Config holds all configuration for the application
type Config struct {
	// Telegram
	BotToken    string
	APIEndpoint string
	WebhookURL  string
	PollTimeout int // seconds
	AdminIDs    []int64

	// Server
	HTTPAddr string
	Debug    bool
	LogLevel string
	DataDir  string

	// Storage
	DBDriver    string
	DBPath      string
	DatabaseURL string

	// RabbitMQ; empty disables queue consumers and certificate jobs
	RabbitMQURL string

	// Course
	CoursePath  string
	Timezone    string
	ReleaseTime string // HH:MM local
	PaymentURL  string

	// Reminders
	ReminderInterval   time.Duration
	ReminderThresholds []time.Duration
	MaxReminders       int
	ReminderWindowFrom int
	ReminderWindowTo   int

	// Speech
	SpeechBackend   string
	SpeechTimeout   time.Duration
	WhisperAPIKey   string
	WhisperBaseURL  string
	WhisperModel    string
	WhisperLanguage string
	RecognizerImage string
	RecognizerMemMB int
	RecognizerCPU   float64
	MaxVoiceSeconds int
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first; variables already set win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds and validates a Config from the current environment
func FromEnv() (*Config, error) {
	dataDir := getEnv("ESCAPE_DATA_DIR", defaultDataDir())

	cfg := &Config{
		BotToken:    getEnv("TELEGRAM_BOT_TOKEN", ""),
		APIEndpoint: getEnv("TELEGRAM_API_ENDPOINT", ""),
		WebhookURL:  getEnv("TELEGRAM_WEBHOOK_URL", ""),
		PollTimeout: getEnvInt("TELEGRAM_POLL_TIMEOUT", 60),
		AdminIDs:    getEnvInt64s("ADMIN_IDS"),

		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		Debug:    getEnvBool("DEBUG", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DataDir:  dataDir,

		DBDriver:    getEnv("DB_DRIVER", DriverSQLite),
		DBPath:      getEnv("DB_PATH", filepath.Join(dataDir, "escape.db")),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		RabbitMQURL: getEnv("RABBITMQ_URL", ""),

		CoursePath:  getEnv("COURSE_PATH", ""),
		Timezone:    getEnv("COURSE_TIMEZONE", "UTC"),
		ReleaseTime: getEnv("COURSE_RELEASE_TIME", "09:00"),
		PaymentURL:  getEnv("PAYMENT_URL", ""),

		ReminderInterval:   getEnvDuration("REMINDER_INTERVAL", time.Hour),
		ReminderThresholds: getEnvDurations("REMINDER_THRESHOLDS", []time.Duration{24 * time.Hour, 48 * time.Hour, 72 * time.Hour}),
		MaxReminders:       getEnvInt("REMINDER_MAX", 3),
		ReminderWindowFrom: getEnvInt("REMINDER_WINDOW_START", 12),
		ReminderWindowTo:   getEnvInt("REMINDER_WINDOW_END", 18),

		SpeechBackend:   getEnv("SPEECH_BACKEND", SpeechNone),
		SpeechTimeout:   getEnvDuration("SPEECH_TIMEOUT", 30*time.Second),
		WhisperAPIKey:   getEnv("OPENAI_API_KEY", ""),
		WhisperBaseURL:  getEnv("WHISPER_BASE_URL", ""),
		WhisperModel:    getEnv("WHISPER_MODEL", "whisper-1"),
		WhisperLanguage: getEnv("WHISPER_LANGUAGE", "en"),
		RecognizerImage: getEnv("RECOGNIZER_IMAGE", "alphacep/kaldi-en:latest"),
		RecognizerMemMB: getEnvInt("RECOGNIZER_MEMORY_MB", 1024),
		RecognizerCPU:   getEnvFloat("RECOGNIZER_CPU_LIMIT", 1),
		MaxVoiceSeconds: getEnvInt("MAX_VOICE_SECONDS", 30),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error

	if c.BotToken == "" && !c.Debug {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN must be set in production"))
	}

	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			errs = append(errs, errors.New("DB_PATH is required for sqlite"))
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for postgres"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER %q is not one of sqlite, postgres, memory", c.DBDriver))
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("COURSE_TIMEZONE: %w", err))
	}
	if _, _, err := ParseClock(c.ReleaseTime); err != nil {
		errs = append(errs, fmt.Errorf("COURSE_RELEASE_TIME: %w", err))
	}

	if c.ReminderInterval <= 0 {
		errs = append(errs, errors.New("REMINDER_INTERVAL must be positive"))
	}
	if len(c.ReminderThresholds) == 0 {
		errs = append(errs, errors.New("REMINDER_THRESHOLDS must list at least one duration"))
	}
	for i := 1; i < len(c.ReminderThresholds); i++ {
		if c.ReminderThresholds[i] <= c.ReminderThresholds[i-1] {
			errs = append(errs, errors.New("REMINDER_THRESHOLDS must be increasing"))
			break
		}
	}
	if c.MaxReminders <= 0 {
		errs = append(errs, errors.New("REMINDER_MAX must be positive"))
	}
	if !validHour(c.ReminderWindowFrom) || !validHour(c.ReminderWindowTo) || c.ReminderWindowFrom > c.ReminderWindowTo {
		errs = append(errs, fmt.Errorf("reminder window %d-%d is invalid", c.ReminderWindowFrom, c.ReminderWindowTo))
	}

	switch c.SpeechBackend {
	case SpeechWhisper:
		if c.WhisperAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the whisper backend"))
		}
	case SpeechDocker:
		if c.RecognizerImage == "" {
			errs = append(errs, errors.New("RECOGNIZER_IMAGE is required for the docker backend"))
		}
	case SpeechNone:
	default:
		errs = append(errs, fmt.Errorf("SPEECH_BACKEND %q is not one of whisper, docker, none", c.SpeechBackend))
	}

	if c.MaxVoiceSeconds <= 0 {
		errs = append(errs, errors.New("MAX_VOICE_SECONDS must be positive"))
	}

	return errors.Join(errs...)
}

// Location returns the course timezone, falling back to UTC
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsAdmin reports whether id may use admin commands
func (c *Config) IsAdmin(id int64) bool {
	for _, a := range c.AdminIDs {
		if a == id {
			return true
		}
	}
	return false
}

// ParseClock parses an HH:MM wall clock time
func ParseClock(s string) (hour, minute int, err error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("%q is not HH:MM", s)
	}
	hour, err = strconv.Atoi(h)
	if err != nil || !validHour(hour) {
		return 0, 0, fmt.Errorf("%q has an invalid hour", s)
	}
	minute, err = strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%q has an invalid minute", s)
	}
	return hour, minute, nil
}

func validHour(h int) bool { return h >= 0 && h <= 23 }

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".escape"
	}
	return filepath.Join(home, ".escape")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvDurations parses a comma separated list; any invalid entry yields
// the default.
func getEnvDurations(key string, defaultValue []time.Duration) []time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []time.Duration
	for _, part := range strings.Split(value, ",") {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil {
			return defaultValue
		}
		out = append(out, d)
	}
	return out
}

// getEnvInt64s parses a comma separated list of ids, skipping invalid ones
func getEnvInt64s(key string) []int64 {
	var out []int64
	for _, part := range strings.Split(os.Getenv(key), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			out = append(out, id)
		}
	}
	return out
}
