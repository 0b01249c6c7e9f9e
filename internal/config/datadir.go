package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// PIDFileName is the daemon pid file inside the data dir
const PIDFileName = "escaped.pid"

// EnsureDataDir creates the data dir and its subdirectories
func (c *Config) EnsureDataDir() (string, error) {
	for _, sub := range []string{"", "logs"} {
		path := filepath.Join(c.DataDir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return "", fmt.Errorf("create dir %s: %w", path, err)
		}
	}
	if c.DBDriver == DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(c.DBPath), 0o755); err != nil {
			return "", fmt.Errorf("create db dir: %w", err)
		}
	}
	return c.DataDir, nil
}

// LogPath returns the file the daemon appends JSON logs to
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "logs", "escaped.log")
}

// PIDPath returns the daemon pid file
func (c *Config) PIDPath() string {
	return filepath.Join(c.DataDir, PIDFileName)
}
