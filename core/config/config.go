// Package config loads and validates the coordinator's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrNoRoots        = errors.New("at least one workspace root is required")
	ErrBadDuration    = errors.New("invalid duration")
	ErrJournalNoPath  = errors.New("journal enabled without a path")
	ErrInvalidLogName = errors.New("unknown log level")
)

// Config is the full service configuration.
type Config struct {
	Workspace WorkspaceConfig `yaml:"workspace"`
	Locks     LockConfig      `yaml:"locks"`
	Events    EventConfig     `yaml:"events"`
	Journal   JournalConfig   `yaml:"journal"`
	Watcher   WatcherConfig   `yaml:"watcher"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

// WorkspaceConfig bounds which paths the coordinator may touch.
type WorkspaceConfig struct {
	Roots          []string `yaml:"roots"`
	IgnorePatterns []string `yaml:"ignore_patterns"`
	AllowSymlinks  bool     `yaml:"allow_symlinks"`
	MaxFileSize    int64    `yaml:"max_file_size"`
	HashCacheSize  int      `yaml:"hash_cache_size"`
}

// LockConfig tunes lock acquisition.
type LockConfig struct {
	DefaultTimeout string `yaml:"default_timeout"`
}

// Timeout parses the configured acquisition budget.
func (c LockConfig) Timeout() (time.Duration, error) {
	return parseDuration(c.DefaultTimeout, 30*time.Second)
}

// EventConfig tunes the notification bus.
type EventConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// JournalConfig controls conflict persistence.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// WatcherConfig controls external change monitoring.
type WatcherConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Debounce string `yaml:"debounce"`
}

// DebounceInterval parses the configured debounce window.
func (c WatcherConfig) DebounceInterval() (time.Duration, error) {
	return parseDuration(c.Debounce, 100*time.Millisecond)
}

// ServerConfig controls the HTTP transport.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Workspace: WorkspaceConfig{
			MaxFileSize:   100 * 1024 * 1024,
			HashCacheSize: 4096,
		},
		Locks:   LockConfig{DefaultTimeout: "30s"},
		Events:  EventConfig{BufferSize: 256},
		Journal: JournalConfig{Enabled: true, Path: ".accord/journal.db"},
		Watcher: WatcherConfig{Enabled: true, Debounce: "100ms"},
		Server:  ServerConfig{Address: "127.0.0.1:7420"},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults. A missing file is not an error: the
// defaults are returned unchanged.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for wiring errors.
func (c Config) Validate() error {
	if len(c.Workspace.Roots) == 0 {
		return ErrNoRoots
	}
	if _, err := c.Locks.Timeout(); err != nil {
		return err
	}
	if _, err := c.Watcher.DebounceInterval(); err != nil {
		return err
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return ErrJournalNoPath
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel maps the configured level name to a slog level.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	switch c.Level {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w: %q", ErrInvalidLogName, c.Level)
	}
}

func parseDuration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadDuration, value)
	}
	return d, nil
}
