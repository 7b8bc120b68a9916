// Package config loads observer-state settings from defaults, an optional
// YAML file and OBSERVER_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/rcliao/observer-state/internal/gc"
	"github.com/rcliao/observer-state/internal/logging"
	"github.com/rcliao/observer-state/internal/merge"
	"github.com/rcliao/observer-state/internal/model"
	"github.com/rcliao/observer-state/internal/session"
)

const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
	BackendMemory = "memory"
)

// Config is the full runtime configuration. Fields without an environment
// variable set keep their file or default value.
type Config struct {
	Backend string `yaml:"backend" env:"OBSERVER_BACKEND"`
	DBPath  string `yaml:"db_path" env:"OBSERVER_DB"`
	DataDir string `yaml:"data_dir" env:"OBSERVER_DATA_DIR"`

	Debounce   time.Duration `yaml:"debounce" env:"OBSERVER_DEBOUNCE"`
	MaxDelay   time.Duration `yaml:"max_delay" env:"OBSERVER_MAX_DELAY"`
	Retention  time.Duration `yaml:"retention" env:"OBSERVER_RETENTION"`
	GCInterval time.Duration `yaml:"gc_interval" env:"OBSERVER_GC_INTERVAL"`

	MaxEvents          int    `yaml:"max_events" env:"OBSERVER_MAX_EVENTS"`
	PersistedMaxEvents int    `yaml:"persisted_max_events" env:"OBSERVER_PERSISTED_MAX_EVENTS"`
	MaxPhaseHistory    int    `yaml:"max_phase_history" env:"OBSERVER_MAX_PHASE_HISTORY"`
	Duplicates         string `yaml:"duplicates" env:"OBSERVER_DUPLICATES"` // "first" or "last"

	FeedURL     string `yaml:"feed_url" env:"OBSERVER_FEED_URL"`
	MetricsAddr string `yaml:"metrics_addr" env:"OBSERVER_METRICS_ADDR"`

	Log logging.Config `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	home := homeDir()
	return Config{
		Backend:            BackendSQLite,
		DBPath:             filepath.Join(home, "observer.db"),
		DataDir:            filepath.Join(home, "snapshots"),
		Debounce:           session.DefaultDebounce,
		MaxDelay:           session.DefaultMaxDelay,
		Retention:          gc.DefaultRetention,
		GCInterval:         time.Hour,
		MaxEvents:          model.DefaultMaxEvents,
		PersistedMaxEvents: model.DefaultPersistedMaxEvents,
		MaxPhaseHistory:    model.DefaultMaxPhaseHistory,
		Duplicates:         "first",
		Log:                logging.Config{Level: "info", Format: "text"},
	}
}

// DefaultPath is where Load looks when no file is named.
func DefaultPath() string {
	return filepath.Join(homeDir(), "config.yaml")
}

func homeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".observer-state")
}

// Load builds a Config. An explicit path must exist; the default path is
// optional.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	cfg.DBPath = expandHome(cfg.DBPath)
	cfg.DataDir = expandHome(cfg.DataDir)
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Backend {
	case BackendSQLite, BackendFile, BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q (want sqlite, file or memory)", c.Backend)
	}
	switch c.Duplicates {
	case "first", "last":
	default:
		return fmt.Errorf("unknown duplicates policy %q (want first or last)", c.Duplicates)
	}
	if c.MaxEvents <= 0 || c.PersistedMaxEvents <= 0 || c.MaxPhaseHistory <= 0 {
		return errors.New("event and phase history caps must be positive")
	}
	if c.PersistedMaxEvents > c.MaxEvents {
		return fmt.Errorf("persisted_max_events (%d) exceeds max_events (%d)", c.PersistedMaxEvents, c.MaxEvents)
	}
	if c.Debounce <= 0 || c.Retention <= 0 {
		return errors.New("debounce and retention must be positive")
	}
	return nil
}

// MergeOptions returns the merge engine settings.
func (c Config) MergeOptions() merge.Options {
	opts := merge.DefaultOptions()
	opts.MaxEvents = c.MaxEvents
	opts.MaxPhaseHistory = c.MaxPhaseHistory
	if c.Duplicates == "last" {
		opts.Duplicates = merge.KeepLast
	}
	return opts
}

func (c Config) Session() session.Config {
	return session.Config{
		Debounce: c.Debounce,
		MaxDelay: c.MaxDelay,
		Merge:    c.MergeOptions(),
	}
}

func (c Config) GC() gc.Config {
	return gc.Config{Retention: c.Retention}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}
