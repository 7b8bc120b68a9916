// Package logging hands out per-component logrus entries that share one
// configuration.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Config controls level and format of every component logger.
type Config struct {
	// Level is the minimum level to output (debug, info, warn, error).
	Level string `yaml:"level" env:"OBSERVER_LOG_LEVEL"`
	// Format is "text" (default) or "json".
	Format string `yaml:"format" env:"OBSERVER_LOG_FORMAT"`
}

var (
	loggers   = make(map[string]*logrus.Entry)
	loggersMu sync.Mutex
	base      = newBase(Config{}, os.Stderr)
)

// Configure replaces the shared logger. Entries handed out earlier keep
// pointing at the old one, so call it before building components.
func Configure(cfg Config, out io.Writer) {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	if out == nil {
		out = os.Stderr
	}
	base = newBase(cfg, out)
	loggers = make(map[string]*logrus.Entry)
}

// NewLogger returns the logger for a component, creating it once.
func NewLogger(component string) *logrus.Entry {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, exists := loggers[component]; exists {
		return logger
	}
	entry := base.WithField("component", component)
	loggers[component] = entry
	return entry
}

func newBase(cfg Config, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)

	levelStr := cfg.Level
	if levelStr == "" {
		levelStr = "info"
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
