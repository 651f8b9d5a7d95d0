// Package logging builds the logrus entry handed to every phpack component.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/phpack/phpack/internal/config"
)

// New creates a *logrus.Entry from the given Logging config.
// Output goes to the configured file (appended) or stderr, with a
// "service" field on every record.
func New(cfg config.LoggingConfig) (*logrus.Entry, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	var out io.Writer = os.Stderr
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
	}
	logger.SetOutput(out)

	return logger.WithField("service", "phpack"), nil
}

// Discard returns an entry that drops everything, for tests and library callers
func Discard() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

// Component tags log records with the component name
func Component(log *logrus.Entry, name string) *logrus.Entry {
	if log == nil {
		log = Discard()
	}
	return log.WithField("component", name)
}
