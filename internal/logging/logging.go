// Package logging builds the process logger and the per-queue loggers used
// while importing mail.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/gotrs-io/gotrs-helpdesk/internal/config"
	"github.com/gotrs-io/gotrs-helpdesk/internal/models"
)

// New creates the root logger from the logging section of the config.
func New(cfg config.LoggingConfig) (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		if cfg.Level != "" {
			return nil, fmt.Errorf("logging level %q: %w", cfg.Level, err)
		}
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch out := strings.TrimSpace(cfg.Output); out {
	case "", "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log output: %w", err)
		}
		logger.SetOutput(f)
	}

	return logger, nil
}

// QueueLevel maps a queue logging_type to a logrus level. The second return
// value is false for "none" or an empty type, which disable the queue logger.
// Unrecognized types keep fallback.
func QueueLevel(loggingType string, fallback logrus.Level) (logrus.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(loggingType)) {
	case "", "none":
		return logrus.PanicLevel, false
	case "debug":
		return logrus.DebugLevel, true
	case "info":
		return logrus.InfoLevel, true
	case "warn":
		return logrus.WarnLevel, true
	case "error":
		return logrus.ErrorLevel, true
	case "crit":
		return logrus.FatalLevel, true
	default:
		return fallback, true
	}
}

// ForQueue derives the logger used while polling q. The returned closer
// releases the queue log file, if one was opened, and must always be called.
func ForQueue(base *logrus.Logger, q *models.Queue) (*logrus.Entry, func() error, error) {
	noop := func() error { return nil }

	logger := logrus.New()
	logger.SetFormatter(base.Formatter)
	logger.SetReportCaller(base.ReportCaller)

	level, enabled := QueueLevel(q.LoggingType, base.GetLevel())
	logger.SetLevel(level)
	if !enabled {
		logger.SetOutput(io.Discard)
		return logger.WithField("queue", q.Slug), noop, nil
	}

	dir := strings.TrimSpace(q.LoggingDir)
	if dir == "" {
		logger.SetOutput(base.Out)
		return logger.WithField("queue", q.Slug), noop, nil
	}

	path := filepath.Join(dir, q.Slug+"_get_email.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger.SetOutput(base.Out)
		return logger.WithField("queue", q.Slug), noop, fmt.Errorf("open queue log %s: %w", path, err)
	}
	logger.SetOutput(io.MultiWriter(base.Out, f))
	return logger.WithField("queue", q.Slug), f.Close, nil
}
