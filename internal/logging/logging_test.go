package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/gotrs-helpdesk/internal/config"
	"github.com/gotrs-io/gotrs-helpdesk/internal/models"
)

func TestNew(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	_, err = New(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)

	logger, err = New(config.LoggingConfig{})
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}

func TestQueueLevel(t *testing.T) {
	cases := map[string]logrus.Level{
		"debug": logrus.DebugLevel,
		"info":  logrus.InfoLevel,
		"warn":  logrus.WarnLevel,
		"error": logrus.ErrorLevel,
		"crit":  logrus.FatalLevel,
		"other": logrus.WarnLevel,
	}
	for typ, want := range cases {
		level, enabled := QueueLevel(typ, logrus.WarnLevel)
		assert.True(t, enabled, typ)
		assert.Equal(t, want, level, typ)
	}

	for _, typ := range []string{"none", "", "  "} {
		_, enabled := QueueLevel(typ, logrus.InfoLevel)
		assert.False(t, enabled, "%q should disable the queue logger", typ)
	}
}

func newBase(buf *bytes.Buffer) *logrus.Logger {
	base := logrus.New()
	base.SetOutput(buf)
	base.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	base.SetLevel(logrus.InfoLevel)
	return base
}

func TestForQueue(t *testing.T) {
	t.Run("inherits base output and tags queue", func(t *testing.T) {
		var buf bytes.Buffer
		entry, closeFn, err := ForQueue(newBase(&buf), &models.Queue{Slug: "support", LoggingType: "info"})
		require.NoError(t, err)
		defer closeFn()

		entry.Info("hello")
		assert.Contains(t, buf.String(), "queue=support")
		assert.Contains(t, buf.String(), "hello")
	})

	t.Run("none discards", func(t *testing.T) {
		var buf bytes.Buffer
		entry, closeFn, err := ForQueue(newBase(&buf), &models.Queue{Slug: "quiet", LoggingType: "none"})
		require.NoError(t, err)
		defer closeFn()

		entry.Error("dropped")
		assert.Empty(t, buf.String())
	})

	t.Run("empty type discards and opens no file", func(t *testing.T) {
		var buf bytes.Buffer
		dir := t.TempDir()
		entry, closeFn, err := ForQueue(newBase(&buf), &models.Queue{Slug: "unset", LoggingDir: dir})
		require.NoError(t, err)
		require.NoError(t, closeFn())

		entry.Error("dropped")
		assert.Empty(t, buf.String())
		_, statErr := os.Stat(filepath.Join(dir, "unset_get_email.log"))
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("logging dir writes queue file", func(t *testing.T) {
		var buf bytes.Buffer
		dir := t.TempDir()
		entry, closeFn, err := ForQueue(newBase(&buf), &models.Queue{Slug: "billing", LoggingType: "debug", LoggingDir: dir})
		require.NoError(t, err)

		entry.Debug("detail")
		require.NoError(t, closeFn())

		data, err := os.ReadFile(filepath.Join(dir, "billing_get_email.log"))
		require.NoError(t, err)
		assert.Contains(t, string(data), "detail")
		assert.Contains(t, buf.String(), "detail")
	})

	t.Run("unwritable dir falls back to base", func(t *testing.T) {
		var buf bytes.Buffer
		entry, closeFn, err := ForQueue(newBase(&buf), &models.Queue{Slug: "x", LoggingType: "info", LoggingDir: filepath.Join(t.TempDir(), "missing")})
		assert.Error(t, err)
		require.NotNil(t, entry)
		require.NoError(t, closeFn())

		entry.Info("still logged")
		assert.Contains(t, buf.String(), "still logged")
	})
}
