package connector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// LocalFetcher reads one message per regular file from a directory, the
// way an MTA delivers into a maildir style drop folder.
type LocalFetcher struct {
	logger logrus.FieldLogger
	remove func(string) error
}

// LocalFetcherOption customizes LocalFetcher.
type LocalFetcherOption func(*LocalFetcher)

// WithLocalLogger overrides the logger used for connector diagnostics.
func WithLocalLogger(logger logrus.FieldLogger) LocalFetcherOption {
	return func(f *LocalFetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewLocalFetcher returns a directory reader.
func NewLocalFetcher(opts ...LocalFetcherOption) *LocalFetcher {
	f := &LocalFetcher{logger: logrus.StandardLogger(), remove: os.Remove}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Name returns the connector identifier.
func (f *LocalFetcher) Name() string {
	return "local"
}

// Fetch processes the files of account.LocalDir in name order and removes
// the ones the handler disposes of. A file that cannot be removed is
// logged and left for the next run.
func (f *LocalFetcher) Fetch(ctx context.Context, account Account, handler Handler) error {
	if handler == nil {
		return errors.New("local fetcher requires a handler")
	}
	dir := account.LocalDir
	if dir == "" {
		return errors.New("local account missing directory")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("local read dir %s: %w", dir, err)
	}
	f.logger.WithFields(logrus.Fields{"dir": dir, "count": len(entries)}).Info("local: directory listed")

	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("local read %s: %w", path, err)
		}
		received := time.Now().UTC()
		if info, err := entry.Info(); err == nil {
			received = info.ModTime().UTC()
		}
		msg := &FetchedMessage{
			Connector:  f.Name(),
			UID:        entry.Name(),
			RemoteID:   path,
			ReceivedAt: received,
			SizeBytes:  int64(len(raw)),
			Raw:        raw,
			Metadata:   map[string]string{"path": path},
		}
		msg.WithAccount(account)

		disposition, err := handler.Handle(ctx, msg)
		if err != nil {
			return fmt.Errorf("postmaster handler failed for %s: %w", path, err)
		}
		if disposition != DispositionDelete {
			continue
		}
		if err := f.remove(path); err != nil {
			f.logger.WithError(err).WithField("file", path).Warn("local: unable to delete message")
		}
	}
	return nil
}
