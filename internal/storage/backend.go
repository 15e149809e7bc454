package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced blob does not exist.
var ErrNotFound = errors.New("storage: content not found")

// Backend defines the interface for attachment storage backends
type Backend interface {
	// Store saves attachment content and returns a storage reference
	Store(ctx context.Context, followUpID int, content *Content) (*Reference, error)

	// Retrieve gets attachment content by reference
	Retrieve(ctx context.Context, ref *Reference) (*Content, error)

	// Delete removes attachment content
	Delete(ctx context.Context, ref *Reference) error

	// Exists checks if attachment content exists
	Exists(ctx context.Context, ref *Reference) (bool, error)

	// HealthCheck verifies backend is operational
	HealthCheck(ctx context.Context) error
}

// Content represents the content to be stored
type Content struct {
	FileName    string
	ContentType string
	Data        []byte
	Metadata    map[string]string
	CreatedTime time.Time
}

// Reference points to stored content
type Reference struct {
	FollowUpID  int
	Backend     string
	Location    string
	ContentType string
	FileName    string
	FileSize    int64
	Checksum    string
	CreatedTime time.Time
}
