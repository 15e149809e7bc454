package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// MemoryBackend keeps attachments in memory. It backs the memory database
// driver and tests.
type MemoryBackend struct {
	mu    sync.RWMutex
	blobs map[string]*Content
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{blobs: make(map[string]*Content)}
}

func (m *MemoryBackend) Store(ctx context.Context, followUpID int, content *Content) (*Reference, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sum := sha256.Sum256(content.Data)
	name := SafeFileName(content.FileName)
	created := content.CreatedTime
	if created.IsZero() {
		created = time.Now()
	}
	location := fmt.Sprintf("mem://%d/%s", followUpID, name)

	stored := *content
	stored.FileName = name
	stored.Data = append([]byte(nil), content.Data...)

	m.mu.Lock()
	m.blobs[location] = &stored
	m.mu.Unlock()

	return &Reference{
		FollowUpID:  followUpID,
		Backend:     "memory",
		Location:    location,
		ContentType: content.ContentType,
		FileName:    name,
		FileSize:    int64(len(content.Data)),
		Checksum:    hex.EncodeToString(sum[:]),
		CreatedTime: created,
	}, nil
}

func (m *MemoryBackend) Retrieve(_ context.Context, ref *Reference) (*Content, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.blobs[ref.Location]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref.Location)
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryBackend) Delete(_ context.Context, ref *Reference) error {
	m.mu.Lock()
	delete(m.blobs, ref.Location)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Exists(_ context.Context, ref *Reference) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[ref.Location]
	return ok, nil
}

func (m *MemoryBackend) HealthCheck(context.Context) error { return nil }

// Len returns the number of stored blobs.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
