// Package cache keeps the outcome of the latest mailbox poll per queue so
// operators can inspect it without reading logs.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/gotrs-io/gotrs-helpdesk/internal/config"
)

const (
	pollStatusPrefix     = "mail_poll_status:"
	DefaultPollStatusTTL = 24 * time.Hour
)

// PollStatus summarizes one poll of a queue mailbox.
type PollStatus struct {
	Queue      string         `json:"queue"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Duration   time.Duration  `json:"duration"`
	Messages   map[string]int `json:"messages,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// OK reports whether the poll finished without error.
func (s PollStatus) OK() bool { return s.Error == "" }

// PollStatusStore records and reads poll statuses.
type PollStatusStore interface {
	Record(ctx context.Context, status PollStatus) error
	Get(ctx context.Context, queue string) (*PollStatus, error)
}

// RedisPollStatus stores statuses as JSON strings with a TTL.
type RedisPollStatus struct {
	client redis.Cmdable
	ttl    time.Duration
	errors prometheus.Counter
}

// NewRedisPollStatus wraps client. A zero ttl uses DefaultPollStatusTTL. A
// nil reg skips metric registration.
func NewRedisPollStatus(client redis.Cmdable, ttl time.Duration, reg prometheus.Registerer) *RedisPollStatus {
	if ttl <= 0 {
		ttl = DefaultPollStatusTTL
	}
	opts := prometheus.CounterOpts{
		Name: "helpdesk_poll_status_cache_errors_total",
		Help: "Errors writing or reading poll statuses from Redis",
	}
	var counter prometheus.Counter
	if reg != nil {
		counter = promauto.With(reg).NewCounter(opts)
	} else {
		counter = prometheus.NewCounter(opts)
	}
	return &RedisPollStatus{client: client, ttl: ttl, errors: counter}
}

// Open connects to Redis when enabled, otherwise it returns an in-memory
// store. The returned closer is never nil.
func Open(ctx context.Context, cfg config.RedisConfig, reg prometheus.Registerer) (PollStatusStore, func() error, error) {
	if !cfg.Enabled {
		return NewMemoryPollStatus(), func() error { return nil }, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisPollStatus(client, cfg.TTL, reg), client.Close, nil
}

func pollStatusKey(queue string) string {
	return pollStatusPrefix + queue
}

// Record stores status under the queue key.
func (r *RedisPollStatus) Record(ctx context.Context, status PollStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		r.errors.Inc()
		return err
	}
	if err := r.client.Set(ctx, pollStatusKey(status.Queue), data, r.ttl).Err(); err != nil {
		r.errors.Inc()
		return fmt.Errorf("record poll status: %w", err)
	}
	return nil
}

// Get returns the last status of queue, or nil when none is stored.
func (r *RedisPollStatus) Get(ctx context.Context, queue string) (*PollStatus, error) {
	data, err := r.client.Get(ctx, pollStatusKey(queue)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		r.errors.Inc()
		return nil, fmt.Errorf("read poll status: %w", err)
	}
	var status PollStatus
	if err := json.Unmarshal(data, &status); err != nil {
		r.errors.Inc()
		return nil, fmt.Errorf("decode poll status: %w", err)
	}
	return &status, nil
}

// MemoryPollStatus keeps statuses in process when Redis is not configured.
type MemoryPollStatus struct {
	mu    sync.RWMutex
	items map[string]PollStatus
}

// NewMemoryPollStatus returns an empty store.
func NewMemoryPollStatus() *MemoryPollStatus {
	return &MemoryPollStatus{items: make(map[string]PollStatus)}
}

// Record implements PollStatusStore.
func (m *MemoryPollStatus) Record(_ context.Context, status PollStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[status.Queue] = status
	return nil
}

// Get implements PollStatusStore.
func (m *MemoryPollStatus) Get(_ context.Context, queue string) (*PollStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.items[queue]
	if !ok {
		return nil, nil
	}
	return &status, nil
}
