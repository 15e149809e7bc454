package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/gotrs-helpdesk/internal/config"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisPollStatusRoundTrip(t *testing.T) {
	mr, client := newRedis(t)
	store := NewRedisPollStatus(client, 0, prometheus.NewRegistry())
	ctx := context.Background()
	started := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	status := PollStatus{
		Queue:      "support",
		StartedAt:  started,
		FinishedAt: started.Add(2 * time.Second),
		Duration:   2 * time.Second,
		Messages:   map[string]int{"delete": 2},
	}
	require.NoError(t, store.Record(ctx, status))

	assert.True(t, mr.Exists("mail_poll_status:support"))
	assert.Equal(t, DefaultPollStatusTTL, mr.TTL("mail_poll_status:support"))

	got, err := store.Get(ctx, "support")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.OK())
	assert.Equal(t, 2, got.Messages["delete"])
	assert.True(t, got.StartedAt.Equal(started))
}

func TestRedisPollStatusExpires(t *testing.T) {
	mr, client := newRedis(t)
	store := NewRedisPollStatus(client, time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, PollStatus{Queue: "billing", Error: "imap auth: denied"}))
	mr.FastForward(2 * time.Minute)

	got, err := store.Get(ctx, "billing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisPollStatusCountsErrors(t *testing.T) {
	mr, client := newRedis(t)
	reg := prometheus.NewRegistry()
	store := NewRedisPollStatus(client, 0, reg)
	mr.SetError("READONLY")

	err := store.Record(context.Background(), PollStatus{Queue: "x"})
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(store.errors))

	mr.SetError("")
	require.NoError(t, mr.Set("mail_poll_status:x", "not json"))
	_, err = store.Get(context.Background(), "x")
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	store, closer, err := Open(context.Background(), config.RedisConfig{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryPollStatus{}, store)
	assert.NoError(t, closer())

	mr := miniredis.RunT(t)
	store, closer, err = Open(context.Background(), config.RedisConfig{Enabled: true, Addr: mr.Addr()}, prometheus.NewRegistry())
	require.NoError(t, err)
	assert.IsType(t, &RedisPollStatus{}, store)
	assert.NoError(t, closer())

	mr.Close()
	_, _, err = Open(context.Background(), config.RedisConfig{Enabled: true, Addr: mr.Addr()}, nil)
	assert.Error(t, err)
}

func TestMemoryPollStatus(t *testing.T) {
	store := NewMemoryPollStatus()
	ctx := context.Background()

	got, err := store.Get(ctx, "support")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, store.Record(ctx, PollStatus{Queue: "support", Error: errors.New("boom").Error()}))
	got, err = store.Get(ctx, "support")
	require.NoError(t, err)
	assert.False(t, got.OK())
}
