package outbox

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/models"
	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/store"
)

func newNudgedQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := zerolog.Nop()
	st, err := store.Open(filepath.Join(t.TempDir(), "queue.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q := New(st, newFakeBackend(), client, RetryPolicy{}, nil, nil, &logger)
	return q, mr
}

func TestEnqueue_PushesNudge(t *testing.T) {
	q, mr := newNudgedQueue(t)

	assert.True(t, q.Nudged())

	op, err := q.Enqueue(context.Background(), models.Mutation{
		Type:    models.OpJobAdd,
		Payload: map[string]any{"crew": "North"},
	})
	require.NoError(t, err)

	vals, err := mr.List(nudgeKey)
	require.NoError(t, err)
	require.Len(t, vals, 1)
	assert.Equal(t, op.ID, vals[0])
}

func TestWaitNudge_ConsumesBurst(t *testing.T) {
	q, mr := newNudgedQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, models.Mutation{
			Type:    models.OpJobAdd,
			Payload: map[string]any{"crew": "North"},
		})
		require.NoError(t, err)
	}

	assert.True(t, q.WaitNudge(ctx, time.Second))

	// One wake-up covers the whole burst.
	assert.False(t, mr.Exists(nudgeKey))
}

func TestWaitNudge_TimeoutReportsNoNudge(t *testing.T) {
	q, _ := newNudgedQueue(t)

	assert.False(t, q.WaitNudge(context.Background(), 100*time.Millisecond))
}

func TestWaitNudge_RedisDownReportsNoNudge(t *testing.T) {
	q, mr := newNudgedQueue(t)
	mr.Close()

	// A dead connection fails fast instead of blocking for the timeout.
	// Reporting false lets the caller fall back to its poll schedule rather
	// than looping on the broken wait.
	start := time.Now()
	woke := q.WaitNudge(context.Background(), time.Second)
	assert.False(t, woke)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNudge_RedisDownIsBestEffort(t *testing.T) {
	q, mr := newNudgedQueue(t)
	mr.Close()

	// The durable record matters; the wake-up channel is advisory.
	_, err := q.Enqueue(context.Background(), models.Mutation{
		Type:    models.OpJobAdd,
		Payload: map[string]any{"crew": "North"},
	})
	assert.NoError(t, err)
}

func TestWaitNudge_NoRedisReturnsImmediately(t *testing.T) {
	q, _ := newTestQueue(t, newFakeBackend())

	assert.False(t, q.Nudged())

	start := time.Now()
	assert.False(t, q.WaitNudge(context.Background(), time.Second))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}
