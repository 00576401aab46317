package outbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/models"
	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/store"
)

type recordedWrite struct {
	Collection string
	DocID      string
	Payload    map[string]any
}

// fakeBackend records writes and can fail a document a configured number of
// times before accepting it.
type fakeBackend struct {
	mu       sync.Mutex
	writes   []recordedWrite
	failures map[string]int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{failures: make(map[string]int)}
}

func (b *fakeBackend) failNext(docID string, times int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[docID] = times
}

func (b *fakeBackend) Put(_ context.Context, collection, docID string, payload map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures[docID] > 0 {
		b.failures[docID]--
		return errors.New("backend rejected write")
	}
	b.writes = append(b.writes, recordedWrite{Collection: collection, DocID: docID, Payload: payload})
	return nil
}

func (b *fakeBackend) recorded() []recordedWrite {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]recordedWrite, len(b.writes))
	copy(out, b.writes)
	return out
}

func newTestQueue(t *testing.T, backend *fakeBackend) (*Queue, *store.Store) {
	t.Helper()

	logger := zerolog.Nop()
	st, err := store.Open(filepath.Join(t.TempDir(), "queue.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	// Long delays so a backed-off op can never come due mid-test; force mode
	// flushes deterministically.
	retry := RetryPolicy{InitialDelay: time.Minute, MaxDelay: time.Hour, BackoffFactor: 2}
	return New(st, backend, nil, retry, nil, nil, &logger), st
}

func TestEnqueue_RejectsInvalidMutations(t *testing.T) {
	q, st := newTestQueue(t, newFakeBackend())
	ctx := context.Background()

	cases := []struct {
		name string
		m    models.Mutation
	}{
		{"unknown type", models.Mutation{Type: "job.frobnicate", Table: models.TableJobs, Key: "1"}},
		{"unknown table", models.Mutation{Type: models.OpPut, Table: "ledger", Key: "x"}},
		{"job op against foreign table", models.Mutation{Type: models.OpJobAdd, Table: models.TablePolicy}},
		{"update without key", models.Mutation{Type: models.OpJobUpdate, Table: models.TableJobs}},
		{"delete without key", models.Mutation{Type: models.OpDelete, Table: models.TableState}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, tc.m)
			assert.ErrorIs(t, err, ErrValidationRejected)
		})
	}

	count, err := st.CountPendingOps(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "rejected mutations never reach the queue")
}

func TestEnqueue_KeyFromPayloadID(t *testing.T) {
	q, _ := newTestQueue(t, newFakeBackend())

	op, err := q.Enqueue(context.Background(), models.Mutation{
		Type:    models.OpJobUpdate,
		Payload: map[string]any{"id": int64(42), "crew": "North"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TableJobs, op.Table, "job ops default to the jobs table")
	assert.Equal(t, "42", op.Key)
}

func TestEnqueue_CreateWithoutKeyUsesOpID(t *testing.T) {
	q, _ := newTestQueue(t, newFakeBackend())

	op, err := q.Enqueue(context.Background(), models.Mutation{
		Type:    models.OpJobAdd,
		Payload: map[string]any{"crew": "North"},
	})
	require.NoError(t, err)
	assert.Equal(t, op.ID, op.Key)
}

func TestEnqueue_SurvivesNonEncodablePayload(t *testing.T) {
	q, _ := newTestQueue(t, newFakeBackend())

	// NaN cannot be JSON-encoded; the enqueue-time sanitizer maps it to null
	// before the durable write.
	op, err := q.Enqueue(context.Background(), models.Mutation{
		Type:    models.OpJobUpdate,
		Key:     "7",
		Payload: map[string]any{"id": int64(7), "rehangPrice": math.NaN()},
	})
	require.NoError(t, err)
	assert.Contains(t, op.Payload, `"rehangPrice":null`)
}

func TestProcess_DeliversAndAcknowledges(t *testing.T) {
	backend := newFakeBackend()
	q, st := newTestQueue(t, backend)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, models.Mutation{
		Type:    models.OpJobAdd,
		Key:     "1",
		Payload: map[string]any{"id": int64(1), "crew": "  North  ", "date": "2024-11-20"},
	})
	require.NoError(t, err)

	stats, err := q.Process(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, Stats{Acknowledged: 1}, stats)

	count, err := st.CountPendingOps(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "acknowledged ops are removed")

	writes := backend.recorded()
	require.Len(t, writes, 1)
	assert.Equal(t, models.TableJobs, writes[0].Collection)
	assert.Equal(t, "1", writes[0].DocID)
	assert.Equal(t, "North", writes[0].Payload["crew"], "delivered body is sanitized")
}

func TestProcess_JobSchemaNormalization(t *testing.T) {
	backend := newFakeBackend()
	q, _ := newTestQueue(t, backend)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, models.Mutation{
		Type: models.OpJobUpdate,
		Key:  "3",
		Payload: map[string]any{
			"id":           int64(3),
			"houseTier":    "7",
			"rehangPrice":  math.NaN(),
			"zip":          "  ",
			"neighborhood": "",
		},
	})
	require.NoError(t, err)

	stats, err := q.Process(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Acknowledged)

	writes := backend.recorded()
	require.Len(t, writes, 1)
	body := writes[0].Payload

	assert.Equal(t, int64(5), body["houseTier"], "out-of-range tier clamps into the valid domain")
	require.Contains(t, body, "rehangPrice")
	assert.Nil(t, body["rehangPrice"], "non-finite price goes over the wire as null")
	assert.Equal(t, "", body["zip"], "schema fields stay present even when blank")
	assert.Equal(t, "", body["neighborhood"])
}

func TestProcess_SameKeyStaysOrdered(t *testing.T) {
	backend := newFakeBackend()
	q, _ := newTestQueue(t, backend)
	ctx := context.Background()

	base := time.Now().UnixMilli()
	for i := 0; i < 3; i++ {
		op := models.PendingOp{
			ID:        fmt.Sprintf("op-%d", i),
			Type:      models.OpJobUpdate,
			Table:     models.TableJobs,
			Key:       "1",
			Payload:   fmt.Sprintf(`{"id":1,"seq":%d}`, i),
			NextAt:    base,
			CreatedAt: base + int64(i),
			UpdatedAt: base + int64(i),
		}
		require.NoError(t, q.store.CreatePendingOp(ctx, &op))
	}

	stats, err := q.Process(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Acknowledged)

	writes := backend.recorded()
	require.Len(t, writes, 3)
	for i, w := range writes {
		assert.Equal(t, float64(i), w.Payload["seq"], "writes for one record arrive in creation order")
	}
}

func TestProcess_FailureReschedulesAndBlocksKey(t *testing.T) {
	backend := newFakeBackend()
	backend.failNext("1", 1)
	q, st := newTestQueue(t, backend)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, models.Mutation{
		Type: models.OpJobUpdate, Key: "1", Payload: map[string]any{"id": int64(1), "seq": int64(0)},
	})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, models.Mutation{
		Type: models.OpJobUpdate, Key: "1", Payload: map[string]any{"id": int64(1), "seq": int64(1)},
	})
	require.NoError(t, err)

	stats, err := q.Process(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, Stats{Retried: 1, Deferred: 1}, stats, "a failed head blocks the rest of its key")
	assert.Empty(t, backend.recorded())

	ops, err := st.ListPendingOps(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, first.ID, ops[0].ID)
	assert.Equal(t, 1, ops[0].Attempt)
	assert.Greater(t, ops[0].NextAt, time.Now().UnixMilli(), "backoff pushes the retry into the future")

	// Without force the backed-off head defers the whole key.
	stats, err = q.Process(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, Stats{Deferred: 2}, stats)

	// Force ignores the schedule; the backend accepts now and both land in order.
	stats, err = q.Process(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, Stats{Acknowledged: 2}, stats)

	writes := backend.recorded()
	require.Len(t, writes, 2)
	assert.Equal(t, float64(0), writes[0].Payload["seq"])
	assert.Equal(t, float64(1), writes[1].Payload["seq"])
}

func TestProcess_DistinctKeysProgressIndependently(t *testing.T) {
	backend := newFakeBackend()
	backend.failNext("stuck", 10)
	q, st := newTestQueue(t, backend)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, models.Mutation{
		Type: models.OpJobUpdate, Key: "stuck", Payload: map[string]any{"id": "stuck"},
	})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, models.Mutation{
		Type: models.OpJobUpdate, Key: "healthy", Payload: map[string]any{"id": "healthy"},
	})
	require.NoError(t, err)

	stats, err := q.Process(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, Stats{Acknowledged: 1, Retried: 1}, stats)

	writes := backend.recorded()
	require.Len(t, writes, 1)
	assert.Equal(t, "healthy", writes[0].DocID)

	count, err := st.CountPendingOps(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "only the stuck op remains queued")
}

func TestProcess_StaleListingCannotRedeliver(t *testing.T) {
	backend := newFakeBackend()
	q, _ := newTestQueue(t, backend)
	ctx := context.Background()

	// A slow pass lists the queue while op A is pending, then stalls before
	// claiming the key. Meanwhile other passes deliver A and a later op B.
	_, err := q.Enqueue(ctx, models.Mutation{
		Type: models.OpJobUpdate, Key: "1", Payload: map[string]any{"id": int64(1), "seq": int64(0)},
	})
	require.NoError(t, err)
	stats, err := q.Process(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Acknowledged)

	_, err = q.Enqueue(ctx, models.Mutation{
		Type: models.OpJobUpdate, Key: "1", Payload: map[string]any{"id": int64(1), "seq": int64(1)},
	})
	require.NoError(t, err)
	stats, err = q.Process(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Acknowledged)

	// The slow pass finally claims the key. Its listing is stale; draining
	// under the lock must go by what the store holds now, so the already
	// acknowledged op A is never sent again behind B.
	require.True(t, q.acquire(models.TableJobs+"/1"))
	local, err := q.drainKeyLocked(ctx, models.TableJobs, "1", time.Now().UnixMilli(), true)
	q.release(models.TableJobs + "/1")
	require.NoError(t, err)
	assert.Equal(t, Stats{}, local)

	writes := backend.recorded()
	require.Len(t, writes, 2)
	assert.Equal(t, float64(0), writes[0].Payload["seq"])
	assert.Equal(t, float64(1), writes[1].Payload["seq"])
}

func TestProcess_ConcurrentPassesKeepOrder(t *testing.T) {
	backend := newFakeBackend()
	q, _ := newTestQueue(t, backend)
	ctx := context.Background()

	const ops = 40
	base := time.Now().UnixMilli()
	for i := 0; i < ops; i++ {
		op := models.PendingOp{
			ID:        fmt.Sprintf("op-%02d", i),
			Type:      models.OpJobUpdate,
			Table:     models.TableJobs,
			Key:       "1",
			Payload:   fmt.Sprintf(`{"id":1,"seq":%d}`, i),
			NextAt:    base,
			CreatedAt: base + int64(i),
			UpdatedAt: base + int64(i),
		}
		require.NoError(t, q.store.CreatePendingOp(ctx, &op))
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if _, err := q.Process(ctx, true); err != nil {
					return
				}
				if count, err := q.store.CountPendingOps(ctx); err != nil || count == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	writes := backend.recorded()
	require.Len(t, writes, ops, "every op is delivered exactly once")
	for i, w := range writes {
		assert.Equal(t, float64(i), w.Payload["seq"], "same-key writes stay in creation order across concurrent passes")
	}
}

func TestProcess_EmptyQueue(t *testing.T) {
	q, _ := newTestQueue(t, newFakeBackend())

	stats, err := q.Process(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestProcess_RetryIndefinitely(t *testing.T) {
	backend := newFakeBackend()
	backend.failNext("1", 5)
	q, st := newTestQueue(t, backend)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, models.Mutation{
		Type: models.OpJobUpdate, Key: "1", Payload: map[string]any{"id": int64(1)},
	})
	require.NoError(t, err)

	// No terminal state: the op stays queued through repeated failures and
	// succeeds once the backend recovers.
	for i := 0; i < 5; i++ {
		stats, err := q.Process(ctx, true)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Retried)
	}

	ops, err := st.ListPendingOps(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 5, ops[0].Attempt)

	stats, err := q.Process(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Acknowledged)

	count, err := st.CountPendingOps(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
