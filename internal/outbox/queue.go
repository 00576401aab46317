// Package outbox makes local mutations eventually durable in the remote
// backend. Every mutation is recorded as a PendingOp in the local store
// before any delivery is attempted, so intent survives restarts and
// connectivity loss; a processor drains the queue with retry and backoff
// while keeping writes to the same record in order.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/events"
	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/metrics"
	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/models"
	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/remote"
	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/sanitize"
	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/store"
)

// ErrValidationRejected means an enqueue call supplied a mutation outside the
// supported type/shape set. Rejected synchronously; nothing is queued.
var ErrValidationRejected = errors.New("mutation rejected")

const nudgeKey = "crewops:queue:nudge"

// Queue owns the pending-op table: it creates ops at enqueue time and deletes
// them once the remote write is acknowledged.
type Queue struct {
	store   *store.Store
	backend remote.Backend
	redis   *redis.Client
	retry   RetryPolicy
	limiter *rate.Limiter
	bus     *events.Bus
	logger  *zerolog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// Stats summarizes one processing pass.
type Stats struct {
	Acknowledged int // delivered and removed
	Retried      int // failed and rescheduled
	Deferred     int // left queued: backoff not elapsed or key busy elsewhere
}

// New builds a queue with sane defaults. redisClient is an optional wake-up
// channel; limiter is an optional egress throttle; both may be nil.
func New(st *store.Store, backend remote.Backend, redisClient *redis.Client, retry RetryPolicy, limiter *rate.Limiter, bus *events.Bus, logger *zerolog.Logger) *Queue {
	if retry.InitialDelay == 0 {
		retry.InitialDelay = 2 * time.Second
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = 5 * time.Minute
	}
	if retry.BackoffFactor == 0 {
		retry.BackoffFactor = 2
	}

	return &Queue{
		store:    st,
		backend:  backend,
		redis:    redisClient,
		retry:    retry,
		limiter:  limiter,
		bus:      bus,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Enqueue validates the mutation and records it durably. It returns once the
// op is on disk; delivery happens in a later processing pass, so enqueue
// never waits on the network.
func (q *Queue) Enqueue(ctx context.Context, m models.Mutation) (*models.PendingOp, error) {
	table, key, err := resolveTarget(m)
	if err != nil {
		return nil, err
	}

	payload := "{}"
	if m.Payload != nil {
		// Sanitize before the durable write: non-finite numbers and opaque
		// values cannot be JSON-encoded, and sanitization is idempotent so
		// the delivery-time pass stays a no-op for these rules.
		cleaned, report := sanitize.SafeSerialize(m.Payload, sanitize.Options{})
		if !report.Empty() {
			q.logger.Debug().Strs("removed", report.Removed).Strs("replaced", report.Replaced).Msg("payload sanitized at enqueue")
		}
		body, _ := cleaned.(map[string]any)
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: payload not serializable: %v", ErrValidationRejected, err)
		}
		payload = string(raw)
	}

	now := time.Now().UnixMilli()
	op := &models.PendingOp{
		ID:        uuid.NewString(),
		Type:      m.Type,
		Table:     table,
		Key:       key,
		Payload:   payload,
		Attempt:   0,
		NextAt:    now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if op.Key == "" {
		// Creates without a caller key still need a stable document id.
		op.Key = op.ID
	}

	if err := q.store.CreatePendingOp(ctx, op); err != nil {
		return nil, err
	}

	q.nudge(ctx, op.ID)
	q.publishDepth(ctx)

	q.logger.Debug().Str("op", op.ID).Str("type", op.Type).Str("table", op.Table).Str("key", op.Key).Msg("sync op enqueued")
	return op, nil
}

func resolveTarget(m models.Mutation) (table, key string, err error) {
	if !models.KnownOpType(m.Type) {
		return "", "", fmt.Errorf("%w: unknown type %q", ErrValidationRejected, m.Type)
	}

	table = m.Table
	switch m.Type {
	case models.OpJobAdd, models.OpJobUpdate, models.OpJobDelete:
		if table == "" {
			table = models.TableJobs
		}
		if table != models.TableJobs {
			return "", "", fmt.Errorf("%w: type %q targets table %q", ErrValidationRejected, m.Type, m.Table)
		}
	}
	if !models.KnownTable(table) {
		return "", "", fmt.Errorf("%w: unknown table %q", ErrValidationRejected, m.Table)
	}

	key = m.Key
	if key == "" {
		if id, ok := m.Payload["id"]; ok {
			key = stringifyKey(id)
		}
	}
	switch m.Type {
	case models.OpJobUpdate, models.OpJobDelete, models.OpDelete:
		if key == "" {
			return "", "", fmt.Errorf("%w: type %q requires a key", ErrValidationRejected, m.Type)
		}
	}
	return table, key, nil
}

func stringifyKey(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	case float64:
		return strconv.FormatInt(int64(val), 10)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// Process drains every eligible op: per key strictly in creation order,
// distinct keys concurrently. With force set, backoff schedules are ignored
// (deterministic flushing in tests and manual retry-now). Safe to invoke
// concurrently with itself: keys already being drained are deferred, and a
// second pass converges on the same end state.
func (q *Queue) Process(ctx context.Context, force bool) (Stats, error) {
	ops, err := q.store.ListPendingOps(ctx)
	if err != nil {
		return Stats{}, err
	}
	if len(ops) == 0 {
		metrics.SetQueueDepth(0)
		return Stats{}, nil
	}

	now := time.Now().UnixMilli()

	// Group by target record, preserving creation order inside each group.
	var order []string
	groups := make(map[string][]models.PendingOp)
	for _, op := range ops {
		k := op.Table + "/" + op.Key
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], op)
	}

	var (
		wg       sync.WaitGroup
		statsMu  sync.Mutex
		combined Stats
	)

	for _, k := range order {
		group := groups[k]
		if !q.acquire(k) {
			statsMu.Lock()
			combined.Deferred += len(group)
			statsMu.Unlock()
			continue
		}

		wg.Add(1)
		go func(k string, head models.PendingOp, size int) {
			defer wg.Done()
			defer q.release(k)

			local, err := q.drainKeyLocked(ctx, head.Table, head.Key, now, force)
			if err != nil {
				q.logger.Error().Err(err).Str("key", k).Msg("failed to re-read key ops")
				statsMu.Lock()
				combined.Deferred += size
				statsMu.Unlock()
				return
			}

			statsMu.Lock()
			combined.Acknowledged += local.Acknowledged
			combined.Retried += local.Retried
			combined.Deferred += local.Deferred
			statsMu.Unlock()
		}(k, group[0], len(group))
	}

	wg.Wait()
	q.publishDepth(ctx)
	return combined, nil
}

// drainKeyLocked re-reads one record's ops and drains them. The caller must
// hold the key via acquire: the Process-wide listing predates the key lock,
// so a concurrent pass may have delivered and removed some of those ops in
// between. Draining only what exists under the lock means an acknowledged op
// can never be delivered a second time behind a younger one.
func (q *Queue) drainKeyLocked(ctx context.Context, table, key string, now int64, force bool) (Stats, error) {
	group, err := q.store.PendingOpsForKey(ctx, table, key)
	if err != nil {
		return Stats{}, err
	}
	return q.drainKey(ctx, group, now, force), nil
}

// drainKey delivers one record's ops in order. The first failure or
// not-yet-due op stops the group so two updates to the same record can never
// reach the backend reordered.
func (q *Queue) drainKey(ctx context.Context, group []models.PendingOp, now int64, force bool) Stats {
	var stats Stats

	for i := range group {
		op := group[i]

		if ctx.Err() != nil {
			stats.Deferred += len(group) - i
			return stats
		}
		if !force && op.NextAt > now {
			stats.Deferred += len(group) - i
			return stats
		}

		if err := q.deliver(ctx, &op); err != nil {
			attempt := op.Attempt + 1
			nextAt := time.Now().Add(q.retry.NextDelay(attempt)).UnixMilli()
			if rerr := q.store.ReschedulePendingOp(ctx, op.ID, attempt, nextAt); rerr != nil {
				q.logger.Error().Err(rerr).Str("op", op.ID).Msg("failed to reschedule op")
			}

			q.logger.Warn().Err(err).Str("op", op.ID).Int("attempt", attempt).Int64("next_at", nextAt).Msg("remote write failed, op rescheduled")
			metrics.IncSyncOp("retried")
			q.bus.PublishJSON(events.EventSyncOpFailed, events.SyncOpPayload{
				OpID: op.ID, Type: op.Type, Table: op.Table, Key: op.Key, Attempt: attempt, Error: err.Error(),
			})

			stats.Retried++
			stats.Deferred += len(group) - i - 1
			return stats
		}

		if err := q.store.DeletePendingOp(ctx, op.ID); err != nil {
			q.logger.Error().Err(err).Str("op", op.ID).Msg("failed to remove acknowledged op")
			stats.Deferred += len(group) - i
			return stats
		}

		metrics.IncSyncOp("acknowledged")
		q.bus.PublishJSON(events.EventSyncOpCompleted, events.SyncOpPayload{
			OpID: op.ID, Type: op.Type, Table: op.Table, Key: op.Key, Attempt: op.Attempt,
		})
		stats.Acknowledged++
	}
	return stats
}

func (q *Queue) deliver(ctx context.Context, op *models.PendingOp) error {
	var payload map[string]any
	if err := json.Unmarshal([]byte(op.Payload), &payload); err != nil {
		return fmt.Errorf("decode payload of op %s: %w", op.ID, err)
	}

	body, report := buildOutboundPayload(op.Table, payload)
	if !report.Empty() {
		q.logger.Debug().
			Str("op", op.ID).
			Strs("removed", report.Removed).
			Strs("trimmed", report.Trimmed).
			Strs("replaced", report.Replaced).
			Msg("payload sanitized")
	}

	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	return q.backend.Put(ctx, op.Table, op.Key, body)
}

func (q *Queue) acquire(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.inflight[key]; busy {
		return false
	}
	q.inflight[key] = struct{}{}
	return true
}

func (q *Queue) release(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, key)
}

// nudge signals waiting daemons that new work exists. Best effort: the
// durable record is already on disk and polling will find it regardless.
func (q *Queue) nudge(ctx context.Context, opID string) {
	if q.redis == nil {
		return
	}
	if err := q.redis.LPush(ctx, nudgeKey, opID).Err(); err != nil {
		q.logger.Debug().Err(err).Msg("queue nudge failed, relying on polling")
	}
}

// Nudged reports whether a redis wake-up channel is configured.
func (q *Queue) Nudged() bool {
	return q.redis != nil
}

// WaitNudge blocks until an enqueue nudge arrives or the timeout elapses,
// reporting whether a nudge was actually received. Timeout, a missing redis
// client and transport errors all report false; a dead connection returns
// fast, so callers must fall back to their poll schedule on false rather
// than treating it as a wake-up.
func (q *Queue) WaitNudge(ctx context.Context, timeout time.Duration) bool {
	if q.redis == nil {
		return false
	}
	res, err := q.redis.BRPop(ctx, timeout, nudgeKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			q.logger.Debug().Err(err).Msg("nudge wait failed, relying on polling")
		}
		return false
	}
	if len(res) != 2 {
		return false
	}
	// Drain any burst so one pass covers it.
	q.redis.LTrim(ctx, nudgeKey, 1, 0)
	return true
}

func (q *Queue) publishDepth(ctx context.Context) {
	if count, err := q.store.CountPendingOps(ctx); err == nil {
		metrics.SetQueueDepth(count)
	}
}
