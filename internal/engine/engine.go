// Package engine is the caller-facing surface of the offline-first store and
// sync core. It holds the store handle explicitly; there is no ambient
// process-wide store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/bootstrap"
	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/events"
	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/metrics"
	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/models"
	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/outbox"
	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/store"
)

// Engine ties the local store, bootstrapper and outbox queue together behind
// the persistence API the application mutates through. UI-visible state
// always reflects the local store; remote acknowledgment never gates it.
type Engine struct {
	booter *bootstrap.Bootstrapper
	store  *store.Store // nil until Bootstrap, or when the medium is unavailable
	queue  *outbox.Queue
	bus    *events.Bus
	logger *zerolog.Logger
}

// ErrJobMissingDate rejects a persist call carrying a job whose date is
// empty after normalization. The date is the primary ordering axis; a
// dateless job would be unreachable through every scheduled view.
var ErrJobMissingDate = errors.New("job has no date")

// CleanupResult reports how many records a cleanup pass rewrote.
type CleanupResult struct {
	Jobs int `json:"jobs"`
}

// New wires an engine around an unopened store path. Call Bootstrap before
// issuing writes; the queue is attached afterwards via AttachQueue because it
// needs the opened store handle.
func New(booter *bootstrap.Bootstrapper, bus *events.Bus, logger *zerolog.Logger) *Engine {
	return &Engine{
		booter: booter,
		bus:    bus,
		logger: logger,
	}
}

// Store exposes the opened store handle (nil while unavailable) so callers
// can wire components that need it, like the outbox queue.
func (e *Engine) Store() *store.Store {
	return e.store
}

// AttachQueue connects the outbox queue once the store is open.
func (e *Engine) AttachQueue(q *outbox.Queue) {
	e.queue = q
}

// Bootstrap produces the single startup snapshot. One-shot: it must complete
// before concurrent mutations begin, and every failure path returns a usable
// snapshot.
func (e *Engine) Bootstrap(ctx context.Context, fallback models.Snapshot) bootstrap.Result {
	result, st := e.booter.Run(ctx, fallback)
	e.store = st

	metrics.IncBootstrap(string(result.Source))
	e.bus.PublishJSON(events.EventBootstrapCompleted, map[string]any{
		"source": string(result.Source),
		"jobs":   len(result.Snapshot.Jobs),
	})
	return result
}

// PersistJobs replaces the stored jobs with the given list. An empty list
// clears the table rather than leaving stale rows.
func (e *Engine) PersistJobs(ctx context.Context, jobs []models.Job) error {
	st, err := e.requireStore()
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	for i := range jobs {
		jobs[i].Normalize()
		if jobs[i].Date == "" {
			return fmt.Errorf("%w: job %d", ErrJobMissingDate, jobs[i].ID)
		}
		if jobs[i].UpdatedAt == 0 {
			jobs[i].UpdatedAt = now
		}
	}

	if len(jobs) == 0 {
		return st.ClearJobs(ctx)
	}
	return st.ReplaceJobs(ctx, jobs)
}

func (e *Engine) PersistPolicy(ctx context.Context, policy models.Policy) error {
	st, err := e.requireStore()
	if err != nil {
		return err
	}
	policy.UpdatedAt = time.Now().UnixMilli()
	return st.PutPolicy(ctx, models.PolicyKey, &policy)
}

func (e *Engine) PersistActiveDate(ctx context.Context, date string) error {
	st, err := e.requireStore()
	if err != nil {
		return err
	}
	return st.SetState(ctx, models.StateActiveDate, date)
}

// PersistUser stores the current user; nil means signed out, which is a
// valid state, not a deletion.
func (e *Engine) PersistUser(ctx context.Context, user *models.User) error {
	st, err := e.requireStore()
	if err != nil {
		return err
	}
	return st.SetState(ctx, models.StateCurrentUser, user)
}

// EnqueueSyncOp records a mutation for eventual remote delivery. Durable
// once it returns; delivery is asynchronous.
func (e *Engine) EnqueueSyncOp(ctx context.Context, m models.Mutation) (*models.PendingOp, error) {
	if e.queue == nil {
		return nil, fmt.Errorf("sync queue not attached")
	}
	return e.queue.Enqueue(ctx, m)
}

// ProcessPendingQueue drains eligible ops now; force ignores backoff.
func (e *Engine) ProcessPendingQueue(ctx context.Context, force bool) (outbox.Stats, error) {
	if e.queue == nil {
		return outbox.Stats{}, fmt.Errorf("sync queue not attached")
	}
	return e.queue.Process(ctx, force)
}

// CleanupData re-normalizes string fields across all stored jobs: crew and
// the other text columns are trimmed, derived flags recomputed. Nested
// materials sub-objects pass through byte-for-byte untouched.
func (e *Engine) CleanupData(ctx context.Context) (CleanupResult, error) {
	st, err := e.requireStore()
	if err != nil {
		return CleanupResult{}, err
	}

	jobs, err := st.JobsByDate(ctx)
	if err != nil {
		return CleanupResult{}, err
	}

	var dirty []models.Job
	now := time.Now().UnixMilli()
	for i := range jobs {
		if jobs[i].Normalize() {
			jobs[i].UpdatedAt = now
			dirty = append(dirty, jobs[i])
		}
	}

	if len(dirty) > 0 {
		if err := st.BulkUpsertJobs(ctx, dirty); err != nil {
			return CleanupResult{}, err
		}
	}

	e.bus.PublishJSON(events.EventDataCleaned, CleanupResult{Jobs: len(dirty)})
	e.logger.Info().Int("normalized", len(dirty)).Msg("cleanup pass finished")
	return CleanupResult{Jobs: len(dirty)}, nil
}

func (e *Engine) requireStore() (*store.Store, error) {
	if e.store == nil {
		return nil, store.ErrUnavailable
	}
	return e.store, nil
}
