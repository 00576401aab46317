// Package bootstrap produces the single startup snapshot: it opens the local
// store, imports the previous client's flat snapshot exactly once, and
// degrades to a caller-supplied fallback when the durable medium is out of
// reach. Callers await it before issuing writes through the normal mutation
// path.
package bootstrap

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/legacy"
	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/models"
	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/store"
)

// Source says where the startup snapshot came from. The labels are kept
// byte-compatible with the previous web client because downstream consumers
// observe the values.
type Source string

const (
	SourceStore    Source = "dexie"
	SourceLegacy   Source = "legacy-localStorage"
	SourceFallback Source = "fallback"
)

// Result is the outcome of one bootstrap.
type Result struct {
	Snapshot       models.Snapshot
	Source         Source
	StoreAvailable bool
}

type Bootstrapper struct {
	storePath string
	legacy    legacy.Reader
	logger    *zerolog.Logger
}

func New(storePath string, legacyReader legacy.Reader, logger *zerolog.Logger) *Bootstrapper {
	return &Bootstrapper{
		storePath: storePath,
		legacy:    legacyReader,
		logger:    logger,
	}
}

// Run hydrates exactly one snapshot and returns the opened store handle for
// the rest of the engine's lifetime (nil when the store is unavailable).
// Every failure path yields a usable snapshot; nothing here is fatal.
func (b *Bootstrapper) Run(ctx context.Context, fallback models.Snapshot) (Result, *store.Store) {
	st, err := store.Open(b.storePath, b.logger)
	if err != nil {
		if errors.Is(err, store.ErrMigrationFailed) {
			// Data may be stuck at an old version on disk; worth investigating.
			b.logger.Error().Err(err).Msg("store schema upgrade failed, operating in-memory")
		} else {
			b.logger.Warn().Err(err).Msg("store unavailable, operating in-memory")
		}
		return Result{Snapshot: fallback, Source: SourceFallback, StoreAvailable: false}, nil
	}

	count, err := st.CountJobs(ctx)
	if err != nil {
		b.logger.Error().Err(err).Msg("bootstrap read failed, serving fallback snapshot")
		return Result{Snapshot: fallback, Source: SourceFallback, StoreAvailable: true}, st
	}

	if count == 0 {
		snapshot, err := b.importLegacy(ctx, st, fallback)
		if err != nil {
			b.logger.Error().Err(err).Msg("legacy import failed, serving fallback snapshot")
			return Result{Snapshot: fallback, Source: SourceFallback, StoreAvailable: true}, st
		}
		b.logger.Info().Int("jobs", len(snapshot.Jobs)).Msg("legacy snapshot imported")
		return Result{Snapshot: snapshot, Source: SourceLegacy, StoreAvailable: true}, st
	}

	snapshot, err := b.readSnapshot(ctx, st, fallback)
	if err != nil {
		b.logger.Error().Err(err).Msg("bootstrap read failed, serving fallback snapshot")
		return Result{Snapshot: fallback, Source: SourceFallback, StoreAvailable: true}, st
	}
	return Result{Snapshot: snapshot, Source: SourceStore, StoreAvailable: true}, st
}

// importLegacy runs only while the jobs table is empty, so it triggers at
// most once per store instance even though the legacy slots are never
// deleted: the first persisted job makes the count non-zero for good.
func (b *Bootstrapper) importLegacy(ctx context.Context, st *store.Store, fallback models.Snapshot) (models.Snapshot, error) {
	snapshot := models.Snapshot{
		Policy:     fallback.Policy,
		ActiveDate: fallback.ActiveDate,
		User:       fallback.User,
	}

	var jobs []models.Job
	if legacy.Decode(b.legacy, legacy.SlotJobs, &jobs) {
		now := time.Now().UnixMilli()
		kept := jobs[:0]
		for i := range jobs {
			jobs[i].Normalize()
			if jobs[i].Date == "" {
				// A dateless job cannot be scheduled; skip it rather than
				// failing the whole import.
				b.logger.Warn().Int64("job", jobs[i].ID).Msg("legacy job has no date, skipped")
				continue
			}
			if jobs[i].UpdatedAt == 0 {
				jobs[i].UpdatedAt = now
			}
			kept = append(kept, jobs[i])
		}
		snapshot.Jobs = kept
	} else {
		snapshot.Jobs = fallback.Jobs
	}

	var policy models.Policy
	if legacy.Decode(b.legacy, legacy.SlotPolicy, &policy) {
		snapshot.Policy = policy
	}

	var activeDate string
	if legacy.Decode(b.legacy, legacy.SlotActiveDate, &activeDate) {
		snapshot.ActiveDate = activeDate
	}

	var user *models.User
	if legacy.Decode(b.legacy, legacy.SlotUser, &user) {
		snapshot.User = user
	}

	if len(snapshot.Jobs) > 0 {
		if err := st.BulkUpsertJobs(ctx, snapshot.Jobs); err != nil {
			return models.Snapshot{}, err
		}
	}
	if err := st.PutPolicy(ctx, models.PolicyKey, &snapshot.Policy); err != nil {
		return models.Snapshot{}, err
	}
	if err := st.SetState(ctx, models.StateActiveDate, snapshot.ActiveDate); err != nil {
		return models.Snapshot{}, err
	}
	if err := st.SetState(ctx, models.StateCurrentUser, snapshot.User); err != nil {
		return models.Snapshot{}, err
	}

	return snapshot, nil
}

func (b *Bootstrapper) readSnapshot(ctx context.Context, st *store.Store, fallback models.Snapshot) (models.Snapshot, error) {
	snapshot := models.Snapshot{
		Policy:     fallback.Policy,
		ActiveDate: fallback.ActiveDate,
		User:       fallback.User,
	}

	jobs, err := st.JobsByDate(ctx)
	if err != nil {
		return models.Snapshot{}, err
	}
	snapshot.Jobs = jobs

	policy, err := st.GetPolicy(ctx, models.PolicyKey)
	if err != nil {
		return models.Snapshot{}, err
	}
	if policy != nil {
		snapshot.Policy = *policy
	}

	var activeDate string
	ok, err := st.GetState(ctx, models.StateActiveDate, &activeDate)
	if err != nil {
		return models.Snapshot{}, err
	}
	if ok && activeDate != "" {
		snapshot.ActiveDate = activeDate
	}

	var user *models.User
	ok, err = st.GetState(ctx, models.StateCurrentUser, &user)
	if err != nil {
		return models.Snapshot{}, err
	}
	if ok && user != nil {
		snapshot.User = user
	}

	return snapshot, nil
}
