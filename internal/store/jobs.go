package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/models"
)

const jobColumns = `id, date, crew, client, scope, notes, address, neighborhood, zip,
          house_tier, rehang_price, lifetime_spend, vip, both_crews, materials, updated_at`

// UpsertJob writes one job by primary key.
func (s *Store) UpsertJob(ctx context.Context, job *models.Job) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertJobTx(ctx, tx, job)
	})
}

// BulkUpsertJobs writes the batch inside one transaction. Partial failure is
// not allowed; either every job lands or none do.
func (s *Store) BulkUpsertJobs(ctx context.Context, jobs []models.Job) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for i := range jobs {
			if err := upsertJobTx(ctx, tx, &jobs[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplaceJobs swaps the entire jobs table for the given list in one
// transaction, so no stale rows survive a shrinking list.
func (s *Store) ReplaceJobs(ctx context.Context, jobs []models.Job) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
			return fmt.Errorf("clear jobs: %w", err)
		}
		for i := range jobs {
			if err := upsertJobTx(ctx, tx, &jobs[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertJobTx(ctx context.Context, tx *sql.Tx, job *models.Job) error {
	materials, err := encodeMaterials(job.Materials)
	if err != nil {
		return fmt.Errorf("encode materials for job %d: %w", job.ID, err)
	}

	query := `INSERT INTO jobs (` + jobColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            date = excluded.date,
            crew = excluded.crew,
            client = excluded.client,
            scope = excluded.scope,
            notes = excluded.notes,
            address = excluded.address,
            neighborhood = excluded.neighborhood,
            zip = excluded.zip,
            house_tier = excluded.house_tier,
            rehang_price = excluded.rehang_price,
            lifetime_spend = excluded.lifetime_spend,
            vip = excluded.vip,
            both_crews = excluded.both_crews,
            materials = excluded.materials,
            updated_at = excluded.updated_at`

	_, err = tx.ExecContext(ctx, query,
		job.ID,
		job.Date,
		job.Crew,
		job.Client,
		job.Scope,
		job.Notes,
		job.Address,
		job.Neighborhood,
		job.Zip,
		nullableInt(job.HouseTier),
		nullableFloat(job.RehangPrice),
		nullableFloat(job.LifetimeSpend),
		job.VIP,
		job.BothCrews,
		materials,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert job %d: %w", job.ID, err)
	}
	return nil
}

// GetJob returns the job or nil when absent; absence is not an error.
func (s *Store) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete job %d: %w", id, err)
	}
	return nil
}

func (s *Store) ClearJobs(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
		return fmt.Errorf("clear jobs: %w", err)
	}
	return nil
}

func (s *Store) CountJobs(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return count, nil
}

// JobsByDate returns every job ordered by date, then id for a stable order
// within a day.
func (s *Store) JobsByDate(ctx context.Context) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY date, id`)
	if err != nil {
		return nil, fmt.Errorf("scan jobs by date: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan jobs by date: %w", err)
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job           models.Job
		houseTier     sql.NullInt64
		rehangPrice   sql.NullFloat64
		lifetimeSpend sql.NullFloat64
		materials     sql.NullString
	)

	err := row.Scan(
		&job.ID,
		&job.Date,
		&job.Crew,
		&job.Client,
		&job.Scope,
		&job.Notes,
		&job.Address,
		&job.Neighborhood,
		&job.Zip,
		&houseTier,
		&rehangPrice,
		&lifetimeSpend,
		&job.VIP,
		&job.BothCrews,
		&materials,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if houseTier.Valid {
		v := houseTier.Int64
		job.HouseTier = &v
	}
	if rehangPrice.Valid {
		v := rehangPrice.Float64
		job.RehangPrice = &v
	}
	if lifetimeSpend.Valid {
		v := lifetimeSpend.Float64
		job.LifetimeSpend = &v
	}
	if materials.Valid && materials.String != "" {
		if err := json.Unmarshal([]byte(materials.String), &job.Materials); err != nil {
			return nil, fmt.Errorf("decode materials for job %d: %w", job.ID, err)
		}
	}
	return &job, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func encodeMaterials(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func nullableInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullableFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
