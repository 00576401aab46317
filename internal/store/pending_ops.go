package store

import (
	"context"
	"fmt"
	"time"

	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/models"
)

const pendingOpColumns = `id, queue_id, type, tbl, key, payload, attempt, next_at, created_at, updated_at`

// CreatePendingOp durably records a replay instruction. Zero timestamps are
// filled in before the write.
func (s *Store) CreatePendingOp(ctx context.Context, op *models.PendingOp) error {
	now := time.Now().UnixMilli()
	if op.CreatedAt == 0 {
		op.CreatedAt = now
	}
	if op.UpdatedAt == 0 {
		op.UpdatedAt = now
	}
	if op.NextAt == 0 {
		op.NextAt = now
	}

	query := `INSERT INTO pending_ops (` + pendingOpColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		op.ID,
		op.QueueID,
		op.Type,
		op.Table,
		op.Key,
		op.Payload,
		op.Attempt,
		op.NextAt,
		op.CreatedAt,
		op.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create pending op %s: %w", op.ID, err)
	}
	return nil
}

// ListPendingOps returns the whole queue ascending by creation time. The
// processor applies per-key eligibility itself: an op waiting out its backoff
// must still block younger ops for the same record, so filtering by next_at
// in SQL would break ordering.
func (s *Store) ListPendingOps(ctx context.Context) ([]models.PendingOp, error) {
	query := `SELECT ` + pendingOpColumns + ` FROM pending_ops ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list pending ops: %w", err)
	}
	defer rows.Close()

	var ops []models.PendingOp
	for rows.Next() {
		var op models.PendingOp
		err := rows.Scan(
			&op.ID, &op.QueueID, &op.Type, &op.Table, &op.Key, &op.Payload,
			&op.Attempt, &op.NextAt, &op.CreatedAt, &op.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan pending op: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending ops: %w", err)
	}
	return ops, nil
}

// ReschedulePendingOp records a failed delivery attempt. Only the retry
// bookkeeping fields ever change after creation.
func (s *Store) ReschedulePendingOp(ctx context.Context, id string, attempt int, nextAt int64) error {
	query := `UPDATE pending_ops SET attempt = ?, next_at = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, attempt, nextAt, time.Now().UnixMilli(), id); err != nil {
		return fmt.Errorf("reschedule pending op %s: %w", id, err)
	}
	return nil
}

// DeletePendingOp removes an acknowledged op.
func (s *Store) DeletePendingOp(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_ops WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete pending op %s: %w", id, err)
	}
	return nil
}

func (s *Store) CountPendingOps(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_ops`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count pending ops: %w", err)
	}
	return count, nil
}

// PendingOpsForKey lists the queue for one target record in creation order.
func (s *Store) PendingOpsForKey(ctx context.Context, table, key string) ([]models.PendingOp, error) {
	query := `SELECT ` + pendingOpColumns + ` FROM pending_ops WHERE tbl = ? AND key = ? ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, table, key)
	if err != nil {
		return nil, fmt.Errorf("list pending ops for %q/%q: %w", table, key, err)
	}
	defer rows.Close()

	var ops []models.PendingOp
	for rows.Next() {
		var op models.PendingOp
		err := rows.Scan(
			&op.ID, &op.QueueID, &op.Type, &op.Table, &op.Key, &op.Payload,
			&op.Attempt, &op.NextAt, &op.CreatedAt, &op.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan pending op: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending ops for %q/%q: %w", table, key, err)
	}
	return ops, nil
}

// PendingOpsForTable lists ops targeting one table, for diagnostics.
func (s *Store) PendingOpsForTable(ctx context.Context, table string) ([]models.PendingOp, error) {
	query := `SELECT ` + pendingOpColumns + ` FROM pending_ops WHERE tbl = ? ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("list pending ops for %q: %w", table, err)
	}
	defer rows.Close()

	var ops []models.PendingOp
	for rows.Next() {
		var op models.PendingOp
		err := rows.Scan(
			&op.ID, &op.QueueID, &op.Type, &op.Table, &op.Key, &op.Payload,
			&op.Attempt, &op.NextAt, &op.CreatedAt, &op.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan pending op: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending ops for %q: %w", table, err)
	}
	return ops, nil
}
