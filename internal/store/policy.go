package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/models"
)

// PutPolicy upserts the policy value under its key (the singleton "org" in
// normal operation).
func (s *Store) PutPolicy(ctx context.Context, key string, policy *models.Policy) error {
	if policy.UpdatedAt == 0 {
		policy.UpdatedAt = time.Now().UnixMilli()
	}

	raw, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("encode policy %q: %w", key, err)
	}

	query := `INSERT INTO policy (key, value, updated_at) VALUES (?, ?, ?)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, key, string(raw), policy.UpdatedAt); err != nil {
		return fmt.Errorf("put policy %q: %w", key, err)
	}
	return nil
}

// GetPolicy returns the stored policy or nil when absent.
func (s *Store) GetPolicy(ctx context.Context, key string) (*models.Policy, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM policy WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get policy %q: %w", key, err)
	}

	var policy models.Policy
	if err := json.Unmarshal([]byte(raw), &policy); err != nil {
		return nil, fmt.Errorf("decode policy %q: %w", key, err)
	}
	return &policy, nil
}

func (s *Store) DeletePolicy(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM policy WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete policy %q: %w", key, err)
	}
	return nil
}
