package ratecounter

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// IncrementBuckets atomically adds one to every bucket of a quota key in a
// single transaction. Counters live in the store, never in process memory,
// so concurrent participants and restarts see one shared count.
func (r *Repository) IncrementBuckets(ctx context.Context, quotaKey string, buckets []string, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("increment counters: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, bucket := range buckets {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO rate_counters (quota_key, bucket, count, updated_at) VALUES (?, ?, 1, ?)
			 ON CONFLICT (quota_key, bucket) DO UPDATE SET count = count + 1, updated_at = excluded.updated_at`,
			quotaKey, bucket, at.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("increment counter %s: %w", bucket, err)
		}
	}

	return tx.Commit()
}

func (r *Repository) Get(ctx context.Context, quotaKey, bucket string) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT count FROM rate_counters WHERE quota_key = ? AND bucket = ?`,
		quotaKey, bucket,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get counter: %w", err)
	}
	return count, nil
}

// ResetByQuotaKey zeroes a quota key's counters. Only the cooldown manager's
// full reset path uses this.
func (r *Repository) ResetByQuotaKey(ctx context.Context, quotaKey string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM rate_counters WHERE quota_key = ?`, quotaKey)
	if err != nil {
		return fmt.Errorf("reset counters: %w", err)
	}
	return nil
}

// Prune drops counters not touched since cutoff. Time-bounded housekeeping,
// not required for correctness.
func (r *Repository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM rate_counters WHERE updated_at < ?`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("prune counters: %w", err)
	}
	return res.RowsAffected()
}
