package cooldown

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	domain "github.com/enrichhq/enrich-api/internal/cooldown"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Upsert(ctx context.Context, rec *domain.Record) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO cooldowns (quota_key, completed_at, cooldown_end_at, overridden, override_reason)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (quota_key) DO UPDATE SET
			completed_at = excluded.completed_at,
			cooldown_end_at = excluded.cooldown_end_at,
			overridden = excluded.overridden,
			override_reason = excluded.override_reason`,
		rec.QuotaKey,
		rec.CompletedAt.UTC().Format(time.RFC3339),
		rec.CooldownEndAt.UTC().Format(time.RFC3339),
		boolToInt(rec.Overridden),
		rec.OverrideReason,
	)
	if err != nil {
		return fmt.Errorf("upsert cooldown: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, quotaKey string) (*domain.Record, error) {
	const query = `SELECT quota_key, completed_at, cooldown_end_at, overridden, override_reason
		FROM cooldowns WHERE quota_key = ?`

	rec := &domain.Record{}
	var completedStr, endStr string
	var overridden int
	var reason sql.NullString

	err := r.db.QueryRowContext(ctx, query, quotaKey).Scan(
		&rec.QuotaKey, &completedStr, &endStr, &overridden, &reason,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cooldown: %w", err)
	}

	rec.CompletedAt, _ = time.Parse(time.RFC3339, completedStr)
	rec.CooldownEndAt, _ = time.Parse(time.RFC3339, endStr)
	rec.Overridden = overridden != 0
	if reason.Valid {
		rec.OverrideReason = reason.String
	}
	return rec, nil
}

func (r *Repository) SetOverride(ctx context.Context, quotaKey, reason string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE cooldowns SET overridden = 1, override_reason = ? WHERE quota_key = ?`,
		reason, quotaKey,
	)
	if err != nil {
		return fmt.Errorf("override cooldown: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNoRecord
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, quotaKey string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM cooldowns WHERE quota_key = ?`, quotaKey)
	if err != nil {
		return fmt.Errorf("delete cooldown: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
