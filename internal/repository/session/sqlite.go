package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	domain "github.com/enrichhq/enrich-api/internal/session"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Upsert(ctx context.Context, s *domain.Session) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (caller_id, crm_endpoint, credential, expires_at, last_activity_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (caller_id) DO UPDATE SET
			crm_endpoint = excluded.crm_endpoint,
			credential = excluded.credential,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		s.CallerID, s.CRMEndpoint, s.Credential,
		s.ExpiresAt.UTC().Format(time.RFC3339), now, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, callerID string) (*domain.Session, error) {
	const query = `SELECT caller_id, crm_endpoint, credential, expires_at, last_activity_at
		FROM sessions WHERE caller_id = ?`

	s := &domain.Session{}
	var expiresStr string
	var lastStr sql.NullString

	err := r.db.QueryRowContext(ctx, query, callerID).Scan(
		&s.CallerID, &s.CRMEndpoint, &s.Credential, &expiresStr, &lastStr,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	s.ExpiresAt, _ = time.Parse(time.RFC3339, expiresStr)
	if lastStr.Valid {
		if t, err := time.Parse(time.RFC3339, lastStr.String); err == nil {
			s.LastActivityAt = t
		}
	}
	return s, nil
}

func (r *Repository) Touch(ctx context.Context, callerID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = ? WHERE caller_id = ?`,
		at.UTC().Format(time.RFC3339), callerID,
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, callerID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE caller_id = ?`, callerID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
