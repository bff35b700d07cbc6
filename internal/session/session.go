// Package session tracks per-caller credential bundles. A job's worker
// re-validates a participant session before each unit of work; a missing or
// expired session pauses the job until the caller re-authenticates.
package session

import (
	"context"
	"time"

	"github.com/enrichhq/enrich-api/internal/apperror"
)

type Session struct {
	CallerID       string    `json:"userId"`
	CRMEndpoint    string    `json:"crmEndpoint"`
	Credential     string    `json:"-"`
	ExpiresAt      time.Time `json:"expiresAt"`
	LastActivityAt time.Time `json:"lastActivityAt,omitzero"`
}

func (s *Session) ValidAt(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

type Repository interface {
	Upsert(ctx context.Context, s *Session) error
	Get(ctx context.Context, callerID string) (*Session, error)
	Touch(ctx context.Context, callerID string, at time.Time) error
	Delete(ctx context.Context, callerID string) error
}

type UpsertRequest struct {
	CallerID    string        `json:"userId"`
	CRMEndpoint string        `json:"crmEndpoint"`
	Credential  string        `json:"credential"`
	TTL         time.Duration `json:"-"`
}

func (r UpsertRequest) Validate() *apperror.AppError {
	if r.CallerID == "" {
		return apperror.New(apperror.BadRequest, "userId is required")
	}
	if r.CRMEndpoint == "" {
		return apperror.New(apperror.BadRequest, "crmEndpoint is required")
	}
	if r.Credential == "" {
		return apperror.New(apperror.BadRequest, "credential is required")
	}
	return nil
}

type Service struct {
	repo       Repository
	defaultTTL time.Duration
}

func NewService(repo Repository, defaultTTL time.Duration) *Service {
	return &Service{repo: repo, defaultTTL: defaultTTL}
}

func (s *Service) Upsert(ctx context.Context, req UpsertRequest) (*Session, error) {
	if appErr := req.Validate(); appErr != nil {
		return nil, appErr
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	sess := &Session{
		CallerID:    req.CallerID,
		CRMEndpoint: req.CRMEndpoint,
		Credential:  req.Credential,
		ExpiresAt:   time.Now().UTC().Add(ttl),
	}
	if err := s.repo.Upsert(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Validate reports whether the caller holds a live session, touching its
// last-activity time when it does.
func (s *Service) Validate(ctx context.Context, callerID string, now time.Time) (bool, error) {
	sess, err := s.repo.Get(ctx, callerID)
	if err != nil {
		return false, err
	}
	if sess == nil || !sess.ValidAt(now) {
		return false, nil
	}
	if err := s.repo.Touch(ctx, callerID, now); err != nil {
		return false, err
	}
	return true, nil
}

// ValidateAny reports whether at least one of the callers holds a live
// session. Collaborating participants share a job; any live participant
// keeps it running.
func (s *Service) ValidateAny(ctx context.Context, callerIDs []string, now time.Time) (bool, error) {
	for _, id := range callerIDs {
		ok, err := s.Validate(ctx, id, now)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) Delete(ctx context.Context, callerID string) error {
	return s.repo.Delete(ctx, callerID)
}
