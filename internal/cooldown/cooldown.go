// Package cooldown enforces the mandatory rest window after a job for a
// quota key fully completes.
package cooldown

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrNoRecord is returned when an override targets a quota key that has no
// cooldown record.
var ErrNoRecord = errors.New("no cooldown record")

type Record struct {
	QuotaKey       string    `json:"quotaKey"`
	CompletedAt    time.Time `json:"completedAt"`
	CooldownEndAt  time.Time `json:"cooldownEndDate"`
	Overridden     bool      `json:"overridden"`
	OverrideReason string    `json:"overrideReason,omitempty"`
}

type Repository interface {
	Upsert(ctx context.Context, rec *Record) error
	Get(ctx context.Context, quotaKey string) (*Record, error)
	SetOverride(ctx context.Context, quotaKey, reason string) error
	Delete(ctx context.Context, quotaKey string) error
}

// Resetter zeroes one subsystem's state for a quota key. The full-reset path
// fans out to the job and counter stores through this.
type Resetter interface {
	ResetByQuotaKey(ctx context.Context, quotaKey string) error
}

type Status struct {
	HasCooldown   bool       `json:"hasCooldown"`
	DaysRemaining int        `json:"daysRemaining"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	Overridden    bool       `json:"overridden"`
}

// Manager exclusively owns cooldown record mutation.
type Manager struct {
	repo      Repository
	period    time.Duration
	resetters []Resetter
}

func NewManager(repo Repository, period time.Duration, resetters ...Resetter) *Manager {
	return &Manager{repo: repo, period: period, resetters: resetters}
}

// OnCompleted opens a fresh cooldown window for the quota key.
func (m *Manager) OnCompleted(ctx context.Context, quotaKey string, completedAt time.Time) error {
	rec := &Record{
		QuotaKey:      quotaKey,
		CompletedAt:   completedAt,
		CooldownEndAt: completedAt.Add(m.period),
	}
	if err := m.repo.Upsert(ctx, rec); err != nil {
		return err
	}
	slog.Info("cooldown started", "quotaKey", quotaKey, "until", rec.CooldownEndAt)
	return nil
}

// IsBlocked reports whether new job creation for the quota key is blocked,
// and how many whole-or-partial days of the window remain.
func (m *Manager) IsBlocked(ctx context.Context, quotaKey string, now time.Time) (bool, int, error) {
	rec, err := m.repo.Get(ctx, quotaKey)
	if err != nil {
		return false, 0, err
	}
	if rec == nil || rec.Overridden || !now.Before(rec.CooldownEndAt) {
		return false, 0, nil
	}
	return true, daysRemaining(now, rec.CooldownEndAt), nil
}

func (m *Manager) Status(ctx context.Context, quotaKey string, now time.Time) (*Status, error) {
	rec, err := m.repo.Get(ctx, quotaKey)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &Status{}, nil
	}
	st := &Status{
		HasCooldown: !rec.Overridden && now.Before(rec.CooldownEndAt),
		CompletedAt: &rec.CompletedAt,
		Overridden:  rec.Overridden,
	}
	if st.HasCooldown {
		st.DaysRemaining = daysRemaining(now, rec.CooldownEndAt)
	}
	return st, nil
}

// Override unblocks new job creation without touching historical counters.
func (m *Manager) Override(ctx context.Context, quotaKey, reason string) error {
	if err := m.repo.SetOverride(ctx, quotaKey, reason); err != nil {
		return err
	}
	slog.Info("cooldown overridden", "quotaKey", quotaKey, "reason", reason)
	return nil
}

// ResetAll deletes the cooldown record and zeroes the quota key's jobs and
// counters for a genuinely fresh start. Deliberately a separate operation
// from Override.
func (m *Manager) ResetAll(ctx context.Context, quotaKey string) error {
	if err := m.repo.Delete(ctx, quotaKey); err != nil {
		return err
	}
	for _, r := range m.resetters {
		if err := r.ResetByQuotaKey(ctx, quotaKey); err != nil {
			return err
		}
	}
	slog.Warn("full reset executed", "quotaKey", quotaKey)
	return nil
}

func daysRemaining(now, end time.Time) int {
	d := end.Sub(now)
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) > 0 {
		days++
	}
	return days
}
