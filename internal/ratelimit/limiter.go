// Package ratelimit decides, for a quota key and an instant, whether one more
// item may be processed, under which human pattern, and after what delay.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/enrichhq/enrich-api/internal/job"
	"github.com/enrichhq/enrich-api/internal/pattern"
)

// Counters is the slice of the rate counter store the limiter owns writes to.
type Counters interface {
	IncrementBuckets(ctx context.Context, quotaKey string, buckets []string, at time.Time) error
	Get(ctx context.Context, quotaKey, bucket string) (int64, error)
}

type Config struct {
	DailyLimit      int
	HourlyLimit     int
	DefaultMinDelay time.Duration
	DefaultMaxDelay time.Duration
}

// Decision is the limiter's verdict for one unit of work. When Allowed, the
// caller must wait Delay before acting; the reservation is already counted.
// When denied, Reason and ResumeAt say why and roughly until when.
type Decision struct {
	Allowed  bool
	Delay    time.Duration
	Pattern  string
	Reason   job.PauseReason
	ResumeAt *time.Time
}

// Usage is a read-only counter snapshot for the limits endpoint.
type Usage struct {
	DailyCount   int64           `json:"dailyCount"`
	DailyLimit   int             `json:"dailyLimit"`
	HourlyCount  int64           `json:"hourlyCount"`
	HourlyLimit  int             `json:"hourlyLimit"`
	PatternCount int64           `json:"patternCount"`
	PatternLimit int             `json:"patternLimit"`
	Pattern      string          `json:"pattern"`
	CanProcess   bool            `json:"canProcess"`
	Reason       job.PauseReason `json:"reason,omitempty"`
	ResumeAt     *time.Time      `json:"estimatedResumeTime,omitempty"`
}

type Limiter struct {
	counters Counters
	patterns *pattern.Table
	cfg      Config
}

func NewLimiter(counters Counters, patterns *pattern.Table, cfg Config) *Limiter {
	return &Limiter{counters: counters, patterns: patterns, cfg: cfg}
}

// Buckets are keyed in UTC so a reservation made by the worker and a
// snapshot read by a handler land in the same day and hour regardless of
// the server's local zone.
func DayBucket(t time.Time) string { return t.UTC().Format("2006-01-02") }

func HourBucket(t time.Time) string { return t.UTC().Format("2006-01-02T15") }

func PatternBucket(t time.Time, name string) string {
	return t.UTC().Format("2006-01-02") + ":" + name
}

// CheckAndReserve evaluates the denial chain (pause window, pattern quota,
// daily limit, hourly limit — first denial wins) and, when work may proceed,
// increments the day, hour and pattern counters as part of the same
// reservation. Increment-then-act: a crash after reservation over-counts by
// at most one, never under-counts.
func (l *Limiter) CheckAndReserve(ctx context.Context, quotaKey string, now time.Time) (Decision, error) {
	now = now.UTC()
	d, err := l.evaluate(ctx, quotaKey, now)
	if err != nil || !d.Allowed {
		return d, err
	}

	buckets := []string{
		DayBucket(now),
		HourBucket(now),
		PatternBucket(now, d.Pattern),
	}
	if err := l.counters.IncrementBuckets(ctx, quotaKey, buckets, now); err != nil {
		return Decision{}, fmt.Errorf("reserve quota: %w", err)
	}
	return d, nil
}

func (l *Limiter) evaluate(ctx context.Context, quotaKey string, now time.Time) (Decision, error) {
	p := l.patterns.Current(now)

	if p.Pause {
		resume := l.patterns.NextActiveStart(now)
		return Decision{Pattern: p.Name, Reason: job.PausePausePeriod, ResumeAt: &resume}, nil
	}

	if p.MaxItems > 0 {
		count, err := l.counters.Get(ctx, quotaKey, PatternBucket(now, p.Name))
		if err != nil {
			return Decision{}, err
		}
		if count >= int64(p.MaxItems) {
			resume := l.patterns.NextPatternChange(now)
			return Decision{Pattern: p.Name, Reason: job.PausePatternLimit, ResumeAt: &resume}, nil
		}
	}

	if l.cfg.DailyLimit > 0 {
		count, err := l.counters.Get(ctx, quotaKey, DayBucket(now))
		if err != nil {
			return Decision{}, err
		}
		if count >= int64(l.cfg.DailyLimit) {
			resume := startOfNextDay(now)
			return Decision{Pattern: p.Name, Reason: job.PauseDailyLimit, ResumeAt: &resume}, nil
		}
	}

	if l.cfg.HourlyLimit > 0 {
		count, err := l.counters.Get(ctx, quotaKey, HourBucket(now))
		if err != nil {
			return Decision{}, err
		}
		if count >= int64(l.cfg.HourlyLimit) {
			resume := startOfNextHour(now)
			return Decision{Pattern: p.Name, Reason: job.PauseHourlyLimit, ResumeAt: &resume}, nil
		}
	}

	return Decision{Allowed: true, Pattern: p.Name, Delay: l.sampleDelay(p)}, nil
}

// sampleDelay draws a uniform delay from the pattern's range, or from the
// configured default range when the pattern defines none.
func (l *Limiter) sampleDelay(p pattern.Pattern) time.Duration {
	min, max := l.cfg.DefaultMinDelay, l.cfg.DefaultMaxDelay
	if p.HasDelayRange() {
		min, max = p.MinDelay(), p.MaxDelay()
	}
	if max <= min {
		return min
	}
	return min + rand.N(max-min)
}

// Usage returns the current counters without reserving anything.
func (l *Limiter) Usage(ctx context.Context, quotaKey string, now time.Time) (Usage, error) {
	now = now.UTC()
	p := l.patterns.Current(now)

	daily, err := l.counters.Get(ctx, quotaKey, DayBucket(now))
	if err != nil {
		return Usage{}, err
	}
	hourly, err := l.counters.Get(ctx, quotaKey, HourBucket(now))
	if err != nil {
		return Usage{}, err
	}
	patternCount, err := l.counters.Get(ctx, quotaKey, PatternBucket(now, p.Name))
	if err != nil {
		return Usage{}, err
	}

	d, err := l.evaluate(ctx, quotaKey, now)
	if err != nil {
		return Usage{}, err
	}

	u := Usage{
		DailyCount:   daily,
		DailyLimit:   l.cfg.DailyLimit,
		HourlyCount:  hourly,
		HourlyLimit:  l.cfg.HourlyLimit,
		PatternCount: patternCount,
		PatternLimit: p.MaxItems,
		Pattern:      p.Name,
		CanProcess:   d.Allowed,
	}
	if !d.Allowed {
		u.Reason = d.Reason
		u.ResumeAt = d.ResumeAt
	}
	return u, nil
}

// Patterns exposes the table for the patterns endpoint.
func (l *Limiter) Patterns() *pattern.Table { return l.patterns }

func startOfNextDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
}

func startOfNextHour(t time.Time) time.Time {
	return t.Truncate(time.Hour).Add(time.Hour)
}
