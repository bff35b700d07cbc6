// Package supervisor detects jobs that should be running but have no worker
// bound to them: after a process restart, after a worker died mid-run, or
// after a quota pause window elapsed.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lthibault/jitterbug/v2"

	"github.com/enrichhq/enrich-api/internal/job"
	"github.com/enrichhq/enrich-api/internal/worker"
)

type Supervisor struct {
	jobs   *job.Service
	runner *worker.Runner

	interval     time.Duration
	staleAfter   time.Duration
	respawnLimit int

	mu       sync.Mutex
	respawns map[string]respawnState

	now func() time.Time
}

// respawnState tracks how many consecutive respawns a job has burned since
// it last made progress. A job that keeps advancing between stale episodes
// is slow, not stuck; only attempts with no progress in between count
// against the limit.
type respawnState struct {
	attempts     int
	lastProgress time.Time
}

func New(jobs *job.Service, runner *worker.Runner, interval, staleAfter time.Duration, respawnLimit int) *Supervisor {
	return &Supervisor{
		jobs:         jobs,
		runner:       runner,
		interval:     interval,
		staleAfter:   staleAfter,
		respawnLimit: respawnLimit,
		respawns:     make(map[string]respawnState),
		now:          time.Now,
	}
}

// RecoverOnStartup rebinds a worker to every job the store says is
// processing. Idempotent: workers resume from persisted items and counters
// and re-check quota before touching anything.
func (s *Supervisor) RecoverOnStartup(ctx context.Context) error {
	jobs, err := s.jobs.ListProcessing(ctx)
	if err != nil {
		return fmt.Errorf("recover on startup: %w", err)
	}
	for _, j := range jobs {
		if s.runner.Start(ctx, j.ID) {
			slog.Info("recovered interrupted job", "job", j.ID, "quotaKey", j.QuotaKey)
		}
	}
	return nil
}

// Run scans on a jittered interval until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := jitterbug.New(s.interval, &jitterbug.Norm{Stdev: s.interval / 20, Mean: 0})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Supervisor) scan(ctx context.Context) {
	now := s.now().UTC()

	stale, err := s.jobs.ListStaleProcessing(ctx, now.Add(-s.staleAfter))
	if err != nil {
		slog.Error("supervisor: list stale jobs", "error", err)
	} else {
		for _, j := range stale {
			s.respawn(ctx, j)
		}
	}

	resumable, err := s.jobs.ListResumablePaused(ctx, now)
	if err != nil {
		slog.Error("supervisor: list resumable jobs", "error", err)
		return
	}
	for _, j := range resumable {
		if s.runner.Start(ctx, j.ID) {
			slog.Info("resuming paused job", "job", j.ID, "pauseReason", j.PauseReason)
		}
	}
}

// respawn restarts a presumed-orphaned processing job, giving up after the
// configured number of attempts with no progress in between.
func (s *Supervisor) respawn(ctx context.Context, j job.Job) {
	if s.runner.IsActive(j.ID) {
		return
	}

	progress := j.CreatedAt
	if j.LastProcessedAt != nil {
		progress = *j.LastProcessedAt
	}

	s.mu.Lock()
	st := s.respawns[j.ID]
	if progress.After(st.lastProgress) {
		st.attempts = 0
	}
	st.attempts++
	st.lastProgress = progress
	s.respawns[j.ID] = st
	attempts := st.attempts
	s.mu.Unlock()

	if attempts > s.respawnLimit {
		slog.Error("supervisor: giving up on stale job", "job", j.ID, "attempts", attempts-1)
		if err := s.jobs.MarkFailed(ctx, j.ID,
			fmt.Sprintf("no progress after %d respawn attempts", attempts-1)); err != nil {
			slog.Error("supervisor: mark failed", "job", j.ID, "error", err)
		}
		return
	}

	slog.Warn("supervisor: respawning stale job", "job", j.ID, "attempt", attempts)
	s.runner.Start(ctx, j.ID)
}
