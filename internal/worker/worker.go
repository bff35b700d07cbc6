// Package worker advances a job one item at a time, at human pace. Strictly
// sequential within a job; concurrency only exists across jobs.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/enrichhq/enrich-api/internal/enrich"
	"github.com/enrichhq/enrich-api/internal/job"
	"github.com/enrichhq/enrich-api/internal/ratelimit"
	"github.com/enrichhq/enrich-api/internal/session"
)

type Worker struct {
	jobs      *job.Service
	limiter   *ratelimit.Limiter
	sessions  *session.Service
	processor enrich.Processor

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(jobs *job.Service, limiter *ratelimit.Limiter, sessions *session.Service, processor enrich.Processor) *Worker {
	return &Worker{
		jobs:      jobs,
		limiter:   limiter,
		sessions:  sessions,
		processor: processor,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run drives one job until it pauses, completes, fails or is cancelled.
// Step order per item: session check, limiter reservation, pacing delay,
// claim, process, record. At most one item is ever in flight.
func (w *Worker) Run(ctx context.Context, jobID string) {
	if err := w.jobs.TransitionToProcessing(ctx, jobID); err != nil {
		slog.Warn("worker: cannot start job", "job", jobID, "error", err)
		return
	}
	if err := w.jobs.RequeueOrphanedItems(ctx, jobID); err != nil {
		slog.Error("worker: requeue orphaned items", "job", jobID, "error", err)
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		j, err := w.jobs.Get(ctx, job.GetJobRequest{ID: jobID})
		if err != nil {
			slog.Error("worker: load job", "job", jobID, "error", err)
			return
		}
		// Cancelled (or otherwise moved) from outside: stop before the next
		// claim, leaving persisted state as last written.
		if j.Status != job.StatusProcessing {
			return
		}

		if j.PendingCount() == 0 {
			if _, err := w.jobs.EvaluateCompletion(ctx, jobID); err != nil {
				slog.Error("worker: evaluate completion", "job", jobID, "error", err)
			}
			return
		}

		now := w.now().UTC()

		// Store and limiter errors are retryable: leave the job processing
		// and stop. The supervisor sees it as stale and respawns it, giving
		// up only after the respawn limit.
		ok, err := w.sessions.ValidateAny(ctx, j.Participants, now)
		if err != nil {
			slog.Error("worker: validate session", "job", jobID, "error", err)
			return
		}
		if !ok {
			_ = w.jobs.TransitionToPaused(ctx, jobID, job.PauseSessionInvalid, nil)
			return
		}

		decision, err := w.limiter.CheckAndReserve(ctx, j.QuotaKey, now)
		if err != nil {
			slog.Error("worker: rate limiter", "job", jobID, "error", err)
			return
		}
		if !decision.Allowed {
			_ = w.jobs.TransitionToPaused(ctx, jobID, decision.Reason, decision.ResumeAt)
			return
		}

		_ = w.jobs.RecordPattern(ctx, jobID, decision.Pattern)

		if err := w.sleep(ctx, decision.Delay); err != nil {
			return
		}

		item, err := w.jobs.ClaimNextItem(ctx, jobID)
		if err != nil {
			slog.Error("worker: claim item", "job", jobID, "error", err)
			return
		}
		if item == nil {
			if _, err := w.jobs.EvaluateCompletion(ctx, jobID); err != nil {
				slog.Error("worker: evaluate completion", "job", jobID, "error", err)
			}
			return
		}

		procErr := w.processor.Process(ctx, item.SourceRef)
		if procErr == nil {
			if err := w.jobs.RecordItemOutcome(ctx, jobID, item.ID, true, ""); err != nil {
				slog.Error("worker: record outcome", "job", jobID, "item", item.ID, "error", err)
				return
			}
			continue
		}

		if err := w.jobs.RecordItemOutcome(ctx, jobID, item.ID, false, procErr.Error()); err != nil {
			slog.Error("worker: record outcome", "job", jobID, "item", item.ID, "error", err)
			return
		}
		if reason, fatal := classify(procErr); fatal {
			slog.Warn("worker: fatal collaborator error, pausing run",
				"job", jobID, "item", item.ID, "reason", reason, "error", procErr)
			_ = w.jobs.TransitionToPaused(ctx, jobID, reason, nil)
			return
		}
		slog.Warn("worker: item failed", "job", jobID, "item", item.ID, "error", procErr)
	}
}

// classify maps collaborator error categories to pause reasons. Credential
// refresh failures and explicit remote quota signals end the run; everything
// else is a per-item failure.
func classify(err error) (job.PauseReason, bool) {
	switch {
	case errors.Is(err, enrich.ErrCredential):
		return job.PauseTokenRefresh, true
	case errors.Is(err, enrich.ErrQuotaExceeded):
		return job.PauseDailyLimit, true
	default:
		return "", false
	}
}
