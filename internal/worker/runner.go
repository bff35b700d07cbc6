package worker

import (
	"context"
	"log/slog"
	"sync"
)

// Runner tracks the one live worker goroutine per job. Start is the only
// spawn path, so two workers can never pop items from the same job.
type Runner struct {
	worker *Worker

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner(w *Worker) *Runner {
	return &Runner{worker: w, active: make(map[string]context.CancelFunc)}
}

// Start spawns a worker for the job unless one is already bound to it.
// Reports whether a new worker was started.
func (r *Runner) Start(ctx context.Context, jobID string) bool {
	r.mu.Lock()
	if _, ok := r.active[jobID]; ok {
		r.mu.Unlock()
		return false
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.active[jobID] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	slog.Info("worker started", "job", jobID)
	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.active, jobID)
			r.mu.Unlock()
			cancel()
			r.wg.Done()
			slog.Info("worker stopped", "job", jobID)
		}()
		r.worker.Run(runCtx, jobID)
	}()
	return true
}

// IsActive reports whether a worker is currently bound to the job.
func (r *Runner) IsActive(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[jobID]
	return ok
}

// Cancel signals the job's worker, if any, to stop before its next item.
func (r *Runner) Cancel(jobID string) {
	r.mu.Lock()
	cancel, ok := r.active[jobID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// Wait blocks until every worker goroutine has drained. Used during
// graceful shutdown after the base context is cancelled.
func (r *Runner) Wait() { r.wg.Wait() }
