package job

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateActive reports that another job already holds the quota key in
// a non-terminal status. Create returns it when a concurrent create won the
// race; the caller resolves the winning job and attaches instead.
var ErrDuplicateActive = errors.New("active job already exists for quota key")

type Repository interface {
	// Create inserts the job with its participants and items. Returns
	// ErrDuplicateActive when an active job already holds the quota key.
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)

	// FindActive returns the pending/processing/paused job for the quota key,
	// or nil when there is none.
	FindActive(ctx context.Context, quotaKey string) (*Job, error)

	// FindLatestByParticipant returns the caller's most recent job, any
	// status, or nil when the caller has none.
	FindLatestByParticipant(ctx context.Context, callerID string) (*Job, error)

	AddParticipant(ctx context.Context, jobID, callerID string, at time.Time) error

	// SetStatus moves the job to a non-paused status and stamps the matching
	// timestamp (completedAt/failedAt/cancelledAt). Pause fields are cleared.
	SetStatus(ctx context.Context, jobID string, st Status, at time.Time) error

	SetPaused(ctx context.Context, jobID string, reason PauseReason, resumeAt *time.Time, at time.Time) error
	SetFailed(ctx context.Context, jobID, reason string, at time.Time) error

	// ClaimNextItem marks the first pending item processing and returns it;
	// nil when no pending item remains.
	ClaimNextItem(ctx context.Context, jobID string) (*Item, error)

	// RequeueOrphanedItems returns items stuck in processing (a crashed or
	// cancelled run) to pending so a fresh worker can claim them again.
	RequeueOrphanedItems(ctx context.Context, jobID string) (int64, error)

	// RecordItemOutcome settles one claimed item and updates the job counters,
	// error log and open pattern span in the same transaction.
	RecordItemOutcome(ctx context.Context, jobID, itemID string, success bool, itemErr string, at time.Time) error

	// RecordPattern closes the open pattern span if the name changed and opens
	// a new one. No-op when the open span already has this name.
	RecordPattern(ctx context.Context, jobID, patternName string, at time.Time) error

	ListProcessing(ctx context.Context) ([]Job, error)
	ListStaleProcessing(ctx context.Context, olderThan time.Time) ([]Job, error)

	// ListResumablePaused returns jobs paused on a quota or pattern window
	// whose estimated resume time has passed. Pauses that need caller action
	// (session_invalid, token_refresh_failed) are never returned.
	ListResumablePaused(ctx context.Context, now time.Time) ([]Job, error)

	// ResetByQuotaKey deletes all jobs (and their items) for the quota key.
	// Only the cooldown manager's full reset path uses this.
	ResetByQuotaKey(ctx context.Context, quotaKey string) error
}
