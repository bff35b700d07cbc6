package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/enrichhq/enrich-api/internal/apperror"
)

// CooldownGate is the slice of the cooldown manager the lifecycle manager
// needs: the creation gate and the completion signal.
type CooldownGate interface {
	IsBlocked(ctx context.Context, quotaKey string, now time.Time) (blocked bool, daysLeft int, err error)
	OnCompleted(ctx context.Context, quotaKey string, completedAt time.Time) error
}

// Service owns every job state transition. Workers and handlers never write
// job state except through it.
type Service struct {
	repo     Repository
	cooldown CooldownGate
	notify   func(jobID string, st Status)
	now      func() time.Time
}

func NewService(repo Repository, cooldown CooldownGate) *Service {
	return &Service{
		repo:     repo,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// SetNotify sets a callback invoked on job status changes. The engine only
// calls it; push delivery is the caller's concern.
func (s *Service) SetNotify(fn func(jobID string, st Status)) { s.notify = fn }

func (s *Service) emit(jobID string, st Status) {
	if s.notify != nil {
		s.notify(jobID, st)
	}
}

// CreateOrAttach returns the active job for the caller's quota key, adding
// the caller as a participant, or creates a new pending job from items.
// Attached reports which of the two happened. Fails with a conflict when the
// quota key is inside an unoverridden cooldown window.
func (s *Service) CreateOrAttach(ctx context.Context, req CreateOrAttachRequest) (j *Job, attached bool, err error) {
	if appErr := req.Validate(); appErr != nil {
		return nil, false, appErr
	}
	now := s.now().UTC()
	quotaKey := QuotaKey(req.OrgIdentity, req.CallerID)

	existing, err := s.repo.FindActive(ctx, quotaKey)
	if err != nil {
		return nil, false, fmt.Errorf("find active job: %w", err)
	}
	if existing != nil {
		j, err = s.attach(ctx, existing, req.CallerID, now)
		return j, true, err
	}

	blocked, daysLeft, err := s.cooldown.IsBlocked(ctx, quotaKey, now)
	if err != nil {
		return nil, false, fmt.Errorf("check cooldown: %w", err)
	}
	if blocked {
		return nil, false, apperror.New(apperror.Conflict, "cooldown active for this account").
			WithDetail("canResume", false).
			WithDetail("cooldownDaysLeft", daysLeft)
	}

	j = &Job{
		ID:           uuid.NewString(),
		QuotaKey:     quotaKey,
		Participants: []string{req.CallerID},
		Status:       StatusPending,
		Items:        buildItems(req.Items),
		CreatedAt:    now,
	}
	if err := s.repo.Create(ctx, j); err != nil {
		// Two callers racing past FindActive for the same quota key: the
		// store's unique index picks the winner, the loser attaches.
		if errors.Is(err, ErrDuplicateActive) {
			winner, ferr := s.repo.FindActive(ctx, quotaKey)
			if ferr != nil {
				return nil, false, fmt.Errorf("find active job: %w", ferr)
			}
			if winner == nil {
				return nil, false, fmt.Errorf("create job: %w", err)
			}
			j, err = s.attach(ctx, winner, req.CallerID, now)
			return j, true, err
		}
		return nil, false, fmt.Errorf("create job: %w", err)
	}
	s.emit(j.ID, StatusPending)
	return j, false, nil
}

// attach joins the caller to an existing active job, idempotently.
func (s *Service) attach(ctx context.Context, existing *Job, callerID string, now time.Time) (*Job, error) {
	if !slices.Contains(existing.Participants, callerID) {
		if err := s.repo.AddParticipant(ctx, existing.ID, callerID, now); err != nil {
			return nil, fmt.Errorf("add participant: %w", err)
		}
		existing.Participants = append(existing.Participants, callerID)
	}
	return existing, nil
}

func buildItems(specs []ItemSpec) []Item {
	items := make([]Item, len(specs))
	for i, spec := range specs {
		id := spec.ID
		if id == "" {
			id = uuid.NewString()
		}
		items[i] = Item{ID: id, SourceRef: spec.SourceRef, Status: ItemPending}
	}
	return items
}

func (s *Service) Get(ctx context.Context, req GetJobRequest) (*Job, error) {
	if appErr := req.Validate(); appErr != nil {
		return nil, appErr
	}
	return s.repo.Get(ctx, req.ID)
}

// FindByParticipant resolves the caller's most recent job; nil when none.
func (s *Service) FindByParticipant(ctx context.Context, callerID string) (*Job, error) {
	return s.repo.FindLatestByParticipant(ctx, callerID)
}

// TransitionToProcessing moves a pending or paused job to processing.
// Idempotent when the job is already processing.
func (s *Service) TransitionToProcessing(ctx context.Context, jobID string) error {
	j, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return err
	}
	switch j.Status {
	case StatusProcessing:
		return nil
	case StatusPending, StatusPaused:
		if err := s.repo.SetStatus(ctx, jobID, StatusProcessing, s.now().UTC()); err != nil {
			return err
		}
		s.emit(jobID, StatusProcessing)
		return nil
	default:
		return apperror.New(apperror.Conflict, fmt.Sprintf("cannot start job in status %s", j.Status))
	}
}

// TransitionToPaused records why the run stopped and when it is expected to
// resume. A pause request against a terminal job is logged and dropped, not
// an error: the worker racing a cancel is normal.
func (s *Service) TransitionToPaused(ctx context.Context, jobID string, reason PauseReason, resumeAt *time.Time) error {
	j, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		slog.Warn("pause ignored, job already terminal", "job", jobID, "status", j.Status, "reason", reason)
		return nil
	}
	if err := s.repo.SetPaused(ctx, jobID, reason, resumeAt, s.now().UTC()); err != nil {
		return err
	}
	s.emit(jobID, StatusPaused)
	return nil
}

// ClaimNextItem pops the next pending item, marking it processing.
func (s *Service) ClaimNextItem(ctx context.Context, jobID string) (*Item, error) {
	return s.repo.ClaimNextItem(ctx, jobID)
}

// RequeueOrphanedItems returns items a dead run left in processing to
// pending. Called when a worker binds to a job, before any claim.
func (s *Service) RequeueOrphanedItems(ctx context.Context, jobID string) error {
	n, err := s.repo.RequeueOrphanedItems(ctx, jobID)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("re-queued orphaned items", "job", jobID, "count", n)
	}
	return nil
}

// RecordItemOutcome settles one claimed item; the item status, the three job
// counters, the error log and the open pattern span move together.
func (s *Service) RecordItemOutcome(ctx context.Context, jobID, itemID string, success bool, itemErr string) error {
	return s.repo.RecordItemOutcome(ctx, jobID, itemID, success, itemErr, s.now().UTC())
}

// RecordPattern notes which pattern the worker is processing under.
func (s *Service) RecordPattern(ctx context.Context, jobID, patternName string) error {
	return s.repo.RecordPattern(ctx, jobID, patternName, s.now().UTC())
}

// EvaluateCompletion transitions the job to completed once no item is left
// pending or processing, and engages the cooldown manager.
func (s *Service) EvaluateCompletion(ctx context.Context, jobID string) (bool, error) {
	j, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if j.Status.Terminal() {
		return j.Status == StatusCompleted, nil
	}
	if j.PendingCount() > 0 {
		return false, nil
	}
	now := s.now().UTC()
	if err := s.repo.SetStatus(ctx, jobID, StatusCompleted, now); err != nil {
		return false, err
	}
	if err := s.cooldown.OnCompleted(ctx, j.QuotaKey, now); err != nil {
		return false, fmt.Errorf("engage cooldown: %w", err)
	}
	s.emit(jobID, StatusCompleted)
	slog.Info("job completed", "job", jobID, "quotaKey", j.QuotaKey,
		"success", j.SuccessCount, "failure", j.FailureCount)
	return true, nil
}

// Cancel stops a processing or paused job. Progress (items, counters) is
// preserved, not reset.
func (s *Service) Cancel(ctx context.Context, jobID, reason string) error {
	j, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return err
	}
	switch j.Status {
	case StatusProcessing, StatusPaused, StatusPending:
		if err := s.repo.SetStatus(ctx, jobID, StatusCancelled, s.now().UTC()); err != nil {
			return err
		}
		slog.Info("job cancelled", "job", jobID, "reason", reason)
		s.emit(jobID, StatusCancelled)
		return nil
	case StatusCancelled:
		return nil
	default:
		return apperror.New(apperror.Conflict, fmt.Sprintf("cannot cancel job in status %s", j.Status))
	}
}

// MarkFailed moves any non-terminal job to failed with the captured error.
// Terminal: only an explicit restart re-enters the pipeline.
func (s *Service) MarkFailed(ctx context.Context, jobID, reason string) error {
	j, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		slog.Warn("markFailed ignored, job already terminal", "job", jobID, "status", j.Status)
		return nil
	}
	if err := s.repo.SetFailed(ctx, jobID, reason, s.now().UTC()); err != nil {
		return err
	}
	slog.Error("job failed", "job", jobID, "reason", reason)
	s.emit(jobID, StatusFailed)
	return nil
}

// Restart creates a fresh pending job seeded from the unfinished items of a
// terminal job. The old job is never mutated.
func (s *Service) Restart(ctx context.Context, oldJobID, callerID string) (*Job, error) {
	old, err := s.repo.Get(ctx, oldJobID)
	if err != nil {
		return nil, err
	}
	if !old.Status.Terminal() {
		return nil, apperror.New(apperror.Conflict, "job is still active; cancel it before restarting")
	}

	var specs []ItemSpec
	for _, it := range old.Items {
		if it.Status == ItemPending || it.Status == ItemProcessing {
			specs = append(specs, ItemSpec{ID: it.ID, SourceRef: it.SourceRef})
		}
	}
	if len(specs) == 0 {
		return nil, apperror.New(apperror.Conflict, "no unfinished items to restart")
	}
	if callerID == "" && len(old.Participants) > 0 {
		callerID = old.Participants[0]
	}

	now := s.now().UTC()
	j := &Job{
		ID:           uuid.NewString(),
		QuotaKey:     old.QuotaKey,
		Participants: []string{callerID},
		Status:       StatusPending,
		Items:        buildItems(specs),
		CreatedAt:    now,
	}
	if err := s.repo.Create(ctx, j); err != nil {
		if errors.Is(err, ErrDuplicateActive) {
			return nil, apperror.New(apperror.Conflict, "another job is already active for this account")
		}
		return nil, fmt.Errorf("create restarted job: %w", err)
	}
	slog.Info("job restarted", "old", oldJobID, "new", j.ID, "items", len(specs))
	s.emit(j.ID, StatusPending)
	return j, nil
}

// ListProcessing returns jobs the recovery supervisor may need to resume.
func (s *Service) ListProcessing(ctx context.Context) ([]Job, error) {
	return s.repo.ListProcessing(ctx)
}

// ListStaleProcessing returns processing jobs with no progress since olderThan.
func (s *Service) ListStaleProcessing(ctx context.Context, olderThan time.Time) ([]Job, error) {
	return s.repo.ListStaleProcessing(ctx, olderThan)
}

// ListResumablePaused returns quota-paused jobs whose resume time has passed.
func (s *Service) ListResumablePaused(ctx context.Context, now time.Time) ([]Job, error) {
	return s.repo.ListResumablePaused(ctx, now)
}
