package supervisor

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/enrichhq/enrich-api/internal/cooldown"
	"github.com/enrichhq/enrich-api/internal/enrich"
	"github.com/enrichhq/enrich-api/internal/job"
	"github.com/enrichhq/enrich-api/internal/pattern"
	"github.com/enrichhq/enrich-api/internal/platform/sqlite"
	"github.com/enrichhq/enrich-api/internal/ratelimit"
	repocooldown "github.com/enrichhq/enrich-api/internal/repository/cooldown"
	repojob "github.com/enrichhq/enrich-api/internal/repository/job"
	repocounter "github.com/enrichhq/enrich-api/internal/repository/ratecounter"
	reposession "github.com/enrichhq/enrich-api/internal/repository/session"
	"github.com/enrichhq/enrich-api/internal/session"
	"github.com/enrichhq/enrich-api/internal/worker"
)

type okProcessor struct{}

func (okProcessor) Process(context.Context, string) error { return nil }

type harness struct {
	jobs    *job.Service
	jobRepo *repojob.Repository
	runner  *worker.Runner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	jobRepo := repojob.NewRepository(db.DB)
	counterRepo := repocounter.NewRepository(db.DB)
	cooldowns := cooldown.NewManager(repocooldown.NewRepository(db.DB), 30*24*time.Hour, jobRepo, counterRepo)
	jobs := job.NewService(jobRepo, cooldowns)

	sessions := session.NewService(reposession.NewRepository(db.DB), time.Hour)
	if _, err := sessions.Upsert(context.Background(), session.UpsertRequest{
		CallerID:    "user-1",
		CRMEndpoint: "https://crm.example/api",
		Credential:  "secret",
	}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	table, err := pattern.NewTable(nil, pattern.Pattern{
		Name: "steady", HourStart: 0, HourEnd: 24, Days: pattern.DaysAll,
	})
	if err != nil {
		t.Fatal(err)
	}
	limiter := ratelimit.NewLimiter(counterRepo, table, ratelimit.Config{DailyLimit: 100, HourlyLimit: 100})

	var proc enrich.Processor = okProcessor{}
	return &harness{
		jobs:    jobs,
		jobRepo: jobRepo,
		runner:  worker.NewRunner(worker.New(jobs, limiter, sessions, proc)),
	}
}

// seedJobAt inserts a job directly so tests control created_at.
func (h *harness) seedJobAt(t *testing.T, id string, createdAt time.Time, itemCount int) {
	t.Helper()
	j := &job.Job{
		ID:           id,
		QuotaKey:     id + ".example",
		Participants: []string{"user-1"},
		Status:       job.StatusPending,
		CreatedAt:    createdAt,
	}
	for i := 0; i < itemCount; i++ {
		j.Items = append(j.Items, job.Item{
			ID:        fmt.Sprintf("%s-item-%d", id, i),
			SourceRef: fmt.Sprintf("https://contacts.example/%d", i),
			Status:    job.ItemPending,
		})
	}
	if err := h.jobRepo.Create(context.Background(), j); err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func TestRecoverOnStartup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A job the previous process left mid-run.
	h.seedJobAt(t, "job-a", time.Now().UTC(), 2)
	if err := h.jobs.TransitionToProcessing(ctx, "job-a"); err != nil {
		t.Fatal(err)
	}
	// A pending job: startup recovery must leave it alone.
	h.seedJobAt(t, "job-b", time.Now().UTC(), 2)

	s := New(h.jobs, h.runner, time.Minute, 10*time.Minute, 3)
	if err := s.RecoverOnStartup(ctx); err != nil {
		t.Fatal(err)
	}
	h.runner.Wait()

	got, err := h.jobs.Get(ctx, job.GetJobRequest{ID: "job-a"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.StatusCompleted {
		t.Errorf("recovered job: expected completed, got %s (%s)", got.Status, got.PauseReason)
	}

	pending, _ := h.jobs.Get(ctx, job.GetJobRequest{ID: "job-b"})
	if pending.Status != job.StatusPending {
		t.Errorf("pending job touched by recovery: %s", pending.Status)
	}
}

func TestScanResumesElapsedPauses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	h.seedJobAt(t, "job-due", now, 2)
	if err := h.jobRepo.SetPaused(ctx, "job-due", job.PauseDailyLimit, &past, now); err != nil {
		t.Fatal(err)
	}
	h.seedJobAt(t, "job-later", now, 2)
	if err := h.jobRepo.SetPaused(ctx, "job-later", job.PausePatternLimit, &future, now); err != nil {
		t.Fatal(err)
	}
	// Needs caller action; the scan must never pick it up.
	h.seedJobAt(t, "job-session", now, 2)
	if err := h.jobRepo.SetPaused(ctx, "job-session", job.PauseSessionInvalid, &past, now); err != nil {
		t.Fatal(err)
	}

	s := New(h.jobs, h.runner, time.Minute, 10*time.Minute, 3)
	s.scan(ctx)
	h.runner.Wait()

	got, _ := h.jobs.Get(ctx, job.GetJobRequest{ID: "job-due"})
	if got.Status != job.StatusCompleted {
		t.Errorf("due job: expected completed, got %s (%s)", got.Status, got.PauseReason)
	}
	for _, id := range []string{"job-later", "job-session"} {
		got, _ := h.jobs.Get(ctx, job.GetJobRequest{ID: id})
		if got.Status != job.StatusPaused {
			t.Errorf("%s: expected still paused, got %s", id, got.Status)
		}
	}
}

func TestScanRespawnsStaleJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Processing with no progress for an hour.
	h.seedJobAt(t, "job-stale", time.Now().UTC().Add(-time.Hour), 2)
	if err := h.jobs.TransitionToProcessing(ctx, "job-stale"); err != nil {
		t.Fatal(err)
	}

	s := New(h.jobs, h.runner, time.Minute, 10*time.Minute, 3)
	s.scan(ctx)
	h.runner.Wait()

	got, _ := h.jobs.Get(ctx, job.GetJobRequest{ID: "job-stale"})
	if got.Status != job.StatusCompleted {
		t.Errorf("respawned job: expected completed, got %s (%s)", got.Status, got.PauseReason)
	}
}

func TestRespawnGivesUpAfterLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	h.seedJobAt(t, "job-stuck", created, 2)
	if err := h.jobs.TransitionToProcessing(ctx, "job-stuck"); err != nil {
		t.Fatal(err)
	}

	s := New(h.jobs, h.runner, time.Minute, 10*time.Minute, 3)
	// Attempts already burned on earlier scans, with no progress since.
	s.respawns["job-stuck"] = respawnState{attempts: 3, lastProgress: created}

	s.scan(ctx)
	h.runner.Wait()

	got, _ := h.jobs.Get(ctx, job.GetJobRequest{ID: "job-stuck"})
	if got.Status != job.StatusFailed {
		t.Fatalf("expected failed after exhausting respawns, got %s", got.Status)
	}
	if !strings.Contains(got.FailureReason, "respawn") {
		t.Errorf("failure reason: %q", got.FailureReason)
	}
}

func TestRespawnCounterResetsOnProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	h.seedJobAt(t, "job-slow", created, 2)
	if err := h.jobs.TransitionToProcessing(ctx, "job-slow"); err != nil {
		t.Fatal(err)
	}

	s := New(h.jobs, h.runner, time.Minute, 10*time.Minute, 3)
	// The limit was exhausted against an older snapshot; the job has moved
	// since. It is slow, not stuck, and must get a fresh allowance.
	s.respawns["job-slow"] = respawnState{attempts: 3, lastProgress: created.Add(-time.Hour)}

	s.scan(ctx)
	h.runner.Wait()

	got, _ := h.jobs.Get(ctx, job.GetJobRequest{ID: "job-slow"})
	if got.Status != job.StatusCompleted {
		t.Fatalf("job with fresh progress failed instead of respawning: %s (%s)",
			got.Status, got.FailureReason)
	}

	s.mu.Lock()
	attempts := s.respawns["job-slow"].attempts
	s.mu.Unlock()
	if attempts != 1 {
		t.Errorf("expected counter reset to 1, got %d", attempts)
	}
}
