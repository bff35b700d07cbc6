package job

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/enrichhq/enrich-api/internal/apperror"
	domain "github.com/enrichhq/enrich-api/internal/job"
	"github.com/enrichhq/enrich-api/internal/platform/sqlite"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewRepository(db.DB)
}

var baseTime = time.Date(2026, 9, 2, 10, 0, 0, 0, time.UTC)

func seedJob(t *testing.T, r *Repository, id, quotaKey string, itemCount int) *domain.Job {
	t.Helper()
	j := &domain.Job{
		ID:           id,
		QuotaKey:     quotaKey,
		Participants: []string{"user-1"},
		Status:       domain.StatusPending,
		CreatedAt:    baseTime,
	}
	for i := 0; i < itemCount; i++ {
		j.Items = append(j.Items, domain.Item{
			ID:        fmt.Sprintf("%s-item-%d", id, i),
			SourceRef: fmt.Sprintf("https://contacts.example/%d", i),
			Status:    domain.ItemPending,
		})
	}
	if err := r.Create(context.Background(), j); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j
}

func TestCreateAndGet(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	seedJob(t, r, "job-1", "acme.example", 3)

	got, err := r.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.QuotaKey != "acme.example" || got.Status != domain.StatusPending {
		t.Errorf("unexpected job: %+v", got)
	}
	if len(got.Participants) != 1 || got.Participants[0] != "user-1" {
		t.Errorf("unexpected participants: %v", got.Participants)
	}
	if len(got.Items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got.Items))
	}
	// Insertion order is preserved.
	for i, it := range got.Items {
		want := fmt.Sprintf("job-1-item-%d", i)
		if it.ID != want {
			t.Errorf("item %d: expected %s, got %s", i, want, it.ID)
		}
	}
	if !got.CreatedAt.Equal(baseTime) {
		t.Errorf("created at: expected %v, got %v", baseTime, got.CreatedAt)
	}

	_, err = r.Get(ctx, "nope")
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) || appErr.Code() != apperror.NotFound {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestFindActive(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	got, err := r.FindActive(ctx, "acme.example")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil before any job, got %+v", got)
	}

	seedJob(t, r, "job-1", "acme.example", 1)
	got, err = r.FindActive(ctx, "acme.example")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "job-1" {
		t.Fatalf("expected job-1, got %+v", got)
	}

	// Terminal jobs stop counting as active.
	if err := r.SetStatus(ctx, "job-1", domain.StatusCancelled, baseTime); err != nil {
		t.Fatal(err)
	}
	got, err = r.FindActive(ctx, "acme.example")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("cancelled job still active: %+v", got)
	}

	// Paused jobs do count.
	seedJob(t, r, "job-2", "acme.example", 1)
	if err := r.SetPaused(ctx, "job-2", domain.PauseDailyLimit, nil, baseTime); err != nil {
		t.Fatal(err)
	}
	got, _ = r.FindActive(ctx, "acme.example")
	if got == nil || got.ID != "job-2" {
		t.Errorf("paused job not found active: %+v", got)
	}
}

func TestAddParticipant(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	seedJob(t, r, "job-1", "acme.example", 1)
	if err := r.AddParticipant(ctx, "job-1", "user-2", baseTime.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	// Duplicate add is a no-op.
	if err := r.AddParticipant(ctx, "job-1", "user-2", baseTime.Add(2*time.Minute)); err != nil {
		t.Fatal(err)
	}

	got, _ := r.Get(ctx, "job-1")
	if len(got.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %v", got.Participants)
	}

	latest, err := r.FindLatestByParticipant(ctx, "user-2")
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest.ID != "job-1" {
		t.Errorf("participant lookup failed: %+v", latest)
	}
	none, err := r.FindLatestByParticipant(ctx, "stranger")
	if err != nil {
		t.Fatal(err)
	}
	if none != nil {
		t.Errorf("expected nil for unknown participant, got %+v", none)
	}
}

func TestStatusTransitions(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	seedJob(t, r, "job-1", "acme.example", 1)

	resume := baseTime.Add(2 * time.Hour)
	if err := r.SetPaused(ctx, "job-1", domain.PauseHourlyLimit, &resume, baseTime); err != nil {
		t.Fatal(err)
	}
	got, _ := r.Get(ctx, "job-1")
	if got.Status != domain.StatusPaused || got.PauseReason != domain.PauseHourlyLimit {
		t.Errorf("unexpected paused state: %+v", got)
	}
	if got.EstimatedResumeTime == nil || !got.EstimatedResumeTime.Equal(resume) {
		t.Errorf("resume time: %v", got.EstimatedResumeTime)
	}

	// Moving to a new status clears pause fields and stamps the timestamp.
	if err := r.SetStatus(ctx, "job-1", domain.StatusCompleted, baseTime.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	got, _ = r.Get(ctx, "job-1")
	if got.Status != domain.StatusCompleted || got.PauseReason != "" || got.EstimatedResumeTime != nil {
		t.Errorf("pause fields survived transition: %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("completedAt not stamped")
	}

	if err := r.SetStatus(ctx, "missing", domain.StatusProcessing, baseTime); err == nil {
		t.Error("expected not found for unknown job")
	}
}

func TestSetFailed(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	seedJob(t, r, "job-1", "acme.example", 1)
	if err := r.SetFailed(ctx, "job-1", "stage timeout", baseTime); err != nil {
		t.Fatal(err)
	}
	got, _ := r.Get(ctx, "job-1")
	if got.Status != domain.StatusFailed || got.FailureReason != "stage timeout" || got.FailedAt == nil {
		t.Errorf("unexpected failed state: %+v", got)
	}
}

func TestClaimNextItem(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	seedJob(t, r, "job-1", "acme.example", 3)

	// Items come back strictly in position order.
	for i := 0; i < 3; i++ {
		it, err := r.ClaimNextItem(ctx, "job-1")
		if err != nil {
			t.Fatal(err)
		}
		want := fmt.Sprintf("job-1-item-%d", i)
		if it == nil || it.ID != want {
			t.Fatalf("claim %d: expected %s, got %+v", i, want, it)
		}
		if it.Status != domain.ItemProcessing {
			t.Errorf("claimed item not processing: %s", it.Status)
		}
	}

	it, err := r.ClaimNextItem(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if it != nil {
		t.Errorf("expected nil once drained, got %+v", it)
	}
}

func TestRequeueOrphanedItems(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	seedJob(t, r, "job-1", "acme.example", 3)

	// Claim two, settle one; the unsettled claim is an orphan.
	first, _ := r.ClaimNextItem(ctx, "job-1")
	if _, err := r.ClaimNextItem(ctx, "job-1"); err != nil {
		t.Fatal(err)
	}
	if err := r.RecordItemOutcome(ctx, "job-1", first.ID, true, "", baseTime); err != nil {
		t.Fatal(err)
	}

	n, err := r.RequeueOrphanedItems(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 requeued, got %d", n)
	}

	got, _ := r.Get(ctx, "job-1")
	var pending, completed int
	for _, it := range got.Items {
		switch it.Status {
		case domain.ItemPending:
			pending++
		case domain.ItemCompleted:
			completed++
		}
	}
	if pending != 2 || completed != 1 {
		t.Errorf("expected 2 pending / 1 completed, got %d / %d", pending, completed)
	}
}

func TestRecordItemOutcome(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	seedJob(t, r, "job-1", "acme.example", 2)
	if err := r.RecordPattern(ctx, "job-1", "morning_session", baseTime); err != nil {
		t.Fatal(err)
	}

	it1, _ := r.ClaimNextItem(ctx, "job-1")
	if err := r.RecordItemOutcome(ctx, "job-1", it1.ID, true, "", baseTime.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	it2, _ := r.ClaimNextItem(ctx, "job-1")
	if err := r.RecordItemOutcome(ctx, "job-1", it2.ID, false, "profile not found", baseTime.Add(2*time.Minute)); err != nil {
		t.Fatal(err)
	}

	got, _ := r.Get(ctx, "job-1")
	if got.ProcessedCount != 2 || got.SuccessCount != 1 || got.FailureCount != 1 {
		t.Errorf("counters: %+v", got)
	}
	if got.LastProcessedAt == nil {
		t.Error("lastProcessedAt not stamped")
	}
	if got.Items[0].Status != domain.ItemCompleted {
		t.Errorf("item 0: %s", got.Items[0].Status)
	}
	if got.Items[1].Status != domain.ItemFailed || got.Items[1].LastError != "profile not found" {
		t.Errorf("item 1: %+v", got.Items[1])
	}
	if len(got.Errors) != 1 || got.Errors[0].ItemID != it2.ID {
		t.Errorf("error log: %+v", got.Errors)
	}
	// The open pattern span counts both outcomes.
	if len(got.PatternHistory) != 1 || got.PatternHistory[0].ItemsProcessed != 2 {
		t.Errorf("pattern history: %+v", got.PatternHistory)
	}

	if err := r.RecordItemOutcome(ctx, "job-1", "missing", true, "", baseTime); err == nil {
		t.Error("expected not found for unknown item")
	}
}

func TestRecordItemOutcome_ErrorLogBounded(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	seedJob(t, r, "job-1", "acme.example", domain.ErrorLogLimit+5)

	for i := 0; i < domain.ErrorLogLimit+5; i++ {
		it, err := r.ClaimNextItem(ctx, "job-1")
		if err != nil || it == nil {
			t.Fatalf("claim %d: %v %v", i, it, err)
		}
		msg := fmt.Sprintf("error %d", i)
		if err := r.RecordItemOutcome(ctx, "job-1", it.ID, false, msg, baseTime.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatal(err)
		}
	}

	got, _ := r.Get(ctx, "job-1")
	if len(got.Errors) != domain.ErrorLogLimit {
		t.Fatalf("expected %d errors, got %d", domain.ErrorLogLimit, len(got.Errors))
	}
	// Oldest entries are the ones dropped.
	if got.Errors[0].Error != "error 5" {
		t.Errorf("expected oldest kept entry to be error 5, got %q", got.Errors[0].Error)
	}
	last := got.Errors[len(got.Errors)-1]
	if last.Error != fmt.Sprintf("error %d", domain.ErrorLogLimit+4) {
		t.Errorf("newest entry missing, got %q", last.Error)
	}
}

func TestRecordPattern(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	seedJob(t, r, "job-1", "acme.example", 1)

	if err := r.RecordPattern(ctx, "job-1", "morning_session", baseTime); err != nil {
		t.Fatal(err)
	}
	// Same pattern again: no new span.
	if err := r.RecordPattern(ctx, "job-1", "morning_session", baseTime.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	got, _ := r.Get(ctx, "job-1")
	if len(got.PatternHistory) != 1 {
		t.Fatalf("expected 1 span, got %d", len(got.PatternHistory))
	}

	// A different pattern closes the open span and opens a new one.
	changeAt := baseTime.Add(2 * time.Hour)
	if err := r.RecordPattern(ctx, "job-1", "afternoon_session", changeAt); err != nil {
		t.Fatal(err)
	}
	got, _ = r.Get(ctx, "job-1")
	if len(got.PatternHistory) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(got.PatternHistory))
	}
	first, second := got.PatternHistory[0], got.PatternHistory[1]
	if first.ExitedAt == nil || !first.ExitedAt.Equal(changeAt) {
		t.Errorf("first span not closed: %+v", first)
	}
	if second.PatternName != "afternoon_session" || second.ExitedAt != nil {
		t.Errorf("second span: %+v", second)
	}
}

func TestListStaleProcessing(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	seedJob(t, r, "job-fresh", "a.example", 2)
	seedJob(t, r, "job-stale", "b.example", 2)
	for _, id := range []string{"job-fresh", "job-stale"} {
		if err := r.SetStatus(ctx, id, domain.StatusProcessing, baseTime); err != nil {
			t.Fatal(err)
		}
	}

	// job-fresh made progress recently; job-stale never did (falls back to
	// created_at, which is old).
	it, _ := r.ClaimNextItem(ctx, "job-fresh")
	if err := r.RecordItemOutcome(ctx, "job-fresh", it.ID, true, "", baseTime.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	stale, err := r.ListStaleProcessing(ctx, baseTime.Add(30*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].ID != "job-stale" {
		t.Errorf("expected only job-stale, got %+v", stale)
	}
}

func TestListResumablePaused(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	now := baseTime.Add(3 * time.Hour)
	past := baseTime.Add(time.Hour)
	future := baseTime.Add(6 * time.Hour)

	seedJob(t, r, "job-due", "a.example", 1)
	seedJob(t, r, "job-later", "b.example", 1)
	seedJob(t, r, "job-session", "c.example", 1)
	seedJob(t, r, "job-noresume", "d.example", 1)

	if err := r.SetPaused(ctx, "job-due", domain.PauseDailyLimit, &past, baseTime); err != nil {
		t.Fatal(err)
	}
	if err := r.SetPaused(ctx, "job-later", domain.PausePatternLimit, &future, baseTime); err != nil {
		t.Fatal(err)
	}
	// Session pauses need caller action and are never auto-resumed, even with
	// a resume time in the past.
	if err := r.SetPaused(ctx, "job-session", domain.PauseSessionInvalid, &past, baseTime); err != nil {
		t.Fatal(err)
	}
	if err := r.SetPaused(ctx, "job-noresume", domain.PauseHourlyLimit, nil, baseTime); err != nil {
		t.Fatal(err)
	}

	due, err := r.ListResumablePaused(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != "job-due" {
		t.Errorf("expected only job-due, got %+v", due)
	}
}

func TestResetByQuotaKey(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	seedJob(t, r, "job-1", "acme.example", 2)
	seedJob(t, r, "job-2", "other.example", 2)

	if err := r.ResetByQuotaKey(ctx, "acme.example"); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Get(ctx, "job-1"); err == nil {
		t.Error("job-1 survived reset")
	}
	if _, err := r.Get(ctx, "job-2"); err != nil {
		t.Errorf("job-2 should survive: %v", err)
	}

	// Children went with the job.
	if it, err := r.ClaimNextItem(ctx, "job-1"); err != nil || it != nil {
		t.Errorf("items survived reset: %v %v", it, err)
	}
}

func TestCreateDuplicateActiveQuotaKey(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	seedJob(t, r, "job-1", "acme.example", 1)

	dup := &domain.Job{
		ID:           "job-2",
		QuotaKey:     "acme.example",
		Participants: []string{"user-2"},
		Status:       domain.StatusPending,
		CreatedAt:    baseTime,
	}
	if err := r.Create(ctx, dup); !errors.Is(err, domain.ErrDuplicateActive) {
		t.Fatalf("expected ErrDuplicateActive, got %v", err)
	}
	// The losing insert leaves nothing behind.
	if _, err := r.Get(ctx, "job-2"); err == nil {
		t.Fatal("duplicate job was persisted")
	}

	// A different quota key is unaffected.
	seedJob(t, r, "job-3", "other.example", 1)

	// Terminal jobs release the key.
	if err := r.SetStatus(ctx, "job-1", domain.StatusCancelled, baseTime.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := r.Create(ctx, dup); err != nil {
		t.Fatalf("create after key released: %v", err)
	}
}
