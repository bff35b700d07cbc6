package cooldown

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/enrichhq/enrich-api/internal/cooldown"
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

func testRecord() *domain.Record {
	completed := time.Date(2026, 9, 2, 18, 0, 0, 0, time.UTC)
	return &domain.Record{
		QuotaKey:      "acme.example",
		CompletedAt:   completed,
		CooldownEndAt: completed.Add(30 * 24 * time.Hour),
	}
}

func TestUpsertAndGet(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	got, err := r.Get(ctx, "acme.example")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil before upsert, got %+v", got)
	}

	rec := testRecord()
	if err := r.Upsert(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err = r.Get(ctx, "acme.example")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("record not found after upsert")
	}
	if !got.CompletedAt.Equal(rec.CompletedAt) || !got.CooldownEndAt.Equal(rec.CooldownEndAt) {
		t.Errorf("timestamps drifted: %+v", got)
	}
	if got.Overridden {
		t.Error("fresh record marked overridden")
	}

	// A second completion replaces the window.
	rec.CompletedAt = rec.CompletedAt.Add(48 * time.Hour)
	rec.CooldownEndAt = rec.CooldownEndAt.Add(48 * time.Hour)
	if err := r.Upsert(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, _ = r.Get(ctx, "acme.example")
	if !got.CompletedAt.Equal(rec.CompletedAt) {
		t.Errorf("upsert did not replace: %+v", got)
	}
}

func TestSetOverride(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	if err := r.SetOverride(ctx, "acme.example", "user restart"); !errors.Is(err, domain.ErrNoRecord) {
		t.Fatalf("expected ErrNoRecord, got %v", err)
	}

	if err := r.Upsert(ctx, testRecord()); err != nil {
		t.Fatal(err)
	}
	if err := r.SetOverride(ctx, "acme.example", "user restart"); err != nil {
		t.Fatal(err)
	}

	got, _ := r.Get(ctx, "acme.example")
	if !got.Overridden || got.OverrideReason != "user restart" {
		t.Errorf("override not persisted: %+v", got)
	}
}

func TestDelete(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	if err := r.Upsert(ctx, testRecord()); err != nil {
		t.Fatal(err)
	}
	if err := r.Delete(ctx, "acme.example"); err != nil {
		t.Fatal(err)
	}
	got, err := r.Get(ctx, "acme.example")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("record survived delete: %+v", got)
	}

	// Deleting a missing record is not an error.
	if err := r.Delete(ctx, "acme.example"); err != nil {
		t.Error(err)
	}
}
