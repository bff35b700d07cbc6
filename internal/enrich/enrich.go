// Package enrich defines the external collaborators a job step runs through:
// fetch a profile, transform it, write it to the CRM. The engine treats all
// three as opaque and classifies their failures only through the typed error
// categories below, never by matching error text.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCredential marks a failed credential refresh; fatal for the run.
	ErrCredential = errors.New("credential refresh failed")
	// ErrQuotaExceeded marks an explicit quota signal from the remote
	// service; fatal for the run.
	ErrQuotaExceeded = errors.New("remote quota exceeded")
	// ErrNotFound marks a missing source record; non-fatal, per item.
	ErrNotFound = errors.New("profile not found")
	// ErrTimeout marks a collaborator call that exceeded its deadline;
	// non-fatal, per item.
	ErrTimeout = errors.New("collaborator timed out")
)

type Profile struct {
	SourceRef string
	Fields    map[string]string
	FetchedAt time.Time
}

type Record struct {
	SourceRef string
	Fields    map[string]string
}

type ProfileFetcher interface {
	Fetch(ctx context.Context, sourceRef string) (*Profile, error)
}

type Transformer interface {
	Transform(ctx context.Context, p *Profile) (*Record, error)
}

type CRMWriter interface {
	Write(ctx context.Context, rec *Record) error
}

// Processor runs one item end to end. The worker loop depends on this, not
// on the three stages directly.
type Processor interface {
	Process(ctx context.Context, sourceRef string) error
}

// Pipeline chains fetch, transform and write with a per-stage timeout.
// A stage deadline surfaces as ErrTimeout so the worker treats it as a
// non-fatal per-item error.
type Pipeline struct {
	fetcher      ProfileFetcher
	transformer  Transformer
	writer       CRMWriter
	stageTimeout time.Duration
}

func NewPipeline(f ProfileFetcher, t Transformer, w CRMWriter, stageTimeout time.Duration) *Pipeline {
	return &Pipeline{fetcher: f, transformer: t, writer: w, stageTimeout: stageTimeout}
}

func (p *Pipeline) Process(ctx context.Context, sourceRef string) error {
	profile, err := stage(ctx, p.stageTimeout, func(ctx context.Context) (*Profile, error) {
		return p.fetcher.Fetch(ctx, sourceRef)
	})
	if err != nil {
		return fmt.Errorf("fetch %s: %w", sourceRef, err)
	}

	rec, err := stage(ctx, p.stageTimeout, func(ctx context.Context) (*Record, error) {
		return p.transformer.Transform(ctx, profile)
	})
	if err != nil {
		return fmt.Errorf("transform %s: %w", sourceRef, err)
	}

	_, err = stage(ctx, p.stageTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.writer.Write(ctx, rec)
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", sourceRef, err)
	}
	return nil
}

func stage[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, err := fn(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return out, ErrTimeout
	}
	return out, err
}
