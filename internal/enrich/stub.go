package enrich

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// StubFetcher synthesizes a profile from the source ref. Offline-safe default
// so the engine can run without a real connector; production deployments
// register their own ProfileFetcher.
type StubFetcher struct{}

func (StubFetcher) Fetch(_ context.Context, sourceRef string) (*Profile, error) {
	if sourceRef == "" {
		return nil, ErrNotFound
	}
	return &Profile{
		SourceRef: sourceRef,
		Fields: map[string]string{
			"headline": fmt.Sprintf("profile %s", sourceRef),
			"location": "unknown",
		},
		FetchedAt: time.Now().UTC(),
	}, nil
}

// StubTransformer lower-cases field keys into a CRM-ready record.
type StubTransformer struct{}

func (StubTransformer) Transform(_ context.Context, p *Profile) (*Record, error) {
	fields := make(map[string]string, len(p.Fields))
	for k, v := range p.Fields {
		fields[strings.ToLower(k)] = v
	}
	return &Record{SourceRef: p.SourceRef, Fields: fields}, nil
}

// StubWriter accepts every record.
type StubWriter struct{}

func (StubWriter) Write(_ context.Context, _ *Record) error { return nil }

// NewStubPipeline wires the three stubs; used by the default bootstrap and
// by tests.
func NewStubPipeline(stageTimeout time.Duration) *Pipeline {
	return NewPipeline(StubFetcher{}, StubTransformer{}, StubWriter{}, stageTimeout)
}
