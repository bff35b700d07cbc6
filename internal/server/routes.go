package server

import (
	"context"
	"net/http"

	"github.com/enrichhq/enrich-api/internal/cooldown"
	"github.com/enrichhq/enrich-api/internal/job"
	"github.com/enrichhq/enrich-api/internal/ratelimit"
	"github.com/enrichhq/enrich-api/internal/session"
	"github.com/enrichhq/enrich-api/internal/worker"
)

// Deps bundles everything the HTTP surface fronts.
type Deps struct {
	Jobs      *job.Service
	Sessions  *session.Service
	Limiter   *ratelimit.Limiter
	Cooldowns *cooldown.Manager
	Runner    *worker.Runner

	// Per-caller request limiter settings for mutating routes.
	RequestRate  float64
	RequestBurst int
}

// NewHandler creates the full HTTP handler with routes and middleware.
// Exported for use in tests (e.g., httptest.NewServer).
func NewHandler(baseCtx context.Context, deps Deps) http.Handler {
	return newMux(baseCtx, deps)
}

func newMux(baseCtx context.Context, deps Deps) http.Handler {
	h := &handler{
		baseCtx:   baseCtx,
		jobs:      deps.Jobs,
		sessions:  deps.Sessions,
		limiter:   deps.Limiter,
		cooldowns: deps.Cooldowns,
		runner:    deps.Runner,
	}

	limited := rateLimit(deps.RequestRate, deps.RequestBurst)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	mux.HandleFunc("POST /api/v1/sessions", limited(h.upsertSession))
	mux.HandleFunc("POST /api/v1/start-processing", limited(h.startProcessing))
	mux.HandleFunc("GET /api/v1/job-status/{jobId}", h.jobStatus)
	mux.HandleFunc("GET /api/v1/user-job/{userId}", h.userJob)
	mux.HandleFunc("GET /api/v1/human-patterns", h.humanPatterns)
	mux.HandleFunc("GET /api/v1/daily-limits/{userId}", h.dailyLimits)
	mux.HandleFunc("GET /api/v1/user-cooldown/{userId}", h.userCooldown)
	mux.HandleFunc("POST /api/v1/restart-processing/{userId}", limited(h.restartProcessing))
	mux.HandleFunc("POST /api/v1/reset-processing/{userId}", limited(h.resetProcessing))
	mux.HandleFunc("POST /api/v1/cancel-processing/{userId}", limited(h.cancelProcessing))

	// Apply middleware stack: recovery -> requestID -> logging
	var handler http.Handler = mux
	handler = logging(handler)
	handler = requestID(handler)
	handler = recovery(handler)

	return handler
}
