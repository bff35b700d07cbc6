package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/enrichhq/enrich-api/internal/cooldown"
	"github.com/enrichhq/enrich-api/internal/job"
	"github.com/enrichhq/enrich-api/internal/ratelimit"
	"github.com/enrichhq/enrich-api/internal/session"
	"github.com/enrichhq/enrich-api/internal/worker"
)

type handler struct {
	// baseCtx outlives any single request; workers started from a handler
	// must not die with the request context.
	baseCtx context.Context

	jobs      *job.Service
	sessions  *session.Service
	limiter   *ratelimit.Limiter
	cooldowns *cooldown.Manager
	runner    *worker.Runner
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) upsertSession(w http.ResponseWriter, r *http.Request) {
	var req session.UpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := h.sessions.Upsert(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"session": sess,
	})
}

func (h *handler) startProcessing(w http.ResponseWriter, r *http.Request) {
	var req job.CreateOrAttachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	j, attached, err := h.jobs.CreateOrAttach(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	h.runner.Start(h.baseCtx, j.ID)

	limits, err := h.limiter.Usage(r.Context(), j.QuotaKey, time.Now().UTC())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if attached {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"success":        true,
		"jobId":          j.ID,
		"status":         j.Status,
		"attached":       attached,
		"totalContacts":  len(j.Items),
		"processedCount": j.ProcessedCount,
		"limitInfo":      limits,
	})
}

func (h *handler) jobStatus(w http.ResponseWriter, r *http.Request) {
	req := job.GetJobRequest{ID: r.PathValue("jobId")}
	if appErr := req.Validate(); appErr != nil {
		writeAppError(w, appErr)
		return
	}

	j, err := h.jobs.Get(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"job":           j,
		"totalContacts": len(j.Items),
	})
}

func (h *handler) userJob(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")

	j, err := h.jobs.FindByParticipant(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if j == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"canResume": false,
			"job":       nil,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"canResume": j.Status.Active(),
		"job":       j,
	})
}

func (h *handler) humanPatterns(w http.ResponseWriter, r *http.Request) {
	table := h.limiter.Patterns()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"currentPattern": table.Current(time.Now().UTC()),
		"allPatterns":    table.All(),
	})
}

func (h *handler) dailyLimits(w http.ResponseWriter, r *http.Request) {
	quotaKey, err := h.quotaKeyForUser(r.Context(), r.PathValue("userId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	limits, err := h.limiter.Usage(r.Context(), quotaKey, time.Now().UTC())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"limits":  limits,
	})
}

func (h *handler) userCooldown(w http.ResponseWriter, r *http.Request) {
	quotaKey, err := h.quotaKeyForUser(r.Context(), r.PathValue("userId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status, err := h.cooldowns.Status(r.Context(), quotaKey, time.Now().UTC())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"cooldownStatus": status,
	})
}

type overrideRequest struct {
	Reason string `json:"reason"`
}

// restartProcessing overrides an active cooldown and, when the caller's last
// job ended with unfinished items, seeds a fresh job from them.
func (h *handler) restartProcessing(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")

	var req overrideRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "caller requested restart"
	}

	quotaKey, err := h.quotaKeyForUser(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if err := h.cooldowns.Override(r.Context(), quotaKey, req.Reason); err != nil && err != cooldown.ErrNoRecord {
		writeServiceError(w, err)
		return
	}

	last, err := h.jobs.FindByParticipant(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if last != nil && last.Status.Terminal() && last.PendingCount() > 0 {
		restarted, err := h.jobs.Restart(r.Context(), last.ID, userID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		h.runner.Start(h.baseCtx, restarted.ID)
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "cooldown overridden; job restarted from unfinished items",
			"jobId":   restarted.ID,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "cooldown overridden",
	})
}

// resetProcessing wipes jobs, counters and the cooldown record for the
// caller's quota key. Audited administrative operation, distinct from the
// override path.
func (h *handler) resetProcessing(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")

	quotaKey, err := h.quotaKeyForUser(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if active, err := h.jobs.FindByParticipant(r.Context(), userID); err == nil &&
		active != nil && active.Status.Active() {
		h.runner.Cancel(active.ID)
	}

	if err := h.cooldowns.ResetAll(r.Context(), quotaKey); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "all processing state reset",
	})
}

func (h *handler) cancelProcessing(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")

	j, err := h.jobs.FindByParticipant(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if j == nil || !j.Status.Active() {
		writeError(w, http.StatusNotFound, "no active job for user")
		return
	}

	if err := h.jobs.Cancel(r.Context(), j.ID, "cancelled by "+userID); err != nil {
		writeServiceError(w, err)
		return
	}
	h.runner.Cancel(j.ID)

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "job cancelled",
		"jobId":   j.ID,
	})
}

// quotaKeyForUser resolves the quota key the caller's limits are tracked
// under: the key of their most recent job, or one derived from the caller id
// when they have none yet.
func (h *handler) quotaKeyForUser(ctx context.Context, userID string) (string, error) {
	j, err := h.jobs.FindByParticipant(ctx, userID)
	if err != nil {
		return "", err
	}
	if j != nil {
		return j.QuotaKey, nil
	}
	return job.QuotaKey("", userID), nil
}
