package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type ctxKey string

const requestIDKey ctxKey = "requestID"

func recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic recovered", "error", err, "path", r.URL.Path)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			b := make([]byte, 8)
			_, _ = rand.Read(b)
			id = hex.EncodeToString(b)
		}
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start).String(),
			"requestID", r.Context().Value(requestIDKey),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

type callerLimiter struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanos of the caller's latest request
}

// rateLimit applies a per-caller token bucket. Wrapped around individual
// mutating routes (after mux matching, so path values are populated). Keyed
// by the userId path segment when the route has one, otherwise by remote
// host.
func rateLimit(rps float64, burst int) func(http.HandlerFunc) http.HandlerFunc {
	limiters := &sync.Map{}
	var lastSweep atomic.Int64

	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			key := r.PathValue("userId")
			if key == "" {
				if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
					key = host
				} else {
					key = r.RemoteAddr
				}
			}

			limiter := getOrCreateLimiter(limiters, key, rps, burst)
			sweepIdle(limiters, &lastSweep, 5*time.Minute)
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next(w, r)
		}
	}
}

// getOrCreateLimiter returns the caller's bucket, creating it atomically on
// first use. A caller keeps the same bucket for as long as they stay active,
// so remaining tokens are never reset by replacement.
func getOrCreateLimiter(limiters *sync.Map, key string, rps float64, burst int) *rate.Limiter {
	v, ok := limiters.Load(key)
	if !ok {
		v, _ = limiters.LoadOrStore(key, &callerLimiter{
			limiter: rate.NewLimiter(rate.Limit(rps), burst),
		})
	}
	cl := v.(*callerLimiter)
	cl.lastSeen.Store(time.Now().UnixNano())
	return cl.limiter
}

// sweepIdle evicts buckets whose caller has been silent for ttl. Runs at
// most once per ttl; concurrent callers race on the CAS and only one sweeps.
func sweepIdle(limiters *sync.Map, lastSweep *atomic.Int64, ttl time.Duration) {
	now := time.Now().UnixNano()
	prev := lastSweep.Load()
	if now-prev < int64(ttl) || !lastSweep.CompareAndSwap(prev, now) {
		return
	}
	cutoff := now - int64(ttl)
	limiters.Range(func(k, v any) bool {
		if v.(*callerLimiter).lastSeen.Load() < cutoff {
			limiters.Delete(k)
		}
		return true
	})
}
