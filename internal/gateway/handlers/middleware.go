package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mrmushfiq/llm0-router/internal/shared/models"
)

type contextKey string

const callerKey contextKey = "caller"

// CallerResolver maps a bearer key to a caller
type CallerResolver interface {
	ResolveCaller(ctx context.Context, rawKey string) (*models.Caller, error)
}

// RollingCounter backs the per-caller request limit
type RollingCounter interface {
	AllowRolling(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error)
}

type Middleware struct {
	callers CallerResolver
	counter RollingCounter
	limit   int
}

// NewMiddleware creates the middleware set. A nil counter or a zero limit disables rate limiting.
func NewMiddleware(callers CallerResolver, counter RollingCounter, limit int) *Middleware {
	return &Middleware{
		callers: callers,
		counter: counter,
		limit:   limit,
	}
}

// CallerFromContext returns the caller set by AuthMiddleware
func CallerFromContext(ctx context.Context) (models.Caller, bool) {
	c, ok := ctx.Value(callerKey).(models.Caller)
	return c, ok
}

// WithCaller attaches a caller to ctx
func WithCaller(ctx context.Context, c models.Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// AuthMiddleware validates API keys
func (m *Middleware) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing authorization header")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid authorization header format")
			return
		}

		caller, err := m.callers.ResolveCaller(r.Context(), parts[1])
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid API key")
			return
		}
		if err != nil {
			log.WithError(err).Error("auth: caller lookup failed")
			writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), *caller)))
	})
}

// RateLimitMiddleware enforces the per-caller request limit. Limiter errors fail open.
func (m *Middleware) RateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFromContext(r.Context())
		if !ok || m.counter == nil || m.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		allowed, remaining, err := m.counter.AllowRolling(r.Context(), "ratelimit:requests:"+caller.ID, m.limit, time.Minute)
		if err != nil {
			log.WithError(err).Warn("ratelimit: limiter unavailable")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequireTier rejects callers below min
func RequireTier(min models.Tier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok := CallerFromContext(r.Context())
			if !ok || !caller.Tier.Satisfies(min) {
				writeError(w, http.StatusForbidden, "forbidden", "insufficient tier")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORSMiddleware handles CORS
func (m *Middleware) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
