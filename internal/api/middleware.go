package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/preorder/internal/db"
	"github.com/lalithlochan/preorder/internal/metrics"
	"github.com/lalithlochan/preorder/internal/offer"
	"github.com/lalithlochan/preorder/internal/redis"
)

// UserHeader carries the authenticated user id set by the identity proxy
// in front of the gateway.
const UserHeader = "X-User-ID"

type actorKey struct{}

// ActorFrom returns the caller resolved by Identify. Requests without a
// user are anonymous actors.
func ActorFrom(ctx context.Context) offer.Actor {
	a, _ := ctx.Value(actorKey{}).(offer.Actor)
	return a
}

func WithActor(ctx context.Context, a offer.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// Identify resolves the X-User-ID header to an actor. A missing header is
// an anonymous request; an unknown user is rejected.
func Identify(users UserStore, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(UserHeader)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}

			id, err := uuid.Parse(raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "not_authenticated", "Invalid user", "X-User-ID must be a valid UUID")
				return
			}

			u, err := users.GetUser(r.Context(), id)
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, http.StatusUnauthorized, "not_authenticated", "Unknown user", "")
				return
			}
			if err != nil {
				logger.Error("failed to resolve user", zap.Error(err), zap.String("user_id", raw))
				writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error", "")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), offer.ActorFromUser(u))))
		})
	}
}

// RequireUser rejects anonymous requests.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ActorFrom(r.Context()).Authenticated {
			writeError(w, http.StatusUnauthorized, "not_authenticated", "Authentication required", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireStaff rejects everyone but operators.
func RequireStaff(next http.Handler) http.Handler {
	return RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ActorFrom(r.Context()).IsStaff {
			writeError(w, http.StatusForbidden, "forbidden", "Staff only", "")
			return
		}
		next.ServeHTTP(w, r)
	}))
}

// Limiter is a keyed request budget; redis.RateLimiter and LocalLimiter
// implement it.
type Limiter interface {
	Name() string
	Allow(ctx context.Context, key string) (*redis.RateLimitResult, error)
}

// RateLimitMiddleware creates an HTTP middleware that enforces rate limits.
// The keyFunc extracts the rate limit key from the request (e.g., user ID, IP).
func RateLimitMiddleware(limiter Limiter, logger *zap.Logger, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				metrics.RecordRateLimitRejection(limiter.Name())
				retryAfter := max(1, int(time.Until(result.ResetAt).Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too Many Requests",
					"Rate limit exceeded. Please retry after the specified time.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// UserKeyFunc keys authenticated requests by user and the rest by IP.
func UserKeyFunc(r *http.Request) string {
	if a := ActorFrom(r.Context()); a.Authenticated {
		return "user:" + a.UserID.String()
	}
	return IPKeyFunc(r)
}

// IPKeyFunc extracts the client IP for rate limiting.
func IPKeyFunc(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return "ip:" + ip
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return "ip:" + ip
	}
	return "ip:" + r.RemoteAddr
}

// LocalLimiter is an in-process token bucket per key, used when Redis is
// unavailable. Each gateway replica gets its own budget.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    int
	every    rate.Limit
}

func NewLocalLimiter(limit int, window time.Duration) *LocalLimiter {
	return &LocalLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		every:    rate.Every(window / time.Duration(max(1, limit))),
	}
}

func (l *LocalLimiter) Name() string { return "local" }

func (l *LocalLimiter) Allow(ctx context.Context, key string) (*redis.RateLimitResult, error) {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.every, l.limit)
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	now := time.Now()
	allowed := lim.AllowN(now, 1)
	tokens := lim.TokensAt(now)

	resetAt := now
	if tokens < 1 {
		resetAt = now.Add(time.Duration((1 - tokens) / float64(l.every) * float64(time.Second)))
	}
	return &redis.RateLimitResult{
		Allowed:   allowed,
		Limit:     l.limit,
		Remaining: max(0, int(tokens)),
		ResetAt:   resetAt,
	}, nil
}
