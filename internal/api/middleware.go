package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/opsdeck-io/opsdeck/internal/auth"
	"github.com/opsdeck-io/opsdeck/internal/metrics"
	"github.com/opsdeck-io/opsdeck/internal/ratelimit"
)

// contextKey is unexported to keep this package's context values private.
type contextKey int

const (
	contextKeyIdentity contextKey = iota
	contextKeyToken
	contextKeyIdentityHolder
)

// identityHolder lets Authenticate surface the caller to middleware mounted
// outside it, like the request logger. Set and read happen on the request
// goroutine, before and after the handler respectively.
type identityHolder struct {
	identity *auth.Identity
}

// identityFrom retrieves the authenticated caller, or nil.
func identityFrom(ctx context.Context) *auth.Identity {
	id, _ := ctx.Value(contextKeyIdentity).(*auth.Identity)
	return id
}

// tokenFrom retrieves the raw bearer token the caller presented.
func tokenFrom(ctx context.Context) string {
	token, _ := ctx.Value(contextKeyToken).(string)
	return token
}

// bearerToken extracts the Authorization bearer token, or "".
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// clientIP returns the caller's IP. middleware.RealIP has already folded
// X-Forwarded-For / X-Real-IP into RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Authenticate validates the bearer token (JWT first, then the legacy
// session table) and stores the identity in the request context.
func Authenticate(authSvc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				unauthorized(w)
				return
			}
			identity, err := authSvc.Verify(r.Context(), token)
			if err != nil {
				unauthorized(w)
				return
			}
			if holder, ok := r.Context().Value(contextKeyIdentityHolder).(*identityHolder); ok {
				holder.identity = identity
			}
			ctx := context.WithValue(r.Context(), contextKeyIdentity, identity)
			ctx = context.WithValue(ctx, contextKeyToken, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission gates a route on the role/permission matrix. Must run
// after Authenticate.
func RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := identityFrom(r.Context())
			if identity == nil {
				unauthorized(w)
				return
			}
			if !auth.HasPermission(identity.Role, permission) {
				forbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeaders applies the standard hardening headers to every response.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("X-Request-Id", middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r)
	})
}

// rateLimitHeaders writes the X-RateLimit-* trio from a limiter decision.
func rateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
}

// RateLimit applies the general per-IP bucket.
func RateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := limiter.Allow(clientIP(r))
			rateLimitHeaders(w, d)
			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LoginRateLimit applies the stricter login bucket. Exhaustion puts the IP on
// the block list, which then rejects all of its traffic.
func LoginRateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := limiter.AllowLogin(clientIP(r))
			rateLimitHeaders(w, d)
			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())))
				writeError(w, http.StatusTooManyRequests, "too many login attempts")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// KeyedRateLimit applies a per-endpoint token bucket keyed by the caller's
// user id. Runs after Authenticate; unauthenticated requests fall back to the
// client IP.
func KeyedRateLimit(limiter *ratelimit.KeyedLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r)
			if identity := identityFrom(r.Context()); identity != nil {
				key = "user:" + strconv.FormatUint(uint64(identity.UserID), 10)
			}
			if !limiter.Allow(key) {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded for this operation")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger emits one structured line per request and feeds the metrics
// registry. Runs after RequestID so the id is in context.
func RequestLogger(logger *zap.Logger, registry *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			holder := &identityHolder{}
			r = r.WithContext(context.WithValue(r.Context(), contextKeyIdentityHolder, holder))
			start := time.Now()
			next.ServeHTTP(ww, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int64("latency_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("ip", clientIP(r)),
			}
			if holder.identity != nil {
				fields = append(fields, zap.Uint("user_id", holder.identity.UserID))
			}
			if ua := r.UserAgent(); ua != "" {
				fields = append(fields, zap.String("user_agent", ua))
			}
			logger.Info("http request", fields...)

			if registry != nil {
				pattern := chi.RouteContext(r.Context()).RoutePattern()
				if pattern == "" {
					pattern = r.URL.Path
				}
				registry.ObserveRequest(r.Method, pattern, ww.Status())
			}
		})
	}
}
