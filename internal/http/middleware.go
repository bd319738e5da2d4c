package http

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robertarktes/parchi/internal/auth"
	"github.com/robertarktes/parchi/internal/domain"
	"github.com/robertarktes/parchi/internal/idempotency"
	"github.com/robertarktes/parchi/internal/observability"
	"github.com/robertarktes/parchi/internal/rateLimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelhttp "go.opentelemetry.io/otel/propagation"
)

const (
	IdempotencyHeader    = "Idempotency-Key"
	minIdempotencyKeyLen = 16
	maxBodyBytes         = 1 << 20
)

type callerKey struct{}

func callerFromContext(ctx context.Context) domain.Identity {
	id, _ := ctx.Value(callerKey{}).(domain.Identity)
	return id
}

func RequestIDMiddleware(next http.Handler) http.Handler {
	return middleware.RequestID(next)
}

func LoggerMiddleware(logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := middleware.GetReqID(r.Context())
			entry := logger.WithField("request_id", reqID)
			ctx := observability.ContextWithLogger(r.Context(), entry)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// MetricsMiddleware counts requests by route pattern, so path parameters do
// not explode label cardinality.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.RequestsTotal.WithLabelValues(route, strconv.Itoa(status), r.Method).Inc()
	})
}

func AuthMiddleware(authenticator auth.Authenticator, logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := observability.LoggerFromContext(r.Context(), logger)
			identity, err := authenticator.Authenticate(r)
			if err != nil {
				log.WithError(err).Debug("authentication failed")
				writeError(w, http.StatusUnauthorized, codeUnauthenticated, "authentication required")
				return
			}
			ctx := context.WithValue(r.Context(), callerKey{}, identity)
			ctx = observability.ContextWithLogger(ctx, log.WithField("caller", identity.String()))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type RateLimits struct {
	PerUser int
	PerIP   int
	Period  time.Duration
}

type limitKey struct {
	key  string
	rate int
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// RateLimitMiddleware is a no-op when rl is nil. Limiter errors let the
// request through.
func RateLimitMiddleware(rl *rateLimit.RateLimiter, limits RateLimits, logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rl == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			keys := []limitKey{{rateLimit.IPKey(clientIP(r)), limits.PerIP}}
			if caller := callerFromContext(r.Context()); !caller.Empty() {
				keys = append(keys, limitKey{rateLimit.UserKey(caller.String()), limits.PerUser})
			}

			for _, k := range keys {
				ok, err := rl.Allow(r.Context(), k.key, k.rate, limits.Period)
				if err != nil {
					observability.LoggerFromContext(r.Context(), logger).WithError(err).Warn("rate limiter unavailable")
					break
				}
				if !ok {
					observability.RateLimitExceeded.Inc()
					w.Header().Set("Retry-After", strconv.Itoa(int(limits.Period.Seconds())))
					writeError(w, http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

type recordingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rw *recordingWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *recordingWriter) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

// IdempotencyMiddleware requires an Idempotency-Key on POST requests and, when
// idemp is set, replays the stored response for a repeated key. Keys are
// scoped to the caller and route.
func IdempotencyMiddleware(idemp *idempotency.Idempotency, logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get(IdempotencyHeader)
			if len(key) < minIdempotencyKeyLen {
				writeError(w, http.StatusBadRequest, codeIdempotencyRequired, "Idempotency-Key of at least 16 characters is required")
				return
			}
			if idemp == nil {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			ctx := r.Context()
			log := observability.LoggerFromContext(ctx, logger)
			scoped := callerFromContext(ctx).String() + ":" + r.URL.Path + ":" + key
			fingerprint := idempotency.Fingerprint(body)

			stored, err := idemp.Begin(ctx, scoped, fingerprint)
			if err != nil {
				status, code := errorStatus(err)
				if status >= http.StatusInternalServerError {
					log.WithError(err).Error("idempotency lookup failed")
					writeError(w, http.StatusServiceUnavailable, codeUnavailable, "idempotency store unavailable")
					return
				}
				writeError(w, status, code, err.Error())
				return
			}
			if stored != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(stored.Status)
				w.Write(stored.Result)
				return
			}

			rec := &recordingWriter{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			// Server errors and retryable conflicts are not cached so the
			// client can retry with the same key.
			if rec.status == 0 || rec.status >= http.StatusInternalServerError || rec.Header().Get(retryAfterHeader) != "" {
				if err := idemp.Abort(context.WithoutCancel(ctx), scoped); err != nil {
					log.WithError(err).Warn("idempotency abort failed")
				}
				return
			}
			resp := idempotency.Response{Status: rec.status, Result: rec.body.Bytes()}
			if err := idemp.Complete(context.WithoutCancel(ctx), scoped, fingerprint, resp); err != nil {
				log.WithError(err).Warn("idempotency store failed")
			}
		})
	}
}

func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), otelhttp.HeaderCarrier(r.Header))
		tracer := otel.Tracer("http")
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.url", r.URL.String()),
		)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
