package main

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"poseoverlay/internal/handlers"
)

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares so that the first one runs outermost.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; 0 <= i; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Recovery turns handler panics into 500 responses.
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); nil != v {
					if http.ErrAbortHandler == v {
						panic(v)
					}

					logger.Error("panic recovered",
						zap.Any("panic", v),
						zap.String("path", r.URL.Path),
						zap.String("request_id", handlers.RequestID(r.Context())),
						zap.Stack("stack"),
					)
					handlers.WriteJSON(w, http.StatusInternalServerError, handlers.Response{
						Error:     &handlers.ErrorInfo{Code: handlers.CodeInternal, Message: "internal error"},
						Timestamp: time.Now(),
						RequestID: handlers.RequestID(r.Context()),
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID propagates X-Request-ID or assigns a new one.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(handlers.RequestIDHeader)
			if "" == id || 128 < len(id) {
				id = uuid.NewString()
			}

			w.Header().Set(handlers.RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(handlers.WithRequestID(r.Context(), id)))
		})
	}
}

// RequestLogger logs one line per request.
func RequestLogger(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)

			next.ServeHTTP(rw, r)

			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.StatusCode),
				zap.Int64("bytes", rw.Bytes),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("request_id", handlers.RequestID(r.Context())),
			)
		})
	}
}

// HTTPRecorder records served requests.
type HTTPRecorder interface {
	RecordHTTPRequest(method, path string, status int, duration time.Duration, responseSize int64)
}

// Metrics records request count, latency and response size.
func Metrics(recorder HTTPRecorder) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)

			next.ServeHTTP(rw, r)

			recorder.RecordHTTPRequest(r.Method, normalizePath(r.URL.Path), rw.StatusCode, time.Since(start), rw.Bytes)
		})
	}
}

var idSegment = regexp.MustCompile(`^[0-9a-fA-F]{8,}(-[0-9a-fA-F]{4,}){0,4}$|^[0-9]+$`)

// normalizePath replaces id-like segments with ":id" to bound label
// cardinality, e.g. /api/v1/jobs/<uuid>/video -> /api/v1/jobs/:id/video.
func normalizePath(path string) string {
	switch path {
	case "/", "/health", "/healthz", "/ready", "/version",
		"/api/v1/keypoints", "/api/v1/preview", "/api/v1/videos", "/api/v1/jobs":
		return path
	}

	if strings.HasPrefix(path, "/static/") {
		return "/static/*"
	}

	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if "" != seg && idSegment.MatchString(seg) {
			segments[i] = ":id"
		}
	}

	return strings.Join(segments, "/")
}

// OTelTracing starts a server span per request.
func OTelTracing() Middleware {
	tracer := otel.Tracer("poseoverlay/http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			path := normalizePath(r.URL.Path)
			ctx, span := tracer.Start(ctx, r.Method+" "+path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("http.route", path),
				),
			)
			defer span.End()

			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.response.status_code", rw.StatusCode))
			if http.StatusInternalServerError <= rw.StatusCode {
				span.SetStatus(codes.Error, http.StatusText(rw.StatusCode))
			}
		})
	}
}

// RateLimiter limits requests per client IP. Idle clients are forgotten
// after a few minutes; the sweeper stops with ctx.
func RateLimiter(ctx context.Context, rps float64, burst int, logger *zap.Logger) Middleware {
	type visitor struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}

	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				for ip, v := range visitors {
					if 3*time.Minute < time.Since(v.lastSeen) {
						delete(visitors, ip)
					}
				}
				mu.Unlock()
			}
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if nil != err {
				ip = r.RemoteAddr
			}

			mu.Lock()
			v, ok := visitors[ip]
			if !ok {
				v = &visitor{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
				visitors[ip] = v
			}
			v.lastSeen = time.Now()
			mu.Unlock()

			if !v.limiter.Allow() {
				logger.Debug("rate limited", zap.String("ip", ip), zap.String("path", r.URL.Path))
				handlers.WriteError(w, r, handlers.NewAPIError(http.StatusTooManyRequests, handlers.CodeRateLimited, "too many requests"), nil)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeaders sets the common hardening headers. Blob images, blob
// videos and websockets are allowed for the UI.
func SecurityHeaders() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Content-Security-Policy", "default-src 'self'; img-src 'self' blob:; media-src 'self' blob:; connect-src 'self' ws: wss:; style-src 'self' 'unsafe-inline'")
			next.ServeHTTP(w, r)
		})
	}
}
