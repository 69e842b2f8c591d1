// SPDX-License-Identifier: MIT

package api

import (
	"crypto/subtle"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"

	"loopcast/internal/log"
	"loopcast/internal/metrics"
)

// HeaderRequestID carries the request correlation id. Incoming values
// are passed through so callers can correlate across services.
const HeaderRequestID = "X-Request-Id"

// requestID tags every request with a correlation id and mirrors it in
// the response headers.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(HeaderRequestID, id)
		ctx := log.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recoverer keeps panics inside handlers from killing the process. It
// logs the stack and returns a JSON 500 carrying the request id.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				buf := make([]byte, 8192)
				n := runtime.Stack(buf, false)

				reqID := log.RequestIDFromContext(r.Context())
				pathLabel := r.URL.Path
				if !utf8.ValidString(pathLabel) {
					pathLabel = strings.ToValidUTF8(pathLabel, "")
				}

				logger := log.WithComponentFromContext(r.Context(), "api")
				logger.Error().
					Str("event", "panic.recovered").
					Str("method", r.Method).
					Str("path", pathLabel).
					Str("remote", r.RemoteAddr).
					Interface("panic_value", rec).
					Str("stack_trace", string(buf[:n])).
					Msg("panic recovered in HTTP handler")

				writeJSON(w, http.StatusInternalServerError, map[string]string{
					"error":     "internal server error",
					"requestId": reqID,
				})
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// requestMetrics records Prometheus metrics for every request: latency,
// in-flight count, and request/response sizes.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		contentLength := r.ContentLength

		metrics.IncHTTPInFlight()
		defer metrics.DecHTTPInFlight()

		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := routePattern(r)
		status := strconv.Itoa(ww.Status())

		if contentLength > 0 {
			metrics.ObserveHTTPRequestSize(r.Method, path, float64(contentLength))
		}
		metrics.ObserveHTTPRequest(r.Method, path, status, time.Since(start).Seconds())
		metrics.ObserveHTTPResponseSize(r.Method, path, status, float64(ww.BytesWritten()))
	})
}

// routePattern returns the chi route pattern for labelling, falling
// back to the raw path for unmatched requests. Patterns keep metric
// cardinality bounded.
func routePattern(r *http.Request) string {
	path := r.URL.Path
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			path = pattern
		}
	}
	return path
}

// accessLog writes one structured line per served request.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Info().
			Str("event", "http.request").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request served")
	})
}

// rateLimit caps requests per client IP using a sliding one-minute
// window. Exceeding it yields a JSON 429 with a Retry-After header.
func rateLimit(rpm int) func(http.Handler) http.Handler {
	window := time.Minute
	return httprate.Limit(
		rpm,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}` + "\n"))
		}),
	)
}

// authMiddleware enforces Bearer token auth on the /api subtree. An
// empty configured token disables the check.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}

		logger := log.WithComponentFromContext(r.Context(), "auth")

		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, prefix) {
			logger.Warn().Str("event", "auth.missing_header").Msg("authorization header missing or malformed")
			writeUnauthorized(w)
			return
		}

		// Constant-time comparison to keep token probing blind.
		got := strings.TrimPrefix(header, prefix)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			logger.Warn().Str("event", "auth.invalid_token").Msg("invalid api token")
			writeUnauthorized(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}
