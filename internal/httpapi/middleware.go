package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/chatbus/internal/auth"
	"github.com/erauner12/chatbus/internal/errs"
	"github.com/erauner12/chatbus/internal/telemetry"
)

// requestLogger emits one structured line per completed request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		log.Info().
			Str("requestId", chimw.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

// collectMetrics records request counts and durations. Runs after routing
// so the chi route pattern is available, keeping label cardinality bounded.
func collectMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		telemetry.HTTPRequests.WithLabelValues(r.Method, pattern, strconv.Itoa(ww.Status())).Inc()
		telemetry.HTTPDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

// rateLimit applies the per-principal token bucket to the publish path.
// A nil limiter allows everything.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := auth.Principal(r.Context())
		ok, retryAfter := s.Limiter.Allow(principal)
		if !ok {
			secs := int(retryAfter/time.Second) + 1
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			log.Warn().
				Str("principalId", principal).
				Int("retryAfterSec", secs).
				Msg("publish rate limit exceeded")
			errs.WriteHTTP(w, errs.New(errs.CodeRateLimited, "publish rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin gates a subtree on the configured admin allowlist.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := auth.Principal(r.Context())
		if !s.Cfg.IsAdmin(principal) {
			log.Warn().
				Str("principalId", principal).
				Str("path", r.URL.Path).
				Msg("admin endpoint denied")
			errs.WriteHTTP(w, errs.New(errs.CodeNoPermission, "admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
