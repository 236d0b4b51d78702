// Package httpapi is the service's HTTP surface: the stateless publish
// path, history queries, permission administration, telemetry, and the
// operational endpoints. The websocket session endpoint is mounted here
// but implemented by the gateway package.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/chatbus/internal/auth"
	"github.com/erauner12/chatbus/internal/config"
	"github.com/erauner12/chatbus/internal/deadletter"
	"github.com/erauner12/chatbus/internal/message"
	"github.com/erauner12/chatbus/internal/perm"
	"github.com/erauner12/chatbus/internal/publish"
	"github.com/erauner12/chatbus/internal/ratelimit"
)

// Publisher is the stateless ingress path. Satisfied by *publish.Publisher.
type Publisher interface {
	PublishFromAPI(ctx context.Context, principalID string, req message.PublishRequest) (*publish.Result, error)
}

// PermissionStore covers the admin surface plus the per-request
// re-authorization of the query API. Satisfied by *perm.Store.
type PermissionStore interface {
	Get(ctx context.Context, principalID, chatID string) (*perm.Record, error)
	List(ctx context.Context, principalID string, limit int, startKey string) ([]perm.Record, string, error)
	ListByChat(ctx context.Context, chatID string, limit int, startKey string) ([]perm.Record, string, error)
	Grant(ctx context.Context, principalID, chatID string, role perm.Role, grantedBy string) error
	Revoke(ctx context.Context, principalID, chatID string) error
}

// HistoryReader serves the listing and gap-fill queries. Satisfied by
// *history.Store.
type HistoryReader interface {
	Range(ctx context.Context, chatID string, fromTime time.Time, limit int, startKey string) ([]message.Envelope, string, error)
	BySequences(ctx context.Context, chatID string, seqs []uint64) ([]message.Envelope, error)
}

// DeadLetterReader lists parked envelopes for operators. Satisfied by
// *deadletter.Store.
type DeadLetterReader interface {
	List(ctx context.Context, limit int) ([]deadletter.Entry, error)
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	Cfg         config.Config
	Verifier    *auth.Verifier
	Publisher   Publisher
	Perms       PermissionStore
	History     HistoryReader
	DeadLetters DeadLetterReader
	Limiter     *ratelimit.Limiter
	Session     http.Handler // websocket gateway, optional
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// parseLimit parses a limit query param with default and max.
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// Routes creates the HTTP router with all endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger)
	r.Use(collectMetrics)
	r.Use(chimw.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Debug-Sub"},
		MaxAge:         300,
	}).Handler)

	// Health check (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	// Prometheus scrape (unauthenticated)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Websocket sessions authenticate during their own handshake, since
	// browser clients cannot set an Authorization header on the upgrade.
	if s.Session != nil {
		r.Method(http.MethodGet, "/session", s.Session)
	}

	// Everything else requires authentication
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.Verifier, s.Cfg.DevMode))

		r.With(s.rateLimit).Post("/publish", s.handlePublish)
		r.Get("/messages", s.handleMessages)
		r.Post("/metrics", s.handleTelemetry)
		r.Get("/permissions", s.handleListPermissions)

		// Admin-only
		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)

			r.Post("/permissions", s.handleGrantPermission)
			r.Delete("/permissions", s.handleRevokePermission)
			r.Get("/deadletters", s.handleListDeadLetters)
		})
	})

	return r
}
