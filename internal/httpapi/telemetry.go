package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/chatbus/internal/auth"
	"github.com/erauner12/chatbus/internal/errs"
	"github.com/erauner12/chatbus/internal/telemetry"
)

// telemetryRequest is a client-side delivery latency sample in milliseconds.
type telemetryRequest struct {
	Latency   *float64 `json:"latency"`
	MessageID string   `json:"messageId,omitempty"`
	ChatID    string   `json:"chatId,omitempty"`
}

// handleTelemetry is POST /metrics, the ingest side of the shared metrics
// path. The scrape side is GET on the same path.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	var req telemetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errs.WriteHTTP(w, errs.Wrap(errs.CodeMalformedBody, "body is not valid JSON", err))
		return
	}
	if req.Latency == nil || *req.Latency < 0 {
		errs.WriteHTTP(w, errs.New(errs.CodeMissingField, "latency is required and must be >= 0"))
		return
	}

	telemetry.ClientLatency.Observe(*req.Latency / 1000)
	log.Info().
		Float64("latencyMs", *req.Latency).
		Str("messageId", req.MessageID).
		Str("chatId", req.ChatID).
		Str("principalId", auth.Principal(r.Context())).
		Msg("client latency sample")
	w.WriteHeader(http.StatusNoContent)
}
