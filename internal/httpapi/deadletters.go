package httpapi

import (
	"net/http"

	"github.com/erauner12/chatbus/internal/deadletter"
	"github.com/erauner12/chatbus/internal/errs"
)

// deadLettersResponse is the response body for GET /deadletters.
type deadLettersResponse struct {
	DeadLetters []deadletter.Entry `json:"deadLetters"`
}

// handleListDeadLetters is GET /deadletters (admin only). Newest first.
func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"), 50, 200)

	entries, err := s.DeadLetters.List(r.Context(), limit)
	if err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	if entries == nil {
		entries = []deadletter.Entry{}
	}
	writeJSON(w, http.StatusOK, deadLettersResponse{DeadLetters: entries})
}
