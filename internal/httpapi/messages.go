package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/erauner12/chatbus/internal/auth"
	"github.com/erauner12/chatbus/internal/errs"
	"github.com/erauner12/chatbus/internal/message"
)

// messagesResponse is the response body for history queries. Expired but
// not yet reaped records are filtered out by the store, so absence of a
// sequence number here is authoritative within the retention window.
type messagesResponse struct {
	Messages     []message.Envelope `json:"messages"`
	NextStartKey *string            `json:"nextStartKey,omitempty"`
}

// handleMessages is GET /messages. Two modes share the endpoint: a paged
// range listing, and a gap-fill lookup of explicit sequence numbers via
// ?sequences=. Both re-authorize the caller against the permission store.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	principal := auth.Principal(r.Context())
	q := r.URL.Query()

	chatID := q.Get("chatId")
	if chatID == "" {
		errs.WriteHTTP(w, errs.New(errs.CodeMissingField, "chatId is required"))
		return
	}

	rec, err := s.Perms.Get(r.Context(), principal, chatID)
	if err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	if rec == nil {
		errs.WriteHTTP(w, errs.New(errs.CodeNoPermission, "no permission for this chat"))
		return
	}

	if raw := q.Get("sequences"); raw != "" {
		seqs, verr := parseSequences(raw)
		if verr != nil {
			errs.WriteHTTP(w, verr)
			return
		}
		records, err := s.History.BySequences(r.Context(), chatID, seqs)
		if err != nil {
			errs.WriteHTTP(w, err)
			return
		}
		if records == nil {
			records = []message.Envelope{}
		}
		writeJSON(w, http.StatusOK, messagesResponse{Messages: records})
		return
	}

	limit := parseLimit(q.Get("limit"), 50, 200)

	var fromTime time.Time
	if raw := q.Get("fromTime"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			errs.WriteHTTP(w, errs.Wrap(errs.CodeMalformedBody, "fromTime must be RFC 3339", err))
			return
		}
		fromTime = ts
	}

	records, next, err := s.History.Range(r.Context(), chatID, fromTime, limit, q.Get("startKey"))
	if err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	if records == nil {
		records = []message.Envelope{}
	}
	resp := messagesResponse{Messages: records}
	if next != "" {
		resp.NextStartKey = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseSequences parses the comma separated ?sequences= list.
func parseSequences(raw string) ([]uint64, *errs.Error) {
	parts := strings.Split(raw, ",")
	seqs := make([]uint64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil, errs.New(errs.CodeMalformedBody, fmt.Sprintf("bad sequence number %q", p))
		}
		seqs = append(seqs, n)
	}
	if len(seqs) == 0 {
		return nil, errs.New(errs.CodeMissingField, "sequences must contain at least one number")
	}
	return seqs, nil
}
