package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/chatbus/internal/auth"
	"github.com/erauner12/chatbus/internal/errs"
	"github.com/erauner12/chatbus/internal/perm"
)

// grantRequest is the request body for POST /permissions.
type grantRequest struct {
	TargetUserID string    `json:"targetUserId"`
	ChatID       string    `json:"chatId"`
	Role         perm.Role `json:"role"`
}

// permissionsResponse is the response body for GET /permissions.
type permissionsResponse struct {
	Permissions  []perm.Record `json:"permissions"`
	NextStartKey *string       `json:"nextStartKey,omitempty"`
}

// handleGrantPermission is POST /permissions (admin only). Granting is an
// upsert: re-granting an existing pair updates the role.
func (s *Server) handleGrantPermission(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errs.WriteHTTP(w, errs.Wrap(errs.CodeMalformedBody, "body is not valid JSON", err))
		return
	}
	if req.TargetUserID == "" {
		errs.WriteHTTP(w, errs.New(errs.CodeMissingField, "targetUserId is required"))
		return
	}
	if req.ChatID == "" {
		errs.WriteHTTP(w, errs.New(errs.CodeMissingField, "chatId is required"))
		return
	}

	grantedBy := auth.Principal(r.Context())
	if err := s.Perms.Grant(r.Context(), req.TargetUserID, req.ChatID, req.Role, grantedBy); err != nil {
		errs.WriteHTTP(w, err)
		return
	}

	log.Info().
		Str("targetUserId", req.TargetUserID).
		Str("chatId", req.ChatID).
		Str("role", string(req.Role)).
		Str("grantedBy", grantedBy).
		Msg("permission granted")
	w.WriteHeader(http.StatusNoContent)
}

// handleRevokePermission is DELETE /permissions (admin only). Revoking a
// pair that does not exist is a no-op success.
func (s *Server) handleRevokePermission(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("userId")
	chatID := q.Get("chatId")
	if userID == "" {
		errs.WriteHTTP(w, errs.New(errs.CodeMissingField, "userId is required"))
		return
	}
	if chatID == "" {
		errs.WriteHTTP(w, errs.New(errs.CodeMissingField, "chatId is required"))
		return
	}

	if err := s.Perms.Revoke(r.Context(), userID, chatID); err != nil {
		errs.WriteHTTP(w, err)
		return
	}

	// Live sessions admitted under this grant keep their chat set until
	// they disconnect; the stateless paths see the revocation immediately.
	log.Info().
		Str("targetUserId", userID).
		Str("chatId", chatID).
		Str("revokedBy", auth.Principal(r.Context())).
		Msg("permission revoked")
	w.WriteHeader(http.StatusNoContent)
}

// handleListPermissions is GET /permissions. A caller may always list
// their own grants; listing another principal, or a whole chat's roster
// via ?chatId=, requires admin.
func (s *Server) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	principal := auth.Principal(r.Context())
	q := r.URL.Query()

	limit := parseLimit(q.Get("limit"), 50, 200)

	if chatID := q.Get("chatId"); chatID != "" {
		if q.Get("userId") != "" {
			errs.WriteHTTP(w, errs.New(errs.CodeMalformedBody, "userId and chatId are mutually exclusive"))
			return
		}
		if !s.Cfg.IsAdmin(principal) {
			errs.WriteHTTP(w, errs.New(errs.CodeNoPermission, "listing a chat roster requires admin"))
			return
		}
		records, next, err := s.Perms.ListByChat(r.Context(), chatID, limit, q.Get("startKey"))
		if err != nil {
			errs.WriteHTTP(w, err)
			return
		}
		writeListing(w, records, next)
		return
	}

	target := q.Get("userId")
	if target == "" {
		target = principal
	}
	if target != principal && !s.Cfg.IsAdmin(principal) {
		errs.WriteHTTP(w, errs.New(errs.CodeNoPermission, "cannot list another principal's permissions"))
		return
	}

	records, next, err := s.Perms.List(r.Context(), target, limit, q.Get("startKey"))
	if err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	writeListing(w, records, next)
}

func writeListing(w http.ResponseWriter, records []perm.Record, next string) {
	if records == nil {
		records = []perm.Record{}
	}
	resp := permissionsResponse{Permissions: records}
	if next != "" {
		resp.NextStartKey = &next
	}
	writeJSON(w, http.StatusOK, resp)
}
