package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/chatbus/internal/auth"
	"github.com/erauner12/chatbus/internal/errs"
	"github.com/erauner12/chatbus/internal/message"
)

// publishResponse acknowledges an accepted publish.
type publishResponse struct {
	MessageID      string       `json:"messageId"`
	PublishTime    time.Time    `json:"publishTime"`
	MessageType    message.Type `json:"messageType"`
	TargetChannel  string       `json:"targetChannel"`
	MessageGroupID string       `json:"messageGroupId,omitempty"`
}

// handlePublish is POST /publish, the stateless application-to-person path.
// Permission for payload.chatId is re-read from the store on every call.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	principal := auth.Principal(r.Context())

	var req message.PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errs.WriteHTTP(w, errs.Wrap(errs.CodeMalformedBody, "body is not valid JSON", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.Cfg.PublishTimeout)
	defer cancel()

	res, err := s.Publisher.PublishFromAPI(ctx, principal, req)
	if err != nil {
		log.Debug().Err(err).Str("principalId", principal).Msg("publish rejected")
		errs.WriteHTTP(w, err)
		return
	}

	resp := publishResponse{
		MessageID:      res.MessageID,
		PublishTime:    res.PublishTime,
		MessageType:    res.MessageType,
		TargetChannel:  res.TargetChannel,
		MessageGroupID: res.GroupID,
	}
	writeJSON(w, http.StatusOK, resp)
}
