package message

import (
	"errors"
	"time"

	"github.com/erauner12/chatbus/internal/errs"
)

// Operation codes accepted on an open session.
const OpSendMessage = "sendMessage"

// Outbound frame discriminators.
const (
	FrameAck     = "ack"
	FrameMessage = "message"
	FrameSession = "session"
)

// Ack statuses.
const (
	AckOK    = "ok"
	AckError = "error"
)

// ClientFrame is an inbound session frame. Only sendMessage is recognized;
// unknown ops get an error ack.
type ClientFrame struct {
	Op    string `json:"op"`
	AckID string `json:"ackId,omitempty"`
	PublishRequest
}

// FrameError is the error detail carried on an error ack.
type FrameError struct {
	Code    errs.Code `json:"code"`
	Message string    `json:"message"`
}

// AckFrame acknowledges an in-session publish, correlated by the optional
// client-supplied ackId.
type AckFrame struct {
	Type      string      `json:"type"`
	AckID     string      `json:"ackId,omitempty"`
	Status    string      `json:"status"`
	MessageID string      `json:"messageId,omitempty"`
	Error     *FrameError `json:"error,omitempty"`
}

// OkAck builds a success ack for a published message.
func OkAck(ackID, messageID string) AckFrame {
	return AckFrame{Type: FrameAck, AckID: ackID, Status: AckOK, MessageID: messageID}
}

// ErrAck builds an error ack from any error, preserving the code when the
// error is typed.
func ErrAck(ackID string, err error) AckFrame {
	fe := &FrameError{Code: errs.CodeInternal, Message: "internal error"}
	var e *errs.Error
	if errors.As(err, &e) {
		fe.Code = e.Code
		fe.Message = e.Message
	}
	return AckFrame{Type: FrameAck, AckID: ackID, Status: AckError, Error: fe}
}

// SessionFrame is the first frame on an accepted session. It hands the
// client its session id and the chat set it was admitted for.
type SessionFrame struct {
	Type      string   `json:"type"`
	SessionID string   `json:"sessionId"`
	ChatIDs   []string `json:"chatIds"`
}

// NewSessionAccepted builds the accept frame for a fresh session.
func NewSessionAccepted(sessionID string, chatIDs []string) SessionFrame {
	return SessionFrame{Type: FrameSession, SessionID: sessionID, ChatIDs: chatIDs}
}

// DeliveryFrame is the frame written to recipient sessions. It carries the
// envelope plus the enrichment added at the egress processor.
type DeliveryFrame struct {
	Type string `json:"type"`
	Envelope
	ReceivedTimestamp time.Time `json:"receivedTimestamp"`
	LatencyMs         int64     `json:"latencyMs"`
}

// NewDelivery enriches an envelope for a session write at the given receive
// time.
func NewDelivery(env *Envelope, now time.Time) DeliveryFrame {
	return DeliveryFrame{
		Type:              FrameMessage,
		Envelope:          *env,
		ReceivedTimestamp: now,
		LatencyMs:         now.Sub(env.PublishTime).Milliseconds(),
	}
}
