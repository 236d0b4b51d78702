package message

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/erauner12/chatbus/internal/errs"
)

// Type discriminates the two topic families.
type Type string

const (
	TypeFIFO     Type = "fifo"
	TypeStandard Type = "standard"
)

// Valid reports whether t is one of the enumerated message types.
func (t Type) Valid() bool {
	return t == TypeFIFO || t == TypeStandard
}

// Envelope is the canonical on-bus message. It is immutable after publish;
// processors enrich outgoing frames, never the envelope itself.
type Envelope struct {
	MessageID      string          `json:"messageId"`
	ChatID         string          `json:"chatId"`
	PrincipalID    string          `json:"principalId"`
	TargetChannel  string          `json:"targetChannel"`
	MessageType    Type            `json:"messageType"`
	SequenceNumber *uint64         `json:"sequenceNumber,omitempty"`
	PublishTime    time.Time       `json:"publishTime"`
	GroupID        string          `json:"groupId,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

// Attributes are the routing attributes the bus filters subscriptions on.
type Attributes struct {
	TargetChannel string
	ChatID        string
	MessageType   Type
	PublishTime   time.Time
}

// Attributes returns the filterable view of the envelope.
func (e *Envelope) Attributes() Attributes {
	return Attributes{
		TargetChannel: e.TargetChannel,
		ChatID:        e.ChatID,
		MessageType:   e.MessageType,
		PublishTime:   e.PublishTime,
	}
}

// Age is the time elapsed since the publish stamp.
func (e *Envelope) Age(now time.Time) time.Duration {
	return now.Sub(e.PublishTime)
}

// Sequence returns the sequence number and whether one was assigned.
func (e *Envelope) Sequence() (uint64, bool) {
	if e.SequenceNumber == nil {
		return 0, false
	}
	return *e.SequenceNumber, true
}

// ContentHash derives the deterministic message id used on the fifo topic.
// Server-assigned fields (publishTime, sequenceNumber) are excluded so a
// client retry of the same publish collapses to the same id.
func (e *Envelope) ContentHash() string {
	h := sha256.New()
	for _, part := range []string{e.PrincipalID, e.ChatID, e.TargetChannel, string(e.MessageType), e.GroupID} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(e.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// NewStandardID returns a random message id for the standard topic, which
// performs no deduplication.
func NewStandardID() string {
	return uuid.NewString()
}

// PublishRequest is the publish shape shared by the HTTP body and the
// in-session sendMessage frame.
type PublishRequest struct {
	TargetChannel    string          `json:"targetChannel"`
	MessageType      Type            `json:"messageType"`
	MessageGroupID   string          `json:"messageGroupId,omitempty"`
	GenerateSequence bool            `json:"generateSequence,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// ChatID extracts payload.chatId. Second return is false when the payload is
// not an object or the field is absent or empty.
func (r *PublishRequest) ChatID() (string, bool) {
	if len(r.Payload) == 0 {
		return "", false
	}
	var probe struct {
		ChatID string `json:"chatId"`
	}
	if err := json.Unmarshal(r.Payload, &probe); err != nil {
		return "", false
	}
	if probe.ChatID == "" {
		return "", false
	}
	return probe.ChatID, true
}

// Validate checks the request against the ingress contract. The returned
// error carries the code the public API surfaces.
func (r *PublishRequest) Validate() *errs.Error {
	if r.TargetChannel == "" {
		return errs.New(errs.CodeMissingField, "targetChannel is required")
	}
	if len(r.Payload) == 0 || string(r.Payload) == "null" {
		return errs.New(errs.CodeMissingField, "payload is required")
	}
	if !r.MessageType.Valid() {
		return errs.New(errs.CodeInvalidMessageType, "messageType must be \"fifo\" or \"standard\"")
	}
	if _, ok := r.ChatID(); !ok {
		return errs.New(errs.CodeMissingField, "payload.chatId is required")
	}
	return nil
}
