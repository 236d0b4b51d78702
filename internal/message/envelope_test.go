package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/erauner12/chatbus/internal/errs"
)

func TestPublishRequest_Validate(t *testing.T) {
	tests := []struct {
		name     string
		req      PublishRequest
		wantCode errs.Code
	}{
		{
			name: "valid fifo",
			req: PublishRequest{
				TargetChannel: "session",
				MessageType:   TypeFIFO,
				Payload:       json.RawMessage(`{"chatId":"chat-1","text":"hi"}`),
			},
		},
		{
			name: "valid standard",
			req: PublishRequest{
				TargetChannel: "session",
				MessageType:   TypeStandard,
				Payload:       json.RawMessage(`{"chatId":"chat-1"}`),
			},
		},
		{
			name: "missing targetChannel",
			req: PublishRequest{
				MessageType: TypeFIFO,
				Payload:     json.RawMessage(`{"chatId":"chat-1"}`),
			},
			wantCode: errs.CodeMissingField,
		},
		{
			name: "missing payload",
			req: PublishRequest{
				TargetChannel: "session",
				MessageType:   TypeFIFO,
			},
			wantCode: errs.CodeMissingField,
		},
		{
			name: "null payload",
			req: PublishRequest{
				TargetChannel: "session",
				MessageType:   TypeFIFO,
				Payload:       json.RawMessage(`null`),
			},
			wantCode: errs.CodeMissingField,
		},
		{
			name: "missing payload.chatId",
			req: PublishRequest{
				TargetChannel: "session",
				MessageType:   TypeFIFO,
				Payload:       json.RawMessage(`{"text":"hi"}`),
			},
			wantCode: errs.CodeMissingField,
		},
		{
			name: "bad message type",
			req: PublishRequest{
				TargetChannel: "session",
				MessageType:   Type("bulk"),
				Payload:       json.RawMessage(`{"chatId":"chat-1"}`),
			},
			wantCode: errs.CodeInvalidMessageType,
		},
		{
			name: "empty message type",
			req: PublishRequest{
				TargetChannel: "session",
				Payload:       json.RawMessage(`{"chatId":"chat-1"}`),
			},
			wantCode: errs.CodeInvalidMessageType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("Expected valid request, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected code %s, got nil", tt.wantCode)
			}
			if err.Code != tt.wantCode {
				t.Errorf("Expected code %s, got %s", tt.wantCode, err.Code)
			}
		})
	}
}

func TestPublishRequest_ChatID(t *testing.T) {
	req := PublishRequest{Payload: json.RawMessage(`{"chatId":"chat-9","body":"x"}`)}
	id, ok := req.ChatID()
	if !ok || id != "chat-9" {
		t.Errorf("Expected chat-9, got %q ok=%v", id, ok)
	}

	req = PublishRequest{Payload: json.RawMessage(`["not","an","object"]`)}
	if _, ok := req.ChatID(); ok {
		t.Error("Expected extraction to fail for non-object payload")
	}

	req = PublishRequest{Payload: json.RawMessage(`{"chatId":""}`)}
	if _, ok := req.ChatID(); ok {
		t.Error("Expected extraction to fail for empty chatId")
	}
}

func TestEnvelope_ContentHash_CollapsesRetries(t *testing.T) {
	seq := uint64(7)
	first := Envelope{
		ChatID:        "chat-1",
		PrincipalID:   "alice",
		TargetChannel: "session",
		MessageType:   TypeFIFO,
		GroupID:       "chat-1",
		PublishTime:   time.Now().UTC(),
		Payload:       json.RawMessage(`{"chatId":"chat-1","text":"hello"}`),
	}
	retry := first
	retry.PublishTime = first.PublishTime.Add(2 * time.Second)
	retry.SequenceNumber = &seq

	if first.ContentHash() != retry.ContentHash() {
		t.Error("Retry with new publishTime/sequence must hash to the same id")
	}

	other := first
	other.Payload = json.RawMessage(`{"chatId":"chat-1","text":"hello!"}`)
	if first.ContentHash() == other.ContentHash() {
		t.Error("Different payloads must hash to different ids")
	}

	otherChat := first
	otherChat.ChatID = "chat-2"
	if first.ContentHash() == otherChat.ContentHash() {
		t.Error("Different chats must hash to different ids")
	}
}

func TestNewDelivery_Enrichment(t *testing.T) {
	published := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	received := published.Add(340 * time.Millisecond)

	env := &Envelope{
		MessageID:     "m1",
		ChatID:        "chat-1",
		PrincipalID:   "alice",
		TargetChannel: "session",
		MessageType:   TypeFIFO,
		PublishTime:   published,
		Payload:       json.RawMessage(`{"chatId":"chat-1"}`),
	}

	frame := NewDelivery(env, received)
	if frame.Type != FrameMessage {
		t.Errorf("Expected frame type %q, got %q", FrameMessage, frame.Type)
	}
	if frame.LatencyMs != 340 {
		t.Errorf("Expected latency 340ms, got %d", frame.LatencyMs)
	}
	if !frame.ReceivedTimestamp.Equal(received) {
		t.Errorf("Expected receivedTimestamp %v, got %v", received, frame.ReceivedTimestamp)
	}
	if frame.MessageID != "m1" || frame.ChatID != "chat-1" {
		t.Error("Delivery frame must carry the envelope fields unchanged")
	}
}

func TestEnvelope_JSONRoundsPublishTimeUTC(t *testing.T) {
	env := Envelope{
		MessageID:     "m1",
		ChatID:        "chat-1",
		PrincipalID:   "p",
		TargetChannel: "session",
		MessageType:   TypeStandard,
		PublishTime:   time.Date(2025, 6, 1, 12, 0, 0, 500e6, time.UTC),
		Payload:       json.RawMessage(`{"chatId":"chat-1"}`),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	pt, _ := m["publishTime"].(string)
	if pt != "2025-06-01T12:00:00.5Z" {
		t.Errorf("Expected ISO-8601 UTC publishTime, got %q", pt)
	}
	if _, present := m["sequenceNumber"]; present {
		t.Error("sequenceNumber must be omitted when not assigned")
	}
}

func TestErrAck_PreservesCode(t *testing.T) {
	ack := ErrAck("a1", errs.New(errs.CodeNoPermission, "no permission on chat-1"))
	if ack.Status != AckError {
		t.Errorf("Expected status error, got %s", ack.Status)
	}
	if ack.Error == nil || ack.Error.Code != errs.CodeNoPermission {
		t.Errorf("Expected NO_PERMISSION, got %+v", ack.Error)
	}

	wrapped := fmt.Errorf("publish: %w", errs.New(errs.CodeBusUnavailable, "queue full"))
	ack = ErrAck("a2", wrapped)
	if ack.Error.Code != errs.CodeBusUnavailable {
		t.Errorf("Expected BUS_UNAVAILABLE through wrapping, got %s", ack.Error.Code)
	}

	ack = ErrAck("a3", errors.New("plain"))
	if ack.Error.Code != errs.CodeInternal {
		t.Errorf("Expected INTERNAL_ERROR for untyped error, got %s", ack.Error.Code)
	}
	if ack.Error.Message != "internal error" {
		t.Errorf("Untyped error detail must not leak, got %q", ack.Error.Message)
	}
}
