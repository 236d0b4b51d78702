package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/erauner12/chatbus/internal/errs"
	"github.com/erauner12/chatbus/internal/message"
)

func deliveryFrame(id string) message.DeliveryFrame {
	env := message.Envelope{
		MessageID:     id,
		ChatID:        "chat-1",
		TargetChannel: "session",
		MessageType:   message.TypeFIFO,
		PublishTime:   time.Now().UTC(),
	}
	return message.NewDelivery(&env, time.Now().UTC())
}

func TestWriteFrameQueues(t *testing.T) {
	ep := newEndpoint(2, 20*time.Millisecond)

	if err := ep.WriteFrame(context.Background(), deliveryFrame("m-1")); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if err := ep.WriteFrame(context.Background(), deliveryFrame("m-2")); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if got := len(ep.send); got != 2 {
		t.Errorf("expected 2 queued frames, got %d", got)
	}
}

func TestFullBufferReportsGone(t *testing.T) {
	// No write loop draining, so the buffer stays full past the budget.
	ep := newEndpoint(1, 20*time.Millisecond)

	if err := ep.WriteFrame(context.Background(), deliveryFrame("m-1")); err != nil {
		t.Fatalf("first WriteFrame failed: %v", err)
	}
	err := ep.WriteFrame(context.Background(), deliveryFrame("m-2"))
	if errs.CodeOf(err) != errs.CodeEndpointGone {
		t.Fatalf("expected ENDPOINT_GONE for a stuck consumer, got %v", err)
	}
}

func TestClosedEndpointReportsGone(t *testing.T) {
	ep := newEndpoint(4, time.Second)
	ep.close()

	err := ep.WriteFrame(context.Background(), deliveryFrame("m-1"))
	if errs.CodeOf(err) != errs.CodeEndpointGone {
		t.Fatalf("expected ENDPOINT_GONE after close, got %v", err)
	}
}

func TestCanceledWriteReportsTransient(t *testing.T) {
	ep := newEndpoint(1, time.Second)
	if err := ep.WriteFrame(context.Background(), deliveryFrame("m-1")); err != nil {
		t.Fatalf("first WriteFrame failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ep.WriteFrame(ctx, deliveryFrame("m-2"))
	if errs.CodeOf(err) != errs.CodeEndpointTransient {
		t.Fatalf("expected ENDPOINT_TRANSIENT on canceled write, got %v", err)
	}
}

func TestCloseWithKeepsFirstReason(t *testing.T) {
	ep := newEndpoint(1, time.Second)
	ep.closeWith(1001, "server shutting down")
	ep.closeWith(1000, "later close is ignored")

	if ep.closeCode != 1001 || ep.closeReason != "server shutting down" {
		t.Errorf("expected the first close to win, got %d %q", ep.closeCode, ep.closeReason)
	}
}
