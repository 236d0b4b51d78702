package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/erauner12/chatbus/internal/errs"
	"github.com/erauner12/chatbus/internal/message"
)

const (
	// writeWait bounds a single websocket write and the enqueue budget of
	// WriteFrame.
	writeWait = 10 * time.Second

	// pongWait is how long a session may stay silent before the read side
	// gives up on it. Pings go out early enough to keep a healthy client
	// inside the window.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxFrameBytes caps inbound frames.
	maxFrameBytes = 64 << 10
)

// endpoint is the write half of one websocket session. Every outbound frame
// rides the send channel through the write loop; the egress processor and
// the read loop never touch the connection directly.
type endpoint struct {
	send        chan any
	closed      chan struct{}
	closeOnce   sync.Once
	enqueueWait time.Duration

	// Set by closeWith before closed is closed; read only after <-closed.
	closeCode   int
	closeReason string
}

func newEndpoint(buffer int, enqueueWait time.Duration) *endpoint {
	if buffer < 1 {
		buffer = 1
	}
	return &endpoint{
		send:        make(chan any, buffer),
		closed:      make(chan struct{}),
		enqueueWait: enqueueWait,
	}
}

// WriteFrame implements session.Endpoint. A closed endpoint reports gone; so
// does a send buffer that stays full past the enqueue budget, because a
// consumer that far behind is not catching up on real-time frames.
func (ep *endpoint) WriteFrame(ctx context.Context, frame message.DeliveryFrame) error {
	return ep.enqueue(ctx, frame)
}

func (ep *endpoint) enqueue(ctx context.Context, v any) error {
	select {
	case ep.send <- v:
		return nil
	case <-ep.closed:
		return errs.New(errs.CodeEndpointGone, "session endpoint is closed")
	default:
	}

	timer := time.NewTimer(ep.enqueueWait)
	defer timer.Stop()
	select {
	case ep.send <- v:
		return nil
	case <-ep.closed:
		return errs.New(errs.CodeEndpointGone, "session endpoint is closed")
	case <-timer.C:
		return errs.New(errs.CodeEndpointGone, "session send buffer stayed full")
	case <-ctx.Done():
		return errs.Wrap(errs.CodeEndpointTransient, "session write canceled", ctx.Err())
	}
}

// close ends the endpoint with a normal-closure frame.
func (ep *endpoint) close() {
	ep.closeWith(websocket.CloseNormalClosure, "")
}

func (ep *endpoint) closeWith(code int, reason string) {
	ep.closeOnce.Do(func() {
		ep.closeCode = code
		ep.closeReason = reason
		close(ep.closed)
	})
}

// writeLoop owns the connection's write side: queued frames, keepalive
// pings, and the close frame once the endpoint shuts down. It closes the
// connection on exit, which unblocks the read loop.
func (ep *endpoint) writeLoop(conn *websocket.Conn, logger zerolog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case v := <-ep.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(v); err != nil {
				logger.Debug().Err(err).Msg("session write failed")
				ep.close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Debug().Err(err).Msg("session ping failed")
				ep.close()
				return
			}
		case <-ep.closed:
			deadline := time.Now().Add(writeWait)
			msg := websocket.FormatCloseMessage(ep.closeCode, ep.closeReason)
			_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}
	}
}
