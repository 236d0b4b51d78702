// Package gateway terminates the bidirectional session surface. A handshake
// presents a bearer token and the chats it wants; the gateway verifies the
// token, requires a permission record for every requested chat, and only
// then opens a registry entry. The admitted chat set is fixed for the
// session's lifetime. In-session frames are serviced serially per session,
// which is what keeps a publisher's fifo messages in publish order.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/chatbus/internal/auth"
	"github.com/erauner12/chatbus/internal/errs"
	"github.com/erauner12/chatbus/internal/message"
	"github.com/erauner12/chatbus/internal/perm"
	"github.com/erauner12/chatbus/internal/publish"
	"github.com/erauner12/chatbus/internal/ratelimit"
	"github.com/erauner12/chatbus/internal/session"
	"github.com/erauner12/chatbus/internal/telemetry"
)

// TokenVerifier validates a bearer token and returns its claims. Satisfied
// by *auth.Verifier.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*auth.Claims, error)
}

// PermissionReader is the point lookup the handshake authorizes each
// requested chat against. Satisfied by *perm.Store.
type PermissionReader interface {
	Get(ctx context.Context, principalID, chatID string) (*perm.Record, error)
}

// Publisher accepts in-session publishes. Satisfied by *publish.Publisher.
type Publisher interface {
	PublishFromSession(ctx context.Context, principalID string, hasChat func(string) bool, req message.PublishRequest) (*publish.Result, error)
}

// Options configure a Gateway.
type Options struct {
	Verifier  TokenVerifier
	Perms     PermissionReader
	Registry  *session.Registry
	Publisher Publisher
	Limiter   *ratelimit.Limiter // applied per principal to sendMessage frames

	DevMode        bool          // accept X-Debug-Sub in place of a token
	AuthTimeout    time.Duration // handshake verification budget, default 2s
	PublishTimeout time.Duration // in-session publish budget, default 5s
	SendBuffer     int           // outbound frames queued per session, default 256
}

// Gateway upgrades handshakes into live sessions and runs their loops.
type Gateway struct {
	verifier  TokenVerifier
	perms     PermissionReader
	registry  *session.Registry
	publisher Publisher
	limiter   *ratelimit.Limiter

	devMode        bool
	authTimeout    time.Duration
	publishTimeout time.Duration
	sendBuffer     int

	upgrader websocket.Upgrader

	mu       sync.Mutex
	live     map[string]*endpoint
	draining bool
}

// New creates a gateway.
func New(opts Options) *Gateway {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 2 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	return &Gateway{
		verifier:       opts.Verifier,
		perms:          opts.Perms,
		registry:       opts.Registry,
		publisher:      opts.Publisher,
		limiter:        opts.Limiter,
		devMode:        opts.DevMode,
		authTimeout:    opts.AuthTimeout,
		publishTimeout: opts.PublishTimeout,
		sendBuffer:     opts.SendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Auth is the bearer token, not a cookie, so cross-origin dials
			// carry no ambient credentials.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		live: make(map[string]*endpoint),
	}
}

// ServeHTTP handles `GET /session?token=<bearer>&chatIds=<csv>`. The
// connection is upgraded first and then either accepted, with a session
// frame as the first message, or closed with a deny code the client can
// read.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.isDraining() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own response.
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	principalID, chatIDs, err := g.admit(r)
	if err != nil {
		g.deny(conn, r, err)
		return
	}
	g.run(conn, principalID, chatIDs, r.RemoteAddr)
}

// admit verifies the token and authorizes every requested chat within the
// handshake budget. Any store fault denies: the gate fails closed.
func (g *Gateway) admit(r *http.Request) (string, []string, error) {
	q := r.URL.Query()

	var chatIDs []string
	seen := make(map[string]struct{})
	for _, c := range strings.Split(q.Get("chatIds"), ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		chatIDs = append(chatIDs, c)
	}
	if len(chatIDs) == 0 {
		return "", nil, errs.New(errs.CodeMissingField, "chatIds is required")
	}

	token := q.Get("token")
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.authTimeout)
	defer cancel()

	principalID := ""
	if token == "" && g.devMode {
		principalID = r.Header.Get("X-Debug-Sub")
	}
	if principalID == "" {
		if token == "" {
			return "", nil, errs.New(errs.CodeTokenInvalid, "missing bearer token")
		}
		if g.verifier == nil {
			return "", nil, errs.New(errs.CodeTokenInvalid, "token verification is not configured")
		}
		claims, err := g.verifier.Verify(ctx, token)
		if err != nil {
			return "", nil, err
		}
		principalID = claims.Subject
	}

	for _, chatID := range chatIDs {
		rec, err := g.perms.Get(ctx, principalID, chatID)
		if err != nil {
			return "", nil, err
		}
		if rec == nil {
			return "", nil, errs.New(errs.CodeNoPermission, fmt.Sprintf("no permission for chat %s", chatID))
		}
	}
	return principalID, chatIDs, nil
}

// deny closes a fresh connection with a code the client can act on:
// try-again-later for transient store faults, policy-violation for
// everything the client has to fix itself.
func (g *Gateway) deny(conn *websocket.Conn, r *http.Request, err error) {
	code := websocket.ClosePolicyViolation
	if errs.IsRetryable(err) {
		code = websocket.CloseTryAgainLater
	}
	reason := string(errs.CodeOf(err))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	_ = conn.Close()

	log.Info().
		Err(err).
		Str("remote", r.RemoteAddr).
		Int("closeCode", code).
		Msg("session handshake denied")
}

// run registers the session, starts its write loop and services inbound
// frames until the connection ends, then tears everything down.
func (g *Gateway) run(conn *websocket.Conn, principalID string, chatIDs []string, remote string) {
	id := uuid.NewString()
	ep := newEndpoint(g.sendBuffer, writeWait)
	sess, ok := g.registry.Open(id, principalID, chatIDs, ep)
	if !ok {
		// A uuid collision with a live or tombstoned session.
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session id collision"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	logger := log.With().
		Str("sessionId", id).
		Str("principalId", principalID).
		Str("remote", remote).
		Logger()
	logger.Info().Strs("chatIds", sess.ChatIDs()).Msg("session accepted")

	g.track(id, ep)
	telemetry.OpenSessions.Inc()

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go ep.writeLoop(conn, logger)

	// The accept frame goes out before any delivery so the client learns its
	// session id first. The buffer is empty here; a failure means the
	// endpoint already died.
	if err := ep.enqueue(context.Background(), message.NewSessionAccepted(id, sess.ChatIDs())); err != nil {
		logger.Debug().Err(err).Msg("failed to queue session frame")
	}

	g.readLoop(conn, sess, ep, logger)

	g.registry.Close(id)
	g.untrack(id)
	ep.close()
	telemetry.OpenSessions.Dec()
	logger.Info().Msg("session ended")
}

// readLoop consumes inbound frames one at a time. Serial handling is load
// bearing: it keeps one session's publishes in order on the fifo topic.
func (g *Gateway) readLoop(conn *websocket.Conn, sess *session.Session, ep *endpoint, logger zerolog.Logger) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("session read ended")
			}
			return
		}
		g.handleFrame(sess, ep, data, logger)
	}
}

func (g *Gateway) handleFrame(sess *session.Session, ep *endpoint, data []byte, logger zerolog.Logger) {
	var frame message.ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		g.sendAck(ep, message.ErrAck("", errs.Wrap(errs.CodeMalformedBody, "frame is not valid JSON", err)), logger)
		return
	}
	if frame.Op != message.OpSendMessage {
		g.sendAck(ep, message.ErrAck(frame.AckID,
			errs.New(errs.CodeMalformedBody, fmt.Sprintf("unsupported op %q", frame.Op))), logger)
		return
	}
	if ok, _ := g.limiter.Allow(sess.PrincipalID); !ok {
		g.sendAck(ep, message.ErrAck(frame.AckID,
			errs.New(errs.CodeRateLimited, "publish rate limit exceeded")), logger)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.publishTimeout)
	defer cancel()
	res, err := g.publisher.PublishFromSession(ctx, sess.PrincipalID, sess.HasChat, frame.PublishRequest)
	if err != nil {
		logger.Debug().Err(err).Str("ackId", frame.AckID).Msg("in-session publish rejected")
		g.sendAck(ep, message.ErrAck(frame.AckID, err), logger)
		return
	}
	g.sendAck(ep, message.OkAck(frame.AckID, res.MessageID), logger)
}

// sendAck queues an ack behind any pending deliveries. If the buffer is
// full the ack is dropped; the contract is at-least-once and the client
// treats a missing ack as pending.
func (g *Gateway) sendAck(ep *endpoint, ack message.AckFrame, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ep.enqueue(ctx, ack); err != nil {
		logger.Debug().Err(err).Str("ackId", ack.AckID).Msg("dropped ack")
	}
}

func (g *Gateway) track(id string, ep *endpoint) {
	g.mu.Lock()
	g.live[id] = ep
	g.mu.Unlock()
}

func (g *Gateway) untrack(id string) {
	g.mu.Lock()
	delete(g.live, id)
	g.mu.Unlock()
}

func (g *Gateway) isDraining() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.draining
}

// Shutdown refuses new handshakes and sends every live session a going-away
// close frame. Session teardown then follows the normal close path.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	g.draining = true
	eps := make([]*endpoint, 0, len(g.live))
	for _, ep := range g.live {
		eps = append(eps, ep)
	}
	g.mu.Unlock()

	for _, ep := range eps {
		ep.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	if len(eps) > 0 {
		log.Info().Int("sessions", len(eps)).Msg("closing live sessions for shutdown")
	}
}
