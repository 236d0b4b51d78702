// Package session tracks live client sessions and the chat index used to
// fan notifications out. The registry is bookkeeping only: it never touches
// the endpoint, and a session's chat set never changes after open.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/chatbus/internal/message"
)

// Endpoint is the write side of a live session. The egress processor is the
// only caller; errors carry ENDPOINT_GONE or ENDPOINT_TRANSIENT codes.
type Endpoint interface {
	WriteFrame(ctx context.Context, frame message.DeliveryFrame) error
}

// Session is one live bidirectional connection.
type Session struct {
	ID          string
	PrincipalID string
	OpenedAt    time.Time
	Endpoint    Endpoint

	chatIDs map[string]struct{}
}

// HasChat reports whether the session was admitted for chatID.
func (s *Session) HasChat(chatID string) bool {
	_, ok := s.chatIDs[chatID]
	return ok
}

// ChatIDs returns the admitted chats, sorted.
func (s *Session) ChatIDs() []string {
	out := make([]string, 0, len(s.chatIDs))
	for c := range s.chatIDs {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Registry is the authoritative map of open sessions plus a chatId index.
// Both structures mutate under one lock, so readers never observe the index
// ahead of or behind the primary records. A short-lived tombstone set gives
// close and drop precedence over a racing open of the same id.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	byChat     map[string]map[string]struct{}
	tombstones map[string]time.Time

	tombstoneTTL time.Duration
	stop         chan struct{}
	stopOnce     sync.Once
}

// NewRegistry creates a registry and starts its tombstone janitor.
func NewRegistry() *Registry {
	r := &Registry{
		sessions:     make(map[string]*Session),
		byChat:       make(map[string]map[string]struct{}),
		tombstones:   make(map[string]time.Time),
		tombstoneTTL: time.Minute,
		stop:         make(chan struct{}),
	}
	go r.janitor()
	return r
}

// Open registers a session for the given chats. The chat set is deduplicated
// here and immutable afterwards. Opening an id that is live or was recently
// closed or dropped returns false.
func (r *Registry) Open(id, principalID string, chatIDs []string, ep Endpoint) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return nil, false
	}
	if _, dead := r.tombstones[id]; dead {
		return nil, false
	}

	sess := &Session{
		ID:          id,
		PrincipalID: principalID,
		OpenedAt:    time.Now().UTC(),
		Endpoint:    ep,
		chatIDs:     make(map[string]struct{}, len(chatIDs)),
	}
	for _, c := range chatIDs {
		if c == "" {
			continue
		}
		sess.chatIDs[c] = struct{}{}
	}

	r.sessions[id] = sess
	for c := range sess.chatIDs {
		idx, ok := r.byChat[c]
		if !ok {
			idx = make(map[string]struct{})
			r.byChat[c] = idx
		}
		idx[id] = struct{}{}
	}

	log.Debug().
		Str("sessionId", id).
		Str("principalId", principalID).
		Int("chats", len(sess.chatIDs)).
		Msg("session opened")

	return sess, true
}

// Close removes a session after a clean disconnect.
func (r *Registry) Close(id string) bool {
	return r.remove(id, "close")
}

// Drop removes a session whose endpoint reported gone, or that an operator
// killed. Same removal as Close; the distinction is kept for the log trail.
func (r *Registry) Drop(id string) bool {
	return r.remove(id, "drop")
}

func (r *Registry) remove(id, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tombstones[id] = time.Now().Add(r.tombstoneTTL)

	sess, exists := r.sessions[id]
	if !exists {
		return false
	}
	delete(r.sessions, id)
	for c := range sess.chatIDs {
		if idx, ok := r.byChat[c]; ok {
			delete(idx, id)
			if len(idx) == 0 {
				delete(r.byChat, c)
			}
		}
	}

	log.Debug().
		Str("sessionId", id).
		Str("reason", reason).
		Msg("session removed")

	return true
}

// Get returns a live session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	return sess, ok
}

// LookupByChat returns the ids of every live session admitted for chatID,
// sorted for deterministic iteration.
func (r *Registry) LookupByChat(chatID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.byChat[chatID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(idx))
	for id := range idx {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Stop halts the janitor. Live sessions are left to their own close paths.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Registry) janitor() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			now := time.Now()
			for id, deadline := range r.tombstones {
				if now.After(deadline) {
					delete(r.tombstones, id)
				}
			}
			r.mu.Unlock()
		}
	}
}
