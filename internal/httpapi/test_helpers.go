package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/erauner12/chatbus/internal/bus"
	"github.com/erauner12/chatbus/internal/config"
	"github.com/erauner12/chatbus/internal/cursor"
	"github.com/erauner12/chatbus/internal/deadletter"
	"github.com/erauner12/chatbus/internal/errs"
	"github.com/erauner12/chatbus/internal/message"
	"github.com/erauner12/chatbus/internal/perm"
	"github.com/erauner12/chatbus/internal/publish"
)

// fakeSeq hands out per-chat counters without a database.
type fakeSeq struct {
	mu   sync.Mutex
	next map[string]uint64
}

func (f *fakeSeq) Next(_ context.Context, chatID string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next == nil {
		f.next = map[string]uint64{}
	}
	f.next[chatID]++
	return f.next[chatID], nil
}

// fakePerms is an in-memory PermissionStore.
type fakePerms struct {
	mu      sync.Mutex
	records map[string]perm.Record // "principal/chat"
	fail    bool
}

func newFakePerms() *fakePerms {
	return &fakePerms{records: map[string]perm.Record{}}
}

func permKey(principalID, chatID string) string { return principalID + "/" + chatID }

// seed installs a grant directly, bypassing validation.
func (f *fakePerms) seed(principalID, chatID string, role perm.Role) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[permKey(principalID, chatID)] = perm.Record{
		PrincipalID: principalID,
		ChatID:      chatID,
		Role:        role,
		GrantedAt:   time.Now().UTC(),
		GrantedBy:   "seed",
	}
}

func (f *fakePerms) Get(_ context.Context, principalID, chatID string) (*perm.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errs.New(errs.CodeStoreUnavailable, "permission store down")
	}
	if rec, ok := f.records[permKey(principalID, chatID)]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (f *fakePerms) List(_ context.Context, principalID string, limit int, startKey string) ([]perm.Record, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, "", errs.New(errs.CodeStoreUnavailable, "permission store down")
	}

	var all []perm.Record
	for _, rec := range f.records {
		if rec.PrincipalID == principalID {
			all = append(all, rec)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ChatID < all[j].ChatID })

	if k, ok := cursor.Decode(startKey); ok {
		for len(all) > 0 && all[0].ChatID <= k.ID {
			all = all[1:]
		}
	}
	next := ""
	if len(all) > limit {
		all = all[:limit]
		next = cursor.Encode(cursor.Key{ID: all[len(all)-1].ChatID})
	}
	return all, next, nil
}

func (f *fakePerms) ListByChat(_ context.Context, chatID string, limit int, startKey string) ([]perm.Record, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, "", errs.New(errs.CodeStoreUnavailable, "permission store down")
	}

	var all []perm.Record
	for _, rec := range f.records {
		if rec.ChatID == chatID {
			all = append(all, rec)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].PrincipalID < all[j].PrincipalID })

	if k, ok := cursor.Decode(startKey); ok {
		for len(all) > 0 && all[0].PrincipalID <= k.ID {
			all = all[1:]
		}
	}
	next := ""
	if len(all) > limit {
		all = all[:limit]
		next = cursor.Encode(cursor.Key{ID: all[len(all)-1].PrincipalID})
	}
	return all, next, nil
}

func (f *fakePerms) Grant(_ context.Context, principalID, chatID string, role perm.Role, grantedBy string) error {
	if !role.Valid() {
		return errs.New(errs.CodeInvalidRole, "role must be admin, member or viewer")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errs.New(errs.CodeStoreUnavailable, "permission store down")
	}
	f.records[permKey(principalID, chatID)] = perm.Record{
		PrincipalID: principalID,
		ChatID:      chatID,
		Role:        role,
		GrantedAt:   time.Now().UTC(),
		GrantedBy:   grantedBy,
	}
	return nil
}

func (f *fakePerms) Revoke(_ context.Context, principalID, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errs.New(errs.CodeStoreUnavailable, "permission store down")
	}
	delete(f.records, permKey(principalID, chatID))
	return nil
}

// fakeHistory serves canned envelopes with the store's newest-first order.
type fakeHistory struct {
	mu     sync.Mutex
	byChat map[string][]message.Envelope
	fail   bool
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{byChat: map[string][]message.Envelope{}}
}

func (f *fakeHistory) add(env message.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byChat[env.ChatID] = append(f.byChat[env.ChatID], env)
}

func (f *fakeHistory) Range(_ context.Context, chatID string, fromTime time.Time, limit int, startKey string) ([]message.Envelope, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, "", errs.New(errs.CodeStoreUnavailable, "history store down")
	}

	all := append([]message.Envelope(nil), f.byChat[chatID]...)
	sort.Slice(all, func(i, j int) bool {
		if !all[i].PublishTime.Equal(all[j].PublishTime) {
			return all[i].PublishTime.After(all[j].PublishTime)
		}
		return all[i].MessageID > all[j].MessageID
	})

	if k, ok := cursor.Decode(startKey); ok {
		at := time.UnixMilli(k.Ms).UTC()
		kept := all[:0]
		for _, env := range all {
			if env.PublishTime.Before(at) || (env.PublishTime.Equal(at) && env.MessageID < k.ID) {
				kept = append(kept, env)
			}
		}
		all = kept
	} else if !fromTime.IsZero() {
		kept := all[:0]
		for _, env := range all {
			if !env.PublishTime.After(fromTime) {
				kept = append(kept, env)
			}
		}
		all = kept
	}

	next := ""
	if len(all) > limit {
		all = all[:limit]
		last := all[len(all)-1]
		next = cursor.Encode(cursor.Key{Ms: last.PublishTime.UnixMilli(), ID: last.MessageID})
	}
	return all, next, nil
}

func (f *fakeHistory) BySequences(_ context.Context, chatID string, seqs []uint64) ([]message.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errs.New(errs.CodeStoreUnavailable, "history store down")
	}

	want := map[uint64]bool{}
	for _, s := range seqs {
		want[s] = true
	}
	var out []message.Envelope
	for _, env := range f.byChat[chatID] {
		if n, ok := env.Sequence(); ok && want[n] {
			out = append(out, env)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := out[i].Sequence()
		b, _ := out[j].Sequence()
		return a < b
	})
	return out, nil
}

// fakeDeadLetters serves a fixed entry list.
type fakeDeadLetters struct {
	entries []deadletter.Entry
	err     error
}

func (f *fakeDeadLetters) List(_ context.Context, limit int) ([]deadletter.Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.entries) > limit {
		return f.entries[:limit], nil
	}
	return f.entries, nil
}

// capture collects envelopes the topics deliver.
type capture struct {
	mu   sync.Mutex
	envs []*message.Envelope
}

func (c *capture) handle(_ context.Context, batch []*message.Envelope) []bus.Failure {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, batch...)
	return nil
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func (c *capture) last() *message.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.envs) == 0 {
		return nil
	}
	return c.envs[len(c.envs)-1]
}

// testServer bundles the router with its in-memory stores. Auth runs in dev
// mode, so tests authenticate with the X-Debug-Sub header; "root" is the
// admin principal.
type testServer struct {
	srv     *Server
	router  http.Handler
	perms   *fakePerms
	history *fakeHistory
	dead    *fakeDeadLetters
	sink    *capture
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	fifo := bus.New(bus.Options{Name: "messages.fifo", FIFO: true, DedupWindow: time.Minute})
	standard := bus.New(bus.Options{Name: "messages"})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = fifo.Close(ctx)
		_ = standard.Close(ctx)
	})

	sink := &capture{}
	for _, topic := range []*bus.Topic{fifo, standard} {
		if err := topic.Subscribe(bus.SubOptions{Name: "sink", Handler: sink.handle}); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	perms := newFakePerms()
	history := newFakeHistory()
	dead := &fakeDeadLetters{}

	srv := &Server{
		Cfg: config.Config{
			DevMode:         true,
			PublishTimeout:  5 * time.Second,
			AdminPrincipals: []string{"root"},
		},
		Publisher:   publish.New(perms, &fakeSeq{}, fifo, standard),
		Perms:       perms,
		History:     history,
		DeadLetters: dead,
	}
	return &testServer{
		srv:     srv,
		router:  srv.Routes(),
		perms:   perms,
		history: history,
		dead:    dead,
		sink:    sink,
	}
}

// doRequest runs one request through the router. A non-empty sub
// authenticates via the dev-mode debug header.
func doRequest(t *testing.T, router http.Handler, method, target, sub string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sub != "" {
		req.Header.Set("X-Debug-Sub", sub)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// decodeJSON unmarshals the recorded response body into v.
func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

// errCode extracts the error code from a canonical error response.
func errCode(t *testing.T, rec *httptest.ResponseRecorder) errs.Code {
	t.Helper()
	var body errs.Body
	decodeJSON(t, rec, &body)
	return body.Error.Code
}

func waitUntil(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %v", d)
}
