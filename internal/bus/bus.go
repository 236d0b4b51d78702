// Package bus implements the in-process topic pair the publishers hand
// envelopes to. A fifo topic preserves order within a groupId across every
// subscription and collapses content-identical publishes inside the dedup
// window; a standard topic is best effort. Subscriptions own redelivery:
// failed items are retried with backoff and parked in the dead-letter
// holder once the attempt budget is spent.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/chatbus/internal/errs"
	"github.com/erauner12/chatbus/internal/message"
	"github.com/erauner12/chatbus/internal/telemetry"
)

// Failure marks one envelope of a batch as undelivered.
type Failure struct {
	MessageID string
	Err       error
}

// Handler consumes a batch and returns the items that need redelivery.
// Items absent from the result are acknowledged.
type Handler func(ctx context.Context, batch []*message.Envelope) []Failure

// Filter selects the envelopes a subscription receives.
type Filter func(message.Attributes) bool

// ChannelFilter matches envelopes addressed to one target channel.
func ChannelFilter(channel string) Filter {
	return func(a message.Attributes) bool { return a.TargetChannel == channel }
}

// DeadLetterFunc receives envelopes that exhausted their delivery attempts.
type DeadLetterFunc func(ctx context.Context, topic string, env *message.Envelope, attempts int, lastErr string)

// Options configure a topic.
type Options struct {
	Name        string
	FIFO        bool
	DedupWindow time.Duration // fifo only; ignored otherwise
}

// SubOptions configure one subscription.
type SubOptions struct {
	Name         string
	Filter       Filter
	Handler      Handler
	MaxBatch     int           // envelopes per handler invocation, default 1
	QueueSize    int           // buffered intake capacity, default 1024
	MaxAttempts  int           // delivery budget including the first try, default 3
	RetryDelay   time.Duration // initial redelivery backoff, default 200ms
	OnDeadLetter DeadLetterFunc
}

// Topic fans envelopes out to its subscriptions.
type Topic struct {
	name        string
	fifo        bool
	dedupWindow time.Duration

	mu        sync.Mutex
	subs      []*subscription
	dedup     map[string]time.Time
	nextPrune time.Time
	closed    bool

	pubWG sync.WaitGroup // publishers inside Publish
	subWG sync.WaitGroup // dispatcher goroutines
	quit  chan struct{}

	logger zerolog.Logger
}

// New creates a topic.
func New(opts Options) *Topic {
	t := &Topic{
		name:        opts.Name,
		fifo:        opts.FIFO,
		dedupWindow: opts.DedupWindow,
		quit:        make(chan struct{}),
		logger:      log.With().Str("topic", opts.Name).Logger(),
	}
	if t.fifo {
		if t.dedupWindow <= 0 {
			t.dedupWindow = 5 * time.Minute
		}
		t.dedup = make(map[string]time.Time)
		t.nextPrune = time.Now().Add(t.dedupWindow)
	}
	return t
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// Subscribe attaches a handler behind its own queue and starts its
// dispatcher. On a fifo topic the dispatcher serializes batches per groupId;
// on a standard topic batches run with unbounded parallelism.
func (t *Topic) Subscribe(opts SubOptions) error {
	if opts.Handler == nil {
		return fmt.Errorf("subscribe %s/%s: handler is required", t.name, opts.Name)
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 200 * time.Millisecond
	}

	s := &subscription{
		name:        opts.Name,
		topicName:   t.name,
		filter:      opts.Filter,
		handler:     opts.Handler,
		ch:          make(chan *message.Envelope, opts.QueueSize),
		maxBatch:    opts.MaxBatch,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		onDead:      opts.OnDeadLetter,
		quit:        t.quit,
		logger:      t.logger.With().Str("subscription", opts.Name).Logger(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("subscribe %s/%s: topic closed", t.name, opts.Name)
	}
	t.subs = append(t.subs, s)

	t.subWG.Add(1)
	go func() {
		defer t.subWG.Done()
		if t.fifo {
			s.dispatchGrouped()
		} else {
			s.dispatchPlain()
		}
	}()
	return nil
}

// Publish routes the envelope to every subscription whose filter matches.
// The send blocks on a saturated queue until ctx expires, which surfaces as
// BUS_UNAVAILABLE. On a fifo topic a message id seen within the dedup
// window is collapsed: the publish reports success without re-enqueueing.
func (t *Topic) Publish(ctx context.Context, env *message.Envelope) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errs.New(errs.CodeBusUnavailable, "topic is closed")
	}
	if t.fifo {
		now := time.Now()
		if exp, seen := t.dedup[env.MessageID]; seen && now.Before(exp) {
			t.mu.Unlock()
			telemetry.Deduplicated.WithLabelValues(t.name).Inc()
			t.logger.Debug().Str("messageId", env.MessageID).Msg("duplicate publish collapsed")
			return nil
		}
		t.dedup[env.MessageID] = now.Add(t.dedupWindow)
		if now.After(t.nextPrune) {
			for id, exp := range t.dedup {
				if now.After(exp) {
					delete(t.dedup, id)
				}
			}
			t.nextPrune = now.Add(t.dedupWindow)
		}
	}
	subs := t.subs
	t.pubWG.Add(1)
	t.mu.Unlock()
	defer t.pubWG.Done()

	attrs := env.Attributes()
	for _, s := range subs {
		if s.filter != nil && !s.filter(attrs) {
			continue
		}
		select {
		case s.ch <- env:
		case <-ctx.Done():
			// The dedup reservation must not survive a failed publish.
			if t.fifo {
				t.mu.Lock()
				delete(t.dedup, env.MessageID)
				t.mu.Unlock()
			}
			return errs.Wrap(errs.CodeBusUnavailable, "queue saturated", ctx.Err())
		}
	}
	telemetry.Published.WithLabelValues(t.name).Inc()
	return nil
}

// Close stops intake, waits for in-flight publishes, drains every
// subscription queue and returns once all handlers finish or ctx expires.
func (t *Topic) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.pubWG.Wait()
	close(t.quit)

	done := make(chan struct{})
	go func() {
		t.subWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close %s: %w", t.name, ctx.Err())
	}
}

type subscription struct {
	name        string
	topicName   string
	filter      Filter
	handler     Handler
	ch          chan *message.Envelope
	maxBatch    int
	maxAttempts int
	retryDelay  time.Duration
	onDead      DeadLetterFunc
	quit        chan struct{}
	logger      zerolog.Logger
}

type group struct {
	pending  []*message.Envelope
	inFlight bool
}

func (s *subscription) groupKey(env *message.Envelope) string {
	if env.GroupID != "" {
		return env.GroupID
	}
	return env.ChatID
}

// dispatchGrouped runs one batch at a time per groupId. All group state is
// owned by this goroutine; workers only report completion.
func (s *subscription) dispatchGrouped() {
	groups := make(map[string]*group)
	done := make(chan string)
	quit := s.quit
	draining := false

	for {
		select {
		case env := <-s.ch:
			key := s.groupKey(env)
			g := groups[key]
			if g == nil {
				g = &group{}
				groups[key] = g
			}
			g.pending = append(g.pending, env)
			if !g.inFlight {
				s.startBatch(key, g, done)
			}
		case key := <-done:
			g := groups[key]
			g.inFlight = false
			if len(g.pending) > 0 {
				s.startBatch(key, g, done)
			} else {
				delete(groups, key)
			}
			if draining && len(groups) == 0 && len(s.ch) == 0 {
				return
			}
		case <-quit:
			quit = nil
			draining = true
			if len(groups) == 0 && len(s.ch) == 0 {
				return
			}
		}
	}
}

func (s *subscription) startBatch(key string, g *group, done chan<- string) {
	n := s.maxBatch
	if n > len(g.pending) {
		n = len(g.pending)
	}
	batch := make([]*message.Envelope, n)
	copy(batch, g.pending[:n])
	g.pending = g.pending[n:]
	g.inFlight = true

	go func() {
		s.deliver(batch)
		done <- key
	}()
}

// dispatchPlain accumulates batches and hands each to its own goroutine.
func (s *subscription) dispatchPlain() {
	var pending []*message.Envelope
	var workers sync.WaitGroup

	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := pending
		pending = nil
		workers.Add(1)
		go func() {
			defer workers.Done()
			s.deliver(batch)
		}()
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case env := <-s.ch:
			pending = append(pending, env)
			if len(pending) >= s.maxBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.quit:
			for {
				select {
				case env := <-s.ch:
					pending = append(pending, env)
					if len(pending) >= s.maxBatch {
						flush()
					}
				default:
					flush()
					workers.Wait()
					return
				}
			}
		}
	}
}

// deliver invokes the handler, retrying the failed subset with backoff
// until it succeeds or the attempt budget is spent.
func (s *subscription) deliver(batch []*message.Envelope) {
	ctx := context.Background()
	remaining := batch

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retryDelay
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	for attempt := 1; ; attempt++ {
		failures := s.handler(ctx, remaining)

		if delivered := len(remaining) - len(failures); delivered > 0 {
			telemetry.Delivered.WithLabelValues(s.name).Add(float64(delivered))
		}
		if len(failures) == 0 {
			return
		}

		lastErr := make(map[string]error, len(failures))
		for _, f := range failures {
			lastErr[f.MessageID] = f.Err
		}
		failed := remaining[:0:0]
		for _, env := range remaining {
			if _, ok := lastErr[env.MessageID]; ok {
				failed = append(failed, env)
			}
		}
		remaining = failed

		if attempt >= s.maxAttempts {
			for _, env := range remaining {
				detail := ""
				if err := lastErr[env.MessageID]; err != nil {
					detail = err.Error()
				}
				telemetry.DeadLettered.WithLabelValues(s.name).Inc()
				s.logger.Warn().
					Str("messageId", env.MessageID).
					Str("chatId", env.ChatID).
					Int("attempts", attempt).
					Str("lastError", detail).
					Msg("delivery budget spent, dead-lettering")
				if s.onDead != nil {
					s.onDead(ctx, s.topicName, env, attempt, detail)
				}
			}
			return
		}

		telemetry.Redelivered.WithLabelValues(s.name).Add(float64(len(remaining)))
		wait := bo.NextBackOff()
		if wait < 0 {
			wait = s.retryDelay
		}
		select {
		case <-time.After(wait):
		case <-s.quit:
			// Shutting down; run the remaining attempts without delay so the
			// drain deadline is spent on work, not sleeps.
		}
	}
}
