package router

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"cipherroom/internal/domain"
)

const defaultDedupeSize = 4096

// Config configures a Router.
type Config struct {
	// StartTS is the stream start in unix milliseconds; older events are
	// replay and are dropped. Zero means the time New is called.
	StartTS int64
	// DedupeSize bounds how many event ids are remembered.
	DedupeSize int
	Now        func() time.Time
}

// Router filters incoming room events and fans decryption outcomes out to
// subscribers.
type Router struct {
	start int64
	log   zerolog.Logger

	seenMu sync.Mutex
	seen   map[id.EventID]struct{}
	ring   []id.EventID
	next   int

	mu          sync.RWMutex
	subs        map[*Subscription]struct{}
	onDecrypted []func(domain.Outcome)
	onFailed    []func(domain.Outcome)
}

// New returns a Router.
func New(cfg Config, log zerolog.Logger) *Router {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.StartTS == 0 {
		cfg.StartTS = cfg.Now().UnixMilli()
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = defaultDedupeSize
	}
	return &Router{
		start: cfg.StartTS,
		log:   log.With().Str("component", "router").Logger(),
		seen:  make(map[id.EventID]struct{}, cfg.DedupeSize),
		ring:  make([]id.EventID, cfg.DedupeSize),
		subs:  make(map[*Subscription]struct{}),
	}
}

// Filter reports whether ev is a live message event that should be
// processed. Events from before the stream start, repeated event ids, state
// events and non-message types are rejected.
func (r *Router) Filter(ev domain.RawEvent) bool {
	if ev.IsState() {
		return false
	}
	if ev.Type != event.EventEncrypted.Type && ev.Type != event.EventMessage.Type {
		return false
	}
	if ev.OriginServerTS < r.start {
		r.log.Trace().Str("event_id", string(ev.EventID)).Msg("dropping replayed event")
		return false
	}
	if ev.EventID == "" {
		return true
	}

	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	if _, dup := r.seen[ev.EventID]; dup {
		r.log.Trace().Str("event_id", string(ev.EventID)).Msg("dropping duplicate event")
		return false
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.seen, old)
	}
	r.ring[r.next] = ev.EventID
	r.next = (r.next + 1) % len(r.ring)
	r.seen[ev.EventID] = struct{}{}
	return true
}

// OnDecrypted registers fn to run for every plaintext outcome.
func (r *Router) OnDecrypted(fn func(domain.Outcome)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDecrypted = append(r.onDecrypted, fn)
}

// OnDecryptFailed registers fn to run for every failed outcome.
func (r *Router) OnDecryptFailed(fn func(domain.Outcome)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFailed = append(r.onFailed, fn)
}

// Subscription receives the outcomes matching its room and kinds.
type Subscription struct {
	// C is closed after Close.
	C <-chan domain.Outcome

	ch     chan domain.Outcome
	room   id.RoomID
	kinds  []domain.OutcomeKind
	done   chan struct{}
	once   sync.Once
	router *Router
}

func (s *Subscription) matches(o domain.Outcome) bool {
	if s.room != "" && s.room != o.RoomID {
		return false
	}
	return len(s.kinds) == 0 || slices.Contains(s.kinds, o.Kind)
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.router.mu.Lock()
		delete(s.router.subs, s)
		close(s.ch)
		s.router.mu.Unlock()
	})
}

// Subscribe returns a subscription to outcomes of roomID, or of every room
// when roomID is empty. No kinds means every kind. Delivery blocks while
// the queue is full.
func (r *Router) Subscribe(roomID id.RoomID, kinds []domain.OutcomeKind, queueSize int) *Subscription {
	if queueSize <= 0 {
		queueSize = 1
	}
	ch := make(chan domain.Outcome, queueSize)
	s := &Subscription{
		C:      ch,
		ch:     ch,
		room:   roomID,
		kinds:  slices.Clone(kinds),
		done:   make(chan struct{}),
		router: r,
	}
	r.mu.Lock()
	r.subs[s] = struct{}{}
	r.mu.Unlock()
	return s
}

// Deliver runs the registered callbacks for o and hands it to every
// matching subscription. It implements domain.OutcomeSink.
func (r *Router) Deliver(ctx context.Context, o domain.Outcome) error {
	r.mu.RLock()
	var hooks []func(domain.Outcome)
	switch o.Kind {
	case domain.OutcomePlaintext:
		hooks = slices.Clone(r.onDecrypted)
	case domain.OutcomeFailed:
		hooks = slices.Clone(r.onFailed)
	}
	r.mu.RUnlock()
	for _, fn := range hooks {
		fn(o)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for s := range r.subs {
		if !s.matches(o) {
			continue
		}
		select {
		case s.ch <- o:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

var _ domain.OutcomeSink = (*Router)(nil)
