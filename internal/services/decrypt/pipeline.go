package decrypt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"cipherroom/internal/domain"
)

// EventEncrypted is the room event type carrying group ciphertext.
const EventEncrypted = "m.room.encrypted"

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("decrypt: pipeline closed")
	// ErrCancelled is returned by Submit when the event's room was cancelled
	// while the event waited for queue space.
	ErrCancelled = errors.New("decrypt: room cancelled")
)

// deliverTimeout bounds delivery of outcomes for cancelled work.
const deliverTimeout = time.Second

// Decrypter decrypts group message contents.
type Decrypter interface {
	DecryptGroupMessage(roomID id.RoomID, content domain.EncryptedContent) (domain.GroupPayload, domain.InboundGroupSession, uint32, error)
}

// Config bounds retries and queues.
type Config struct {
	// Retries is how many times an event with an unknown session is retried
	// before it fails.
	Retries int
	// RetryBaseDelay is the first backoff delay.
	RetryBaseDelay time.Duration
	// QueueSize is the per-worker queue length; Submit blocks when it is full.
	QueueSize int
}

func (c *Config) setDefaults() {
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
}

type workerKey struct {
	room      id.RoomID
	senderKey domain.X25519Public
}

type worker struct {
	key   workerKey
	queue chan domain.RawEvent
	ctx   context.Context

	mu     sync.RWMutex
	closed bool
}

type roomScope struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Pipeline is the decryption pipeline.
type Pipeline struct {
	dec   Decrypter
	trust domain.DeviceTrust
	sink  domain.OutcomeSink
	cfg   Config
	log   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu      sync.Mutex
	closed  bool
	rooms   map[id.RoomID]*roomScope
	workers map[workerKey]*worker
	waiters map[string]chan struct{}
}

// New starts a pipeline delivering to sink.
func New(dec Decrypter, trust domain.DeviceTrust, sink domain.OutcomeSink, cfg Config, log zerolog.Logger) *Pipeline {
	cfg.setDefaults()
	base, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(base)
	return &Pipeline{
		dec:     dec,
		trust:   trust,
		sink:    sink,
		cfg:     cfg,
		log:     log.With().Str("component", "decrypt").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		group:   group,
		rooms:   make(map[id.RoomID]*roomScope),
		workers: make(map[workerKey]*worker),
		waiters: make(map[string]chan struct{}),
	}
}

// Decrypt makes one decryption attempt. A missing session key yields a
// retryable Pending outcome; every other failure is Failed.
func (p *Pipeline) Decrypt(ctx context.Context, ev domain.RawEvent) domain.Outcome {
	out := domain.Outcome{
		RoomID:    ev.RoomID,
		EventID:   ev.EventID,
		Sender:    ev.Sender,
		Timestamp: ev.OriginServerTS,
	}
	if ev.Type != EventEncrypted {
		return failed(out, domain.NewDecryptError(domain.FailureMalformed, "event type "+ev.Type+" is not encrypted", nil))
	}
	var content domain.EncryptedContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return failed(out, domain.NewDecryptError(domain.FailureMalformed, "encrypted content", err))
	}
	out.SenderDevice = content.DeviceID
	out.SessionID = content.SessionID

	payload, sess, index, err := p.dec.DecryptGroupMessage(ev.RoomID, content)
	out.MessageIndex = index
	if err != nil {
		de := domain.AsDecryptError(err)
		if de.Kind == domain.FailureUnknownSession {
			out.Kind = domain.OutcomePending
			out.Reason = de.Error()
			out.Retryable = true
			out.Err = de
			return out
		}
		return failed(out, de)
	}
	if sess.SenderUser != ev.Sender {
		p.flag(sess.Sender(), "group session used by "+string(ev.Sender))
		return failed(out, domain.NewDecryptError(domain.FailureSignatureInvalid,
			fmt.Sprintf("session of %s used by %s", sess.SenderUser, ev.Sender), nil))
	}

	out.Kind = domain.OutcomePlaintext
	out.Type = payload.Type
	var msg event.MessageEventContent
	if err := json.Unmarshal(payload.Content, &msg); err == nil {
		out.MsgType = string(msg.MsgType)
		out.Body = msg.Body
	}
	out.Trusted = p.trusted(ctx, sess.Sender())
	return out
}

func (p *Pipeline) trusted(ctx context.Context, ref domain.DeviceRef) bool {
	if ident, err := p.trust.GetOrCreateIdentity(ctx); err == nil && ident.Ref() == ref {
		return true
	}
	return p.trust.IsTrusted(ref.UserID, ref.DeviceID, true)
}

func (p *Pipeline) flag(ref domain.DeviceRef, reason string) {
	if err := p.trust.FlagDevice(ref, reason); err != nil {
		p.log.Warn().Err(err).Str("user_id", string(ref.UserID)).Str("device_id", string(ref.DeviceID)).Msg("cannot flag device")
	}
}

func failed(out domain.Outcome, de *domain.DecryptError) domain.Outcome {
	out.Kind = domain.OutcomeFailed
	out.Reason = de.Error()
	out.Retryable = de.Retryable()
	out.Err = de
	return out
}

// Submit queues ev for decryption with retries. It blocks while the
// sender's queue is full. Once Submit returns nil the event's outcome is
// delivered to the sink exactly once.
func (p *Pipeline) Submit(ctx context.Context, ev domain.RawEvent) error {
	var content domain.EncryptedContent
	if ev.Type != EventEncrypted || json.Unmarshal(ev.Content, &content) != nil {
		return p.deliver(ctx, p.Decrypt(ctx, ev))
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	w := p.workerLocked(workerKey{room: ev.RoomID, senderKey: content.SenderKey})
	p.mu.Unlock()

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return fmt.Errorf("room %s: %w", ev.RoomID, ErrCancelled)
	}
	select {
	case w.queue <- ev:
		return nil
	case <-w.ctx.Done():
		return fmt.Errorf("room %s: %w", ev.RoomID, ErrCancelled)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) workerLocked(key workerKey) *worker {
	if w, ok := p.workers[key]; ok {
		return w
	}
	scope, ok := p.rooms[key.room]
	if !ok {
		ctx, cancel := context.WithCancel(p.ctx)
		scope = &roomScope{ctx: ctx, cancel: cancel}
		p.rooms[key.room] = scope
	}
	w := &worker{key: key, queue: make(chan domain.RawEvent, p.cfg.QueueSize), ctx: scope.ctx}
	p.workers[key] = w
	p.group.Go(func() error {
		p.run(w)
		return nil
	})
	return w
}

func (p *Pipeline) run(w *worker) {
	log := p.log.With().Str("room_id", string(w.key.room)).Str("sender_key", w.key.senderKey.String()).Logger()
	log.Debug().Msg("decrypt worker started")
	for {
		select {
		case ev := <-w.queue:
			p.process(w.ctx, ev)
		case <-w.ctx.Done():
			w.mu.Lock()
			w.closed = true
			w.mu.Unlock()

			p.mu.Lock()
			if p.workers[w.key] == w {
				delete(p.workers, w.key)
			}
			p.mu.Unlock()

			for {
				select {
				case ev := <-w.queue:
					p.cancelled(w.ctx, ev)
				default:
					log.Debug().Msg("decrypt worker stopped")
					return
				}
			}
		}
	}
}

// process decrypts ev, retrying while its session key is missing.
func (p *Pipeline) process(ctx context.Context, ev domain.RawEvent) {
	backoff := retry.WithMaxRetries(uint64(p.cfg.Retries), retry.NewExponential(p.cfg.RetryBaseDelay))
	var content domain.EncryptedContent
	parsed := json.Unmarshal(ev.Content, &content) == nil
	if parsed {
		defer p.releaseWaiter(ev.RoomID, content.SessionID)
	}
	for attempt := 1; ; attempt++ {
		var wake <-chan struct{}
		if parsed {
			wake = p.waiter(ev.RoomID, content.SessionID)
		}

		out := p.Decrypt(ctx, ev)
		if out.Kind != domain.OutcomePending {
			p.finish(ctx, out)
			return
		}
		delay, stop := backoff.Next()
		if stop {
			out.Kind = domain.OutcomeFailed
			out.Reason = fmt.Sprintf("%s (gave up after %d attempts)", out.Reason, attempt)
			p.finish(ctx, out)
			return
		}
		p.log.Debug().
			Str("room_id", string(ev.RoomID)).
			Str("event_id", string(ev.EventID)).
			Str("session_id", string(content.SessionID)).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("session key missing, waiting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.cancelled(ctx, ev)
			return
		case <-timer.C:
		case <-wake:
			timer.Stop()
		}
	}
}

func (p *Pipeline) finish(ctx context.Context, out domain.Outcome) {
	if out.Kind == domain.OutcomeFailed {
		p.log.Warn().
			Str("room_id", string(out.RoomID)).
			Str("event_id", string(out.EventID)).
			Str("session_id", string(out.SessionID)).
			Str("reason", out.Reason).
			Msg("decryption failed")
	}
	if err := p.deliver(ctx, out); err != nil {
		p.deliverDetached(out)
	}
}

func (p *Pipeline) cancelled(ctx context.Context, ev domain.RawEvent) {
	out := domain.Outcome{
		Kind:      domain.OutcomeFailed,
		RoomID:    ev.RoomID,
		EventID:   ev.EventID,
		Sender:    ev.Sender,
		Timestamp: ev.OriginServerTS,
		Reason:    "cancelled",
		Err:       context.Cause(ctx),
	}
	p.deliverDetached(out)
}

// deliverDetached delivers out after its worker context ended, giving the
// sink a short grace period.
func (p *Pipeline) deliverDetached(out domain.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()
	if err := p.deliver(ctx, out); err != nil {
		p.log.Error().Err(err).
			Str("room_id", string(out.RoomID)).
			Str("event_id", string(out.EventID)).
			Stringer("outcome", out.Kind).
			Msg("outcome not delivered")
	}
}

func (p *Pipeline) deliver(ctx context.Context, out domain.Outcome) error {
	return p.sink.Deliver(ctx, out)
}

func waiterKey(roomID id.RoomID, sessionID id.SessionID) string {
	return string(roomID) + "|" + string(sessionID)
}

func (p *Pipeline) waiter(roomID id.RoomID, sessionID id.SessionID) <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := waiterKey(roomID, sessionID)
	ch, ok := p.waiters[key]
	if !ok {
		ch = make(chan struct{})
		p.waiters[key] = ch
	}
	return ch
}

// releaseWaiter drops the waiter of (roomID, sessionID) once an event using
// it is done. Other events still waiting on it wake and re-register.
func (p *Pipeline) releaseWaiter(roomID id.RoomID, sessionID id.SessionID) {
	p.KeyArrived(roomID, sessionID)
}

// KeyArrived wakes events waiting for the session key of (roomID, sessionID).
func (p *Pipeline) KeyArrived(roomID id.RoomID, sessionID id.SessionID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := waiterKey(roomID, sessionID)
	if ch, ok := p.waiters[key]; ok {
		close(ch)
		delete(p.waiters, key)
	}
}

// CancelRoom stops all pending work for roomID. Queued and waiting events
// fail with reason "cancelled".
func (p *Pipeline) CancelRoom(roomID id.RoomID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if scope, ok := p.rooms[roomID]; ok {
		scope.cancel()
		delete(p.rooms, roomID)
		p.log.Debug().Str("room_id", string(roomID)).Msg("cancelled room decryption")
	}
	prefix := string(roomID) + "|"
	for key, ch := range p.waiters {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			close(ch)
			delete(p.waiters, key)
		}
	}
}

// Close cancels all work and waits for the workers to finish delivering.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	return p.group.Wait()
}
