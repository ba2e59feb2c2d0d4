// Package bus is the in-process routing fabric binding the orchestrator,
// supervisors, and sub-agents. Messages are typed envelopes delivered through
// bounded per-subscriber mailboxes: delivery order is preserved per
// (from, to) pair, streamed partials stay ordered per correlation id, and
// overflow sheds partial results first, then heartbeat-class traffic, and
// never a task request, result, or cancel.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/cachemanager"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/log"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

// === Errors ===

var (
	// ErrBusClosed is returned when publishing to a closed bus.
	ErrBusClosed = errors.New("message bus is closed")

	// ErrBackpressure is returned when a critical message finds the
	// recipient's mailbox full with nothing droppable in it.
	ErrBackpressure = errors.New("mailbox full")

	// ErrNoSubscriber is returned when a critical message addresses an agent
	// with no mailbox.
	ErrNoSubscriber = errors.New("no subscriber for recipient")
)

// DefaultMailboxSize is the default per-subscriber mailbox bound.
const DefaultMailboxSize = 64

// DefaultDedupTTL is how long delivered message ids are remembered per
// subscriber.
const DefaultDedupTTL = 5 * time.Minute

// DefaultOverloadAfter is the consecutive overflow count that reports a
// subscriber as not draining.
const DefaultOverloadAfter = 3

// dedupCleanupInterval is the sweep cadence of the dedup cache.
const dedupCleanupInterval = time.Minute

// Config holds configuration for the bus.
type Config struct {
	MailboxSize   int           // per-subscriber mailbox bound (default: 64)
	DropOldest    bool          // evict oldest instead of newest within a tier
	DedupTTL      time.Duration // per-subscriber duplicate suppression window (default: 5m)
	OverloadAfter int           // consecutive overflows before OnOverloaded fires (default: 3)

	// OnOverloaded is invoked when an agent subscriber sustains overflow
	// without draining. Invoked on a separate goroutine.
	OnOverloaded func(id types.AgentID)
}

// Bus routes envelopes between agent and correlation subscribers.
type Bus interface {
	// Publish stamps and routes the envelope. Critical kinds return
	// ErrNoSubscriber or ErrBackpressure when they cannot be delivered;
	// droppable kinds shed silently.
	Publish(env Envelope) error

	// SubscribeAgent opens a mailbox addressed by agent id. A second
	// subscription for the same id replaces the first. The channel closes
	// when ctx is cancelled or the bus shuts down.
	SubscribeAgent(ctx context.Context, id types.AgentID) <-chan Envelope

	// SubscribeCorrelation opens a mailbox receiving every message sharing
	// the correlation id. It is removed automatically when a terminal
	// TaskResult or Cancel for the id is published.
	SubscribeCorrelation(ctx context.Context, correlationID string) <-chan Envelope

	// Counts returns the number of agent and correlation subscribers.
	Counts() (agents, correlations int)

	// Close shuts the bus down and closes every subscriber channel.
	Close()
}

type inMemoryBus struct {
	mu           sync.Mutex
	agents       map[types.AgentID]*subscriber
	correlations map[string][]*subscriber

	mailboxSize   int
	dropOldest    bool
	dedupTTL      time.Duration
	overloadAfter int
	onOverloaded  func(id types.AgentID)

	seen       *cachemanager.InMemoryCacheManager[string, time.Time]
	subCounter atomic.Int64
	closed     atomic.Bool
	done       chan struct{}
}

// New creates a message bus.
func New(cfg Config) Bus {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = DefaultMailboxSize
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultDedupTTL
	}
	if cfg.OverloadAfter <= 0 {
		cfg.OverloadAfter = DefaultOverloadAfter
	}

	return &inMemoryBus{
		agents:        make(map[types.AgentID]*subscriber),
		correlations:  make(map[string][]*subscriber),
		mailboxSize:   cfg.MailboxSize,
		dropOldest:    cfg.DropOldest,
		dedupTTL:      cfg.DedupTTL,
		overloadAfter: cfg.OverloadAfter,
		onOverloaded:  cfg.OnOverloaded,
		seen:          cachemanager.NewInMemoryCacheManager[string, time.Time]("bus-dedup", cfg.DedupTTL, dedupCleanupInterval),
		done:          make(chan struct{}),
	}
}

// Publish implements Bus.
func (b *inMemoryBus) Publish(env Envelope) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if !env.Kind.IsValid() {
		return fmt.Errorf("unknown message kind %q", env.Kind)
	}
	if env.MessageID == "" {
		env.MessageID = uuid.NewString()
	}
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now()
	}

	b.mu.Lock()
	var targets []*subscriber
	if env.To != "" {
		s, ok := b.agents[env.To]
		if ok {
			targets = append(targets, s)
		} else if env.Kind.Critical() {
			b.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNoSubscriber, env.To)
		}
	} else {
		for id, s := range b.agents {
			if id == env.From {
				continue
			}
			targets = append(targets, s)
		}
	}
	if env.CorrelationID != "" {
		targets = append(targets, b.correlations[env.CorrelationID]...)
	}

	// Terminal results and cancels retire the correlation after delivery.
	var finishing []*subscriber
	if env.CorrelationID != "" && (env.Kind == KindTaskResult || env.Kind == KindCancel) {
		finishing = b.correlations[env.CorrelationID]
		delete(b.correlations, env.CorrelationID)
	}
	b.mu.Unlock()

	var failure error
	for _, s := range targets {
		if err := b.deliver(s, env); err != nil && failure == nil {
			failure = err
		}
	}
	for _, s := range finishing {
		s.finish()
	}
	return failure
}

// SubscribeAgent implements Bus.
func (b *inMemoryBus) SubscribeAgent(ctx context.Context, id types.AgentID) <-chan Envelope {
	if b.closed.Load() || id == "" {
		ch := make(chan Envelope)
		close(ch)
		return ch
	}

	s := b.newSubscriber("agent:"+id.String(), id, "")
	b.mu.Lock()
	prev := b.agents[id]
	b.agents[id] = s
	b.mu.Unlock()
	if prev != nil {
		prev.finish()
	}

	log.SafeGo("bus-deliver-"+s.key, func() { s.run(ctx, b) })
	return s.out
}

// SubscribeCorrelation implements Bus.
func (b *inMemoryBus) SubscribeCorrelation(ctx context.Context, correlationID string) <-chan Envelope {
	if b.closed.Load() || correlationID == "" {
		ch := make(chan Envelope)
		close(ch)
		return ch
	}

	key := fmt.Sprintf("corr:%s:%d", correlationID, b.subCounter.Add(1))
	s := b.newSubscriber(key, "", correlationID)
	b.mu.Lock()
	b.correlations[correlationID] = append(b.correlations[correlationID], s)
	b.mu.Unlock()

	log.SafeGo("bus-deliver-"+s.key, func() { s.run(ctx, b) })
	return s.out
}

// Counts implements Bus.
func (b *inMemoryBus) Counts() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	correlations := 0
	for _, subs := range b.correlations {
		correlations += len(subs)
	}
	return len(b.agents), correlations
}

// Close implements Bus.
func (b *inMemoryBus) Close() {
	if b.closed.Swap(true) {
		return
	}
	close(b.done)

	b.mu.Lock()
	all := make([]*subscriber, 0, len(b.agents))
	for _, s := range b.agents {
		all = append(all, s)
	}
	for _, subs := range b.correlations {
		all = append(all, subs...)
	}
	b.mu.Unlock()

	log.Debug(log.CatBus, "Bus closing", "subscribers", len(all))
	for _, s := range all {
		s.finish()
	}
}

// deliver enqueues the envelope into one subscriber's mailbox, applying the
// overflow policy and duplicate suppression.
func (b *inMemoryBus) deliver(s *subscriber, env Envelope) error {
	dedupKey := s.key + "|" + env.MessageID
	if _, dup := b.seen.Get(context.Background(), dedupKey); dup {
		return nil
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		if env.Kind.Critical() && s.id != "" {
			return fmt.Errorf("%w: %s", ErrNoSubscriber, s.id)
		}
		return nil
	}

	enqueued, overflow, err := s.enqueueLocked(env, b.dropOldest)

	var report bool
	if overflow {
		s.pressure++
		if s.pressure >= b.overloadAfter && !s.reported && s.id != "" {
			s.reported = true
			report = true
		}
	} else {
		s.pressure = 0
		s.reported = false
	}
	s.mu.Unlock()

	if enqueued {
		b.seen.Set(context.Background(), dedupKey, env.EnqueuedAt, b.dedupTTL)
		s.notify()
	}
	if report {
		log.Warn(log.CatBus, "Subscriber not draining", "subscriber", s.key, "pressure", b.overloadAfter)
		if hook := b.onOverloaded; hook != nil {
			id := s.id
			log.SafeGo("bus-overload-hook", func() { hook(id) })
		}
	}
	if err != nil {
		// A wedged observer must not fail the publish; only addressed agent
		// mailboxes surface backpressure.
		if s.id == "" {
			log.Warn(log.CatBus, "Observer mailbox full, message dropped", "subscriber", s.key, "kind", string(env.Kind))
			return nil
		}
		return fmt.Errorf("%w: %s", err, s.key)
	}
	return nil
}

func (b *inMemoryBus) newSubscriber(key string, id types.AgentID, corrID string) *subscriber {
	return &subscriber{
		key:    key,
		id:     id,
		corrID: corrID,
		limit:  b.mailboxSize,
		wake:   make(chan struct{}, 1),
		out:    make(chan Envelope),
	}
}

// detach removes the subscriber from the routing maps. Safe to call for
// subscribers that were already replaced.
func (b *inMemoryBus) detach(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.id != "" && b.agents[s.id] == s {
		delete(b.agents, s.id)
	}
	if s.corrID != "" {
		subs := b.correlations[s.corrID]
		for i, existing := range subs {
			if existing == s {
				subs = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(subs) == 0 {
			delete(b.correlations, s.corrID)
		} else {
			b.correlations[s.corrID] = subs
		}
	}
}

// === Subscriber ===

// subscriber owns one bounded mailbox and the goroutine draining it into the
// outbound channel.
type subscriber struct {
	key    string
	id     types.AgentID
	corrID string
	limit  int

	mu       sync.Mutex
	queue    []Envelope
	closing  bool
	pressure int
	reported bool

	wake chan struct{}
	out  chan Envelope
}

// enqueueLocked applies the overflow policy. It reports whether the envelope
// was enqueued, whether the mailbox overflowed, and a backpressure error for
// undeliverable critical messages.
func (s *subscriber) enqueueLocked(env Envelope, dropOldest bool) (enqueued, overflow bool, err error) {
	if len(s.queue) < s.limit {
		s.queue = append(s.queue, env)
		return true, false, nil
	}

	if env.Kind.Critical() {
		if !s.evictLocked(isPartialTier, dropOldest) && !s.evictLocked(isTransientTier, dropOldest) {
			return false, true, ErrBackpressure
		}
		s.queue = append(s.queue, env)
		return true, true, nil
	}

	if isPartialTier(env.Kind) {
		if dropOldest && s.evictLocked(isPartialTier, true) {
			s.queue = append(s.queue, env)
			return true, true, nil
		}
		log.Debug(log.CatBus, "Dropped partial result on overflow", "subscriber", s.key, "messageID", env.MessageID)
		return false, true, nil
	}

	// Heartbeat-class traffic displaces partials before being shed itself.
	if s.evictLocked(isPartialTier, dropOldest) {
		s.queue = append(s.queue, env)
		return true, true, nil
	}
	if dropOldest && s.evictLocked(isTransientTier, true) {
		s.queue = append(s.queue, env)
		return true, true, nil
	}
	log.Debug(log.CatBus, "Dropped message on overflow", "subscriber", s.key, "kind", string(env.Kind), "messageID", env.MessageID)
	return false, true, nil
}

// evictLocked removes one queued message matching the tier. With dropOldest
// the oldest match goes, otherwise the newest.
func (s *subscriber) evictLocked(match func(Kind) bool, dropOldest bool) bool {
	if dropOldest {
		for i := 0; i < len(s.queue); i++ {
			if match(s.queue[i].Kind) {
				s.removeAtLocked(i)
				return true
			}
		}
		return false
	}
	for i := len(s.queue) - 1; i >= 0; i-- {
		if match(s.queue[i].Kind) {
			s.removeAtLocked(i)
			return true
		}
	}
	return false
}

func (s *subscriber) removeAtLocked(i int) {
	dropped := s.queue[i]
	s.queue = append(s.queue[:i], s.queue[i+1:]...)
	log.Debug(log.CatBus, "Evicted message on overflow", "subscriber", s.key, "kind", string(dropped.Kind), "messageID", dropped.MessageID)
}

// notify nudges the drain goroutine without blocking.
func (s *subscriber) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// finish marks the subscriber for removal once its queue drains.
func (s *subscriber) finish() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.notify()
}

// run drains the mailbox into the outbound channel until the context is
// cancelled or the subscriber is finished.
func (s *subscriber) run(ctx context.Context, b *inMemoryBus) {
	defer func() {
		b.detach(s)
		close(s.out)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				done := s.closing
				s.mu.Unlock()
				if done {
					return
				}
				break
			}
			env := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- env:
			case <-ctx.Done():
				return
			case <-b.done:
				return
			}
		}
	}
}
