package pubsub

import (
	"context"
	"sync"
	"time"
)

const defaultBufferSize = 64

// Broker fans events out to subscribers, optionally filtered by topic
// pattern. Safe for concurrent use.
type Broker[T any] struct {
	mu         sync.RWMutex
	subs       map[chan Event[T]][]Topic // nil patterns = every topic
	done       chan struct{}
	bufferSize int
}

// NewBroker creates a broker with the default subscriber buffer size (64).
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBufferSize)
}

// NewBrokerWithBuffer creates a broker with a custom subscriber buffer size.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	return &Broker[T]{
		subs:       make(map[chan Event[T]][]Topic),
		done:       make(chan struct{}),
		bufferSize: size,
	}
}

// Subscribe returns a channel receiving every subsequent event. The channel
// closes when ctx is cancelled or the broker shuts down.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	return b.SubscribeTopics(ctx)
}

// SubscribeTopics returns a channel receiving events whose topic matches
// any of the patterns. No patterns means every topic.
func (b *Broker[T]) SubscribeTopics(ctx context.Context, patterns ...Topic) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan Event[T])
		close(ch)
		return ch
	default:
	}

	sub := make(chan Event[T], b.bufferSize)
	b.subs[sub] = patterns

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()

		select {
		case <-b.done:
			return // shutdown already closed the channel
		default:
		}

		delete(b.subs, sub)
		close(sub)
	}()

	return sub
}

// Publish delivers the event to every subscriber whose patterns match the
// topic. A full subscriber channel drops the event.
func (b *Broker[T]) Publish(topic Topic, payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	event := Event[T]{
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	for sub, patterns := range b.subs {
		if !matchAny(topic, patterns) {
			continue
		}
		select {
		case sub <- event:
		default:
		}
	}
}

func matchAny(topic Topic, patterns []Topic) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if topic.Match(p) {
			return true
		}
	}
	return false
}

// Close shuts the broker down and closes every subscriber channel.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}

	close(b.done)
	for sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
