// Package pubsub is the generic in-process broker behind the engine's
// fanout surfaces: the lifecycle event feed and the log mirror. Publishers
// tag each event with a dot-scoped topic; subscribers take everything or
// filter by topic pattern. Delivery is best effort: a full subscriber
// channel drops the event rather than stalling the publisher.
package pubsub

import (
	"context"
	"strings"
	"time"
)

// Topic names what an event is about, dot-scoped coarse to fine, for
// example "task.completed" or "log.error".
type Topic string

// Match reports whether the topic falls under pattern. A pattern matches
// its topic exactly, or a whole scope when it ends in ".*": "task.*"
// covers "task.completed" but not "tasks.completed".
func (t Topic) Match(pattern Topic) bool {
	if t == pattern {
		return true
	}
	if strings.HasSuffix(string(pattern), ".*") {
		return strings.HasPrefix(string(t), string(pattern[:len(pattern)-1]))
	}
	return false
}

// Event is one published notification with a typed payload.
type Event[T any] struct {
	Topic     Topic
	Payload   T
	Timestamp time.Time
}

// Subscriber hands out subscription channels.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
	SubscribeTopics(ctx context.Context, patterns ...Topic) <-chan Event[T]
}

// Publisher publishes events under a topic.
type Publisher[T any] interface {
	Publish(topic Topic, payload T)
}
