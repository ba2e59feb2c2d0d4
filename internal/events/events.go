// Package events distributes engine lifecycle notifications to observers
// such as the admin API's event stream. The feed is advisory: publishing
// never blocks and slow subscribers miss events rather than stalling the
// publisher.
package events

import (
	"context"
	"time"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/pubsub"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

// Type categorizes a feed event, dot-scoped by subsystem.
type Type string

const (
	TaskSubmitted  Type = "task.submitted"
	TaskDispatched Type = "task.dispatched"
	TaskCompleted  Type = "task.completed"
	TaskFailed     Type = "task.failed"
	TaskCancelled  Type = "task.cancelled"
	TaskTimedOut   Type = "task.timed_out"

	AgentStateChanged Type = "agent.state_changed"

	ProviderHealthChanged Type = "provider.health_changed"
	ProviderQuotaRolled   Type = "provider.quota_rolled"
	ProviderReconfigured  Type = "provider.reconfigured"

	SessionOpened Type = "session.opened"
	SessionClosed Type = "session.closed"
)

// ForTaskState maps a terminal task state onto its feed event type.
func ForTaskState(state types.TaskState) (Type, bool) {
	switch state {
	case types.TaskCompleted:
		return TaskCompleted, true
	case types.TaskFailed:
		return TaskFailed, true
	case types.TaskCancelled:
		return TaskCancelled, true
	case types.TaskTimedOut:
		return TaskTimedOut, true
	default:
		return "", false
	}
}

// Event is one feed notification. Identifier fields are set when relevant
// to the event type.
type Event struct {
	Type       Type             `json:"type"`
	Timestamp  time.Time        `json:"timestamp"`
	TaskID     types.TaskID     `json:"taskId,omitempty"`
	AgentID    types.AgentID    `json:"agentId,omitempty"`
	SessionID  types.SessionID  `json:"sessionId,omitempty"`
	ProviderID types.ProviderID `json:"providerId,omitempty"`
	Detail     string           `json:"detail,omitempty"`
}

// Feed fans events out to subscribers. A nil *Feed is valid and discards
// everything, so components can treat the feed as optional.
type Feed struct {
	broker *pubsub.Broker[Event]
}

// NewFeed creates an event feed.
func NewFeed() *Feed {
	return &Feed{broker: pubsub.NewBroker[Event]()}
}

// Publish stamps and distributes the event under its type as the broker
// topic, so subscribers can filter by type or by scope ("task.*").
func (f *Feed) Publish(ev Event) {
	if f == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	f.broker.Publish(pubsub.Topic(ev.Type), ev)
}

// Subscribe returns a channel receiving all subsequent events. The channel
// closes when ctx is cancelled or the feed is closed.
func (f *Feed) Subscribe(ctx context.Context) <-chan pubsub.Event[Event] {
	if f == nil {
		ch := make(chan pubsub.Event[Event])
		close(ch)
		return ch
	}
	return f.broker.Subscribe(ctx)
}

// SubscribeTypes returns a channel receiving only events whose type matches
// one of the patterns; "task.*" covers every task event.
func (f *Feed) SubscribeTypes(ctx context.Context, patterns ...Type) <-chan pubsub.Event[Event] {
	if f == nil {
		ch := make(chan pubsub.Event[Event])
		close(ch)
		return ch
	}
	topics := make([]pubsub.Topic, len(patterns))
	for i, p := range patterns {
		topics[i] = pubsub.Topic(p)
	}
	return f.broker.SubscribeTopics(ctx, topics...)
}

// SubscriberCount returns the number of active subscribers.
func (f *Feed) SubscriberCount() int {
	if f == nil {
		return 0
	}
	return f.broker.SubscriberCount()
}

// Close shuts the feed down, closing all subscriber channels.
func (f *Feed) Close() {
	if f == nil {
		return
	}
	f.broker.Close()
}
