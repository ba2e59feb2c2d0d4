// Package persist defines the optional result persistence sink. Recording is
// fire-and-forget: the engine's critical path never waits on a sink, and a
// slow or absent sink only ever costs dropped records.
package persist

import (
	"sync"
	"sync/atomic"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/log"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

// Sink receives terminal task outcomes.
type Sink interface {
	// Record stores one task outcome. Implementations must tolerate
	// duplicate records for the same task id.
	Record(task *types.Task, result *types.TaskResult)
}

// nopSink discards records. It is the default when no sink is configured.
type nopSink struct{}

// NewNop creates a sink that discards everything.
func NewNop() Sink { return nopSink{} }

// Record implements Sink.
func (nopSink) Record(*types.Task, *types.TaskResult) {}

// DefaultQueueSize bounds the async sink's backlog.
const DefaultQueueSize = 256

// record pairs a task with its result for queueing.
type record struct {
	task   *types.Task
	result *types.TaskResult
}

// Async wraps a sink with a bounded queue and a single writer goroutine, so
// Record never blocks regardless of how slow the delegate is. Overflow drops
// the newest record and counts it.
type Async struct {
	delegate Sink

	mu     sync.RWMutex
	queue  chan record
	closed bool

	dropped atomic.Int64
	done    chan struct{}
}

// NewAsync wraps delegate. A queueSize of zero or less uses the default.
func NewAsync(delegate Sink, queueSize int) *Async {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	a := &Async{
		delegate: delegate,
		queue:    make(chan record, queueSize),
		done:     make(chan struct{}),
	}
	log.SafeGo("persist-writer", a.drain)
	return a
}

// Record implements Sink.
func (a *Async) Record(task *types.Task, result *types.TaskResult) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- record{task: task, result: result}:
	default:
		dropped := a.dropped.Add(1)
		if dropped == 1 || dropped%100 == 0 {
			log.Warn(log.CatOrch, "Persistence sink backlogged, dropping records", "dropped", dropped)
		}
	}
}

// Dropped returns how many records were shed due to backlog.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Close stops accepting records and flushes the backlog to the delegate.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	<-a.done
}

func (a *Async) drain() {
	defer close(a.done)
	for rec := range a.queue {
		a.delegate.Record(rec.task, rec.result)
	}
}
