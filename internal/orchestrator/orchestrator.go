// Package orchestrator implements the root of the agent hierarchy. It
// accepts task submissions, classifies untyped work, routes tasks to domain
// supervisors, joins redundant branches, and streams partial and terminal
// results back to callers. Exactly one orchestrator runs per engine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/bus"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/cachemanager"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/events"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/fault"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/journal"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/log"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/persist"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/registry"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/topology"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

const (
	// DefaultID names the root agent when the config leaves it empty.
	DefaultID types.AgentID = "root"

	// DefaultDeadline applies to submissions whose task type carries no
	// catalog deadline.
	DefaultDeadline = 60 * time.Second

	// DefaultCancelGrace bounds how long a cancelled task may wait for its
	// supervisor's acknowledgement before being force-finalized.
	DefaultCancelGrace = 5 * time.Second

	// DefaultAuditTTL is the retention window for route decisions and
	// terminal results.
	DefaultAuditTTL = 15 * time.Minute

	// DefaultStreamBuffer is the per-stream partial buffer. One extra slot
	// is always reserved for the terminal result.
	DefaultStreamBuffer = 16

	// DefaultClassifyCapability serves untyped submissions.
	DefaultClassifyCapability types.Capability = "intent.classify"

	// DefaultClassifyDeadline bounds one classification round trip.
	DefaultClassifyDeadline = 10 * time.Second

	// DefaultHeartbeatInterval matches the registry's liveness cadence.
	DefaultHeartbeatInterval = registry.DefaultHeartbeatInterval
)

// ErrClosed is returned for operations on a closed orchestrator.
var ErrClosed = errors.New("orchestrator closed")

// Classification configures how untyped submissions are typed.
type Classification struct {
	// Enabled turns intent classification on. When off, untyped
	// submissions are rejected as invalid.
	Enabled bool

	// Capability is dispatched to classify; defaults to "intent.classify".
	Capability types.Capability

	// Deadline bounds the classification round trip (default: 10s).
	Deadline time.Duration
}

// Config holds configuration for the orchestrator.
type Config struct {
	// ID is the root agent id (default: "root").
	ID types.AgentID

	Bus      bus.Bus
	Registry registry.Directory

	// Topology supplies the task-type catalog and supervisor layout.
	Topology *topology.Topology

	// Journal, when set, records submissions, dispatches, and terminals
	// for crash recovery.
	Journal *journal.Writer

	// Sink, when set, receives every terminal result (default: discard).
	Sink persist.Sink

	// Feed, when set, receives advisory lifecycle events.
	Feed *events.Feed

	Classification Classification

	// DefaultJoin applies when a task type's catalog entry has no join
	// mode (default: all).
	DefaultJoin types.JoinMode

	// DefaultDeadline applies when neither the submission nor the catalog
	// sets one (default: 60s).
	DefaultDeadline time.Duration

	// CancelGrace bounds cancellation acknowledgement (default: 5s).
	CancelGrace time.Duration

	// AuditTTL is the retention for route decisions and finished tasks
	// (default: 15m).
	AuditTTL time.Duration

	// StreamBuffer is the per-stream partial capacity (default: 16).
	StreamBuffer int

	// HeartbeatInterval is the registry heartbeat cadence (default: 10s).
	HeartbeatInterval time.Duration
}

// Orchestrator is the root agent. All mutation of task state runs behind mu;
// the mailbox loop, submissions, and cancellations serialize there.
type Orchestrator struct {
	id   types.AgentID
	bus  bus.Bus
	reg  registry.Directory
	topo *topology.Topology

	journal *journal.Writer
	sink    persist.Sink
	feed    *events.Feed

	classifyCfg Classification
	defaultJoin types.JoinMode
	deadline    time.Duration
	cancelGrace time.Duration
	streamSize  int
	interval    time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	tasks      map[types.TaskID]*taskEntry
	branches   map[types.TaskID]types.TaskID // branch id -> parent task id
	nextStream uint64
	stats      counters

	audit *cachemanager.InMemoryCacheManager[types.TaskID, *types.RouteDecision]
	done  *cachemanager.InMemoryCacheManager[types.TaskID, *doneEntry]

	wg     sync.WaitGroup
	closed atomic.Bool
}

// counters accumulates engine totals; guarded by Orchestrator.mu.
type counters struct {
	submitted int64
	completed int64
	failed    int64
	cancelled int64
	timedOut  int64
	tokens    int64
	costUSD   float64
}

// doneEntry retains a finished task for the audit window so late lookups,
// streams, and cancels resolve without the live entry.
type doneEntry struct {
	session types.SessionID
	task    *types.Task
	result  *types.TaskResult
}

// New creates an orchestrator. Call Start to register it and begin
// processing results.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Bus == nil || cfg.Registry == nil || cfg.Topology == nil {
		return nil, fmt.Errorf("bus, registry, and topology are required")
	}
	if cfg.ID == "" {
		cfg.ID = DefaultID
	}
	if cfg.Sink == nil {
		cfg.Sink = persist.NewNop()
	}
	if cfg.DefaultJoin == "" {
		cfg.DefaultJoin = types.JoinAll
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = DefaultDeadline
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultCancelGrace
	}
	if cfg.AuditTTL <= 0 {
		cfg.AuditTTL = DefaultAuditTTL
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = DefaultStreamBuffer
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Classification.Capability == "" {
		cfg.Classification.Capability = DefaultClassifyCapability
	}
	if cfg.Classification.Deadline <= 0 {
		cfg.Classification.Deadline = DefaultClassifyDeadline
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		id:          cfg.ID,
		bus:         cfg.Bus,
		reg:         cfg.Registry,
		topo:        cfg.Topology,
		journal:     cfg.Journal,
		sink:        cfg.Sink,
		feed:        cfg.Feed,
		classifyCfg: cfg.Classification,
		defaultJoin: cfg.DefaultJoin,
		deadline:    cfg.DefaultDeadline,
		cancelGrace: cfg.CancelGrace,
		streamSize:  cfg.StreamBuffer,
		interval:    cfg.HeartbeatInterval,
		ctx:         ctx,
		cancel:      cancel,
		tasks:       make(map[types.TaskID]*taskEntry),
		branches:    make(map[types.TaskID]types.TaskID),
		audit:       cachemanager.NewInMemoryCacheManager[types.TaskID, *types.RouteDecision]("route-audit", cfg.AuditTTL, cfg.AuditTTL),
		done:        cachemanager.NewInMemoryCacheManager[types.TaskID, *doneEntry]("task-results", cfg.AuditTTL, cfg.AuditTTL),
	}, nil
}

// Start registers the root agent and starts the mailbox loop.
func (o *Orchestrator) Start() error {
	if o.closed.Load() {
		return fmt.Errorf("orchestrator %s is closed", o.id)
	}

	if _, err := o.reg.Register(types.AgentSpec{ID: o.id, Tier: types.TierOrchestrator}); err != nil {
		return fmt.Errorf("register orchestrator: %w", err)
	}

	mailbox := o.bus.SubscribeAgent(o.ctx, o.id)
	o.wg.Add(1)
	log.SafeGo("orchestrator-"+o.id.String(), func() {
		defer o.wg.Done()
		o.run(mailbox)
	})

	log.Info(log.CatOrch, "Orchestrator started",
		"agentID", o.id, "taskTypes", len(o.topo.TaskTypes()),
		"classification", o.classifyCfg.Enabled)
	return nil
}

// Close stops the mailbox loop and closes every open stream. In-flight
// tasks are abandoned; the journal allows them to be recovered on restart.
func (o *Orchestrator) Close() {
	if o.closed.Swap(true) {
		return
	}
	o.cancel()
	o.wg.Wait()

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, entry := range o.tasks {
		entry.stopTimersLocked()
		for sid, st := range entry.streams {
			delete(entry.streams, sid)
			close(st.ch)
			close(st.gone)
		}
	}
}

// ID returns the root agent id.
func (o *Orchestrator) ID() types.AgentID { return o.id }

// InFlight returns the number of live tasks.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tasks)
}

// run is the mailbox loop: supervisor results and partials come back here.
func (o *Orchestrator) run(mailbox <-chan bus.Envelope) {
	heartbeat := time.NewTicker(o.interval)
	defer heartbeat.Stop()

	o.beat()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-heartbeat.C:
			o.beat()
		case env, ok := <-mailbox:
			if !ok {
				return
			}
			o.handle(env)
		}
	}
}

func (o *Orchestrator) handle(env bus.Envelope) {
	switch env.Kind {
	case bus.KindTaskResult:
		o.onResult(env)
	case bus.KindPartialResult:
		o.onPartial(env)
	case bus.KindHealthQuery:
		status := types.HeartbeatStatus{InFlight: o.InFlight(), Healthy: true}
		if err := o.bus.Publish(bus.NewHealthReply(o.id, env.From, status)); err != nil {
			log.Debug(log.CatOrch, "Health reply dropped", "to", env.From, "error", err)
		}
	default:
		log.Debug(log.CatOrch, "Ignoring message", "kind", env.Kind, "from", env.From)
	}
}

func (o *Orchestrator) beat() {
	status := types.HeartbeatStatus{InFlight: o.InFlight(), Healthy: true}
	if err := o.reg.Heartbeat(o.id, status); err != nil {
		log.Debug(log.CatOrch, "Heartbeat rejected", "agentID", o.id, "error", err)
	}
}

// transitionLocked applies a task state change and logs it with both the
// wall clock and the monotonic elapsed time since creation.
func (o *Orchestrator) transitionLocked(entry *taskEntry, to types.TaskState) {
	from := entry.task.State
	if from == to {
		return
	}
	if !from.CanTransitionTo(to) {
		log.Error(log.CatOrch, "invalid task transition",
			"taskID", entry.task.ID, "from", from, "to", to)
		return
	}
	entry.task.State = to
	log.Debug(log.CatOrch, "task transition",
		"taskID", entry.task.ID, "from", from, "to", to,
		"at", time.Now().Format(time.RFC3339Nano),
		"elapsedMs", time.Since(entry.task.CreatedAt).Milliseconds())
}

// observe feeds a supervisor's terminal outcome into its success rate.
func (o *Orchestrator) observe(id types.AgentID, success bool) {
	if id != "" {
		o.reg.Observe(id, success)
	}
}

// === Journal and event helpers ===

func (o *Orchestrator) journalCreated(task *types.Task, replay bool) {
	if o.journal == nil {
		return
	}
	if _, err := o.journal.Append(journal.TaskCreated, journal.TaskCreatedPayload{Task: task, IdempotentReplay: replay}); err != nil {
		log.ErrorErr(log.CatJournal, "Journal append failed", err, "kind", journal.TaskCreated, "taskID", task.ID)
	}
}

func (o *Orchestrator) journalDispatched(taskID types.TaskID, agentID types.AgentID) {
	if o.journal == nil {
		return
	}
	if _, err := o.journal.Append(journal.TaskDispatched, journal.TaskDispatchedPayload{TaskID: taskID, AgentID: agentID}); err != nil {
		log.ErrorErr(log.CatJournal, "Journal append failed", err, "kind", journal.TaskDispatched, "taskID", taskID)
	}
}

func (o *Orchestrator) journalTerminal(result *types.TaskResult) {
	if o.journal == nil {
		return
	}
	if _, err := o.journal.Append(journal.TaskTerminal, journal.TaskTerminalPayload{Result: result}); err != nil {
		log.ErrorErr(log.CatJournal, "Journal append failed", err, "kind", journal.TaskTerminal, "taskID", result.TaskID)
	}
}

// === Result helpers ===

func failedResult(taskID types.TaskID, by types.AgentID, kind fault.Kind, msg string) *types.TaskResult {
	return &types.TaskResult{
		TaskID:       taskID,
		Status:       statusFor(kind),
		ErrorKind:    kind,
		ErrorMessage: msg,
		ProducedBy:   by,
	}
}

func statusFor(kind fault.Kind) types.TaskState {
	switch kind {
	case fault.KindCancelled:
		return types.TaskCancelled
	case fault.KindTimedOut, fault.KindSubAgentTimeout, fault.KindQueueTimeout:
		return types.TaskTimedOut
	default:
		return types.TaskFailed
	}
}

func cancelMessage(reason string) string {
	if reason == "" {
		return "cancelled"
	}
	return "cancelled: " + reason
}
