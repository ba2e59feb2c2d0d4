// Package supervisor implements the middle tier of the agent hierarchy. A
// supervisor consumes task requests addressed to it, selects sub-agents from
// its fleet through the registry, dispatches sub-tasks, and aggregates the
// results back to the orchestrator. It enforces its own in-flight bound with
// a priority admission queue and fails queued tasks whose deadline passes
// with QueueTimeout.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/bus"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/fault"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/log"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/registry"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

const (
	// DefaultMaxInFlight bounds concurrently aggregated parent tasks.
	DefaultMaxInFlight = 4

	// DefaultQueueCapacity bounds the admission queue.
	DefaultQueueCapacity = 16

	// DefaultDispatchOverhead is subtracted from the parent deadline to
	// leave room for dispatch and aggregation.
	DefaultDispatchOverhead = 250 * time.Millisecond

	// DefaultHeartbeatInterval matches the registry's expected cadence.
	DefaultHeartbeatInterval = registry.DefaultHeartbeatInterval

	// queueSweepInterval is how often queued tasks are checked for expiry.
	queueSweepInterval = 100 * time.Millisecond

	// closeDrainGrace bounds how long a closing supervisor waits for
	// cancelled children to answer.
	closeDrainGrace = time.Second
)

// Policy picks how divisible task failures aggregate.
type Policy string

const (
	// PolicyStrict fails the parent on any sub-task failure.
	PolicyStrict Policy = "strict"

	// PolicyBestEffort completes the parent from the successful sub-tasks
	// and attaches a failure summary, as long as at least one succeeded.
	PolicyBestEffort Policy = "best-effort"
)

// SplitFunc divides a payload into at most n shards. Returning a single
// shard keeps the task on one agent.
type SplitFunc func(payload types.Payload, n int) []types.Payload

// SpecLookup resolves a task type to its catalog entry.
type SpecLookup func(types.TaskType) (types.TypeSpec, bool)

// Config holds configuration for one supervisor.
type Config struct {
	// Spec is the supervisor's registry identity: id, parent orchestrator,
	// and the capability union of its fleet.
	Spec types.AgentSpec

	Bus      bus.Bus
	Registry registry.Directory
	SpecFor  SpecLookup

	MaxInFlight       int           // concurrent parent tasks (default: 4)
	QueueCapacity     int           // admission queue bound (default: 16)
	DispatchOverhead  time.Duration // deadline headroom for dispatch (default: 250ms)
	Aggregation       Policy        // divisible failure policy (default: strict)
	HeartbeatInterval time.Duration // registry heartbeat cadence (default: 10s)
	Splitter          SplitFunc     // payload splitter (default: paragraph split)
}

// Supervisor is one running supervisor agent.
type Supervisor struct {
	id       types.AgentID
	spec     types.AgentSpec
	bus      bus.Bus
	registry registry.Directory
	specFor  SpecLookup

	maxInFlight int
	overhead    time.Duration
	policy      Policy
	interval    time.Duration
	splitter    SplitFunc

	ctx    context.Context
	cancel context.CancelFunc
	queue  *admissionQueue

	mu       sync.Mutex
	inFlight int
	aggs     map[types.TaskID]chan string
	children map[types.TaskID]childRoute

	wg     sync.WaitGroup
	closed atomic.Bool
}

// childRoute delivers one child's result into its aggregation.
type childRoute struct {
	agentID types.AgentID
	sink    chan<- outcome
}

// New creates a supervisor. Start registers it and begins consuming.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Bus == nil || cfg.Registry == nil || cfg.SpecFor == nil {
		return nil, fmt.Errorf("supervisor %s: bus, registry, and spec lookup are required", cfg.Spec.ID)
	}
	if !cfg.Spec.ID.IsValid() {
		return nil, fmt.Errorf("supervisor spec has empty id")
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.DispatchOverhead <= 0 {
		cfg.DispatchOverhead = DefaultDispatchOverhead
	}
	if cfg.Aggregation == "" {
		cfg.Aggregation = PolicyStrict
	}
	if cfg.Aggregation != PolicyStrict && cfg.Aggregation != PolicyBestEffort {
		return nil, fmt.Errorf("supervisor %s: unknown aggregation policy %q", cfg.Spec.ID, cfg.Aggregation)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Splitter == nil {
		cfg.Splitter = SplitText
	}

	spec := cfg.Spec
	spec.Tier = types.TierSupervisor

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		id:          spec.ID,
		spec:        spec,
		bus:         cfg.Bus,
		registry:    cfg.Registry,
		specFor:     cfg.SpecFor,
		maxInFlight: cfg.MaxInFlight,
		overhead:    cfg.DispatchOverhead,
		policy:      cfg.Aggregation,
		interval:    cfg.HeartbeatInterval,
		splitter:    cfg.Splitter,
		ctx:         ctx,
		cancel:      cancel,
		queue:       newAdmissionQueue(cfg.QueueCapacity),
		aggs:        make(map[types.TaskID]chan string),
		children:    make(map[types.TaskID]childRoute),
	}, nil
}

// Start registers the supervisor and begins consuming its mailbox.
func (s *Supervisor) Start() error {
	if s.closed.Load() {
		return fmt.Errorf("supervisor %s is closed", s.id)
	}
	if _, err := s.registry.Register(s.spec); err != nil {
		return fmt.Errorf("supervisor %s: %w", s.id, err)
	}

	mailbox := s.bus.SubscribeAgent(s.ctx, s.id)
	s.wg.Add(1)
	log.SafeGo("supervisor-"+s.id.String(), func() {
		defer s.wg.Done()
		s.run(mailbox)
	})

	log.Info(log.CatSupervisor, "Supervisor started",
		"agentID", s.id.String(),
		"maxInFlight", s.maxInFlight,
		"policy", string(s.policy))
	return nil
}

// Close stops consuming, cancels in-flight aggregations, and waits for them
// to finalize.
func (s *Supervisor) Close() {
	if s.closed.Swap(true) {
		return
	}

	log.Debug(log.CatSupervisor, "Closing supervisor", "agentID", s.id.String())
	s.cancel()
	s.wg.Wait()
}

// ID returns the supervisor's agent id.
func (s *Supervisor) ID() types.AgentID { return s.id }

// QueueDepth returns the number of queued task requests.
func (s *Supervisor) QueueDepth() int { return s.queue.Len() }

// InFlight returns the number of parent tasks being aggregated.
func (s *Supervisor) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// === Main loop ===

func (s *Supervisor) run(mailbox <-chan bus.Envelope) {
	s.heartbeat()
	heartbeats := time.NewTicker(s.interval)
	defer heartbeats.Stop()
	sweeps := time.NewTicker(queueSweepInterval)
	defer sweeps.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-heartbeats.C:
			s.heartbeat()
		case <-sweeps.C:
			s.sweep()
		case env, ok := <-mailbox:
			if !ok {
				return
			}
			s.handle(env)
		}
	}
}

func (s *Supervisor) handle(env bus.Envelope) {
	switch env.Kind {
	case bus.KindTaskRequest:
		s.admit(env)
	case bus.KindCancel:
		s.cancelParent(env.Cancel)
	case bus.KindHealthQuery:
		s.publish(bus.NewHealthReply(s.id, env.From, s.status()))
	case bus.KindTaskResult:
		s.routeChild(env)
	default:
		log.Debug(log.CatSupervisor, "Ignoring message",
			"agentID", s.id.String(),
			"kind", string(env.Kind))
	}
}

// admit starts the task if a slot is free, otherwise queues it. A full
// queue answers Backpressure immediately.
func (s *Supervisor) admit(env bus.Envelope) {
	if env.Task == nil {
		log.Warn(log.CatSupervisor, "Task request without task",
			"agentID", s.id.String(),
			"from", env.From.String())
		return
	}

	s.mu.Lock()
	if s.inFlight < s.maxInFlight {
		s.inFlight++
		s.mu.Unlock()
		s.launch(env)
		return
	}
	s.mu.Unlock()

	if err := s.queue.Push(env); err != nil {
		log.Warn(log.CatSupervisor, "Admission queue full",
			"agentID", s.id.String(),
			"taskID", env.Task.ID.String())
		s.publish(bus.NewTaskResult(s.id, env.From,
			failedResult(env.Task.ID, s.id, time.Now(), fault.KindBackpressure, "supervisor admission queue full")))
		return
	}

	log.Debug(log.CatSupervisor, "Task queued",
		"agentID", s.id.String(),
		"taskID", env.Task.ID.String(),
		"priority", int(env.Task.Priority),
		"depth", s.queue.Len())

	// A slot may have freed while queueing.
	s.pump()
}

// launch runs the aggregation for one admitted task on its own goroutine.
// The in-flight slot is already held.
func (s *Supervisor) launch(env bus.Envelope) {
	parent := env.Task
	cancelCh := make(chan string, 1)
	s.mu.Lock()
	s.aggs[parent.ID] = cancelCh
	s.mu.Unlock()

	s.wg.Add(1)
	log.SafeGo("supervisor-task-"+parent.ID.String(), func() {
		defer s.wg.Done()

		result := s.process(env, cancelCh)
		s.publish(bus.NewTaskResult(s.id, env.From, result))

		s.mu.Lock()
		delete(s.aggs, parent.ID)
		s.inFlight--
		s.mu.Unlock()
		s.pump()
	})
}

// pump fills free slots from the queue, failing expired entries on the way.
func (s *Supervisor) pump() {
	for {
		s.mu.Lock()
		if s.inFlight >= s.maxInFlight {
			s.mu.Unlock()
			return
		}
		env, ok := s.queue.Pop()
		if !ok {
			s.mu.Unlock()
			return
		}
		s.inFlight++
		s.mu.Unlock()

		if env.Task.Expired(time.Now()) {
			s.publish(bus.NewTaskResult(s.id, env.From,
				failedResult(env.Task.ID, s.id, time.Now(), fault.KindQueueTimeout, "deadline passed while queued")))
			s.mu.Lock()
			s.inFlight--
			s.mu.Unlock()
			continue
		}

		s.launch(env)
	}
}

// sweep fails queued tasks whose deadline passed and pumps freed capacity.
func (s *Supervisor) sweep() {
	now := time.Now()
	for _, env := range s.queue.Expire(now) {
		s.publish(bus.NewTaskResult(s.id, env.From,
			failedResult(env.Task.ID, s.id, now, fault.KindQueueTimeout, "deadline passed while queued")))
	}
	s.pump()
}

// cancelParent routes a cancel to the queued or in-flight task. Unknown
// tasks are ignored.
func (s *Supervisor) cancelParent(req *bus.CancelRequest) {
	if req == nil {
		return
	}

	if env, ok := s.queue.Remove(req.TaskID); ok {
		s.publish(bus.NewTaskResult(s.id, env.From,
			failedResult(req.TaskID, s.id, time.Now(), fault.KindCancelled, cancelMessage(req.Reason))))
		return
	}

	s.mu.Lock()
	ch, ok := s.aggs[req.TaskID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- req.Reason:
	default:
	}
}

// routeChild forwards a child result into the aggregation waiting on it.
// Children reply to the supervisor's mailbox, so this is the single path by
// which sub-task outcomes reach their aggregation.
func (s *Supervisor) routeChild(env bus.Envelope) {
	if env.Result == nil {
		return
	}

	s.mu.Lock()
	route, ok := s.children[env.Result.TaskID]
	s.mu.Unlock()
	if !ok {
		log.Debug(log.CatSupervisor, "Result for unknown sub-task",
			"agentID", s.id.String(),
			"taskID", env.Result.TaskID.String())
		return
	}

	select {
	case route.sink <- outcome{agentID: route.agentID, result: env.Result}:
	default:
		// The sink is sized for every child plus synthetic failures, so a
		// full buffer means this result is a duplicate.
	}
}

func (s *Supervisor) trackChildren(plan []assignment, sink chan<- outcome) {
	s.mu.Lock()
	for _, a := range plan {
		s.children[a.task.ID] = childRoute{agentID: a.agentID, sink: sink}
	}
	s.mu.Unlock()
}

func (s *Supervisor) untrackChildren(plan []assignment) {
	s.mu.Lock()
	for _, a := range plan {
		delete(s.children, a.task.ID)
	}
	s.mu.Unlock()
}

func (s *Supervisor) status() types.HeartbeatStatus {
	s.mu.Lock()
	inFlight := s.inFlight
	s.mu.Unlock()
	return types.HeartbeatStatus{InFlight: inFlight, Healthy: true}
}

func (s *Supervisor) heartbeat() {
	if err := s.registry.Heartbeat(s.id, s.status()); err != nil {
		log.Debug(log.CatSupervisor, "Heartbeat rejected",
			"agentID", s.id.String(),
			"error", err.Error())
	}
}

func (s *Supervisor) publish(env bus.Envelope) {
	if err := s.bus.Publish(env); err != nil {
		log.Warn(log.CatSupervisor, "Publish failed",
			"agentID", s.id.String(),
			"kind", string(env.Kind),
			"error", err.Error())
	}
}

func cancelMessage(reason string) string {
	if reason == "" {
		return "cancelled"
	}
	return "cancelled: " + reason
}

func failedResult(taskID types.TaskID, by types.AgentID, started time.Time, kind fault.Kind, msg string) *types.TaskResult {
	return &types.TaskResult{
		TaskID:       taskID,
		Status:       statusFor(kind),
		ErrorKind:    kind,
		ErrorMessage: msg,
		ProducedBy:   by,
		StartedAt:    started,
		FinishedAt:   time.Now(),
	}
}

// statusFor maps an error kind onto the terminal state it implies.
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
