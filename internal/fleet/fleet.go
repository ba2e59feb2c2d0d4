// Package fleet hosts the sub-agent runtime. Each spawned sub-agent is a
// goroutine unit with a bus mailbox, a registry heartbeat loop, and bounded
// task execution through the provider pool. Units answer health queries,
// honor cancels, and always publish exactly one terminal result per accepted
// task, including after a panic.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/bus"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/capability"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/fault"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/log"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/provider"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/registry"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

// DefaultHeartbeatInterval matches the registry's expected cadence.
const DefaultHeartbeatInterval = registry.DefaultHeartbeatInterval

// costPerTokenUSD is the flat cost estimate applied to token usage.
const costPerTokenUSD = 0.000002

var (
	// ErrRunnerClosed is returned for operations on a closed runner.
	ErrRunnerClosed = errors.New("fleet runner is closed")

	// ErrUnknownAgent is returned when stopping an agent the runner does
	// not host.
	ErrUnknownAgent = errors.New("agent not spawned")
)

// ResolveFunc maps a provider binding to a capability provider.
type ResolveFunc func(types.ProviderID) (capability.Provider, error)

// Config holds configuration for the fleet runner.
type Config struct {
	Bus      bus.Bus
	Registry registry.Directory
	Executor *provider.Executor

	// HeartbeatInterval is the registry heartbeat cadence (default: 10s).
	HeartbeatInterval time.Duration

	// Resolve maps provider bindings to capability providers. Defaults to
	// the capability registry.
	Resolve ResolveFunc
}

// Runner spawns and supervises sub-agent units.
type Runner struct {
	bus      bus.Bus
	registry registry.Directory
	exec     *provider.Executor
	interval time.Duration
	resolve  ResolveFunc

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
	units  map[types.AgentID]*unit
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a fleet runner.
func New(cfg Config) *Runner {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Resolve == nil {
		cfg.Resolve = capability.Get
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		bus:      cfg.Bus,
		registry: cfg.Registry,
		exec:     cfg.Executor,
		interval: cfg.HeartbeatInterval,
		resolve:  cfg.Resolve,
		ctx:      ctx,
		cancel:   cancel,
		units:    make(map[types.AgentID]*unit),
	}
}

// Spawn registers the sub-agent and starts its mailbox and heartbeat loops.
// The unit sends its first heartbeat immediately, so the agent turns Ready
// without waiting a full interval.
func (r *Runner) Spawn(spec types.AgentSpec) error {
	if r.closed.Load() {
		return ErrRunnerClosed
	}
	if r.exec == nil {
		return fmt.Errorf("fleet runner has no executor configured")
	}
	if spec.Tier != types.TierSubAgent {
		return fmt.Errorf("agent %s: fleet hosts %s agents, not %s", spec.ID, types.TierSubAgent, spec.Tier)
	}

	invoker, err := r.resolve(spec.ProviderID)
	if err != nil {
		return fmt.Errorf("agent %s: %w", spec.ID, err)
	}
	if _, err := r.registry.Register(spec); err != nil {
		return fmt.Errorf("agent %s: %w", spec.ID, err)
	}

	unitCtx, cancel := context.WithCancel(r.ctx)
	u := &unit{
		spec:     spec,
		invoker:  invoker,
		exec:     r.exec,
		registry: r.registry,
		bus:      r.bus,
		cancel:   cancel,
		active:   make(map[types.TaskID]context.CancelFunc),
		slots:    make(chan struct{}, spec.Concurrency),
	}

	r.mu.Lock()
	if prev, ok := r.units[spec.ID]; ok {
		// Re-registration after Offline replaces the stale unit.
		prev.cancel()
	}
	r.units[spec.ID] = u
	r.mu.Unlock()

	mailbox := r.bus.SubscribeAgent(unitCtx, spec.ID)
	r.wg.Add(1)
	log.SafeGo("fleet-agent-"+spec.ID.String(), func() {
		defer r.wg.Done()
		u.run(unitCtx, mailbox, r.interval)
	})

	log.Info(log.CatFleet, "Sub-agent spawned",
		"agentID", spec.ID.String(),
		"parentID", spec.ParentID.String(),
		"provider", spec.ProviderID.String(),
		"concurrency", spec.Concurrency)
	return nil
}

// SpawnAll spawns every spec, stopping at the first failure.
func (r *Runner) SpawnAll(specs []types.AgentSpec) error {
	for _, spec := range specs {
		if err := r.Spawn(spec); err != nil {
			return err
		}
	}
	return nil
}

// Stop cancels the unit's work and deregisters it, waiting for in-flight
// tasks to drain up to the registry's grace deadline.
func (r *Runner) Stop(ctx context.Context, id types.AgentID) error {
	r.mu.Lock()
	u, ok := r.units[id]
	if ok {
		delete(r.units, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}

	u.cancel()
	return r.registry.Deregister(ctx, id)
}

// Count returns the number of hosted units.
func (r *Runner) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.units)
}

// Close stops every unit and waits for their loops to exit. In-flight tasks
// are cancelled, and their cancellation results are published if the bus
// still accepts traffic.
func (r *Runner) Close() {
	if r.closed.Swap(true) {
		return
	}

	log.Debug(log.CatFleet, "Closing fleet runner")
	r.cancel()
	r.wg.Wait()
}

// === Sub-agent unit ===

// unit is one running sub-agent.
type unit struct {
	spec     types.AgentSpec
	invoker  capability.Provider
	exec     *provider.Executor
	registry registry.Directory
	bus      bus.Bus
	cancel   context.CancelFunc

	mu     sync.Mutex
	active map[types.TaskID]context.CancelFunc

	slots chan struct{}
	tasks sync.WaitGroup
}

// run is the unit's main loop: heartbeats on a ticker, messages from the
// mailbox. Task execution happens on per-task goroutines so a slow provider
// call never blocks cancels or health queries.
func (u *unit) run(ctx context.Context, mailbox <-chan bus.Envelope, interval time.Duration) {
	u.heartbeat()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			u.shutdown()
			return
		case <-ticker.C:
			u.heartbeat()
		case env, ok := <-mailbox:
			if !ok {
				u.shutdown()
				return
			}
			u.handle(ctx, env)
		}
	}
}

func (u *unit) shutdown() {
	u.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(u.active))
	for _, cancelTask := range u.active {
		cancels = append(cancels, cancelTask)
	}
	u.mu.Unlock()

	for _, cancelTask := range cancels {
		cancelTask()
	}
	u.tasks.Wait()
}

func (u *unit) handle(ctx context.Context, env bus.Envelope) {
	switch env.Kind {
	case bus.KindTaskRequest:
		u.startTask(ctx, env)
	case bus.KindCancel:
		u.cancelTask(env.Cancel)
	case bus.KindHealthQuery:
		u.publish(bus.NewHealthReply(u.spec.ID, env.From, u.status()))
	default:
		log.Debug(log.CatFleet, "Ignoring message",
			"agentID", u.spec.ID.String(),
			"kind", string(env.Kind))
	}
}

// startTask claims a concurrency slot and executes the task on its own
// goroutine. A unit at capacity answers immediately so the supervisor can
// reroute instead of waiting.
func (u *unit) startTask(ctx context.Context, env bus.Envelope) {
	task := env.Task
	if task == nil {
		log.Warn(log.CatFleet, "Task request without task",
			"agentID", u.spec.ID.String(),
			"from", env.From.String())
		return
	}

	select {
	case u.slots <- struct{}{}:
	default:
		u.publish(bus.NewTaskResult(u.spec.ID, env.From,
			failedResult(task, u.spec.ID, time.Now(), fault.KindBackpressure, "agent at capacity")))
		return
	}

	taskCtx, cancelTask := context.WithCancel(ctx)
	u.mu.Lock()
	u.active[task.ID] = cancelTask
	u.mu.Unlock()

	replyTo := env.From
	u.tasks.Add(1)
	log.SafeGo("fleet-task-"+task.ID.String(), func() {
		defer u.tasks.Done()
		defer func() {
			cancelTask()
			u.mu.Lock()
			delete(u.active, task.ID)
			u.mu.Unlock()
			<-u.slots
		}()

		result := u.safeExecute(taskCtx, task)
		u.publish(bus.NewTaskResult(u.spec.ID, replyTo, result))
	})
}

// safeExecute converts a panic during execution into a Failed result. The
// stack goes to the log only, never into the result.
func (u *unit) safeExecute(ctx context.Context, task *types.Task) (result *types.TaskResult) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatFleet, "Task execution panic",
				"agentID", u.spec.ID.String(),
				"taskID", task.ID.String(),
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()))
			result = failedResult(task, u.spec.ID, started, fault.KindInternal, "task execution failed")
		}
	}()
	return u.execute(ctx, task)
}

func (u *unit) execute(ctx context.Context, task *types.Task) *types.TaskResult {
	started := time.Now()

	if task.Expired(started) {
		return failedResult(task, u.spec.ID, started, fault.KindTimedOut, "deadline passed before execution")
	}
	if task.Budget.Exhausted() {
		return failedResult(task, u.spec.ID, started, fault.KindBudgetExhausted, "task budget exhausted")
	}

	callCtx := ctx
	if !task.Deadline.IsZero() {
		var cancelCall context.CancelFunc
		callCtx, cancelCall = context.WithDeadline(ctx, task.Deadline)
		defer cancelCall()
	}

	var resp capability.Response
	estimated := capability.EstimateTokens(task.Payload.Data)
	tokens, err := u.exec.Execute(callCtx, u.spec.ProviderID, estimated, task.Deadline, func(cctx context.Context) (int64, error) {
		r, callErr := u.invoker.Invoke(cctx, capability.Request{
			TaskID:      task.ID,
			Type:        task.Type,
			Payload:     task.Payload,
			TokenBudget: remainingTokens(task.Budget),
		})
		if callErr != nil {
			return r.TokensUsed, callErr
		}
		resp = r
		return r.TokensUsed, nil
	})

	finished := time.Now()
	if err != nil {
		kind := fault.KindOf(err)
		return &types.TaskResult{
			TaskID:       task.ID,
			Status:       statusFor(kind),
			ErrorKind:    kind,
			ErrorMessage: err.Error(),
			ProducedBy:   u.spec.ID,
			StartedAt:    started,
			FinishedAt:   finished,
			TokensUsed:   tokens,
			CostEstimate: cost(tokens),
		}
	}

	return &types.TaskResult{
		TaskID:       task.ID,
		Status:       types.TaskCompleted,
		Payload:      resp.Payload,
		ProducedBy:   u.spec.ID,
		StartedAt:    started,
		FinishedAt:   finished,
		TokensUsed:   tokens,
		CostEstimate: cost(tokens),
	}
}

// cancelTask cancels the in-flight task if present. Cancels for unknown or
// already finished tasks are no-ops.
func (u *unit) cancelTask(req *bus.CancelRequest) {
	if req == nil {
		return
	}

	u.mu.Lock()
	cancelTask, ok := u.active[req.TaskID]
	u.mu.Unlock()
	if !ok {
		return
	}

	log.Debug(log.CatFleet, "Cancelling task",
		"agentID", u.spec.ID.String(),
		"taskID", req.TaskID.String(),
		"reason", req.Reason)
	cancelTask()
}

func (u *unit) status() types.HeartbeatStatus {
	u.mu.Lock()
	inFlight := len(u.active)
	u.mu.Unlock()
	return types.HeartbeatStatus{InFlight: inFlight, Healthy: true}
}

func (u *unit) heartbeat() {
	if err := u.registry.Heartbeat(u.spec.ID, u.status()); err != nil {
		log.Debug(log.CatFleet, "Heartbeat rejected",
			"agentID", u.spec.ID.String(),
			"error", err.Error())
	}
}

func (u *unit) publish(env bus.Envelope) {
	if err := u.bus.Publish(env); err != nil {
		log.Warn(log.CatFleet, "Publish failed",
			"agentID", u.spec.ID.String(),
			"kind", string(env.Kind),
			"error", err.Error())
	}
}

// === Helpers ===

func failedResult(task *types.Task, by types.AgentID, started time.Time, kind fault.Kind, msg string) *types.TaskResult {
	return &types.TaskResult{
		TaskID:       task.ID,
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
	case fault.KindTimedOut, fault.KindSubAgentTimeout:
		return types.TaskTimedOut
	default:
		return types.TaskFailed
	}
}

func remainingTokens(b types.Budget) int64 {
	if b.MaxTokens <= 0 {
		return 0
	}
	remaining := b.MaxTokens - b.UsedTokens
	if remaining < 0 {
		return 0
	}
	return remaining
}

func cost(tokens int64) float64 {
	return float64(tokens) * costPerTokenUSD
}
