package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/bus"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/fault"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/log"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/registry"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

// assignment pairs a sub-task with the agent whose slot it holds.
type assignment struct {
	agentID types.AgentID
	task    *types.Task
}

// outcome is one child's terminal result.
type outcome struct {
	agentID types.AgentID
	result  *types.TaskResult
}

// process runs one parent task end to end and returns exactly one result.
// cancelCh delivers a cancel reason from the mailbox loop.
func (s *Supervisor) process(env bus.Envelope, cancelCh <-chan string) *types.TaskResult {
	parent := env.Task
	started := time.Now()

	spec, ok := s.specFor(parent.Type)
	if !ok {
		return failedResult(parent.ID, s.id, started, fault.KindInvalidRequest,
			fmt.Sprintf("unknown task type %q", parent.Type))
	}

	deadline := parent.Deadline
	if deadline.IsZero() {
		d := spec.DefaultDeadline
		if d <= 0 {
			d = time.Minute
		}
		deadline = started.Add(d)
	}
	awaitDeadline := deadline.Add(-s.overhead)
	if !awaitDeadline.After(started) {
		return failedResult(parent.ID, s.id, started, fault.KindTimedOut,
			"deadline leaves no time to dispatch")
	}
	if parent.Budget.Exhausted() {
		return failedResult(parent.ID, s.id, started, fault.KindBudgetExhausted,
			"task budget exhausted")
	}

	plan, planErr := s.plan(parent, spec, awaitDeadline)
	if planErr != nil {
		planErr.StartedAt = started
		return planErr
	}

	log.Debug(log.CatSupervisor, "Dispatching sub-tasks",
		"agentID", s.id.String(),
		"taskID", parent.ID.String(),
		"taskType", string(parent.Type),
		"subTasks", len(plan))

	// Multi-capability fan-outs are indivisible: any sub-task failure fails
	// the parent regardless of policy. Split shards stay divisible.
	indivisible := len(spec.Requires) > 1
	return s.await(env, plan, cancelCh, awaitDeadline, started, indivisible)
}

// === Planning ===

// plan selects sub-agents and builds child tasks. Every returned assignment
// holds an acquired registry slot; on error all acquired slots are released.
func (s *Supervisor) plan(parent *types.Task, spec types.TypeSpec, deadline time.Time) ([]assignment, *types.TaskResult) {
	if len(spec.Requires) > 1 {
		return s.planFanOut(parent, spec, deadline)
	}

	capability := types.Capability(parent.Type)
	if len(spec.Requires) == 1 {
		capability = spec.Requires[0]
	}

	candidates := s.candidates(capability)
	if len(candidates) == 0 {
		return nil, failedResult(parent.ID, s.id, time.Now(), fault.KindNoCapableAgent,
			fmt.Sprintf("no ready agent for capability %q", capability))
	}

	if spec.Parallelizable && len(candidates) > 1 {
		if plan := s.planSplit(parent, candidates, deadline); plan != nil {
			return plan, nil
		}
	}

	for _, agent := range candidates {
		if err := s.registry.AcquireSlot(agent.ID); err != nil {
			continue
		}
		child := childTask(parent, parent.Type, parent.Payload, deadline)
		return []assignment{{agentID: agent.ID, task: child}}, nil
	}
	return nil, failedResult(parent.ID, s.id, time.Now(), fault.KindNoCapableAgent,
		fmt.Sprintf("all candidates for capability %q at capacity", capability))
}

// planFanOut builds one child per required capability. Each child carries
// the capability as its task type so the sub-agent knows which facet to run.
func (s *Supervisor) planFanOut(parent *types.Task, spec types.TypeSpec, deadline time.Time) ([]assignment, *types.TaskResult) {
	plan := make([]assignment, 0, len(spec.Requires))
	for _, capability := range spec.Requires {
		acquired := false
		for _, agent := range s.candidates(capability) {
			if err := s.registry.AcquireSlot(agent.ID); err != nil {
				continue
			}
			child := childTask(parent, types.TaskType(capability), parent.Payload, deadline)
			plan = append(plan, assignment{agentID: agent.ID, task: child})
			acquired = true
			break
		}
		if !acquired {
			s.releasePlan(plan)
			return nil, failedResult(parent.ID, s.id, time.Now(), fault.KindNoCapableAgent,
				fmt.Sprintf("no ready agent for capability %q", capability))
		}
	}
	return plan, nil
}

// planSplit shards the payload across distinct agents. Returns nil when the
// payload does not split or only one slot could be reserved, falling back to
// single dispatch.
func (s *Supervisor) planSplit(parent *types.Task, candidates []*types.Agent, deadline time.Time) []assignment {
	var reserved []types.AgentID
	for _, agent := range candidates {
		if err := s.registry.AcquireSlot(agent.ID); err != nil {
			continue
		}
		reserved = append(reserved, agent.ID)
	}
	if len(reserved) < 2 {
		for _, id := range reserved {
			s.registry.ReleaseSlot(id)
		}
		return nil
	}

	shards := s.splitter(parent.Payload, len(reserved))
	if len(shards) < 2 {
		for _, id := range reserved {
			s.registry.ReleaseSlot(id)
		}
		return nil
	}

	// Fewer shards than reservations: hand back the extras.
	for _, id := range reserved[len(shards):] {
		s.registry.ReleaseSlot(id)
	}
	reserved = reserved[:len(shards)]

	plan := make([]assignment, 0, len(shards))
	for i, shard := range shards {
		child := childTask(parent, parent.Type, shard, deadline)
		plan = append(plan, assignment{agentID: reserved[i], task: child})
	}
	return plan
}

func (s *Supervisor) candidates(capability types.Capability) []*types.Agent {
	return s.registry.Find(capability, registry.Constraints{
		ParentID:        s.id,
		Tier:            types.TierSubAgent,
		RequireCapacity: true,
	})
}

func (s *Supervisor) releasePlan(plan []assignment) {
	for _, a := range plan {
		s.registry.ReleaseSlot(a.agentID)
	}
}

func childTask(parent *types.Task, typ types.TaskType, payload types.Payload, deadline time.Time) *types.Task {
	return &types.Task{
		ID:        types.NewTaskID(),
		ParentID:  parent.ID,
		SessionID: parent.SessionID,
		Submitter: parent.Submitter,
		Type:      typ,
		Payload:   payload,
		Priority:  parent.Priority,
		Deadline:  deadline,
		Budget:    parent.Budget,
		State:     types.TaskPending,
		CreatedAt: time.Now(),
	}
}

// === Aggregation ===

// await dispatches the plan, collects child results until the deadline, and
// reduces them into the parent result.
func (s *Supervisor) await(env bus.Envelope, plan []assignment, cancelCh <-chan string, deadline time.Time, started time.Time, indivisible bool) *types.TaskResult {
	parent := env.Task
	replyTo := env.From

	// Children reply to this supervisor's mailbox; the mailbox loop routes
	// their results here. Sized for one result per child plus a synthetic
	// dispatch failure each, so sends never block.
	outcomes := make(chan outcome, 2*len(plan))
	s.trackChildren(plan, outcomes)
	defer s.untrackChildren(plan)

	for _, a := range plan {
		if err := s.bus.Publish(bus.NewTaskRequest(s.id, a.agentID, a.task)); err != nil {
			log.Warn(log.CatSupervisor, "Sub-task dispatch failed",
				"agentID", s.id.String(),
				"subTaskID", a.task.ID.String(),
				"target", a.agentID.String(),
				"error", err.Error())
			outcomes <- outcome{agentID: a.agentID, result: dispatchFailure(a.task.ID, a.agentID, err)}
		}
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	var (
		successes    []outcome
		firstFailure *types.TaskResult
		failures     int
		cancelled    bool
		cancelReason string
		timedOut     bool
		budgetDead   bool
		siblingsCut  bool
		partialSeq   int
		tokens       int64
		cost         float64
	)

	budget := parent.Budget
	closing := s.ctx.Done()
	pending := len(plan)
	finished := make(map[types.TaskID]bool, len(plan))

collect:
	for pending > 0 {
		select {
		case reason := <-cancelCh:
			cancelled = true
			cancelReason = reason
			cancelCh = nil
			s.cancelChildren(plan, finished, "parent cancelled")

		case <-closing:
			// Shutdown behaves like a cancel but only drains briefly.
			cancelled = true
			cancelReason = "supervisor shutting down"
			closing = nil
			s.cancelChildren(plan, finished, "supervisor shutting down")
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(closeDrainGrace)

		case <-timer.C:
			timedOut = true
			s.cancelChildren(plan, finished, "deadline exceeded")
			break collect

		case out := <-outcomes:
			if finished[out.result.TaskID] {
				continue
			}
			pending--
			finished[out.result.TaskID] = true
			s.registry.ReleaseSlot(out.agentID)
			s.registry.Observe(out.agentID, out.result.Status == types.TaskCompleted)

			tokens += out.result.TokensUsed
			cost += out.result.CostEstimate
			budget.Charge(out.result.TokensUsed, out.result.CostEstimate)

			if out.result.Status == types.TaskCompleted {
				successes = append(successes, out)
				if len(plan) > 1 {
					partialSeq++
					s.publish(bus.NewPartialResult(s.id, replyTo, bus.Partial{
						TaskID:  parent.ID,
						Seq:     partialSeq,
						Payload: out.result.Payload,
					}))
				}
			} else {
				failures++
				if firstFailure == nil {
					firstFailure = out.result
				}
				if (indivisible || s.policy == PolicyStrict) && !cancelled && !siblingsCut && pending > 0 {
					siblingsCut = true
					s.cancelChildren(plan, finished, "sibling failed")
				}
			}

			if budget.Exhausted() && pending > 0 && !budgetDead {
				budgetDead = true
				s.cancelChildren(plan, finished, "budget exhausted")
			}
		}
	}

	// Children that never answered: give their slots back and count the
	// miss against them.
	for _, a := range plan {
		if !finished[a.task.ID] {
			s.registry.ReleaseSlot(a.agentID)
			s.registry.Observe(a.agentID, false)
		}
	}

	return s.verdict(parent, plan, successes, firstFailure, failures, verdictState{
		cancelled:    cancelled,
		cancelReason: cancelReason,
		timedOut:     timedOut,
		budgetDead:   budgetDead,
		indivisible:  indivisible,
		started:      started,
		tokens:       tokens,
		cost:         cost,
	})
}

// cancelChildren emits a cancel to every unfinished child.
func (s *Supervisor) cancelChildren(plan []assignment, finished map[types.TaskID]bool, reason string) {
	for _, a := range plan {
		if finished[a.task.ID] {
			continue
		}
		s.publish(bus.NewCancel(s.id, a.agentID, a.task.ID, reason))
	}
}

type verdictState struct {
	cancelled    bool
	cancelReason string
	timedOut     bool
	budgetDead   bool
	indivisible  bool
	started      time.Time
	tokens       int64
	cost         float64
}

// verdict reduces the collected child outcomes into the parent result.
func (s *Supervisor) verdict(parent *types.Task, plan []assignment, successes []outcome, firstFailure *types.TaskResult, failures int, vs verdictState) *types.TaskResult {
	finish := func(r *types.TaskResult) *types.TaskResult {
		r.StartedAt = vs.started
		r.FinishedAt = time.Now()
		r.TokensUsed = vs.tokens
		r.CostEstimate = vs.cost
		return r
	}

	if len(successes) == len(plan) {
		return finish(s.completed(parent, plan, successes))
	}

	switch {
	case vs.cancelled:
		return finish(failedResult(parent.ID, s.id, vs.started, fault.KindCancelled, cancelMessage(vs.cancelReason)))
	case vs.timedOut:
		return finish(failedResult(parent.ID, s.id, vs.started, fault.KindSubAgentTimeout,
			fmt.Sprintf("%d of %d sub-tasks missed the deadline", len(plan)-len(successes)-failures, len(plan))))
	case vs.budgetDead:
		return finish(failedResult(parent.ID, s.id, vs.started, fault.KindBudgetExhausted, "task budget exhausted"))
	}

	// At least one child failed and nothing external intervened.
	if len(plan) == 1 {
		child := firstFailure
		return finish(&types.TaskResult{
			TaskID:       parent.ID,
			Status:       statusFor(child.ErrorKind),
			ErrorKind:    child.ErrorKind,
			ErrorMessage: child.ErrorMessage,
			ProducedBy:   child.ProducedBy,
		})
	}

	if vs.indivisible || s.policy == PolicyStrict {
		return finish(failedResult(parent.ID, s.id, vs.started, firstFailure.ErrorKind, firstFailure.ErrorMessage))
	}

	if len(successes) > 0 {
		result := s.completed(parent, plan, successes)
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%d of %d sub-tasks failed (first: %s)", failures, len(plan), firstFailure.ErrorKind))
		return finish(result)
	}
	return finish(failedResult(parent.ID, s.id, vs.started, fault.KindAggregationFailed,
		fmt.Sprintf("all %d sub-tasks failed (first: %s)", len(plan), firstFailure.ErrorKind)))
}

// completed builds the success result. A single child's payload passes
// through with its producer; merged payloads carry the supervisor's id.
func (s *Supervisor) completed(parent *types.Task, plan []assignment, successes []outcome) *types.TaskResult {
	if len(plan) == 1 && len(successes) == 1 {
		child := successes[0].result
		return &types.TaskResult{
			TaskID:     parent.ID,
			Status:     types.TaskCompleted,
			Payload:    child.Payload,
			ProducedBy: child.ProducedBy,
		}
	}

	// Merge in dispatch order so split shards reassemble in sequence.
	byTask := make(map[types.TaskID]types.Payload, len(successes))
	for _, out := range successes {
		byTask[out.result.TaskID] = out.result.Payload
	}
	ordered := make([]types.Payload, 0, len(successes))
	for _, a := range plan {
		if p, ok := byTask[a.task.ID]; ok {
			ordered = append(ordered, p)
		}
	}

	return &types.TaskResult{
		TaskID:     parent.ID,
		Status:     types.TaskCompleted,
		Payload:    MergePayloads(ordered),
		ProducedBy: s.id,
	}
}

// MergePayloads joins sibling payloads into one: JSON documents become a
// JSON array, anything else concatenates as text. The orchestrator applies
// the same policy when joining supervisor branches.
func MergePayloads(payloads []types.Payload) types.Payload {
	if len(payloads) == 1 {
		return payloads[0]
	}

	allJSON := len(payloads) > 0
	for _, p := range payloads {
		if !strings.HasPrefix(p.MIME, "application/json") {
			allJSON = false
			break
		}
	}
	if allJSON {
		parts := make([]json.RawMessage, len(payloads))
		for i, p := range payloads {
			parts[i] = json.RawMessage(p.Data)
		}
		if merged, err := types.JSONPayload(parts); err == nil {
			return merged
		}
	}

	texts := make([]string, len(payloads))
	for i, p := range payloads {
		texts[i] = p.Text()
	}
	return types.TextPayload(strings.Join(texts, "\n"))
}

// dispatchFailure converts a bus publish error into a synthetic child result.
func dispatchFailure(taskID types.TaskID, agentID types.AgentID, err error) *types.TaskResult {
	kind := fault.KindInternal
	switch {
	case errors.Is(err, bus.ErrBackpressure):
		kind = fault.KindBackpressure
	case errors.Is(err, bus.ErrNoSubscriber):
		kind = fault.KindNoCapableAgent
	}
	return failedResult(taskID, agentID, time.Now(), kind, "dispatch failed: "+err.Error())
}

// === Default splitter ===

// SplitText shards a text payload into at most n chunks on paragraph
// boundaries, falling back to line boundaries. Units rejoin inside each
// shard with the boundary they were split on, so the shard contents
// concatenate back to the original text. Non-text and small payloads
// return a single shard.
func SplitText(payload types.Payload, n int) []types.Payload {
	if n < 2 || !strings.HasPrefix(payload.MIME, "text/") {
		return []types.Payload{payload}
	}

	text := payload.Text()
	sep := "\n\n"
	units := strings.Split(text, sep)
	if len(units) < 2 {
		sep = "\n"
		units = strings.Split(text, sep)
	}
	if len(units) < 2 {
		return []types.Payload{payload}
	}
	if n > len(units) {
		n = len(units)
	}

	// Contiguous runs keep the original ordering across shards.
	per := (len(units) + n - 1) / n
	shards := make([]types.Payload, 0, n)
	for start := 0; start < len(units); start += per {
		end := start + per
		if end > len(units) {
			end = len(units)
		}
		chunk := strings.Join(units[start:end], sep)
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		shards = append(shards, types.TextPayload(chunk))
	}
	if len(shards) == 0 {
		return []types.Payload{payload}
	}
	return shards
}
