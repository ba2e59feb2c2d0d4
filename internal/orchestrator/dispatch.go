package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/bus"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/events"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/fault"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/log"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/registry"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

// SubmitRequest is one task submission from a session.
type SubmitRequest struct {
	SessionID types.SessionID
	Submitter string

	// Type names a cataloged task type. Empty or unknown types go through
	// intent classification when it is enabled.
	Type    types.TaskType
	Payload types.Payload

	Priority types.Priority
	Deadline time.Time
	Budget   types.Budget

	// Idempotent marks journal-replayed submissions so a later recovery
	// can tell re-dispatches from client originals.
	Idempotent bool
}

// SubmitTask validates and accepts a submission. Acceptance is synchronous;
// routing, classification, and execution proceed asynchronously, so a
// returned task id does not imply a route exists. Routing failures surface
// through the task's terminal result.
func (o *Orchestrator) SubmitTask(req SubmitRequest) (types.TaskID, error) {
	if o.closed.Load() {
		return "", ErrClosed
	}
	if req.SessionID == "" || req.Submitter == "" {
		return "", fault.New(fault.KindUnauthorized, "submission requires a session and submitter")
	}
	if req.Payload.IsZero() && !req.Type.IsValid() {
		return "", fault.New(fault.KindInvalidRequest, "submission carries no payload and no type")
	}
	now := time.Now()
	if !req.Deadline.IsZero() && !req.Deadline.After(now) {
		return "", fault.New(fault.KindInvalidRequest, "deadline already passed")
	}

	task := &types.Task{
		ID:        types.NewTaskID(),
		SessionID: req.SessionID,
		Submitter: req.Submitter,
		Type:      req.Type,
		Payload:   req.Payload,
		Priority:  req.Priority.Clamp(),
		Deadline:  req.Deadline,
		Budget:    req.Budget,
		State:     types.TaskPending,
		CreatedAt: now,
	}

	spec, known := o.topo.Spec(task.Type)
	if !known {
		if !o.classifyCfg.Enabled {
			if !task.Type.IsValid() {
				return "", fault.New(fault.KindInvalidRequest, "submission has no type and classification is disabled")
			}
			return "", fault.New(fault.KindInvalidRequest, "unknown task type %q", task.Type)
		}
		o.admitUntyped(task)
		return task.ID, nil
	}

	o.admitTyped(task, spec, req.Idempotent)
	return task.ID, nil
}

// admitTyped journals and routes a submission whose type is in the catalog.
func (o *Orchestrator) admitTyped(task *types.Task, spec types.TypeSpec, replay bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry := o.newEntryLocked(task)
	o.stampDeadline(task, spec)
	o.journalCreated(task, replay)
	o.feed.Publish(events.Event{Type: events.TaskSubmitted, TaskID: task.ID, SessionID: task.SessionID})

	o.routeLocked(entry, spec)
}

// admitUntyped accepts a submission that needs classification first. The
// probe is a task like any other: it flows through a supervisor to a
// sub-agent and its provider, under the usual pool admission rules. The
// parent stays Pending until the inferred type routes it.
func (o *Orchestrator) admitUntyped(task *types.Task) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry := o.newEntryLocked(task)
	entry.classifying = true

	now := time.Now()
	probe := &types.Task{
		ID:        types.NewTaskID(),
		ParentID:  task.ID,
		SessionID: task.SessionID,
		Submitter: task.Submitter,
		Type:      types.TaskType(o.classifyCfg.Capability),
		Payload:   task.Payload,
		Priority:  task.Priority,
		Deadline:  now.Add(o.classifyCfg.Deadline),
		State:     types.TaskPending,
		CreatedAt: now,
	}
	entry.classifyID = probe.ID
	o.branches[probe.ID] = task.ID

	candidates := o.reg.Find(o.classifyCfg.Capability, registry.Constraints{ParentID: o.id, Tier: types.TierSupervisor})
	if len(candidates) == 0 {
		log.Warn(log.CatOrch, "RouteDecision: no candidates",
			"taskID", task.ID, "capability", o.classifyCfg.Capability)
		o.finalizeLocked(entry, failedResult(task.ID, o.id, fault.KindNoCapableAgent,
			fmt.Sprintf("no supervisor serves capability %q", o.classifyCfg.Capability)))
		return
	}

	chosen := candidates[0]
	entry.supervisor = chosen.ID
	if err := o.bus.Publish(bus.NewTaskRequest(o.id, chosen.ID, probe)); err != nil {
		log.ErrorErr(log.CatOrch, "Classification dispatch failed", err,
			"taskID", task.ID, "supervisor", chosen.ID)
		o.finalizeLocked(entry, dispatchFailure(task.ID, o.id, chosen.ID, err))
		return
	}
	entry.armWatchdogLocked(o, probe.Deadline)

	log.Debug(log.CatOrch, "classification dispatched",
		"taskID", task.ID, "probeID", probe.ID, "supervisor", chosen.ID)
}

// classified resumes a parent once its probe returns. Called under mu.
func (o *Orchestrator) classifiedLocked(entry *taskEntry, res *types.TaskResult) {
	entry.classifying = false
	entry.supervisor = ""
	entry.stopTimersLocked()
	delete(o.branches, entry.classifyID)

	task := entry.task
	if entry.cancelled {
		o.finalizeLocked(entry, failedResult(task.ID, o.id, fault.KindCancelled, cancelMessage(entry.cancelReason)))
		return
	}
	if res.Failed() {
		o.finalizeLocked(entry, &types.TaskResult{
			TaskID:       task.ID,
			Status:       res.Status,
			ErrorKind:    res.ErrorKind,
			ErrorMessage: "intent classification failed: " + res.ErrorMessage,
			ProducedBy:   o.id,
		})
		return
	}

	inferred := types.TaskType(strings.TrimSpace(res.Payload.Text()))
	spec, ok := o.topo.Spec(inferred)
	if !ok {
		o.finalizeLocked(entry, failedResult(task.ID, o.id, fault.KindInvalidRequest,
			fmt.Sprintf("classifier produced unknown type %q", inferred)))
		return
	}

	task.Type = inferred
	o.stampDeadline(task, spec)
	o.journalCreated(task, false)
	o.feed.Publish(events.Event{Type: events.TaskSubmitted, TaskID: task.ID, SessionID: task.SessionID})
	log.Info(log.CatOrch, "task classified", "taskID", task.ID, "type", inferred)

	o.routeLocked(entry, spec)
}

// stampDeadline applies the catalog deadline when the submission has none.
func (o *Orchestrator) stampDeadline(task *types.Task, spec types.TypeSpec) {
	if !task.Deadline.IsZero() {
		return
	}
	d := spec.DefaultDeadline
	if d <= 0 {
		d = o.deadline
	}
	task.Deadline = time.Now().Add(d)
}

// === Routing ===

// routeLocked selects supervisors for a typed task and dispatches it. The
// task's deadline must already be stamped.
func (o *Orchestrator) routeLocked(entry *taskEntry, spec types.TypeSpec) {
	task := entry.task

	join := spec.Join
	if join.Mode == "" {
		join.Mode = o.defaultJoin
	}

	primary := types.Capability(task.Type)
	if len(spec.Requires) > 0 {
		primary = spec.Requires[0]
	}

	candidates := o.supervisorCandidates(spec, primary)
	decision := &types.RouteDecision{
		TaskID:     task.ID,
		Capability: primary,
		DecidedAt:  time.Now(),
	}
	for _, c := range candidates {
		decision.Candidates = append(decision.Candidates, c.ID)
	}

	if len(candidates) == 0 {
		decision.Rationale = "no candidates"
		o.recordDecisionLocked(decision)
		log.Warn(log.CatOrch, "RouteDecision: no candidates",
			"taskID", task.ID, "capability", primary)
		o.finalizeLocked(entry, failedResult(task.ID, o.id, fault.KindNoCapableAgent,
			fmt.Sprintf("no supervisor serves capability %q", primary)))
		return
	}

	if (join.Mode == types.JoinAny || join.Mode == types.JoinQuorum) && len(candidates) > 1 {
		o.dispatchRedundantLocked(entry, join, candidates, decision)
		return
	}
	o.dispatchSingleLocked(entry, candidates, decision)
}

// supervisorCandidates returns the ranked supervisors serving every
// capability the type requires. The registry orders them by heartbeat
// freshness, load, and success rate with an id tie-break.
func (o *Orchestrator) supervisorCandidates(spec types.TypeSpec, primary types.Capability) []*types.Agent {
	found := o.reg.Find(primary, registry.Constraints{ParentID: o.id, Tier: types.TierSupervisor})
	if len(spec.Requires) < 2 {
		return found
	}
	out := make([]*types.Agent, 0, len(found))
	for _, agent := range found {
		serves := true
		for _, c := range spec.Requires[1:] {
			if !agent.HasCapability(c) {
				serves = false
				break
			}
		}
		if serves {
			out = append(out, agent)
		}
	}
	return out
}

// dispatchSingleLocked routes the task to the best-ranked supervisor.
func (o *Orchestrator) dispatchSingleLocked(entry *taskEntry, candidates []*types.Agent, decision *types.RouteDecision) {
	task := entry.task
	chosen := candidates[0]

	decision.Chosen = chosen.ID
	decision.Rationale = "ranked first on health, load, and success rate"
	for _, alt := range candidates[1:] {
		decision.Alternatives = append(decision.Alternatives, alt.ID)
	}
	o.recordDecisionLocked(decision)

	entry.supervisor = chosen.ID
	o.transitionLocked(entry, types.TaskDispatched)
	o.journalDispatched(task.ID, chosen.ID)
	o.feed.Publish(events.Event{Type: events.TaskDispatched, TaskID: task.ID, AgentID: chosen.ID})

	if err := o.bus.Publish(bus.NewTaskRequest(o.id, chosen.ID, task.Clone())); err != nil {
		log.ErrorErr(log.CatOrch, "Dispatch failed", err, "taskID", task.ID, "supervisor", chosen.ID)
		o.finalizeLocked(entry, dispatchFailure(task.ID, o.id, chosen.ID, err))
		return
	}
	entry.armWatchdogLocked(o, task.Deadline)

	log.Debug(log.CatOrch, "task dispatched",
		"taskID", task.ID, "type", task.Type, "supervisor", chosen.ID,
		"alternatives", len(decision.Alternatives))
}

// dispatchRedundantLocked fans the task out to every capable supervisor for
// an any or quorum join. Each branch is an independent task; the join
// collects their terminals.
func (o *Orchestrator) dispatchRedundantLocked(entry *taskEntry, join types.JoinPolicy, candidates []*types.Agent, decision *types.RouteDecision) {
	task := entry.task

	need := 1
	if join.Mode == types.JoinQuorum {
		need = join.Quorum
	}
	if need > len(candidates) {
		decision.Rationale = fmt.Sprintf("quorum %d exceeds %d candidates", need, len(candidates))
		o.recordDecisionLocked(decision)
		o.finalizeLocked(entry, failedResult(task.ID, o.id, fault.KindNoCapableAgent,
			fmt.Sprintf("quorum %d exceeds %d available supervisors", need, len(candidates))))
		return
	}

	decision.Chosen = candidates[0].ID
	decision.Rationale = fmt.Sprintf("%s join across %d supervisors", join, len(candidates))
	o.recordDecisionLocked(decision)

	entry.join = join
	entry.need = need
	o.transitionLocked(entry, types.TaskDispatched)
	o.feed.Publish(events.Event{Type: events.TaskDispatched, TaskID: task.ID, AgentID: decision.Chosen})

	for _, cand := range candidates {
		branchTask := task.Clone()
		branchTask.ID = types.NewTaskID()
		branchTask.ParentID = task.ID

		br := &branch{id: branchTask.ID, supervisor: cand.ID}
		entry.branches = append(entry.branches, br)
		o.branches[branchTask.ID] = task.ID

		o.journalDispatched(branchTask.ID, cand.ID)
		if err := o.bus.Publish(bus.NewTaskRequest(o.id, cand.ID, branchTask)); err != nil {
			log.Warn(log.CatOrch, "Branch dispatch failed",
				"taskID", task.ID, "branchID", branchTask.ID, "supervisor", cand.ID, "error", err)
			br.done = true
			br.result = dispatchFailure(branchTask.ID, o.id, cand.ID, err)
		}
	}
	entry.armWatchdogLocked(o, task.Deadline)

	log.Debug(log.CatOrch, "task fanned out",
		"taskID", task.ID, "type", task.Type, "join", join.String(),
		"branches", len(entry.branches))

	// Resolve immediately if every dispatch failed on the spot.
	o.evaluateJoinLocked(entry)
}

// recordDecisionLocked retains the decision for the audit window and
// broadcasts it on the bus.
func (o *Orchestrator) recordDecisionLocked(d *types.RouteDecision) {
	o.audit.Set(o.ctx, d.TaskID, d, 0)
	if err := o.bus.Publish(bus.NewRouteDecision(o.id, d)); err != nil {
		log.Debug(log.CatOrch, "Route decision broadcast dropped", "taskID", d.TaskID, "error", err)
	}
}

// dispatchFailure translates a publish error into a terminal result.
func dispatchFailure(taskID types.TaskID, by, supervisorID types.AgentID, err error) *types.TaskResult {
	kind := fault.KindInternal
	switch {
	case errors.Is(err, bus.ErrBackpressure):
		kind = fault.KindBackpressure
	case errors.Is(err, bus.ErrNoSubscriber):
		kind = fault.KindNoCapableAgent
	}
	return failedResult(taskID, by, kind, fmt.Sprintf("supervisor %s unreachable", supervisorID))
}
