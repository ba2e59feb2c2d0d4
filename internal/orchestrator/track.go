package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/bus"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/events"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/fault"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/log"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/supervisor"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

// taskEntry is the live bookkeeping for one accepted task. All fields are
// guarded by Orchestrator.mu.
type taskEntry struct {
	task *types.Task

	// supervisor is the single-dispatch target, or the probe's supervisor
	// while classifying.
	supervisor types.AgentID

	classifying bool
	classifyID  types.TaskID

	// join bookkeeping for redundant dispatch; branches is nil otherwise.
	join     types.JoinPolicy
	need     int
	branches []*branch

	cancelled    bool
	cancelReason string
	cancelTimer  *time.Timer
	watchdog     *time.Timer

	seq     int
	streams map[uint64]*stream
}

// branch is one redundant dispatch of a parent task to a supervisor.
type branch struct {
	id         types.TaskID
	supervisor types.AgentID
	done       bool
	result     *types.TaskResult
}

// StreamEvent is one element of a result stream: either a partial chunk or
// the terminal result. The stream closes after the terminal.
type StreamEvent struct {
	Partial *bus.Partial      `json:"partial,omitempty"`
	Result  *types.TaskResult `json:"result,omitempty"`
}

// stream is one subscriber to a task's results. The channel holds one slot
// beyond the partial buffer so the terminal always fits; partials drop when
// the buffer is full. gone closes once the stream is finished or abandoned.
type stream struct {
	ch   chan StreamEvent
	gone chan struct{}
}

func (e *taskEntry) stopTimersLocked() {
	if e.cancelTimer != nil {
		e.cancelTimer.Stop()
		e.cancelTimer = nil
	}
	if e.watchdog != nil {
		e.watchdog.Stop()
		e.watchdog = nil
	}
}

// armWatchdogLocked schedules a forced timeout shortly after the deadline.
// Supervisors enforce deadlines themselves; the watchdog only fires when a
// supervisor dies without replying.
func (e *taskEntry) armWatchdogLocked(o *Orchestrator, deadline time.Time) {
	if deadline.IsZero() || e.watchdog != nil {
		return
	}
	id := e.task.ID
	e.watchdog = time.AfterFunc(time.Until(deadline)+o.cancelGrace, func() {
		o.forceTimeout(id)
	})
}

func (o *Orchestrator) newEntryLocked(task *types.Task) *taskEntry {
	entry := &taskEntry{task: task}
	o.tasks[task.ID] = entry
	o.stats.submitted++
	return entry
}

// === Mailbox handlers ===

// onResult routes a supervisor's terminal result to the task or branch that
// awaits it.
func (o *Orchestrator) onResult(env bus.Envelope) {
	res := env.Result
	if res == nil {
		log.Warn(log.CatOrch, "Result envelope without result", "from", env.From)
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if parentID, ok := o.branches[res.TaskID]; ok {
		entry, live := o.tasks[parentID]
		if !live {
			delete(o.branches, res.TaskID)
			return
		}
		if entry.classifying {
			o.observe(entry.supervisor, res.Status == types.TaskCompleted)
			o.classifiedLocked(entry, res)
		} else {
			o.branchResultLocked(entry, res)
		}
		return
	}

	entry, ok := o.tasks[res.TaskID]
	if !ok {
		log.Debug(log.CatOrch, "Result for unknown task", "taskID", res.TaskID, "from", env.From)
		return
	}

	o.observe(entry.supervisor, res.Status == types.TaskCompleted)
	o.finalizeLocked(entry, res)
}

// onPartial re-sequences a streamed chunk and forwards it to the task's
// streams. Branch partials remap to the parent so callers see one gap-free
// sequence per task.
func (o *Orchestrator) onPartial(env bus.Envelope) {
	p := env.Partial
	if p == nil {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	taskID := p.TaskID
	if parentID, ok := o.branches[taskID]; ok {
		taskID = parentID
	}
	entry, ok := o.tasks[taskID]
	if !ok || entry.classifying {
		return
	}

	if entry.task.State == types.TaskDispatched {
		o.transitionLocked(entry, types.TaskRunning)
	}

	entry.seq++
	out := bus.Partial{TaskID: taskID, Seq: entry.seq, Payload: p.Payload}
	for _, st := range entry.streams {
		// Keep the reserved terminal slot free; drop the partial instead.
		if len(st.ch) < cap(st.ch)-1 {
			st.ch <- StreamEvent{Partial: &out}
		}
	}
}

// branchResultLocked records one branch terminal and re-evaluates the join.
func (o *Orchestrator) branchResultLocked(entry *taskEntry, res *types.TaskResult) {
	var br *branch
	for _, b := range entry.branches {
		if b.id == res.TaskID {
			br = b
			break
		}
	}
	if br == nil || br.done {
		return
	}
	br.done = true
	br.result = res
	delete(o.branches, res.TaskID)
	o.observe(br.supervisor, res.Status == types.TaskCompleted)

	o.evaluateJoinLocked(entry)
}

// evaluateJoinLocked finalizes the parent once its join policy is decided:
// enough successes, or too many failures for the policy to ever be met.
func (o *Orchestrator) evaluateJoinLocked(entry *taskEntry) {
	var successes, failures []*branch
	pending := 0
	for _, b := range entry.branches {
		switch {
		case !b.done:
			pending++
		case b.result.Status == types.TaskCompleted:
			successes = append(successes, b)
		default:
			failures = append(failures, b)
		}
	}

	// A satisfied join beats a racing cancel; a cancel beats everything else.
	if len(successes) >= entry.need {
		o.cancelBranchesLocked(entry, "join satisfied")
		o.finalizeLocked(entry, o.joinResult(entry, successes))
		return
	}
	if entry.cancelled {
		if pending == 0 {
			o.finalizeLocked(entry, failedResult(entry.task.ID, o.id, fault.KindCancelled,
				cancelMessage(entry.cancelReason)))
		}
		return
	}

	if len(entry.branches)-len(failures) < entry.need {
		o.cancelBranchesLocked(entry, "join unreachable")
		first := failures[0].result
		o.finalizeLocked(entry, &types.TaskResult{
			TaskID:       entry.task.ID,
			Status:       types.TaskFailed,
			ErrorKind:    fault.KindAggregationFailed,
			ErrorMessage: fmt.Sprintf("%d of %d branches failed before the %s join was met (first: %s)", len(failures), len(entry.branches), entry.join, first.ErrorKind),
			ProducedBy:   o.id,
		})
	}
}

// joinResult builds the parent terminal from the winning branches. Token
// and cost totals cover every finished branch: redundant work was spent
// whether or not it won.
func (o *Orchestrator) joinResult(entry *taskEntry, successes []*branch) *types.TaskResult {
	selected := successes
	if len(selected) > entry.need {
		selected = selected[:entry.need]
	}

	var tokens int64
	var cost float64
	for _, b := range entry.branches {
		if b.done && b.result != nil {
			tokens += b.result.TokensUsed
			cost += b.result.CostEstimate
		}
	}

	if len(selected) == 1 {
		win := *selected[0].result
		win.TaskID = entry.task.ID
		win.TokensUsed = tokens
		win.CostEstimate = cost
		return &win
	}

	payloads := make([]types.Payload, 0, len(selected))
	var warnings []string
	for _, b := range selected {
		payloads = append(payloads, b.result.Payload)
		warnings = append(warnings, b.result.Warnings...)
	}
	return &types.TaskResult{
		TaskID:       entry.task.ID,
		Status:       types.TaskCompleted,
		Payload:      supervisor.MergePayloads(payloads),
		ProducedBy:   o.id,
		TokensUsed:   tokens,
		CostEstimate: cost,
		Warnings:     warnings,
	}
}

// cancelBranchesLocked asks every unfinished branch's supervisor to stop.
func (o *Orchestrator) cancelBranchesLocked(entry *taskEntry, reason string) {
	for _, b := range entry.branches {
		if b.done {
			continue
		}
		if err := o.bus.Publish(bus.NewCancel(o.id, b.supervisor, b.id, reason)); err != nil {
			log.Debug(log.CatOrch, "Branch cancel dropped",
				"branchID", b.id, "supervisor", b.supervisor, "error", err)
		}
	}
}

// === Finalization ===

// finalizeLocked records the single terminal result for a task: state
// transition, journal, sink, events, stream delivery, and retention in the
// done cache. Later calls for the same task are ignored.
func (o *Orchestrator) finalizeLocked(entry *taskEntry, res *types.TaskResult) {
	task := entry.task
	if _, live := o.tasks[task.ID]; !live {
		return
	}

	// Results delivered off the bus are shared; finalize owns a copy.
	out := *res
	out.TaskID = task.ID
	if out.StartedAt.IsZero() {
		out.StartedAt = task.CreatedAt
	}
	if out.FinishedAt.IsZero() {
		out.FinishedAt = time.Now()
	}

	o.transitionLocked(entry, out.Status)
	entry.stopTimersLocked()
	for _, b := range entry.branches {
		delete(o.branches, b.id)
	}
	if entry.classifyID != "" {
		delete(o.branches, entry.classifyID)
	}

	o.journalTerminal(&out)
	o.sink.Record(task, &out)
	if evType, ok := events.ForTaskState(out.Status); ok {
		o.feed.Publish(events.Event{
			Type:      evType,
			TaskID:    task.ID,
			SessionID: task.SessionID,
			AgentID:   out.ProducedBy,
			Detail:    out.ErrorMessage,
		})
	}

	switch out.Status {
	case types.TaskCompleted:
		o.stats.completed++
	case types.TaskCancelled:
		o.stats.cancelled++
	case types.TaskTimedOut:
		o.stats.timedOut++
	default:
		o.stats.failed++
	}
	o.stats.tokens += out.TokensUsed
	o.stats.costUSD += out.CostEstimate

	for sid, st := range entry.streams {
		delete(entry.streams, sid)
		st.ch <- StreamEvent{Result: &out}
		close(st.ch)
		close(st.gone)
	}

	o.done.Set(o.ctx, task.ID, &doneEntry{session: task.SessionID, task: task, result: &out}, 0)
	delete(o.tasks, task.ID)

	log.Info(log.CatOrch, "task finished",
		"taskID", task.ID, "status", out.Status, "producedBy", out.ProducedBy,
		"tokens", out.TokensUsed, "elapsedMs", time.Since(task.CreatedAt).Milliseconds())
}

// forceTimeout finalizes a task whose supervisor never produced a terminal.
func (o *Orchestrator) forceTimeout(taskID types.TaskID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.tasks[taskID]
	if !ok {
		return
	}
	log.Warn(log.CatOrch, "No terminal result before deadline", "taskID", taskID)

	if len(entry.branches) > 0 {
		for _, b := range entry.branches {
			if !b.done {
				o.observe(b.supervisor, false)
			}
		}
	} else {
		o.observe(entry.supervisor, false)
	}

	o.finalizeLocked(entry, failedResult(taskID, o.id, fault.KindTimedOut,
		"deadline elapsed without a result"))
}

// forceCancel finalizes a cancelled task whose supervisor never acknowledged.
func (o *Orchestrator) forceCancel(taskID types.TaskID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.tasks[taskID]
	if !ok {
		return
	}
	log.Warn(log.CatOrch, "Cancel grace elapsed", "taskID", taskID)
	o.finalizeLocked(entry, failedResult(taskID, o.id, fault.KindCancelled,
		cancelMessage(entry.cancelReason)))
}

// === Client operations ===

// CancelTask requests cooperative cancellation. Terminal tasks ignore the
// request; live ones get a Cancel relayed to their supervisors and are
// force-finalized if no acknowledgement arrives within the grace period.
func (o *Orchestrator) CancelTask(ctx context.Context, session types.SessionID, taskID types.TaskID) error {
	if o.closed.Load() {
		return ErrClosed
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	entry, live := o.tasks[taskID]
	if !live {
		if finished, hit := o.done.Get(ctx, taskID); hit {
			if finished.session != session {
				return fault.New(fault.KindUnauthorized, "task %s belongs to another session", taskID)
			}
			return nil
		}
		return fault.New(fault.KindInvalidRequest, "unknown task %s", taskID)
	}
	if entry.task.SessionID != session {
		return fault.New(fault.KindUnauthorized, "task %s belongs to another session", taskID)
	}
	if entry.cancelled {
		return nil
	}

	entry.cancelled = true
	entry.cancelReason = "requested by client"
	log.Info(log.CatOrch, "task cancel requested", "taskID", taskID, "state", entry.task.State)

	switch {
	case entry.classifying:
		o.publishCancel(entry.supervisor, entry.classifyID, entry.cancelReason)
	case len(entry.branches) > 0:
		o.cancelBranchesLocked(entry, entry.cancelReason)
	default:
		o.publishCancel(entry.supervisor, taskID, entry.cancelReason)
	}

	if entry.cancelTimer == nil {
		entry.cancelTimer = time.AfterFunc(o.cancelGrace, func() {
			o.forceCancel(taskID)
		})
	}
	return nil
}

func (o *Orchestrator) publishCancel(to types.AgentID, taskID types.TaskID, reason string) {
	if to == "" {
		return
	}
	if err := o.bus.Publish(bus.NewCancel(o.id, to, taskID, reason)); err != nil {
		log.Debug(log.CatOrch, "Cancel dropped", "taskID", taskID, "supervisor", to, "error", err)
	}
}

// StreamResults subscribes to a task's partial and terminal results. The
// channel closes after the terminal event. Streams opened after the task
// finished deliver the retained terminal immediately.
func (o *Orchestrator) StreamResults(ctx context.Context, session types.SessionID, taskID types.TaskID) (<-chan StreamEvent, error) {
	if o.closed.Load() {
		return nil, ErrClosed
	}

	o.mu.Lock()
	if entry, live := o.tasks[taskID]; live {
		if entry.task.SessionID != session {
			o.mu.Unlock()
			return nil, fault.New(fault.KindUnauthorized, "task %s belongs to another session", taskID)
		}

		sid := o.nextStream
		o.nextStream++
		st := &stream{
			ch:   make(chan StreamEvent, o.streamSize+1),
			gone: make(chan struct{}),
		}
		if entry.streams == nil {
			entry.streams = make(map[uint64]*stream)
		}
		entry.streams[sid] = st
		o.mu.Unlock()

		log.SafeGo("orchestrator-stream", func() {
			select {
			case <-st.gone:
				return
			case <-ctx.Done():
			case <-o.ctx.Done():
			}
			o.mu.Lock()
			defer o.mu.Unlock()
			if e, ok := o.tasks[taskID]; ok {
				if s, ok := e.streams[sid]; ok {
					delete(e.streams, sid)
					close(s.ch)
					close(s.gone)
				}
			}
		})
		return st.ch, nil
	}
	o.mu.Unlock()

	// Re-arm the retention window on a hit: a client still reading results
	// keeps them inspectable.
	if finished, hit := o.done.GetWithRefresh(ctx, taskID, 0); hit {
		if finished.session != session {
			return nil, fault.New(fault.KindUnauthorized, "task %s belongs to another session", taskID)
		}
		ch := make(chan StreamEvent, 1)
		ch <- StreamEvent{Result: finished.result}
		close(ch)
		return ch, nil
	}
	return nil, fault.New(fault.KindInvalidRequest, "unknown task %s", taskID)
}

// TaskView is a point-in-time view of one task for inspection.
type TaskView struct {
	Task   types.Task        `json:"task"`
	Result *types.TaskResult `json:"result,omitempty"`
}

// Inspect returns the task's current state and, once finished, its result.
func (o *Orchestrator) Inspect(ctx context.Context, session types.SessionID, taskID types.TaskID) (TaskView, error) {
	o.mu.Lock()
	if entry, live := o.tasks[taskID]; live {
		if entry.task.SessionID != session {
			o.mu.Unlock()
			return TaskView{}, fault.New(fault.KindUnauthorized, "task %s belongs to another session", taskID)
		}
		view := TaskView{Task: *entry.task.Clone()}
		o.mu.Unlock()
		return view, nil
	}
	o.mu.Unlock()

	if finished, hit := o.done.GetWithRefresh(ctx, taskID, 0); hit {
		if finished.session != session {
			return TaskView{}, fault.New(fault.KindUnauthorized, "task %s belongs to another session", taskID)
		}
		return TaskView{Task: *finished.task.Clone(), Result: finished.result}, nil
	}
	return TaskView{}, fault.New(fault.KindInvalidRequest, "unknown task %s", taskID)
}
