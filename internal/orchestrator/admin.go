package orchestrator

import (
	"context"
	"sort"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/events"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/journal"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/log"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

// SupervisorInfo describes one supervisor for Describe.
type SupervisorInfo struct {
	ID           types.AgentID      `json:"id"`
	Domain       string             `json:"domain"`
	State        types.AgentState   `json:"state"`
	Capabilities []types.Capability `json:"capabilities"`
	Load         int                `json:"load"`
	Concurrency  int                `json:"concurrency"`
	SuccessRate  float64            `json:"successRate"`
}

// Description is the engine inventory: the supervisor layout from the
// topology enriched with live registry state, plus the task-type catalog.
type Description struct {
	Orchestrator types.AgentID            `json:"orchestrator"`
	Supervisors  []SupervisorInfo         `json:"supervisors"`
	TaskTypes    []types.TaskType         `json:"taskTypes"`
	Agents       map[types.AgentState]int `json:"agents"`
}

// Describe reports the supervisor and capability inventory.
func (o *Orchestrator) Describe() Description {
	desc := Description{
		Orchestrator: o.id,
		TaskTypes:    o.topo.TaskTypes(),
		Agents:       o.reg.Count(),
	}
	for _, spec := range o.topo.Supervisors() {
		info := SupervisorInfo{ID: spec.ID}
		info.Domain, _ = o.topo.Domain(spec.ID)
		if agent, ok := o.reg.Get(spec.ID); ok {
			info.State = agent.State
			info.Capabilities = agent.Capabilities
			info.Load = agent.Load
			info.Concurrency = agent.Concurrency
			info.SuccessRate = agent.SuccessRate
		}
		desc.Supervisors = append(desc.Supervisors, info)
	}
	return desc
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	Submitted  int64 `json:"submitted"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
	TimedOut   int64 `json:"timedOut"`
	InFlight   int   `json:"inFlight"`
	Decisions  int   `json:"decisions"`
	TokensUsed int64 `json:"tokensUsed"`

	CostUSD float64 `json:"costUSD"`

	Agents map[types.AgentState]int `json:"agents"`

	JournalSeq    int64 `json:"journalSeq,omitempty"`
	JournalErrors int64 `json:"journalErrors,omitempty"`
}

// Stats reports queue depths, outcome counts, and spend counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	s := Stats{
		Submitted:  o.stats.submitted,
		Completed:  o.stats.completed,
		Failed:     o.stats.failed,
		Cancelled:  o.stats.cancelled,
		TimedOut:   o.stats.timedOut,
		InFlight:   len(o.tasks),
		TokensUsed: o.stats.tokens,
		CostUSD:    o.stats.costUSD,
	}
	o.mu.Unlock()

	s.Decisions = len(o.audit.Items())
	s.Agents = o.reg.Count()
	if o.journal != nil {
		s.JournalSeq = o.journal.LastSeq()
		s.JournalErrors = o.journal.ErrorCount()
	}
	return s
}

// Decisions returns the retained routing audit, most recent first.
func (o *Orchestrator) Decisions() []*types.RouteDecision {
	items := o.audit.Items()
	out := make([]*types.RouteDecision, 0, len(items))
	for _, d := range items {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DecidedAt.Equal(out[j].DecidedAt) {
			return out[i].DecidedAt.After(out[j].DecidedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

// Recover replays the journal and settles what the crash left behind.
// Tasks journaled with the idempotent-replay flag are re-submitted with
// fresh ids and deadlines; the stale pre-crash deadline would fail them
// immediately. Every other in-flight task is finalized Failed with a
// recovered-from-crash terminal, journaled so the next boot sees it
// settled. Call after Start, once supervisors are registered.
func (o *Orchestrator) Recover(ctx context.Context, store journal.Store) (int, error) {
	rec, err := journal.Replay(ctx, store)
	if err != nil {
		return 0, err
	}
	return o.RecoverFrom(rec), nil
}

// RecoverFrom settles an already-replayed journal. The daemon replays once
// and hands the result here so the same Recovery can also restore provider
// quota windows.
func (o *Orchestrator) RecoverFrom(rec *journal.Recovery) int {
	for _, rt := range rec.Finalized() {
		if rt.Synthesized {
			o.settleCrashed(rt)
		}
	}

	pending := rec.Pending()
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Task.CreatedAt.Before(pending[j].Task.CreatedAt)
	})

	replayed := 0
	for _, rt := range pending {
		task := rt.Task
		if _, err := o.SubmitTask(SubmitRequest{
			SessionID:  task.SessionID,
			Submitter:  task.Submitter,
			Type:       task.Type,
			Payload:    task.Payload,
			Priority:   task.Priority,
			Budget:     task.Budget,
			Idempotent: true,
		}); err != nil {
			log.Warn(log.CatJournal, "Replay submission rejected", "taskID", task.ID, "error", err)
			continue
		}
		replayed++
	}

	if rec.Failed > 0 || replayed > 0 {
		log.Info(log.CatOrch, "Journal recovery settled",
			"failed", rec.Failed, "resumed", replayed)
	}
	return replayed
}

// settleCrashed records the synthesized terminal for a task that was in
// flight during the crash and is not safe to replay: journal, sink, feed,
// and the finished-task cache so sessions can still inspect the outcome.
func (o *Orchestrator) settleCrashed(rt *journal.RecoveredTask) {
	o.journalTerminal(rt.Result)
	o.sink.Record(rt.Task, rt.Result)
	if evType, ok := events.ForTaskState(rt.Result.Status); ok {
		o.feed.Publish(events.Event{
			Type:      evType,
			TaskID:    rt.Task.ID,
			SessionID: rt.Task.SessionID,
			Detail:    rt.Result.ErrorMessage,
		})
	}

	o.mu.Lock()
	o.stats.failed++
	o.mu.Unlock()
	o.done.Set(o.ctx, rt.Task.ID, &doneEntry{session: rt.Task.SessionID, task: rt.Task, result: rt.Result}, 0)
}
