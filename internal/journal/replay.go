package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/fault"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/log"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

// ReasonRecoveredFromCrash is the failure message for tasks that were in
// flight when the daemon went down and are not safe to replay.
const ReasonRecoveredFromCrash = "recovered from crash: task was in flight during restart"

// RecoveredTask is one task reconstructed from the journal.
type RecoveredTask struct {
	Task    *types.Task
	AgentID types.AgentID     // last dispatch target, if any
	Result  *types.TaskResult // terminal result, recorded or synthesized

	// Resumable marks tasks journaled with the idempotent-replay flag;
	// these are handed back for re-dispatch instead of being failed.
	Resumable bool

	// Synthesized marks results fabricated by replay itself, as opposed
	// to terminals read back from the journal. Callers journal these so
	// the next recovery sees the task settled.
	Synthesized bool
}

// QuotaState is the per-provider quota knowledge reconstructed from the
// journal: the last configuration plus the last closed window's counters.
type QuotaState struct {
	ProviderID        types.ProviderID
	RequestsPerWindow int
	TokensPerWindow   int64
	MaxConcurrent     int
	LastRollStart     time.Time
	LastUsedRequests  int
	LastUsedTokens    int64
}

// Recovery is the result of replaying a journal.
type Recovery struct {
	Tasks  map[types.TaskID]*RecoveredTask
	Quotas map[types.ProviderID]*QuotaState

	LastSeq   int64
	Records   int
	Failed    int // tasks finalized as failed during replay
	Resumed   int // tasks handed back for re-dispatch
	Anomalies int // records that referenced unknown tasks or broke ordering
}

// Replay folds the journal into recovered task and quota state. Tasks with
// no terminal record are finalized as failed unless their creation record
// carried the idempotent-replay flag.
func Replay(ctx context.Context, store Store) (*Recovery, error) {
	records, err := store.Read(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}

	rec := &Recovery{
		Tasks:  make(map[types.TaskID]*RecoveredTask),
		Quotas: make(map[types.ProviderID]*QuotaState),
	}

	for _, r := range records {
		if r.Seq <= rec.LastSeq {
			return nil, fmt.Errorf("journal sequence not monotonic: %d after %d", r.Seq, rec.LastSeq)
		}
		rec.LastSeq = r.Seq
		rec.Records++

		switch r.Kind {
		case TaskCreated:
			var p TaskCreatedPayload
			if err := r.Decode(&p); err != nil {
				return nil, err
			}
			if p.Task == nil {
				rec.Anomalies++
				continue
			}
			rec.Tasks[p.Task.ID] = &RecoveredTask{Task: p.Task, Resumable: p.IdempotentReplay}

		case TaskDispatched:
			var p TaskDispatchedPayload
			if err := r.Decode(&p); err != nil {
				return nil, err
			}
			rt, ok := rec.Tasks[p.TaskID]
			if !ok {
				log.Warn(log.CatJournal, "Dispatch record for unknown task", "taskID", p.TaskID, "seq", r.Seq)
				rec.Anomalies++
				continue
			}
			rt.AgentID = p.AgentID
			if rt.Task.State.CanTransitionTo(types.TaskDispatched) {
				rt.Task.State = types.TaskDispatched
			}

		case TaskTerminal:
			var p TaskTerminalPayload
			if err := r.Decode(&p); err != nil {
				return nil, err
			}
			if p.Result == nil {
				rec.Anomalies++
				continue
			}
			rt, ok := rec.Tasks[p.Result.TaskID]
			if !ok {
				log.Warn(log.CatJournal, "Terminal record for unknown task", "taskID", p.Result.TaskID, "seq", r.Seq)
				rec.Anomalies++
				continue
			}
			rt.Result = p.Result
			rt.Task.State = p.Result.Status

		case QuotaRoll:
			var p QuotaRollPayload
			if err := r.Decode(&p); err != nil {
				return nil, err
			}
			q := rec.quota(p.ProviderID)
			q.LastRollStart = p.WindowStart
			q.LastUsedRequests = p.UsedRequests
			q.LastUsedTokens = p.UsedTokens

		case ConfigChange:
			var p ConfigChangePayload
			if err := r.Decode(&p); err != nil {
				return nil, err
			}
			q := rec.quota(p.ProviderID)
			q.RequestsPerWindow = p.RequestsPerWindow
			q.TokensPerWindow = p.TokensPerWindow
			q.MaxConcurrent = p.MaxConcurrent

		default:
			log.Warn(log.CatJournal, "Skipping unknown record kind", "kind", string(r.Kind), "seq", r.Seq)
			rec.Anomalies++
		}
	}

	rec.finalize(time.Now())

	log.Info(log.CatJournal, "Journal replayed",
		"records", rec.Records, "tasks", len(rec.Tasks),
		"failed", rec.Failed, "resumed", rec.Resumed, "anomalies", rec.Anomalies)
	return rec, nil
}

// finalize settles every task left non-terminal by the fold.
func (rec *Recovery) finalize(now time.Time) {
	for _, rt := range rec.Tasks {
		if rt.Result != nil {
			continue
		}
		if rt.Resumable {
			rec.Resumed++
			continue
		}
		rt.Result = &types.TaskResult{
			TaskID:       rt.Task.ID,
			Status:       types.TaskFailed,
			ErrorKind:    fault.KindInternal,
			ErrorMessage: ReasonRecoveredFromCrash,
			StartedAt:    rt.Task.CreatedAt,
			FinishedAt:   now,
		}
		rt.Task.State = types.TaskFailed
		rt.Synthesized = true
		rec.Failed++
	}
}

// Pending returns the recovered tasks that should be re-dispatched, i.e.
// resumable tasks without a terminal result.
func (rec *Recovery) Pending() []*RecoveredTask {
	out := make([]*RecoveredTask, 0, rec.Resumed)
	for _, rt := range rec.Tasks {
		if rt.Result == nil && rt.Resumable {
			out = append(out, rt)
		}
	}
	return out
}

// Finalized returns the recovered tasks that ended terminal, including the
// ones replay itself failed.
func (rec *Recovery) Finalized() []*RecoveredTask {
	out := make([]*RecoveredTask, 0, len(rec.Tasks))
	for _, rt := range rec.Tasks {
		if rt.Result != nil {
			out = append(out, rt)
		}
	}
	return out
}

func (rec *Recovery) quota(id types.ProviderID) *QuotaState {
	q, ok := rec.Quotas[id]
	if !ok {
		q = &QuotaState{ProviderID: id}
		rec.Quotas[id] = q
	}
	return q
}
