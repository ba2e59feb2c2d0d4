package sqlite

import (
	"database/sql"
	"encoding/json"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/log"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/persist"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

// resultSink persists terminal task outcomes into the task_results table.
// Wrap it in persist.NewAsync so slow disk writes never touch the dispatch
// path.
type resultSink struct {
	db *sql.DB
}

// NewResultSink creates a result sink over an open database.
func NewResultSink(db *sql.DB) persist.Sink {
	return &resultSink{db: db}
}

var _ persist.Sink = (*resultSink)(nil)

// Record implements persist.Sink. Upsert keyed on task id makes duplicate
// records for the same task harmless. Recording is fire-and-forget, so
// failures are logged rather than returned.
func (s *resultSink) Record(task *types.Task, result *types.TaskResult) {
	if task == nil || result == nil {
		return
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		log.ErrorErr(log.CatJournal, "Result encode failed", err, "taskID", task.ID)
		return
	}

	_, err = s.db.Exec(`
		INSERT INTO task_results
			(task_id, session_id, task_type, status, error_kind, error_message,
			 produced_by, tokens_used, cost_estimate, result, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			status = excluded.status,
			error_kind = excluded.error_kind,
			error_message = excluded.error_message,
			produced_by = excluded.produced_by,
			tokens_used = excluded.tokens_used,
			cost_estimate = excluded.cost_estimate,
			result = excluded.result,
			finished_at = excluded.finished_at`,
		string(task.ID), string(task.SessionID), string(task.Type), string(result.Status),
		string(result.ErrorKind), result.ErrorMessage, string(result.ProducedBy),
		result.TokensUsed, result.CostEstimate, string(encoded),
		task.CreatedAt.UnixNano(), result.FinishedAt.UnixNano())
	if err != nil {
		log.ErrorErr(log.CatJournal, "Result persist failed", err, "taskID", task.ID)
	}
}
