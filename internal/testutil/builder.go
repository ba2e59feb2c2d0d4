// Package testutil provides builders and database helpers shared across
// package tests.
package testutil

import (
	"encoding/json"
	"time"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/journal"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

// NewTask builds a pending task with sensible defaults, adjusted by opts.
func NewTask(opts ...TaskOption) *types.Task {
	now := time.Now()
	task := &types.Task{
		ID:        types.NewTaskID(),
		Type:      "code.review",
		Payload:   types.TextPayload("review the diff"),
		Priority:  types.DefaultPriority,
		Deadline:  now.Add(time.Minute),
		State:     types.TaskPending,
		CreatedAt: now,
	}
	for _, opt := range opts {
		opt(task)
	}
	return task
}

// JournalRecords builds n sequential quota-roll records starting at seq
// start, for exercising journal stores.
func JournalRecords(start int64, n int) []journal.Record {
	records := make([]journal.Record, 0, n)
	for i := range n {
		payload, _ := json.Marshal(journal.QuotaRollPayload{ProviderID: "openai", UsedRequests: i})
		records = append(records, journal.Record{
			Seq:       start + int64(i),
			WallClock: time.Now(),
			Kind:      journal.QuotaRoll,
			Payload:   payload,
		})
	}
	return records
}
