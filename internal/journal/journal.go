// Package journal is the crash-recovery log. Every state change that must
// survive a restart is appended as a record; on boot the journal is replayed
// to finalize or resume what was in flight and to restore provider quota
// state. The journal is not a result store; the persistence sink owns that.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

// Kind categorizes a journal record.
type Kind string

const (
	// TaskCreated records an accepted submission.
	TaskCreated Kind = "task_created"

	// TaskDispatched records routing of a task to an agent.
	TaskDispatched Kind = "task_dispatched"

	// TaskTerminal records the single terminal result of a task.
	TaskTerminal Kind = "task_terminal"

	// QuotaRoll records the closing snapshot of a provider quota window.
	QuotaRoll Kind = "quota_roll"

	// ConfigChange records a provider quota (re)configuration.
	ConfigChange Kind = "config_change"
)

var knownKinds = map[Kind]bool{
	TaskCreated:    true,
	TaskDispatched: true,
	TaskTerminal:   true,
	QuotaRoll:      true,
	ConfigChange:   true,
}

// IsValid reports whether the kind is a known record kind.
func (k Kind) IsValid() bool { return knownKinds[k] }

// Record is one journal entry. Seq is assigned by the writer and is strictly
// monotonic within a journal.
type Record struct {
	Seq       int64           `json:"seq"`
	WallClock time.Time       `json:"wallClock"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// Decode unmarshals the record payload into v.
func (r Record) Decode(v any) error {
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("decode %s record %d: %w", r.Kind, r.Seq, err)
	}
	return nil
}

// === Payloads ===

// TaskCreatedPayload journals an accepted task. IdempotentReplay marks tasks
// that are safe to re-dispatch after a crash instead of failing them.
type TaskCreatedPayload struct {
	Task             *types.Task `json:"task"`
	IdempotentReplay bool        `json:"idempotentReplay,omitempty"`
}

// TaskDispatchedPayload journals a routing decision taking effect.
type TaskDispatchedPayload struct {
	TaskID  types.TaskID  `json:"taskId"`
	AgentID types.AgentID `json:"agentId"`
}

// TaskTerminalPayload journals the single terminal result of a task.
type TaskTerminalPayload struct {
	Result *types.TaskResult `json:"result"`
}

// QuotaRollPayload journals the closing counters of one quota window.
type QuotaRollPayload struct {
	ProviderID   types.ProviderID `json:"providerId"`
	WindowStart  time.Time        `json:"windowStart"`
	UsedRequests int              `json:"usedRequests"`
	UsedTokens   int64            `json:"usedTokens"`
}

// ConfigChangePayload journals a provider quota configuration. Fields mirror
// the pool's quota so replay can restore provider configuration without a
// config file read.
type ConfigChangePayload struct {
	ProviderID        types.ProviderID `json:"providerId"`
	RequestsPerWindow int              `json:"requestsPerWindow"`
	TokensPerWindow   int64            `json:"tokensPerWindow"`
	MaxConcurrent     int              `json:"maxConcurrent"`
}

// === Store ===

// Store persists journal records. Implementations must return records from
// Read in ascending Seq order.
type Store interface {
	// Append durably stores the batch.
	Append(ctx context.Context, records []Record) error

	// Read returns every record with Seq greater than after, ascending.
	Read(ctx context.Context, after int64) ([]Record, error)

	// LastSeq returns the highest stored Seq, or 0 for an empty journal.
	LastSeq(ctx context.Context) (int64, error)

	// Prune removes records with Seq at or below upTo.
	Prune(ctx context.Context, upTo int64) error

	// Close releases store resources.
	Close() error
}

// === Memory store ===

// memoryStore keeps records in memory. It backs tests and ephemeral daemons
// that run without a data directory.
type memoryStore struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() Store { return &memoryStore{} }

func (m *memoryStore) Append(_ context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	return nil
}

func (m *memoryStore) Read(_ context.Context, after int64) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		if r.Seq > after {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memoryStore) LastSeq(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		return 0, nil
	}
	return m.records[len(m.records)-1].Seq, nil
}

func (m *memoryStore) Prune(_ context.Context, upTo int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		if r.Seq > upTo {
			kept = append(kept, r)
		}
	}
	m.records = kept
	return nil
}

func (m *memoryStore) Close() error { return nil }
