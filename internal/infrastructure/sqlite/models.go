package sqlite

import (
	"encoding/json"
	"time"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/journal"
)

// journalModel represents the database row for the journal table.
// Wall clock time is stored as Unix nanoseconds.
type journalModel struct {
	Seq       int64
	WallClock int64
	Kind      string
	Payload   []byte
}

// toJournalModel converts a journal record to its database row.
func toJournalModel(r journal.Record) journalModel {
	return journalModel{
		Seq:       r.Seq,
		WallClock: r.WallClock.UnixNano(),
		Kind:      string(r.Kind),
		Payload:   r.Payload,
	}
}

// toRecord converts a database row back into a journal record.
func (m journalModel) toRecord() journal.Record {
	return journal.Record{
		Seq:       m.Seq,
		WallClock: time.Unix(0, m.WallClock),
		Kind:      journal.Kind(m.Kind),
		Payload:   json.RawMessage(m.Payload),
	}
}
