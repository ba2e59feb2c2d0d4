package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/journal"
)

// journalColumns is the list of columns to select for journal queries.
const journalColumns = `seq, wall_clock, kind, payload`

// journalStore implements journal.Store using SQLite.
type journalStore struct {
	db *sql.DB
}

// NewJournalStore creates a journal store over an open database.
func NewJournalStore(db *sql.DB) journal.Store {
	return &journalStore{db: db}
}

// Ensure journalStore implements journal.Store.
var _ journal.Store = (*journalStore)(nil)

// scanJournal scans a row into a journalModel.
func scanJournal(scanner interface{ Scan(...any) error }) (journalModel, error) {
	var model journalModel
	err := scanner.Scan(&model.Seq, &model.WallClock, &model.Kind, &model.Payload)
	return model, err
}

// Append implements journal.Store. The batch is written in one transaction
// so a crash mid-batch never leaves a partial suffix.
func (s *journalStore) Append(ctx context.Context, records []journal.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin journal append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO journal (seq, wall_clock, kind, payload) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare journal append: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range records {
		model := toJournalModel(r)
		if _, err := stmt.ExecContext(ctx, model.Seq, model.WallClock, model.Kind, model.Payload); err != nil {
			return fmt.Errorf("insert journal record %d: %w", r.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit journal append: %w", err)
	}
	return nil
}

// Read implements journal.Store.
func (s *journalStore) Read(ctx context.Context, after int64) ([]journal.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+journalColumns+` FROM journal WHERE seq > ? ORDER BY seq ASC`, after)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []journal.Record
	for rows.Next() {
		model, err := scanJournal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan journal record: %w", err)
		}
		records = append(records, model.toRecord())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return records, nil
}

// LastSeq implements journal.Store.
func (s *journalStore) LastSeq(ctx context.Context) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM journal`).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("read journal head: %w", err)
	}
	return last, nil
}

// Prune implements journal.Store.
func (s *journalStore) Prune(ctx context.Context, upTo int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM journal WHERE seq <= ?`, upTo); err != nil {
		return fmt.Errorf("prune journal: %w", err)
	}
	return nil
}

// Close implements journal.Store.
func (s *journalStore) Close() error {
	return s.db.Close()
}
