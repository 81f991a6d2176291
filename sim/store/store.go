// Package store persists run telemetry to SQLite. The run loop flushes one
// row per partition when it terminates, on both clean and aborted exits, so
// post-mortems of a multi-partition run can be done with a single query.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite handle. WAL mode lets the partitions of one run
// flush concurrently into the same file.
type Store struct {
	db *sql.DB
}

// RunRecord is one partition's telemetry for one run.
type RunRecord struct {
	Rank       int
	StartedAt  time.Time
	EndedAt    time.Time
	FinalTime  uint64
	Dispatches uint64
	Barriers   uint64
	Outcome    string
}

// Open opens (or creates) the telemetry database and initialises the
// schema.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open telemetry db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate telemetry db: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		rank       INTEGER NOT NULL,
		started_at TEXT NOT NULL,
		ended_at   TEXT NOT NULL,
		final_time INTEGER NOT NULL,
		dispatches INTEGER NOT NULL,
		barriers   INTEGER NOT NULL,
		outcome    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_rank ON runs(rank);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordRun inserts one partition's telemetry row.
func (s *Store) RecordRun(rec RunRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (rank, started_at, ended_at, final_time, dispatches, barriers, outcome)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Rank,
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.EndedAt.UTC().Format(time.RFC3339Nano),
		int64(rec.FinalTime),
		int64(rec.Dispatches),
		int64(rec.Barriers),
		rec.Outcome,
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// Runs returns every recorded run ordered by rank, then insertion.
func (s *Store) Runs() ([]RunRecord, error) {
	rows, err := s.db.Query(
		`SELECT rank, started_at, ended_at, final_time, dispatches, barriers, outcome
		 FROM runs ORDER BY rank, id`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		var started, ended string
		var finalTime, dispatches, barriers int64
		if err := rows.Scan(&rec.Rank, &started, &ended, &finalTime, &dispatches, &barriers, &rec.Outcome); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		rec.EndedAt, _ = time.Parse(time.RFC3339Nano, ended)
		rec.FinalTime = uint64(finalTime)
		rec.Dispatches = uint64(dispatches)
		rec.Barriers = uint64(barriers)
		out = append(out, rec)
	}
	return out, rows.Err()
}
