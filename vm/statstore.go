package vm

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ---------------------------------------------------------------------------
// StatStore: SQLite store for idiom analysis runs
// ---------------------------------------------------------------------------

// StatStore records idiom analysis runs into a SQLite database so
// counts can be aggregated across modules and across runs.
type StatStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenStatStore opens (creating if needed) the stats database.
func OpenStatStore(path string) (*StatStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening stats database: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	schema := `
CREATE TABLE IF NOT EXISTS runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	module TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS idioms (
	run_id INTEGER NOT NULL REFERENCES runs(id),
	rendering TEXT NOT NULL,
	occurrences INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idioms_rendering ON idioms(rendering);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &StatStore{db: db}, nil
}

// Close closes the database connection.
func (s *StatStore) Close() error {
	return s.db.Close()
}

// RecordRun inserts one analysis run with all its idiom counts.
func (s *StatStore) RecordRun(module string, fingerprint [32]byte, idioms []Idiom) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		"INSERT INTO runs (module, fingerprint, created_at) VALUES (?, ?, ?)",
		module, hex.EncodeToString(fingerprint[:]), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("resolving run id: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO idioms (run_id, rendering, occurrences) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, idiom := range idioms {
		if _, err := stmt.Exec(runID, idiom.Render(), idiom.Occurrences); err != nil {
			return fmt.Errorf("inserting idiom: %w", err)
		}
	}

	return tx.Commit()
}

// AggregateRow is one row of the cross-run idiom ranking.
type AggregateRow struct {
	Rendering   string
	Occurrences int64
}

// Top returns the n most frequent idioms summed over all recorded runs.
func (s *StatStore) Top(n int) ([]AggregateRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
SELECT rendering, SUM(occurrences) AS total
FROM idioms
GROUP BY rendering
ORDER BY total DESC, rendering ASC
LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("querying top idioms: %w", err)
	}
	defer rows.Close()

	var result []AggregateRow
	for rows.Next() {
		var row AggregateRow
		if err := rows.Scan(&row.Rendering, &row.Occurrences); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		result = append(result, row)
	}
	return result, rows.Err()
}
