package runstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/durapensa/ksi/orchestration"
)

const trackedSchema = `
CREATE TABLE IF NOT EXISTS tracked_state (
	run_id     TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	entry_type TEXT NOT NULL,
	data       TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);
`

// SQLiteStore persists tracked state to a SQLite database. Entries are
// insert-only, mirroring the append-only contract of the history itself.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at path. Use ":memory:"
// for an ephemeral database in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	if _, err := db.Exec(trackedSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate run store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append implements orchestration.Store.
func (s *SQLiteStore) Append(runID string, e orchestration.TrackedEntry) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("encode tracked entry: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO tracked_state (run_id, seq, entry_type, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		runID, e.Seq, e.Type, string(data), e.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append tracked entry: %w", err)
	}
	return nil
}

// Load implements orchestration.Store, returning entries in seq order.
func (s *SQLiteStore) Load(runID string) ([]orchestration.TrackedEntry, error) {
	rows, err := s.db.Query(
		`SELECT seq, entry_type, data, created_at FROM tracked_state WHERE run_id = ? ORDER BY seq`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("load tracked entries: %w", err)
	}
	defer rows.Close()

	var out []orchestration.TrackedEntry
	for rows.Next() {
		var (
			e       orchestration.TrackedEntry
			rawData string
			rawTime string
		)
		if err := rows.Scan(&e.Seq, &e.Type, &rawData, &rawTime); err != nil {
			return nil, fmt.Errorf("scan tracked entry: %w", err)
		}
		if err := json.Unmarshal([]byte(rawData), &e.Data); err != nil {
			return nil, fmt.Errorf("decode tracked entry %d: %w", e.Seq, err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, rawTime); err == nil {
			e.Timestamp = ts
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }
