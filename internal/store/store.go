// Package store persists the world model and run provenance in SQLite.
//
// Layout is append-only: one entity_versions log row per accepted write,
// plus a current-state index keyed by entity id. Provenance rows record
// every execution attempt, success or not, so the run's audit trail stays
// complete after failures.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"kosmos/internal/logging"
	"kosmos/internal/research"
)

// Store is the SQLite-backed persistence layer. It implements world.Log.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// Open initializes the SQLite database at the given path.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("store opened at %s", path)
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entity_versions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		kind TEXT NOT NULL,
		run_id TEXT,
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE(entity_id, version)
	);
	CREATE INDEX IF NOT EXISTS idx_versions_entity ON entity_versions(entity_id);
	CREATE INDEX IF NOT EXISTS idx_versions_run ON entity_versions(run_id);

	CREATE TABLE IF NOT EXISTS entity_index (
		entity_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS relationships (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_id TEXT NOT NULL,
		rel_type TEXT NOT NULL,
		to_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE(from_id, rel_type, to_id)
	);
	CREATE INDEX IF NOT EXISTS idx_rel_from ON relationships(from_id);
	CREATE INDEX IF NOT EXISTS idx_rel_to ON relationships(to_id);

	CREATE TABLE IF NOT EXISTS provenance (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		exit_kind TEXT NOT NULL,
		wall_time_ms INTEGER,
		detail TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_prov_run ON provenance(run_id);
	CREATE INDEX IF NOT EXISTS idx_prov_task ON provenance(task_id);

	CREATE TABLE IF NOT EXISTS incidents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		task_id TEXT,
		violation TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// AppendVersion records one entity version in the append-only log and
// advances the current-state index.
func (s *Store) AppendVersion(e research.Entity) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode entity %s: %w", e.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO entity_versions (entity_id, version, kind, run_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Version, string(e.Kind), e.Provenance.RunID, string(payload), e.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to append version %s v%d: %w", e.ID, e.Version, err)
	}

	if _, err := tx.Exec(
		`INSERT INTO entity_index (entity_id, kind, status, version, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(entity_id) DO UPDATE SET
		   status = excluded.status,
		   version = excluded.version,
		   updated_at = excluded.updated_at`,
		e.ID, string(e.Kind), string(e.Status), e.Version, e.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to update index for %s: %w", e.ID, err)
	}

	return tx.Commit()
}

// AppendRelationship records one relationship edge. Duplicate edges are
// ignored.
func (s *Store) AppendRelationship(r research.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO relationships (from_id, rel_type, to_id, created_at)
		 VALUES (?, ?, ?, ?)`,
		r.FromID, string(r.Type), r.ToID, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append relationship: %w", err)
	}
	return nil
}

// RecordProvenance records one execution attempt. Every non-success exit
// kind is recorded; nothing is silently swallowed.
func (s *Store) RecordProvenance(runID string, res research.ExecutionResult) error {
	detail := res.Err
	if res.ExitKind == research.ExitSafetyViolation {
		detail = res.Violation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO provenance (run_id, task_id, attempt, exit_kind, wall_time_ms, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, res.TaskID, res.AttemptIndex, string(res.ExitKind),
		res.WallTime.Milliseconds(), detail, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record provenance for task %s: %w", res.TaskID, err)
	}
	return nil
}

// RecordIncident logs a safety incident with its full violation report.
func (s *Store) RecordIncident(runID, taskID, violation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO incidents (run_id, task_id, violation, created_at) VALUES (?, ?, ?, ?)`,
		runID, taskID, violation, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record incident: %w", err)
	}
	return nil
}

// Replay returns every persisted entity version (ordered by entity id and
// version) and every relationship, for rehydrating a world model at boot.
func (s *Store) Replay() ([]research.Entity, []research.Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT payload FROM entity_versions ORDER BY entity_id, version`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read entity log: %w", err)
	}
	defer rows.Close()

	var entities []research.Entity
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, nil, err
		}
		var e research.Entity
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, nil, fmt.Errorf("corrupt entity log row: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	relRows, err := s.db.Query(
		`SELECT from_id, rel_type, to_id, created_at FROM relationships ORDER BY from_id, rel_type, to_id`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read relationships: %w", err)
	}
	defer relRows.Close()

	var rels []research.Relationship
	for relRows.Next() {
		var r research.Relationship
		var typ string
		if err := relRows.Scan(&r.FromID, &typ, &r.ToID, &r.CreatedAt); err != nil {
			return nil, nil, err
		}
		r.Type = research.RelationType(typ)
		rels = append(rels, r)
	}
	return entities, rels, relRows.Err()
}

// ProvenanceCount returns the number of recorded attempts for a task.
func (s *Store) ProvenanceCount(taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM provenance WHERE task_id = ?`, taskID).Scan(&n)
	return n, err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
