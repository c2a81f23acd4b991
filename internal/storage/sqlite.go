// Package storage is the application's own SQLite store: the turn log and
// persisted conversation contexts. It is separate from the business database
// queried by the executor.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/google/uuid"

	"github.com/kalambet/bizq/internal/conversation"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DatabaseFile is the store's file name inside the data directory.
const DatabaseFile = "bizq.db"

// Store wraps a SQLite database holding turns and sessions.
type Store struct {
	db *sql.DB
}

// Store persists conversation snapshots for the session manager.
var _ conversation.Store = (*Store)(nil)

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, DatabaseFile)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// One connection: writers never see "database is locked", and :memory: stays a single database.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode=WAL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies embedded migrations that have not been recorded in schema_version.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	var versions []int
	err := sqlscan.Select(context.Background(), s.db, &versions, "SELECT version FROM schema_version ORDER BY version ASC")
	return versions, err
}

// --- Turns ---

// RecordTurn appends a turn to the log. A missing ID or timestamp is filled in.
func (s *Store) RecordTurn(t Turn) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO turns (id, session_id, created_at, question, category, confidence, method, follow_up,
			query, success, degraded, stage, row_count, attempts, answer, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.CreatedAt.UTC().Format(timeLayout), t.Question, t.Category, t.Confidence,
		t.Method, t.FollowUp, t.Query, t.Success, t.Degraded, t.Stage, t.RowCount, t.Attempts, t.Answer,
		t.Error, t.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("recording turn: %w", err)
	}
	return nil
}

const turnColumns = `id, session_id, created_at, question, category, confidence, method, follow_up,
	query, success, degraded, stage, row_count, attempts, answer, error, duration_ms`

// GetTurn returns one turn by ID.
func (s *Store) GetTurn(id string) (Turn, error) {
	var row turnRow
	err := sqlscan.Get(context.Background(), s.db, &row, `SELECT `+turnColumns+` FROM turns WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Turn{}, ErrNotFound
	}
	if err != nil {
		return Turn{}, err
	}
	return row.turn()
}

// RecentTurns returns up to limit turns, newest first.
func (s *Store) RecentTurns(limit int) ([]Turn, error) {
	return s.selectTurns(`SELECT `+turnColumns+` FROM turns ORDER BY created_at DESC LIMIT ?`, limit)
}

// SessionTurns returns up to limit turns of one session, oldest first.
func (s *Store) SessionTurns(sessionID string, limit int) ([]Turn, error) {
	return s.selectTurns(`SELECT `+turnColumns+` FROM turns WHERE session_id = ? ORDER BY created_at ASC LIMIT ?`, sessionID, limit)
}

func (s *Store) selectTurns(query string, args ...any) ([]Turn, error) {
	var rows []turnRow
	if err := sqlscan.Select(context.Background(), s.db, &rows, query, args...); err != nil {
		return nil, err
	}
	turns := make([]Turn, 0, len(rows))
	for _, r := range rows {
		t, err := r.turn()
		if err != nil {
			return nil, fmt.Errorf("parsing created_at of turn %s: %w", r.ID, err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// --- Sessions ---

// SaveSession stores the snapshot for a session, replacing any previous one.
func (s *Store) SaveSession(id string, snap conversation.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO sessions (id, snapshot, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		id, string(data), time.Now().UTC().Format(timeLayout),
	)
	return err
}

// LoadSession returns the stored snapshot or ErrNotFound.
func (s *Store) LoadSession(id string) (conversation.Snapshot, error) {
	var data string
	err := s.db.QueryRow("SELECT snapshot FROM sessions WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return conversation.Snapshot{}, err
	}
	var snap conversation.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return conversation.Snapshot{}, fmt.Errorf("decoding snapshot: %w", err)
	}
	return snap, nil
}

// DeleteSession removes a stored session. Deleting a missing session is not an error.
func (s *Store) DeleteSession(id string) error {
	_, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	return err
}

// ListSessions returns stored sessions, most recently updated first.
func (s *Store) ListSessions(limit int) ([]SessionInfo, error) {
	var rows []struct {
		ID        string `db:"id"`
		UpdatedAt string `db:"updated_at"`
	}
	if err := sqlscan.Select(context.Background(), s.db, &rows,
		"SELECT id, updated_at FROM sessions ORDER BY updated_at DESC LIMIT ?", limit); err != nil {
		return nil, err
	}
	out := make([]SessionInfo, 0, len(rows))
	for _, r := range rows {
		t, err := time.Parse(timeLayout, r.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing updated_at of session %s: %w", r.ID, err)
		}
		out = append(out, SessionInfo{ID: r.ID, UpdatedAt: t})
	}
	return out, nil
}
