// Package archive persists finished research sessions to SQLite. Writes
// happen only after a run terminates; nothing here is on the hot path.
package archive

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"deepresearch/internal/logging"
	"deepresearch/internal/state"
)

// Record is one archived session.
type Record struct {
	ID             int64
	Question       string
	Answer         string
	Steps          int
	CeilingReached bool
	MessageCount   int
	FileCount      int
	CreatedAt      time.Time
}

// Archive is a SQLite-backed session log.
type Archive struct {
	db   *sql.DB
	path string
}

// Open creates or opens the archive database at path.
func Open(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	a := &Archive{db: db, path: path}
	if err := a.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Archive("opened %s", path)
	return a, nil
}

func (a *Archive) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		question TEXT NOT NULL,
		answer TEXT NOT NULL,
		steps INTEGER NOT NULL,
		ceiling_reached INTEGER NOT NULL DEFAULT 0,
		message_count INTEGER NOT NULL,
		file_count INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS session_files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL,
		key TEXT NOT NULL,
		content TEXT NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_session_files_session ON session_files(session_id);
	`
	if _, err := a.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize archive schema: %w", err)
	}
	return nil
}

// Save stores a finished session together with its file store snapshot and
// returns the session ID.
func (a *Archive) Save(rec Record, snap state.Snapshot) (int64, error) {
	tx, err := a.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin archive tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO sessions (question, answer, steps, ceiling_reached, message_count, file_count)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Question, rec.Answer, rec.Steps, boolToInt(rec.CeilingReached), rec.MessageCount, rec.FileCount,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read session id: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO session_files (session_id, key, content) VALUES (?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare file insert: %w", err)
	}
	defer stmt.Close()
	for key, entry := range snap.Files {
		if _, err := stmt.Exec(id, key, entry.Content); err != nil {
			return 0, fmt.Errorf("failed to insert file %q: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit archive tx: %w", err)
	}
	logging.Archive("saved session %d (%d files)", id, len(snap.Files))
	return id, nil
}

// Recent returns the newest n sessions, newest first.
func (a *Archive) Recent(n int) ([]Record, error) {
	rows, err := a.db.Query(
		`SELECT id, question, answer, steps, ceiling_reached, message_count, file_count, created_at
		 FROM sessions ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var ceiling int
		if err := rows.Scan(&r.ID, &r.Question, &r.Answer, &r.Steps, &ceiling, &r.MessageCount, &r.FileCount, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		r.CeilingReached = ceiling != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Files returns the archived file entries of a session.
func (a *Archive) Files(sessionID int64) (map[string]string, error) {
	rows, err := a.db.Query(`SELECT key, content FROM session_files WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	files := make(map[string]string)
	for rows.Next() {
		var key, content string
		if err := rows.Scan(&key, &content); err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files[key] = content
	}
	return files, rows.Err()
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
