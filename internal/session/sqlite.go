package session

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/pipewright/pipewright/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	issue_number    INTEGER NOT NULL DEFAULT 0,
	issue_title     TEXT NOT NULL DEFAULT '',
	issue_url       TEXT NOT NULL DEFAULT '',
	branch          TEXT NOT NULL,
	worktree_path   TEXT NOT NULL DEFAULT '',
	pr_number       INTEGER NOT NULL DEFAULT 0,
	plan            TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	ci_attempts     INTEGER NOT NULL DEFAULT 0,
	review_attempts INTEGER NOT NULL DEFAULT 0,
	is_active       INTEGER NOT NULL DEFAULT 1,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	closed_at       TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_active ON sessions(is_active);
`

// DB wraps the SQLite session table
type DB struct {
	db *sql.DB
}

// OpenDB opens (creating if needed) the session database in dataDir
func OpenDB(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	path := filepath.Join(dataDir, "pipewright.db")

	// WAL mode for concurrent readers; busy timeout covers the rare
	// overlap between the store and the status CLI.
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping session database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return &DB{db: db}, nil
}

// SaveSession upserts one session record
func (d *DB) SaveSession(s *types.Session) error {
	var closedAt any
	if s.ClosedAt != nil {
		closedAt = s.ClosedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := d.db.Exec(`
		INSERT INTO sessions (
			id, issue_number, issue_title, issue_url, branch, worktree_path,
			pr_number, plan, status, ci_attempts, review_attempts, is_active,
			created_at, updated_at, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			issue_number = excluded.issue_number,
			issue_title = excluded.issue_title,
			issue_url = excluded.issue_url,
			branch = excluded.branch,
			worktree_path = excluded.worktree_path,
			pr_number = excluded.pr_number,
			plan = excluded.plan,
			status = excluded.status,
			ci_attempts = excluded.ci_attempts,
			review_attempts = excluded.review_attempts,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at,
			closed_at = excluded.closed_at`,
		s.ID, s.Issue.Number, s.Issue.Title, s.Issue.URL, s.Branch, s.WorktreePath,
		s.PRNumber, s.Plan, string(s.Status), s.CIAttempts, s.ReviewAttempts, boolToInt(s.IsActive),
		s.CreatedAt.UTC().Format(time.RFC3339Nano), s.UpdatedAt.UTC().Format(time.RFC3339Nano), closedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", s.ID, err)
	}
	return nil
}

// LoadSessions reads every persisted session record
func (d *DB) LoadSessions() ([]*types.Session, error) {
	rows, err := d.db.Query(`
		SELECT id, issue_number, issue_title, issue_url, branch, worktree_path,
			pr_number, plan, status, ci_attempts, review_attempts, is_active,
			created_at, updated_at, closed_at
		FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		var (
			s                    types.Session
			status               string
			isActive             int
			createdAt, updatedAt string
			closedAt             sql.NullString
		)
		if err := rows.Scan(
			&s.ID, &s.Issue.Number, &s.Issue.Title, &s.Issue.URL, &s.Branch, &s.WorktreePath,
			&s.PRNumber, &s.Plan, &status, &s.CIAttempts, &s.ReviewAttempts, &isActive,
			&createdAt, &updatedAt, &closedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}

		s.Status = types.SessionStatus(status)
		s.IsActive = isActive != 0
		if s.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at for %s: %w", s.ID, err)
		}
		if s.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("failed to parse updated_at for %s: %w", s.ID, err)
		}
		if closedAt.Valid && closedAt.String != "" {
			t, err := time.Parse(time.RFC3339Nano, closedAt.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse closed_at for %s: %w", s.ID, err)
			}
			s.ClosedAt = &t
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// Close closes the underlying database
func (d *DB) Close() error {
	return d.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
