package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/amity/internal/state"
	"github.com/haasonsaas/amity/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	session_id TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	next       TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	pending    TEXT,
	updated_at TEXT NOT NULL
);
`

// SQLiteStore persists checkpoints in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (or creates) a checkpoint database at path.
// Use ":memory:" for an ephemeral store in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get retrieves the checkpoint for a session.
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, state, next, status, pending, updated_at
		FROM checkpoints WHERE session_id = ?`, sessionID)

	var (
		cp        Checkpoint
		stateJSON string
		pending   sql.NullString
		updatedAt string
	)
	err := row.Scan(&cp.SessionID, &stateJSON, &cp.Next, (*string)(&cp.Status), &pending, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}

	var st state.TurnState
	if err := json.Unmarshal([]byte(stateJSON), &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	cp.State = &st

	if pending.Valid && pending.String != "" {
		if err := json.Unmarshal([]byte(pending.String), &cp.Pending); err != nil {
			return nil, fmt.Errorf("decode pending batch: %w", err)
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		cp.UpdatedAt = t
	}
	return &cp, nil
}

// Put stores a checkpoint, replacing any existing one for the session.
func (s *SQLiteStore) Put(ctx context.Context, cp *Checkpoint) error {
	if cp.SessionID == "" {
		return fmt.Errorf("checkpoint missing session id")
	}
	if cp.State == nil {
		return fmt.Errorf("checkpoint missing state")
	}
	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	pending, err := encodePending(cp.Pending)
	if err != nil {
		return fmt.Errorf("encode pending batch: %w", err)
	}
	updatedAt := cp.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO checkpoints (session_id, state, next, status, pending, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cp.SessionID, string(stateJSON), cp.Next, string(cp.Status), pending,
		updatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store checkpoint: %w", err)
	}
	return nil
}

// Delete removes a session's checkpoint.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// List returns all session IDs with a stored checkpoint.
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM checkpoints ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodePending(pending []models.ToolCall) (sql.NullString, error) {
	if len(pending) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(pending)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
