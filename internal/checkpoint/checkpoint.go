// Package checkpoint persists turn state between pipeline stages so an
// interrupted turn can resume from its next stage instead of replaying.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/amity/internal/state"
	"github.com/haasonsaas/amity/pkg/models"
)

// ErrNotFound is returned when no checkpoint exists for a session.
var ErrNotFound = errors.New("checkpoint not found")

// Status describes where a turn stands.
type Status string

const (
	// StatusRunning means the turn is executing stages.
	StatusRunning Status = "running"

	// StatusAwaitingApproval means the turn is suspended on a sensitive
	// tool batch and waits for a human decision.
	StatusAwaitingApproval Status = "awaiting_approval"

	// StatusCompleted means the turn reached the end of the pipeline.
	StatusCompleted Status = "completed"

	// StatusFailed means the turn stopped on an unrecoverable error.
	StatusFailed Status = "failed"
)

// Checkpoint is a snapshot of one session's turn execution.
type Checkpoint struct {
	SessionID string           `json:"session_id"`
	State     *state.TurnState `json:"state"`

	// Next is the stage that runs when the session resumes. Empty for
	// terminal checkpoints.
	Next string `json:"next,omitempty"`

	Status Status `json:"status"`

	// Pending holds the sensitive tool batch awaiting approval. Only set
	// while Status is StatusAwaitingApproval.
	Pending []models.ToolCall `json:"pending,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists checkpoints keyed by session ID.
type Store interface {
	// Get retrieves the checkpoint for a session, or ErrNotFound.
	Get(ctx context.Context, sessionID string) (*Checkpoint, error)

	// Put stores a checkpoint, replacing any existing one for the session.
	Put(ctx context.Context, cp *Checkpoint) error

	// Delete removes a session's checkpoint. Missing sessions are not an
	// error.
	Delete(ctx context.Context, sessionID string) error

	// List returns all session IDs with a stored checkpoint.
	List(ctx context.Context) ([]string, error)

	// Close releases resources.
	Close() error
}
