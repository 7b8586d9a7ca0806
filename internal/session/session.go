// Package session drives whole turns for an interactive client: it runs
// the pipeline, mediates sensitive-tool approvals, and applies the
// response contract's post-turn updates.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DefaultSessionID is used before any session has been created.
const DefaultSessionID = "session_default"

// LastSessionID reads the session ID recorded at path, or
// DefaultSessionID when the file does not exist.
func LastSessionID(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultSessionID
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return DefaultSessionID
	}
	return id
}

// SaveSessionID records the active session ID at path.
func SaveSessionID(path, id string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return nil
}

// NewSessionID mints a fresh session ID.
func NewSessionID() string {
	return "session_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
