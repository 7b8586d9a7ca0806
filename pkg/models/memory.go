package models

// MemoryDocument is the archival unit owned by the memory store. It is
// created once on eviction and never mutated; deletion happens only
// through an explicit clear operation.
type MemoryDocument struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// Score is the query-time similarity in [0, 1]; zero outside search
	// results.
	Score float64 `json:"score,omitempty"`
}

// CreatedAt returns the document's creation timestamp from metadata, or
// "unknown" when absent.
func (d MemoryDocument) CreatedAt() string {
	if v, ok := d.Metadata["created_at"].(string); ok && v != "" {
		return v
	}
	return "unknown"
}

// UserID returns the owning user from metadata, if recorded.
func (d MemoryDocument) UserID() string {
	v, _ := d.Metadata["user_id"].(string)
	return v
}

// RetrievedMemory is the ephemeral per-turn view of a document held in
// Turn State. It carries no back-reference into the store.
type RetrievedMemory struct {
	Content   string         `json:"content"`
	Score     float64        `json:"score"`
	CreatedAt string         `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
