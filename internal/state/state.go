// Package state defines the Turn State threaded through every pipeline
// stage and the partial-delta merge discipline used to update it.
//
// Stages never overwrite the whole state: each one emits a Delta holding
// only its own output, and the engine applies it to the latest
// checkpointed values. Messages are reducible: new entries merge by
// append, and an explicit remove-by-ID operation serves eviction.
package state

import (
	"time"

	"github.com/haasonsaas/amity/pkg/models"
)

// ContextMetadata carries diagnostic counters produced by the context
// builder. Transient: regenerated each turn.
type ContextMetadata struct {
	UserQuery     string    `json:"user_query"`
	MemoriesFound int       `json:"memories_found"`
	Timestamp     time.Time `json:"timestamp"`
	PromptLength  int       `json:"prompt_length"`
}

// TurnState is the unit persisted per session and threaded through the
// state machine.
type TurnState struct {
	Messages []models.Message `json:"messages"`

	// Transient per-turn outputs, rebuilt by the context builder. They
	// are checkpointed for observability but never treated as
	// authoritative across turns.
	SystemPrompt      string                   `json:"system_prompt,omitempty"`
	RetrievedMemories []models.RetrievedMemory `json:"retrieved_memories,omitempty"`
	ContextMetadata   *ContextMetadata         `json:"context_metadata,omitempty"`

	// Persistent relationship state.
	UserID         string             `json:"user_id"`
	IntimacyLevel  int                `json:"intimacy_level"`
	UserProfile    models.UserProfile `json:"user_profile"`
	CurrentEmotion models.Emotion     `json:"current_emotion"`
}

// LastMessage returns the newest message, or a zero Message when the
// history is empty.
func (s *TurnState) LastMessage() (models.Message, bool) {
	if len(s.Messages) == 0 {
		return models.Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// LastUserText returns the text of the most recent user message, empty
// when none exists.
func (s *TurnState) LastUserText() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == models.RoleUser {
			return s.Messages[i].Text()
		}
	}
	return ""
}

// Clone returns a deep enough copy for safe concurrent reads: slices are
// copied, element values are immutable by convention.
func (s *TurnState) Clone() *TurnState {
	out := *s
	out.Messages = append([]models.Message(nil), s.Messages...)
	out.RetrievedMemories = append([]models.RetrievedMemory(nil), s.RetrievedMemories...)
	if s.ContextMetadata != nil {
		md := *s.ContextMetadata
		out.ContextMetadata = &md
	}
	return &out
}

// Delta is a partial state update emitted by a single stage. Nil pointer
// fields mean "unchanged".
type Delta struct {
	// Append adds messages to the end of the history.
	Append []models.Message `json:"append,omitempty"`

	// Remove drops messages by ID. Removals apply before appends so a
	// stage can replace an entry it owns.
	Remove []string `json:"remove,omitempty"`

	SystemPrompt      *string                   `json:"system_prompt,omitempty"`
	RetrievedMemories *[]models.RetrievedMemory `json:"retrieved_memories,omitempty"`
	ContextMetadata   *ContextMetadata          `json:"context_metadata,omitempty"`
	IntimacyLevel     *int                      `json:"intimacy_level,omitempty"`
	UserProfile       *models.UserProfile       `json:"user_profile,omitempty"`
	CurrentEmotion    *models.Emotion           `json:"current_emotion,omitempty"`
}

// IsZero reports whether the delta changes nothing.
func (d *Delta) IsZero() bool {
	if d == nil {
		return true
	}
	return len(d.Append) == 0 && len(d.Remove) == 0 &&
		d.SystemPrompt == nil && d.RetrievedMemories == nil &&
		d.ContextMetadata == nil && d.IntimacyLevel == nil &&
		d.UserProfile == nil && d.CurrentEmotion == nil
}

// Apply merges the delta into the state. Affinity is clamped on entry;
// emotions normalize through ParseEmotion so the invariant that
// CurrentEmotion is always one of the seven values holds at the single
// write point.
func (s *TurnState) Apply(d *Delta) {
	if d == nil {
		return
	}
	if len(d.Remove) > 0 {
		drop := make(map[string]struct{}, len(d.Remove))
		for _, id := range d.Remove {
			drop[id] = struct{}{}
		}
		kept := s.Messages[:0]
		for _, m := range s.Messages {
			if _, gone := drop[m.ID]; !gone {
				kept = append(kept, m)
			}
		}
		s.Messages = kept
	}
	s.Messages = append(s.Messages, d.Append...)

	if d.SystemPrompt != nil {
		s.SystemPrompt = *d.SystemPrompt
	}
	if d.RetrievedMemories != nil {
		s.RetrievedMemories = *d.RetrievedMemories
	}
	if d.ContextMetadata != nil {
		s.ContextMetadata = d.ContextMetadata
	}
	if d.IntimacyLevel != nil {
		s.IntimacyLevel = models.ClampAffinity(*d.IntimacyLevel)
	}
	if d.UserProfile != nil {
		s.UserProfile = *d.UserProfile
	}
	if d.CurrentEmotion != nil {
		s.CurrentEmotion = models.ParseEmotion(string(*d.CurrentEmotion))
	}
}

// IntPtr, StringPtr and friends keep delta construction readable at call
// sites.
func IntPtr(v int) *int { return &v }

func StringPtr(v string) *string { return &v }

func EmotionPtr(v models.Emotion) *models.Emotion { return &v }

func ProfilePtr(v models.UserProfile) *models.UserProfile { return &v }

func MemoriesPtr(v []models.RetrievedMemory) *[]models.RetrievedMemory { return &v }
