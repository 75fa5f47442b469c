package history

import (
	"errors"
	"time"

	"github.com/imaistudio/orchestrator/internal/models"
)

var (
	// ErrConversationNotFound is returned when a conversation has no turns.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrInvalidTurn is returned when turn data cannot be decoded.
	ErrInvalidTurn = errors.New("invalid turn data")
)

// TurnRole distinguishes who issued a turn.
type TurnRole string

const (
	RoleUser      TurnRole = "user"
	RoleAssistant TurnRole = "assistant"
)

// Turn is one immutable entry in a conversation. Owned by the history store;
// the rest of the engine reads turns, never mutates them.
type Turn struct {
	ID                string               `json:"id"`
	Role              TurnRole             `json:"role"`
	Text              string               `json:"text"`
	Timestamp         time.Time            `json:"timestamp"`
	ProducedArtifacts []models.ArtifactRef `json:"produced_artifacts,omitempty"`
	InputMediaRefs    []string             `json:"input_media_refs,omitempty"`
}

// HasArtifacts reports whether the turn carries any produced artifacts.
func (t Turn) HasArtifacts() bool { return len(t.ProducedArtifacts) > 0 }
