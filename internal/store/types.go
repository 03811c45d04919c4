package store

import (
	"context"
	"time"

	"github.com/oratora/speakd/internal/protocol"
)

// Result is the persisted record of one completed speaking session. It is
// written exactly once, after the session reaches its completed state, and
// read back later by unrelated retrieval endpoints.
type Result struct {
	ID           string                    `json:"id"`
	SessionID    string                    `json:"session_id"`
	OwnerID      string                    `json:"owner_id"`
	Subject      string                    `json:"subject"`
	SessionType  string                    `json:"session_type"`
	Transcript   string                    `json:"transcript"`
	Evaluation   []protocol.EvaluationItem `json:"evaluation"`
	Summary      string                    `json:"summary"`
	TTSReference string                    `json:"tts_reference"`
	CreatedAt    time.Time                 `json:"created_at"`
}

// ResourceStore persists session results.
type ResourceStore interface {
	SaveResult(ctx context.Context, r Result) error
	Close() error
}
