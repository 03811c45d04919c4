package collab

import (
	"context"
	"errors"
	"fmt"

	"github.com/oratora/speakd/internal/protocol"
)

// Transcript is the output of the speech-to-text collaborator.
type Transcript struct {
	Text       string
	Confidence float64
}

// Evaluation is the output of the evaluation collaborator: structured
// per-criteria feedback plus the spoken-feedback text handed to synthesis.
type Evaluation struct {
	Items        []protocol.EvaluationItem
	Summary      string
	FeedbackText string
}

// Transcriber converts a finalized audio buffer into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (Transcript, error)
}

// Evaluator scores a transcript against the session subject.
type Evaluator interface {
	Evaluate(ctx context.Context, transcript, subject string) (Evaluation, error)
}

// Synthesizer turns feedback text into a stored audio reference.
type Synthesizer interface {
	Synthesize(ctx context.Context, feedbackText string) (string, error)
}

// Set bundles the three collaborators a pipeline needs.
type Set struct {
	Transcriber Transcriber
	Evaluator   Evaluator
	Synthesizer Synthesizer
}

// Error carries the retryable classification for a collaborator failure.
type Error struct {
	Service   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a collaborator error worth one retry.
func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}
