package collab

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/oratora/speakd/internal/protocol"
)

// MockSet returns canned collaborators for local development and tests,
// used when no collaborator URLs are configured.
func MockSet() Set {
	return Set{
		Transcriber: &MockTranscriber{},
		Evaluator:   &MockEvaluator{},
		Synthesizer: &MockSynthesizer{},
	}
}

// MockTranscriber returns a fixed transcript. Err and Text are settable so
// tests can script failures and specific outputs.
type MockTranscriber struct {
	Text string
	Err  error
}

func (m *MockTranscriber) Transcribe(ctx context.Context, audio []byte) (Transcript, error) {
	if err := ctx.Err(); err != nil {
		return Transcript{}, err
	}
	if m.Err != nil {
		return Transcript{}, m.Err
	}
	text := m.Text
	if text == "" {
		text = fmt.Sprintf("simulated transcript of %d audio bytes", len(audio))
	}
	return Transcript{Text: text, Confidence: 0.9}, nil
}

type MockEvaluator struct {
	Err error
}

func (m *MockEvaluator) Evaluate(ctx context.Context, transcript, subject string) (Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return Evaluation{}, err
	}
	if m.Err != nil {
		return Evaluation{}, m.Err
	}
	return Evaluation{
		Items: []protocol.EvaluationItem{
			{
				Criteria:   "grammar",
				Suggestion: "Good structure, consider using more complex sentences",
				Examples:   []string{"Try using compound sentences"},
			},
			{
				Criteria:          "vocabulary",
				ReferenceSentence: transcript,
				Suggestion:        "Expand your vocabulary with more descriptive words",
			},
		},
		Summary:      fmt.Sprintf("Solid attempt on %q", subject),
		FeedbackText: fmt.Sprintf("Nice work speaking about %s. Keep practicing longer sentences.", subject),
	}, nil
}

type MockSynthesizer struct {
	Err error
}

func (m *MockSynthesizer) Synthesize(ctx context.Context, feedbackText string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.Err != nil {
		return "", m.Err
	}
	return "mock://feedback/" + uuid.NewString() + ".mp3", nil
}
