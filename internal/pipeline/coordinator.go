package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/oratora/speakd/internal/collab"
	"github.com/oratora/speakd/internal/observability"
	"github.com/oratora/speakd/internal/protocol"
	"github.com/oratora/speakd/internal/reliability"
)

// Event is the tagged union of everything a running pipeline can report
// back to its session. The session runner matches all variants.
type Event interface{ pipelineEvent() }

// TranscriptEvent carries the transcript after the transcription stage.
type TranscriptEvent struct {
	Transcript string
	Confidence float64
}

// StageEvent announces that the named stage is about to be submitted.
type StageEvent struct {
	Stage string
}

// ResultEvent is the terminal success event; Result is complete or absent,
// never partial.
type ResultEvent struct {
	Result Result
}

// FailureEvent is the terminal failure event.
type FailureEvent struct {
	Code      protocol.ErrorCode
	Message   string
	Retryable bool
}

func (TranscriptEvent) pipelineEvent() {}
func (StageEvent) pipelineEvent()      {}
func (ResultEvent) pipelineEvent()     {}
func (FailureEvent) pipelineEvent()    {}

// Result aggregates the outputs of all three stages.
type Result struct {
	Transcript   string
	Confidence   float64
	Evaluation   collab.Evaluation
	TTSReference string
}

// Config bounds pipeline execution independently of recording duration.
type Config struct {
	TotalBudget  time.Duration
	StageTimeout time.Duration
	RetryBase    time.Duration
	RetryCap     time.Duration
}

// Coordinator drives transcribe -> evaluate -> synthesize for one session
// at a time per Run call; the collaborators themselves are shared and
// stateless, so one Coordinator serves all sessions concurrently.
type Coordinator struct {
	collabs collab.Set
	cfg     Config
	metrics *observability.Metrics
	logger  *log.Logger
}

func New(collabs collab.Set, cfg Config, metrics *observability.Metrics, logger *log.Logger) *Coordinator {
	if cfg.TotalBudget <= 0 {
		cfg.TotalBudget = 30 * time.Second
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 12 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 250 * time.Millisecond
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 2 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{collabs: collabs, cfg: cfg, metrics: metrics, logger: logger}
}

// Run executes the pipeline asynchronously and closes the returned channel
// after a terminal event. Canceling ctx aborts all in-flight stage calls;
// the coordinator does not wait for collaborator aborts to complete.
func (c *Coordinator) Run(ctx context.Context, sessionID, subject string, audio []byte) <-chan Event {
	events := make(chan Event, 8)
	go c.run(ctx, sessionID, subject, audio, events)
	return events
}

type stageTimeoutError struct{ stage string }

func (e stageTimeoutError) Error() string { return fmt.Sprintf("stage %s timed out", e.stage) }

func (c *Coordinator) run(ctx context.Context, sessionID, subject string, audio []byte, events chan<- Event) {
	defer close(events)

	budgetCtx, cancel := context.WithTimeout(ctx, c.cfg.TotalBudget)
	defer cancel()

	emit := func(e Event) bool {
		select {
		case events <- e:
			return true
		case <-ctx.Done():
			return false
		}
	}

	started := time.Now()

	var transcript collab.Transcript
	err := c.callStage(budgetCtx, protocol.StageTranscription, func(stageCtx context.Context) error {
		var err error
		transcript, err = c.collabs.Transcriber.Transcribe(stageCtx, audio)
		return err
	})
	if err != nil {
		c.fail(ctx, events, sessionID, protocol.StageTranscription, err)
		return
	}
	if !emit(TranscriptEvent{Transcript: transcript.Text, Confidence: transcript.Confidence}) {
		return
	}

	if !emit(StageEvent{Stage: protocol.StageEvaluation}) {
		return
	}
	var evaluation collab.Evaluation
	err = c.callStage(budgetCtx, protocol.StageEvaluation, func(stageCtx context.Context) error {
		var err error
		evaluation, err = c.collabs.Evaluator.Evaluate(stageCtx, transcript.Text, subject)
		return err
	})
	if err != nil {
		c.fail(ctx, events, sessionID, protocol.StageEvaluation, err)
		return
	}

	if !emit(StageEvent{Stage: protocol.StageSynthesis}) {
		return
	}
	var ttsRef string
	err = c.callStage(budgetCtx, protocol.StageSynthesis, func(stageCtx context.Context) error {
		var err error
		ttsRef, err = c.collabs.Synthesizer.Synthesize(stageCtx, evaluation.FeedbackText)
		return err
	})
	if err != nil {
		c.fail(ctx, events, sessionID, protocol.StageSynthesis, err)
		return
	}

	c.logger.Info("pipeline complete",
		"session_id", sessionID,
		"duration", time.Since(started),
		"transcript_len", len(transcript.Text),
	)
	emit(ResultEvent{Result: Result{
		Transcript:   transcript.Text,
		Confidence:   transcript.Confidence,
		Evaluation:   evaluation,
		TTSReference: ttsRef,
	}})
}

// callStage runs one stage under its own timeout with at most one automatic
// retry for retryable collaborator errors.
func (c *Coordinator) callStage(ctx context.Context, stage string, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		stageCtx, cancel := context.WithTimeout(ctx, c.cfg.StageTimeout)
		start := time.Now()
		err := fn(stageCtx)
		timedOut := stageCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		cancel()
		if c.metrics != nil {
			c.metrics.ObserveStage(stage, time.Since(start))
		}
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if timedOut {
			return stageTimeoutError{stage: stage}
		}
		if attempt == 0 && collab.IsRetryable(err) {
			if c.metrics != nil {
				c.metrics.PipelineRetries.WithLabelValues(stage).Inc()
			}
			c.logger.Warn("stage failed, retrying once", "stage", stage, "err", err)
			delay := reliability.ExponentialBackoff(attempt, c.cfg.RetryBase, c.cfg.RetryCap)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return err
	}
}

// fail classifies a stage error and emits the terminal failure event.
// Partial results from earlier stages are discarded, never reported.
func (c *Coordinator) fail(ctx context.Context, events chan<- Event, sessionID, stage string, err error) {
	c.logger.Error("pipeline stage failed", "session_id", sessionID, "stage", stage, "err", err)

	evt := FailureEvent{Code: protocol.CodeProcessingFailed, Message: stage + " failed"}
	var timeout stageTimeoutError
	switch {
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		evt.Code = protocol.CodePipelineTimeout
		evt.Message = "processing exceeded its time budget"
	case errors.Is(err, context.Canceled):
		// Session went away; nobody is listening for this event.
		return
	case collab.IsRetryable(err):
		evt.Retryable = true
		evt.Message = stage + " temporarily unavailable"
	}

	select {
	case events <- evt:
	case <-ctx.Done():
	}
}
