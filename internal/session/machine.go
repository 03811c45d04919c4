package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/oratora/speakd/internal/assembler"
	"github.com/oratora/speakd/internal/observability"
	"github.com/oratora/speakd/internal/pipeline"
	"github.com/oratora/speakd/internal/policy"
	"github.com/oratora/speakd/internal/protocol"
	"github.com/oratora/speakd/internal/registry"
	"github.com/oratora/speakd/internal/store"
)

const persistTimeout = 5 * time.Second

// Machine drives one session over one connection. All session mutation
// happens inside Run's single goroutine: inbound frames, the deadline
// timer, pipeline events, and forced shutdown are all serialized through
// one select loop.
type Machine struct {
	limits      Limits
	coordinator *pipeline.Coordinator
	resources   store.ResourceStore
	reg         *registry.Registry
	metrics     *observability.Metrics
	logger      *log.Logger
	closeFn     func(reason string)

	sess       *Session
	asm        *assembler.Assembler
	violations int
	outSeq     uint64
	registered bool

	ctx      context.Context
	outbound chan<- any

	timer      *time.Timer
	deadlineC  <-chan time.Time
	pipeEvents <-chan pipeline.Event
	pipeCancel context.CancelFunc
}

// Run processes events until the session reaches a terminal state or the
// connection goes away. It owns outbound and closes it on return so the
// connection writer can drain every frame, terminal ones included.
func (m *Machine) Run(ctx context.Context, inbound <-chan any, outbound chan<- any, shutdown <-chan string) error {
	m.ctx = ctx
	m.outbound = outbound
	defer close(outbound)
	defer m.teardown()

	for {
		select {
		case <-ctx.Done():
			m.close("connection_lost")
			return nil
		case reason := <-shutdown:
			m.forcedClose(reason)
			return nil
		case msg, ok := <-inbound:
			if !ok {
				m.close("client_disconnected")
				return nil
			}
			if done := m.handleClient(msg); done {
				return nil
			}
		case <-m.deadlineC:
			m.onDeadline()
		case evt, ok := <-m.pipeEvents:
			if !ok {
				m.pipeEvents = nil
				continue
			}
			if done := m.handlePipelineEvent(evt); done {
				return nil
			}
		}
	}
}

func (m *Machine) handleClient(msg any) bool {
	switch msg := msg.(type) {
	case protocol.Start:
		return m.handleStart(msg.Config)
	case protocol.Audio:
		return m.handleAudio(msg.Sequence, msg.Payload)
	case protocol.Stop:
		return m.handleStop()
	case protocol.Ping:
		m.send(protocol.Pong{Type: protocol.TypePong, Seq: m.nextSeq(), SessionID: m.sessionID()})
		return false
	case protocol.Invalid:
		return m.violation(protocol.CodeMalformedMessage, msg.Detail)
	default:
		return m.violation(protocol.CodeMalformedMessage, "unrecognized message")
	}
}

// handleStart validates config, resolves the recording deadline, and moves
// awaiting_start -> recording.
func (m *Machine) handleStart(cfg protocol.SessionConfig) bool {
	if m.sess.State != StateAwaitingStart {
		return m.violation(protocol.CodeIllegalState, "session already started")
	}

	subject := strings.TrimSpace(cfg.Subject)
	switch {
	case subject == "":
		return m.violation(protocol.CodeInvalidConfig, "subject must not be empty")
	case len(subject) > m.limits.MaxSubjectLen:
		return m.violation(protocol.CodeInvalidConfig, "subject too long")
	case cfg.SpeakTime <= 0:
		return m.violation(protocol.CodeInvalidConfig, "speak_time must be positive")
	}

	// The client's requested duration never extends past the server ceiling.
	resolved := time.Duration(cfg.SpeakTime) * time.Second
	if resolved > m.limits.MaxDuration {
		resolved = m.limits.MaxDuration
	}

	cfg.Subject = subject
	now := time.Now().UTC()
	m.sess.ID = uuid.NewString()
	m.sess.Config = cfg
	m.sess.MaxDuration = resolved
	m.sess.StartedAt = now
	m.sess.DeadlineAt = now.Add(resolved)

	if err := m.reg.Register(registry.Handle{
		SessionID: m.sess.ID,
		OwnerID:   m.sess.OwnerID,
		Close:     m.closeFn,
	}); err != nil {
		code := protocol.CodeServiceUnavailable
		if errors.Is(err, registry.ErrDraining) {
			code = protocol.CodeServerShutdown
		}
		m.sendError(code, "cannot accept new sessions", false)
		m.logger.Warn("session start rejected", "owner_id", m.sess.OwnerID, "err", err)
		// Session stays in awaiting_start; not a client fault.
		m.sess.ID = ""
		return false
	}
	m.registered = true
	m.metrics.SessionEvents.WithLabelValues("started").Inc()
	m.metrics.ActiveSessions.Set(float64(m.reg.ActiveCount()))

	maxBytes := int(resolved.Seconds() * float64(m.limits.AudioBytesPerSecond))
	m.asm = assembler.New(maxBytes)
	m.timer = time.NewTimer(resolved)
	m.deadlineC = m.timer.C
	m.sess.State = StateRecording
	m.violations = 0

	m.logger.Info("session started",
		"session_id", m.sess.ID,
		"owner_id", m.sess.OwnerID,
		"subject", subject,
		"max_duration", resolved,
	)
	m.send(protocol.Ack{
		Type:        protocol.TypeAck,
		Seq:         m.nextSeq(),
		SessionID:   m.sess.ID,
		MaxDuration: int(resolved / time.Second),
	})
	return false
}

func (m *Machine) handleAudio(seq uint64, payload []byte) bool {
	if m.sess.State != StateRecording {
		return m.violation(protocol.CodeIllegalState, "audio is only accepted while recording")
	}

	err := m.asm.Append(seq, payload)
	switch {
	case err == nil:
		m.violations = 0
		return false
	case errors.Is(err, assembler.ErrStaleSequence):
		return m.violation(protocol.CodeSequenceError, "stale or duplicate sequence")
	case errors.Is(err, assembler.ErrSequenceGap):
		// A gap means lost audio; evaluation needs the complete stream,
		// so the session is aborted rather than stalled or patched.
		m.sendError(protocol.CodeSequenceGap, "audio sequence gap detected", false)
		m.metrics.SessionEvents.WithLabelValues("sequence_gap").Inc()
		m.close("sequence_gap")
		return true
	case errors.Is(err, assembler.ErrPayloadTooLarge):
		m.sendError(protocol.CodePayloadTooLarge, "audio exceeds the session limit", false)
		m.metrics.SessionEvents.WithLabelValues("payload_too_large").Inc()
		m.beginProcessing()
		return false
	default:
		return m.violation(protocol.CodeMalformedMessage, "fragment rejected")
	}
}

func (m *Machine) handleStop() bool {
	if m.sess.State != StateRecording {
		return m.violation(protocol.CodeIllegalState, "nothing to stop")
	}
	m.beginProcessing()
	return false
}

// onDeadline fires when max_duration elapses; recording is never allowed
// past the deadline regardless of client behavior.
func (m *Machine) onDeadline() {
	if m.sess.State != StateRecording {
		return
	}
	m.logger.Info("recording deadline reached", "session_id", m.sess.ID)
	m.metrics.SessionEvents.WithLabelValues("deadline").Inc()
	m.beginProcessing()
}

func (m *Machine) beginProcessing() {
	m.stopTimer()
	audio := m.asm.Finalize()
	m.sess.State = StateProcessing
	m.violations = 0

	m.send(protocol.Processing{
		Type:      protocol.TypeProcessing,
		Seq:       m.nextSeq(),
		SessionID: m.sess.ID,
		Stage:     protocol.StageTranscription,
	})

	pipeCtx, cancel := context.WithCancel(m.ctx)
	m.pipeCancel = cancel
	m.pipeEvents = m.coordinator.Run(pipeCtx, m.sess.ID, m.sess.Config.Subject, audio)
	m.logger.Info("processing started",
		"session_id", m.sess.ID,
		"audio_bytes", len(audio),
		"fragments", m.asm.Fragments(),
	)
}

func (m *Machine) handlePipelineEvent(evt pipeline.Event) bool {
	switch evt := evt.(type) {
	case pipeline.TranscriptEvent:
		m.sess.Transcript = evt.Transcript
		redacted, _ := policy.RedactTranscript(evt.Transcript)
		m.logger.Debug("interim transcript",
			"session_id", m.sess.ID,
			"confidence", evt.Confidence,
			"transcript", redacted,
		)
		m.send(protocol.Interim{
			Type:       protocol.TypeInterim,
			Seq:        m.nextSeq(),
			SessionID:  m.sess.ID,
			Transcript: evt.Transcript,
			Confidence: evt.Confidence,
		})
		return false
	case pipeline.StageEvent:
		m.send(protocol.Processing{
			Type:      protocol.TypeProcessing,
			Seq:       m.nextSeq(),
			SessionID: m.sess.ID,
			Stage:     evt.Stage,
		})
		return false
	case pipeline.ResultEvent:
		return m.completeSession(evt.Result)
	case pipeline.FailureEvent:
		m.sess.State = StateFailed
		m.metrics.SessionEvents.WithLabelValues("failed").Inc()
		m.sendError(evt.Code, evt.Message, evt.Retryable)
		m.logger.Warn("session failed", "session_id", m.sess.ID, "code", evt.Code)
		return true
	default:
		return false
	}
}

// completeSession is the only place a result is ever set: exactly once,
// on the processing -> completed transition.
func (m *Machine) completeSession(res pipeline.Result) bool {
	m.sess.Result = &res
	m.sess.Transcript = res.Transcript
	m.sess.State = StateCompleted
	m.metrics.SessionEvents.WithLabelValues("completed").Inc()

	// Persist on a fresh context: the client connection may die right
	// after the final frame, and the result should survive that.
	persistCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := m.resources.SaveResult(persistCtx, store.Result{
		SessionID:    m.sess.ID,
		OwnerID:      m.sess.OwnerID,
		Subject:      m.sess.Config.Subject,
		SessionType:  m.sess.Config.Type,
		Transcript:   res.Transcript,
		Evaluation:   res.Evaluation.Items,
		Summary:      res.Evaluation.Summary,
		TTSReference: res.TTSReference,
	})
	if err != nil {
		m.logger.Error("result persistence failed", "session_id", m.sess.ID, "err", err)
	}

	m.send(protocol.Final{
		Type:             protocol.TypeFinal,
		Seq:              m.nextSeq(),
		SessionID:        m.sess.ID,
		Transcript:       res.Transcript,
		EvaluationResult: res.Evaluation.Items,
		Summary:          res.Evaluation.Summary,
		TTSReference:     res.TTSReference,
	})
	m.logger.Info("session completed", "session_id", m.sess.ID, "tts_reference", res.TTSReference)
	return true
}

// violation reports a protocol error without mutating session state. The
// connection survives until the consecutive-violation limit is exceeded.
func (m *Machine) violation(code protocol.ErrorCode, detail string) bool {
	m.sendError(code, detail, false)
	m.violations++
	if m.violations >= m.limits.ViolationLimit {
		m.logger.Warn("closing connection after repeated violations",
			"session_id", m.sess.ID,
			"violations", m.violations,
		)
		m.metrics.SessionEvents.WithLabelValues("violation_limit").Inc()
		m.close("protocol_violations")
		return true
	}
	return false
}

func (m *Machine) forcedClose(reason string) {
	code := protocol.CodeServerShutdown
	if reason != "server-shutdown" {
		code = protocol.CodeServiceUnavailable
	}
	m.sendError(code, "session closed: "+reason, true)
	m.close(reason)
}

// close transitions to closed (unless already terminal), cancels timers and
// in-flight pipeline work, and forgets the session in the registry.
func (m *Machine) close(reason string) {
	m.stopTimer()
	if m.pipeCancel != nil {
		m.pipeCancel()
		m.pipeCancel = nil
	}
	switch m.sess.State {
	case StateCompleted, StateFailed, StateClosed:
	default:
		m.sess.State = StateClosed
		m.metrics.SessionEvents.WithLabelValues("closed").Inc()
		m.logger.Info("session closed", "session_id", m.sess.ID, "reason", reason)
	}
}

func (m *Machine) teardown() {
	m.stopTimer()
	if m.pipeCancel != nil {
		m.pipeCancel()
	}
	if m.registered {
		m.reg.Unregister(m.sess.ID)
		m.registered = false
		m.metrics.ActiveSessions.Set(float64(m.reg.ActiveCount()))
	}
}

func (m *Machine) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
		m.deadlineC = nil
	}
}

func (m *Machine) sendError(code protocol.ErrorCode, message string, retryable bool) {
	m.metrics.ProtocolErrors.WithLabelValues(string(code)).Inc()
	m.send(protocol.ErrorFrame{
		Type:      protocol.TypeError,
		Seq:       m.nextSeq(),
		SessionID: m.sessionID(),
		Code:      code,
		Message:   message,
		Retryable: retryable,
	})
}

// send delivers one outbound frame, bailing out if the connection is gone.
// Frames are emitted in event-processing order and stamped with the
// session's monotonic counter so clients can detect reordering.
func (m *Machine) send(msg any) {
	select {
	case m.outbound <- msg:
	case <-m.ctx.Done():
	}
}

func (m *Machine) nextSeq() uint64 {
	m.outSeq++
	return m.outSeq
}

func (m *Machine) sessionID() string {
	return m.sess.ID
}
