package session

import (
	"time"

	"github.com/oratora/speakd/internal/pipeline"
	"github.com/oratora/speakd/internal/protocol"
)

// State is the session lifecycle phase. Transitions only move forward;
// closed is reachable from any non-terminal state.
type State string

const (
	StateAwaitingStart State = "awaiting_start"
	StateRecording     State = "recording"
	StateProcessing    State = "processing"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateClosed        State = "closed"
)

// Session is one end-to-end speaking attempt. It is exclusively owned by
// the machine goroutine driving its connection; the registry only holds a
// routing handle.
type Session struct {
	ID          string
	OwnerID     string
	State       State
	Config      protocol.SessionConfig
	MaxDuration time.Duration
	StartedAt   time.Time
	DeadlineAt  time.Time
	Transcript  string
	Result      *pipeline.Result
}

// Limits are the server-enforced bounds, independent of client requests.
type Limits struct {
	// MaxDuration is the hard ceiling on recording time. Client-requested
	// durations above it are clamped, never honored.
	MaxDuration time.Duration
	// MaxSubjectLen bounds the config subject string.
	MaxSubjectLen int
	// AudioBytesPerSecond sizes the cumulative audio cap from the resolved
	// recording duration.
	AudioBytesPerSecond int
	// ViolationLimit is how many consecutive protocol violations are
	// tolerated before the connection is closed.
	ViolationLimit int
}

func (l Limits) withDefaults() Limits {
	if l.MaxDuration <= 0 {
		l.MaxDuration = 3 * time.Minute
	}
	if l.MaxSubjectLen <= 0 {
		l.MaxSubjectLen = 200
	}
	if l.AudioBytesPerSecond <= 0 {
		l.AudioBytesPerSecond = 32000
	}
	if l.ViolationLimit <= 0 {
		l.ViolationLimit = 5
	}
	return l
}
