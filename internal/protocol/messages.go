package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// Client to server.
	TypeStart MessageType = "start"
	TypeAudio MessageType = "audio"
	TypeStop  MessageType = "stop"
	TypePing  MessageType = "ping"

	// Server to client.
	TypeAck        MessageType = "ack"
	TypeInterim    MessageType = "interim"
	TypeProcessing MessageType = "processing"
	TypeFinal      MessageType = "final"
	TypeError      MessageType = "error"
	TypePong       MessageType = "pong"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// SessionConfig is supplied by the client on start and immutable afterwards.
type SessionConfig struct {
	Subject   string `json:"subject"`
	SpeakTime int    `json:"speak_time"`
	Type      string `json:"type,omitempty"`
}

type Start struct {
	Type   MessageType   `json:"type"`
	Config SessionConfig `json:"config"`
}

// Audio carries one base64-encoded fragment tagged with a sequence number.
// Payload holds the decoded bytes after ParseClientMessage succeeds.
type Audio struct {
	Type       MessageType `json:"type"`
	Sequence   uint64      `json:"sequence"`
	PayloadB64 string      `json:"payload_b64"`
	Payload    []byte      `json:"-"`
}

type Stop struct {
	Type MessageType `json:"type"`
}

type Ping struct {
	Type MessageType `json:"type"`
}

// Invalid is produced by the read loop for frames that fail decoding. It
// never mutates session state; the runner answers it with a malformed_message
// error frame and counts it as a protocol violation.
type Invalid struct {
	Detail string
}

type Ack struct {
	Type        MessageType `json:"type"`
	Seq         uint64      `json:"seq"`
	SessionID   string      `json:"session_id"`
	MaxDuration int         `json:"max_duration"`
}

type Interim struct {
	Type       MessageType `json:"type"`
	Seq        uint64      `json:"seq"`
	SessionID  string      `json:"session_id"`
	Transcript string      `json:"transcript"`
	Confidence float64     `json:"confidence,omitempty"`
}

type Processing struct {
	Type      MessageType `json:"type"`
	Seq       uint64      `json:"seq"`
	SessionID string      `json:"session_id"`
	Stage     string      `json:"stage"`
}

// EvaluationItem is one piece of structured feedback in a final result.
type EvaluationItem struct {
	Criteria          string   `json:"criteria"`
	ReferenceSentence string   `json:"reference_sentence,omitempty"`
	Suggestion        string   `json:"suggestion"`
	Examples          []string `json:"examples,omitempty"`
}

type Final struct {
	Type             MessageType      `json:"type"`
	Seq              uint64           `json:"seq"`
	SessionID        string           `json:"session_id"`
	Transcript       string           `json:"transcript"`
	EvaluationResult []EvaluationItem `json:"evaluation_result"`
	Summary          string           `json:"summary,omitempty"`
	TTSReference     string           `json:"tts_reference"`
}

type ErrorFrame struct {
	Type      MessageType `json:"type"`
	Seq       uint64      `json:"seq"`
	SessionID string      `json:"session_id,omitempty"`
	Code      ErrorCode   `json:"code"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable,omitempty"`
}

type Pong struct {
	Type      MessageType `json:"type"`
	Seq       uint64      `json:"seq"`
	SessionID string      `json:"session_id,omitempty"`
}

// ParseClientMessage decodes one inbound frame into its typed variant.
// Unknown fields are ignored for forward compatibility; unknown types and
// shape violations are rejected before they can reach the state machine.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeStart:
		var msg Start
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Config == (SessionConfig{}) {
			return nil, errors.New("start requires a config object")
		}
		return msg, nil
	case TypeAudio:
		var msg Audio
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Sequence == 0 {
			return nil, errors.New("audio requires a positive sequence")
		}
		if strings.TrimSpace(msg.PayloadB64) == "" {
			return nil, errors.New("audio requires payload_b64")
		}
		payload, err := base64.StdEncoding.DecodeString(msg.PayloadB64)
		if err != nil {
			return nil, fmt.Errorf("payload_b64 is not valid base64: %w", err)
		}
		msg.Payload = payload
		return msg, nil
	case TypeStop:
		var msg Stop
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypePing:
		var msg Ping
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
}

// MessageTypeOf reports the wire type of a typed message, for metrics labels.
func MessageTypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case Start:
		return m.Type, true
	case Audio:
		return m.Type, true
	case Stop:
		return m.Type, true
	case Ping:
		return m.Type, true
	case Ack:
		return m.Type, true
	case Interim:
		return m.Type, true
	case Processing:
		return m.Type, true
	case Final:
		return m.Type, true
	case ErrorFrame:
		return m.Type, true
	case Pong:
		return m.Type, true
	default:
		return "", false
	}
}
