package protocol

import (
	"encoding/base64"
	"errors"
	"testing"
)

func TestParseStart(t *testing.T) {
	raw := []byte(`{"type":"start","config":{"subject":"Travel","speak_time":60,"type":"SUBJECT_SPEAK"}}`)
	parsed, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	msg, ok := parsed.(Start)
	if !ok {
		t.Fatalf("parsed type = %T, want Start", parsed)
	}
	if msg.Config.Subject != "Travel" || msg.Config.SpeakTime != 60 {
		t.Fatalf("unexpected config: %+v", msg.Config)
	}
}

func TestParseStartWithoutConfig(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"start"}`)); err == nil {
		t.Fatalf("expected error for start without config")
	}
}

func TestParseAudioDecodesPayload(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("pcm-bytes"))
	raw := []byte(`{"type":"audio","sequence":3,"payload_b64":"` + payload + `"}`)
	parsed, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	msg := parsed.(Audio)
	if msg.Sequence != 3 {
		t.Fatalf("Sequence = %d, want 3", msg.Sequence)
	}
	if string(msg.Payload) != "pcm-bytes" {
		t.Fatalf("Payload = %q, want %q", msg.Payload, "pcm-bytes")
	}
}

func TestParseAudioRejectsBadFrames(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"missing sequence", `{"type":"audio","payload_b64":"cGNt"}`},
		{"missing payload", `{"type":"audio","sequence":1}`},
		{"bad base64", `{"type":"audio","sequence":1,"payload_b64":"%%%"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseClientMessage([]byte(tc.raw)); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}
}

func TestParseStopAndPing(t *testing.T) {
	parsed, err := ParseClientMessage([]byte(`{"type":"stop"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage(stop) error = %v", err)
	}
	if _, ok := parsed.(Stop); !ok {
		t.Fatalf("parsed type = %T, want Stop", parsed)
	}

	parsed, err = ParseClientMessage([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage(ping) error = %v", err)
	}
	if _, ok := parsed.(Ping); !ok {
		t.Fatalf("parsed type = %T, want Ping", parsed)
	}
}

func TestParseUnknownTypeRejected(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"restart"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseIgnoresUnknownFields(t *testing.T) {
	raw := []byte(`{"type":"stop","future_field":true,"another":"x"}`)
	if _, err := ParseClientMessage(raw); err != nil {
		t.Fatalf("unknown fields should be ignored, got error %v", err)
	}
}

func TestParseInvalidJSON(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":`)); err == nil {
		t.Fatalf("expected error for truncated JSON")
	}
}

func TestMessageTypeOf(t *testing.T) {
	if mt, ok := MessageTypeOf(Ack{Type: TypeAck}); !ok || mt != TypeAck {
		t.Fatalf("MessageTypeOf(Ack) = %q, %v", mt, ok)
	}
	if _, ok := MessageTypeOf(struct{}{}); ok {
		t.Fatalf("MessageTypeOf should not recognize arbitrary values")
	}
}
