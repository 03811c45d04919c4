package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/oratora/speakd/internal/auth"
	"github.com/oratora/speakd/internal/collab"
	"github.com/oratora/speakd/internal/config"
	"github.com/oratora/speakd/internal/observability"
	"github.com/oratora/speakd/internal/pipeline"
	"github.com/oratora/speakd/internal/registry"
	"github.com/oratora/speakd/internal/session"
	"github.com/oratora/speakd/internal/store"
)

func newTestServer(t *testing.T, tokens string) (*httptest.Server, *registry.Registry) {
	t.Helper()
	metrics := observability.NewMetrics("test")
	logger := log.New(io.Discard)
	coordinator := pipeline.New(collab.MockSet(), pipeline.Config{
		TotalBudget:  2 * time.Second,
		StageTimeout: time.Second,
		RetryBase:    5 * time.Millisecond,
		RetryCap:     10 * time.Millisecond,
	}, metrics, logger)
	reg := registry.New(4)
	factory := session.NewFactory(session.Limits{}, coordinator, store.NewInMemoryStore(), reg, metrics, logger)
	verifier, err := auth.NewVerifier(tokens)
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}

	runners := func(ownerID string, closeFn func(reason string)) SessionRunner {
		return factory.NewRunner(ownerID, closeFn)
	}
	s := New(config.Config{AllowAnyOrigin: true}, runners, reg, verifier, metrics, logger)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv, reg
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dialWS(t *testing.T, rawURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(rawURL, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", rawURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return frame
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv, reg := newTestServer(t, "")

	res, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", res.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if body["status"] != "ok" || body["draining"] != false {
		t.Fatalf("unexpected healthz body: %v", body)
	}

	reg.CloseAll("server-shutdown")
	res2, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	defer res2.Body.Close()
	if res2.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz while draining status = %d, want 503", res2.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "")
	res, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", res.StatusCode)
	}
}

func TestWSRejectsBadToken(t *testing.T) {
	srv, _ := newTestServer(t, "good-token:u1")
	conn := dialWS(t, wsURL(srv, "/v1/speak/ws?token=wrong"))

	frame := readFrame(t, conn)
	if frame["type"] != "error" || frame["code"] != "unauthorized" {
		t.Fatalf("expected unauthorized error frame, got %v", frame)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok || closeErr.Code != closeUnauthzCode {
		t.Fatalf("expected close %d, got %v", closeUnauthzCode, err)
	}
}

func TestWSFullSession(t *testing.T) {
	srv, _ := newTestServer(t, "good-token:u1")
	conn := dialWS(t, wsURL(srv, "/v1/speak/ws?token=good-token"))

	sendFrame(t, conn, map[string]any{
		"type": "start",
		"config": map[string]any{
			"subject":    "My last holiday",
			"speak_time": 60,
			"type":       "SUBJECT_SPEAK",
		},
	})
	ack := readFrame(t, conn)
	if ack["type"] != "ack" || ack["session_id"] == "" {
		t.Fatalf("expected ack, got %v", ack)
	}

	payload := base64.StdEncoding.EncodeToString([]byte("pcm-audio-bytes"))
	sendFrame(t, conn, map[string]any{"type": "audio", "sequence": 1, "payload_b64": payload})
	sendFrame(t, conn, map[string]any{"type": "audio", "sequence": 2, "payload_b64": payload})
	sendFrame(t, conn, map[string]any{"type": "stop"})

	var sawInterim, sawFinal bool
	for !sawFinal {
		frame := readFrame(t, conn)
		switch frame["type"] {
		case "interim":
			sawInterim = true
		case "final":
			sawFinal = true
			if frame["transcript"] == "" || frame["tts_reference"] == "" {
				t.Fatalf("incomplete final frame: %v", frame)
			}
		case "error":
			t.Fatalf("unexpected error frame: %v", frame)
		}
	}
	if !sawInterim {
		t.Fatalf("no interim transcript before final")
	}

	// After the terminal frame the server closes the connection cleanly.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if closeErr, ok := err.(*websocket.CloseError); !ok || closeErr.Code != websocket.CloseNormalClosure {
		t.Fatalf("expected normal closure, got %v", err)
	}
}

func TestWSMalformedFrameGetsErrorNotDisconnect(t *testing.T) {
	srv, _ := newTestServer(t, "")
	conn := dialWS(t, wsURL(srv, "/v1/speak/ws"))

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	frame := readFrame(t, conn)
	if frame["type"] != "error" || frame["code"] != "malformed_message" {
		t.Fatalf("expected malformed_message error, got %v", frame)
	}

	// The connection is still usable.
	sendFrame(t, conn, map[string]any{"type": "ping"})
	if frame := readFrame(t, conn); frame["type"] != "pong" {
		t.Fatalf("expected pong, got %v", frame)
	}
}

func TestWSAuthViaAuthorizationHeader(t *testing.T) {
	srv, _ := newTestServer(t, "good-token:u1")
	header := http.Header{"Authorization": []string{"Bearer good-token"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/v1/speak/ws"), header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	sendFrame(t, conn, map[string]any{"type": "ping"})
	if frame := readFrame(t, conn); frame["type"] != "pong" {
		t.Fatalf("expected pong, got %v", frame)
	}
}
