// speakprobe replays a synthetic speaking session against a running
// speakd instance. It is a smoke and latency probe: it connects, streams
// generated audio fragments in order, and prints every server frame until
// the session reaches a terminal state, reconnecting with backoff when the
// connection drops before a session was acknowledged.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oratora/speakd/internal/reliability"
)

type options struct {
	baseURL       string
	token         string
	subject       string
	speakTime     int
	chunks        int
	chunkBytes    int
	chunkInterval time.Duration
	maxAttempts   int
	sessionBudget time.Duration
	verbose       bool
}

type probeState string

const (
	stateConnecting   probeState = "CONNECTING"
	stateRecording    probeState = "RECORDING"
	stateProcessing   probeState = "PROCESSING"
	stateReconnecting probeState = "RECONNECTING"
	stateDone         probeState = "DONE"
)

type clientFrame struct {
	Type     string        `json:"type"`
	Config   *sessionStart `json:"config,omitempty"`
	Sequence uint64        `json:"sequence,omitempty"`
	Payload  string        `json:"payload_b64,omitempty"`
}

type sessionStart struct {
	Subject   string `json:"subject"`
	SpeakTime int    `json:"speak_time"`
	Type      string `json:"type"`
}

type serverFrame struct {
	Type         string  `json:"type"`
	Seq          uint64  `json:"seq"`
	SessionID    string  `json:"session_id"`
	MaxDuration  int     `json:"max_duration"`
	Stage        string  `json:"stage"`
	Transcript   string  `json:"transcript"`
	Confidence   float64 `json:"confidence"`
	Summary      string  `json:"summary"`
	TTSReference string  `json:"tts_reference"`
	Code         string  `json:"code"`
	Message      string  `json:"message"`
	Retryable    bool    `json:"retryable"`
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "speakprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "speakprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var chunkIntervalMS int
	var budgetS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "speakd base URL")
	flag.StringVar(&cfg.token, "token", "", "bearer token (optional when auth is disabled)")
	flag.StringVar(&cfg.subject, "subject", "Describe your favorite city", "speaking subject")
	flag.IntVar(&cfg.speakTime, "speak-time", 30, "requested recording duration in seconds")
	flag.IntVar(&cfg.chunks, "chunks", 20, "number of audio fragments to stream")
	flag.IntVar(&cfg.chunkBytes, "chunk-bytes", 3200, "bytes per audio fragment")
	flag.IntVar(&chunkIntervalMS, "chunk-interval-ms", 100, "delay between fragments in milliseconds")
	flag.IntVar(&cfg.maxAttempts, "max-attempts", 4, "connection attempts before giving up")
	flag.IntVar(&budgetS, "session-budget-s", 90, "overall probe timeout in seconds")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print probe progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.speakTime <= 0 {
		return options{}, fmt.Errorf("speak-time must be > 0")
	}
	if cfg.chunks <= 0 || cfg.chunkBytes <= 0 {
		return options{}, fmt.Errorf("chunks and chunk-bytes must be > 0")
	}
	if cfg.maxAttempts <= 0 {
		return options{}, fmt.Errorf("max-attempts must be > 0")
	}
	cfg.chunkInterval = time.Duration(chunkIntervalMS) * time.Millisecond
	cfg.sessionBudget = time.Duration(budgetS) * time.Second
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.sessionBudget)
	defer cancel()

	wsURL, err := probeURL(cfg)
	if err != nil {
		return err
	}

	state := stateConnecting
	for attempt := 1; attempt <= cfg.maxAttempts; attempt++ {
		if state == stateReconnecting {
			delay := reliability.ExponentialBackoff(attempt-1, 250*time.Millisecond, 5*time.Second)
			if cfg.verbose {
				fmt.Printf("speakprobe: %s, retrying in %v (attempt %d/%d)\n", state, delay, attempt, cfg.maxAttempts)
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		final, err := runSession(ctx, cfg, wsURL, &state)
		if err == nil {
			state = stateDone
			if cfg.verbose {
				fmt.Printf("speakprobe: %s\n", state)
			}
			return reportFinal(final)
		}
		// Reconnecting only makes sense while no session was acknowledged:
		// once audio was streamed the server has per-session state a fresh
		// connection cannot resume.
		if state != stateConnecting || ctx.Err() != nil {
			return err
		}
		state = stateReconnecting
		if cfg.verbose {
			fmt.Printf("speakprobe: connection failed: %v\n", err)
		}
	}
	return fmt.Errorf("gave up after %d connection attempts", cfg.maxAttempts)
}

func runSession(ctx context.Context, cfg options, wsURL string, state *probeState) (serverFrame, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return serverFrame{}, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	startedAt := time.Now()
	if err := conn.WriteJSON(clientFrame{
		Type: "start",
		Config: &sessionStart{
			Subject:   cfg.subject,
			SpeakTime: cfg.speakTime,
			Type:      "SUBJECT_SPEAK",
		},
	}); err != nil {
		return serverFrame{}, fmt.Errorf("send start: %w", err)
	}

	ack, err := readServerFrame(ctx, conn)
	if err != nil {
		return serverFrame{}, fmt.Errorf("await ack: %w", err)
	}
	if ack.Type != "ack" {
		return serverFrame{}, fmt.Errorf("expected ack, got %s (%s: %s)", ack.Type, ack.Code, ack.Message)
	}
	*state = stateRecording
	if cfg.verbose {
		fmt.Printf("speakprobe: session=%s max_duration=%ds ack_latency=%v\n",
			ack.SessionID, ack.MaxDuration, time.Since(startedAt).Round(time.Millisecond))
	}

	for seq := uint64(1); seq <= uint64(cfg.chunks); seq++ {
		if err := conn.WriteJSON(clientFrame{
			Type:     "audio",
			Sequence: seq,
			Payload:  base64.StdEncoding.EncodeToString(syntheticAudio(cfg.chunkBytes)),
		}); err != nil {
			return serverFrame{}, fmt.Errorf("send audio %d: %w", seq, err)
		}
		if cfg.chunkInterval > 0 {
			select {
			case <-time.After(cfg.chunkInterval):
			case <-ctx.Done():
				return serverFrame{}, ctx.Err()
			}
		}
	}
	if err := conn.WriteJSON(clientFrame{Type: "stop"}); err != nil {
		return serverFrame{}, fmt.Errorf("send stop: %w", err)
	}
	*state = stateProcessing
	stoppedAt := time.Now()

	for {
		frame, err := readServerFrame(ctx, conn)
		if err != nil {
			return serverFrame{}, fmt.Errorf("await result: %w", err)
		}
		switch frame.Type {
		case "processing":
			if cfg.verbose {
				fmt.Printf("speakprobe: stage=%s elapsed=%v\n", frame.Stage, time.Since(stoppedAt).Round(time.Millisecond))
			}
		case "interim":
			if cfg.verbose {
				fmt.Printf("speakprobe: interim transcript (confidence %.2f): %s\n", frame.Confidence, frame.Transcript)
			}
		case "final":
			return frame, nil
		case "error":
			return frame, fmt.Errorf("session failed: %s (%s, retryable=%v)", frame.Message, frame.Code, frame.Retryable)
		}
	}
}

func readServerFrame(ctx context.Context, conn *websocket.Conn) (serverFrame, error) {
	deadline := time.Now().Add(30 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	var frame serverFrame
	_, data, err := conn.ReadMessage()
	if err != nil {
		return serverFrame{}, err
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return serverFrame{}, fmt.Errorf("malformed server frame: %w", err)
	}
	return frame, nil
}

func reportFinal(final serverFrame) error {
	fmt.Printf("transcript: %s\n", final.Transcript)
	if final.Summary != "" {
		fmt.Printf("summary: %s\n", final.Summary)
	}
	if final.TTSReference != "" {
		fmt.Printf("feedback audio: %s\n", final.TTSReference)
	}
	return nil
}

func probeURL(cfg options) (string, error) {
	u, err := url.Parse(cfg.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base-url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/v1/speak/ws"
	if cfg.token != "" {
		q := u.Query()
		q.Set("token", cfg.token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// syntheticAudio fills a fragment with deterministic-looking noise; the
// evaluation backends only care about byte volume, not signal content.
func syntheticAudio(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(rand.Intn(256))
	}
	return buf
}
