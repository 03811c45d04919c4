package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/oratora/speakd/internal/auth"
	"github.com/oratora/speakd/internal/config"
	"github.com/oratora/speakd/internal/observability"
	"github.com/oratora/speakd/internal/protocol"
	"github.com/oratora/speakd/internal/registry"
)

const (
	writeTimeout     = 10 * time.Second
	readIdleTimeout  = 5 * time.Minute
	maxFrameBytes    = 2 << 20
	closeUnauthzCode = 4001
)

// SessionRunner drives one connection's session until it reaches a
// terminal state. It owns outbound and closes it on return.
type SessionRunner interface {
	Run(ctx context.Context, inbound <-chan any, outbound chan<- any, shutdown <-chan string) error
}

// RunnerFunc builds the runner for one authenticated connection. closeFn
// is handed to the registry so the server can force the session shut.
type RunnerFunc func(ownerID string, closeFn func(reason string)) SessionRunner

type Server struct {
	cfg      config.Config
	runners  RunnerFunc
	reg      *registry.Registry
	verifier *auth.Verifier
	metrics  *observability.Metrics
	logger   *log.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, runners RunnerFunc, reg *registry.Registry, verifier *auth.Verifier, metrics *observability.Metrics, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		cfg:      cfg,
		runners:  runners,
		reg:      reg,
		verifier: verifier,
		metrics:  metrics,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections by default, so other
				// websites cannot drive a user's mic session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", s.metrics.Handler().ServeHTTP)
	r.Get("/v1/speak/ws", s.handleSpeakWS)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.reg.ActiveCount(),
		"draining":        s.reg.Draining(),
		"auth_enabled":    s.verifier.Enabled(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.reg.Draining() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "draining"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// handleSpeakWS upgrades the connection and wires the three goroutines of
// a connection: the runner owning session state, a writer that drains
// outbound until the runner closes it (so terminal frames are never lost),
// and this handler's read loop feeding inbound.
func (s *Server) handleSpeakWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ownerID, err := s.authenticate(r)
	if err != nil {
		// Authenticate after the upgrade so browser clients get a readable
		// error frame instead of an opaque handshake failure.
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = conn.WriteJSON(protocol.ErrorFrame{
			Type:    protocol.TypeError,
			Code:    protocol.CodeUnauthorized,
			Message: "missing or invalid bearer token",
		})
		msg := websocket.FormatCloseMessage(closeUnauthzCode, "unauthorized")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.metrics.ProtocolErrors.WithLabelValues(string(protocol.CodeUnauthorized)).Inc()
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Unblocks the read loop below when the runner or writer gives up.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	shutdownCh := make(chan string, 1)
	closeFn := func(reason string) {
		select {
		case shutdownCh <- reason:
		default:
		}
	}
	runner := s.runners(ownerID, closeFn)

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := runner.Run(ctx, inbound, outbound, shutdownCh); err != nil {
			s.logger.Warn("session runner stopped", "owner_id", ownerID, "err", err)
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range outbound {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				// Keep draining so the runner never blocks on outbound.
				continue
			}
			if t, ok := protocol.MessageTypeOf(msg); ok {
				s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
			}
		}
	}()

	// When the runner finishes on its own (completed, failed, or closed)
	// the writer drains the remaining frames, then the connection shuts
	// down cleanly.
	go func() {
		<-runDone
		<-writerDone
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		cancel()
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		if msgType != websocket.TextMessage {
			continue
		}

		// Parse failures are routed through inbound like any other frame so
		// the runner stays the only goroutine judging protocol behavior.
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			parsed = protocol.Invalid{Detail: err.Error()}
		} else if t, ok := protocol.MessageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}

		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	close(inbound)
	<-runDone
	<-writerDone
	cancel()
}

// authenticate resolves the connection owner from either the Authorization
// header or, for browser WebSocket clients that cannot set headers, a
// token query parameter.
func (s *Server) authenticate(r *http.Request) (string, error) {
	token := auth.BearerFromHeader(r.Header.Get("Authorization"))
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	return s.verifier.Verify(token)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
