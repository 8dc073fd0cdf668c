// Package frontend is the local command surface: an HTTP API for choosing a
// session role and a WebSocket bridge that carries the player's requests in
// and session events out.
package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/netplay/internal/config"
	"github.com/cory-johannsen/netplay/internal/protocol"
	"github.com/cory-johannsen/netplay/internal/session"
)

// Sessions is the part of session.Coordinator the command surface drives.
type Sessions interface {
	Host(ctx context.Context, port int) (session.NetworkInfo, error)
	Join(ctx context.Context, hostAddr string) (session.NetworkInfo, error)
	Leave() error
	Info(ctx context.Context) (session.NetworkInfo, error)
	Submit(ctx context.Context, req protocol.ClientRequest) error
	Subscribe(buffer int) (<-chan protocol.ServerEvent, func())
}

// submitTimeout bounds how long a request may wait for a busy session.
const submitTimeout = time.Second

// Server serves the command surface until Stop is called.
type Server struct {
	cfg        config.FrontendConfig
	sessionCfg config.SessionConfig
	sessions   Sessions
	metrics    http.Handler
	logger     *zap.Logger

	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup
	quit       chan struct{}
	mu         sync.Mutex
	running    bool
}

// NewServer creates a command surface.
//
// Precondition: sessions and logger must be non-nil. metrics may be nil, in
// which case /metrics is not served.
func NewServer(cfg config.FrontendConfig, sessionCfg config.SessionConfig, sessions Sessions, metrics http.Handler, logger *zap.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		sessionCfg: sessionCfg,
		sessions:   sessions,
		metrics:    metrics,
		logger:     logger,
		quit:       make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /session/host", s.handleHost)
	mux.HandleFunc("POST /session/join", s.handleJoin)
	mux.HandleFunc("POST /session/leave", s.handleLeave)
	mux.HandleFunc("GET /session/info", s.handleInfo)
	mux.HandleFunc("POST /session/request", s.handleRequest)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// ListenAndServe listens on the configured address and serves until Stop.
//
// Precondition: The server must not already be running.
// Postcondition: The listener is closed when this method returns.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	s.mu.Lock()
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	s.logger.Info("command surface listening", zap.String("addr", listener.Addr().String()))
	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

// Stop shuts the HTTP server down and closes every WebSocket bridge.
//
// Postcondition: All bridge goroutines have exited.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.quit)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}
	s.wg.Wait()
	s.logger.Info("command surface stopped")
}

// beginBridge reserves the two pump goroutines of a new bridge. It fails
// once Stop has begun, so no bridge is added while Stop waits.
func (s *Server) beginBridge() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.quit:
		return false
	default:
	}
	s.wg.Add(2)
	return true
}

// Addr returns the listening address, or "" before ListenAndServe.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

type hostBody struct {
	Port *int `json:"port,omitempty"`
}

type joinBody struct {
	HostAddr string `json:"host_addr"`
}

func (s *Server) handleHost(w http.ResponseWriter, r *http.Request) {
	var body hostBody
	if !decodeOptional(w, r, &body) {
		return
	}
	port := s.sessionCfg.Port
	if body.Port != nil {
		port = *body.Port
	}
	if port < 0 || port > 65535 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("port %d out of range", port))
		return
	}
	info, err := s.sessions.Host(r.Context(), port)
	if err != nil {
		s.logger.Warn("host request failed", zap.Int("port", port), zap.Error(err))
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var body joinBody
	if !decodeOptional(w, r, &body) {
		return
	}
	addr := body.HostAddr
	if addr == "" {
		addr = s.sessionCfg.HostAddr
	}
	if addr == "" {
		writeError(w, http.StatusBadRequest, errors.New("host_addr is required"))
		return
	}
	info, err := s.sessions.Join(r.Context(), addr)
	if err != nil {
		s.logger.Warn("join request failed", zap.String("host_addr", addr), zap.Error(err))
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleLeave(w http.ResponseWriter, _ *http.Request) {
	if err := s.sessions.Leave(); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.sessions.Info(r.Context())
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var req protocol.ClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), submitTimeout)
	defer cancel()
	if err := s.sessions.Submit(ctx, req); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// decodeOptional decodes a JSON body if one was sent.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding body: %w", err))
		return false
	}
	return true
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNoSession):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
