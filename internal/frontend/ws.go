package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/netplay/internal/protocol"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 << 10
	eventBuffer    = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the command surface binds to loopback by default
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS bridges one browser or tool to the session layer: text frames in
// are ClientRequests, text frames out are ServerEvents.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.beginBridge() {
		writeError(w, http.StatusServiceUnavailable, errors.New("command surface stopping"))
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.wg.Add(-2)
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	events, unsubscribe := s.sessions.Subscribe(eventBuffer)
	remote := r.RemoteAddr
	s.logger.Info("bridge connected", zap.String("remote_addr", remote))

	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		s.readPump(ws, remote)
	}()
	go func() {
		defer s.wg.Done()
		s.writePump(ws, events)
		s.logger.Info("bridge disconnected", zap.String("remote_addr", remote))
	}()
}

// readPump submits every valid request until the connection fails.
func (s *Server) readPump(ws *websocket.Conn, remote string) {
	defer ws.Close()
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var req protocol.ClientRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			s.logger.Debug("bridge sent invalid json", zap.String("remote_addr", remote), zap.Error(err))
			continue
		}
		if err := req.Validate(); err != nil {
			s.logger.Debug("bridge sent invalid request", zap.String("remote_addr", remote), zap.Error(err))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
		err = s.sessions.Submit(ctx, req)
		cancel()
		if err != nil {
			s.logger.Debug("bridge request not submitted",
				zap.String("remote_addr", remote),
				zap.String("request", string(req.Type)),
				zap.Error(err),
			)
		}
	}
}

// writePump forwards events until the subscription closes or the server stops.
func (s *Server) writePump(ws *websocket.Conn, events <-chan protocol.ServerEvent) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer ws.Close()

	for {
		select {
		case <-s.quit:
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"),
				time.Now().Add(writeWait))
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
