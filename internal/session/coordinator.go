// Package session composes transport, routers, liveness tracking and the
// simulation into host or client sessions, and switches between them.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/netplay/internal/client"
	"github.com/cory-johannsen/netplay/internal/config"
	"github.com/cory-johannsen/netplay/internal/host"
	"github.com/cory-johannsen/netplay/internal/liveness"
	"github.com/cory-johannsen/netplay/internal/observability"
	"github.com/cory-johannsen/netplay/internal/protocol"
	"github.com/cory-johannsen/netplay/internal/simulation"
	"github.com/cory-johannsen/netplay/internal/transport"
)

// ErrNoSession is returned when an operation needs a live session and none is active.
var ErrNoSession = errors.New("no active session")

// Role is the part this node plays in the active session.
type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

// EngineFactory builds a fresh simulation for each host activation.
type EngineFactory func(cfg config.SimulationConfig, logger *zap.Logger) simulation.Engine

// LobbyEngine is the default EngineFactory.
func LobbyEngine(cfg config.SimulationConfig, logger *zap.Logger) simulation.Engine {
	return simulation.NewLobby(cfg, logger, nil)
}

// NetworkInfo describes the active session for the command surface.
type NetworkInfo struct {
	SessionID      string             `json:"session_id"`
	Role           Role               `json:"role"`
	IsHost         bool               `json:"is_host"`
	LocalAddr      string             `json:"local_addr"`
	HostAddr       string             `json:"host_addr"`
	ConnectedPeers []host.Peer        `json:"connected_peers"`
	ClientID       *protocol.ClientID `json:"client_id,omitempty"`
	Phase          string             `json:"phase,omitempty"`
	StartedAt      time.Time          `json:"started_at"`
}

// Coordinator owns at most one active session at a time.
type Coordinator struct {
	cfg       config.Config
	codec     protocol.Codec
	newEngine EngineFactory
	logger    *zap.Logger
	metrics   *observability.Metrics

	mu     sync.Mutex
	active *activeSession

	subMu   sync.Mutex
	subs    map[int]chan protocol.ServerEvent
	nextSub int
}

// activeSession holds everything one activation created. Nothing in it is reused.
type activeSession struct {
	id        string
	role      Role
	startedAt time.Time
	socket    *transport.Socket
	cancel    context.CancelFunc
	stopping  chan struct{}
	requests  chan protocol.ClientRequest
	events    chan protocol.ServerEvent
	hostR     *host.Router
	clientR   *client.Router
	tasks     []*task
	logger    *zap.Logger
}

type task struct {
	name string
	done chan struct{}
}

// New creates a coordinator with no active session.
//
// Precondition: cfg must be valid; logger and metrics must be non-nil. A nil
// newEngine selects LobbyEngine.
// Postcondition: Returns an error only if the configured codec is unknown.
func New(cfg config.Config, newEngine EngineFactory, logger *zap.Logger, metrics *observability.Metrics) (*Coordinator, error) {
	codec, err := protocol.NewCodec(cfg.Codec.Format)
	if err != nil {
		return nil, fmt.Errorf("creating codec: %w", err)
	}
	if newEngine == nil {
		newEngine = LobbyEngine
	}
	return &Coordinator{
		cfg:       cfg,
		codec:     codec,
		newEngine: newEngine,
		logger:    logger,
		metrics:   metrics,
		subs:      make(map[int]chan protocol.ServerEvent),
	}, nil
}

// Host stops any active session and starts hosting on port.
//
// Postcondition: On success the returned info describes the new session; on
// bind failure no session is active and the error is returned.
func (c *Coordinator) Host(ctx context.Context, port int) (NetworkInfo, error) {
	c.mu.Lock()
	c.stopLocked()

	socket, err := transport.Host(c.cfg.Session.BindHost, port, c.cfg.Transport, c.logger, c.metrics)
	if err != nil {
		c.mu.Unlock()
		return NetworkInfo{}, fmt.Errorf("hosting session: %w", err)
	}
	s := c.newSession(RoleHost, socket)
	sctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	buf := c.cfg.Transport.InboundBuffer
	commands := make(chan protocol.Command, buf)
	engineEvents := make(chan protocol.ServerEvent, buf)
	live := make(chan liveness.Command, buf)
	died := make(chan protocol.ClientID, buf)

	s.hostR = host.NewRouter(c.codec, socket, host.NewSequence(1), s.logger.Named("host"), c.metrics)
	tracker := liveness.NewTracker(c.cfg.Liveness.Threshold, s.logger.Named("liveness"))
	engine := c.newEngine(c.cfg.Simulation, s.logger.Named("simulation"))

	s.spawn("transport", func() error { return socket.Run(sctx) })
	s.spawn("host_router", func() error {
		return s.hostR.Run(sctx, host.Channels{
			Inbound:     socket.Inbound(),
			Local:       s.requests,
			Events:      engineEvents,
			Commands:    commands,
			LocalEvents: s.events,
			Liveness:    live,
			Died:        died,
		})
	})
	s.spawn("liveness", func() error {
		ticker := time.NewTicker(c.cfg.Liveness.TickInterval)
		defer ticker.Stop()
		tracker.Run(sctx, live, ticker.C, died)
		return nil
	})
	s.spawn("simulation", func() error { return engine.Run(sctx, commands, engineEvents) })
	s.spawn("publisher", func() error { c.publishFrom(sctx, s.events); return nil })

	c.activate(s)
	c.mu.Unlock()
	return c.Info(ctx)
}

// Join stops any active session and joins the host at hostAddr ("host:port").
func (c *Coordinator) Join(ctx context.Context, hostAddr string) (NetworkInfo, error) {
	c.mu.Lock()
	c.stopLocked()

	socket, hostAP, err := transport.Join(hostAddr, c.cfg.Transport, c.logger, c.metrics)
	if err != nil {
		c.mu.Unlock()
		return NetworkInfo{}, fmt.Errorf("joining session: %w", err)
	}
	s := c.newSession(RoleClient, socket)
	sctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.clientR = client.NewRouter(c.codec, socket, hostAP, c.cfg.Client, s.logger.Named("client"), c.metrics)

	s.spawn("transport", func() error { return socket.Run(sctx) })
	s.spawn("client_router", func() error {
		return s.clientR.Run(sctx, client.Channels{
			Inbound:  socket.Inbound(),
			Requests: s.requests,
			Events:   s.events,
		})
	})
	s.spawn("publisher", func() error { c.publishFrom(sctx, s.events); return nil })

	c.activate(s)
	c.mu.Unlock()
	return c.Info(ctx)
}

// Leave stops the active session.
func (c *Coordinator) Leave() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ErrNoSession
	}
	c.stopLocked()
	return nil
}

// Close stops the active session, if any, and ends every subscription.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.stopLocked()
	c.mu.Unlock()

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}

// Requests returns the live session's outbound request channel.
func (c *Coordinator) Requests() (chan<- protocol.ClientRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil, ErrNoSession
	}
	return c.active.requests, nil
}

// Submit hands req to the live session. It fails with ErrNoSession if no
// session is active or the session stops before accepting req.
func (c *Coordinator) Submit(ctx context.Context, req protocol.ClientRequest) error {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return ErrNoSession
	}
	select {
	case s.requests <- req:
		return nil
	case <-s.stopping:
		return ErrNoSession
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns a channel of every event delivered to the local player,
// across sessions, until cancel is called. A slow subscriber loses events.
//
// Precondition: buffer >= 1.
func (c *Coordinator) Subscribe(buffer int) (<-chan protocol.ServerEvent, func()) {
	ch := make(chan protocol.ServerEvent, buffer)
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
}

// Info describes the active session.
func (c *Coordinator) Info(ctx context.Context) (NetworkInfo, error) {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return NetworkInfo{}, ErrNoSession
	}

	info := NetworkInfo{
		SessionID:      s.id,
		Role:           s.role,
		IsHost:         s.role == RoleHost,
		LocalAddr:      s.socket.LocalAddr().String(),
		ConnectedPeers: []host.Peer{},
		StartedAt:      s.startedAt,
	}
	switch s.role {
	case RoleHost:
		peers, err := s.hostR.Peers(ctx)
		if err != nil {
			return NetworkInfo{}, fmt.Errorf("reading peers: %w", err)
		}
		local := protocol.LocalClientID
		info.ConnectedPeers = peers
		info.HostAddr = info.LocalAddr
		info.ClientID = &local
	case RoleClient:
		st, err := s.clientR.Status(ctx)
		if err != nil {
			return NetworkInfo{}, fmt.Errorf("reading client status: %w", err)
		}
		info.HostAddr = st.HostAddr.String()
		info.ClientID = st.ClientID
		info.Phase = st.Phase
	}
	return info, nil
}

func (c *Coordinator) newSession(role Role, socket *transport.Socket) *activeSession {
	id := uuid.New().String()
	return &activeSession{
		id:        id,
		role:      role,
		startedAt: time.Now(),
		socket:    socket,
		stopping:  make(chan struct{}),
		requests:  make(chan protocol.ClientRequest, c.cfg.Transport.OutboundBuffer),
		events:    make(chan protocol.ServerEvent, c.cfg.Transport.InboundBuffer),
		logger:    c.logger.With(zap.String("session_id", id), zap.String("role", string(role))),
	}
}

func (c *Coordinator) activate(s *activeSession) {
	c.active = s
	c.metrics.Sessions.WithLabelValues(string(s.role)).Inc()
	s.logger.Info("session started", zap.Stringer("local_addr", s.socket.LocalAddr()))
}

// stopLocked ends the active session: a best-effort Leave for clients, then
// cooperative cancellation, then after the grace period the socket is
// closed under any task still running. Hard cancellation is lossy.
//
// Precondition: c.mu is held.
func (c *Coordinator) stopLocked() {
	s := c.active
	if s == nil {
		return
	}
	c.active = nil
	close(s.stopping)
	grace := c.cfg.Session.GracePeriod

	if s.clientR != nil {
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		if err := s.clientR.Leave(ctx); err != nil {
			s.logger.Debug("leave not sent", zap.Error(err))
		}
		cancel()
	}

	s.cancel()
	if pending := waitTasks(s.tasks, grace); len(pending) > 0 {
		s.logger.Warn("tasks still running after grace period, closing socket",
			zap.Strings("tasks", pending),
		)
		_ = s.socket.Close()
		if pending = waitTasks(s.tasks, grace); len(pending) > 0 {
			s.logger.Error("abandoning session tasks", zap.Strings("tasks", pending))
		}
	}
	s.logger.Info("session stopped", zap.Duration("uptime", time.Since(s.startedAt)))
}

func (s *activeSession) spawn(name string, fn func() error) {
	t := &task{name: name, done: make(chan struct{})}
	s.tasks = append(s.tasks, t)
	go func() {
		defer close(t.done)
		if err := fn(); err != nil {
			s.logger.Error("session task failed", zap.String("task", name), zap.Error(err))
		}
	}()
}

// waitTasks waits up to timeout and returns the names of tasks still running.
func waitTasks(tasks []*task, timeout time.Duration) []string {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for i, t := range tasks {
		select {
		case <-t.done:
		case <-deadline.C:
			var pending []string
			for _, rest := range tasks[i:] {
				select {
				case <-rest.done:
				default:
					pending = append(pending, rest.name)
				}
			}
			return pending
		}
	}
	return nil
}

// publishFrom fans one session's local events out to every subscriber.
func (c *Coordinator) publishFrom(ctx context.Context, events <-chan protocol.ServerEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			c.publish(ev)
		}
	}
}

func (c *Coordinator) publish(ev protocol.ServerEvent) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.metrics.Dropped(observability.DropLocalFull)
		}
	}
}

// LocalAddr returns the active session's socket address.
func (c *Coordinator) LocalAddr() (netip.AddrPort, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return netip.AddrPort{}, ErrNoSession
	}
	return c.active.socket.LocalAddr(), nil
}
