// Package client implements the joining side of a session: it discovers and
// pins the host address, relays local requests, sends heartbeats and passes
// validated host events to the local consumer.
package client

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/netplay/internal/config"
	"github.com/cory-johannsen/netplay/internal/observability"
	"github.com/cory-johannsen/netplay/internal/protocol"
	"github.com/cory-johannsen/netplay/internal/transport"
)

// ErrStopped is returned by Status and Leave once the router has exited.
var ErrStopped = errors.New("client router stopped")

// Sender writes one datagram. transport.Socket satisfies it.
type Sender interface {
	Send(addr netip.AddrPort, data []byte)
}

// Channels connect the router to the transport and the local consumer.
type Channels struct {
	// Inbound carries raw datagrams from the transport. Closing it ends Run.
	Inbound <-chan transport.Datagram
	// Requests carries locally originated requests.
	Requests <-chan protocol.ClientRequest
	// Events receives events from the confirmed host.
	Events chan<- protocol.ServerEvent
	// Ticks drives heartbeats. When nil, Run uses a ticker at the
	// configured heartbeat interval.
	Ticks <-chan time.Time
}

type phase int

const (
	// phaseSearching: no host candidate yet; traffic goes to the configured address.
	phaseSearching phase = iota
	// phaseTentative: a candidate answered but has not issued an identity.
	phaseTentative
	// phaseConfirmed: the host address and identity are fixed.
	phaseConfirmed
)

func (p phase) String() string {
	switch p {
	case phaseSearching:
		return "searching"
	case phaseTentative:
		return "tentative"
	case phaseConfirmed:
		return "confirmed"
	default:
		return "invalid"
	}
}

// Status is a point-in-time view of the handshake.
type Status struct {
	Phase     string             `json:"phase"`
	HostAddr  netip.AddrPort     `json:"host_addr"`
	Confirmed bool               `json:"confirmed"`
	ClientID  *protocol.ClientID `json:"client_id,omitempty"`
}

// Router is the client's network handler. Its state is owned by the
// goroutine running Run.
type Router struct {
	codec      protocol.Codec
	sender     Sender
	configured netip.AddrPort
	cfg        config.ClientConfig
	logger     *zap.Logger
	metrics    *observability.Metrics

	phase        phase
	host         netip.AddrPort
	id           *protocol.ClientID
	tentativeAge int
	lastTick     uint64
	haveSnapshot bool

	statusReqs chan chan Status
	leaveReqs  chan chan struct{}
	done       chan struct{}
}

// NewRouter creates a client router that first contacts hostAddr.
//
// Precondition: hostAddr must be valid; cfg.MaxTentativeAttempts >= 1.
func NewRouter(codec protocol.Codec, sender Sender, hostAddr netip.AddrPort, cfg config.ClientConfig, logger *zap.Logger, metrics *observability.Metrics) *Router {
	return &Router{
		codec:      codec,
		sender:     sender,
		configured: hostAddr,
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		phase:      phaseSearching,
		host:       hostAddr,
		statusReqs: make(chan chan Status),
		leaveReqs:  make(chan chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run routes traffic until ctx is done or Inbound is closed.
//
// Precondition: Run is called at most once; Inbound and Events must be non-nil.
func (r *Router) Run(ctx context.Context, ch Channels) error {
	defer close(r.done)

	ticks := ch.Ticks
	if ticks == nil {
		ticker := time.NewTicker(r.cfg.HeartbeatInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}
	requests := ch.Requests

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-ch.Inbound:
			if !ok {
				r.logger.Debug("inbound closed, client router exiting")
				return nil
			}
			r.handleDatagram(ch, d)
		case req, ok := <-requests:
			if !ok {
				requests = nil
				continue
			}
			r.handleRequest(req)
		case <-ticks:
			r.heartbeat()
		case reply := <-r.statusReqs:
			reply <- r.status()
		case reply := <-r.leaveReqs:
			if r.phase == phaseConfirmed {
				r.send(protocol.LeaveRequest())
			}
			close(reply)
		}
	}
}

// Status reports the handshake state as seen by the router goroutine.
func (r *Router) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	select {
	case r.statusReqs <- reply:
	case <-r.done:
		return Status{}, ErrStopped
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Leave queues an explicit Leave for the confirmed host. It returns once the
// datagram has been handed to the sender; delivery is not guaranteed.
func (r *Router) Leave(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case r.leaveReqs <- reply:
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) status() Status {
	s := Status{Phase: r.phase.String(), HostAddr: r.host, Confirmed: r.phase == phaseConfirmed}
	if r.id != nil {
		id := *r.id
		s.ClientID = &id
	}
	return s
}

func (r *Router) handleDatagram(ch Channels, d transport.Datagram) {
	if r.phase != phaseSearching && d.Addr != r.host {
		r.metrics.Dropped(observability.DropUnauthorized)
		r.logger.Debug("dropping datagram from non-host address",
			zap.Stringer("addr", d.Addr),
			zap.Stringer("host_addr", r.host),
			zap.Stringer("phase", r.phase),
		)
		return
	}
	ev, err := protocol.DecodeEvent(r.codec, d.Data)
	if err != nil {
		r.metrics.Dropped(observability.DropMalformed)
		r.logger.Debug("dropping undecodable datagram", zap.Stringer("addr", d.Addr), zap.Error(err))
		return
	}

	if r.phase == phaseSearching {
		r.phase = phaseTentative
		r.host = d.Addr
		r.tentativeAge = 0
		r.logger.Debug("tentative host", zap.Stringer("host_addr", d.Addr))
	}

	if r.phase == phaseTentative {
		r.handshake(ch, ev)
		return
	}

	switch ev.Type {
	case protocol.EventJoined:
		r.logger.Debug("ignoring repeated join acknowledgement")
	case protocol.EventWorldSnapshot:
		if r.haveSnapshot && ev.Snapshot.Tick <= r.lastTick {
			r.metrics.Dropped(observability.DropStale)
			r.logger.Debug("dropping stale snapshot",
				zap.Uint64("tick", ev.Snapshot.Tick),
				zap.Uint64("last_tick", r.lastTick),
			)
			return
		}
		r.haveSnapshot = true
		r.lastTick = ev.Snapshot.Tick
		r.deliver(ch, ev)
	default:
		r.deliver(ch, ev)
	}
}

// handshake processes an event from the tentative host.
func (r *Router) handshake(ch Channels, ev protocol.ServerEvent) {
	if ev.Type != protocol.EventJoined {
		r.metrics.Dropped(observability.DropUnauthorized)
		r.logger.Debug("dropping event before handshake", zap.String("event", string(ev.Type)))
		return
	}
	if ev.ClientID == nil {
		r.logger.Debug("join rejected, retrying", zap.Stringer("host_addr", r.host))
		r.send(protocol.JoinRequest())
		return
	}
	id := *ev.ClientID
	r.id = &id
	r.phase = phaseConfirmed
	r.logger.Info("joined session",
		zap.Uint32("client_id", uint32(id)),
		zap.Stringer("host_addr", r.host),
	)
	r.deliver(ch, ev)
}

func (r *Router) handleRequest(req protocol.ClientRequest) {
	if err := req.Validate(); err != nil {
		r.logger.Debug("dropping invalid local request", zap.Error(err))
		return
	}
	r.send(req)
}

func (r *Router) heartbeat() {
	switch r.phase {
	case phaseConfirmed:
		r.send(protocol.IdleRequest())
	case phaseTentative:
		r.tentativeAge++
		if r.tentativeAge > r.cfg.MaxTentativeAttempts {
			r.logger.Warn("tentative host never confirmed, falling back",
				zap.Stringer("tentative_addr", r.host),
				zap.Stringer("host_addr", r.configured),
			)
			r.phase = phaseSearching
			r.host = r.configured
		}
		r.send(protocol.JoinRequest())
	default:
		r.send(protocol.JoinRequest())
	}
}

// send addresses req to the current host with the identity known so far.
func (r *Router) send(req protocol.ClientRequest) {
	data, err := protocol.EncodeMessage(r.codec, protocol.NewClientMessage(r.id, req))
	if err != nil {
		r.logger.Error("encoding request", zap.String("request", string(req.Type)), zap.Error(err))
		return
	}
	r.sender.Send(r.host, data)
}

func (r *Router) deliver(ch Channels, ev protocol.ServerEvent) {
	select {
	case ch.Events <- ev:
	default:
		r.metrics.Dropped(observability.DropLocalFull)
		r.logger.Debug("event channel full, dropping event", zap.String("event", string(ev.Type)))
	}
}
