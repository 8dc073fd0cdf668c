package host

import (
	"context"
	"errors"
	"net/netip"

	"go.uber.org/zap"

	"github.com/cory-johannsen/netplay/internal/liveness"
	"github.com/cory-johannsen/netplay/internal/observability"
	"github.com/cory-johannsen/netplay/internal/protocol"
	"github.com/cory-johannsen/netplay/internal/transport"
)

// ErrStopped is returned by Peers once the router has exited.
var ErrStopped = errors.New("host router stopped")

// Sender writes one datagram. transport.Socket satisfies it.
type Sender interface {
	Send(addr netip.AddrPort, data []byte)
}

// Channels are the router's connections to its neighbours. The router never
// closes any of them.
type Channels struct {
	// Inbound carries raw datagrams from the transport. Closing it ends Run.
	Inbound <-chan transport.Datagram
	// Local carries requests from the player embedded in the host process.
	Local <-chan protocol.ClientRequest
	// Events carries simulation output. Closing it ends Run.
	Events <-chan protocol.ServerEvent
	// Commands receives authorized requests tagged with their identity.
	Commands chan<- protocol.Command
	// LocalEvents receives events addressed to the host's own player.
	LocalEvents chan<- protocol.ServerEvent
	// Liveness receives track, reset and forget instructions.
	Liveness chan<- liveness.Command
	// Died reports identities the liveness tracker timed out.
	Died <-chan protocol.ClientID
}

// recipientKind classifies where an outbound event goes.
type recipientKind int

const (
	recipientBroadcast recipientKind = iota
	recipientRemote
	recipientLocal
	recipientNone
)

type recipient struct {
	kind recipientKind
	id   protocol.ClientID
}

// classify resolves an event's recipient from its contents alone.
func classify(e protocol.ServerEvent) recipient {
	if e.IsBroadcast() {
		return recipient{kind: recipientBroadcast}
	}
	var id protocol.ClientID
	switch e.Type {
	case protocol.EventJoined:
		if e.ClientID == nil {
			return recipient{kind: recipientNone}
		}
		id = *e.ClientID
	case protocol.EventAddedPlayer:
		id = e.Client
	default:
		return recipient{kind: recipientNone}
	}
	if id.IsLocal() {
		return recipient{kind: recipientLocal, id: id}
	}
	return recipient{kind: recipientRemote, id: id}
}

// Router is the host's network handler. All of its state is owned by the
// goroutine running Run.
type Router struct {
	codec    protocol.Codec
	sender   Sender
	seq      *Sequence
	registry *Registry
	logger   *zap.Logger
	metrics  *observability.Metrics

	peerReqs chan chan []Peer
	done     chan struct{}

	// deaths received while the router was waiting to hand a command to
	// the liveness tracker.
	pendingDeaths []protocol.ClientID
}

// NewRouter creates a host router.
//
// Precondition: every argument must be non-nil.
func NewRouter(codec protocol.Codec, sender Sender, seq *Sequence, logger *zap.Logger, metrics *observability.Metrics) *Router {
	return &Router{
		codec:    codec,
		sender:   sender,
		seq:      seq,
		registry: NewRegistry(),
		logger:   logger,
		metrics:  metrics,
		peerReqs: make(chan chan []Peer),
		done:     make(chan struct{}),
	}
}

// Run routes traffic until ctx is done or Inbound or Events is closed.
// A closed channel is the normal end of a session and yields a nil error.
//
// Precondition: Run is called at most once; Inbound, Events, Commands,
// LocalEvents, Liveness and Died must be non-nil.
func (r *Router) Run(ctx context.Context, ch Channels) error {
	defer close(r.done)
	defer r.metrics.ClientsConnected.Set(0)

	local := ch.Local
	for {
		if err := r.drainDeaths(ctx, ch); err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-ch.Inbound:
			if !ok {
				r.logger.Debug("inbound closed, host router exiting")
				return nil
			}
			if err := r.handleDatagram(ctx, ch, d); err != nil {
				return nil
			}
		case req, ok := <-local:
			if !ok {
				local = nil
				continue
			}
			if err := r.handleLocal(ctx, ch, req); err != nil {
				return nil
			}
		case e, ok := <-ch.Events:
			if !ok {
				r.logger.Debug("simulation events closed, host router exiting")
				return nil
			}
			r.dispatch(e, ch)
		case id := <-ch.Died:
			if err := r.handleDeath(ctx, ch, id); err != nil {
				return nil
			}
		case reply := <-r.peerReqs:
			reply <- r.registry.Peers()
		}
	}
}

// Peers returns the registered remote peers as seen by the router goroutine.
func (r *Router) Peers(ctx context.Context) ([]Peer, error) {
	reply := make(chan []Peer, 1)
	select {
	case r.peerReqs <- reply:
	case <-r.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case peers := <-reply:
		return peers, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Router) connectionFor(addr netip.AddrPort) connection {
	if id, ok := r.registry.Lookup(addr); ok {
		return connection{state: stateRegistered, id: id}
	}
	return connection{state: stateUnknown}
}

func (r *Router) handleDatagram(ctx context.Context, ch Channels, d transport.Datagram) error {
	conn := r.connectionFor(d.Addr)
	msg, decodeErr := protocol.DecodeMessage(r.codec, d.Data)
	in := input{kind: inputMessage, msg: msg}
	if decodeErr != nil {
		in = input{kind: inputUndecodable}
	}
	_, act := transition(conn, in)

	switch act {
	case actReject:
		r.metrics.Rejections.Inc()
		r.logger.Debug("rejecting undecodable datagram from stranger",
			zap.Stringer("addr", d.Addr),
			zap.Error(decodeErr),
		)
		r.sendTo(d.Addr, protocol.RejectedEvent())
	case actDropMalformed:
		r.metrics.Dropped(observability.DropMalformed)
		r.logger.Debug("dropping undecodable datagram from client",
			zap.Stringer("addr", d.Addr),
			zap.Uint32("client_id", uint32(conn.id)),
			zap.Error(decodeErr),
		)
	case actDropUnauthorized:
		r.metrics.Dropped(observability.DropUnauthorized)
		r.logger.Debug("dropping request from unregistered address",
			zap.Stringer("addr", d.Addr),
			zap.String("request", string(msg.Request.Type)),
		)
	case actDropSpoofed:
		r.metrics.Dropped(observability.DropSpoofed)
		r.logger.Warn("dropping request with mismatched identity",
			zap.Stringer("addr", d.Addr),
			zap.Uint32("client_id", uint32(conn.id)),
			zap.Uint32("claimed_id", uint32(*msg.ClientID)),
		)
	case actRegister:
		return r.register(ctx, ch, d.Addr)
	case actReack:
		r.sendTo(d.Addr, protocol.JoinedEvent(conn.id))
	case actHeartbeat:
		r.metrics.Heartbeats.Inc()
		return r.toLiveness(ctx, ch, liveness.Command{Op: liveness.Reset, ID: conn.id})
	case actForward:
		return r.forward(ctx, ch, protocol.Command{Request: msg.Request, Client: conn.id})
	case actLeave:
		r.metrics.Leaves.Inc()
		r.logger.Info("client left", zap.Uint32("client_id", uint32(conn.id)), zap.Stringer("addr", d.Addr))
		return r.purge(ctx, ch, conn.id, true)
	}
	return nil
}

func (r *Router) register(ctx context.Context, ch Channels, addr netip.AddrPort) error {
	id := r.seq.Next()
	if err := r.registry.Register(addr, id); err != nil {
		r.logger.Error("registry rejected new client", zap.Error(err))
		return nil
	}
	r.metrics.Joins.Inc()
	r.metrics.ClientsConnected.Set(float64(r.registry.Len()))
	r.logger.Info("client joined",
		zap.Uint32("client_id", uint32(id)),
		zap.Stringer("addr", addr),
	)
	if err := r.toLiveness(ctx, ch, liveness.Command{Op: liveness.Track, ID: id}); err != nil {
		return err
	}
	r.sendTo(addr, protocol.JoinedEvent(id))
	return nil
}

func (r *Router) handleLocal(ctx context.Context, ch Channels, req protocol.ClientRequest) error {
	switch req.Type {
	case protocol.RequestJoin:
		r.deliverLocal(ch, protocol.JoinedEvent(protocol.LocalClientID))
		return nil
	case protocol.RequestIdle:
		return nil
	}
	if err := req.Validate(); err != nil {
		r.logger.Debug("dropping invalid local request", zap.Error(err))
		return nil
	}
	return r.forward(ctx, ch, protocol.Command{Request: req, Client: protocol.LocalClientID})
}

func (r *Router) handleDeath(ctx context.Context, ch Channels, id protocol.ClientID) error {
	addr, ok := r.registry.Addr(id)
	if !ok {
		return nil
	}
	if _, act := transition(connection{state: stateRegistered, id: id}, input{kind: inputDied}); act != actPurge {
		return nil
	}
	r.metrics.Deaths.Inc()
	r.logger.Info("client died", zap.Uint32("client_id", uint32(id)), zap.Stringer("addr", addr))
	return r.purge(ctx, ch, id, false)
}

// purge removes id from the registry and tells the simulation it is gone.
// Liveness is told to forget id only when the tracker still counts it.
func (r *Router) purge(ctx context.Context, ch Channels, id protocol.ClientID, forget bool) error {
	r.registry.Remove(id)
	r.metrics.ClientsConnected.Set(float64(r.registry.Len()))
	if forget {
		if err := r.toLiveness(ctx, ch, liveness.Command{Op: liveness.Forget, ID: id}); err != nil {
			return err
		}
	}
	return r.forward(ctx, ch, protocol.Command{Request: protocol.LeaveRequest(), Client: id})
}

func (r *Router) drainDeaths(ctx context.Context, ch Channels) error {
	for len(r.pendingDeaths) > 0 {
		id := r.pendingDeaths[0]
		r.pendingDeaths = r.pendingDeaths[1:]
		if err := r.handleDeath(ctx, ch, id); err != nil {
			return err
		}
	}
	return nil
}

// toLiveness hands cmd to the tracker. While it waits it keeps accepting
// death reports so the two goroutines can never block on each other.
func (r *Router) toLiveness(ctx context.Context, ch Channels, cmd liveness.Command) error {
	for {
		select {
		case ch.Liveness <- cmd:
			return nil
		case id := <-ch.Died:
			r.pendingDeaths = append(r.pendingDeaths, id)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Router) forward(ctx context.Context, ch Channels, cmd protocol.Command) error {
	select {
	case ch.Commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch delivers one simulation event to its recipients. Broadcasts are
// encoded once and sent to every peer registered at this moment.
func (r *Router) dispatch(e protocol.ServerEvent, ch Channels) {
	rcpt := classify(e)
	switch rcpt.kind {
	case recipientBroadcast:
		data, err := protocol.EncodeEvent(r.codec, e)
		if err != nil {
			r.logger.Error("encoding broadcast event", zap.String("event", string(e.Type)), zap.Error(err))
		} else {
			for _, p := range r.registry.Peers() {
				r.sender.Send(p.Addr, data)
			}
		}
		r.deliverLocal(ch, e)
	case recipientLocal:
		r.deliverLocal(ch, e)
	case recipientRemote:
		addr, ok := r.registry.Addr(rcpt.id)
		if !ok {
			r.metrics.Dropped(observability.DropNoRecipient)
			r.logger.Debug("dropping event for unregistered client",
				zap.String("event", string(e.Type)),
				zap.Uint32("client_id", uint32(rcpt.id)),
			)
			return
		}
		r.sendTo(addr, e)
	default:
		r.metrics.Dropped(observability.DropNoRecipient)
		r.logger.Debug("dropping event without recipient", zap.String("event", string(e.Type)))
	}
}

// sendTo encodes e for one address. An encode failure affects only this send.
func (r *Router) sendTo(addr netip.AddrPort, e protocol.ServerEvent) {
	data, err := protocol.EncodeEvent(r.codec, e)
	if err != nil {
		r.logger.Error("encoding event",
			zap.String("event", string(e.Type)),
			zap.Stringer("addr", addr),
			zap.Error(err),
		)
		return
	}
	r.sender.Send(addr, data)
}

// deliverLocal never blocks the router on a slow local consumer.
func (r *Router) deliverLocal(ch Channels, e protocol.ServerEvent) {
	if ch.LocalEvents == nil {
		return
	}
	select {
	case ch.LocalEvents <- e:
	default:
		r.metrics.Dropped(observability.DropLocalFull)
		r.logger.Debug("local event channel full, dropping event", zap.String("event", string(e.Type)))
	}
}
