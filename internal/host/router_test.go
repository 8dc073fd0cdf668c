package host

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/netplay/internal/liveness"
	"github.com/cory-johannsen/netplay/internal/observability"
	"github.com/cory-johannsen/netplay/internal/protocol"
	"github.com/cory-johannsen/netplay/internal/transport"
)

type recordingSender struct {
	sent chan transport.Datagram
}

func (s *recordingSender) Send(addr netip.AddrPort, data []byte) {
	s.sent <- transport.Datagram{Addr: addr, Data: data}
}

// routerEnv runs one Router over unbuffered inputs, so each send returns only
// after the router has picked the value up and finished the previous one.
type routerEnv struct {
	router   *Router
	sender   *recordingSender
	metrics  *observability.Metrics
	inbound  chan transport.Datagram
	local    chan protocol.ClientRequest
	events   chan protocol.ServerEvent
	commands chan protocol.Command
	localOut chan protocol.ServerEvent
	live     chan liveness.Command
	died     chan protocol.ClientID
	cancel   context.CancelFunc
	done     chan error
	exited   chan struct{}
}

func newRouterEnv(logger *zap.Logger) *routerEnv {
	env := &routerEnv{
		sender:   &recordingSender{sent: make(chan transport.Datagram, 256)},
		metrics:  observability.NopMetrics(),
		inbound:  make(chan transport.Datagram),
		local:    make(chan protocol.ClientRequest),
		events:   make(chan protocol.ServerEvent),
		commands: make(chan protocol.Command, 64),
		localOut: make(chan protocol.ServerEvent, 64),
		live:     make(chan liveness.Command, 64),
		died:     make(chan protocol.ClientID),
		done:     make(chan error, 1),
		exited:   make(chan struct{}),
	}
	env.router = NewRouter(protocol.JSON(), env.sender, NewSequence(1), logger, env.metrics)
	ctx, cancel := context.WithCancel(context.Background())
	env.cancel = cancel
	go func() {
		defer close(env.exited)
		env.done <- env.router.Run(ctx, Channels{
			Inbound:     env.inbound,
			Local:       env.local,
			Events:      env.events,
			Commands:    env.commands,
			LocalEvents: env.localOut,
			Liveness:    env.live,
			Died:        env.died,
		})
	}()
	return env
}

func startRouter(t *testing.T) *routerEnv {
	env := newRouterEnv(zaptest.NewLogger(t))
	t.Cleanup(env.stop)
	return env
}

func (e *routerEnv) stop() {
	e.cancel()
	select {
	case <-e.exited:
	case <-time.After(2 * time.Second):
	}
}

func (e *routerEnv) deliver(t require.TestingT, from netip.AddrPort, id *protocol.ClientID, req protocol.ClientRequest) {
	data, err := protocol.EncodeMessage(protocol.JSON(), protocol.NewClientMessage(id, req))
	require.NoError(t, err)
	e.inbound <- transport.Datagram{Addr: from, Data: data}
}

// settle waits until the router has finished everything handed to it so far.
func (e *routerEnv) settle(t require.TestingT) []Peer {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	peers, err := e.router.Peers(ctx)
	require.NoError(t, err)
	return peers
}

func (e *routerEnv) sent() []transport.Datagram {
	var out []transport.Datagram
	for {
		select {
		case d := <-e.sender.sent:
			out = append(out, d)
		default:
			return out
		}
	}
}

func (e *routerEnv) join(t *testing.T, from netip.AddrPort) protocol.ClientID {
	t.Helper()
	e.deliver(t, from, nil, protocol.JoinRequest())
	e.settle(t)
	sent := e.sent()
	require.Len(t, sent, 1)
	ev := decodeEvent(t, sent[0])
	require.Equal(t, protocol.EventJoined, ev.Type)
	require.NotNil(t, ev.ClientID)
	return *ev.ClientID
}

func decodeEvent(t require.TestingT, d transport.Datagram) protocol.ServerEvent {
	ev, err := protocol.DecodeEvent(protocol.JSON(), d.Data)
	require.NoError(t, err)
	return ev
}

func drainCommands(ch chan protocol.Command) []protocol.Command {
	var out []protocol.Command
	for {
		select {
		case c := <-ch:
			out = append(out, c)
		default:
			return out
		}
	}
}

func drainLiveness(ch chan liveness.Command) []liveness.Command {
	var out []liveness.Command
	for {
		select {
		case c := <-ch:
			out = append(out, c)
		default:
			return out
		}
	}
}

func TestJoinAssignsFirstIdentity(t *testing.T) {
	env := startRouter(t)
	a := addr(5001)

	env.deliver(t, a, nil, protocol.JoinRequest())
	peers := env.settle(t)

	sent := env.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, a, sent[0].Addr)
	assert.Equal(t, protocol.JoinedEvent(1), decodeEvent(t, sent[0]))
	assert.Equal(t, []Peer{{ID: 1, Addr: a}}, peers)
	assert.Equal(t, []liveness.Command{{Op: liveness.Track, ID: 1}}, drainLiveness(env.live))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.ClientsConnected))
}

func TestDuplicateJoinKeepsIdentity(t *testing.T) {
	env := startRouter(t)
	a := addr(5001)
	id := env.join(t, a)
	drainLiveness(env.live)

	env.deliver(t, a, nil, protocol.JoinRequest())
	peers := env.settle(t)

	sent := env.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.JoinedEvent(id), decodeEvent(t, sent[0]))
	assert.Len(t, peers, 1)
	assert.Empty(t, drainLiveness(env.live))
}

func TestStrangerGarbageGetsRejection(t *testing.T) {
	env := startRouter(t)
	c := addr(5003)

	env.inbound <- transport.Datagram{Addr: c, Data: []byte{0x13, 0x37, 0xde, 0xad, 0x01}}
	peers := env.settle(t)

	sent := env.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, c, sent[0].Addr)
	assert.Equal(t, protocol.RejectedEvent(), decodeEvent(t, sent[0]))
	assert.Empty(t, peers)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Rejections))
}

func TestProbeGetsRejection(t *testing.T) {
	env := startRouter(t)
	env.inbound <- transport.Datagram{Addr: addr(5004), Data: transport.Probe}
	env.settle(t)

	sent := env.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.RejectedEvent(), decodeEvent(t, sent[0]))
}

func TestClientGarbageIsDroppedSilently(t *testing.T) {
	env := startRouter(t)
	a := addr(5001)
	env.join(t, a)

	env.inbound <- transport.Datagram{Addr: a, Data: []byte("not a message")}
	env.settle(t)

	assert.Empty(t, env.sent())
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.DatagramsDropped.WithLabelValues(observability.DropMalformed)))
}

func TestUnregisteredNonJoinIsDropped(t *testing.T) {
	env := startRouter(t)
	stranger := addr(5009)
	claimed := protocol.ClientID(1)

	env.deliver(t, stranger, nil, protocol.IdleRequest())
	env.deliver(t, stranger, &claimed, protocol.AddRequest())
	peers := env.settle(t)

	assert.Empty(t, env.sent())
	assert.Empty(t, peers)
	assert.Empty(t, drainCommands(env.commands))
	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.DatagramsDropped.WithLabelValues(observability.DropUnauthorized)))
}

func TestMismatchedIdentityIsDropped(t *testing.T) {
	env := startRouter(t)
	victim := env.join(t, addr(5001))
	env.join(t, addr(5002))

	env.deliver(t, addr(5002), &victim, protocol.AddRequest())
	env.settle(t)

	assert.Empty(t, drainCommands(env.commands))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.DatagramsDropped.WithLabelValues(observability.DropSpoofed)))
}

func TestAuthorizedRequestsAreForwarded(t *testing.T) {
	env := startRouter(t)
	id := env.join(t, addr(5001))

	frame := protocol.InputFrame{MoveAxis: protocol.Vec2{X: 1}}
	env.deliver(t, addr(5001), &id, protocol.AddRequest())
	env.deliver(t, addr(5001), &id, protocol.InputRequest(4, frame))
	env.deliver(t, addr(5001), &id, protocol.RemoveRequest(4))
	env.settle(t)

	assert.Equal(t, []protocol.Command{
		{Request: protocol.AddRequest(), Client: id},
		{Request: protocol.InputRequest(4, frame), Client: id},
		{Request: protocol.RemoveRequest(4), Client: id},
	}, drainCommands(env.commands))
}

func TestIdleResetsLivenessOnly(t *testing.T) {
	env := startRouter(t)
	id := env.join(t, addr(5001))
	drainLiveness(env.live)

	env.deliver(t, addr(5001), &id, protocol.IdleRequest())
	env.settle(t)

	assert.Equal(t, []liveness.Command{{Op: liveness.Reset, ID: id}}, drainLiveness(env.live))
	assert.Empty(t, drainCommands(env.commands))
	assert.Empty(t, env.sent())
}

func TestBroadcastFansOutToEveryPeerAndLocal(t *testing.T) {
	env := startRouter(t)
	a, b, c := addr(5001), addr(5002), addr(5003)
	env.join(t, a)
	env.join(t, b)
	env.join(t, c)

	snap := protocol.SnapshotEvent(protocol.Snapshot{Tick: 9})
	env.events <- snap
	env.settle(t)

	sent := env.sent()
	require.Len(t, sent, 3)
	got := map[netip.AddrPort]protocol.ServerEvent{}
	for _, d := range sent {
		got[d.Addr] = decodeEvent(t, d)
	}
	for _, want := range []netip.AddrPort{a, b, c} {
		assert.Equal(t, snap, got[want])
	}
	require.Len(t, env.localOut, 1)
	assert.Equal(t, snap, <-env.localOut)
}

func TestTargetedEventsResolveRecipient(t *testing.T) {
	env := startRouter(t)
	env.join(t, addr(5001))
	b := env.join(t, addr(5002))

	env.events <- protocol.AddedPlayerEvent(3, b)
	env.events <- protocol.AddedPlayerEvent(4, protocol.LocalClientID)
	env.events <- protocol.AddedPlayerEvent(5, 99)
	env.settle(t)

	sent := env.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, addr(5002), sent[0].Addr)
	assert.Equal(t, protocol.AddedPlayerEvent(3, b), decodeEvent(t, sent[0]))

	require.Len(t, env.localOut, 1)
	assert.Equal(t, protocol.AddedPlayerEvent(4, protocol.LocalClientID), <-env.localOut)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.DatagramsDropped.WithLabelValues(observability.DropNoRecipient)))
}

func TestDeathPurgesClientFromBroadcast(t *testing.T) {
	env := startRouter(t)
	a := addr(5001)
	env.join(t, a)
	dead := env.join(t, addr(5002))

	env.died <- dead
	peers := env.settle(t)
	assert.Equal(t, []Peer{{ID: 1, Addr: a}}, peers)
	assert.Equal(t, []protocol.Command{{Request: protocol.LeaveRequest(), Client: dead}}, drainCommands(env.commands))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Deaths))

	env.events <- protocol.SnapshotEvent(protocol.Snapshot{Tick: 1})
	env.settle(t)
	sent := env.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, a, sent[0].Addr)
}

func TestDeadClientIsNotResurrectedByTraffic(t *testing.T) {
	env := startRouter(t)
	dead := env.join(t, addr(5002))
	env.died <- dead
	env.settle(t)
	drainCommands(env.commands)

	env.deliver(t, addr(5002), &dead, protocol.IdleRequest())
	env.deliver(t, addr(5002), &dead, protocol.AddRequest())
	peers := env.settle(t)

	assert.Empty(t, peers)
	assert.Empty(t, drainCommands(env.commands))

	rejoined := env.join(t, addr(5002))
	assert.NotEqual(t, dead, rejoined, "identities are never reused")
}

func TestLeaveUnregistersAndNotifiesSimulation(t *testing.T) {
	env := startRouter(t)
	id := env.join(t, addr(5001))
	drainLiveness(env.live)

	env.deliver(t, addr(5001), &id, protocol.LeaveRequest())
	peers := env.settle(t)

	assert.Empty(t, peers)
	assert.Equal(t, []liveness.Command{{Op: liveness.Forget, ID: id}}, drainLiveness(env.live))
	assert.Equal(t, []protocol.Command{{Request: protocol.LeaveRequest(), Client: id}}, drainCommands(env.commands))
	assert.Equal(t, 0.0, testutil.ToFloat64(env.metrics.ClientsConnected))
}

func TestLocalPlayerRequests(t *testing.T) {
	env := startRouter(t)

	env.local <- protocol.JoinRequest()
	env.local <- protocol.IdleRequest()
	env.local <- protocol.AddRequest()
	env.settle(t)

	require.Len(t, env.localOut, 1)
	assert.Equal(t, protocol.JoinedEvent(protocol.LocalClientID), <-env.localOut)
	assert.Equal(t, []protocol.Command{{Request: protocol.AddRequest(), Client: protocol.LocalClientID}}, drainCommands(env.commands))
	assert.Empty(t, env.sent())
}

func TestRunEndsWhenInboundCloses(t *testing.T) {
	env := startRouter(t)
	close(env.inbound)

	select {
	case err := <-env.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("router did not exit")
	}
	_, err := env.router.Peers(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestSilentClientTimesOutThroughTracker(t *testing.T) {
	logger := zaptest.NewLogger(t)
	env := startRouter(t)

	ticks := make(chan time.Time)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go liveness.NewTracker(60, logger).Run(ctx, env.live, ticks, env.died)

	env.deliver(t, addr(5001), nil, protocol.JoinRequest())
	env.deliver(t, addr(5002), nil, protocol.JoinRequest())
	env.settle(t)
	env.sent()
	alive := protocol.ClientID(1)

	for i := 0; i < 61; i++ {
		env.deliver(t, addr(5001), &alive, protocol.IdleRequest())
		env.settle(t)
		waitDrained(t, env.live)
		ticks <- time.Time{}
	}

	deadline := time.After(2 * time.Second)
	for {
		if len(env.settle(t)) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("silent client was not purged")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	assert.Equal(t, []Peer{{ID: 1, Addr: addr(5001)}}, env.settle(t))
	assert.Equal(t, []protocol.Command{{Request: protocol.LeaveRequest(), Client: 2}}, drainCommands(env.commands))
}

// waitDrained blocks until the tracker has taken every queued command.
func waitDrained(t *testing.T, ch chan liveness.Command) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(ch) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("liveness commands not consumed")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPropertyJoinIsIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		env := newRouterEnv(zap.NewNop())
		defer env.stop()

		joined := map[netip.AddrPort]protocol.ClientID{}
		n := rapid.IntRange(1, 40).Draw(t, "joins")
		for i := 0; i < n; i++ {
			a := addr(uint16(rapid.IntRange(6000, 6007).Draw(t, "port")))
			env.deliver(t, a, nil, protocol.JoinRequest())
			env.settle(t)
			sent := env.sent()
			require.Len(t, sent, 1)
			ev := decodeEvent(t, sent[0])
			require.NotNil(t, ev.ClientID)
			if prev, ok := joined[a]; ok {
				require.Equal(t, prev, *ev.ClientID)
			}
			joined[a] = *ev.ClientID
		}

		peers := env.settle(t)
		require.Len(t, peers, len(joined))
		seen := map[protocol.ClientID]bool{}
		for _, p := range peers {
			require.False(t, seen[p.ID])
			seen[p.ID] = true
			require.Equal(t, joined[p.Addr], p.ID)
		}
	})
}
