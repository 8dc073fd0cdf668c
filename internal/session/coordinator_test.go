package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/netplay/internal/config"
	"github.com/cory-johannsen/netplay/internal/observability"
	"github.com/cory-johannsen/netplay/internal/protocol"
	"github.com/cory-johannsen/netplay/internal/transport"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Session.BindHost = "127.0.0.1"
	cfg.Session.GracePeriod = 200 * time.Millisecond
	cfg.Transport.PollInterval = 10 * time.Millisecond
	cfg.Client.HeartbeatInterval = 30 * time.Millisecond
	cfg.Liveness.TickInterval = 20 * time.Millisecond
	cfg.Liveness.Threshold = 5
	cfg.Simulation.TickRate = 20
	return cfg
}

func newCoordinator(t *testing.T) (*Coordinator, *observability.Metrics) {
	t.Helper()
	metrics := observability.NopMetrics()
	c, err := New(testConfig(), nil, zaptest.NewLogger(t), metrics)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, metrics
}

func waitEvent(t *testing.T, events <-chan protocol.ServerEvent, match func(protocol.ServerEvent) bool) protocol.ServerEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "subscription closed")
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("expected event never arrived")
			return protocol.ServerEvent{}
		}
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func peerCount(t *testing.T, c *Coordinator) int {
	info, err := c.Info(context.Background())
	require.NoError(t, err)
	return len(info.ConnectedPeers)
}

func isJoined(ev protocol.ServerEvent) bool {
	return ev.Type == protocol.EventJoined && ev.ClientID != nil
}

func TestHostAndJoinOverLoopback(t *testing.T) {
	ctx := context.Background()
	hostC, _ := newCoordinator(t)
	joinC, _ := newCoordinator(t)

	hostInfo, err := hostC.Host(ctx, 0)
	require.NoError(t, err)
	assert.True(t, hostInfo.IsHost)
	assert.Empty(t, hostInfo.ConnectedPeers)

	events, cancel := joinC.Subscribe(64)
	defer cancel()
	joinInfo, err := joinC.Join(ctx, hostInfo.LocalAddr)
	require.NoError(t, err)
	assert.False(t, joinInfo.IsHost)

	joined := waitEvent(t, events, isJoined)
	assert.Equal(t, protocol.ClientID(1), *joined.ClientID)
	eventually(t, func() bool { return peerCount(t, hostC) == 1 }, "host never registered the client")

	info, err := joinC.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "confirmed", info.Phase)
	assert.Equal(t, hostInfo.LocalAddr, info.HostAddr)
	require.NotNil(t, info.ClientID)
	assert.Equal(t, protocol.ClientID(1), *info.ClientID)

	require.NoError(t, joinC.Submit(ctx, protocol.AddRequest()))
	added := waitEvent(t, events, func(ev protocol.ServerEvent) bool { return ev.Type == protocol.EventAddedPlayer })
	assert.Equal(t, protocol.AddedPlayerEvent(1, 1), added)

	snap := waitEvent(t, events, func(ev protocol.ServerEvent) bool { return ev.Type == protocol.EventWorldSnapshot })
	assert.Contains(t, string(snap.Snapshot.Payload), `"owner":1`)
}

func TestClientLeaveUnregistersFromHost(t *testing.T) {
	ctx := context.Background()
	hostC, hostMetrics := newCoordinator(t)
	joinC, _ := newCoordinator(t)

	hostInfo, err := hostC.Host(ctx, 0)
	require.NoError(t, err)
	events, cancel := joinC.Subscribe(64)
	defer cancel()
	_, err = joinC.Join(ctx, hostInfo.LocalAddr)
	require.NoError(t, err)
	waitEvent(t, events, isJoined)

	require.NoError(t, joinC.Leave())
	eventually(t, func() bool { return peerCount(t, hostC) == 0 }, "host kept the departed client")
	assert.Equal(t, 1.0, testutil.ToFloat64(hostMetrics.Leaves))
	assert.ErrorIs(t, joinC.Leave(), ErrNoSession)
}

func TestSilentClientTimesOut(t *testing.T) {
	ctx := context.Background()
	hostC, hostMetrics := newCoordinator(t)
	hostInfo, err := hostC.Host(ctx, 0)
	require.NoError(t, err)

	// a bare socket that joins once and then never heartbeats
	raw, hostAP, err := transport.Join(hostInfo.LocalAddr, testConfig().Transport, zaptest.NewLogger(t), observability.NopMetrics())
	require.NoError(t, err)
	rctx, rcancel := context.WithCancel(ctx)
	defer rcancel()
	go func() { _ = raw.Run(rctx) }()

	join, err := protocol.EncodeMessage(protocol.JSON(), protocol.NewClientMessage(nil, protocol.JoinRequest()))
	require.NoError(t, err)
	raw.Send(hostAP, join)

	eventually(t, func() bool { return peerCount(t, hostC) == 1 }, "raw client never registered")
	eventually(t, func() bool { return peerCount(t, hostC) == 0 }, "silent client never timed out")
	assert.Equal(t, 1.0, testutil.ToFloat64(hostMetrics.Deaths))
}

func TestHeartbeatingClientStaysConnected(t *testing.T) {
	ctx := context.Background()
	hostC, hostMetrics := newCoordinator(t)
	joinC, _ := newCoordinator(t)

	hostInfo, err := hostC.Host(ctx, 0)
	require.NoError(t, err)
	events, cancel := joinC.Subscribe(64)
	defer cancel()
	_, err = joinC.Join(ctx, hostInfo.LocalAddr)
	require.NoError(t, err)
	waitEvent(t, events, isJoined)

	// several times the 100ms liveness window
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, peerCount(t, hostC))
	assert.Zero(t, testutil.ToFloat64(hostMetrics.Deaths))
}

func TestLocalPlayerOnHost(t *testing.T) {
	ctx := context.Background()
	hostC, _ := newCoordinator(t)
	events, cancel := hostC.Subscribe(64)
	defer cancel()

	_, err := hostC.Host(ctx, 0)
	require.NoError(t, err)

	require.NoError(t, hostC.Submit(ctx, protocol.JoinRequest()))
	joined := waitEvent(t, events, isJoined)
	assert.Equal(t, protocol.LocalClientID, *joined.ClientID)

	requests, err := hostC.Requests()
	require.NoError(t, err)
	requests <- protocol.AddRequest()
	added := waitEvent(t, events, func(ev protocol.ServerEvent) bool { return ev.Type == protocol.EventAddedPlayer })
	assert.Equal(t, protocol.AddedPlayerEvent(1, protocol.LocalClientID), added)
}

func TestRoleSwitchBuildsFreshSession(t *testing.T) {
	ctx := context.Background()
	c, metrics := newCoordinator(t)

	first, err := c.Host(ctx, 0)
	require.NoError(t, err)
	firstReqs, err := c.Requests()
	require.NoError(t, err)
	port, err := c.LocalAddr()
	require.NoError(t, err)

	second, err := c.Join(ctx, fmt.Sprintf("127.0.0.1:%d", port.Port()))
	require.NoError(t, err)
	secondReqs, err := c.Requests()
	require.NoError(t, err)

	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.NotEqual(t, fmt.Sprint(firstReqs), fmt.Sprint(secondReqs), "request channels are rebuilt")
	assert.Equal(t, RoleClient, second.Role)

	// the old host socket is released
	s, err := transport.Host("127.0.0.1", int(port.Port()), testConfig().Transport, zaptest.NewLogger(t), observability.NopMetrics())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Sessions.WithLabelValues(string(RoleHost))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Sessions.WithLabelValues(string(RoleClient))))
}

func TestRehostSamePort(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator(t)

	first, err := c.Host(ctx, 0)
	require.NoError(t, err)
	port, err := c.LocalAddr()
	require.NoError(t, err)

	second, err := c.Host(ctx, int(port.Port()))
	require.NoError(t, err)
	assert.Equal(t, first.LocalAddr, second.LocalAddr)
	assert.NotEqual(t, first.SessionID, second.SessionID)
}

func TestOperationsWithoutSession(t *testing.T) {
	c, _ := newCoordinator(t)
	ctx := context.Background()

	_, err := c.Requests()
	assert.ErrorIs(t, err, ErrNoSession)
	_, err = c.Info(ctx)
	assert.ErrorIs(t, err, ErrNoSession)
	assert.ErrorIs(t, c.Submit(ctx, protocol.AddRequest()), ErrNoSession)
	assert.ErrorIs(t, c.Leave(), ErrNoSession)
}

func TestHostBindFailureLeavesNoSession(t *testing.T) {
	ctx := context.Background()
	blocker, err := transport.Host("127.0.0.1", 0, testConfig().Transport, zaptest.NewLogger(t), observability.NopMetrics())
	require.NoError(t, err)
	defer blocker.Close()

	c, _ := newCoordinator(t)
	_, err = c.Host(ctx, int(blocker.LocalAddr().Port()))
	require.Error(t, err)
	_, err = c.Info(ctx)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestSubscriptionCancelClosesChannel(t *testing.T) {
	c, _ := newCoordinator(t)
	events, cancel := c.Subscribe(1)
	cancel()
	cancel()
	_, ok := <-events
	assert.False(t, ok)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	c, _ := newCoordinator(t)
	_, err := c.Host(context.Background(), 0)
	require.NoError(t, err)
	events, cancel := c.Subscribe(4)

	c.Close()
	for range events {
	}
	cancel()
	_, err = c.Info(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
}
