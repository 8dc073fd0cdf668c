// Package transport owns the single unreliable datagram socket of a session
// participant and moves raw (address, bytes) pairs between it and the routers.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cory-johannsen/netplay/internal/config"
	"github.com/cory-johannsen/netplay/internal/observability"
)

// ErrClosed is returned by Run when the socket was closed before it started.
var ErrClosed = errors.New("transport closed")

// Probe is the raw first contact a joining client sends. It is not a
// protocol envelope: the host answers it with a rejection, and the client
// learns the host's reply address from that answer.
var Probe = []byte("netplay-probe")

// Datagram is one raw packet and its peer address. It carries no identity.
type Datagram struct {
	Addr netip.AddrPort
	Data []byte
}

// Socket is a bound UDP socket with a bounded outbound queue.
//
// Invariant: Inbound is closed exactly once, after Run returns.
type Socket struct {
	cfg     config.TransportConfig
	logger  *zap.Logger
	metrics *observability.Metrics

	conn     *net.UDPConn
	inbound  chan Datagram
	outbound chan Datagram

	closeOnce sync.Once
	closed    chan struct{}
	runOnce   sync.Once
}

// Host binds the wildcard address bindHost:port.
//
// Precondition: bindHost must be an IP literal; port in [0, 65535] (0 picks a free port).
// Postcondition: Returns a bound Socket, or an error if the bind failed.
func Host(bindHost string, port int, cfg config.TransportConfig, logger *zap.Logger, metrics *observability.Metrics) (*Socket, error) {
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("port %d out of range [0, 65535]", port)
	}
	ip, err := netip.ParseAddr(bindHost)
	if err != nil {
		return nil, fmt.Errorf("parsing bind host %q: %w", bindHost, err)
	}
	laddr := netip.AddrPortFrom(ip, uint16(port))
	conn, err := net.ListenUDP(network(ip), net.UDPAddrFromAddrPort(laddr))
	if err != nil {
		return nil, fmt.Errorf("binding udp %s: %w", laddr, err)
	}
	s := newSocket(conn, cfg, logger, metrics)
	s.logger.Info("udp socket hosting", zap.Stringer("local_addr", s.LocalAddr()))
	return s, nil
}

// Join binds an ephemeral local port and queues the raw probe for hostAddr.
//
// Precondition: hostAddr must be "host:port".
// Postcondition: Returns the Socket and the resolved host address, or an error.
func Join(hostAddr string, cfg config.TransportConfig, logger *zap.Logger, metrics *observability.Metrics) (*Socket, netip.AddrPort, error) {
	raddr, err := net.ResolveUDPAddr("udp", hostAddr)
	if err != nil {
		return nil, netip.AddrPort{}, fmt.Errorf("resolving host %q: %w", hostAddr, err)
	}
	host := normalize(raddr.AddrPort())

	var wildcard netip.Addr
	if host.Addr().Is4() {
		wildcard = netip.IPv4Unspecified()
	} else {
		wildcard = netip.IPv6Unspecified()
	}
	conn, err := net.ListenUDP(network(host.Addr()), net.UDPAddrFromAddrPort(netip.AddrPortFrom(wildcard, 0)))
	if err != nil {
		return nil, netip.AddrPort{}, fmt.Errorf("binding ephemeral udp port: %w", err)
	}
	s := newSocket(conn, cfg, logger, metrics)
	s.logger.Info("udp socket joining",
		zap.Stringer("local_addr", s.LocalAddr()),
		zap.Stringer("host_addr", host),
	)
	s.Send(host, Probe)
	return s, host, nil
}

func newSocket(conn *net.UDPConn, cfg config.TransportConfig, logger *zap.Logger, metrics *observability.Metrics) *Socket {
	return &Socket{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		conn:     conn,
		inbound:  make(chan Datagram, cfg.InboundBuffer),
		outbound: make(chan Datagram, cfg.OutboundBuffer),
		closed:   make(chan struct{}),
	}
}

// LocalAddr returns the bound address.
func (s *Socket) LocalAddr() netip.AddrPort {
	return normalize(s.conn.LocalAddr().(*net.UDPAddr).AddrPort())
}

// Inbound returns the received-datagram channel. It is closed when Run returns.
func (s *Socket) Inbound() <-chan Datagram {
	return s.inbound
}

// Send queues data for addr. It never blocks: a full queue or a closed
// socket drops the datagram and logs it.
func (s *Socket) Send(addr netip.AddrPort, data []byte) {
	select {
	case <-s.closed:
		s.metrics.Dropped(observability.DropClosed)
		return
	default:
	}
	select {
	case s.outbound <- Datagram{Addr: addr, Data: data}:
	default:
		s.metrics.Dropped(observability.DropOutboundFull)
		s.logger.Warn("outbound queue full, dropping datagram",
			zap.Stringer("addr", addr),
			zap.Int("bytes", len(data)),
		)
	}
}

// Run pumps datagrams until ctx is cancelled or Close is called. The reader
// and writer run concurrently; a cancelled ctx is observed within one poll
// interval. On cancellation the writer flushes what is already queued; on
// Close nothing is flushed.
//
// Precondition: Run is called at most once.
// Postcondition: The socket is closed and Inbound is closed.
func (s *Socket) Run(ctx context.Context) error {
	started := false
	s.runOnce.Do(func() { started = true })
	if !started {
		return fmt.Errorf("transport already running")
	}
	defer close(s.inbound)
	defer s.Close()

	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })
	err := g.Wait()

	s.logger.Debug("udp socket stopped", zap.Stringer("local_addr", s.LocalAddr()))
	return err
}

// Close releases the socket immediately. Safe to call more than once.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

func (s *Socket) readLoop(ctx context.Context) error {
	buf := make([]byte, s.cfg.MaxDatagram)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.PollInterval)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("setting read deadline: %w", err)
		}
		n, addr, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				continue
			case errors.Is(err, net.ErrClosed):
				return nil
			default:
				s.metrics.ReadErrors.Inc()
				s.logger.Warn("udp receive failed", zap.Error(err))
				continue
			}
		}
		s.metrics.DatagramsReceived.Inc()
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		select {
		case s.inbound <- Datagram{Addr: normalize(addr), Data: pkt}:
		default:
			s.metrics.Dropped(observability.DropInboundFull)
			s.logger.Debug("inbound channel full, dropping datagram", zap.Stringer("addr", addr))
		}
	}
}

func (s *Socket) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-s.closed:
			return nil
		case <-ctx.Done():
			s.flush()
			return nil
		case d := <-s.outbound:
			s.write(d)
		}
	}
}

// flush writes every datagram already queued, without waiting for more.
func (s *Socket) flush() {
	for {
		select {
		case <-s.closed:
			return
		case d := <-s.outbound:
			s.write(d)
		default:
			return
		}
	}
}

func (s *Socket) write(d Datagram) {
	if _, err := s.conn.WriteToUDPAddrPort(d.Data, d.Addr); err != nil {
		s.metrics.Dropped(observability.DropWriteError)
		s.logger.Warn("udp send failed",
			zap.Stringer("addr", d.Addr),
			zap.Error(err),
		)
		return
	}
	s.metrics.DatagramsSent.Inc()
}

func network(ip netip.Addr) string {
	if ip.Is4() || ip.Is4In6() {
		return "udp4"
	}
	return "udp6"
}

// normalize strips the IPv4-in-IPv6 mapping so one peer has one address form.
func normalize(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
