package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/duohop/duohop/internal/acl"
	"github.com/duohop/duohop/internal/logging"
	"github.com/duohop/duohop/internal/socks5client"
	"github.com/duohop/duohop/internal/socks5wire"
)

// MaxUDPPacketSize is the Ethernet-MTU-derived ceiling on a single relayed
// UDP datagram. The inbound socket's read buffer is sized to this; the
// maximum payload a datagram can carry is MaxUDPPacketSize minus the
// SOCKS5 UDP header's worst case (a full 255-byte domain).
const MaxUDPPacketSize = 1500

// MaxUDPPayloadSize is the largest payload this relay forwards in a
// single datagram, leaving room for the largest possible SOCKS5 UDP
// header.
const MaxUDPPayloadSize = MaxUDPPacketSize - socks5wire.MaxUDPHeaderLen

// UDPRelay owns one inbound UDP socket (bound on the same interface as
// the SOCKS5 control connection and advertised to the client in the
// ASSOCIATE reply) and one upstream UDP association. The first datagram's
// source address is latched as the "pinned" client; all replies from the
// upstream are sent back to that address, and datagrams from any other
// source are ignored.
type UDPRelay struct {
	// Conn is the socket the client sends encapsulated datagrams to and
	// receives them from.
	Conn *net.UDPConn
	// Upstream is the already-established UDP ASSOCIATE session.
	Upstream *socks5client.UDPAssociation
	// ACL gates whether a decoded destination's domain bypasses the
	// upstream. A nil ACL always proxies.
	ACL acl.Policy
	// Dialer opens a direct UDP socket for ACL-bypassed destinations. A
	// nil Dialer uses net.Dial.
	Dialer func(network, address string) (net.Conn, error)

	logger *slog.Logger

	pinned atomic.Pointer[net.UDPAddr]

	directMu   sync.Mutex
	directConn map[string]net.Conn
}

// NewUDPRelay constructs a relay over an already-bound client socket and
// an already-established upstream association.
func NewUDPRelay(conn *net.UDPConn, upstream *socks5client.UDPAssociation, policy acl.Policy, logger *slog.Logger) *UDPRelay {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if policy == nil {
		policy = acl.Always()
	}
	return &UDPRelay{
		Conn:       conn,
		Upstream:   upstream,
		ACL:        policy,
		logger:     logger,
		directConn: make(map[string]net.Conn),
	}
}

// Run drives the relay until ctx is cancelled (the caller cancels it when
// the control connection closes) or a read from the client-facing socket
// or the upstream association fails. On return both the client-facing
// socket and the upstream association are closed.
func (r *UDPRelay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer r.closeDirect()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		r.Conn.Close()
		r.Upstream.Close()
		return nil
	})

	g.Go(func() error {
		return r.readFromClient(ctx)
	})

	g.Go(func() error {
		return r.readFromUpstream(ctx)
	})

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// readFromClient handles datagrams arriving on the client-facing socket:
// latch the pinned source on first packet, ignore anything else, decode
// the SOCKS5 header, and forward the payload either to the upstream
// association or directly, per ACL.
func (r *UDPRelay) readFromClient(ctx context.Context) error {
	buf := make([]byte, MaxUDPPacketSize)
	for {
		n, from, err := r.Conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}

		if !r.pin(from) {
			continue // not the pinned client; silently ignored per spec
		}

		dst, payload, err := socks5wire.DecodeUDPHeader(buf[:n])
		if err != nil {
			r.logger.Debug("dropping UDP datagram", slog.String(logging.KeyError, err.Error()))
			continue
		}

		if r.shouldBypass(dst) {
			r.sendDirect(ctx, dst, payload)
			continue
		}
		if err := r.Upstream.Send(dst, payload); err != nil {
			r.logger.Debug("forwarding to upstream failed", slog.String(logging.KeyError, err.Error()))
		}
	}
}

// readFromUpstream forwards datagrams received from the upstream
// association back to the pinned client, re-encapsulated with a SOCKS5
// UDP header describing their origin.
func (r *UDPRelay) readFromUpstream(ctx context.Context) error {
	buf := make([]byte, MaxUDPPacketSize)
	for {
		dst, payload, err := r.Upstream.Receive(buf)
		if err != nil {
			return err
		}
		r.deliver(dst, payload)
	}
}

// deliver encapsulates payload (sourced from origin) and sends it to the
// pinned client, if one has been latched yet.
func (r *UDPRelay) deliver(origin socks5wire.Address, payload []byte) {
	client := r.pinned.Load()
	if client == nil {
		return
	}
	header, err := socks5wire.EncodeUDPHeader(origin)
	if err != nil {
		r.logger.Debug("encoding UDP reply header failed", slog.String(logging.KeyError, err.Error()))
		return
	}
	datagram := make([]byte, 0, len(header)+len(payload))
	datagram = append(datagram, header...)
	datagram = append(datagram, payload...)
	if _, err := r.Conn.WriteToUDP(datagram, client); err != nil {
		r.logger.Debug("writing UDP reply to client failed", slog.String(logging.KeyError, err.Error()))
	}
}

// pin latches from as the relay's single client address on first use (a
// write-once atomic cell, no locking on the datagram hot path) and
// reports whether from is the pinned address.
func (r *UDPRelay) pin(from *net.UDPAddr) bool {
	r.pinned.CompareAndSwap(nil, from)
	pinned := r.pinned.Load()
	return pinned != nil && pinned.String() == from.String()
}

func (r *UDPRelay) shouldBypass(dst socks5wire.Address) bool {
	if dst.Type != socks5wire.ATYPDomain {
		return false
	}
	return !r.ACL.MustProxy(dst.Domain)
}

// sendDirect relays an ACL-bypassed datagram straight to its destination,
// opening (and caching) a per-destination UDP socket so replies can be
// routed back to the pinned client.
func (r *UDPRelay) sendDirect(ctx context.Context, dst socks5wire.Address, payload []byte) {
	key := dst.String()

	r.directMu.Lock()
	conn, ok := r.directConn[key]
	r.directMu.Unlock()

	if !ok {
		var err error
		conn, err = r.dial("udp", key)
		if err != nil {
			r.logger.Debug("direct UDP dial failed", slog.String(logging.KeyHost, key), slog.String(logging.KeyError, err.Error()))
			return
		}
		r.directMu.Lock()
		r.directConn[key] = conn
		r.directMu.Unlock()
		go r.readFromDirect(ctx, dst, conn)
	}

	if _, err := conn.Write(payload); err != nil {
		r.logger.Debug("direct UDP write failed", slog.String(logging.KeyError, err.Error()))
	}
}

func (r *UDPRelay) dial(network, address string) (net.Conn, error) {
	if r.Dialer != nil {
		return r.Dialer(network, address)
	}
	return net.Dial(network, address)
}

// readFromDirect forwards replies from a directly-dialed destination back
// to the pinned client, encapsulated as if they had come from origin.
func (r *UDPRelay) readFromDirect(ctx context.Context, origin socks5wire.Address, conn net.Conn) {
	buf := make([]byte, MaxUDPPayloadSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		r.deliver(origin, buf[:n])
	}
}

func (r *UDPRelay) closeDirect() {
	r.directMu.Lock()
	defer r.directMu.Unlock()
	for _, c := range r.directConn {
		c.Close()
	}
}
