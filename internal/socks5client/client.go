// Package socks5client implements the hub's SOCKS5 client used to dial the
// single configured upstream server: a TCP CONNECT relay and a UDP
// ASSOCIATE relay, both built on internal/socks5wire's codec. Domain
// destinations are always forwarded as given -- this client never resolves
// them itself, so DNS happens at the upstream.
package socks5client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/duohop/duohop/internal/credentials"
	"github.com/duohop/duohop/internal/socks5wire"
)

// ConnectTimeout bounds both the TCP dial to the upstream and the SOCKS5
// handshake that follows it, treated as a single deadline.
const ConnectTimeout = 5 * time.Second

// Client dials a single upstream SOCKS5 server on behalf of the hub's
// frontends (the HTTP proxy and the SOCKS5 server).
type Client struct {
	// UpstreamAddr is the upstream SOCKS5 server's host:port.
	UpstreamAddr string
	// Auth holds credentials to offer the upstream. An empty Pair means
	// only MethodNoAuth is offered.
	Auth credentials.Pair
	// Dialer is used for the initial TCP connection; a nil Dialer uses a
	// plain net.Dialer.
	Dialer *net.Dialer
}

// New builds a Client for the given upstream address and credentials.
func New(upstreamAddr string, auth credentials.Pair) *Client {
	return &Client{UpstreamAddr: upstreamAddr, Auth: auth}
}

func (c *Client) dialer() *net.Dialer {
	if c.Dialer != nil {
		return c.Dialer
	}
	return &net.Dialer{}
}

// methods returns the authentication methods to offer, in the order the
// hub prefers them: UserPass first when credentials are configured (per
// spec, the client "may offer [UserPass, NoAuth]"), always including
// NoAuth as a fallback so an upstream that doesn't require auth still
// completes the handshake.
func (c *Client) methods() []byte {
	if c.Auth.Empty() {
		return []byte{socks5wire.MethodNoAuth}
	}
	return []byte{socks5wire.MethodUserPass, socks5wire.MethodNoAuth}
}

// handshake performs the method negotiation and optional sub-negotiation
// on an already-dialed connection within its current deadline.
func (c *Client) handshake(conn net.Conn) error {
	if err := socks5wire.WriteAuthRequest(conn, c.methods()); err != nil {
		return fmt.Errorf("socks5client: writing method selection: %w", err)
	}
	method, err := socks5wire.ReadAuthResponse(conn)
	if err != nil {
		return fmt.Errorf("socks5client: reading method selection: %w", err)
	}

	switch method {
	case socks5wire.MethodUserPass:
		if err := socks5wire.WriteUserPass(conn, c.Auth.Username, c.Auth.Password); err != nil {
			return fmt.Errorf("socks5client: writing user/pass: %w", err)
		}
		if err := socks5wire.ReadUserPassReply(conn); err != nil {
			return fmt.Errorf("socks5client: user/pass rejected: %w", err)
		}
	case socks5wire.MethodNoAuth:
		// nothing further to negotiate
	default:
		return fmt.Errorf("socks5client: upstream selected unsupported method 0x%02x", method)
	}
	return nil
}

// dial opens the TCP control connection to the upstream and runs the
// handshake, all within ConnectTimeout.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	conn, err := c.dialer().DialContext(dialCtx, "tcp", c.UpstreamAddr)
	if err != nil {
		return nil, fmt.Errorf("socks5client: dialing upstream %s: %w", c.UpstreamAddr, err)
	}

	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := c.handshake(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// ConnectTCP performs a SOCKS5 CONNECT to dst through the upstream and
// returns the established relay stream. dst is sent exactly as given --
// domain names are never pre-resolved by the client.
func (c *Client) ConnectTCP(ctx context.Context, dst socks5wire.Address) (net.Conn, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	if err := socks5wire.WriteRequest(conn, socks5wire.CmdConnect, dst); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socks5client: writing CONNECT request: %w", err)
	}
	if _, err := socks5wire.ReadReply(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socks5client: CONNECT to %s: %w", dst, err)
	}

	// Steady-state relaying has no timeout by design; the caller drives it.
	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

// UDPAssociation is an established UDP ASSOCIATE session with the
// upstream: the TCP control connection that keeps the association alive,
// and a local UDP socket used to exchange SOCKS5-encapsulated datagrams
// with the address the upstream advertised in its reply.
type UDPAssociation struct {
	ctrl      net.Conn
	relayAddr *net.UDPAddr
	conn      *net.UDPConn
}

// ConnectUDP establishes a UDP ASSOCIATE session with the upstream. The
// returned association's control connection must be kept alive for the
// lifetime of the relay -- closing it tears down the association at the
// upstream (RFC 1928 §7).
func (c *Client) ConnectUDP(ctx context.Context) (*UDPAssociation, error) {
	ctrl, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	if err := socks5wire.WriteRequest(ctrl, socks5wire.CmdUDPAssociate, socks5wire.UnspecifiedIPv4()); err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("socks5client: writing UDP ASSOCIATE request: %w", err)
	}
	bound, err := socks5wire.ReadReply(ctrl)
	if err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("socks5client: UDP ASSOCIATE: %w", err)
	}
	_ = ctrl.SetDeadline(time.Time{})

	relayHost := bound.String()
	relayAddr, err := net.ResolveUDPAddr("udp", relayHost)
	if err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("socks5client: resolving relay address %s: %w", relayHost, err)
	}
	if relayAddr.IP.IsUnspecified() {
		// Some servers report 0.0.0.0 and expect the control connection's
		// peer address to be used instead.
		host, _, splitErr := net.SplitHostPort(ctrl.RemoteAddr().String())
		if splitErr == nil {
			relayAddr.IP = net.ParseIP(host)
		}
	}

	conn, err := net.DialUDP("udp", nil, relayAddr)
	if err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("socks5client: dialing UDP relay %s: %w", relayAddr, err)
	}

	return &UDPAssociation{ctrl: ctrl, relayAddr: relayAddr, conn: conn}, nil
}

// Send encapsulates payload for dst per the SOCKS5 UDP header format and
// sends it to the upstream's relay address.
func (a *UDPAssociation) Send(dst socks5wire.Address, payload []byte) error {
	header, err := socks5wire.EncodeUDPHeader(dst)
	if err != nil {
		return err
	}
	datagram := make([]byte, 0, len(header)+len(payload))
	datagram = append(datagram, header...)
	datagram = append(datagram, payload...)
	_, err = a.conn.Write(datagram)
	return err
}

// Receive reads one encapsulated datagram from the upstream relay and
// decodes its SOCKS5 UDP header.
func (a *UDPAssociation) Receive(buf []byte) (dst socks5wire.Address, payload []byte, err error) {
	n, err := a.conn.Read(buf)
	if err != nil {
		return socks5wire.Address{}, nil, err
	}
	dst, payload, err = socks5wire.DecodeUDPHeader(buf[:n])
	return dst, payload, err
}

// Close tears down the UDP association: closing the control connection
// ends the association at the upstream, and the local UDP socket is
// released.
func (a *UDPAssociation) Close() error {
	ctrlErr := a.ctrl.Close()
	connErr := a.conn.Close()
	if ctrlErr != nil {
		return ctrlErr
	}
	return connErr
}
