// Package socks5server implements the hub's SOCKS5 frontend (C3): method
// negotiation, optional username/password sub-negotiation, and request
// dispatch into a CONNECT bridge or a UDP ASSOCIATE relay. BIND is
// accepted on the wire only to be rejected -- this hub never services it.
package socks5server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/duohop/duohop/internal/acl"
	"github.com/duohop/duohop/internal/bridge"
	"github.com/duohop/duohop/internal/credentials"
	"github.com/duohop/duohop/internal/logging"
	"github.com/duohop/duohop/internal/recovery"
	"github.com/duohop/duohop/internal/socks5client"
	"github.com/duohop/duohop/internal/socks5wire"
)

// Handler dispatches one SOCKS5 frontend connection at a time. It has no
// listener of its own -- the hub's lifecycle controller (internal/hub)
// owns the socket and calls Handle per accepted connection.
type Handler struct {
	// Creds are the credentials required of frontend clients. An empty
	// Pair means the hub requires no authentication (only NoAuth is
	// offered).
	Creds credentials.Pair
	// ACL decides proxied-vs-direct for CONNECT and UDP destinations. A
	// nil ACL always proxies.
	ACL acl.Policy
	// Upstream dials the configured SOCKS5 upstream.
	Upstream *socks5client.Client
	// Logger receives structured diagnostics. A nil Logger discards them.
	Logger *slog.Logger
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return logging.NopLogger()
	}
	return h.Logger
}

// Handle runs the SOCKS5 server state machine over conn until the
// connection's work is done (CONNECT bridge ends, UDP relay ends, or the
// request is rejected). The caller is responsible for conn.Close(); on the
// CONNECT path the bridge also closes conn when relaying ends.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) {
	defer recovery.RecoverWithLog(h.logger(), "socks5server.Handle")

	if err := h.negotiateAuth(conn); err != nil {
		h.logger().Debug("auth negotiation failed",
			slog.String(logging.KeyRemoteAddr, conn.RemoteAddr().String()),
			slog.String(logging.KeyError, err.Error()))
		return
	}

	cmd, dst, err := socks5wire.ReadRequest(conn)
	if err != nil {
		h.logger().Debug("malformed request", slog.String(logging.KeyError, err.Error()))
		return
	}

	switch cmd {
	case socks5wire.CmdConnect:
		h.handleConnect(ctx, conn, dst)
	case socks5wire.CmdUDPAssociate:
		h.handleUDPAssociate(ctx, conn, dst)
	default:
		socks5wire.WriteReply(conn, socks5wire.ReplyCommandNotSupported, socks5wire.UnspecifiedIPv4())
	}
}

// negotiateAuth performs method selection and, if UserPass is chosen,
// RFC 1929 sub-negotiation. A client that selects NoAuth when the hub
// requires credentials is a protocol violation, not a silent accept: no
// common method exists, so the server has already rejected it during
// selection.
func (h *Handler) negotiateAuth(conn net.Conn) error {
	methods, err := socks5wire.ReadAuthRequest(conn)
	if err != nil {
		return fmt.Errorf("socks5server: reading method selection: %w", err)
	}

	want := byte(socks5wire.MethodNoAuth)
	if !h.Creds.Empty() {
		want = socks5wire.MethodUserPass
	}

	chosen := byte(socks5wire.MethodNoAcceptable)
	for _, m := range methods {
		if m == want {
			chosen = want
			break
		}
	}
	if err := socks5wire.WriteAuthResponse(conn, chosen); err != nil {
		return err
	}
	if chosen == socks5wire.MethodNoAcceptable {
		return socks5wire.ErrNoAcceptableMethod
	}

	if chosen != socks5wire.MethodUserPass {
		return nil
	}

	user, pass, err := socks5wire.ReadUserPass(conn)
	if err != nil {
		return fmt.Errorf("socks5server: reading user/pass: %w", err)
	}
	if !h.Creds.EqualWireForm(user + ":" + pass) {
		socks5wire.WriteUserPassReply(conn, socks5wire.AuthFailure)
		return fmt.Errorf("socks5server: auth failed for user %q", user)
	}
	return socks5wire.WriteUserPassReply(conn, socks5wire.AuthSuccess)
}

// handleConnect replies Succeeded with the 0.0.0.0:0 placeholder before
// starting the bridge, per spec -- the bound-address field carries no
// meaning for a CONNECT reply in this hub.
func (h *Handler) handleConnect(ctx context.Context, client net.Conn, dst socks5wire.Address) {
	target, err := h.dial(ctx, dst)
	if err != nil {
		socks5wire.WriteReply(client, mapDialError(err), socks5wire.UnspecifiedIPv4())
		h.logger().Debug("CONNECT dial failed",
			slog.String(logging.KeyHost, dst.String()),
			slog.String(logging.KeyError, err.Error()))
		return
	}
	defer target.Close()

	if err := socks5wire.WriteReply(client, socks5wire.ReplySucceeded, socks5wire.UnspecifiedIPv4()); err != nil {
		return
	}

	if err := bridge.CopyTCP(h.logger(), client, target); err != nil {
		h.logger().Debug("bridge ended with error", slog.String(logging.KeyError, err.Error()))
	}
}

// dial resolves proxied-vs-direct via the ACL gate. The direct path must
// resolve domain destinations itself; the proxied path forwards them to
// the upstream verbatim.
func (h *Handler) dial(ctx context.Context, dst socks5wire.Address) (net.Conn, error) {
	if dst.Type == socks5wire.ATYPDomain && h.ACL != nil && !h.ACL.MustProxy(dst.Domain) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", dst.String())
	}
	return h.Upstream.ConnectTCP(ctx, dst)
}

// mapDialError maps a dial failure to the closest SOCKS5 reply code, the
// same coarse classification the teacher's handler.go uses for its own
// dial errors.
func mapDialError(err error) byte {
	var replyErr *socks5wire.ReplyError
	if errors.As(err, &replyErr) {
		return replyErr.Code
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return socks5wire.ReplyHostUnreachable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return socks5wire.ReplyTTLExpired
	}
	return socks5wire.ReplyGeneralFailure
}

// handleUDPAssociate binds a fresh UDP socket on the same interface as the
// control connection, advertises it in the reply, establishes the
// upstream UDP association (using the hub's configured upstream
// credentials -- not nil, see SPEC_FULL.md's resolved open question), and
// runs the relay until the control connection closes.
func (h *Handler) handleUDPAssociate(ctx context.Context, client net.Conn, _ socks5wire.Address) {
	localIP := controlLocalIP(client)

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: localIP})
	if err != nil {
		socks5wire.WriteReply(client, socks5wire.ReplyGeneralFailure, socks5wire.UnspecifiedIPv4())
		return
	}
	defer udpConn.Close()

	bound := udpConn.LocalAddr().(*net.UDPAddr)
	if err := socks5wire.WriteReply(client, socks5wire.ReplySucceeded, socks5wire.NewIPAddress(bound.IP, uint16(bound.Port))); err != nil {
		return
	}

	assoc, err := h.Upstream.ConnectUDP(ctx)
	if err != nil {
		h.logger().Debug("UDP ASSOCIATE upstream setup failed", slog.String(logging.KeyError, err.Error()))
		return
	}
	defer assoc.Close()

	relay := bridge.NewUDPRelay(udpConn, assoc, h.ACL, h.logger())

	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	relayDone := make(chan error, 1)
	go func() { relayDone <- relay.Run(relayCtx) }()

	// The UDP association's lifetime is tied to the TCP control
	// connection (RFC 1928 §7): block until it closes, then tear down the
	// relay.
	var b [1]byte
	client.Read(b[:])
	cancel()
	<-relayDone
}

func controlLocalIP(conn net.Conn) net.IP {
	if tcpAddr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		return tcpAddr.IP
	}
	return net.IPv4zero
}
