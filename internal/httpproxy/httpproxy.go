package httpproxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/duohop/duohop/internal/acl"
	"github.com/duohop/duohop/internal/bridge"
	"github.com/duohop/duohop/internal/credentials"
	"github.com/duohop/duohop/internal/logging"
	"github.com/duohop/duohop/internal/recovery"
	"github.com/duohop/duohop/internal/socks5client"
	"github.com/duohop/duohop/internal/socks5wire"
)

// Handler dispatches one HTTP frontend connection at a time. Like
// socks5server.Handler, it owns no listener -- internal/hub calls Handle
// per accepted connection.
type Handler struct {
	Creds    credentials.Pair
	ACL      acl.Policy
	Upstream *socks5client.Client
	Logger   *slog.Logger
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return logging.NopLogger()
	}
	return h.Logger
}

// Handle reads exactly one request off conn and either tunnels it
// (CONNECT) or forwards it (every other method) before returning. The
// frontend does not keep connections alive across exchanges: each accepted
// socket serves one request, matching the original implementation's
// per-connection hyper service.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) {
	defer recovery.RecoverWithLog(h.logger(), "httpproxy.Handle")

	br := bufio.NewReader(conn)
	req, err := readRequest(br)
	if err != nil {
		h.logger().Debug("malformed request", slog.String(logging.KeyError, err.Error()))
		return
	}

	if strings.EqualFold(req.Method, "CONNECT") {
		h.handleConnect(ctx, conn, br, req)
		return
	}
	h.handleForward(ctx, conn, br, req)
}

// handleConnect validates the authority-form target, applies the
// CONNECT-leniency authorization rule, acknowledges with 200, and bridges
// the raw connection. Any bytes readRequest's bufio.Reader already
// buffered past the header block must flow into the bridge too, so the
// first half of the tunnel copy is primed from br instead of conn
// directly.
func (h *Handler) handleConnect(ctx context.Context, conn net.Conn, br *bufio.Reader, req *requestLine) {
	host, port, err := splitAuthority(req.Target)
	if err != nil {
		writeError(conn, 400, "Bad Request")
		return
	}

	if !h.authorizedConnect(req) {
		writeError(conn, 401, "Unauthorized")
		return
	}

	dst := targetAddress(host, port)
	target, err := h.dial(ctx, dst)
	if err != nil {
		h.logger().Debug("CONNECT dial failed",
			slog.String(logging.KeyHost, dst.String()),
			slog.String(logging.KeyError, err.Error()))
		writeError(conn, 400, "Bad Request")
		return
	}
	defer target.Close()

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	client := &bufferedConn{Conn: conn, r: br}
	if err := bridge.CopyTCP(h.logger(), client, target); err != nil {
		h.logger().Debug("bridge ended with error", slog.String(logging.KeyError, err.Error()))
	}
}

// authorizedConnect applies the documented leniency: a CONNECT request
// with no Authorization/Proxy-Authorization header is let through even
// when credentials are configured, matching browsers that omit the header
// on the first CONNECT attempt. A header that is present is still
// verified in full.
func (h *Handler) authorizedConnect(req *requestLine) bool {
	value, present := req.authorizationHeader()
	if !present {
		return true
	}
	return verifyBasicAuthorization(h.Creds, value, true)
}

// handleForward always verifies authorization, rewrites an absolute-form
// target to origin-form, forwards the single request, and copies the
// response back unmodified.
func (h *Handler) handleForward(ctx context.Context, conn net.Conn, br *bufio.Reader, req *requestLine) {
	value, present := req.authorizationHeader()
	if !verifyBasicAuthorization(h.Creds, value, present) {
		writeError(conn, 401, "Unauthorized")
		return
	}

	host, port, path, err := splitAbsoluteTarget(req.Target)
	if err != nil {
		writeError(conn, 400, "Bad Request")
		return
	}
	req.Target = path
	req.stripAuthorizationHeaders()

	dst := targetAddress(host, port)
	upstream, err := h.dial(ctx, dst)
	if err != nil {
		h.logger().Debug("forward dial failed",
			slog.String(logging.KeyHost, dst.String()),
			slog.String(logging.KeyError, err.Error()))
		writeError(conn, 400, "Bad Request")
		return
	}
	defer upstream.Close()

	if err := writeRequest(upstream, req); err != nil {
		return
	}
	if n := req.contentLength(); n > 0 {
		io.CopyN(upstream, br, n)
	}

	io.Copy(conn, upstream)
}

// dial resolves proxied-vs-direct via the ACL gate, exactly as
// socks5server.Handler.dial does for CONNECT destinations.
func (h *Handler) dial(ctx context.Context, dst socks5wire.Address) (net.Conn, error) {
	if h.ACL != nil && !h.ACL.MustProxy(dst.Domain) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", dst.String())
	}
	return h.Upstream.ConnectTCP(ctx, dst)
}

func targetAddress(host string, port uint16) socks5wire.Address {
	if ip := net.ParseIP(host); ip != nil {
		return socks5wire.NewIPAddress(ip, port)
	}
	return socks5wire.NewDomainAddress(host, port)
}

// splitAuthority parses a CONNECT request-target of the form host:port.
func splitAuthority(target string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return "", 0, fmt.Errorf("httpproxy: invalid CONNECT authority %q: %w", target, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("httpproxy: invalid CONNECT port %q: %w", portStr, err)
	}
	return host, uint16(port), nil
}

// splitAbsoluteTarget parses a forward request's absolute-form target
// (scheme://host[:port]/path) into host, port, and the origin-form path
// to send upstream. Port defaults to 80, matching plain-HTTP forward
// proxying -- this frontend never terminates TLS for forwarded requests.
func splitAbsoluteTarget(target string) (host string, port uint16, path string, err error) {
	rest := target
	if idx := strings.Index(rest, "://"); idx >= 0 {
		rest = rest[idx+len("://"):]
	} else {
		return "", 0, "", fmt.Errorf("httpproxy: forward target %q is not absolute-form", target)
	}

	pathIdx := strings.IndexByte(rest, '/')
	authority := rest
	path = "/"
	if pathIdx >= 0 {
		authority = rest[:pathIdx]
		path = rest[pathIdx:]
	}

	if h, p, splitErr := net.SplitHostPort(authority); splitErr == nil {
		parsed, parseErr := strconv.ParseUint(p, 10, 16)
		if parseErr != nil {
			return "", 0, "", fmt.Errorf("httpproxy: invalid port %q: %w", p, parseErr)
		}
		return h, uint16(parsed), path, nil
	}
	if authority == "" {
		return "", 0, "", fmt.Errorf("httpproxy: empty authority in target %q", target)
	}
	return authority, 80, path, nil
}

// writeError writes a minimal, connection-closing error response. Errors
// from the write itself are ignored: the connection is being abandoned
// either way.
func writeError(w io.Writer, code int, reason string) {
	body := reason + "\n"
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, reason, len(body), body)
}

// bufferedConn lets a bufio.Reader's already-buffered bytes flow into
// io.Copy-based relaying before reads fall through to the underlying
// connection directly.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}
