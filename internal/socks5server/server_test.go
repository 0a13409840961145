package socks5server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/duohop/duohop/internal/credentials"
	"github.com/duohop/duohop/internal/socks5client"
	"github.com/duohop/duohop/internal/socks5wire"
)

// fakeUpstream runs a minimal upstream SOCKS5 server that answers every
// CONNECT it accepts with success, without dialing anywhere real.
func fakeUpstream(t *testing.T, ln net.Listener) {
	t.Helper()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			defer conn.Close()
			socks5wire.ReadAuthRequest(conn)
			socks5wire.WriteAuthResponse(conn, socks5wire.MethodNoAuth)
			_, _, err := socks5wire.ReadRequest(conn)
			if err != nil {
				return
			}
			socks5wire.WriteReply(conn, socks5wire.ReplySucceeded, socks5wire.UnspecifiedIPv4())
			// Keep the "relay" alive briefly so the bridge has something
			// to copy before the test tears it down.
			buf := make([]byte, 64)
			conn.Read(buf)
		}(conn)
	}
}

func newTestHandler(t *testing.T, creds credentials.Pair) (*Handler, func()) {
	t.Helper()
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	go fakeUpstream(t, upstreamLn)

	h := &Handler{
		Creds:    creds,
		Upstream: socks5client.New(upstreamLn.Addr().String(), credentials.Pair{}),
	}
	return h, func() { upstreamLn.Close() }
}

func TestHandle_ConnectNoAuth(t *testing.T) {
	h, cleanup := newTestHandler(t, credentials.Pair{})
	defer cleanup()

	clientConn, serverConn := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go h.Handle(ctx, serverConn)

	if err := socks5wire.WriteAuthRequest(clientConn, []byte{socks5wire.MethodNoAuth}); err != nil {
		t.Fatalf("WriteAuthRequest: %v", err)
	}
	method, err := socks5wire.ReadAuthResponse(clientConn)
	if err != nil {
		t.Fatalf("ReadAuthResponse: %v", err)
	}
	if method != socks5wire.MethodNoAuth {
		t.Fatalf("method = %d, want NoAuth", method)
	}

	if err := socks5wire.WriteRequest(clientConn, socks5wire.CmdConnect, socks5wire.NewDomainAddress("example.com", 80)); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	addr, err := socks5wire.ReadReply(clientConn)
	if err != nil {
		t.Fatalf("ReadReply: %v", err)
	}
	if addr.Port != 0 {
		t.Errorf("expected placeholder bind port 0, got %d", addr.Port)
	}
	clientConn.Close()
}

func TestHandle_RejectsWrongCredentials(t *testing.T) {
	h, cleanup := newTestHandler(t, credentials.New("alice", "secret"))
	defer cleanup()

	clientConn, serverConn := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go h.Handle(ctx, serverConn)

	socks5wire.WriteAuthRequest(clientConn, []byte{socks5wire.MethodUserPass})
	method, err := socks5wire.ReadAuthResponse(clientConn)
	if err != nil || method != socks5wire.MethodUserPass {
		t.Fatalf("method = %d, err = %v", method, err)
	}
	socks5wire.WriteUserPass(clientConn, "alice", "wrong")
	if err := socks5wire.ReadUserPassReply(clientConn); err == nil {
		t.Fatal("expected auth failure for wrong password")
	}
}

func TestHandle_BindNotSupported(t *testing.T) {
	h, cleanup := newTestHandler(t, credentials.Pair{})
	defer cleanup()

	clientConn, serverConn := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go h.Handle(ctx, serverConn)

	socks5wire.WriteAuthRequest(clientConn, []byte{socks5wire.MethodNoAuth})
	socks5wire.ReadAuthResponse(clientConn)
	socks5wire.WriteRequest(clientConn, socks5wire.CmdBind, socks5wire.NewIPAddress(net.IPv4(1, 2, 3, 4), 80))

	_, err := socks5wire.ReadReply(clientConn)
	var replyErr *socks5wire.ReplyError
	if err == nil {
		t.Fatal("expected CommandNotSupported reply")
	}
	if !asReplyError(err, &replyErr) || replyErr.Code != socks5wire.ReplyCommandNotSupported {
		t.Fatalf("got err %v", err)
	}
}

func asReplyError(err error, target **socks5wire.ReplyError) bool {
	re, ok := err.(*socks5wire.ReplyError)
	if ok {
		*target = re
	}
	return ok
}
