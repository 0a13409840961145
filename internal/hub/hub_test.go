package hub

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/duohop/duohop/internal/credentials"
	"github.com/duohop/duohop/internal/socks5wire"
)

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
			buf := make([]byte, 64)
			conn.Read(buf)
		}(conn)
	}
}

func TestConfig_ValidateRejectsNonSOCKS5Upstream(t *testing.T) {
	cfg := Config{
		Listen:   Role{Kind: FrontendSOCKS5, Addr: "127.0.0.1:0"},
		Upstream: Role{Kind: FrontendHTTP, Addr: "127.0.0.1:1080"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for non-socks5 upstream")
	}
}

func TestHub_RunInvokesOnListeningOnce(t *testing.T) {
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	defer upstreamLn.Close()
	go fakeUpstream(t, upstreamLn)

	cfg := Config{
		Listen:   Role{Kind: FrontendSOCKS5, Addr: "127.0.0.1:0"},
		Upstream: Role{Kind: FrontendSOCKS5, Addr: upstreamLn.Addr().String()},
	}
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	var bound net.Addr
	done := make(chan error, 1)
	go func() {
		done <- h.Run(ctx, func(addr net.Addr) {
			calls++
			bound = addr
		})
	}()

	time.Sleep(100 * time.Millisecond)
	if calls != 1 {
		t.Fatalf("onListening called %d times, want 1", calls)
	}
	if bound == nil {
		t.Fatal("onListening received nil address")
	}

	if err := h.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("second Stop should be a no-op: %v", err)
	}
	cancel()
	<-done
}

func TestHub_StopRefusesNewConnections(t *testing.T) {
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	defer upstreamLn.Close()
	go fakeUpstream(t, upstreamLn)

	cfg := Config{
		Listen:   Role{Kind: FrontendSOCKS5, Addr: "127.0.0.1:0"},
		Upstream: Role{Kind: FrontendSOCKS5, Addr: upstreamLn.Addr().String()},
	}
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() {
		done <- h.Run(ctx, func(addr net.Addr) { addrCh <- addr })
	}()
	addr := <-addrCh

	h.Stop()
	cancel()
	<-done

	if _, err := net.DialTimeout("tcp", addr.String(), 200*time.Millisecond); err == nil {
		t.Fatal("expected dial to fail after Stop")
	}
}

func TestHub_SetLogSinkRedirectsSubsequentLogging(t *testing.T) {
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	defer upstreamLn.Close()
	go fakeUpstream(t, upstreamLn)

	cfg := Config{
		Listen:   Role{Kind: FrontendSOCKS5, Addr: "127.0.0.1:0"},
		Upstream: Role{Kind: FrontendSOCKS5, Addr: upstreamLn.Addr().String()},
	}
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var buf bytes.Buffer
	h.SetLogSink(slog.New(slog.NewTextHandler(&buf, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// No onListening callback: Run logs the bound address itself via
	// h.logger(), so a successful bind alone proves SetLogSink's logger
	// is the one Run actually reaches for.
	done := make(chan error, 1)
	go func() {
		done <- h.Run(ctx, nil)
	}()

	time.Sleep(100 * time.Millisecond)
	h.Stop()
	cancel()
	<-done

	if buf.Len() == 0 {
		t.Fatal("expected SetLogSink's logger to receive output from Run")
	}
	if !bytes.Contains(buf.Bytes(), []byte("listening")) {
		t.Fatalf("expected 'listening' log line, got: %s", buf.String())
	}
}

func TestHub_SetLogSinkNilFallsBackToDiscard(t *testing.T) {
	cfg := Config{
		Listen:   Role{Kind: FrontendSOCKS5, Addr: "127.0.0.1:0"},
		Upstream: Role{Kind: FrontendSOCKS5, Addr: "127.0.0.1:1"},
	}
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h.SetLogSink(nil)
	if h.logger() == nil {
		t.Fatal("expected SetLogSink(nil) to install a discard logger, not leave it nil")
	}
}

func TestConfig_EmptyCredentialsAllowed(t *testing.T) {
	cfg := Config{
		Listen:   Role{Kind: FrontendSOCKS5, Addr: "127.0.0.1:1080", Creds: credentials.Pair{}},
		Upstream: Role{Kind: FrontendSOCKS5, Addr: "127.0.0.1:1081"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
