// Package hub implements the proxy hub's lifecycle controller (C7):
// configuration validation, listener binding, the accept loop racing
// against cancellation, and per-connection dispatch into whichever
// frontend (SOCKS5 or HTTP) the listen role names.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/duohop/duohop/internal/acl"
	"github.com/duohop/duohop/internal/credentials"
	"github.com/duohop/duohop/internal/httpproxy"
	"github.com/duohop/duohop/internal/logging"
	"github.com/duohop/duohop/internal/recovery"
	"github.com/duohop/duohop/internal/socks5client"
	"github.com/duohop/duohop/internal/socks5server"
)

// FrontendKind names which protocol state machine the listener terminates.
type FrontendKind int

const (
	FrontendSOCKS5 FrontendKind = iota
	FrontendHTTP
)

// Role describes one side of the proxy: the local listener the frontend
// binds, or the remote SOCKS5 server requests are tunneled through.
type Role struct {
	Kind  FrontendKind
	Addr  string
	Creds credentials.Pair
}

// Config is the hub's complete startup configuration. ACL is optional;
// a nil ACL always proxies.
type Config struct {
	Listen   Role
	Upstream Role
	ACL      acl.Policy
	Logger   *slog.Logger
	// AcceptRatePerSecond bounds the accept loop's connection admission
	// rate; zero disables limiting.
	AcceptRatePerSecond float64
}

// Validate enforces the one hard configuration invariant: the upstream
// must speak SOCKS5. Anything else is a startup error, never a runtime
// one.
func (c Config) Validate() error {
	if c.Upstream.Kind != FrontendSOCKS5 {
		return errors.New("hub: upstream role must be socks5")
	}
	if c.Listen.Addr == "" {
		return errors.New("hub: listen address must not be empty")
	}
	if c.Upstream.Addr == "" {
		return errors.New("hub: upstream address must not be empty")
	}
	return nil
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return logging.NopLogger()
	}
	return c.Logger
}

// Hub owns the bound listener and the set of in-flight connections.
type Hub struct {
	cfg      Config
	listener net.Listener
	tracker  *connTracker[net.Conn]

	// logSink is the hub's active structured-logging destination. It
	// starts as cfg.Logger but can be swapped at any time via SetLogSink
	// -- the pure-Go equivalent of the embedding ABI's
	// socks_hub_set_log_callback (spec §6), read with no locking on the
	// per-connection hot path.
	logSink atomic.Pointer[slog.Logger]

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New validates cfg and constructs a Hub. It does not bind a socket --
// call Run to do that.
func New(cfg Config) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Hub{
		cfg:     cfg,
		tracker: newConnTracker[net.Conn](),
		stopCh:  make(chan struct{}),
	}
	h.logSink.Store(cfg.logger())
	return h, nil
}

// SetLogSink swaps the hub's log destination. Safe to call at any point
// in the hub's lifecycle, including while Run is actively serving
// connections; already-in-flight log calls finish against whichever
// logger was current when they started.
func (h *Hub) SetLogSink(logger *slog.Logger) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	h.logSink.Store(logger)
}

func (h *Hub) logger() *slog.Logger {
	return h.logSink.Load()
}

// Run binds the listener, invokes onListening exactly once with the
// resolved address, and then runs the accept loop until ctx is canceled
// or Stop is called. Run blocks until the accept loop exits.
func (h *Hub) Run(ctx context.Context, onListening func(net.Addr)) error {
	ln, err := net.Listen("tcp", h.cfg.Listen.Addr)
	if err != nil {
		return fmt.Errorf("hub: bind %s: %w", h.cfg.Listen.Addr, err)
	}
	h.listener = ln
	h.running.Store(true)

	// Closing the listener on cancellation unblocks Accept, so the accept
	// loop observes ctx as well as Stop.
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-h.stopCh:
		}
	}()

	if onListening != nil {
		onListening(ln.Addr())
	} else {
		h.logger().Info("listening", slog.String(logging.KeyListenAddr, ln.Addr().String()))
	}

	upstream := socks5client.New(h.cfg.Upstream.Addr, h.cfg.Upstream.Creds)

	var limiter *rate.Limiter
	if h.cfg.AcceptRatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.cfg.AcceptRatePerSecond), int(h.cfg.AcceptRatePerSecond)+1)
	}

	h.acceptLoop(ctx, upstream, limiter)
	return nil
}

// Stop is idempotent: the first call closes the listener and every
// tracked connection; later calls are no-ops.
func (h *Hub) Stop() error {
	var err error
	h.stopOnce.Do(func() {
		h.running.Store(false)
		close(h.stopCh)
		if h.listener != nil {
			err = h.listener.Close()
		}
		h.tracker.closeAll()
	})
	h.wg.Wait()
	return err
}

// Addr returns the bound listener address, or nil before Run binds it.
func (h *Hub) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// ConnectionCount returns the number of connections currently being
// served.
func (h *Hub) ConnectionCount() int64 {
	return h.tracker.count()
}

func (h *Hub) acceptLoop(ctx context.Context, upstream *socks5client.Client, limiter *rate.Limiter) {
	for {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		conn, err := h.listener.Accept()
		if err != nil {
			select {
			case <-h.stopCh:
				return
			case <-ctx.Done():
				return
			default:
				h.logger().Debug("accept error", slog.String(logging.KeyError, err.Error()))
				continue
			}
		}

		h.tracker.add(conn)
		h.wg.Add(1)
		go h.serve(ctx, conn, upstream)
	}
}

func (h *Hub) serve(ctx context.Context, conn net.Conn, upstream *socks5client.Client) {
	defer h.wg.Done()
	defer h.tracker.remove(conn)
	defer conn.Close()
	defer recovery.RecoverWithLog(h.logger(), "hub.serve")

	start := time.Now()
	switch h.cfg.Listen.Kind {
	case FrontendSOCKS5:
		handler := &socks5server.Handler{
			Creds:    h.cfg.Listen.Creds,
			ACL:      h.cfg.ACL,
			Upstream: upstream,
			Logger:   h.logger(),
		}
		handler.Handle(ctx, conn)
	case FrontendHTTP:
		handler := &httpproxy.Handler{
			Creds:    h.cfg.Listen.Creds,
			ACL:      h.cfg.ACL,
			Upstream: upstream,
			Logger:   h.logger(),
		}
		handler.Handle(ctx, conn)
	}
	h.logger().Debug("connection served",
		slog.String(logging.KeyRemoteAddr, conn.RemoteAddr().String()),
		slog.Duration(logging.KeyDuration, time.Since(start)))
}
