// Package bridge implements the hub's per-connection relaying (C5): a
// full-duplex TCP byte copy between an inbound connection and whatever it
// was dialed to, and a UDP datagram relay that pins the first observed
// client and forwards SOCKS5-encapsulated datagrams to and from the
// upstream.
package bridge

import (
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/duohop/duohop/internal/logging"
)

// halfCloser lets one direction of a full-duplex copy signal EOF to its
// peer without tearing down the whole connection, the same interface the
// teacher's relay() checks for before falling back to a full Close.
type halfCloser interface {
	CloseWrite() error
}

// CopyTCP relays bytes in both directions between a and b. Each direction
// copies until its source reaches EOF or fails, then passes the EOF on to
// its destination: with CloseWrite where the destination supports it,
// otherwise by closing the destination. A half-closed destination keeps
// sending, so CopyTCP returns only once both directions have ended; it
// then closes both. It reports bytes transferred each way at debug level
// and returns the first non-nil, non-EOF error encountered by either
// direction.
func CopyTCP(logger *slog.Logger, a, b net.Conn) error {
	if logger == nil {
		logger = logging.NopLogger()
	}
	defer a.Close()
	defer b.Close()

	var g errgroup.Group

	g.Go(func() error {
		n, err := io.Copy(a, b)
		if hc, ok := a.(halfCloser); ok {
			hc.CloseWrite()
		} else {
			a.Close()
		}
		logger.Debug("bridge direction closed",
			slog.String("direction", "upstream->client"),
			slog.String("bytes", humanize.Bytes(uint64(n))))
		return ignoreCloseErrors(err)
	})

	g.Go(func() error {
		n, err := io.Copy(b, a)
		if hc, ok := b.(halfCloser); ok {
			hc.CloseWrite()
		} else {
			b.Close()
		}
		logger.Debug("bridge direction closed",
			slog.String("direction", "client->upstream"),
			slog.String("bytes", humanize.Bytes(uint64(n))))
		return ignoreCloseErrors(err)
	})

	return g.Wait()
}

// ignoreCloseErrors folds the errors io.Copy produces once a peer we just
// closed ourselves (via CloseWrite/Close from the other goroutine) stops
// accepting writes -- these are an expected consequence of the bridge
// ending, not a bridge failure.
func ignoreCloseErrors(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}
