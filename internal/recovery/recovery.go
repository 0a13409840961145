// Package recovery guards the hub's per-connection goroutines against a
// panic in one handler taking down the accept loop or any sibling
// connection.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers from a panic and logs it with the provided
// logger. Every connection handler (socks5server.Handle, httpproxy.Handle,
// hub.serve) defers this immediately on entry so a panic in one connection
// never reaches the caller's goroutine.
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		stack := string(debug.Stack())
		logger.Error("panic recovered",
			"handler", name,
			"panic", fmt.Sprintf("%v", r),
			"stack", stack)
	}
}
