package hub

import (
	"io"
	"sync"
	"sync/atomic"
)

// connCloser combines io.Closer with comparable for map key usage.
type connCloser interface {
	comparable
	io.Closer
}

// connTracker tracks accepted connections so Stop can close them all
// immediately instead of waiting for each handler to notice cancellation.
type connTracker[T connCloser] struct {
	mu          sync.Mutex
	connections map[T]struct{}
	connCount   atomic.Int64
}

func newConnTracker[T connCloser]() *connTracker[T] {
	return &connTracker[T]{
		connections: make(map[T]struct{}),
	}
}

func (t *connTracker[T]) add(conn T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connections[conn] = struct{}{}
	t.connCount.Add(1)
}

func (t *connTracker[T]) remove(conn T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.connections[conn]; exists {
		delete(t.connections, conn)
		t.connCount.Add(-1)
	}
}

func (t *connTracker[T]) count() int64 {
	return t.connCount.Load()
}

func (t *connTracker[T]) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for conn := range t.connections {
		conn.Close()
	}
	t.connections = make(map[T]struct{})
	t.connCount.Store(0)
}
