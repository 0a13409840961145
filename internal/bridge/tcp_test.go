package bridge

import (
	"io"
	"net"
	"testing"
	"time"
)

func TestCopyTCP_RelaysBothDirections(t *testing.T) {
	clientLocal, clientRemote := net.Pipe()
	upstreamLocal, upstreamRemote := net.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- CopyTCP(nil, clientRemote, upstreamLocal)
	}()

	go func() {
		clientLocal.Write([]byte("hello upstream"))
	}()

	buf := make([]byte, 32)
	n, _ := io.ReadFull(upstreamRemote, buf[:len("hello upstream")])
	if string(buf[:n]) != "hello upstream" {
		t.Fatalf("got %q", buf[:n])
	}

	upstreamRemote.Write([]byte("hello client"))
	upstreamRemote.Close()

	buf2 := make([]byte, 32)
	n2, _ := io.ReadFull(clientLocal, buf2[:len("hello client")])
	if string(buf2[:n2]) != "hello client" {
		t.Fatalf("got %q", buf2[:n2])
	}
	clientLocal.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("CopyTCP did not return in time")
	}
}
