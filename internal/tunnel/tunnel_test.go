package tunnel

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"
)

// pipeConn adapts a net.Conn half of a net.Pipe() into an io.ReadWriteCloser
// with a CloseWrite so the halfCloser path in Splice can be exercised; plain
// net.Pipe conns don't support half-close, so CloseWrite here just closes.
type pipeConn struct {
	net.Conn
}

func (p pipeConn) CloseWrite() error {
	return p.Conn.Close()
}

func TestSplice_CopiesBothDirections(t *testing.T) {
	aServer, aClient := net.Pipe()
	bServer, bClient := net.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	var aToB, bToA int64
	go func() {
		aToB, bToA, _ = Splice(ctx, aServer, bServer)
		close(done)
	}()

	go func() {
		aClient.Write([]byte("hello from a"))
		aClient.Close()
	}()

	buf := make([]byte, 32)
	bClient.Read(buf)

	bClient.Write([]byte("hi from b"))
	bClient.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Splice did not return in time")
	}

	if aToB == 0 && bToA == 0 {
		t.Errorf("expected some bytes copied in at least one direction, got aToB=%d bToA=%d", aToB, bToA)
	}
}

func TestSplice_ContextCancelUnblocksReads(t *testing.T) {
	aServer, _ := net.Pipe()
	bServer, _ := net.Pipe()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		Splice(ctx, aServer, bServer)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Splice did not return after context cancellation")
	}
}

func TestSplice_HalfCloseSignalsPeer(t *testing.T) {
	aServer, aClient := net.Pipe()
	bServer, bClient := net.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		Splice(ctx, pipeConn{aServer}, pipeConn{bServer})
		close(done)
	}()

	payload := []byte("closing soon")
	go func() {
		aClient.Write(payload)
		aClient.Close()
	}()

	got := make([]byte, len(payload))
	if _, err := readFull(bClient, got); err != nil {
		t.Fatalf("read from b side: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("got %q, want %q", got, payload)
	}

	bClient.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Splice did not return in time")
	}
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
