// Package tunnel drives the bidirectional byte copy between two tunnel
// endpoints once a circuit hop or a relay's egress connection is in place.
package tunnel

import (
	"context"
	"io"
)

// halfCloser is implemented by connections that support half-close, such as
// *net.TCPConn. Signaling the far end that writes are done lets it finish
// its own read loop without waiting for the whole connection to close.
type halfCloser interface {
	CloseWrite() error
}

type copyResult struct {
	n   int64
	err error
}

// Splice copies bytes between a and b in both directions until each
// direction has reached EOF, or until either direction errors, then returns
// the byte counts copied a->b and b->a. An error in either direction, or
// cancelling ctx, closes both endpoints, unblocking whichever side is still
// reading.
func Splice(ctx context.Context, a, b io.ReadWriteCloser) (aToB int64, bToA int64, err error) {
	abCh := make(chan copyResult, 1)
	baCh := make(chan copyResult, 1)

	go func() {
		n, err := io.Copy(b, a)
		if hc, ok := b.(halfCloser); ok {
			hc.CloseWrite()
		}
		abCh <- copyResult{n, err}
	}()

	go func() {
		n, err := io.Copy(a, b)
		if hc, ok := a.(halfCloser); ok {
			hc.CloseWrite()
		}
		baCh <- copyResult{n, err}
	}()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			a.Close()
			b.Close()
		case <-watchDone:
		}
	}()

	var r1, r2 copyResult
	for i := 0; i < 2; i++ {
		var res copyResult
		select {
		case r1 = <-abCh:
			res = r1
		case r2 = <-baCh:
			res = r2
		}
		if res.err != nil {
			a.Close()
			b.Close()
		}
	}

	aToB, bToA = r1.n, r2.n
	err = r1.err
	if err == nil {
		err = r2.err
	}
	return aToB, bToA, err
}
