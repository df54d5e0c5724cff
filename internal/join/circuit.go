// Package join builds a multi-hop circuit through one or more relays and
// exposes a local SOCKS5 front end that tunnels sessions through it.
package join

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"

	"github.com/postalsys/wireskip/internal/logging"
	"github.com/postalsys/wireskip/internal/masque"
	"github.com/postalsys/wireskip/internal/reaper"
)

func masquePath(host, port string) string {
	return masque.BuildPath(host, port)
}

// ErrNoHops is returned when BuildCircuit is called with an empty hop list.
var ErrNoHops = errors.New("join: at least one hop is required")

// ErrHopRefused is returned when a relay answers a CONNECT with a
// non-200 status.
var ErrHopRefused = errors.New("join: hop refused connect")

const pingInterval = 15 * time.Second

// hop is one relay's live HTTP/2 client session, plus the connection it
// runs over. Both are kept for the circuit's lifetime: closing an outer
// hop's underlying connection would sever every hop nested inside it.
type hop struct {
	addr   string
	conn   net.Conn
	client *http2.ClientConn
}

// Circuit is the ordered, append-only chain of relays a session is
// tunneled through. Nothing is ever removed from hops once BuildCircuit
// returns.
type Circuit struct {
	hops     []*hop
	terminal *TerminalSender
}

// Terminal returns the sender used to request the circuit's ultimate
// target through the innermost hop.
func (c *Circuit) Terminal() *TerminalSender {
	return c.terminal
}

// HopCount reports how many relays make up the circuit.
func (c *Circuit) HopCount() int {
	return len(c.hops)
}

// Close tears down every hop's underlying connection, outermost first.
func (c *Circuit) Close() error {
	var err error
	for _, h := range c.hops {
		if cerr := h.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// BuildCircuit dials hops[0], establishes an HTTP/2 client session over
// it, then iteratively CONNECTs through each session to the next hop and
// handshakes a fresh HTTP/2 session on the resulting upgraded stream.
// Each hop's session is supervised by sup: if its keepalive ping ever
// fails, the circuit is considered collapsed.
func BuildCircuit(ctx context.Context, hops []string, logger *slog.Logger, sup *reaper.Supervisor) (*Circuit, error) {
	if len(hops) == 0 {
		return nil, ErrNoHops
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", hops[0])
	if err != nil {
		return nil, fmt.Errorf("join: dial hop 1 (%s): %w", hops[0], err)
	}

	client, err := handshakeOver(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("join: h2c handshake with hop 1 (%s): %w", hops[0], err)
	}

	c := &Circuit{}
	c.hops = append(c.hops, &hop{addr: hops[0], conn: conn, client: client})
	superviseHop(sup, logger, 1, hops[0], client)
	logger.Info("connected to relay", logging.KeyHop, 1, logging.KeyAddress, hops[0])

	for i, addr := range hops[1:] {
		n := i + 2
		logger.Info("connecting to relay", logging.KeyHop, n, logging.KeyAddress, addr)

		current := c.hops[len(c.hops)-1].client
		resp, pw, err := doConnect(ctx, current, addr)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("join: connect to hop %d (%s): %w", n, addr, err)
		}

		upgraded := &upgradedConn{r: resp.Body, w: pw}
		nextClient, err := handshakeOver(upgraded)
		if err != nil {
			upgraded.Close()
			c.Close()
			return nil, fmt.Errorf("join: h2c handshake with hop %d (%s): %w", n, addr, err)
		}

		c.hops = append(c.hops, &hop{addr: addr, conn: upgraded, client: nextClient})
		superviseHop(sup, logger, n, addr, nextClient)
	}

	lastHop := c.hops[len(c.hops)-1]
	relayHost, _, err := net.SplitHostPort(lastHop.addr)
	if err != nil {
		relayHost = lastHop.addr
	}
	c.terminal = &TerminalSender{client: lastHop.client, relayHost: relayHost}
	return c, nil
}

// superviseHop spawns a fatal task pinging client periodically; a failed
// ping means the hop's driver has died and the circuit has collapsed.
func superviseHop(sup *reaper.Supervisor, logger *slog.Logger, n int, addr string, client *http2.ClientConn) {
	sup.SpawnFatal(fmt.Sprintf("circuit.hop.%d", n), func() error {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), pingInterval/2)
			err := client.Ping(ctx)
			cancel()
			if err != nil {
				logger.Error("relay ping failed, circuit collapsed",
					logging.KeyHop, n, logging.KeyAddress, addr, logging.KeyError, err)
				return err
			}
		}
		return nil
	})
}

// handshakeOver performs an HTTP/2 client handshake over c without TLS,
// the h2c counterpart of the relay side's h2c.NewHandler.
func handshakeOver(c net.Conn) (*http2.ClientConn, error) {
	tr := &http2.Transport{AllowHTTP: true}
	return tr.NewClientConn(c)
}

// doConnect issues a single plain HTTP CONNECT through client, tunneling
// to authority. It returns the response together with the pipe used to
// write the upgraded stream's outbound bytes.
func doConnect(ctx context.Context, client *http2.ClientConn, authority string) (*http.Response, io.WriteCloser, error) {
	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, http.MethodConnect, "http://"+authority+"/", pr)
	if err != nil {
		pw.Close()
		return nil, nil, err
	}
	req.Host = authority

	return roundTripStream(client, req, authority, pw)
}

// doDuplexPost issues a streaming POST to authority+path, used for the
// connect-udp path. A plain HTTP CONNECT can't carry a request path or
// custom pseudo-headers over golang.org/x/net/http2 without the peer
// negotiating RFC 8441 extended CONNECT (SETTINGS_ENABLE_CONNECT_PROTOCOL),
// a server-side toggle this package can't rely on. A regular POST with a
// streamed request body and an immediately-flushed response carries the
// same full-duplex byte stream without needing any of that: the relay
// side already flushes its response headers before the body is done, so
// the connection behaves exactly like the CONNECT path once the initial
// exchange completes. This mirrors the teacher's own peer-to-peer
// transport, which tunnels a duplex stream over a plain POST rather than
// CONNECT.
func doDuplexPost(ctx context.Context, client *http2.ClientConn, authority, path string) (*http.Response, io.WriteCloser, error) {
	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+authority+path, pr)
	if err != nil {
		pw.Close()
		return nil, nil, err
	}
	req.Header.Set("Capsule-Protocol", "?1")

	return roundTripStream(client, req, authority, pw)
}

func roundTripStream(client *http2.ClientConn, req *http.Request, authority string, pw io.WriteCloser) (*http.Response, io.WriteCloser, error) {
	resp, err := client.RoundTrip(req)
	if err != nil {
		pw.Close()
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		pw.Close()
		return nil, nil, fmt.Errorf("%w: %s answered with %d", ErrHopRefused, authority, resp.StatusCode)
	}
	return resp, pw, nil
}

// TerminalSender issues CONNECT requests through the circuit's innermost
// hop. The lock is held only for the issue-and-upgrade step; the
// resulting stream is handed back to the caller to read and write
// without holding the lock, so concurrent sessions don't serialize on
// data transfer, only on establishing the next one.
type TerminalSender struct {
	mu        sync.Mutex
	client    *http2.ClientConn
	relayHost string
}

// Connect requests authority (a destination "host:port") through the
// terminal hop with a plain CONNECT.
func (t *TerminalSender) Connect(ctx context.Context, authority string) (io.ReadCloser, io.WriteCloser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	resp, pw, err := doConnect(ctx, t.client, authority)
	if err != nil {
		return nil, nil, err
	}
	return resp.Body, pw, nil
}

// ConnectUDP requests RFC 9298 connect-udp tunneling of the destination
// host:port, addressed to the relay's own authority with the MASQUE path
// carrying the destination.
func (t *TerminalSender) ConnectUDP(ctx context.Context, destHost, destPort string) (io.ReadCloser, io.WriteCloser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	path := masquePath(destHost, destPort)
	resp, pw, err := doDuplexPost(ctx, t.client, t.relayHost, path)
	if err != nil {
		return nil, nil, err
	}
	return resp.Body, pw, nil
}

// upgradedConn adapts an upgraded HTTP/2 stream's reader/writer pair
// into a net.Conn so a new *http2.Transport can be handshaken over it.
type upgradedConn struct {
	r io.ReadCloser
	w io.WriteCloser

	closed atomic.Bool
}

func (u *upgradedConn) Read(p []byte) (int, error)  { return u.r.Read(p) }
func (u *upgradedConn) Write(p []byte) (int, error) { return u.w.Write(p) }

func (u *upgradedConn) Close() error {
	if u.closed.Swap(true) {
		return nil
	}
	werr := u.w.Close()
	rerr := u.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

func (u *upgradedConn) LocalAddr() net.Addr                { return upgradedAddr{} }
func (u *upgradedConn) RemoteAddr() net.Addr               { return upgradedAddr{} }
func (u *upgradedConn) SetDeadline(t time.Time) error      { return nil }
func (u *upgradedConn) SetReadDeadline(t time.Time) error  { return nil }
func (u *upgradedConn) SetWriteDeadline(t time.Time) error { return nil }

type upgradedAddr struct{}

func (upgradedAddr) Network() string { return "h2c-upgrade" }
func (upgradedAddr) String() string  { return "h2c-upgrade" }
