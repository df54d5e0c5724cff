// Package host implements the relay side of a circuit: an HTTP/2
// cleartext (h2c) server that accepts CONNECT (TCP) and duplex-POST
// connect-udp requests, dials or binds egress, and splices traffic.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/time/rate"

	"github.com/postalsys/wireskip/internal/capsule"
	"github.com/postalsys/wireskip/internal/conntrack"
	"github.com/postalsys/wireskip/internal/logging"
	"github.com/postalsys/wireskip/internal/masque"
	"github.com/postalsys/wireskip/internal/metrics"
	"github.com/postalsys/wireskip/internal/reaper"
	"github.com/postalsys/wireskip/internal/tunnel"
)

// ErrMethodNotAllowed is returned when a relay request uses a method other
// than CONNECT.
var ErrMethodNotAllowed = errors.New("host: method not allowed")

// ErrMissingAuthority is returned when a plain CONNECT request carries no
// authority to dial.
var ErrMissingAuthority = errors.New("host: missing authority")

// ErrEgressDenied is returned when a target falls outside the configured
// egress allow-list.
var ErrEgressDenied = errors.New("host: egress target denied")

// Config configures a Relay.
type Config struct {
	ListenAddr    string
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	AllowedEgress []string
	// DialTimeout bounds the egress TCP dial. Zero means no timeout.
	DialTimeout time.Duration
	// UDPDatagramRateLimit caps the rate of UDP datagrams relayed per
	// connect-udp association, in datagrams per second. Zero means a
	// default of 2000/s with a burst of 200.
	UDPDatagramRateLimit float64
	UDPDatagramBurst     int
}

// Relay is a single relay's HTTP/2 cleartext server.
type Relay struct {
	cfg        Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	supervisor *reaper.Supervisor
	conns      *conntrack.Tracker[net.Conn]

	ln net.Listener
}

// NewRelay constructs a Relay from cfg. ListenAndServe still needs to be
// called to bind and serve.
func NewRelay(cfg Config) *Relay {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	return &Relay{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		supervisor: reaper.New(logger),
		conns:      conntrack.New[net.Conn](),
	}
}

// ConnectionCount returns the number of egress connections currently
// tracked by this relay.
func (r *Relay) ConnectionCount() int64 {
	return r.conns.Count()
}

// ListenAndServe binds cfg.ListenAddr and serves h2c until ctx is
// cancelled or an unrecoverable listen error occurs.
func (r *Relay) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("host: listen %s: %w", r.cfg.ListenAddr, err)
	}
	r.ln = ln

	h2s := &http2.Server{}
	handler := h2c.NewHandler(http.HandlerFunc(r.handle), h2s)

	server := &http.Server{
		Handler: handler,
		ConnState: func(_ net.Conn, state http.ConnState) {
			if state == http.StateNew {
				r.metrics.RelayConnectionsTotal.Inc()
			}
		},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
		r.conns.CloseAll()
		r.supervisor.Wait()
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Addr returns the relay's bound address. Valid only after ListenAndServe
// has started listening.
func (r *Relay) Addr() net.Addr {
	if r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

func (r *Relay) handle(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodConnect:
		r.handleTCPConnect(w, req)
	case http.MethodPost:
		// RFC 9298 connect-udp, addressed as a duplex POST rather than an
		// RFC 8441 extended CONNECT: see doDuplexPost in the join package
		// for why the client side uses a plain POST here.
		r.handleUDPConnect(w, req)
	default:
		r.logger.Debug("rejecting unsupported method", "method", req.Method)
		http.Error(w, ErrMethodNotAllowed.Error(), http.StatusMethodNotAllowed)
	}
}

func (r *Relay) handleTCPConnect(w http.ResponseWriter, req *http.Request) {
	authority := req.Host
	if authority == "" {
		authority = req.URL.Host
	}
	if authority == "" {
		http.Error(w, ErrMissingAuthority.Error(), http.StatusBadRequest)
		return
	}

	if !r.egressAllowed(authority) {
		r.logger.Warn("egress denied", logging.KeyAddress, authority)
		http.Error(w, ErrEgressDenied.Error(), http.StatusForbidden)
		return
	}

	dialer := net.Dialer{Timeout: r.cfg.DialTimeout}
	egress, err := dialer.DialContext(req.Context(), "tcp", authority)
	if err != nil {
		r.logger.Debug("egress dial failed", logging.KeyAddress, authority, logging.KeyError, err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		egress.Close()
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	r.conns.Add(egress)
	r.metrics.SessionsActive.Inc()

	stream := &flushingResponseStream{r: req.Body, w: w, flusher: flusher}

	// The splice must finish before handle returns: net/http (and
	// x/net/http2) invalidate w and req.Body the moment the handler
	// returns, so a detached goroutine reading or writing after that
	// point would fail immediately and no bytes would ever cross. Spawn
	// under the supervisor for panic recovery and accounting, but block
	// here on its completion, the same shape as the teacher's
	// transport.H2Listener.Accept, which blocks on <-peerConn.doneCh.
	done := make(chan struct{})
	r.supervisor.Spawn("relay.tcp."+authority, func() error {
		defer close(done)
		defer r.conns.Remove(egress)
		defer r.metrics.SessionsActive.Dec()
		defer egress.Close()

		aToB, bToA, err := tunnel.Splice(req.Context(), stream, egress)
		r.metrics.SessionBytesTotal.WithLabelValues("client_to_egress").Add(float64(aToB))
		r.metrics.SessionBytesTotal.WithLabelValues("egress_to_client").Add(float64(bToA))
		r.logger.Debug("tcp relay closed",
			logging.KeyAddress, authority,
			logging.KeyBytes, aToB+bToA,
			"transferred", humanize.Bytes(uint64(aToB+bToA)),
		)
		return err
	})
	<-done
}

func (r *Relay) handleUDPConnect(w http.ResponseWriter, req *http.Request) {
	target, err := masque.ParsePath(req.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !r.egressAllowed(target) {
		r.logger.Warn("udp egress denied", logging.KeyAddress, target)
		http.Error(w, ErrEgressDenied.Error(), http.StatusForbidden)
		return
	}

	udpAddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	udpConn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		r.logger.Debug("udp egress dial failed", logging.KeyAddress, target, logging.KeyError, err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		udpConn.Close()
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	r.conns.Add(net.Conn(udpConn))
	r.metrics.SessionsActive.Inc()

	rateLimit := rate.Limit(r.cfg.UDPDatagramRateLimit)
	burst := r.cfg.UDPDatagramBurst
	if rateLimit <= 0 {
		rateLimit = 2000
	}
	if burst <= 0 {
		burst = 200
	}
	limiter := rate.NewLimiter(rateLimit, burst)

	ctx, cancel := context.WithCancel(req.Context())

	// Both directions, and the handler itself, must stay alive for the
	// association's lifetime: returning from handle invalidates req.Body
	// and w, so the handler blocks on ctx.Done() below instead of
	// spawning-and-returning.
	r.supervisor.Spawn("relay.udp.uplink."+target, func() error {
		defer cancel()
		return r.udpUplink(ctx, limiter, req.Body, udpConn, target)
	})

	r.supervisor.Spawn("relay.udp.downlink."+target, func() error {
		defer cancel()
		return r.udpDownlink(ctx, limiter, udpConn, w, flusher, target)
	})

	<-ctx.Done()
	r.conns.Remove(net.Conn(udpConn))
	r.metrics.SessionsActive.Dec()
	udpConn.Close()
}

// udpUplink decodes capsules arriving on the upgraded HTTP/2 stream and
// writes each payload as a UDP datagram to egress.
func (r *Relay) udpUplink(ctx context.Context, limiter *rate.Limiter, body io.Reader, udpConn *net.UDPConn, target string) error {
	cr := capsule.NewReader(body)
	for {
		payload, err := cr.ReadCapsule()
		if err != nil {
			if errors.Is(err, capsule.ErrUnrecognizedType) {
				r.logger.Debug("skipping unrecognized capsule", logging.KeyAddress, target)
				continue
			}
			return err
		}

		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		if _, err := udpConn.Write(payload); err != nil {
			return err
		}
		r.metrics.UDPDatagramsTotal.WithLabelValues("client_to_egress").Inc()
	}
}

// udpDownlink reads UDP datagrams from egress and encodes each as a
// capsule written back onto the upgraded HTTP/2 stream.
func (r *Relay) udpDownlink(ctx context.Context, limiter *rate.Limiter, udpConn *net.UDPConn, w io.Writer, flusher http.Flusher, target string) error {
	buf := make([]byte, capsule.MaxDatagramSize+1)
	for {
		n, err := udpConn.Read(buf)
		if err != nil {
			return err
		}

		if n > capsule.MaxDatagramSize {
			r.metrics.UDPDatagramsDroppedTotal.Inc()
			r.logger.Warn("dropping oversize udp datagram", logging.KeyAddress, target, logging.KeyBytes, n)
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		if err := capsule.Encode(w, buf[:n]); err != nil {
			return err
		}
		flusher.Flush()
		r.metrics.UDPDatagramsTotal.WithLabelValues("egress_to_client").Inc()
	}
}

// egressAllowed reports whether authority may be dialed, per the
// configured allow-list. An empty list means unrestricted.
func (r *Relay) egressAllowed(authority string) bool {
	if len(r.cfg.AllowedEgress) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(authority)
	if err != nil {
		host = authority
	}
	for _, allowed := range r.cfg.AllowedEgress {
		if authority == allowed || host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// flushingResponseStream adapts an HTTP/2 CONNECT request/response pair
// into an io.ReadWriteCloser: reads come from the request body, writes go
// to the response writer and are flushed immediately so the upgraded
// stream behaves like a socket rather than a buffered response.
type flushingResponseStream struct {
	r       interface{ Read([]byte) (int, error) }
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *flushingResponseStream) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *flushingResponseStream) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err == nil {
		s.flusher.Flush()
	}
	return n, err
}

func (s *flushingResponseStream) Close() error {
	return nil
}
