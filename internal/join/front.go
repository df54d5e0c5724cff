package join

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/wireskip/internal/capsule"
	"github.com/postalsys/wireskip/internal/conntrack"
	"github.com/postalsys/wireskip/internal/logging"
	"github.com/postalsys/wireskip/internal/metrics"
	"github.com/postalsys/wireskip/internal/reaper"
	"github.com/postalsys/wireskip/internal/socks5"
	"github.com/postalsys/wireskip/internal/tunnel"
)

// maxUDPDatagram is the largest UDP payload accepted from an application,
// per RFC 9298.
const maxUDPDatagram = capsule.MaxDatagramSize

// Config configures a Front.
type Config struct {
	ListenAddr string
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Auth       socks5.Authenticator
}

// Front is the local SOCKS5 ingress: a TCP listener for CONNECT sessions
// and a UDP socket, on listen-port+1, for UDP-ASSOCIATE datagrams. Both
// tunnel through a Circuit's terminal sender.
type Front struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	auth    socks5.Authenticator

	circuit    *Circuit
	supervisor *reaper.Supervisor
	sessions   *conntrack.Tracker[net.Conn]

	ln    net.Listener
	udpLn *net.UDPConn
}

// NewFront constructs a Front bound to circuit. ListenAndServe still
// needs to be called to bind and serve.
func NewFront(cfg Config, circuit *Circuit, sup *reaper.Supervisor) *Front {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}
	auth := cfg.Auth
	if auth == nil {
		auth = &socks5.NoAuthAuthenticator{}
	}

	return &Front{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		auth:       auth,
		circuit:    circuit,
		supervisor: sup,
		sessions:   conntrack.New[net.Conn](),
	}
}

// SessionCount returns the number of currently active local SOCKS
// sessions.
func (f *Front) SessionCount() int64 {
	return f.sessions.Count()
}

// Addr returns the bound TCP listener address. Valid only after
// ListenAndServe has started listening.
func (f *Front) Addr() net.Addr {
	if f.ln == nil {
		return nil
	}
	return f.ln.Addr()
}

// ListenAndServe binds the SOCKS5 TCP listener at cfg.ListenAddr and a
// UDP socket at listen-port+1, then serves both until ctx is cancelled.
func (f *Front) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", f.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("join: listen %s: %w", f.cfg.ListenAddr, err)
	}
	f.ln = ln

	udpLn, err := net.ListenUDP("udp", udpAssociateAddr(ln.Addr()))
	if err != nil {
		ln.Close()
		return fmt.Errorf("join: listen udp: %w", err)
	}
	f.udpLn = udpLn

	f.supervisor.Spawn("front.udp", func() error {
		f.serveUDP(ctx)
		return nil
	})

	go func() {
		<-ctx.Done()
		ln.Close()
		udpLn.Close()
		f.sessions.CloseAll()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("join: accept: %w", err)
		}

		f.sessions.Add(conn)
		peer := conn.RemoteAddr().String()
		f.supervisor.Spawn("front.session."+peer, func() error {
			defer f.sessions.Remove(conn)
			err := f.serveSession(ctx, conn)
			if err != nil {
				f.logger.Debug("socks session ended", logging.KeyRemoteAddr, peer, logging.KeyError, err)
			} else {
				f.logger.Debug("socks session closed", logging.KeyRemoteAddr, peer)
			}
			return err
		})
	}
}

// udpAssociateAddr derives the listen-port+1 UDP bind address from the
// TCP listener's bound address.
func udpAssociateAddr(tcpAddr net.Addr) *net.UDPAddr {
	ta := tcpAddr.(*net.TCPAddr)
	return &net.UDPAddr{IP: ta.IP, Port: ta.Port + 1}
}

// serveSession implements the TCP SOCKS path: negotiate, CONNECT through
// the circuit's terminal sender, reply, then splice.
func (f *Front) serveSession(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	if err := socks5.Negotiate(conn, f.auth); err != nil {
		return fmt.Errorf("negotiate: %w", err)
	}

	req, err := socks5.ReadRequest(conn)
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}

	if req.Command == socks5.CmdUDPAssociate {
		return f.serveUDPAssociate(conn)
	}
	if req.Command != socks5.CmdConnect {
		return fmt.Errorf("%w: %d", socks5.ErrUnknownCommand, req.Command)
	}

	target := req.Addr.String()
	upReader, upWriter, err := f.circuit.Terminal().Connect(ctx, target)
	if err != nil {
		return fmt.Errorf("connect %s: %w", target, err)
	}

	if err := socks5.WriteOK(conn); err != nil {
		upReader.Close()
		upWriter.Close()
		return fmt.Errorf("write ok: %w", err)
	}

	f.metrics.SessionsActive.Inc()
	defer f.metrics.SessionsActive.Dec()

	upstream := &upgradedConn{r: upReader, w: upWriter}
	aToB, bToA, err := tunnel.Splice(ctx, conn, upstream)
	f.metrics.SessionBytesTotal.WithLabelValues("client_to_relay").Add(float64(aToB))
	f.metrics.SessionBytesTotal.WithLabelValues("relay_to_client").Add(float64(bToA))
	f.logger.Debug("socks session spliced",
		logging.KeyAddress, target,
		logging.KeyBytes, aToB+bToA,
		"transferred", humanize.Bytes(uint64(aToB+bToA)),
	)
	return err
}

// serveUDPAssociate acknowledges a UDP ASSOCIATE request. The actual
// relay runs on the fixed listen-port+1 socket regardless of this
// session; the control connection is just held open until the client
// disconnects, per RFC 1928's association lifetime.
func (f *Front) serveUDPAssociate(conn net.Conn) error {
	if err := socks5.WriteOK(conn); err != nil {
		return fmt.Errorf("write ok: %w", err)
	}
	_, err := io.Copy(io.Discard, conn)
	return err
}

// serveUDP implements the UDP SOCKS path: each datagram is parsed,
// requested through the circuit as a connect-udp duplex POST under the
// terminal sender's guard, and relayed as RFC 9298 capsules in both
// directions.
func (f *Front) serveUDP(ctx context.Context) {
	buf := make([]byte, maxUDPDatagram+1)
	for {
		n, peer, err := f.udpLn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.logger.Debug("udp read failed", logging.KeyError, err)
			continue
		}

		if n > maxUDPDatagram {
			f.metrics.UDPDatagramsDroppedTotal.Inc()
			f.logger.Warn("dropping oversize udp datagram", logging.KeyBytes, n)
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		f.supervisor.Spawn("front.udp.datagram", func() error {
			return f.relayUDPDatagram(ctx, datagram, peer)
		})
	}
}

func (f *Front) relayUDPDatagram(ctx context.Context, datagram []byte, peer *net.UDPAddr) error {
	addr, payload, err := socks5.ParseUDPEnvelope(datagram)
	if err != nil {
		f.logger.Debug("malformed udp envelope", logging.KeyError, err)
		return err
	}

	host := addr.Name
	if host == "" {
		host = addr.IP.String()
	}
	portStr := strconv.Itoa(int(addr.Port))

	upReader, upWriter, err := f.circuit.Terminal().ConnectUDP(ctx, host, portStr)
	if err != nil {
		f.logger.Debug("udp connect failed", logging.KeyAddress, addr.String(), logging.KeyError, err)
		return err
	}
	defer upReader.Close()
	defer upWriter.Close()

	if err := capsule.Encode(upWriter, payload); err != nil {
		return err
	}
	f.metrics.UDPDatagramsTotal.WithLabelValues("client_to_relay").Inc()

	reply, err := capsule.NewReader(upReader).ReadCapsule()
	if err != nil {
		return err
	}
	f.metrics.UDPDatagramsTotal.WithLabelValues("relay_to_client").Inc()

	replyEnvelope := socks5.EncodeUDPEnvelope(addr, reply)
	_, err = f.udpLn.WriteToUDP(replyEnvelope, peer)
	return err
}
