package host

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"golang.org/x/net/http2"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/wireskip/internal/capsule"
	"github.com/postalsys/wireskip/internal/logging"
	"github.com/postalsys/wireskip/internal/masque"
	"github.com/postalsys/wireskip/internal/metrics"
)

func startEchoListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	return ln
}

func startEchoUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			conn.WriteToUDP(buf[:n], addr)
		}
	}()
	return conn
}

func newTestRelay(t *testing.T, cfg Config) (*Relay, func()) {
	t.Helper()
	cfg.Logger = logging.NopLogger()
	cfg.Metrics = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	r := NewRelay(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go r.ListenAndServe(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for r.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for relay to bind")
		}
		time.Sleep(5 * time.Millisecond)
	}

	return r, cancel
}

func h2Client(addr string) *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
				return net.Dial(network, addr)
			},
		},
	}
}

func TestRelay_TCPConnectSplice(t *testing.T) {
	echoLn := startEchoListener(t)
	defer echoLn.Close()

	r, cancel := newTestRelay(t, Config{})
	defer cancel()

	client := h2Client(r.Addr().String())

	pr, pw := io.Pipe()
	req, err := http.NewRequest(http.MethodConnect, "http://"+r.Addr().String(), pr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Host = echoLn.Addr().String()
	req.URL.Host = echoLn.Addr().String()

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if _, err := pw.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 5)
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("echo = %q, want hello", buf)
	}

	pw.Close()
}

func TestRelay_RejectsNonConnectMethod(t *testing.T) {
	r, cancel := newTestRelay(t, Config{})
	defer cancel()

	client := h2Client(r.Addr().String())
	resp, err := client.Get("http://" + r.Addr().String() + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestRelay_EgressAllowList(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		target  string
		want    bool
	}{
		{"unrestricted", nil, "example.com:443", true},
		{"exact match", []string{"example.com:443"}, "example.com:443", true},
		{"bare host match", []string{"example.com"}, "example.com:443", true},
		{"suffix match", []string{"example.com"}, "sub.example.com:443", true},
		{"denied", []string{"example.com"}, "evil.com:443", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRelay(Config{Logger: logging.NopLogger(), Metrics: metrics.NewMetricsWithRegistry(prometheus.NewRegistry()), AllowedEgress: tc.allowed})
			if got := r.egressAllowed(tc.target); got != tc.want {
				t.Errorf("egressAllowed(%q) = %v, want %v", tc.target, got, tc.want)
			}
		})
	}
}

func TestRelay_UDPConnectRoundTrip(t *testing.T) {
	udpLn := startEchoUDP(t)
	defer udpLn.Close()

	r, cancel := newTestRelay(t, Config{})
	defer cancel()

	client := h2Client(r.Addr().String())

	pr, pw := io.Pipe()
	req, err := http.NewRequest(http.MethodPost, "http://"+r.Addr().String()+masque.BuildPath(udpLn.LocalAddr().(*net.UDPAddr).IP.String(), portOf(t, udpLn.LocalAddr().String())), pr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Capsule-Protocol", "?1")
	req.Proto = "HTTP/2.0"

	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := client.Do(req)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	var resp *http.Response
	select {
	case resp = <-respCh:
	case err := <-errCh:
		t.Fatalf("do: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var buf bytes.Buffer
	if err := capsule.Encode(&buf, []byte("ping")); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := pw.Write(buf.Bytes()); err != nil {
		t.Fatalf("write capsule: %v", err)
	}

	cr := capsule.NewReader(resp.Body)
	payload, err := cr.ReadCapsule()
	if err != nil {
		t.Fatalf("read capsule: %v", err)
	}
	if string(payload) != "ping" {
		t.Errorf("payload = %q, want ping", payload)
	}

	pw.Close()
}

func portOf(t *testing.T, addr string) string {
	t.Helper()
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	return port
}
