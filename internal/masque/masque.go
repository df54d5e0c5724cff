// Package masque builds and parses the RFC 9298 CONNECT-UDP request path
// shared by the join and host sides of the tunnel.
package masque

import (
	"errors"
	"net"
	"strings"
)

// ErrMalformedURI is returned when a path does not match the expected
// /.well-known/masque/udp/{host}/{port}/ template.
var ErrMalformedURI = errors.New("masque: malformed uri")

const pathPrefix = "/.well-known/masque/udp/"

// BuildPath returns the CONNECT-UDP request path for host:port.
func BuildPath(host, port string) string {
	return pathPrefix + host + "/" + port + "/"
}

// ParsePath extracts "host:port" from a CONNECT-UDP request path. It drops
// at most one trailing slash, so a missing trailing slash is tolerated, and
// requires exactly two non-empty segments after the prefix, so any shape
// with extra path segments is rejected.
func ParsePath(path string) (string, error) {
	if !strings.HasPrefix(path, pathPrefix) {
		return "", ErrMalformedURI
	}

	rest := strings.TrimSuffix(strings.TrimPrefix(path, pathPrefix), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", ErrMalformedURI
	}

	return net.JoinHostPort(parts[0], parts[1]), nil
}
