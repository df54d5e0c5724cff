// Package socks5 provides RFC 1928 SOCKS5 wire codec helpers used by both
// ends of a circuit's local ingress.
package socks5

import "io"

// Authentication method constants per RFC 1928.
const (
	AuthMethodNoAuth       = 0x00
	AuthMethodNoAcceptable = 0xFF
)

// Authenticator negotiates a single SOCKS5 authentication method.
type Authenticator interface {
	// Authenticate performs authentication and returns the identity string,
	// if any, established by the exchange.
	Authenticate(reader io.Reader, writer io.Writer) (string, error)

	// Method returns the authentication method code this authenticator
	// offers during the SOCKS5 method negotiation.
	Method() byte
}

// NoAuthAuthenticator allows connections without authentication. It is the
// only authenticator wired in today; the Authenticator interface is kept so
// a credentialed method can be added later without reshaping the codec.
type NoAuthAuthenticator struct{}

// Authenticate always succeeds for no-auth.
func (a *NoAuthAuthenticator) Authenticate(reader io.Reader, writer io.Writer) (string, error) {
	return "", nil
}

// Method returns the no-auth method code.
func (a *NoAuthAuthenticator) Method() byte {
	return AuthMethodNoAuth
}
