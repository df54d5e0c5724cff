package masque

import (
	"errors"
	"testing"
)

func TestParsePath_Golden(t *testing.T) {
	got, err := ParsePath("/.well-known/masque/udp/example.com/443/")
	if err != nil {
		t.Fatalf("ParsePath() error = %v", err)
	}
	if got != "example.com:443" {
		t.Errorf("ParsePath() = %q, want %q", got, "example.com:443")
	}
}

func TestParsePath_MissingTrailingSlash(t *testing.T) {
	got, err := ParsePath("/.well-known/masque/udp/example.com/443")
	if err != nil {
		t.Fatalf("ParsePath() error = %v", err)
	}
	if got != "example.com:443" {
		t.Errorf("ParsePath() = %q, want %q", got, "example.com:443")
	}
}

func TestParsePath_ExtraSegmentsRejected(t *testing.T) {
	_, err := ParsePath("/.well-known/masque/udp/example.com/443/extra/")
	if !errors.Is(err, ErrMalformedURI) {
		t.Errorf("ParsePath() error = %v, want ErrMalformedURI", err)
	}
}

func TestParsePath_WrongPrefixRejected(t *testing.T) {
	_, err := ParsePath("/other/path/example.com/443/")
	if !errors.Is(err, ErrMalformedURI) {
		t.Errorf("ParsePath() error = %v, want ErrMalformedURI", err)
	}
}

func TestBuildPath_RoundTrips(t *testing.T) {
	path := BuildPath("example.com", "443")
	got, err := ParsePath(path)
	if err != nil {
		t.Fatalf("ParsePath() error = %v", err)
	}
	if got != "example.com:443" {
		t.Errorf("round trip = %q, want %q", got, "example.com:443")
	}
}
