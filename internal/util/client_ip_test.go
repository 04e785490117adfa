package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIPIgnoresForwardedHeaderFromUntrustedPeer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:4321"
	req.Header.Set("X-Forwarded-For", "198.51.100.7")

	if got := ClientIP(req, nil); got != "203.0.113.9" {
		t.Fatalf("client ip = %q, want direct peer", got)
	}
}

func TestClientIPUsesForwardedChainBehindTrustedProxy(t *testing.T) {
	trusted, err := NewTrustedProxies([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("new trusted proxies: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:4321"
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.9.9.9")

	if got := ClientIP(req, trusted); got != "198.51.100.7" {
		t.Fatalf("client ip = %q, want first untrusted hop", got)
	}
}

func TestClientIPFallsBackToRealIPHeader(t *testing.T) {
	trusted, err := NewTrustedProxies([]string{"10.0.0.1"})
	if err != nil {
		t.Fatalf("new trusted proxies: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:4321"
	req.Header.Set("X-Real-IP", "198.51.100.7")

	if got := ClientIP(req, trusted); got != "198.51.100.7" {
		t.Fatalf("client ip = %q", got)
	}
}

func TestNewTrustedProxiesRejectsMalformedEntry(t *testing.T) {
	if _, err := NewTrustedProxies([]string{"not-an-ip"}); err == nil {
		t.Fatalf("expected error for malformed entry")
	}
}
