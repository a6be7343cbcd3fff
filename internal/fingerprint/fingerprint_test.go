package fingerprint

import (
	"net/http/httptest"
	"testing"
)

func TestBuild_Deterministic(t *testing.T) {
	a := Build("10.0.0.1", "curl/8.0", "GET", "/api")
	b := Build("10.0.0.1", "curl/8.0", "GET", "/api")
	if a != b {
		t.Errorf("same inputs produced %q and %q", a, b)
	}
	if len(a) != Size {
		t.Errorf("len = %d, want %d", len(a), Size)
	}
}

func TestBuild_SensitiveToEachInput(t *testing.T) {
	base := Build("10.0.0.1", "curl/8.0", "GET", "/api")
	variants := []string{
		Build("10.0.0.2", "curl/8.0", "GET", "/api"),
		Build("10.0.0.1", "curl/8.1", "GET", "/api"),
		Build("10.0.0.1", "curl/8.0", "POST", "/api"),
		Build("10.0.0.1", "curl/8.0", "GET", "/api/v2"),
	}
	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d collided with base", i)
		}
	}
}

func TestBuild_MethodCaseInsensitive(t *testing.T) {
	if Build("ip", "ua", "get", "/") != Build("ip", "ua", "GET", "/") {
		t.Error("method case should not change the fingerprint")
	}
}

func TestBuild_FieldBoundaries(t *testing.T) {
	// Without separators these would hash the same byte stream.
	if Build("1.1.1.1", "ab", "GET", "/") == Build("1.1.1.1a", "b", "GET", "/") {
		t.Error("field boundaries should be part of the hash")
	}
}

func TestFromRequest_IgnoresQuery(t *testing.T) {
	r1 := httptest.NewRequest("GET", "/search?q=1", nil)
	r2 := httptest.NewRequest("GET", "/search?q=2", nil)
	if FromRequest(r1, "1.2.3.4") != FromRequest(r2, "1.2.3.4") {
		t.Error("query string should not affect the fingerprint")
	}
}

// ─── ClientIP ───────────────────────────────────────────────────────────────

func TestClientIP_PeerAddress(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.9:51234"
	if got := ClientIP(r, false); got != "203.0.113.9" {
		t.Errorf("ClientIP = %q", got)
	}
}

func TestClientIP_IPv6Peer(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "[2001:db8::1]:443"
	if got := ClientIP(r, false); got != "2001:db8::1" {
		t.Errorf("ClientIP = %q", got)
	}
}

func TestClientIP_ForwardedTrusted(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:80"
	r.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	if got := ClientIP(r, true); got != "198.51.100.7" {
		t.Errorf("ClientIP = %q, want first forwarded entry", got)
	}
}

func TestClientIP_ForwardedIgnoredWithoutTrust(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:80"
	r.Header.Set("X-Forwarded-For", "198.51.100.7")
	if got := ClientIP(r, false); got != "10.0.0.1" {
		t.Errorf("ClientIP = %q, want peer", got)
	}
}

func TestClientIP_RealIPFallback(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:80"
	r.Header.Set("X-Forwarded-For", "not-an-ip")
	r.Header.Set("X-Real-IP", "198.51.100.8")
	if got := ClientIP(r, true); got != "198.51.100.8" {
		t.Errorf("ClientIP = %q, want X-Real-IP", got)
	}
}

func TestClientIP_GarbageRemoteAddr(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "pipe"
	if got := ClientIP(r, false); got != "pipe" {
		t.Errorf("ClientIP = %q, want raw remote addr", got)
	}
}
