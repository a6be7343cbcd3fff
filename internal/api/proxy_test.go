package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/1sec-project/reqguard/internal/core"
	"github.com/1sec-project/reqguard/internal/guard"
)

func newTestProxy(t *testing.T, upstream string) *Proxy {
	t.Helper()
	p := guard.NewPipeline(core.DefaultConfig(), nil, zerolog.Nop())
	px, err := NewProxy("127.0.0.1:0", upstream, p.Guard, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}
	return px
}

func TestNewProxy_RejectsRelativeUpstream(t *testing.T) {
	p := guard.NewPipeline(core.DefaultConfig(), nil, zerolog.Nop())
	for _, u := range []string{"", "localhost:3000", "/app"} {
		if _, err := NewProxy(":0", u, p.Guard, zerolog.Nop()); err == nil {
			t.Errorf("NewProxy(%q) should fail", u)
		}
	}
}

func TestProxy_ForwardsCleanRequests(t *testing.T) {
	var gotBody, gotID string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotID = r.Header.Get(guard.RequestIDHeader)
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	px := newTestProxy(t, upstream.URL)
	rec := httptest.NewRecorder()
	px.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/orders", strings.NewReader(`{"qty":1}`)))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want upstream 201", rec.Code)
	}
	if gotBody != `{"qty":1}` {
		t.Errorf("upstream body = %q", gotBody)
	}
	if gotID == "" || gotID != rec.Header().Get(guard.RequestIDHeader) {
		t.Errorf("request ID upstream %q, response %q", gotID, rec.Header().Get(guard.RequestIDHeader))
	}
}

func TestProxy_BlocksBeforeUpstream(t *testing.T) {
	called := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer upstream.Close()

	px := newTestProxy(t, upstream.URL)
	rec := httptest.NewRecorder()
	px.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/file?name=..%2F..%2Fetc%2Fpasswd", nil))

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if called {
		t.Error("blocked request reached upstream")
	}
}

func TestProxy_UpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := upstream.URL
	upstream.Close()

	px := newTestProxy(t, url)
	rec := httptest.NewRecorder()
	px.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}
