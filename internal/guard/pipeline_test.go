package guard

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/1sec-project/reqguard/internal/core"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestNewPipeline_EndToEnd(t *testing.T) {
	cfg := core.DefaultConfig()
	p := NewPipeline(cfg, nil, zerolog.Nop())
	h := p.Guard.Middleware(okHandler())

	clean := httptest.NewRecorder()
	h.ServeHTTP(clean, httptest.NewRequest("GET", "/", nil))
	if clean.Code != http.StatusOK {
		t.Fatalf("clean status = %d", clean.Code)
	}

	bad := httptest.NewRecorder()
	h.ServeHTTP(bad, httptest.NewRequest("POST", "/login", strings.NewReader("id=1 UNION SELECT 1")))
	if bad.Code != http.StatusForbidden {
		t.Fatalf("attack status = %d", bad.Code)
	}

	snap := p.History.Snapshot()
	if snap.Tracked != 2 || snap.ActiveThreats != 1 {
		t.Errorf("history snapshot = %+v, want 2 tracked and 1 active", snap)
	}
	if p.Volume.Len() != 1 {
		t.Errorf("volume counters = %d, want 1", p.Volume.Len())
	}

	body := scrape(t, p)
	for _, want := range []string{
		`reqguard_decisions_total{outcome="block"} 1`,
		`reqguard_decisions_total{outcome="allow"} 1`,
		`reqguard_assessments_total{action="block"} 1`,
		`reqguard_detections_total{category="sql_injection",target="body"} 1`,
		"reqguard_tracked_fingerprints 2",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestNewPipeline_AnomaliesCounted(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Detection.TrustUserHeader = true
	cfg.Detection.TrustProxy = false
	p := NewPipeline(cfg, nil, zerolog.Nop())
	h := p.Guard.Middleware(okHandler())

	for i := 0; i < 11; i++ {
		r := httptest.NewRequest("GET", "/inbox", nil)
		r.Header.Set(UserIDHeader, "walter")
		h.ServeHTTP(httptest.NewRecorder(), r)
	}
	if !strings.Contains(scrape(t, p), `reqguard_session_anomalies_total{type="high_frequency"} 1`) {
		t.Error("high_frequency anomaly not counted")
	}
}

func TestPipeline_ApplySwitchesProfile(t *testing.T) {
	cfg := core.DefaultConfig()
	p := NewPipeline(cfg, nil, zerolog.Nop())
	h := p.Guard.Middleware(okHandler())

	req := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("POST", "/run", strings.NewReader("cmd=$(date)")))
		return rec
	}
	if rec := req(); rec.Code != http.StatusForbidden {
		t.Fatalf("strict status = %d, want 403", rec.Code)
	}

	relaxed := core.DefaultConfig()
	relaxed.Detection.Profile = core.ProfileRelaxed
	relaxed.Detection.BlockingThreshold = 0
	relaxed.Detection.CommandInjectionScore = 0
	relaxed.ApplyProfileDefaults()
	p.Apply(relaxed)

	if p.Guard.Policy().BlockingThreshold != 1000 {
		t.Errorf("BlockingThreshold = %d, want 1000", p.Guard.Policy().BlockingThreshold)
	}
	if rec := req(); rec.Code != http.StatusOK {
		t.Errorf("relaxed status = %d, want 200", rec.Code)
	}
}

func TestPipeline_ApplyActiveThreatScore(t *testing.T) {
	cfg := core.DefaultConfig()
	p := NewPipeline(cfg, nil, zerolog.Nop())
	p.History.Record("f1", 90)

	if got := p.History.Snapshot().ActiveThreats; got != 1 {
		t.Fatalf("ActiveThreats = %d, want 1", got)
	}

	next := core.DefaultConfig()
	next.Detection.ActiveThreatScore = 95
	p.Apply(next)

	if got := p.History.Snapshot().ActiveThreats; got != 0 {
		t.Errorf("ActiveThreats = %d after raising active_threat_score, want 0", got)
	}
}

func TestPipeline_AttachRunsUnderEngine(t *testing.T) {
	t.Setenv("REQGUARD_PROFILE", "")
	prev := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(prev)

	cfg := core.DefaultConfig()
	engine, err := core.NewEngine(cfg, "")
	if err != nil {
		t.Fatal(err)
	}
	engine.Logger = zerolog.Nop()

	p := NewPipeline(cfg, engine.Publisher(), engine.Logger)
	p.Attach(engine)
	if err := engine.Start(); err != nil {
		t.Fatal(err)
	}
	if err := engine.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func scrape(t *testing.T, p *Pipeline) string {
	t.Helper()
	rec := httptest.NewRecorder()
	p.Metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	return rec.Body.String()
}
