package scoring

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/1sec-project/reqguard/internal/catalog"
	"github.com/1sec-project/reqguard/internal/core"
	"github.com/1sec-project/reqguard/internal/history"
	"github.com/1sec-project/reqguard/internal/volume"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []*core.SecurityEvent
}

func (p *capturePublisher) PublishEvent(ev *core.SecurityEvent) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *capturePublisher) Events() []*core.SecurityEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*core.SecurityEvent(nil), p.events...)
}

type countingObserver struct {
	mu    sync.Mutex
	count int
	last  *ThreatAssessment
}

func (o *countingObserver) ObserveAssessment(a *ThreatAssessment) {
	o.mu.Lock()
	o.count++
	o.last = a
	o.mu.Unlock()
}

func strictCatalog() *catalog.Catalog {
	return catalog.Build(core.ProfileStrict, catalog.Options{})
}

func newTestEngine(opts Options) (*Engine, *volume.Tracker, *history.Store, *capturePublisher) {
	tracker := volume.NewTracker(1000)
	store := history.NewStore(time.Hour, 0)
	pub := &capturePublisher{}
	e := NewEngine(strictCatalog(), opts, tracker, store, pub, zerolog.Nop())
	return e, tracker, store, pub
}

func baseRequest() Request {
	return Request{
		ClientIP:  "203.0.113.10",
		Method:    "GET",
		Path:      "/products",
		URL:       "/products?page=2",
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0",
	}
}

func hasDetection(a *ThreatAssessment, cat catalog.Category, target catalog.Field) bool {
	for _, d := range a.Detections {
		if d.Category == cat && (target == "" || d.Target == target) {
			return true
		}
	}
	return false
}

// ─── Evaluate ───────────────────────────────────────────────────────────────

func TestEvaluate_CleanRequest(t *testing.T) {
	e, _, _, _ := newTestEngine(Options{})
	a := e.Evaluate(baseRequest())

	if a.TotalScore != 0 {
		t.Errorf("TotalScore = %d, want 0: %+v", a.TotalScore, a.Detections)
	}
	if a.RecommendedAction != catalog.ActionAllow {
		t.Errorf("action = %s, want allow", a.RecommendedAction)
	}
	if a.Detections == nil || len(a.Detections) != 0 {
		t.Errorf("Detections = %v, want empty non-nil slice", a.Detections)
	}
	if a.ID == "" || a.Fingerprint == "" || a.Timestamp.IsZero() {
		t.Errorf("assessment missing identity: %+v", a)
	}
	if a.ClientIP != "203.0.113.10" {
		t.Errorf("ClientIP = %q", a.ClientIP)
	}
}

func TestEvaluate_UnionSelectBodyBlocks(t *testing.T) {
	e, _, _, _ := newTestEngine(Options{})
	req := baseRequest()
	req.Method = "POST"
	req.Body = "username=admin&password=1 UNION SELECT password FROM users"

	a := e.Evaluate(req)
	if a.TotalScore != 100 {
		t.Errorf("TotalScore = %d, want 100: %+v", a.TotalScore, a.Detections)
	}
	if a.RecommendedAction != catalog.ActionBlock {
		t.Errorf("action = %s, want block", a.RecommendedAction)
	}
	if !hasDetection(a, catalog.SQLInjection, catalog.FieldBody) {
		t.Errorf("expected sql_injection on body: %+v", a.Detections)
	}
}

func TestEvaluate_ScannerUserAgentMonitors(t *testing.T) {
	e, _, _, _ := newTestEngine(Options{})
	req := baseRequest()
	req.UserAgent = "sqlmap/1.7.2#stable (https://sqlmap.org)"

	a := e.Evaluate(req)
	if a.TotalScore != 60 {
		t.Errorf("TotalScore = %d, want 60: %+v", a.TotalScore, a.Detections)
	}
	if a.RecommendedAction != catalog.ActionMonitor {
		t.Errorf("action = %s, want monitor", a.RecommendedAction)
	}
}

func TestEvaluate_EncodedTautologyInURL(t *testing.T) {
	e, _, _, _ := newTestEngine(Options{})
	r := httptest.NewRequest("GET", "/api?x=1%27%20OR%20%271%27%3D%271", nil)
	a := e.Evaluate(FromHTTP(r, RequestOptions{}))

	if a.TotalScore < 100 {
		t.Errorf("TotalScore = %d, want >= 100", a.TotalScore)
	}
	if a.RecommendedAction != catalog.ActionBlock {
		t.Errorf("action = %s, want block", a.RecommendedAction)
	}
	if !hasDetection(a, catalog.SQLInjection, catalog.FieldURL) {
		t.Errorf("expected sql_injection on url: %+v", a.Detections)
	}
	if !hasDetection(a, catalog.SQLInjection, catalog.FieldQuery) {
		t.Errorf("expected sql_injection on query: %+v", a.Detections)
	}
}

func TestEvaluate_TotalIsSumOfDetections(t *testing.T) {
	e, _, _, _ := newTestEngine(Options{})
	req := baseRequest()
	req.Body = "<script>document.cookie</script> ../../etc/passwd"

	a := e.Evaluate(req)
	sum := 0
	for _, d := range a.Detections {
		sum += d.Score
	}
	if a.TotalScore != sum {
		t.Errorf("TotalScore = %d, sum of detections = %d", a.TotalScore, sum)
	}
	if !hasDetection(a, catalog.XSS, "") || !hasDetection(a, catalog.PathTraversal, "") {
		t.Errorf("expected xss and path_traversal: %v", a.Categories())
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	e, _, _, _ := newTestEngine(Options{})
	req := baseRequest()
	req.Body = "1; DROP TABLE users --"

	a1 := e.Evaluate(req)
	a2 := e.Evaluate(req)
	if a1.TotalScore != a2.TotalScore || a1.RecommendedAction != a2.RecommendedAction {
		t.Fatalf("results differ: %d/%s vs %d/%s", a1.TotalScore, a1.RecommendedAction, a2.TotalScore, a2.RecommendedAction)
	}
	if len(a1.Detections) != len(a2.Detections) {
		t.Fatalf("detection count differs: %d vs %d", len(a1.Detections), len(a2.Detections))
	}
	for i := range a1.Detections {
		if a1.Detections[i] != a2.Detections[i] {
			t.Errorf("detection %d differs: %+v vs %+v", i, a1.Detections[i], a2.Detections[i])
		}
	}
}

func TestEvaluate_NoSideEffects(t *testing.T) {
	e, tracker, store, pub := newTestEngine(Options{})
	req := baseRequest()
	req.Body = "<script>alert(1)</script>"

	e.Evaluate(req)
	if tracker.Count(req.ClientIP) != 0 {
		t.Error("Evaluate should not count volume")
	}
	if store.Len() != 0 {
		t.Error("Evaluate should not record history")
	}
	if len(pub.Events()) != 0 {
		t.Error("Evaluate should not publish")
	}
}

func TestEvaluate_BrokenRuleFailsOpen(t *testing.T) {
	cat := strictCatalog()
	spec, _ := cat.Category(catalog.XSS)
	spec.Rules = append(spec.Rules, catalog.Rule{Name: "broken", Category: catalog.XSS})

	e := NewEngine(cat, Options{}, nil, nil, nil, zerolog.Nop())
	req := Request{ClientIP: "1.2.3.4", Method: "GET", Path: "/", Body: "<script>alert(1)</script>"}

	a := e.Evaluate(req)
	if a.TotalScore != 0 || a.RecommendedAction != catalog.ActionAllow {
		t.Errorf("broken rule should leave the field clean, got %d/%s", a.TotalScore, a.RecommendedAction)
	}
}

func TestEvaluate_RelaxedProfile(t *testing.T) {
	e, _, _, _ := newTestEngine(Options{})
	req := baseRequest()
	req.Body = "msg=$(date)"

	if got := e.Evaluate(req).TotalScore; got != 100 {
		t.Errorf("strict score = %d, want 100", got)
	}
	e.Reconfigure(catalog.Build(core.ProfileRelaxed, catalog.Options{}), Options{})
	if got := e.Evaluate(req).TotalScore; got != 0 {
		t.Errorf("relaxed score = %d, want 0", got)
	}
	if e.Catalog().Profile() != core.ProfileRelaxed {
		t.Errorf("Catalog().Profile() = %q", e.Catalog().Profile())
	}
}

func TestEvaluate_FieldTruncation(t *testing.T) {
	e, _, _, _ := newTestEngine(Options{MaxFieldBytes: 64})
	req := baseRequest()
	req.Body = strings.Repeat("a", 100) + "<script>alert(1)</script>"

	if a := e.Evaluate(req); a.TotalScore != 0 {
		t.Errorf("payload beyond the field limit scored %d", a.TotalScore)
	}
}

// ─── Assess ─────────────────────────────────────────────────────────────────

func TestAssess_RecordsHistory(t *testing.T) {
	e, _, store, _ := newTestEngine(Options{})
	req := baseRequest()
	req.Body = "<script>alert(1)</script>"

	a := e.Assess(req)
	e.Assess(req)

	entry, ok := store.Get(a.Fingerprint)
	if !ok {
		t.Fatal("history entry missing")
	}
	if entry.HitCount != 2 || entry.MaxScore != a.TotalScore {
		t.Errorf("entry = %+v, want 2 hits and max %d", entry, a.TotalScore)
	}
}

func TestAssess_VolumeOverrun(t *testing.T) {
	e, tracker, _, _ := newTestEngine(Options{VolumeThreshold: 100})
	fixed := time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC)
	tracker.WithClock(func() time.Time { return fixed })
	req := baseRequest()

	var a *ThreatAssessment
	for i := 0; i < 100; i++ {
		a = e.Assess(req)
	}
	if a.TotalScore != 0 || a.VolumeCount != 100 {
		t.Fatalf("100th request: score %d count %d, want 0 and 100", a.TotalScore, a.VolumeCount)
	}

	a = e.Assess(req)
	if a.VolumeCount != 101 {
		t.Errorf("VolumeCount = %d, want 101", a.VolumeCount)
	}
	if a.TotalScore != 30 {
		t.Errorf("TotalScore = %d, want 30", a.TotalScore)
	}
	if a.RecommendedAction != catalog.ActionThrottle {
		t.Errorf("action = %s, want throttle", a.RecommendedAction)
	}
	if !hasDetection(a, catalog.Volume, "") {
		t.Errorf("expected volume detection: %+v", a.Detections)
	}
}

func TestAssess_VolumeDoesNotDowngradeBlock(t *testing.T) {
	e, _, _, _ := newTestEngine(Options{VolumeThreshold: 1})
	req := baseRequest()
	req.Body = "<script>alert(1)</script>"

	e.Assess(req)
	a := e.Assess(req)
	if a.RecommendedAction != catalog.ActionBlock {
		t.Errorf("action = %s, want block to win over throttle", a.RecommendedAction)
	}
	if a.TotalScore != 90+30 {
		t.Errorf("TotalScore = %d, want 120", a.TotalScore)
	}
}

func TestAssess_PublishesNotable(t *testing.T) {
	e, _, _, pub := newTestEngine(Options{})
	req := baseRequest()
	req.Body = "1 UNION SELECT password FROM users"
	a := e.Assess(req)

	events := pub.Events()
	if len(events) != 1 {
		t.Fatalf("published %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Type != core.EventThreatAssessment || ev.Component != "scoring" {
		t.Errorf("event = %s/%s", ev.Component, ev.Type)
	}
	if ev.Severity != core.SeverityHigh {
		t.Errorf("Severity = %s, want HIGH", ev.Severity)
	}
	if ev.Fingerprint != a.Fingerprint || ev.ClientIP != a.ClientIP {
		t.Errorf("event identity = %s/%s", ev.Fingerprint, ev.ClientIP)
	}
	if ev.Details["assessment_id"] != a.ID {
		t.Errorf("assessment_id = %v, want %s", ev.Details["assessment_id"], a.ID)
	}
}

func TestAssess_MonitorSeverityLow(t *testing.T) {
	e, _, _, pub := newTestEngine(Options{})
	req := baseRequest()
	req.UserAgent = "nikto/2.5"
	e.Assess(req)

	events := pub.Events()
	if len(events) != 1 || events[0].Severity != core.SeverityLow {
		t.Errorf("events = %+v, want one LOW event", events)
	}
}

func TestAssess_QuietBelowNotable(t *testing.T) {
	e, _, _, pub := newTestEngine(Options{NotableThreshold: 60})
	req := baseRequest()
	req.UserAgent = "nikto/2.5" // exactly 60, not above
	e.Assess(req)
	e.Assess(baseRequest())

	if n := len(pub.Events()); n != 0 {
		t.Errorf("published %d events, want 0", n)
	}
}

func TestAssess_NotifiesObserver(t *testing.T) {
	e, _, _, _ := newTestEngine(Options{})
	obs := &countingObserver{}
	e.SetObserver(obs)

	a := e.Assess(baseRequest())
	if obs.count != 1 || obs.last != a {
		t.Errorf("observer count %d, last %p, want 1 and %p", obs.count, obs.last, a)
	}
}

func TestAssess_NilCollaborators(t *testing.T) {
	e := NewEngine(strictCatalog(), Options{}, nil, nil, nil, zerolog.Nop())
	req := baseRequest()
	req.Body = "<script>"
	if a := e.Assess(req); a.TotalScore != 90 {
		t.Errorf("TotalScore = %d, want 90", a.TotalScore)
	}
}

func TestSeverityFor(t *testing.T) {
	cases := []struct {
		score  int
		action catalog.Action
		want   core.Severity
	}{
		{300, catalog.ActionMonitor, core.SeverityCritical},
		{100, catalog.ActionBlock, core.SeverityHigh},
		{60, catalog.ActionThrottle, core.SeverityMedium},
		{60, catalog.ActionMonitor, core.SeverityLow},
	}
	for _, tc := range cases {
		a := &ThreatAssessment{TotalScore: tc.score, RecommendedAction: tc.action}
		if got := severityFor(a); got != tc.want {
			t.Errorf("severityFor(%d, %s) = %s, want %s", tc.score, tc.action, got, tc.want)
		}
	}
}

func TestCategories_Distinct(t *testing.T) {
	a := &ThreatAssessment{Detections: []Detection{
		{Category: catalog.XSS}, {Category: catalog.SQLInjection}, {Category: catalog.XSS},
	}}
	got := a.Categories()
	if len(got) != 2 || got[0] != "xss" || got[1] != "sql_injection" {
		t.Errorf("Categories = %v", got)
	}
}

// ─── Context ────────────────────────────────────────────────────────────────

func TestContext_RoundTrip(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	if FromContext(r.Context()) != nil {
		t.Error("empty context should yield nil")
	}
	a := &ThreatAssessment{ID: "x"}
	ctx := WithAssessment(r.Context(), a)
	if FromContext(ctx) != a {
		t.Error("assessment not returned from context")
	}
}

// ─── Publishing ─────────────────────────────────────────────────────────────

type slowPublisher struct {
	delay     time.Duration
	published chan *core.SecurityEvent
}

func (p *slowPublisher) PublishEvent(ev *core.SecurityEvent) error {
	time.Sleep(p.delay)
	p.published <- ev
	return nil
}

func TestAssess_SlowBrokerDoesNotDelayRequest(t *testing.T) {
	broker := &slowPublisher{delay: 2 * time.Second, published: make(chan *core.SecurityEvent, 1)}
	queue := core.NewEventQueue(broker, 16, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go queue.Run(ctx)

	e := NewEngine(strictCatalog(), Options{}, nil, nil, queue, zerolog.Nop())
	req := baseRequest()
	req.Body = "1 union select 2"
	req.RequestID = "req-42"

	start := time.Now()
	a := e.Assess(req)
	if took := time.Since(start); took > 500*time.Millisecond {
		t.Errorf("Assess took %v behind a slow broker", took)
	}
	if a.RecommendedAction != catalog.ActionBlock {
		t.Errorf("action = %v, want block", a.RecommendedAction)
	}

	select {
	case ev := <-broker.published:
		if ev.Type != core.EventThreatAssessment || ev.RequestID != "req-42" || ev.Fingerprint != a.Fingerprint {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event never reached the broker")
	}
}
