// Package session tracks the behaviour of authenticated users across requests
// and raises anomalies on IP churn, user-agent churn and request bursts.
//
// Detection only: nothing here terminates or suspends a session. Callers that
// want enforcement register an OnAnomaly hook.
package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/1sec-project/reqguard/internal/core"
)

const componentName = "session"

// AnomalyType names a behavioural anomaly.
type AnomalyType string

const (
	MultipleIPs        AnomalyType = "multiple_ips"
	MultipleUserAgents AnomalyType = "multiple_user_agents"
	HighFrequency      AnomalyType = "high_frequency"
)

// Thresholds. A condition holds when the observed value is strictly greater.
const (
	MaxDistinctIPs        = 3
	MaxDistinctUserAgents = 2
	MaxRequestsPerSecond  = 10.0
)

// Anomaly is one raised anomaly.
type Anomaly struct {
	Type       AnomalyType   `json:"type"`
	Severity   core.Severity `json:"severity"`
	Detail     string        `json:"detail"`
	IP         string        `json:"ip,omitempty"`
	UserAgent  string        `json:"user_agent,omitempty"`
	RequestID  string        `json:"request_id,omitempty"`
	DetectedAt time.Time     `json:"detected_at"`
}

// Profile is a point-in-time copy of a user's behaviour state.
type Profile struct {
	UserID       string    `json:"user_id"`
	IPs          []string  `json:"ips"`
	UserAgents   []string  `json:"user_agents"`
	RequestCount int64     `json:"request_count"`
	FirstSeen    time.Time `json:"first_seen"`
	LastActivity time.Time `json:"last_activity"`
	Anomalies    []Anomaly `json:"anomalies"`
}

type record struct {
	mu           sync.Mutex
	userID       string
	ips          map[string]struct{}
	userAgents   map[string]struct{}
	requestCount int64
	firstSeen    time.Time
	lastActivity time.Time
	anomalies    []Anomaly
	// active holds conditions already reported; they re-arm once they clear.
	active map[AnomalyType]bool
}

// Options configure a Detector. Zero values take the defaults.
type Options struct {
	TTL           time.Duration
	Capacity      int
	MaxAnomalyLog int
}

// Detector holds one profile per user, expiring after TTL of inactivity.
type Detector struct {
	mu        sync.Mutex
	profiles  *expirable.LRU[string, *record]
	maxLog    int
	publisher core.Publisher
	logger    zerolog.Logger
	now       func() time.Time

	hookMu    sync.RWMutex
	onAnomaly []func(userID string, a Anomaly)
}

// NewDetector creates a detector. publisher may be nil.
func NewDetector(opts Options, publisher core.Publisher, logger zerolog.Logger) *Detector {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Minute
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 100000
	}
	if opts.MaxAnomalyLog <= 0 {
		opts.MaxAnomalyLog = 100
	}
	return &Detector{
		profiles:  expirable.NewLRU[string, *record](opts.Capacity, nil, opts.TTL),
		maxLog:    opts.MaxAnomalyLog,
		publisher: publisher,
		logger:    logger.With().Str("component", componentName).Logger(),
		now:       time.Now,
	}
}

// WithClock replaces the clock used for timestamps and request rate. Profile
// expiry always follows the wall clock.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// OnAnomaly registers fn to run for every newly raised anomaly. This is the
// hook point for suspension or step-up authentication.
func (d *Detector) OnAnomaly(fn func(userID string, a Anomaly)) {
	d.hookMu.Lock()
	d.onAnomaly = append(d.onAnomaly, fn)
	d.hookMu.Unlock()
}

// Observe records one authenticated request and returns the anomalies newly
// raised by it. An empty userID is ignored.
func (d *Detector) Observe(userID, ip, userAgent string) []Anomaly {
	return d.ObserveRequest(userID, ip, userAgent, "")
}

// ObserveRequest is Observe for a request carrying a correlation ID, which is
// stamped on every anomaly it raises.
func (d *Detector) ObserveRequest(userID, ip, userAgent, requestID string) []Anomaly {
	if userID == "" {
		return nil
	}
	now := d.now()

	d.mu.Lock()
	rec, ok := d.profiles.Get(userID)
	if !ok {
		rec = &record{
			userID:     userID,
			ips:        make(map[string]struct{}),
			userAgents: make(map[string]struct{}),
			firstSeen:  now,
			active:     make(map[AnomalyType]bool),
		}
	}
	// Re-adding resets the inactivity TTL.
	d.profiles.Add(userID, rec)
	d.mu.Unlock()

	rec.mu.Lock()
	if ip != "" {
		rec.ips[ip] = struct{}{}
	}
	if userAgent != "" {
		rec.userAgents[userAgent] = struct{}{}
	}
	rec.requestCount++
	rec.lastActivity = now

	elapsed := now.Sub(rec.firstSeen).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	rate := float64(rec.requestCount) / elapsed

	checks := []struct {
		typ      AnomalyType
		severity core.Severity
		hit      bool
		detail   string
	}{
		{MultipleIPs, core.SeverityMedium, len(rec.ips) > MaxDistinctIPs,
			fmt.Sprintf("%d distinct IPs", len(rec.ips))},
		{MultipleUserAgents, core.SeverityLow, len(rec.userAgents) > MaxDistinctUserAgents,
			fmt.Sprintf("%d distinct user agents", len(rec.userAgents))},
		{HighFrequency, core.SeverityHigh, rate > MaxRequestsPerSecond,
			fmt.Sprintf("%.1f requests/s over %d requests", rate, rec.requestCount)},
	}

	var raised []Anomaly
	for _, c := range checks {
		if !c.hit {
			rec.active[c.typ] = false
			continue
		}
		if rec.active[c.typ] {
			continue
		}
		rec.active[c.typ] = true
		a := Anomaly{
			Type:       c.typ,
			Severity:   c.severity,
			Detail:     c.detail,
			IP:         ip,
			UserAgent:  userAgent,
			RequestID:  requestID,
			DetectedAt: now.UTC(),
		}
		rec.anomalies = append(rec.anomalies, a)
		if over := len(rec.anomalies) - d.maxLog; over > 0 {
			rec.anomalies = append([]Anomaly(nil), rec.anomalies[over:]...)
		}
		raised = append(raised, a)
	}
	rec.mu.Unlock()

	for _, a := range raised {
		d.report(userID, a)
	}
	return raised
}

func (d *Detector) report(userID string, a Anomaly) {
	ev := d.logger.Warn()
	if a.Severity >= core.SeverityHigh {
		ev = d.logger.Error()
	}
	ev.Str("user_id", userID).
		Str("request_id", a.RequestID).
		Str("anomaly", string(a.Type)).
		Str("severity", a.Severity.String()).
		Str("client_ip", a.IP).
		Str("detail", a.Detail).
		Msg("session anomaly detected")

	if d.publisher != nil {
		event := core.NewSecurityEvent(componentName, core.EventSessionAnomaly, a.Severity,
			fmt.Sprintf("%s for user %s: %s", a.Type, userID, a.Detail))
		event.UserID = userID
		event.ClientIP = a.IP
		event.UserAgent = a.UserAgent
		event.RequestID = a.RequestID
		event.Details["anomaly"] = string(a.Type)
		event.Details["detail"] = a.Detail
		if err := d.publisher.PublishEvent(event); err != nil {
			d.logger.Debug().Err(err).Msg("session anomaly not published")
		}
	}

	d.hookMu.RLock()
	hooks := d.onAnomaly
	d.hookMu.RUnlock()
	for _, fn := range hooks {
		d.runHook(fn, userID, a)
	}
}

func (d *Detector) runHook(fn func(string, Anomaly), userID string, a Anomaly) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Str("user_id", userID).Msg("anomaly hook panicked")
		}
	}()
	fn(userID, a)
}

// Get returns a copy of the live profile for userID.
func (d *Detector) Get(userID string) (Profile, bool) {
	d.mu.Lock()
	rec, ok := d.profiles.Peek(userID)
	d.mu.Unlock()
	if !ok {
		return Profile{}, false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return Profile{
		UserID:       rec.userID,
		IPs:          sortedSet(rec.ips),
		UserAgents:   sortedSet(rec.userAgents),
		RequestCount: rec.requestCount,
		FirstSeen:    rec.firstSeen,
		LastActivity: rec.lastActivity,
		Anomalies:    append([]Anomaly(nil), rec.anomalies...),
	}, true
}

// Len returns the number of tracked profiles.
func (d *Detector) Len() int {
	return d.profiles.Len()
}

func sortedSet(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
