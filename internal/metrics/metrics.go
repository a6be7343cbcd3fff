// Package metrics exports the pipeline's counters to Prometheus and logs a
// periodic snapshot of the in-memory stores.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/1sec-project/reqguard/internal/history"
	"github.com/1sec-project/reqguard/internal/scoring"
	"github.com/1sec-project/reqguard/internal/session"
)

const namespace = "reqguard"

// Sizer reports the number of live entries in a store.
type Sizer interface {
	Len() int
}

// Collectors is the set of reqguard metrics bound to one registry.
type Collectors struct {
	registry *prometheus.Registry

	assessments      *prometheus.CounterVec
	detections       *prometheus.CounterVec
	scores           prometheus.Histogram
	decisions        *prometheus.CounterVec
	anomalies        *prometheus.CounterVec
	pendingThrottles prometheus.Gauge
	failOpen         prometheus.Counter
}

// New registers the reqguard collectors on a fresh registry. store, volume
// and sessions back gauge functions and may be nil.
func New(store *history.Store, volume, sessions Sizer) *Collectors {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	c := &Collectors{
		registry: reg,
		assessments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assessments_total",
			Help:      "Requests assessed, by recommended action.",
		}, []string{"action"}),
		detections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Rule matches, by category and field.",
		}, []string{"category", "target"}),
		scores: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "threat_score",
			Help:      "Distribution of total threat scores.",
			Buckets:   []float64{0, 30, 50, 70, 100, 150, 200, 300, 500, 1000},
		}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Enforced outcomes, by outcome.",
		}, []string{"outcome"}),
		anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_anomalies_total",
			Help:      "Session anomalies raised, by type.",
		}, []string{"type"}),
		pendingThrottles: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_throttled_requests",
			Help:      "Requests currently held by the throttle delay.",
		}),
		failOpen: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fail_open_total",
			Help:      "Requests passed through after an internal assessment failure.",
		}),
	}

	if store != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_fingerprints",
			Help:      "Live fingerprints in the threat history.",
		}, func() float64 { return float64(store.Snapshot().Tracked) })
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_threats",
			Help:      "Live fingerprints whose max score exceeds the active threat score.",
		}, func() float64 { return float64(store.Snapshot().ActiveThreats) })
	}
	if volume != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "volume_counters",
			Help:      "Live per-client volume counters.",
		}, func() float64 { return float64(volume.Len()) })
	}
	if sessions != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_profiles",
			Help:      "Live authenticated session profiles.",
		}, func() float64 { return float64(sessions.Len()) })
	}
	return c
}

// ObserveAssessment implements scoring.Observer.
func (c *Collectors) ObserveAssessment(a *scoring.ThreatAssessment) {
	c.assessments.WithLabelValues(a.RecommendedAction.String()).Inc()
	c.scores.Observe(float64(a.TotalScore))
	for _, d := range a.Detections {
		target := string(d.Target)
		if target == "" {
			target = "none"
		}
		c.detections.WithLabelValues(string(d.Category), target).Inc()
	}
}

// ObserveDecision counts an enforced outcome.
func (c *Collectors) ObserveDecision(outcome string) {
	c.decisions.WithLabelValues(outcome).Inc()
}

// ObserveAnomaly counts a raised session anomaly.
func (c *Collectors) ObserveAnomaly(_ string, a session.Anomaly) {
	c.anomalies.WithLabelValues(string(a.Type)).Inc()
}

// ThrottleStarted and ThrottleFinished bracket a throttle delay.
func (c *Collectors) ThrottleStarted()  { c.pendingThrottles.Inc() }
func (c *Collectors) ThrottleFinished() { c.pendingThrottles.Dec() }

// FailOpen counts a request let through after an internal failure.
func (c *Collectors) FailOpen() { c.failOpen.Inc() }

// Registry returns the underlying registry.
func (c *Collectors) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Reporter periodically logs a snapshot of the threat history.
type Reporter struct {
	store    *history.Store
	volume   Sizer
	sessions Sizer
	logger   zerolog.Logger
}

// NewReporter creates a reporter. volume and sessions may be nil.
func NewReporter(store *history.Store, volume, sessions Sizer, logger zerolog.Logger) *Reporter {
	return &Reporter{
		store:    store,
		volume:   volume,
		sessions: sessions,
		logger:   logger.With().Str("component", "metrics").Logger(),
	}
}

// Report logs one snapshot and returns it.
func (r *Reporter) Report() history.Snapshot {
	snap := r.store.Snapshot()
	ev := r.logger.Info().
		Int("tracked_fingerprints", snap.Tracked).
		Int("active_threats", snap.ActiveThreats).
		Int64("total_hits", snap.TotalHits)
	if r.volume != nil {
		ev = ev.Int("volume_counters", r.volume.Len())
	}
	if r.sessions != nil {
		ev = ev.Int("session_profiles", r.sessions.Len())
	}
	ev.Msg("security metrics snapshot")
	return snap
}

// Run calls Report every interval until ctx is done. interval is read through
// the function on every tick so reloads take effect.
func (r *Reporter) Run(ctx context.Context, interval func() time.Duration) {
	for {
		d := interval()
		if d <= 0 {
			d = 5 * time.Minute
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.Report()
		}
	}
}
