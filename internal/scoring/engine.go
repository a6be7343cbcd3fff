// Package scoring runs the pattern catalog over every analyzable field of a
// request and turns the matches into a ThreatAssessment.
package scoring

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/1sec-project/reqguard/internal/catalog"
	"github.com/1sec-project/reqguard/internal/core"
	"github.com/1sec-project/reqguard/internal/history"
	"github.com/1sec-project/reqguard/internal/volume"
)

const componentName = "scoring"

// Detection is one rule match on one field.
type Detection struct {
	Category catalog.Category `json:"category"`
	Target   catalog.Field    `json:"target"`
	Rule     string           `json:"rule"`
	Pattern  string           `json:"pattern"`
	Score    int              `json:"score"`
	Excerpt  string           `json:"excerpt,omitempty"`
}

// ThreatAssessment is the scoring result for one request.
type ThreatAssessment struct {
	ID                string         `json:"id"`
	Fingerprint       string         `json:"fingerprint"`
	ClientIP          string         `json:"client_ip"`
	TotalScore        int            `json:"total_score"`
	Detections        []Detection    `json:"detections"`
	RecommendedAction catalog.Action `json:"recommended_action"`
	VolumeCount       int            `json:"volume_count,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
}

// Categories returns the distinct matched categories in first-match order.
func (a *ThreatAssessment) Categories() []string {
	seen := make(map[catalog.Category]bool)
	var out []string
	for _, d := range a.Detections {
		if !seen[d.Category] {
			seen[d.Category] = true
			out = append(out, string(d.Category))
		}
	}
	return out
}

// Options are the tunables of an Engine.
type Options struct {
	NotableThreshold int
	VolumeThreshold  int
	MaxFieldBytes    int
}

// Observer is notified of every completed assessment.
type Observer interface {
	ObserveAssessment(a *ThreatAssessment)
}

// Engine scores requests. It is safe for concurrent use; Reconfigure swaps
// the catalog and options atomically with respect to Assess.
type Engine struct {
	mu      sync.RWMutex
	catalog *catalog.Catalog
	opts    Options

	volume    *volume.Tracker
	history   *history.Store
	publisher core.Publisher
	observer  Observer
	logger    zerolog.Logger
	now       func() time.Time
}

// NewEngine creates a scoring engine. tracker, store and publisher may be nil.
func NewEngine(cat *catalog.Catalog, opts Options, tracker *volume.Tracker, store *history.Store, publisher core.Publisher, logger zerolog.Logger) *Engine {
	return &Engine{
		catalog:   cat,
		opts:      withDefaults(opts),
		volume:    tracker,
		history:   store,
		publisher: publisher,
		logger:    logger.With().Str("component", componentName).Logger(),
		now:       time.Now,
	}
}

func withDefaults(o Options) Options {
	if o.NotableThreshold <= 0 {
		o.NotableThreshold = 50
	}
	if o.VolumeThreshold <= 0 {
		o.VolumeThreshold = 100
	}
	if o.MaxFieldBytes <= 0 {
		o.MaxFieldBytes = 16 << 10
	}
	return o
}

// SetObserver registers o to receive every assessment produced by Assess.
func (e *Engine) SetObserver(o Observer) {
	e.mu.Lock()
	e.observer = o
	e.mu.Unlock()
}

// WithClock replaces the engine clock. Intended for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Reconfigure replaces the catalog and options.
func (e *Engine) Reconfigure(cat *catalog.Catalog, opts Options) {
	e.mu.Lock()
	e.catalog = cat
	e.opts = withDefaults(opts)
	e.mu.Unlock()
}

// Catalog returns the active catalog.
func (e *Engine) Catalog() *catalog.Catalog {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.catalog
}

// Evaluate scores req against the catalog only. It has no side effects and
// the same input always yields the same score and detections.
func (e *Engine) Evaluate(req Request) *ThreatAssessment {
	e.mu.RLock()
	cat, opts := e.catalog, e.opts
	e.mu.RUnlock()

	a := &ThreatAssessment{
		ID:          uuid.New().String(),
		Fingerprint: req.Fingerprint(),
		ClientIP:    req.ClientIP,
		Detections:  []Detection{},
		Timestamp:   e.now().UTC(),
	}
	for _, field := range catalog.Fields {
		text := normalize(req.Field(field), opts.MaxFieldBytes)
		if text == "" {
			continue
		}
		a.Detections = append(a.Detections, e.evaluateField(cat, field, text)...)
	}
	a.finalize(cat)
	return a
}

// Assess scores req, consults the volume tracker and records the result in
// the threat history. It never fails: internal faults degrade to fewer
// detections.
func (e *Engine) Assess(req Request) *ThreatAssessment {
	a := e.Evaluate(req)

	if e.volume != nil && req.ClientIP != "" {
		e.mu.RLock()
		cat, threshold := e.catalog, e.opts.VolumeThreshold
		e.mu.RUnlock()

		count := e.volume.Increment(req.ClientIP)
		a.VolumeCount = count
		if count > threshold {
			if spec, ok := cat.Category(catalog.Volume); ok {
				a.Detections = append(a.Detections, Detection{
					Category: catalog.Volume,
					Rule:     "volume_overrun",
					Pattern:  fmt.Sprintf("> %d requests/min", threshold),
					Score:    spec.Score,
					Excerpt:  fmt.Sprintf("%d requests in current window", count),
				})
				a.finalize(cat)
			}
		}
	}

	if e.history != nil {
		e.history.Record(a.Fingerprint, a.TotalScore)
	}

	e.mu.RLock()
	notable, observer := e.opts.NotableThreshold, e.observer
	e.mu.RUnlock()

	if a.TotalScore > notable {
		e.reportNotable(req, a)
	}
	if observer != nil {
		observer.ObserveAssessment(a)
	}
	return a
}

// evaluateField runs every category targeting field. A panic inside rule
// evaluation is logged and the field yields no detections.
func (e *Engine) evaluateField(cat *catalog.Catalog, field catalog.Field, text string) (out []Detection) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Str("field", string(field)).
				Interface("panic", r).
				Msg("field evaluation failed, treating as clean")
			out = nil
		}
	}()

	for _, spec := range cat.Categories() {
		if len(spec.Rules) == 0 || !spec.AppliesTo(field) {
			continue
		}
		for _, res := range cat.Evaluate(spec.Name, text) {
			if !res.Matched {
				continue
			}
			out = append(out, Detection{
				Category: spec.Name,
				Target:   field,
				Rule:     res.Rule.Name,
				Pattern:  res.Rule.Regex.String(),
				Score:    spec.Score,
				Excerpt:  res.Excerpt,
			})
		}
	}
	return out
}

// finalize recomputes the total and the recommended action from the
// detections. Precedence is block, then throttle, then monitor.
func (a *ThreatAssessment) finalize(cat *catalog.Catalog) {
	total := 0
	action := catalog.ActionAllow
	for _, d := range a.Detections {
		total += d.Score
		if spec, ok := cat.Category(d.Category); ok && spec.Action > action {
			action = spec.Action
		}
	}
	a.TotalScore = total
	a.RecommendedAction = action
}

func (e *Engine) reportNotable(req Request, a *ThreatAssessment) {
	categories := a.Categories()
	e.logger.Warn().
		Str("assessment_id", a.ID).
		Str("request_id", req.RequestID).
		Str("fingerprint", a.Fingerprint).
		Str("client_ip", a.ClientIP).
		Str("method", req.Method).
		Str("path", req.Path).
		Int("score", a.TotalScore).
		Int("detections", len(a.Detections)).
		Strs("categories", categories).
		Str("action", a.RecommendedAction.String()).
		Msg("notable threat assessment")

	if e.publisher == nil {
		return
	}
	event := core.NewSecurityEvent(componentName, core.EventThreatAssessment, severityFor(a),
		fmt.Sprintf("score %d on %s %s (%s)", a.TotalScore, req.Method, req.Path, a.RecommendedAction))
	event.ClientIP = a.ClientIP
	event.UserAgent = req.UserAgent
	event.Fingerprint = a.Fingerprint
	event.RequestID = req.RequestID
	event.Details["assessment_id"] = a.ID
	event.Details["score"] = a.TotalScore
	event.Details["action"] = a.RecommendedAction.String()
	event.Details["categories"] = categories
	event.Details["rules"] = ruleNames(a.Detections)
	if err := e.publisher.PublishEvent(event); err != nil {
		e.logger.Debug().Err(err).Msg("threat assessment not published")
	}
}

func severityFor(a *ThreatAssessment) core.Severity {
	switch {
	case a.TotalScore >= 300:
		return core.SeverityCritical
	case a.RecommendedAction == catalog.ActionBlock:
		return core.SeverityHigh
	case a.RecommendedAction == catalog.ActionThrottle:
		return core.SeverityMedium
	default:
		return core.SeverityLow
	}
}

func ruleNames(ds []Detection) []string {
	set := make(map[string]bool, len(ds))
	for _, d := range ds {
		set[d.Rule] = true
	}
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
