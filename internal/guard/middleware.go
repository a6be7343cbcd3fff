package guard

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/1sec-project/reqguard/internal/core"
	"github.com/1sec-project/reqguard/internal/scoring"
	"github.com/1sec-project/reqguard/internal/session"
)

// BlockCode is the machine-readable code of every rejection.
const BlockCode = "SECURITY_THREAT_DETECTED"

const blockMessage = "Request blocked by security policy"

// RequestIDHeader carries the per-request correlation ID.
const RequestIDHeader = "X-Request-ID"

// UserIDHeader is read as the user identity when TrustUserHeader is set.
const UserIDHeader = "X-User-ID"

// Policy is the reloadable part of the guard configuration.
type Policy struct {
	BlockingThreshold int
	ThrottleDelay     time.Duration
	TrustProxy        bool
	TrustUserHeader   bool
	MaxBodyBytes      int64
}

// PolicyFromConfig extracts the guard policy from a detection config.
func PolicyFromConfig(d core.DetectionConfig) Policy {
	return Policy{
		BlockingThreshold: d.BlockingThreshold,
		ThrottleDelay:     d.ThrottleDelay,
		TrustProxy:        d.TrustProxy,
		TrustUserHeader:   d.TrustUserHeader,
		MaxBodyBytes:      d.MaxBodyBytes,
	}
}

// Recorder receives decision-level metrics. Every method must be safe for
// concurrent use.
type Recorder interface {
	ObserveDecision(outcome string)
	ThrottleStarted()
	ThrottleFinished()
	FailOpen()
}

type nopRecorder struct{}

func (nopRecorder) ObserveDecision(string) {}
func (nopRecorder) ThrottleStarted()       {}
func (nopRecorder) ThrottleFinished()      {}
func (nopRecorder) FailOpen()              {}

// UserResolver returns the authenticated user of r, or "" for anonymous
// requests.
type UserResolver func(r *http.Request) string

type userKey struct{}

// WithUserID marks ctx as authenticated as userID. Authentication middleware
// placed in front of the guard uses it to opt requests into session tracking.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserIDFromContext returns the user set by WithUserID.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

// Option customises a Guard.
type Option func(*Guard)

// WithUserResolver replaces the default user resolution.
func WithUserResolver(fn UserResolver) Option {
	return func(g *Guard) { g.resolveUser = fn }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(g *Guard) {
		if r != nil {
			g.recorder = r
		}
	}
}

// Guard is the composed pipeline: fingerprint, scoring, decision, session
// anomaly detection, then the wrapped handler.
type Guard struct {
	engine      *scoring.Engine
	sessions    *session.Detector
	policy      atomic.Pointer[Policy]
	resolveUser UserResolver
	recorder    Recorder
	logger      zerolog.Logger
}

// New creates a guard. sessions may be nil to disable anomaly detection.
func New(engine *scoring.Engine, sessions *session.Detector, policy Policy, logger zerolog.Logger, opts ...Option) *Guard {
	g := &Guard{
		engine:   engine,
		sessions: sessions,
		recorder: nopRecorder{},
		logger:   logger.With().Str("component", "guard").Logger(),
	}
	g.SetPolicy(policy)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetPolicy replaces the policy for subsequent requests.
func (g *Guard) SetPolicy(p Policy) {
	if p.BlockingThreshold <= 0 {
		p.BlockingThreshold = 100
	}
	if p.ThrottleDelay <= 0 {
		p.ThrottleDelay = time.Second
	}
	g.policy.Store(&p)
}

// Policy returns the active policy.
func (g *Guard) Policy() Policy {
	return *g.policy.Load()
}

func (g *Guard) userID(r *http.Request, p *Policy) string {
	if g.resolveUser != nil {
		return g.resolveUser(r)
	}
	if id := UserIDFromContext(r.Context()); id != "" {
		return id
	}
	if p.TrustUserHeader {
		return r.Header.Get(UserIDHeader)
	}
	return ""
}

// Middleware wraps next with the guard pipeline.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		policy := g.policy.Load()

		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
			r.Header.Set(RequestIDHeader, requestID)
		}
		w.Header().Set(RequestIDHeader, requestID)

		req, a, ok := g.assess(r, requestID, policy)
		if !ok {
			g.recorder.FailOpen()
			next.ServeHTTP(w, r)
			return
		}

		outcome := Decide(a, policy.BlockingThreshold)
		g.recorder.ObserveDecision(outcome.String())
		g.logDecision(requestID, r, a, outcome)

		r = r.WithContext(scoring.WithAssessment(r.Context(), a))

		switch outcome {
		case OutcomeBlock:
			writeBlocked(w)
			return
		case OutcomeThrottle:
			if !g.delay(r.Context(), policy.ThrottleDelay) {
				g.logger.Debug().Str("request_id", requestID).Msg("client went away during throttle")
				return
			}
		}

		if g.sessions != nil {
			if userID := g.userID(r, policy); userID != "" {
				g.observeSession(requestID, userID, req)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// assess runs the scoring engine. ok is false when it panicked, in which case
// the request must pass through untouched.
func (g *Guard) assess(r *http.Request, requestID string, p *Policy) (req scoring.Request, a *scoring.ThreatAssessment, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error().
				Interface("panic", rec).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Msg("threat assessment failed, allowing request")
			ok = false
		}
	}()
	req = scoring.FromHTTP(r, scoring.RequestOptions{TrustProxy: p.TrustProxy, MaxBodyBytes: p.MaxBodyBytes})
	req.RequestID = requestID
	return req, g.engine.Assess(req), true
}

func (g *Guard) observeSession(requestID, userID string, req scoring.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error().Interface("panic", rec).Str("request_id", requestID).Msg("session tracking failed")
		}
	}()
	g.sessions.ObserveRequest(userID, req.ClientIP, req.UserAgent, requestID)
}

// delay holds the request for d. It returns false if ctx ends first.
func (g *Guard) delay(ctx context.Context, d time.Duration) bool {
	g.recorder.ThrottleStarted()
	defer g.recorder.ThrottleFinished()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (g *Guard) logDecision(requestID string, r *http.Request, a *scoring.ThreatAssessment, outcome Outcome) {
	var ev *zerolog.Event
	switch {
	case outcome == OutcomeBlock:
		ev = g.logger.Warn()
	case outcome == OutcomeThrottle || len(a.Detections) > 0:
		ev = g.logger.Info()
	default:
		ev = g.logger.Debug()
	}
	ev.Str("request_id", requestID).
		Str("fingerprint", a.Fingerprint).
		Str("client_ip", a.ClientIP).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("score", a.TotalScore).
		Str("recommended", a.RecommendedAction.String()).
		Str("outcome", outcome.String()).
		Msg("request assessed")
}

func writeBlocked(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": blockMessage,
		"code":  BlockCode,
	})
}
