package scoring

import "context"

type assessmentKey struct{}

// WithAssessment attaches a to ctx for downstream handlers and loggers.
func WithAssessment(ctx context.Context, a *ThreatAssessment) context.Context {
	return context.WithValue(ctx, assessmentKey{}, a)
}

// FromContext returns the assessment attached to ctx, or nil.
func FromContext(ctx context.Context) *ThreatAssessment {
	a, _ := ctx.Value(assessmentKey{}).(*ThreatAssessment)
	return a
}
