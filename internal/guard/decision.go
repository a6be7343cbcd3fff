// Package guard turns threat assessments into HTTP outcomes and composes the
// full request pipeline as net/http middleware.
package guard

import (
	"github.com/1sec-project/reqguard/internal/catalog"
	"github.com/1sec-project/reqguard/internal/scoring"
)

// Outcome is what the middleware does with a request.
type Outcome int

const (
	OutcomeAllow Outcome = iota
	OutcomeThrottle
	OutcomeBlock
)

func (o Outcome) String() string {
	switch o {
	case OutcomeThrottle:
		return "throttle"
	case OutcomeBlock:
		return "block"
	default:
		return "allow"
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Decide maps an assessment to an outcome. A block recommendation or a total
// score above blockingThreshold rejects; a throttle recommendation delays;
// monitor and allow pass through.
func Decide(a *scoring.ThreatAssessment, blockingThreshold int) Outcome {
	if a == nil {
		return OutcomeAllow
	}
	if a.RecommendedAction == catalog.ActionBlock || a.TotalScore > blockingThreshold {
		return OutcomeBlock
	}
	if a.RecommendedAction == catalog.ActionThrottle {
		return OutcomeThrottle
	}
	return OutcomeAllow
}
