package detectors

import (
	"context"
	"regexp"

	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
)

// rule is one precompiled pattern with the confidence it contributes.
type rule struct {
	re         *regexp.Regexp
	confidence float64
	detail     string
}

// ruleSet is a table of patterns compiled once at startup, never during a
// request.
type ruleSet []rule

// best returns the highest confidence match in text and its detail.
// A cancelled context stops the scan and returns what was found so far.
func (rs ruleSet) best(ctx context.Context, text string) (float64, string) {
	var conf float64
	var detail string
	for _, r := range rs {
		if ctx.Err() != nil {
			break
		}
		if r.confidence > conf && r.re.MatchString(text) {
			conf = r.confidence
			detail = r.detail
		}
	}
	return conf, detail
}

// result builds the signal result, or a quiet one when nothing fired.
func result(conf float64, detail string) *engine.SignalResult {
	if conf <= 0 {
		return &engine.SignalResult{}
	}
	return &engine.SignalResult{Confidence: conf, Details: detail}
}

// clamp keeps a confidence within [0, 1].
func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
