package detectors

import (
	"context"
	"fmt"

	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
)

// DefaultTrendMinSamples is the shortest history that can show a trend.
const DefaultTrendMinSamples = 3

// Below this, neither the recent mean nor the rise is worth reporting.
const trendFloor = 0.2

// Trend raises risk for senders whose recent scores are climbing or
// persistently elevated, so a slow escalation is caught before any single
// message crosses a threshold.
type Trend struct {
	minSamples int
}

func NewTrend(minSamples int) *Trend {
	if minSamples < 2 {
		minSamples = DefaultTrendMinSamples
	}
	return &Trend{minSamples: minSamples}
}

func (s *Trend) Name() string    { return "trend" }
func (s *Trend) Tag() string     { return "rising-trend" }
func (s *Trend) Weight() float64 { return 0.6 }

func (s *Trend) Evaluate(_ context.Context, req *engine.SignalRequest) (*engine.SignalResult, error) {
	h := req.History
	if len(h) < s.minSamples {
		return &engine.SignalResult{}, nil
	}

	var sum float64
	for _, v := range h {
		sum += clamp(v)
	}
	mean := sum / float64(len(h))
	rise := clamp(clamp(h[len(h)-1]) - clamp(h[0]))

	if mean < trendFloor && rise < trendFloor {
		return &engine.SignalResult{}, nil
	}
	return &engine.SignalResult{
		Confidence: clamp(0.5*mean + 0.5*rise),
		Details:    fmt.Sprintf("recent mean %.2f, rise %.2f over %d messages", mean, rise, len(h)),
	}, nil
}
