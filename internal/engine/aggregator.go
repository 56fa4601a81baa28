package engine

import (
	"math"
	"sort"
)

// Combine folds weighted signal confidences into a single risk score with
// a noisy-OR:
//
//	risk = 1 - Π (1 - wᵢ·cᵢ)
//
// Each factor is clamped to [0, 1], so the result is bounded to [0, 1] and
// never decreases when any confidence or weight increases.
func Combine(results []SignalResult, weights map[string]float64) RiskScore {
	keep := 1.0
	tagSet := make(map[string]struct{})

	for _, r := range results {
		w, ok := weights[r.Signal]
		if !ok {
			w = 1
		}
		p := clamp01(w) * clamp01(r.Confidence)
		keep *= 1 - p
		if p > 0 && r.Tag != "" {
			tagSet[r.Tag] = struct{}{}
		}
	}

	tags := make([]string, 0, len(tagSet))
	for t := range tagSet {
		tags = append(tags, t)
	}
	sort.Strings(tags)

	return RiskScore{
		Value:   clamp01(1 - keep),
		Tags:    tags,
		Signals: results,
	}
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
