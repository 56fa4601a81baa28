package detectors

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
)

// Cosine distance bands from the sender's baseline centroid.
var driftBands = []struct {
	distance   float64
	confidence float64
}{
	{0.7, 0.80},
	{0.5, 0.50},
	{0.3, 0.25},
}

// SemanticDrift measures how far a message sits from what the sender
// usually says. Senders without a baseline never fire, and neither do
// senders whose baseline was learned at another embedding dimension.
type SemanticDrift struct {
	logger *zap.Logger
}

// NewSemanticDrift creates the signal. logger may be nil.
func NewSemanticDrift(logger *zap.Logger) *SemanticDrift {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SemanticDrift{logger: logger}
}

func (s *SemanticDrift) Name() string    { return "semantic_drift" }
func (s *SemanticDrift) Tag() string     { return "semantic-drift" }
func (s *SemanticDrift) Weight() float64 { return 0.8 }

func (s *SemanticDrift) Evaluate(_ context.Context, req *engine.SignalRequest) (*engine.SignalResult, error) {
	if len(req.Baseline) == 0 || len(req.Vector) == 0 {
		return &engine.SignalResult{}, nil
	}
	if len(req.Baseline) != len(req.Vector) {
		s.logger.Warn("baseline dimension mismatch, ignoring baseline",
			zap.String("sender", string(req.Sender)),
			zap.Int("baseline_dim", len(req.Baseline)),
			zap.Int("vector_dim", len(req.Vector)),
		)
		return &engine.SignalResult{
			Details: fmt.Sprintf("baseline has %d dimensions, vector has %d", len(req.Baseline), len(req.Vector)),
		}, nil
	}

	d := engine.CosineDistance(req.Vector, req.Baseline)
	for _, b := range driftBands {
		if d > b.distance {
			return &engine.SignalResult{
				Confidence: b.confidence,
				Details:    fmt.Sprintf("cosine distance %.3f from baseline", d),
			}, nil
		}
	}
	return &engine.SignalResult{}, nil
}
