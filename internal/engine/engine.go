package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Scorer turns an embedding plus lightweight context into a risk score.
type Scorer interface {
	Score(ctx context.Context, vec Vector, sc ScoreContext) (RiskScore, error)
}

// ScoreContext is the lightweight context passed to the scorer alongside
// the vector. History and Baseline are owned by their trackers and copied
// in, so the scorer holds no shared mutable state.
type ScoreContext struct {
	Sender    AgentID
	Recipient AgentID
	Content   string
	History   []float64
	Baseline  Vector
}

// SignalScorer fans a scoring request out to all registered signals in
// parallel and combines their confidences into a risk score.
type SignalScorer struct {
	signals []Signal
	weights map[string]float64
	timeout time.Duration
	logger  *zap.Logger
}

// NewSignalScorer creates a scorer with the given signals and timeout.
func NewSignalScorer(signals []Signal, timeout time.Duration, logger *zap.Logger) *SignalScorer {
	weights := make(map[string]float64, len(signals))
	for _, s := range signals {
		weights[s.Name()] = s.Weight()
	}
	return &SignalScorer{
		signals: signals,
		weights: weights,
		timeout: timeout,
		logger:  logger,
	}
}

// Signals returns the names of the registered signals.
func (e *SignalScorer) Signals() []string {
	names := make([]string, 0, len(e.signals))
	for _, s := range e.signals {
		names = append(names, s.Name())
	}
	return names
}

// signalOutput holds a single signal's result alongside its metadata.
type signalOutput struct {
	name   string
	tag    string
	result *SignalResult
	err    error
}

// Score runs all signals in parallel and combines their results.
//
// Each goroutine sends its result through a buffered channel sized for all
// signals, so late finishers never block after the deadline fires. A
// timeout or any signal error fails the whole score with ErrScoringFailure;
// partial results are never combined.
func (e *SignalScorer) Score(ctx context.Context, vec Vector, sc ScoreContext) (RiskScore, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	req := &SignalRequest{
		Content:  sc.Content,
		Vector:   vec,
		Sender:   sc.Sender,
		History:  sc.History,
		Baseline: sc.Baseline,
	}

	ch := make(chan signalOutput, len(e.signals))
	for _, sig := range e.signals {
		go func(s Signal) {
			result, err := s.Evaluate(ctx, req)
			ch <- signalOutput{
				name:   s.Name(),
				tag:    s.Tag(),
				result: result,
				err:    err,
			}
		}(sig)
	}

	results := make([]SignalResult, 0, len(e.signals))
	for remaining := len(e.signals); remaining > 0; remaining-- {
		select {
		case out := <-ch:
			if out.err != nil {
				e.logger.Warn("signal error",
					zap.String("signal", out.name),
					zap.Error(out.err),
				)
				return RiskScore{}, fmt.Errorf("%w: signal %s: %v", ErrScoringFailure, out.name, out.err)
			}
			if out.result == nil {
				continue
			}
			r := *out.result
			r.Signal = out.name
			if r.Tag == "" {
				r.Tag = out.tag
			}
			results = append(results, r)
		case <-ctx.Done():
			e.logger.Warn("scoring deadline exceeded",
				zap.Duration("timeout", e.timeout),
				zap.Int("pending_signals", remaining),
			)
			return RiskScore{}, fmt.Errorf("%w: %v", ErrScoringFailure, ctx.Err())
		}
	}

	// Stable order for audit output regardless of completion order.
	sort.Slice(results, func(i, j int) bool { return results[i].Signal < results[j].Signal })

	score := Combine(results, e.weights)
	if err := score.Validate(); err != nil {
		return RiskScore{}, err
	}
	return score, nil
}
