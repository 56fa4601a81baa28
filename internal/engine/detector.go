package engine

import (
	"context"
)

// Signal is the interface every risk signal must implement.
// Implementations must respect context deadlines and return quickly.
type Signal interface {
	// Name returns the signal's unique identifier (e.g., "prompt_injection").
	Name() string

	// Tag returns the rationale tag reported when the signal fires
	// (e.g., "prompt-injection-like").
	Tag() string

	// Weight scales the signal's confidence when combined into the risk
	// score. Must be within [0, 1].
	Weight() float64

	// Evaluate runs the signal against the given request and returns a
	// confidence within [0, 1]. Must respect ctx deadline.
	Evaluate(ctx context.Context, req *SignalRequest) (*SignalResult, error)
}

// SignalRequest carries the message content, its embedding, and the
// sender's context into each signal.
type SignalRequest struct {
	Content  string
	Vector   Vector
	Sender   AgentID
	History  []float64 // recent risk scores for the sender, oldest first
	Baseline Vector    // sender's baseline centroid, nil when unknown
}
