// Package embed turns message content into fixed-length vectors.
package embed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
)

// Embedder converts text into a vector. Implementations must be
// deterministic: identical text yields an identical vector.
type Embedder interface {
	Embed(ctx context.Context, text string) (engine.Vector, error)
	Dimension() int
}

// unavailable wraps err as ErrEmbeddingUnavailable unless it already is.
func unavailable(err error) error {
	if err == nil || errors.Is(err, engine.ErrEmbeddingUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", engine.ErrEmbeddingUnavailable, err)
}

// Bounded enforces a deadline on an inner embedder and maps every failure
// to ErrEmbeddingUnavailable.
type Bounded struct {
	inner   Embedder
	timeout time.Duration
}

// WithTimeout wraps inner so no call runs longer than timeout.
func WithTimeout(inner Embedder, timeout time.Duration) *Bounded {
	return &Bounded{inner: inner, timeout: timeout}
}

func (b *Bounded) Dimension() int { return b.inner.Dimension() }

type embedResult struct {
	vec engine.Vector
	err error
}

// Embed runs the inner embedder in its own goroutine so a backend that
// ignores its context still cannot hold the caller past the deadline.
func (b *Bounded) Embed(ctx context.Context, text string) (engine.Vector, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	ch := make(chan embedResult, 1)
	go func() {
		v, err := b.inner.Embed(ctx, text)
		ch <- embedResult{vec: v, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, unavailable(r.err)
		}
		if err := checkVector(r.vec, b.inner.Dimension()); err != nil {
			return nil, unavailable(err)
		}
		return r.vec, nil
	case <-ctx.Done():
		return nil, unavailable(ctx.Err())
	}
}

// checkVector rejects vectors of the wrong length or with non-finite values.
func checkVector(v engine.Vector, dim int) error {
	if dim > 0 && len(v) != dim {
		return fmt.Errorf("embedding has %d dimensions, want %d", len(v), dim)
	}
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return errors.New("embedding contains non-finite values")
		}
	}
	return nil
}

// normalize scales v to unit length in place. Zero vectors are left as is.
func normalize(v engine.Vector) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}
