// Package baseline learns what each sender normally says as an
// exponential moving average of its message embeddings.
package baseline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
)

// DefaultAlpha weights the existing centroid on each update.
const DefaultAlpha = 0.7

// Baseline is a sender's learned centroid.
type Baseline struct {
	AgentID   engine.AgentID
	Centroid  engine.Vector
	Samples   int
	UpdatedAt time.Time
}

// Persister stores baselines across restarts.
type Persister interface {
	SaveBaseline(ctx context.Context, b Baseline) error
	LoadBaselines(ctx context.Context) ([]Baseline, error)
}

// Tracker holds the centroid of every sender seen so far.
type Tracker struct {
	alpha     float64
	persister Persister
	logger    *zap.Logger
	now       func() time.Time

	mu        sync.RWMutex
	baselines map[engine.AgentID]Baseline
}

// NewTracker creates a tracker. persister may be nil.
func NewTracker(alpha float64, persister Persister, logger *zap.Logger) *Tracker {
	if alpha <= 0 || alpha >= 1 {
		alpha = DefaultAlpha
	}
	return &Tracker{
		alpha:     alpha,
		persister: persister,
		logger:    logger,
		now:       time.Now,
		baselines: make(map[engine.AgentID]Baseline),
	}
}

// Centroid returns a copy of the sender's centroid, or nil when unknown.
func (t *Tracker) Centroid(id engine.AgentID) engine.Vector {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.baselines[id]
	if !ok {
		return nil
	}
	return append(engine.Vector(nil), b.Centroid...)
}

// Get returns the sender's baseline.
func (t *Tracker) Get(id engine.AgentID) (Baseline, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.baselines[id]
	if ok {
		b.Centroid = append(engine.Vector(nil), b.Centroid...)
	}
	return b, ok
}

// Update folds v into the sender's centroid: c' = α·c + (1-α)·v.
// The first sample, or a sample whose dimension differs from the stored
// centroid, starts a fresh baseline. The in-memory baseline is updated
// even when persistence fails; the persistence error is returned.
func (t *Tracker) Update(ctx context.Context, id engine.AgentID, v engine.Vector) (Baseline, error) {
	if len(v) == 0 {
		return Baseline{}, fmt.Errorf("baseline: empty vector for %s", id)
	}

	t.mu.Lock()
	prev, ok := t.baselines[id]
	next := Baseline{AgentID: id, UpdatedAt: t.now().UTC()}
	if !ok || len(prev.Centroid) != len(v) {
		if ok {
			t.logger.Warn("baseline dimension changed, restarting",
				zap.String("agent_id", string(id)),
				zap.Int("old_dim", len(prev.Centroid)),
				zap.Int("new_dim", len(v)),
			)
		}
		next.Centroid = append(engine.Vector(nil), v...)
		next.Samples = 1
	} else {
		next.Centroid = make(engine.Vector, len(v))
		for i := range v {
			next.Centroid[i] = float32(t.alpha*float64(prev.Centroid[i]) + (1-t.alpha)*float64(v[i]))
		}
		next.Samples = prev.Samples + 1
	}
	t.baselines[id] = next
	t.mu.Unlock()

	out := next
	out.Centroid = append(engine.Vector(nil), next.Centroid...)

	if t.persister != nil {
		if err := t.persister.SaveBaseline(ctx, out); err != nil {
			t.logger.Error("failed to persist baseline",
				zap.String("agent_id", string(id)),
				zap.Error(err),
			)
			return out, fmt.Errorf("baseline: persist %s: %w", id, err)
		}
	}
	return out, nil
}

// Load restores baselines from the persister and returns the number
// loaded. When dim is positive, centroids of any other length were learned
// by a different embedder and are skipped; the sender relearns from its
// next sample.
func (t *Tracker) Load(ctx context.Context, dim int) (int, error) {
	if t.persister == nil {
		return 0, nil
	}
	rows, err := t.persister.LoadBaselines(ctx)
	if err != nil {
		return 0, fmt.Errorf("baseline: load: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	var n, skipped int
	for _, b := range rows {
		if len(b.Centroid) == 0 {
			continue
		}
		if dim > 0 && len(b.Centroid) != dim {
			skipped++
			continue
		}
		t.baselines[b.AgentID] = b
		n++
	}
	if skipped > 0 {
		t.logger.Warn("skipped baselines learned at another embedding dimension",
			zap.Int("skipped", skipped),
			zap.Int("dimension", dim),
		)
	}
	return n, nil
}

// Len returns the number of senders with a baseline.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.baselines)
}
