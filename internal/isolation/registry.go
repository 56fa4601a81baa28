// Package isolation holds the per-agent isolation state machine.
//
// States are NOT_ISOLATED and ISOLATED. Every agent starts NOT_ISOLATED and
// moves between the two only through Transition; a transition to the state
// the agent is already in is a no-op that reports the current state.
package isolation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
)

// Change describes a requested transition.
type Change struct {
	Isolate bool
	Reason  string
	Source  engine.IsolationSource
	// TTL bounds an isolation. Zero keeps it until explicitly released.
	TTL time.Duration
}

// Registry is the isolation state store consulted on every decision.
type Registry interface {
	// GetState returns the agent's state. Unknown agents are NOT_ISOLATED;
	// this never fails for an unseen agent.
	GetState(ctx context.Context, id engine.AgentID) (engine.AgentState, error)

	// Transition atomically moves the agent to the requested state and
	// returns the resulting state, whether this call changed it, and an
	// error wrapping engine.ErrRegistryUnavailable if the change could not
	// be made durable. On error the state is unchanged.
	Transition(ctx context.Context, id engine.AgentID, c Change) (engine.AgentState, bool, error)

	// Isolated lists all isolated agents ordered by agent id.
	Isolated(ctx context.Context) ([]engine.AgentState, error)
}

// Persister makes transitions durable.
type Persister interface {
	// SaveState stores the state produced by a transition.
	SaveState(ctx context.Context, s engine.AgentState) error
	// LoadIsolated returns every agent currently isolated.
	LoadIsolated(ctx context.Context) ([]engine.AgentState, error)
}

// DefaultPersistTimeout bounds a single persister write.
const DefaultPersistTimeout = 2 * time.Second

const numShards = 64

// MemoryRegistry keeps agent states in a sharded map. Each agent has its
// own lock: reads of one agent never wait on writes to another, and
// transitions for the same agent are linearized.
type MemoryRegistry struct {
	shards         [numShards]shard
	persister      Persister
	persistTimeout time.Duration
	logger         *zap.Logger
	now            func() time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[engine.AgentID]*entry
}

type entry struct {
	mu    sync.RWMutex
	state engine.AgentState
}

// Option configures a MemoryRegistry.
type Option func(*MemoryRegistry)

// WithPersister makes every transition write through p before it is
// applied in memory.
func WithPersister(p Persister) Option {
	return func(r *MemoryRegistry) { r.persister = p }
}

// WithPersistTimeout overrides DefaultPersistTimeout.
func WithPersistTimeout(d time.Duration) Option {
	return func(r *MemoryRegistry) {
		if d > 0 {
			r.persistTimeout = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *MemoryRegistry) { r.now = now }
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry(logger *zap.Logger, opts ...Option) *MemoryRegistry {
	r := &MemoryRegistry{
		persistTimeout: DefaultPersistTimeout,
		logger:         logger,
		now:            time.Now,
	}
	for i := range r.shards {
		r.shards[i].entries = make(map[engine.AgentID]*entry)
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *MemoryRegistry) shardFor(id engine.AgentID) *shard {
	return &r.shards[xxhash.Sum64String(string(id))%numShards]
}

func (r *MemoryRegistry) lookup(id engine.AgentID) *entry {
	s := r.shardFor(id)
	s.mu.RLock()
	e := s.entries[id]
	s.mu.RUnlock()
	return e
}

func (r *MemoryRegistry) getOrCreate(id engine.AgentID) *entry {
	if e := r.lookup(id); e != nil {
		return e
	}
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		return e
	}
	e := &entry{state: engine.AgentState{AgentID: id}}
	s.entries[id] = e
	return e
}

func (r *MemoryRegistry) GetState(_ context.Context, id engine.AgentID) (engine.AgentState, error) {
	e := r.lookup(id)
	if e == nil {
		return engine.AgentState{AgentID: id}, nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state, nil
}

func (r *MemoryRegistry) Transition(ctx context.Context, id engine.AgentID, c Change) (engine.AgentState, bool, error) {
	return r.apply(ctx, id, c, nil)
}

// ReleaseExpired releases the agent only if its isolation has expired at
// now, checked under the same lock as the release.
func (r *MemoryRegistry) ReleaseExpired(ctx context.Context, id engine.AgentID, now time.Time, reason string) (engine.AgentState, bool, error) {
	return r.apply(ctx, id, Change{Reason: reason, Source: engine.SourceTTL},
		func(cur engine.AgentState) bool { return cur.Expired(now) })
}

func (r *MemoryRegistry) apply(ctx context.Context, id engine.AgentID, c Change, guard func(engine.AgentState) bool) (engine.AgentState, bool, error) {
	e := r.getOrCreate(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.state
	if cur.Isolated == c.Isolate || (guard != nil && !guard(cur)) {
		return cur, false, nil
	}

	now := r.now().UTC()
	next := engine.AgentState{
		AgentID:   id,
		Isolated:  c.Isolate,
		Reason:    c.Reason,
		Source:    c.Source,
		UpdatedAt: now,
	}
	if c.Isolate {
		next.IsolatedAt = now
		if c.TTL > 0 {
			next.ExpiresAt = now.Add(c.TTL)
		}
	}

	if r.persister != nil {
		// The write must not be split by the caller going away: it either
		// lands and is applied, or fails and nothing changes.
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.persistTimeout)
		err := r.persister.SaveState(pctx, next)
		cancel()
		if err != nil {
			r.logger.Error("isolation write failed",
				zap.String("agent_id", string(id)),
				zap.Bool("isolate", c.Isolate),
				zap.Error(err),
			)
			return cur, false, fmt.Errorf("Transition: %w: %v", engine.ErrRegistryUnavailable, err)
		}
	}

	e.state = next
	r.logger.Info("isolation state changed",
		zap.String("agent_id", string(id)),
		zap.Bool("isolated", next.Isolated),
		zap.String("source", string(next.Source)),
		zap.String("reason", next.Reason),
	)
	return next, true, nil
}

func (r *MemoryRegistry) Isolated(_ context.Context) ([]engine.AgentState, error) {
	var out []engine.AgentState
	r.each(func(s engine.AgentState) {
		if s.Isolated {
			out = append(out, s)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// Expired returns isolated agents whose TTL has passed at now.
func (r *MemoryRegistry) Expired(now time.Time) []engine.AgentID {
	var out []engine.AgentID
	r.each(func(s engine.AgentState) {
		if s.Expired(now) {
			out = append(out, s.AgentID)
		}
	})
	return out
}

// Count returns the number of isolated agents.
func (r *MemoryRegistry) Count() int {
	var n int
	r.each(func(s engine.AgentState) {
		if s.Isolated {
			n++
		}
	})
	return n
}

func (r *MemoryRegistry) each(fn func(engine.AgentState)) {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		entries := make([]*entry, 0, len(s.entries))
		for _, e := range s.entries {
			entries = append(entries, e)
		}
		s.mu.RUnlock()
		for _, e := range entries {
			e.mu.RLock()
			st := e.state
			e.mu.RUnlock()
			fn(st)
		}
	}
}

// Load restores isolated agents from the persister. Call it before the
// registry serves traffic.
func (r *MemoryRegistry) Load(ctx context.Context) (int, error) {
	if r.persister == nil {
		return 0, nil
	}
	states, err := r.persister.LoadIsolated(ctx)
	if err != nil {
		return 0, fmt.Errorf("Load: %w: %v", engine.ErrRegistryUnavailable, err)
	}
	var n int
	for _, st := range states {
		if !st.Isolated || st.AgentID == "" {
			continue
		}
		e := r.getOrCreate(st.AgentID)
		e.mu.Lock()
		e.state = st
		e.mu.Unlock()
		n++
	}
	r.logger.Info("restored isolation state", zap.Int("isolated_agents", n))
	return n, nil
}
