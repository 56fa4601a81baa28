package isolation

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSweeper_ReleasesExpired(t *testing.T) {
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewMemoryRegistry(zap.NewNop(), WithClock(clk.Now))
	ctx := context.Background()

	r.Transition(ctx, "ttl", Change{Isolate: true, Source: engine.SourceAuto, TTL: time.Minute})
	r.Transition(ctx, "sticky", Change{Isolate: true, Source: engine.SourceManual})

	var released []engine.AgentState
	s, err := NewSweeper(r, "", func(st engine.AgentState) { released = append(released, st) }, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}

	if n := s.Sweep(ctx); n != 0 {
		t.Fatalf("expected no releases before expiry, got %d", n)
	}

	clk.Advance(2 * time.Minute)
	if n := s.Sweep(ctx); n != 1 {
		t.Fatalf("expected one release, got %d", n)
	}
	if len(released) != 1 || released[0].AgentID != "ttl" || released[0].Source != engine.SourceTTL {
		t.Errorf("unexpected release callbacks: %+v", released)
	}
	if released[0].Reason != ReasonTTLExpired {
		t.Errorf("unexpected release reason %q", released[0].Reason)
	}

	st, _ := r.GetState(ctx, "sticky")
	if !st.Isolated {
		t.Error("sticky isolation must survive the sweep")
	}
}

func TestNewSweeper_InvalidSchedule(t *testing.T) {
	if _, err := NewSweeper(NewMemoryRegistry(zap.NewNop()), "every now and then", nil, zap.NewNop()); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestSweeper_StartStop(t *testing.T) {
	s, err := NewSweeper(NewMemoryRegistry(zap.NewNop()), "@every 1h", nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.NextRun().IsZero() {
		t.Error("expected a scheduled next run")
	}
	s.Stop()
	if !s.NextRun().IsZero() {
		t.Error("expected no next run after stop")
	}
	s.Stop() // idempotent
}

func TestSweeper_ExpiredAgentStaysIsolatedUntilSwept(t *testing.T) {
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewMemoryRegistry(zap.NewNop(), WithClock(clk.Now))
	ctx := context.Background()
	r.Transition(ctx, "ttl", Change{Isolate: true, Source: engine.SourceAuto, TTL: time.Minute})

	clk.Advance(90 * time.Second)
	st, _ := r.GetState(ctx, "ttl")
	if !st.Isolated || !st.Expired(clk.Now()) {
		t.Fatalf("expected an expired isolation still in force before the sweep, got %+v", st)
	}

	// Re-escalating before the sweep keeps the agent isolated without a new transition.
	if _, changed, _ := r.Transition(ctx, "ttl", Change{Isolate: true, Source: engine.SourceAuto, TTL: time.Minute}); changed {
		t.Error("isolating an isolated agent must not report a change")
	}

	s, err := NewSweeper(r, "", nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	if n := s.Sweep(ctx); n != 1 {
		t.Fatalf("expected the sweep to release the agent, got %d", n)
	}
	if st, _ := r.GetState(ctx, "ttl"); st.Isolated {
		t.Errorf("agent still isolated after the sweep: %+v", st)
	}
}
