package isolation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
)

// DefaultSweepSchedule runs the TTL sweep twice a minute.
const DefaultSweepSchedule = "@every 30s"

// ReasonTTLExpired is recorded on releases performed by the sweeper.
const ReasonTTLExpired = "isolation ttl expired"

// Sweeper releases isolations whose TTL has passed. It only has work to do
// when isolations are created with a TTL.
type Sweeper struct {
	registry  *MemoryRegistry
	schedule  string
	onRelease func(engine.AgentState)
	logger    *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewSweeper validates schedule and prepares the sweeper. onRelease may be
// nil; it is called for every agent the sweeper releases.
func NewSweeper(registry *MemoryRegistry, schedule string, onRelease func(engine.AgentState), logger *zap.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return &Sweeper{
		registry:  registry,
		schedule:  schedule,
		onRelease: onRelease,
		logger:    logger,
		cron:      cron.New(),
	}, nil
}

// Start schedules the sweep. It stops when ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.cron.AddFunc(s.schedule, func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("isolation ttl sweeper started", zap.String("schedule", s.schedule))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("isolation ttl sweeper stopped")
}

// Sweep releases every expired isolation once and returns how many were
// released. Agents released or re-isolated concurrently are skipped.
func (s *Sweeper) Sweep(ctx context.Context) int {
	now := s.registry.now()
	var released int
	for _, id := range s.registry.Expired(now) {
		next, changed, err := s.registry.ReleaseExpired(ctx, id, now, ReasonTTLExpired)
		if err != nil {
			s.logger.Warn("ttl release failed, will retry next sweep",
				zap.String("agent_id", string(id)),
				zap.Error(err),
			)
			continue
		}
		if changed {
			released++
			if s.onRelease != nil {
				s.onRelease(next)
			}
		}
	}
	if released > 0 {
		s.logger.Info("released expired isolations", zap.Int("count", released))
	}
	return released
}

// NextRun returns the next scheduled sweep, or the zero time when stopped.
func (s *Sweeper) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.cron.Entries()
	if !s.running || len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
