package decision

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/agent_guard/internal/alert"
	"github.com/triage-ai/palisade/services/agent_guard/internal/baseline"
	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
	"github.com/triage-ai/palisade/services/agent_guard/internal/isolation"
	"github.com/triage-ai/palisade/services/agent_guard/internal/storage"
)

// Isolate manually isolates an agent. Isolating an already isolated agent
// is a no-op reported with Changed=false.
func (s *Service) Isolate(ctx context.Context, id engine.AgentID, reason, operator string) (ControlResult, error) {
	if err := validAgent(id); err != nil {
		return ControlResult{}, err
	}
	if reason == "" {
		reason = string(engine.RuleManualOverride)
	}
	p := s.policy.Policy()
	st, changed, err := s.registry.Transition(ctx, id, isolation.Change{
		Isolate: true,
		Reason:  reason,
		Source:  engine.SourceManual,
		TTL:     p.IsolationTTL,
	})
	if err != nil {
		return ControlResult{}, fmt.Errorf("Isolate: %w", err)
	}
	if changed {
		s.metrics.RecordIsolation(string(engine.SourceManual))
		s.metrics.AddIsolated(1)
		s.control(ctx, storage.KindIsolate, alert.TypeIsolation, st, operator)
	}
	return ControlResult{State: st, Changed: changed}, nil
}

// Release returns an agent to NOT_ISOLATED and clears its score history.
// Releasing an agent that is not isolated is a no-op reported with
// Changed=false.
func (s *Service) Release(ctx context.Context, id engine.AgentID, reason, operator string) (ControlResult, error) {
	if err := validAgent(id); err != nil {
		return ControlResult{}, err
	}
	if reason == "" {
		reason = ReasonManualRelease
	}
	st, changed, err := s.registry.Transition(ctx, id, isolation.Change{
		Isolate: false,
		Reason:  reason,
		Source:  engine.SourceManual,
	})
	if err != nil {
		return ControlResult{}, fmt.Errorf("Release: %w", err)
	}
	if changed {
		// Scores from before the isolation must not keep the trend signal hot.
		s.history.Forget(id)
		s.metrics.RecordRelease(string(engine.SourceManual))
		s.metrics.AddIsolated(-1)
		s.control(ctx, storage.KindRelease, alert.TypeRelease, st, operator)
	}
	return ControlResult{State: st, Changed: changed}, nil
}

// Expired records a release performed by the TTL sweeper.
func (s *Service) Expired(st engine.AgentState) {
	s.history.Forget(st.AgentID)
	s.metrics.RecordRelease(string(engine.SourceTTL))
	s.metrics.AddIsolated(-1)
	s.control(context.Background(), storage.KindRelease, alert.TypeRelease, st, "")
}

func (s *Service) control(ctx context.Context, kind string, t alert.Type, st engine.AgentState, operator string) {
	now := s.now().UTC()
	id := uuid.NewString()
	var rule string
	if st.Source == engine.SourceManual {
		rule = string(engine.RuleManualOverride)
	}
	s.writer.Write(&storage.DecisionEvent{
		DecisionID: id,
		Kind:       kind,
		Timestamp:  now,
		Sender:     string(st.AgentID),
		Rule:       rule,
		Reason:     st.Reason,
		Operator:   operator,
	})
	s.alerter.Alert(ctx, alert.Event{
		Type:       t,
		Timestamp:  now,
		DecisionID: id,
		Sender:     string(st.AgentID),
		Reason:     st.Reason,
	})
	s.logger.Info("isolation control",
		zap.String("kind", kind),
		zap.String("agent_id", string(st.AgentID)),
		zap.String("source", string(st.Source)),
		zap.String("reason", st.Reason),
		zap.String("operator", operator),
	)
}

// State returns the agent's isolation state. Unknown agents are not isolated.
func (s *Service) State(ctx context.Context, id engine.AgentID) (engine.AgentState, error) {
	if err := validAgent(id); err != nil {
		return engine.AgentState{}, err
	}
	return s.registry.GetState(ctx, id)
}

// Isolated lists every isolated agent.
func (s *Service) Isolated(ctx context.Context) ([]engine.AgentState, error) {
	return s.registry.Isolated(ctx)
}

// UpdateBaseline folds known-good content into the agent's baseline.
func (s *Service) UpdateBaseline(ctx context.Context, id engine.AgentID, content string) (baseline.Baseline, error) {
	if err := validAgent(id); err != nil {
		return baseline.Baseline{}, err
	}
	if s.baselines == nil {
		return baseline.Baseline{}, ErrBaselinesDisabled
	}
	if content == "" {
		return baseline.Baseline{}, fmt.Errorf("%w: content is required", engine.ErrInvalidMessage)
	}
	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return baseline.Baseline{}, fmt.Errorf("UpdateBaseline: %w", embedErr(err))
	}
	return s.baselines.Update(ctx, id, vec)
}

// Stats returns in-process counters.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	isolated, err := s.registry.Isolated(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("Stats: %w", err)
	}
	return Stats{
		Since:          s.started,
		Decisions:      s.stats.decisions.Load(),
		Allows:         s.stats.allows.Load(),
		Flags:          s.stats.flags.Load(),
		Escalations:    s.stats.escalations.Load(),
		Unavailable:    s.stats.unavailable.Load(),
		FailOpen:       s.stats.failOpen.Load(),
		AutoIsolations: s.stats.autoIsolations.Load(),
		IsolatedAgents: len(isolated),
	}, nil
}
