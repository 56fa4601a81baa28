// Package decision orchestrates a verdict for each inter-agent message:
// isolation lookup, embedding, scoring, the verdict rules, auto-isolation
// and the availability policy.
package decision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/agent_guard/internal/alert"
	"github.com/triage-ai/palisade/services/agent_guard/internal/attest"
	"github.com/triage-ai/palisade/services/agent_guard/internal/baseline"
	"github.com/triage-ai/palisade/services/agent_guard/internal/embed"
	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
	"github.com/triage-ai/palisade/services/agent_guard/internal/history"
	"github.com/triage-ai/palisade/services/agent_guard/internal/isolation"
	"github.com/triage-ai/palisade/services/agent_guard/internal/metrics"
	"github.com/triage-ai/palisade/services/agent_guard/internal/storage"
)

// ErrInvalidAgentID is returned by control operations given a blank agent id.
var ErrInvalidAgentID = errors.New("agent id is required")

// ErrBaselinesDisabled is returned by UpdateBaseline when no tracker is wired.
var ErrBaselinesDisabled = errors.New("baselines are disabled")

const (
	// DefaultRetryBackoff is the pause before retrying a failed
	// escalation-triggered isolation write.
	DefaultRetryBackoff = 50 * time.Millisecond

	// ReasonManualRelease is recorded when a release carries no reason.
	ReasonManualRelease = "manual release"
)

// PolicyProvider returns the policy in force. It is read once per decision.
type PolicyProvider interface {
	Policy() engine.Policy
}

// StaticPolicy is a PolicyProvider that never changes.
type StaticPolicy engine.Policy

func (p StaticPolicy) Policy() engine.Policy { return engine.Policy(p) }

// Dependencies are the collaborators of a Service. Embedder, Scorer,
// Registry and Policy are required; the rest may be nil.
type Dependencies struct {
	Embedder  embed.Embedder
	Scorer    engine.Scorer
	Registry  isolation.Registry
	Policy    PolicyProvider
	History   *history.Window
	Baselines *baseline.Tracker
	Writer    storage.EventWriter
	Alerter   alert.Alerter
	Signer    *attest.Signer
	Metrics   *metrics.Collector
	Logger    *zap.Logger
}

// Options tune the decision path.
type Options struct {
	// EmbedTimeout bounds each embedding call. Zero leaves the embedder
	// unbounded.
	EmbedTimeout time.Duration
	// RetryBackoff is the pause before the single retry of a failed
	// auto-isolation write.
	RetryBackoff time.Duration
	// LearnOnAllow folds the vector of every ALLOW message into the
	// sender's baseline.
	LearnOnAllow bool
}

// Verdict is the final decision for one message. It is never revised.
type Verdict struct {
	DecisionID  string
	Action      engine.Tier
	Rule        engine.Rule
	Reason      string
	Score       float64
	Scored      bool // false when no score was computed
	Tags        []string
	Signals     []engine.SignalResult
	Unavailable bool
	FailureKind engine.FailureKind
	IsolatedNow bool // this decision moved the sender to ISOLATED
	Attestation string
	Latency     time.Duration
}

// ControlResult reports the outcome of a manual isolate or release.
type ControlResult struct {
	State   engine.AgentState
	Changed bool
}

// Stats are in-process counters since the service started.
type Stats struct {
	Since          time.Time `json:"since"`
	Decisions      int64     `json:"decisions"`
	Allows         int64     `json:"allows"`
	Flags          int64     `json:"flags"`
	Escalations    int64     `json:"escalations"`
	Unavailable    int64     `json:"unavailable"`
	FailOpen       int64     `json:"fail_open"`
	AutoIsolations int64     `json:"auto_isolations"`
	IsolatedAgents int       `json:"isolated_agents"`
}

type counters struct {
	decisions, allows, flags, escalations atomic.Int64
	unavailable, failOpen, autoIsolations atomic.Int64
}

// Service is the decision service. It is safe for concurrent use.
type Service struct {
	embedder  embed.Embedder
	scorer    engine.Scorer
	registry  isolation.Registry
	policy    PolicyProvider
	history   *history.Window
	baselines *baseline.Tracker
	writer    storage.EventWriter
	alerter   alert.Alerter
	signer    *attest.Signer
	metrics   *metrics.Collector
	logger    *zap.Logger
	opts      Options

	started time.Time
	now     func() time.Time
	stats   counters
}

// NewService wires a Service. Missing optional collaborators are replaced
// by no-op equivalents.
func NewService(deps Dependencies, opts Options) (*Service, error) {
	switch {
	case deps.Embedder == nil:
		return nil, errors.New("decision: embedder is required")
	case deps.Scorer == nil:
		return nil, errors.New("decision: scorer is required")
	case deps.Registry == nil:
		return nil, errors.New("decision: registry is required")
	case deps.Policy == nil:
		return nil, errors.New("decision: policy is required")
	}
	if err := deps.Policy.Policy().Validate(); err != nil {
		return nil, fmt.Errorf("decision: %w", err)
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}

	s := &Service{
		embedder:  deps.Embedder,
		scorer:    deps.Scorer,
		registry:  deps.Registry,
		policy:    deps.Policy,
		history:   deps.History,
		baselines: deps.Baselines,
		writer:    deps.Writer,
		alerter:   deps.Alerter,
		signer:    deps.Signer,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		opts:      opts,
		now:       time.Now,
	}
	if opts.EmbedTimeout > 0 {
		s.embedder = embed.WithTimeout(deps.Embedder, opts.EmbedTimeout)
	}
	if s.history == nil {
		s.history = history.New(history.DefaultSize)
	}
	if s.writer == nil {
		s.writer = nopWriter{}
	}
	if s.alerter == nil {
		s.alerter = alert.Nop{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.started = s.now().UTC()
	return s, nil
}

// Policy returns the policy currently in force.
func (s *Service) Policy() engine.Policy { return s.policy.Policy() }

// Intercept evaluates one message and returns its verdict. The only error
// is an engine.ErrInvalidMessage for a malformed message, in which case no
// verdict exists; every other failure is resolved into a verdict through
// the failure policy.
func (s *Service) Intercept(ctx context.Context, msg engine.Message) (Verdict, error) {
	start := s.now()
	if err := msg.Validate(); err != nil {
		return Verdict{}, err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = start.UTC()
	}
	p := s.policy.Policy()
	v := Verdict{DecisionID: uuid.NewString()}

	state, err := s.registry.GetState(ctx, msg.Sender)
	if err != nil {
		return s.unavailable(ctx, msg, v, p, registryErr(err), start), nil
	}
	if state.Isolated {
		d := engine.Decide(0, state, p)
		v.Action, v.Rule, v.Reason = d.Tier, d.Rule, string(d.Rule)
		return s.finish(ctx, msg, v, p, start), nil
	}

	embedStart := s.now()
	vec, err := s.embedder.Embed(ctx, msg.Content)
	s.metrics.ObserveEmbed(s.now().Sub(embedStart))
	if err != nil {
		return s.unavailable(ctx, msg, v, p, embedErr(err), start), nil
	}

	sc := engine.ScoreContext{
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Content:   msg.Content,
		History:   s.history.Recent(msg.Sender),
	}
	if s.baselines != nil {
		sc.Baseline = s.baselines.Centroid(msg.Sender)
	}
	scoreStart := s.now()
	risk, err := s.scorer.Score(ctx, vec, sc)
	s.metrics.ObserveScore(s.now().Sub(scoreStart))
	if err == nil {
		err = risk.Validate()
	}
	if err != nil {
		return s.unavailable(ctx, msg, v, p, scoringErr(err), start), nil
	}

	v.Score, v.Scored, v.Tags, v.Signals = risk.Value, true, risk.Tags, risk.Signals
	d := engine.Decide(risk.Value, state, p)
	v.Action, v.Rule, v.Reason = d.Tier, d.Rule, string(d.Rule)

	if d.Isolate {
		reason := fmt.Sprintf("auto-isolated: risk score %.2f >= %.2f", risk.Value, p.EscalateThreshold)
		change := isolation.Change{Isolate: true, Reason: reason, Source: engine.SourceAuto, TTL: p.IsolationTTL}
		_, changed, err := s.transitionWithRetry(ctx, msg.Sender, change)
		if err != nil {
			v.Action, v.Rule, v.Reason = engine.TierEscalate, engine.RuleIsolationWriteFailed, string(engine.RuleIsolationWriteFailed)
			v.FailureKind = engine.FailureRegistryUnavailable
			s.logger.Error("auto-isolation failed after retry",
				zap.String("decision_id", v.DecisionID),
				zap.String("sender", string(msg.Sender)),
				zap.Error(err),
			)
			s.alerter.Alert(ctx, s.alertEvent(alert.TypeRegistryWriteFailed, msg, v, p))
		} else if changed {
			v.IsolatedNow = true
			s.stats.autoIsolations.Add(1)
			s.metrics.RecordIsolation(string(engine.SourceAuto))
			s.metrics.AddIsolated(1)
			s.alerter.Alert(ctx, s.alertEvent(alert.TypeIsolation, msg, v, p))
		}
	}

	s.history.Record(msg.Sender, risk.Value)
	if s.opts.LearnOnAllow && s.baselines != nil && v.Action == engine.TierAllow {
		if _, err := s.baselines.Update(ctx, msg.Sender, vec); err != nil {
			s.logger.Warn("baseline update failed", zap.String("sender", string(msg.Sender)), zap.Error(err))
		}
	}
	return s.finish(ctx, msg, v, p, start), nil
}

// transitionWithRetry retries a transition once after the configured
// backoff when the registry is unavailable. It runs detached from the
// caller's cancellation so an ESCALATE verdict is always followed through.
func (s *Service) transitionWithRetry(ctx context.Context, id engine.AgentID, c isolation.Change) (engine.AgentState, bool, error) {
	type result struct {
		state   engine.AgentState
		changed bool
	}
	attempt := 0
	r, err := backoff.Retry(context.WithoutCancel(ctx), func() (result, error) {
		attempt++
		st, changed, err := s.registry.Transition(ctx, id, c)
		if err != nil {
			if !errors.Is(err, engine.ErrRegistryUnavailable) {
				return result{}, backoff.Permanent(err)
			}
			if attempt == 1 {
				s.logger.Warn("isolation write failed, retrying",
					zap.String("agent_id", string(id)),
					zap.Duration("backoff", s.opts.RetryBackoff),
					zap.Error(err),
				)
			}
			return result{}, err
		}
		return result{st, changed}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(s.opts.RetryBackoff)),
		backoff.WithMaxTries(2),
	)
	return r.state, r.changed, err
}

// unavailable resolves a pipeline failure through the failure table.
func (s *Service) unavailable(ctx context.Context, msg engine.Message, v Verdict, p engine.Policy, cause error, start time.Time) Verdict {
	kind := engine.ClassifyFailure(cause)
	outcome := engine.FailureOutcome(p.FailurePolicy, kind)

	v.Action = outcome.Tier
	v.Rule = engine.RuleUnavailable
	v.Reason = string(engine.RuleUnavailable)
	v.Unavailable = true
	v.FailureKind = kind
	v.Score, v.Scored, v.Tags, v.Signals = 0, false, nil, nil

	failedOpen := outcome.Tier == engine.TierAllow
	s.stats.unavailable.Add(1)
	if failedOpen {
		s.stats.failOpen.Add(1)
	}
	s.metrics.RecordFailure(string(kind), p.FailurePolicy.String(), failedOpen)
	s.logger.Warn("decision engine unavailable",
		zap.String("decision_id", v.DecisionID),
		zap.String("sender", string(msg.Sender)),
		zap.String("failure_kind", string(kind)),
		zap.String("failure_policy", p.FailurePolicy.String()),
		zap.String("action", v.Action.Action()),
		zap.Error(cause),
	)
	if outcome.Alert {
		typ := alert.TypeFailOpen
		if !failedOpen {
			typ = alert.TypeEscalation
		}
		s.alerter.Alert(ctx, s.alertEvent(typ, msg, v, p))
	}
	return s.finish(ctx, msg, v, p, start)
}

// finish signs, audits and counts a verdict.
func (s *Service) finish(ctx context.Context, msg engine.Message, v Verdict, p engine.Policy, start time.Time) Verdict {
	contentHash := storage.HashContent(msg.Content)
	if s.signer != nil {
		token, err := s.signer.Sign(attest.Claims{
			DecisionID:  v.DecisionID,
			Sender:      string(msg.Sender),
			Recipient:   string(msg.Recipient),
			Action:      v.Action.Action(),
			Rule:        string(v.Rule),
			Score:       v.Score,
			ContentHash: contentHash,
			Unavailable: v.Unavailable,
		})
		if err != nil {
			s.logger.Error("attestation signing failed", zap.String("decision_id", v.DecisionID), zap.Error(err))
		} else {
			v.Attestation = token
		}
	}
	v.Latency = s.now().Sub(start)

	s.stats.decisions.Add(1)
	switch v.Action {
	case engine.TierAllow:
		s.stats.allows.Add(1)
	case engine.TierFlag:
		s.stats.flags.Add(1)
	case engine.TierEscalate:
		s.stats.escalations.Add(1)
	}
	s.metrics.RecordDecision(v.Action.Action(), string(v.Rule), v.Score, v.Scored, v.Latency)
	s.writer.Write(s.decisionEvent(msg, v, p, contentHash))

	if v.Action == engine.TierEscalate && v.Rule == engine.RuleThresholdEscalate {
		s.alerter.Alert(ctx, s.alertEvent(alert.TypeEscalation, msg, v, p))
	}
	if v.Action != engine.TierAllow {
		s.logger.Info("message not allowed",
			zap.String("decision_id", v.DecisionID),
			zap.String("sender", string(msg.Sender)),
			zap.String("recipient", string(msg.Recipient)),
			zap.String("action", v.Action.Action()),
			zap.String("rule", string(v.Rule)),
			zap.Float64("score", v.Score),
			zap.Strings("tags", v.Tags),
		)
	}
	return v
}

func (s *Service) decisionEvent(msg engine.Message, v Verdict, p engine.Policy, contentHash string) *storage.DecisionEvent {
	names := make([]string, len(v.Signals))
	scores := make([]float32, len(v.Signals))
	details := make([]string, len(v.Signals))
	for i, sr := range v.Signals {
		names[i] = sr.Signal
		scores[i] = float32(sr.Confidence)
		details[i] = sr.Details
	}
	e := &storage.DecisionEvent{
		DecisionID:     v.DecisionID,
		Kind:           storage.KindDecision,
		Timestamp:      msg.Timestamp,
		Sender:         string(msg.Sender),
		Recipient:      string(msg.Recipient),
		Action:         v.Action.Action(),
		Rule:           string(v.Rule),
		Reason:         v.Reason,
		Score:          float32(v.Score),
		Tags:           v.Tags,
		SignalNames:    names,
		SignalScores:   scores,
		SignalDetails:  details,
		IsolatedNow:    v.IsolatedNow,
		Unavailable:    v.Unavailable,
		FailureKind:    string(v.FailureKind),
		ContentPreview: storage.TruncateContent(msg.Content, storage.ContentPreviewLength),
		ContentHash:    contentHash,
		ContentSize:    uint32(len(msg.Content)),
		LatencyMs:      float32(v.Latency) / float32(time.Millisecond),
	}
	if v.Unavailable {
		e.FailurePolicy = p.FailurePolicy.String()
	}
	return e
}

func (s *Service) alertEvent(t alert.Type, msg engine.Message, v Verdict, p engine.Policy) alert.Event {
	e := alert.Event{
		Type:        t,
		Timestamp:   s.now().UTC(),
		DecisionID:  v.DecisionID,
		Sender:      string(msg.Sender),
		Recipient:   string(msg.Recipient),
		Action:      v.Action.Action(),
		Reason:      v.Reason,
		Score:       v.Score,
		Tags:        v.Tags,
		FailureKind: string(v.FailureKind),
	}
	if v.Unavailable {
		e.FailurePolicy = p.FailurePolicy.String()
	}
	return e
}

func embedErr(err error) error {
	if errors.Is(err, engine.ErrEmbeddingUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", engine.ErrEmbeddingUnavailable, err)
}

func scoringErr(err error) error {
	if errors.Is(err, engine.ErrScoringFailure) {
		return err
	}
	return fmt.Errorf("%w: %v", engine.ErrScoringFailure, err)
}

func registryErr(err error) error {
	if errors.Is(err, engine.ErrRegistryUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", engine.ErrRegistryUnavailable, err)
}

func validAgent(id engine.AgentID) error {
	if strings.TrimSpace(string(id)) == "" {
		return ErrInvalidAgentID
	}
	return nil
}

type nopWriter struct{}

func (nopWriter) Write(*storage.DecisionEvent) {}
func (nopWriter) Close()                       {}
