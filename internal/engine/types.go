package engine

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// AgentID identifies an agent participating in message exchange.
type AgentID string

// Tier is the enforcement verdict tier. Tiers are totally ordered by
// severity: TierAllow < TierFlag < TierEscalate.
type Tier int

const (
	TierAllow Tier = iota + 1
	TierFlag
	TierEscalate
)

// String returns the lowercase tier name.
func (t Tier) String() string {
	switch t {
	case TierAllow:
		return "allow"
	case TierFlag:
		return "flag"
	case TierEscalate:
		return "escalate"
	default:
		return "unspecified"
	}
}

// Action returns the upper-case wire name used by the decision endpoint.
func (t Tier) Action() string {
	return strings.ToUpper(t.String())
}

// ParseTier converts "allow" / "FLAG" / "Escalate" into a Tier.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return TierAllow, nil
	case "flag":
		return TierFlag, nil
	case "escalate":
		return TierEscalate, nil
	default:
		return 0, fmt.Errorf("ParseTier: unknown tier %q", s)
	}
}

// Message is a single inter-agent message submitted for a decision.
// It is immutable once received.
type Message struct {
	Sender    AgentID
	Recipient AgentID
	Content   string
	Timestamp time.Time
}

// Validate rejects messages with a missing sender, recipient or content.
func (m Message) Validate() error {
	switch {
	case strings.TrimSpace(string(m.Sender)) == "":
		return fmt.Errorf("%w: sender is required", ErrInvalidMessage)
	case strings.TrimSpace(string(m.Recipient)) == "":
		return fmt.Errorf("%w: recipient is required", ErrInvalidMessage)
	case strings.TrimSpace(m.Content) == "":
		return fmt.Errorf("%w: content is required", ErrInvalidMessage)
	}
	return nil
}

// Vector is a fixed-length embedding of message content.
type Vector []float32

// CosineDistance returns 1 - cos(a, b). Mismatched or zero vectors yield 0.
func CosineDistance(a, b Vector) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// SignalResult is the outcome of a single signal evaluation.
type SignalResult struct {
	Signal     string
	Tag        string
	Confidence float64 // 0.0 – 1.0
	Details    string
}

// RiskScore is the scorer's output for one message. Value is bounded to
// [0, 1]. Tags are informational and never influence the tier.
type RiskScore struct {
	Value   float64
	Tags    []string
	Signals []SignalResult
}

// Validate rejects malformed or out-of-bound scores.
func (s RiskScore) Validate() error {
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return fmt.Errorf("%w: score is not a finite number", ErrScoringFailure)
	}
	if s.Value < 0 || s.Value > 1 {
		return fmt.Errorf("%w: score %.4f outside [0, 1]", ErrScoringFailure, s.Value)
	}
	return nil
}

// IsolationSource records what caused an isolation transition.
type IsolationSource string

const (
	SourceAuto   IsolationSource = "auto"
	SourceManual IsolationSource = "manual"
	SourceTTL    IsolationSource = "ttl"
)

// AgentState is the isolation state for one agent. The zero value (with
// AgentID set) is the default NOT_ISOLATED state returned for unseen agents.
type AgentState struct {
	AgentID    AgentID
	Isolated   bool
	Reason     string
	Source     IsolationSource
	IsolatedAt time.Time // zero when not isolated
	ExpiresAt  time.Time // zero when isolation is sticky
	UpdatedAt  time.Time
}

// Expired reports whether a TTL-bound isolation has passed its expiry.
func (s AgentState) Expired(now time.Time) bool {
	return s.Isolated && !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}
