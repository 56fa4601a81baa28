package engine

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// FailurePolicy decides the verdict when the engine itself is degraded.
type FailurePolicy int

const (
	FailClosed FailurePolicy = iota + 1
	FailOpen
)

// String returns the configuration name of the policy.
func (p FailurePolicy) String() string {
	switch p {
	case FailOpen:
		return "FAIL_OPEN"
	case FailClosed:
		return "FAIL_CLOSED"
	default:
		return "UNSPECIFIED"
	}
}

// ParseFailurePolicy accepts FAIL_OPEN / FAIL_CLOSED (case-insensitive,
// dashes allowed).
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), "-", "_") {
	case "FAIL_OPEN":
		return FailOpen, nil
	case "FAIL_CLOSED":
		return FailClosed, nil
	default:
		return 0, fmt.Errorf("ParseFailurePolicy: unknown failure policy %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p FailurePolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *FailurePolicy) UnmarshalText(b []byte) error {
	v, err := ParseFailurePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Policy is the process-wide detection policy.
type Policy struct {
	EscalateThreshold     float64       `json:"escalate_threshold" yaml:"escalate_threshold"`
	FlagThreshold         float64       `json:"flag_threshold" yaml:"flag_threshold"`
	AutoIsolateOnEscalate bool          `json:"auto_isolate_on_escalate" yaml:"auto_isolate_on_escalate"`
	FailurePolicy         FailurePolicy `json:"failure_policy" yaml:"failure_policy"`
	// IsolationTTL enables automatic release of isolations after the given
	// duration. Zero keeps isolation sticky until explicitly released.
	IsolationTTL time.Duration `json:"isolation_ttl" yaml:"isolation_ttl"`
}

// DefaultPolicy returns the server defaults.
func DefaultPolicy() Policy {
	return Policy{
		EscalateThreshold:     0.8,
		FlagThreshold:         0.4,
		AutoIsolateOnEscalate: true,
		FailurePolicy:         FailClosed,
	}
}

// Validate rejects thresholds outside [0, 1], thresholds that are not
// non-decreasing in tier order, and an unset failure policy.
func (p Policy) Validate() error {
	for name, v := range map[string]float64{
		"flag_threshold":     p.FlagThreshold,
		"escalate_threshold": p.EscalateThreshold,
	} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("policy: %s must be within [0, 1], got %v", name, v)
		}
	}
	if p.EscalateThreshold < p.FlagThreshold {
		return fmt.Errorf("policy: escalate_threshold (%v) must be >= flag_threshold (%v)",
			p.EscalateThreshold, p.FlagThreshold)
	}
	if p.FailurePolicy != FailOpen && p.FailurePolicy != FailClosed {
		return fmt.Errorf("policy: failure_policy must be FAIL_OPEN or FAIL_CLOSED")
	}
	if p.IsolationTTL < 0 {
		return fmt.Errorf("policy: isolation_ttl must not be negative")
	}
	return nil
}
