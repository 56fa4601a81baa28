// Package alert delivers observability signals for decisions that need a
// human to look at them: fail-open verdicts, escalations and isolation
// changes.
package alert

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Type names an alert.
type Type string

const (
	TypeFailOpen            Type = "fail_open"
	TypeEscalation          Type = "escalation"
	TypeIsolation           Type = "isolation"
	TypeRelease             Type = "release"
	TypeRegistryWriteFailed Type = "registry_write_failed"
)

// Event is the payload delivered to every alert sink.
type Event struct {
	Type          Type      `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	DecisionID    string    `json:"decision_id,omitempty"`
	Sender        string    `json:"sender,omitempty"`
	Recipient     string    `json:"recipient,omitempty"`
	Action        string    `json:"action,omitempty"`
	Reason        string    `json:"reason"`
	Score         float64   `json:"score,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	FailureKind   string    `json:"failure_kind,omitempty"`
	FailurePolicy string    `json:"failure_policy,omitempty"`
}

// Alerter receives alert events. Alert must not block the decision path.
type Alerter interface {
	Alert(ctx context.Context, e Event)
}

// LogAlerter writes alerts as structured warnings.
type LogAlerter struct {
	logger *zap.Logger
}

func NewLogAlerter(logger *zap.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

func (a *LogAlerter) Alert(_ context.Context, e Event) {
	a.logger.Warn("alert",
		zap.String("type", string(e.Type)),
		zap.String("decision_id", e.DecisionID),
		zap.String("sender", e.Sender),
		zap.String("action", e.Action),
		zap.String("reason", e.Reason),
		zap.Float64("score", e.Score),
		zap.String("failure_kind", e.FailureKind),
		zap.String("failure_policy", e.FailurePolicy),
	)
}

// Multi fans an event out to several alerters in order.
type Multi []Alerter

func (m Multi) Alert(ctx context.Context, e Event) {
	for _, a := range m {
		if a != nil {
			a.Alert(ctx, e)
		}
	}
}

// Nop discards alerts.
type Nop struct{}

func (Nop) Alert(context.Context, Event) {}
