package detectors

import (
	"context"
	"testing"

	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
)

func evaluate(t *testing.T, s engine.Signal, content string) *engine.SignalResult {
	t.Helper()
	return evaluateRequest(t, s, &engine.SignalRequest{Content: content, Sender: "agent-a"})
}

func evaluateRequest(t *testing.T, s engine.Signal, req *engine.SignalRequest) *engine.SignalResult {
	t.Helper()
	result, err := s.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", s.Name(), err)
	}
	if result == nil {
		t.Fatalf("%s: nil result", s.Name())
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		t.Fatalf("%s: confidence %.3f outside [0, 1]", s.Name(), result.Confidence)
	}
	return result
}

type positiveCase struct {
	name          string
	content       string
	minConfidence float64
}

func assertPositives(t *testing.T, s engine.Signal, cases []positiveCase) {
	t.Helper()
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			r := evaluate(t, s, tt.content)
			if r.Confidence < tt.minConfidence {
				t.Errorf("confidence %.2f below minimum %.2f for: %s", r.Confidence, tt.minConfidence, tt.content)
			}
			if r.Details == "" {
				t.Errorf("expected details for: %s", tt.content)
			}
		})
	}
}

func assertNegatives(t *testing.T, s engine.Signal, contents map[string]string) {
	t.Helper()
	for name, content := range contents {
		t.Run(name, func(t *testing.T) {
			r := evaluate(t, s, content)
			if r.Confidence != 0 {
				t.Errorf("false positive for: %s (confidence: %.2f, detail: %s)", content, r.Confidence, r.Details)
			}
		})
	}
}
