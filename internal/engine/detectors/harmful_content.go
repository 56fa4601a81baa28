package detectors

import (
	"context"
	"regexp"
	"strings"

	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
)

var harmfulContentRules = ruleSet{
	{regexp.MustCompile(`(?i)\b(how\s+to\s+)?(make|build|create|construct)\s+(a\s+)?(bomb|explosive|weapon|firearm)\b`), 0.90, "violence: weapon creation"},
	{regexp.MustCompile(`(?i)\b(how\s+to\s+)?(kill|murder|assassinate|poison)\s+(a\s+)?(person|someone|people|human)\b`), 0.95, "violence: harm to people"},
	{regexp.MustCompile(`(?i)\b(methods|ways)\s+(of|to|for)\s+(committing\s+)?suicide\b`), 0.90, "self-harm: methods"},
	{regexp.MustCompile(`(?i)\b(synthesize|manufacture|produce|cook)\s+(methamphetamine|fentanyl|heroin|cocaine|meth)\b`), 0.95, "illegal: drug manufacturing"},
	{regexp.MustCompile(`(?i)\b(write|build|deploy)\s+(a\s+)?(ransomware|keylogger|botnet|rootkit)\b`), 0.90, "illegal: malware creation"},
}

// Literal terms checked with a substring scan before the regex table.
var harmfulContentTerms = []struct {
	term       string
	confidence float64
	detail     string
}{
	{"child pornography", 0.99, "CSAM: explicit term"},
	{"child porn", 0.99, "CSAM: explicit term"},
}

// HarmfulContent flags content that asks another agent to produce clearly
// harmful material.
type HarmfulContent struct{}

func NewHarmfulContent() *HarmfulContent { return &HarmfulContent{} }

func (s *HarmfulContent) Name() string    { return "harmful_content" }
func (s *HarmfulContent) Tag() string     { return "harmful-content" }
func (s *HarmfulContent) Weight() float64 { return 0.9 }

func (s *HarmfulContent) Evaluate(ctx context.Context, req *engine.SignalRequest) (*engine.SignalResult, error) {
	lower := strings.ToLower(req.Content)

	var conf float64
	var detail string
	for _, t := range harmfulContentTerms {
		if t.confidence > conf && strings.Contains(lower, t.term) {
			conf, detail = t.confidence, t.detail
		}
	}
	if c, d := harmfulContentRules.best(ctx, req.Content); c > conf {
		conf, detail = c, d
	}
	return result(conf, detail), nil
}
