package detectors

import (
	"context"
	"regexp"

	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
)

var promptInjectionRules = ruleSet{
	{regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+instructions`), 0.95, "override: ignore previous instructions"},
	{regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above|your)\s+(instructions|rules|guidelines|task)`), 0.95, "override: disregard instructions"},
	{regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|above|your)\s+(instructions|context|task)`), 0.90, "override: forget instructions"},
	{regexp.MustCompile(`(?i)override\s+(system|safety|security)\s+(prompt|instructions|rules|policy)`), 0.95, "explicit override attempt"},
	{regexp.MustCompile(`(?i)bypass\s+(the\s+)?(safety|security|content|policy)\s+(filter|check|policy|rules|guard)`), 0.95, "explicit bypass attempt"},
	{regexp.MustCompile(`(?i)do\s+not\s+follow\s+(your|the|any)\s+(rules|guidelines|instructions|safety)`), 0.90, "instruction negation"},

	// Identity reassignment aimed at the receiving agent.
	{regexp.MustCompile(`(?i)you\s+are\s+now\s+`), 0.85, "identity override: you are now"},
	{regexp.MustCompile(`(?i)from\s+now\s+on\s+you\s+(are|will|must|should)`), 0.85, "identity override: from now on"},
	{regexp.MustCompile(`(?i)your\s+new\s+(role|identity|persona|instructions|task)\s+(is|are)`), 0.85, "identity override: new role"},
	{regexp.MustCompile(`(?i)pretend\s+(to\s+be|you\s+are)\s+`), 0.70, "identity override: pretend"},

	// Delimiters that impersonate an orchestrator or system channel.
	{regexp.MustCompile(`(?i)\[SYSTEM\]`), 0.90, "delimiter injection: [SYSTEM] tag"},
	{regexp.MustCompile(`(?i)<\|im_start\|>system`), 0.95, "delimiter injection: ChatML system tag"},
	{regexp.MustCompile(`(?i)###\s*(SYSTEM|INSTRUCTION|NEW INSTRUCTION)`), 0.90, "delimiter injection: markdown system header"},
	{regexp.MustCompile(`(?i)INSTRUCTIONS?\s+FOR\s+(THE\s+)?(AGENT|ASSISTANT|RECIPIENT|NEXT)`), 0.90, "relay injection: instructions for downstream agent"},
	{regexp.MustCompile(`(?i)(message|note)\s+from\s+(the\s+)?(orchestrator|supervisor|admin(istrator)?)\s*:`), 0.80, "relay injection: impersonated orchestrator"},
	{regexp.MustCompile(`(?i)(when|once)\s+you\s+receive\s+this.{0,40}\b(run|execute|forward|send)\b`), 0.80, "relay injection: deferred directive"},

	// System prompt extraction.
	{regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system|initial|original|hidden)\s+(prompt|instructions|message)`), 0.90, "system prompt extraction"},
	{regexp.MustCompile(`(?i)(output|print|repeat)\s+(your|the)\s+(system|initial|original)\s+(prompt|instructions|message)`), 0.90, "system prompt extraction"},
}

// PromptInjection flags content that tries to rewrite the receiving
// agent's instructions.
type PromptInjection struct{}

func NewPromptInjection() *PromptInjection { return &PromptInjection{} }

func (s *PromptInjection) Name() string    { return "prompt_injection" }
func (s *PromptInjection) Tag() string     { return "prompt-injection-like" }
func (s *PromptInjection) Weight() float64 { return 1.0 }

func (s *PromptInjection) Evaluate(ctx context.Context, req *engine.SignalRequest) (*engine.SignalResult, error) {
	// Every rule is (?i), so the content is matched as-is without a lowered copy.
	return result(promptInjectionRules.best(ctx, req.Content)), nil
}
