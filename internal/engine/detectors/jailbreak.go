package detectors

import (
	"context"
	"regexp"

	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
)

var jailbreakRules = ruleSet{
	{regexp.MustCompile(`(?i)\bDAN\b.*\bdo\s+anything\s+now\b`), 0.95, "DAN: do anything now"},
	{regexp.MustCompile(`(?i)(you\s+are|enable|activate)\s+DAN(\s+mode)?\b`), 0.90, "DAN: mode request"},
	{regexp.MustCompile(`(?i)enter\s+(developer|debug|maintenance|god|sudo|admin)\s+mode`), 0.90, "mode switch: privileged mode"},
	{regexp.MustCompile(`(?i)(developer|debug|maintenance|god|sudo|admin)\s+mode\s+(enabled|activated|on)`), 0.90, "mode switch: mode enabled"},
	{regexp.MustCompile(`(?i)(unlock|disable|remove)\s+(all\s+)?(your\s+)?(restrictions|capabilities|limitations|guardrails|safeguards)`), 0.85, "unlock restrictions"},
	{regexp.MustCompile(`(?i)roleplay\s+as\s+(an?\s+)?(evil|unfiltered|unrestricted|uncensored)`), 0.90, "roleplay: unrestricted character"},
	{regexp.MustCompile(`(?i)you\s+have\s+no\s+(restrictions|rules|limitations|guidelines|filters)`), 0.90, "no restrictions claim"},
	{regexp.MustCompile(`(?i)without\s+(any\s+)?(ethical|moral|safety)\s+(guidelines|restrictions|constraints|considerations)`), 0.85, "without ethical guidelines"},
	{regexp.MustCompile(`(?i)in\s+a\s+(hypothetical|fictional)\s+(world|scenario|universe)\s+where\s+(there\s+are\s+)?no\s+(rules|restrictions|laws)`), 0.80, "fictional framing without rules"},
	{regexp.MustCompile(`(?i)split\s+(your\s+)?(response|answer)\s+into\s+(parts|segments|tokens)`), 0.70, "token smuggling: split response"},
	{regexp.MustCompile(`(?i)\buncensored\s+mode\b`), 0.90, "uncensored mode"},
	{regexp.MustCompile(`(?i)\bjailbreak(ing|ed)?\b`), 0.75, "explicit jailbreak keyword"},
}

// Jailbreak flags known templates that talk an agent out of its guardrails.
type Jailbreak struct{}

func NewJailbreak() *Jailbreak { return &Jailbreak{} }

func (s *Jailbreak) Name() string    { return "jailbreak" }
func (s *Jailbreak) Tag() string     { return "jailbreak-like" }
func (s *Jailbreak) Weight() float64 { return 1.0 }

func (s *Jailbreak) Evaluate(ctx context.Context, req *engine.SignalRequest) (*engine.SignalResult, error) {
	return result(jailbreakRules.best(ctx, req.Content)), nil
}
