package detectors

import (
	"context"
	"regexp"
	"strings"

	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
)

// Personal and financial identifiers that should not travel between agents.
var piiRules = ruleSet{
	{regexp.MustCompile(`\b\d{3}[-\s]\d{2}[-\s]\d{4}\b`), 0.90, "PII: social security number"},
	{regexp.MustCompile(`\b4\d{3}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), 0.90, "PII: card number (Visa)"},
	{regexp.MustCompile(`\b5[1-5]\d{2}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), 0.90, "PII: card number (Mastercard)"},
	{regexp.MustCompile(`\b3[47]\d{2}[-\s]?\d{6}[-\s]?\d{5}\b`), 0.90, "PII: card number (Amex)"},
	{regexp.MustCompile(`\b[A-Z]{2}\d{2}[-\s]?[A-Z0-9]{4}[-\s]?(?:[A-Z0-9]{4}[-\s]?){1,7}[A-Z0-9]{1,4}\b`), 0.85, "PII: IBAN"},
	{regexp.MustCompile(`(?i)\b(api[_-]?key|secret[_-]?key|access[_-]?token|password)\s*[:=]\s*\S{6,}`), 0.90, "credential in message"},
	{regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), 0.95, "credential: AWS access key"},
}

// Destination hints: somewhere for the data to go.
var destinationRules = ruleSet{
	{regexp.MustCompile(`(?i)https?://`), 1, "destination: URL"},
	{regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`), 1, "destination: email address"},
}

var exfilPhrases = []string{
	"exfiltrate",
	"steal",
	"leak",
	"export database",
	"dump database",
	"patient records",
	"customer records",
	"system prompt",
}

var exfilDensityKeywords = []string{"steal", "exfiltrate", "leak", "send", "data", "unauthorized", "export"}

var exfilRiskTerms = []string{"attacker", "malicious", "pastebin", "dropbox", "webhook.site", "ngrok"}

// Confidence contributed by each piece of evidence. They are folded with a
// noisy-OR so every extra piece can only raise the total.
const (
	exfilPhraseConf      = 0.60
	exfilDestinationConf = 0.35
	exfilRiskTermConf    = 0.10 // per occurrence
	exfilRiskTermCap     = 0.40
	exfilPIIScale        = 0.70
)

// Exfiltration flags messages that move sensitive data toward an outside
// destination.
type Exfiltration struct{}

func NewExfiltration() *Exfiltration { return &Exfiltration{} }

func (s *Exfiltration) Name() string    { return "exfiltration" }
func (s *Exfiltration) Tag() string     { return "exfiltration-like" }
func (s *Exfiltration) Weight() float64 { return 1.0 }

func (s *Exfiltration) Evaluate(ctx context.Context, req *engine.SignalRequest) (*engine.SignalResult, error) {
	lower := strings.ToLower(req.Content)

	var ev evidence
	for _, p := range exfilPhrases {
		if strings.Contains(lower, p) {
			ev.add(exfilPhraseConf, "high-risk phrase: "+p)
			break
		}
	}
	if _, d := destinationRules.best(ctx, req.Content); d != "" {
		ev.add(exfilDestinationConf, d)
	}

	var risky int
	for _, t := range exfilRiskTerms {
		risky += strings.Count(lower, t)
	}
	if risky > 0 {
		ev.add(min(float64(risky)*exfilRiskTermConf, exfilRiskTermCap), "risk terms present")
	}

	if c := keywordDensityConfidence(lower, exfilDensityKeywords); c > 0 {
		ev.add(c, "exfiltration keyword density")
	}

	if c, d := piiRules.best(ctx, req.Content); c > 0 {
		ev.add(c*exfilPIIScale, d)
	}

	return ev.result(), nil
}

// keywordDensityConfidence buckets the share of words that are keyword
// hits. A single hit never counts as density.
func keywordDensityConfidence(lower string, keywords []string) float64 {
	words := len(strings.Fields(lower))
	if words == 0 {
		return 0
	}
	var hits int
	for _, kw := range keywords {
		hits += strings.Count(lower, kw)
	}
	if hits < 2 {
		return 0
	}
	density := float64(hits) / float64(words)
	switch {
	case density > 0.10:
		return 0.30
	case density > 0.05:
		return 0.20
	case density > 0.02:
		return 0.10
	default:
		return 0
	}
}

// evidence accumulates independent pieces of risk with a noisy-OR.
type evidence struct {
	keep    float64
	details []string
	started bool
}

func (e *evidence) add(conf float64, detail string) {
	if conf <= 0 {
		return
	}
	if !e.started {
		e.keep, e.started = 1, true
	}
	e.keep *= 1 - clamp(conf)
	e.details = append(e.details, detail)
}

func (e *evidence) confidence() float64 {
	if !e.started {
		return 0
	}
	return clamp(1 - e.keep)
}

func (e *evidence) result() *engine.SignalResult {
	return result(e.confidence(), strings.Join(e.details, "; "))
}
