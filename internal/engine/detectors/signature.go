package detectors

import (
	"context"
	"strings"

	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
)

// Attack signatures, matched against upper-cased content.
var attackSignatures = []string{
	"INSTRUCTION FOR",
	"SYSTEM PROMPT",
	"JAILBREAK",
	"IGNORE",
	"OVERRIDE",
	"EXECUTE",
	"COMMAND",
	"FORGET",
	"BYPASS",
	"DISABLE",
	"UNLOCK",
}

const (
	signatureExactConf = 0.20
	signatureFuzzyConf = 0.10
	// A line this similar to a signature counts as a near-miss variant.
	signatureFuzzyRatio = 0.85
)

// Signature counts attack keywords, plus lines that are near-miss
// spellings of one (e.g. "IGN0RE").
type Signature struct{}

func NewSignature() *Signature { return &Signature{} }

func (s *Signature) Name() string    { return "signature" }
func (s *Signature) Tag() string     { return "attack-signature" }
func (s *Signature) Weight() float64 { return 0.8 }

func (s *Signature) Evaluate(ctx context.Context, req *engine.SignalRequest) (*engine.SignalResult, error) {
	upper := strings.ToUpper(req.Content)
	lines := strings.Split(upper, "\n")

	var conf float64
	var hits []string
	for _, sig := range attackSignatures {
		if ctx.Err() != nil {
			break
		}
		if strings.Contains(upper, sig) {
			conf += signatureExactConf
			hits = append(hits, sig)
		}
		for _, line := range lines {
			if nearMatch(sig, strings.TrimSpace(line)) {
				conf += signatureFuzzyConf
			}
		}
	}

	if conf == 0 {
		return &engine.SignalResult{}, nil
	}
	detail := "fuzzy signature match"
	if len(hits) > 0 {
		detail = "signatures: " + strings.Join(hits, ", ")
	}
	return &engine.SignalResult{Confidence: clamp(conf), Details: detail}, nil
}

// nearMatch reports whether line is within signatureFuzzyRatio of sig.
// Lines whose length alone rules out a match skip the DP.
func nearMatch(sig, line string) bool {
	a, b := len([]rune(sig)), len([]rune(line))
	if a+b == 0 || float64(2*min(a, b))/float64(a+b) <= signatureFuzzyRatio {
		return false
	}
	return similarity(sig, line) > signatureFuzzyRatio
}

// similarity returns 2·LCS / (|a| + |b|), in [0, 1].
func similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1
	}

	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			switch {
			case ra[i-1] == rb[j-1]:
				cur[j] = prev[j-1] + 1
			case prev[j] >= cur[j-1]:
				cur[j] = prev[j]
			default:
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return float64(2*prev[len(rb)]) / float64(total)
}
