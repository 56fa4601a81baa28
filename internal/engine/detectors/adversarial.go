package detectors

import (
	"context"
	"math"
	"regexp"
	"strings"

	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
)

var encodingIndicators = []string{"base64", "rot13", "cipher", "encode", "decode", "obfuscate"}

var obfuscationRuns = []string{"***", "!!!!", "%%%%", "####", "===="}

var encodingTrickRules = ruleSet{
	{regexp.MustCompile(`(?i)respond\s+(only\s+)?in\s+(base64|hex|rot13|binary|morse)`), 0.80, "encoding trick: respond encoded"},
	{regexp.MustCompile(`(?i)(encode|encrypt)\s+(your\s+)?(response|answer|output|reply)\s+(in|with)\s+(base64|hex|rot13)`), 0.80, "encoding trick: encode response"},
	{regexp.MustCompile(`(?i)decode\s+(this|the\s+following).{0,30}\b(and|then)\s+(run|execute|follow)`), 0.85, "encoding trick: decode and execute"},
}

var (
	base64Blob    = regexp.MustCompile(`[A-Za-z0-9+/]{40,}={0,2}`)
	zeroWidthChar = regexp.MustCompile("[\u200B\u200C\u200D\u2060\uFEFF]")
)

const (
	encodingIndicatorConf = 0.15
	obfuscationRunConf    = 0.20
	base64BlobConf        = 0.35
	zeroWidthConf         = 0.40
	highEntropyConf       = 0.20
	// Bits per character above which content looks random or encoded.
	entropyThreshold = 5.0
	entropyMinLength = 32
)

// Adversarial flags content that hides its payload behind encodings,
// obfuscation runs or invisible characters.
type Adversarial struct{}

func NewAdversarial() *Adversarial { return &Adversarial{} }

func (s *Adversarial) Name() string    { return "adversarial" }
func (s *Adversarial) Tag() string     { return "obfuscation" }
func (s *Adversarial) Weight() float64 { return 0.8 }

func (s *Adversarial) Evaluate(ctx context.Context, req *engine.SignalRequest) (*engine.SignalResult, error) {
	content := req.Content
	lower := strings.ToLower(content)

	var ev evidence
	for _, ind := range encodingIndicators {
		if strings.Contains(lower, ind) {
			ev.add(encodingIndicatorConf, "encoding indicator: "+ind)
		}
	}
	for _, run := range obfuscationRuns {
		if strings.Contains(content, run) {
			ev.add(obfuscationRunConf, "obfuscation run: "+run)
		}
	}
	if c, d := encodingTrickRules.best(ctx, content); c > 0 {
		ev.add(c, d)
	}
	if base64Blob.MatchString(content) {
		ev.add(base64BlobConf, "base64-like blob")
	}
	if zeroWidthChar.MatchString(content) {
		ev.add(zeroWidthConf, "zero-width characters")
	}
	if len(content) >= entropyMinLength && ShannonEntropy(content) > entropyThreshold {
		ev.add(highEntropyConf, "high character entropy")
	}

	return ev.result(), nil
}

// ShannonEntropy returns the per-character entropy of text in bits.
func ShannonEntropy(text string) float64 {
	if text == "" {
		return 0
	}
	freq := make(map[rune]int)
	var n int
	for _, r := range text {
		freq[r]++
		n++
	}
	var h float64
	for _, c := range freq {
		p := float64(c) / float64(n)
		h -= p * math.Log2(p)
	}
	return h
}
