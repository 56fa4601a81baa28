package detectors

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
)

// constructors lists every built-in signal by name.
var constructors = map[string]func(Options) engine.Signal{
	"prompt_injection": func(Options) engine.Signal { return NewPromptInjection() },
	"jailbreak":        func(Options) engine.Signal { return NewJailbreak() },
	"exfiltration":     func(Options) engine.Signal { return NewExfiltration() },
	"signature":        func(Options) engine.Signal { return NewSignature() },
	"adversarial":      func(Options) engine.Signal { return NewAdversarial() },
	"harmful_content":  func(Options) engine.Signal { return NewHarmfulContent() },
	"tool_directive":   func(Options) engine.Signal { return NewToolDirective() },
	"semantic_drift":   func(o Options) engine.Signal { return NewSemanticDrift(o.Logger) },
	"trend":            func(o Options) engine.Signal { return NewTrend(o.TrendMinSamples) },
}

// Options tunes the signals that take parameters.
type Options struct {
	TrendMinSamples int
	Logger          *zap.Logger
}

// Names returns the names of all built-in signals, sorted.
func Names() []string {
	names := make([]string, 0, len(constructors))
	for n := range constructors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build returns the named signals in the order given. An empty list
// enables every built-in signal.
func Build(enabled []string, opts Options) ([]engine.Signal, error) {
	if len(enabled) == 0 {
		enabled = Names()
	}
	seen := make(map[string]bool, len(enabled))
	out := make([]engine.Signal, 0, len(enabled))
	for _, raw := range enabled {
		name := strings.TrimSpace(raw)
		ctor, ok := constructors[name]
		if !ok {
			return nil, fmt.Errorf("detectors: unknown signal %q (known: %s)", name, strings.Join(Names(), ", "))
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, ctor(opts))
	}
	return out, nil
}
