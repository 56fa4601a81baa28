package engine

// Rule identifies which rule produced a decision. The string value is the
// reason reported to callers.
type Rule string

const (
	RulePreExistingIsolation Rule = "pre-existing isolation"
	RuleThresholdEscalate    Rule = "threshold:escalate"
	RuleThresholdFlag        Rule = "threshold:flag"
	RuleBelowThresholds      Rule = "below thresholds"
	RuleManualOverride       Rule = "manual override"
	RuleUnavailable          Rule = "decision engine unavailable"
	RuleIsolationWriteFailed Rule = "isolation write failed"
)

// Decision is the output of the verdict engine for one message.
type Decision struct {
	Tier Tier
	Rule Rule
	// Isolate is set when the decision requires an isolation transition
	// for the sender.
	Isolate bool
}

// Decide maps a risk score and the sender's isolation state to a tier.
//
// Rules (applied in order):
//  1. Sender already isolated → ESCALATE, regardless of score
//  2. score >= EscalateThreshold → ESCALATE (Isolate if auto-isolation is on)
//  3. score >= FlagThreshold → FLAG
//  4. Otherwise → ALLOW
//
// Decide is pure: the isolation transition itself is performed by the caller.
func Decide(score float64, state AgentState, p Policy) Decision {
	if state.Isolated {
		return Decision{Tier: TierEscalate, Rule: RulePreExistingIsolation}
	}

	cutoffs := []struct {
		tier      Tier
		threshold float64
		rule      Rule
	}{
		{TierEscalate, p.EscalateThreshold, RuleThresholdEscalate},
		{TierFlag, p.FlagThreshold, RuleThresholdFlag},
	}
	for _, c := range cutoffs {
		if score >= c.threshold {
			return Decision{
				Tier:    c.tier,
				Rule:    c.rule,
				Isolate: c.tier == TierEscalate && p.AutoIsolateOnEscalate,
			}
		}
	}

	return Decision{Tier: TierAllow, Rule: RuleBelowThresholds}
}
