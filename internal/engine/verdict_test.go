package engine

import "testing"

func testPolicy() Policy {
	return Policy{
		EscalateThreshold:     0.8,
		FlagThreshold:         0.4,
		AutoIsolateOnEscalate: true,
		FailurePolicy:         FailClosed,
	}
}

func TestDecide_Thresholds(t *testing.T) {
	p := testPolicy()
	free := AgentState{AgentID: "agent-a"}

	tests := []struct {
		name        string
		score       float64
		wantTier    Tier
		wantRule    Rule
		wantIsolate bool
	}{
		{"low score allows", 0.1, TierAllow, RuleBelowThresholds, false},
		{"mid score flags", 0.5, TierFlag, RuleThresholdFlag, false},
		{"high score escalates", 0.9, TierEscalate, RuleThresholdEscalate, true},
		{"exact flag cutoff", 0.4, TierFlag, RuleThresholdFlag, false},
		{"exact escalate cutoff", 0.8, TierEscalate, RuleThresholdEscalate, true},
		{"zero", 0, TierAllow, RuleBelowThresholds, false},
		{"one", 1, TierEscalate, RuleThresholdEscalate, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.score, free, p)
			if d.Tier != tt.wantTier {
				t.Errorf("tier: expected %s, got %s", tt.wantTier, d.Tier)
			}
			if d.Rule != tt.wantRule {
				t.Errorf("rule: expected %q, got %q", tt.wantRule, d.Rule)
			}
			if d.Isolate != tt.wantIsolate {
				t.Errorf("isolate: expected %v, got %v", tt.wantIsolate, d.Isolate)
			}
		})
	}
}

func TestDecide_IsolatedAlwaysEscalates(t *testing.T) {
	p := testPolicy()
	isolated := AgentState{AgentID: "agent-a", Isolated: true, Source: SourceAuto}

	for _, score := range []float64{0, 0.05, 0.39, 0.4, 0.79, 0.8, 1} {
		d := Decide(score, isolated, p)
		if d.Tier != TierEscalate {
			t.Errorf("score %.2f: expected escalate for isolated sender, got %s", score, d.Tier)
		}
		if d.Rule != RulePreExistingIsolation {
			t.Errorf("score %.2f: expected rule %q, got %q", score, RulePreExistingIsolation, d.Rule)
		}
		if d.Isolate {
			t.Errorf("score %.2f: already isolated sender must not request another transition", score)
		}
	}
}

func TestDecide_NoAutoIsolate(t *testing.T) {
	p := testPolicy()
	p.AutoIsolateOnEscalate = false

	d := Decide(0.95, AgentState{AgentID: "agent-a"}, p)
	if d.Tier != TierEscalate {
		t.Fatalf("expected escalate, got %s", d.Tier)
	}
	if d.Isolate {
		t.Error("isolation must not be requested when auto-isolation is off")
	}
}

func TestDecide_Monotonic(t *testing.T) {
	policies := []Policy{
		testPolicy(),
		{EscalateThreshold: 0.5, FlagThreshold: 0.5, FailurePolicy: FailOpen},
		{EscalateThreshold: 1, FlagThreshold: 0, FailurePolicy: FailClosed},
	}
	for _, p := range policies {
		prev := TierAllow
		for i := 0; i <= 100; i++ {
			s := float64(i) / 100
			tier := Decide(s, AgentState{AgentID: "agent-a"}, p).Tier
			if tier < prev {
				t.Fatalf("policy %+v: tier dropped from %s to %s at score %.2f", p, prev, tier, s)
			}
			prev = tier
		}
	}
}

func TestDecide_TagsDoNotAffectTier(t *testing.T) {
	p := testPolicy()
	a := RiskScore{Value: 0.5}
	b := RiskScore{Value: 0.5, Tags: []string{"prompt-injection-like", "exfiltration-like"}}

	da := Decide(a.Value, AgentState{AgentID: "x"}, p)
	db := Decide(b.Value, AgentState{AgentID: "x"}, p)
	if da != db {
		t.Errorf("identical scores produced different decisions: %+v vs %+v", da, db)
	}
}
