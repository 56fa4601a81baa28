package engine

// Outcome is the verdict issued when a decision cannot be completed.
type Outcome struct {
	Tier  Tier
	Alert bool // emit an alert signal to the observability collaborator
}

type failureKey struct {
	policy FailurePolicy
	kind   FailureKind
}

// failureTable enumerates every (policy, kind) pair. FAIL_CLOSED blocks by
// escalating; FAIL_OPEN allows and always alerts so the trade-off is auditable.
var failureTable = map[failureKey]Outcome{
	{FailClosed, FailureEmbeddingUnavailable}: {Tier: TierEscalate, Alert: false},
	{FailClosed, FailureScoringFailure}:       {Tier: TierEscalate, Alert: false},
	{FailClosed, FailureRegistryUnavailable}:  {Tier: TierEscalate, Alert: false},
	{FailOpen, FailureEmbeddingUnavailable}:   {Tier: TierAllow, Alert: true},
	{FailOpen, FailureScoringFailure}:         {Tier: TierAllow, Alert: true},
	{FailOpen, FailureRegistryUnavailable}:    {Tier: TierAllow, Alert: true},
}

// FailureOutcome returns the availability verdict for a failure. Pairs
// missing from the table (unset policy, unknown kind) escalate.
func FailureOutcome(policy FailurePolicy, kind FailureKind) Outcome {
	if o, ok := failureTable[failureKey{policy, kind}]; ok {
		return o
	}
	return Outcome{Tier: TierEscalate, Alert: true}
}
