package api

import (
	"time"

	"github.com/triage-ai/palisade/services/agent_guard/internal/decision"
	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
	"github.com/triage-ai/palisade/services/agent_guard/internal/store"
)

// --- POST /v1/intercept ---

// InterceptRequest is the JSON body for POST /v1/intercept.
type InterceptRequest struct {
	Sender    string     `json:"sender"`
	Recipient string     `json:"recipient"`
	Content   string     `json:"content"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// SignalResp is one signal evaluation in a verdict.
type SignalResp struct {
	Signal     string  `json:"signal"`
	Tag        string  `json:"tag,omitempty"`
	Confidence float64 `json:"confidence"`
	Details    string  `json:"details,omitempty"`
}

// VerdictResponse is the decision returned for one message.
type VerdictResponse struct {
	DecisionID  string       `json:"decision_id"`
	Action      string       `json:"action"`
	Reason      string       `json:"reason"`
	Score       *float64     `json:"score"`
	Tags        []string     `json:"tags"`
	Signals     []SignalResp `json:"signals,omitempty"`
	Unavailable bool         `json:"unavailable"`
	FailureKind string       `json:"failure_kind,omitempty"`
	IsolatedNow bool         `json:"isolated_now"`
	Attestation string       `json:"attestation,omitempty"`
	LatencyMs   float64      `json:"latency_ms"`
}

func verdictResponse(v decision.Verdict) VerdictResponse {
	resp := VerdictResponse{
		DecisionID:  v.DecisionID,
		Action:      v.Action.Action(),
		Reason:      v.Reason,
		Tags:        v.Tags,
		Unavailable: v.Unavailable,
		FailureKind: string(v.FailureKind),
		IsolatedNow: v.IsolatedNow,
		Attestation: v.Attestation,
		LatencyMs:   float64(v.Latency.Microseconds()) / 1000,
	}
	if resp.Tags == nil {
		resp.Tags = []string{}
	}
	if v.Scored {
		score := v.Score
		resp.Score = &score
	}
	for _, s := range v.Signals {
		resp.Signals = append(resp.Signals, SignalResp{
			Signal:     s.Signal,
			Tag:        s.Tag,
			Confidence: s.Confidence,
			Details:    s.Details,
		})
	}
	return resp
}

// --- Agent control ---

// ControlRequest is the optional JSON body for isolate and release.
type ControlRequest struct {
	Reason string `json:"reason,omitempty"`
}

// AgentStateResp is an agent's isolation state.
type AgentStateResp struct {
	AgentID    string     `json:"agent_id"`
	State      string     `json:"state"`
	Reason     string     `json:"reason,omitempty"`
	Source     string     `json:"source,omitempty"`
	IsolatedAt *time.Time `json:"isolated_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

// ControlResponse reports a manual isolate or release.
type ControlResponse struct {
	AgentStateResp
	Changed bool `json:"changed"`
}

// AgentListResp lists isolated agents.
type AgentListResp struct {
	Agents []AgentStateResp `json:"agents"`
	Total  int              `json:"total"`
}

func stateResp(s engine.AgentState) AgentStateResp {
	resp := AgentStateResp{
		AgentID: string(s.AgentID),
		State:   "NOT_ISOLATED",
		Reason:  s.Reason,
		Source:  string(s.Source),
	}
	if s.Isolated {
		resp.State = "ISOLATED"
	}
	resp.IsolatedAt = timePtr(s.IsolatedAt)
	resp.ExpiresAt = timePtr(s.ExpiresAt)
	resp.UpdatedAt = timePtr(s.UpdatedAt)
	return resp
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

// BaselineRequest is the JSON body for POST /v1/agents/{id}/baseline.
type BaselineRequest struct {
	Content string `json:"content"`
}

// BaselineResp summarises a sender's baseline after an update.
type BaselineResp struct {
	AgentID   string    `json:"agent_id"`
	Samples   int       `json:"samples"`
	Dimension int       `json:"dimension"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsolationEventResp is one row of the isolation log.
type IsolationEventResp struct {
	ID        int64     `json:"id"`
	Event     string    `json:"event"`
	Reason    string    `json:"reason"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

func isolationEventResp(e store.IsolationEvent) IsolationEventResp {
	return IsolationEventResp{
		ID:        e.ID,
		Event:     e.Event,
		Reason:    e.Reason,
		Source:    string(e.Source),
		CreatedAt: e.CreatedAt,
	}
}

// --- Policy ---

// PolicyResp is the policy currently in force.
type PolicyResp struct {
	EscalateThreshold     float64 `json:"escalate_threshold"`
	FlagThreshold         float64 `json:"flag_threshold"`
	AutoIsolateOnEscalate bool    `json:"auto_isolate_on_escalate"`
	FailurePolicy         string  `json:"failure_policy"`
	IsolationTTL          string  `json:"isolation_ttl,omitempty"`
}

func policyResp(p engine.Policy) PolicyResp {
	resp := PolicyResp{
		EscalateThreshold:     p.EscalateThreshold,
		FlagThreshold:         p.FlagThreshold,
		AutoIsolateOnEscalate: p.AutoIsolateOnEscalate,
		FailurePolicy:         p.FailurePolicy.String(),
	}
	if p.IsolationTTL > 0 {
		resp.IsolationTTL = p.IsolationTTL.String()
	}
	return resp
}

// ErrorResp is a standard error response body.
type ErrorResp struct {
	Detail string `json:"detail"`
}
