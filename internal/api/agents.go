package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/agent_guard/internal/chread"
	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
)

func agentID(r *http.Request) engine.AgentID {
	return engine.AgentID(r.PathValue("agent_id"))
}

func (d *Dependencies) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	st, err := d.Service.State(r.Context(), agentID(r))
	if err != nil {
		d.writeServiceError(w, "get agent", err)
		return
	}
	writeJSON(w, http.StatusOK, stateResp(st))
}

func (d *Dependencies) handleListIsolated(w http.ResponseWriter, r *http.Request) {
	states, err := d.Service.Isolated(r.Context())
	if err != nil {
		d.writeServiceError(w, "list isolated", err)
		return
	}
	resp := AgentListResp{Agents: make([]AgentStateResp, 0, len(states)), Total: len(states)}
	for _, st := range states {
		resp.Agents = append(resp.Agents, stateResp(st))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleIsolate(w http.ResponseWriter, r *http.Request) {
	var req ControlRequest
	if err := decodeValidated(r, d.MaxBodyBytes, d.schemas.control, &req, true); err != nil {
		writeBodyError(w, err)
		return
	}
	res, err := d.Service.Isolate(r.Context(), agentID(r), req.Reason, operator(r))
	if err != nil {
		d.writeServiceError(w, "isolate", err)
		return
	}
	writeJSON(w, http.StatusOK, ControlResponse{AgentStateResp: stateResp(res.State), Changed: res.Changed})
}

func (d *Dependencies) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req ControlRequest
	if err := decodeValidated(r, d.MaxBodyBytes, d.schemas.control, &req, true); err != nil {
		writeBodyError(w, err)
		return
	}
	res, err := d.Service.Release(r.Context(), agentID(r), req.Reason, operator(r))
	if err != nil {
		d.writeServiceError(w, "release", err)
		return
	}
	writeJSON(w, http.StatusOK, ControlResponse{AgentStateResp: stateResp(res.State), Changed: res.Changed})
}

func (d *Dependencies) handleBaseline(w http.ResponseWriter, r *http.Request) {
	var req BaselineRequest
	if err := decodeValidated(r, d.MaxBodyBytes, d.schemas.baseline, &req, false); err != nil {
		writeBodyError(w, err)
		return
	}
	b, err := d.Service.UpdateBaseline(r.Context(), agentID(r), req.Content)
	if err != nil {
		d.writeServiceError(w, "update baseline", err)
		return
	}
	writeJSON(w, http.StatusOK, BaselineResp{
		AgentID:   string(b.AgentID),
		Samples:   b.Samples,
		Dimension: len(b.Centroid),
		UpdatedAt: b.UpdatedAt,
	})
}

// handleIsolationHistory implements GET /v1/agents/{agent_id}/history from
// the SQL isolation log.
func (d *Dependencies) handleIsolationHistory(w http.ResponseWriter, r *http.Request) {
	if d.Store == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "SQL store not configured"})
		return
	}
	id := agentID(r)
	limit := queryInt(r, "limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	events, err := d.Store.IsolationHistory(r.Context(), id, limit)
	if err != nil {
		d.Logger.Error("failed to read isolation history", zap.String("agent_id", string(id)), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to read isolation history"})
		return
	}
	out := make([]IsolationEventResp, 0, len(events))
	for _, e := range events {
		out = append(out, isolationEventResp(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": id, "events": out})
}

// handleForensics implements GET /v1/agents/{agent_id}/forensics from the
// ClickHouse audit table.
func (d *Dependencies) handleForensics(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	q := r.URL.Query()
	params := chread.ForensicsParams{
		Sender:       string(agentID(r)),
		IncludeAllow: q.Get("include_allow") == "true" || q.Get("include_allow") == "1",
		Limit:        queryInt(r, "limit", 50),
	}
	if v := q.Get("action"); v != "" {
		t, err := engine.ParseTier(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "action must be ALLOW, FLAG or ESCALATE"})
			return
		}
		a := t.Action()
		params.Action = &a
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "since must be an RFC 3339 timestamp"})
			return
		}
		params.Since = &t
	}

	events, err := d.Reader.Forensics(r.Context(), params)
	if err != nil {
		d.Logger.Error("failed to query forensics", zap.String("sender", params.Sender), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to query forensics"})
		return
	}
	if events == nil {
		events = []chread.EventRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": params.Sender, "events": events})
}
