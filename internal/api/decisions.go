package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

func (d *Dependencies) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	id := r.PathValue("decision_id")
	event, err := d.Reader.GetDecision(r.Context(), id)
	if err != nil {
		d.Logger.Error("failed to get decision", zap.String("decision_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get decision"})
		return
	}
	if event == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Decision not found"})
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// handleStats implements GET /v1/stats. In-process counters are always
// returned; ClickHouse aggregates over the requested window are added when
// a reader is configured.
func (d *Dependencies) handleStats(w http.ResponseWriter, r *http.Request) {
	live, err := d.Service.Stats(r.Context())
	if err != nil {
		d.writeServiceError(w, "stats", err)
		return
	}
	resp := map[string]any{"live": live}

	if d.Reader != nil {
		days := queryInt(r, "days", 7)
		if days < 1 {
			days = 1
		}
		if days > 90 {
			days = 90
		}
		since := time.Now().UTC().AddDate(0, 0, -days)
		window, err := d.Reader.Stats(r.Context(), since)
		if err != nil {
			d.Logger.Warn("failed to query audit stats", zap.Error(err))
		} else {
			resp["audit"] = window
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handlePolicy(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, policyResp(d.Service.Policy()))
}
