package api

import (
	"errors"
	"net/http"

	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
)

// handleIntercept implements POST /v1/intercept.
// Engine failures never surface as HTTP errors: the verdict carries the
// failure policy's outcome with unavailable set.
func (d *Dependencies) handleIntercept(w http.ResponseWriter, r *http.Request) {
	var req InterceptRequest
	if err := decodeValidated(r, d.MaxBodyBytes, d.schemas.intercept, &req, false); err != nil {
		writeBodyError(w, err)
		return
	}

	msg := engine.Message{
		Sender:    engine.AgentID(req.Sender),
		Recipient: engine.AgentID(req.Recipient),
		Content:   req.Content,
	}
	if req.Timestamp != nil {
		msg.Timestamp = req.Timestamp.UTC()
	}

	v, err := d.Service.Intercept(r.Context(), msg)
	if err != nil {
		d.writeServiceError(w, "intercept", err)
		return
	}
	writeJSON(w, http.StatusOK, verdictResponse(v))
}

func writeBodyError(w http.ResponseWriter, err error) {
	if errors.Is(err, errBodyTooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResp{Detail: err.Error()})
		return
	}
	writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
}
