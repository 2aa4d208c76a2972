package insightapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"github.com/linnemanlabs/rapport/internal/insight"
)

const maxTriggerReason = 128

type evidenceRequest struct {
	Evidence []insight.Evidence `json:"evidence"`
}

func (a *API) handleIngestEvidence(w http.ResponseWriter, r *http.Request) {
	var req evidenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Evidence) == 0 {
		writeError(w, http.StatusBadRequest, "evidence is required")
		return
	}
	setSpanAttrs(r, attribute.Int("rapport.evidence.received", len(req.Evidence)))

	res, err := a.svc.Ingest(r.Context(), req.Evidence)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to ingest evidence", "count", len(req.Evidence))
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

type triggerRequest struct {
	Reason string `json:"reason"`
}

type triggerResponse struct {
	Reason string `json:"reason"`
}

// handleTrigger accepts an optional {"reason": "..."} body.
func (a *API) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "api"
	}
	if len(reason) > maxTriggerReason {
		n := maxTriggerReason
		for n > 0 && !utf8.RuneStart(reason[n]) {
			n--
		}
		reason = reason[:n]
	}

	a.svc.Trigger(reason)
	writeJSON(w, http.StatusAccepted, triggerResponse{Reason: reason})
}
