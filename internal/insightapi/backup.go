package insightapi

import (
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"github.com/linnemanlabs/rapport/internal/insight"
)

// handleExport writes every insight as a JSON array that /restore accepts.
func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	rows, err := a.svc.Export(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err, "failed to export insights")
		return
	}
	if rows == nil {
		rows = []insight.Insight{}
	}
	setSpanAttrs(r, attribute.Int("rapport.insights.count", len(rows)))
	w.Header().Set("Content-Disposition", `attachment; filename="insights.json"`)
	writeJSON(w, http.StatusOK, rows)
}

func (a *API) handleRestore(w http.ResponseWriter, r *http.Request) {
	var rows []insight.Insight
	if err := json.NewDecoder(r.Body).Decode(&rows); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	setSpanAttrs(r, attribute.Int("rapport.restore.received", len(rows)))

	report, err := a.svc.Restore(r.Context(), rows)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to restore insights", "count", len(rows))
		return
	}
	writeJSON(w, http.StatusOK, report)
}
