package insightapi

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/rapport/internal/insight"
)

type listResponse struct {
	Count    int               `json:"count"`
	Insights []insight.Insight `json:"insights"`
}

func (a *API) handleListInsights(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := insight.Filter{
		PersonRef:  q.Get("person"),
		ContextRef: q.Get("context"),
	}
	switch q.Get("state") {
	case "", "active":
		f.ActiveOnly = true
	case "all":
	default:
		writeError(w, http.StatusBadRequest, "state must be active or all")
		return
	}

	items, err := a.svc.List(r.Context(), f)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to list insights")
		return
	}
	if items == nil {
		items = []insight.Insight{}
	}
	setSpanAttrs(r, attribute.Int("rapport.insights.count", len(items)))
	writeJSON(w, http.StatusOK, listResponse{Count: len(items), Insights: items})
}

func (a *API) handleGetInsight(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	setSpanAttrs(r, attribute.String("rapport.insight.id", id))

	in, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to get insight", "id", id)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (a *API) handleDismissInsight(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	setSpanAttrs(r, attribute.String("rapport.insight.id", id))

	in, err := a.svc.Dismiss(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to dismiss insight", "id", id)
		return
	}
	writeJSON(w, http.StatusOK, in)
}
