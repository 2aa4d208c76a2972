// Package insightapi exposes insights, evidence ingestion, and
// backup/restore over HTTP.
package insightapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/rapport/internal/authmw"
	"github.com/linnemanlabs/rapport/internal/insight"
)

// InsightService defines the operations the API needs.
type InsightService interface {
	List(ctx context.Context, f insight.Filter) ([]insight.Insight, error)
	Get(ctx context.Context, id string) (*insight.Insight, bool, error)
	Dismiss(ctx context.Context, id string) (*insight.Insight, error)
	Ingest(ctx context.Context, batch []insight.Evidence) (*insight.IngestResult, error)
	Trigger(reason string)
	Export(ctx context.Context) ([]insight.Insight, error)
	Restore(ctx context.Context, rows []insight.Insight) (*insight.RestoreReport, error)
}

// Tokens configures bearer authentication. An empty APIToken leaves the
// read and maintenance routes open; ingestion routes accept either token.
type Tokens struct {
	APIToken    string
	IngestToken string
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    InsightService
	tokens Tokens
}

// New creates a new API handler.
func New(logger log.Logger, svc InsightService, tokens Tokens) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("insight service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
		tokens: tokens,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authmw.Optional(a.tokens.APIToken))
			r.Get("/insights", a.handleListInsights)
			r.Get("/insights/{id}", a.handleGetInsight)
			r.Post("/insights/{id}/dismiss", a.handleDismissInsight)
			r.Get("/export", a.handleExport)
			r.Post("/restore", a.handleRestore)
		})
		r.Group(func(r chi.Router) {
			r.Use(authmw.Optional(a.tokens.IngestToken, a.tokens.APIToken))
			r.Post("/evidence", a.handleIngestEvidence)
			r.Post("/trigger", a.handleTrigger)
		})
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeServiceError maps service errors onto status codes. Unexpected errors
// are logged and reported as 500 without detail.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error, msg string, kv ...any) {
	switch {
	case errors.Is(err, insight.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, insight.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		a.logger.Error(r.Context(), err, msg, kv...)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func setSpanAttrs(r *http.Request, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(r.Context()).SetAttributes(attrs...)
}
