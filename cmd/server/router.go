package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/rapport/internal/insightapi"
	"github.com/linnemanlabs/rapport/internal/postgres"
)

type routerDeps struct {
	logger  log.Logger
	svc     insightapi.InsightService
	tokens  insightapi.Tokens
	maxBody int64
	healthz http.HandlerFunc
	readyz  http.HandlerFunc
}

// newRouter builds the chi router for the API listener. Outer middleware
// (tracing, metrics, client ip, recovery) is wrapped around it in main.
func newRouter(d routerDeps) chi.Router {
	r := chi.NewRouter()

	// Compress text responses (we are JSON only)
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// HTTP method and per-request query stats for DB metrics labelling
	r.Use(postgres.RequestStats)

	r.Use(httpmw.AccessLog())

	// Evidence batches and restores are the large bodies
	r.Use(httpmw.MaxBody(d.maxBody))

	r.Get("/-/healthy", d.healthz)
	r.Get("/-/ready", d.readyz)

	insightapi.New(d.logger, d.svc, d.tokens).RegisterRoutes(r)
	return r
}
