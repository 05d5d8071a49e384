package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pitabwire/rcmflow/internal/config"
	"github.com/pitabwire/rcmflow/internal/definition"
	"github.com/pitabwire/rcmflow/internal/idempotency"
	"github.com/pitabwire/rcmflow/internal/observability"
	"github.com/pitabwire/rcmflow/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Authenticate func(http.Handler) http.Handler
	Engine       *workflow.Engine
	Templates    *definition.Registry

	// Optional.
	Idempotency idempotency.Store
	Events      http.Handler
	Metrics     *observability.Metrics
	Gatherer    prometheus.Gatherer
	Readiness   observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass
// authentication.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	r.Use(Recovery)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	readiness := deps.Readiness
	if readiness.TemplatesLoaded == nil && deps.Templates != nil {
		readiness.TemplatesLoaded = func() bool { return deps.Templates.Len() > 0 }
	}
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(readiness))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler(deps.Gatherer))
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}
	claimPaths := deps.Config.Identity.ClaimPaths

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildActorContext(claimPaths))

		// The event stream is long lived and hijacks the connection, so it
		// stays outside the timeout and response-wrapping middleware.
		if deps.Events != nil {
			r.Get("/events", deps.Events.ServeHTTP)
		}

		r.Group(func(r chi.Router) {
			r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
			r.Use(observability.TracingMiddleware)
			if deps.Metrics != nil {
				r.Use(deps.Metrics.MetricsMiddleware)
			}
			r.Use(RequestLogging)

			r.Get("/templates", handleTemplateList(deps.Templates))
			r.Get("/templates/{templateId}", handleTemplateGet(deps.Templates))

			r.Post("/workflows", handleWorkflowStart(deps.Engine, deps.Idempotency, deps.Config.Idempotency.TTL))
			r.Get("/workflows", handleWorkflowList(deps.Engine))
			r.Get("/workflows/{instanceId}", handleWorkflowGet(deps.Engine))
			r.Post("/workflows/{instanceId}/steps/{stepId}/complete", handleStepComplete(deps.Engine))
			r.Post("/workflows/{instanceId}/steps/{stepId}/skip", handleStepSkip(deps.Engine))
			r.Post("/workflows/{instanceId}/steps/{stepId}/execute", handleStepExecute(deps.Engine))
			r.Post("/workflows/{instanceId}/recover", handleWorkflowRecover(deps.Engine))
			r.Post("/workflows/{instanceId}/abandon", handleWorkflowAbandon(deps.Engine))
		})
	})

	return r
}
