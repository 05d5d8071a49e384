package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	agentDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	WorkflowStartsTotal      *prometheus.CounterVec
	WorkflowStepsTotal       *prometheus.CounterVec
	WorkflowBlocksTotal      *prometheus.CounterVec
	WorkflowRecoveriesTotal  *prometheus.CounterVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	WorkflowActiveInstances  *prometheus.GaugeVec

	// Agent metrics
	AgentInvocationsTotal  *prometheus.CounterVec
	AgentInvocationLatency *prometheus.HistogramVec
	AgentRetriesTotal      *prometheus.CounterVec
	AgentCircuitState      *prometheus.GaugeVec

	// System metrics
	TemplatesLoaded      prometheus.Gauge
	TemplatesRejected    prometheus.Counter
	EventsPublishedTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rcmflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rcmflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rcmflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rcmflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflows
		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rcmflow_workflow_starts_total",
			Help: "Total number of workflow instances started.",
		}, []string{"template_id"}),
		WorkflowStepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rcmflow_workflow_steps_total",
			Help: "Total number of step completions by action.",
		}, []string{"template_id", "step_id", "action"}),
		WorkflowBlocksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rcmflow_workflow_blocks_total",
			Help: "Total number of instances blocked by reason.",
		}, []string{"template_id", "reason"}),
		WorkflowRecoveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rcmflow_workflow_recoveries_total",
			Help: "Total number of recovery actions taken on blocked instances.",
		}, []string{"template_id", "action"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rcmflow_workflow_completions_total",
			Help: "Total number of instances reaching a terminal status.",
		}, []string{"template_id", "final_status"}),
		WorkflowActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rcmflow_workflow_active_instances",
			Help: "Number of non-terminal workflow instances started by this process.",
		}, []string{"template_id"}),

		// Agents
		AgentInvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rcmflow_agent_invocations_total",
			Help: "Total number of agent invocation attempts by outcome.",
		}, []string{"agent", "outcome"}),
		AgentInvocationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rcmflow_agent_invocation_duration_seconds",
			Help:    "Agent invocation duration in seconds.",
			Buckets: agentDurationBuckets,
		}, []string{"agent"}),
		AgentRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rcmflow_agent_retries_total",
			Help: "Total number of agent invocation retries.",
		}, []string{"agent"}),
		AgentCircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rcmflow_agent_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"agent"}),

		// System
		TemplatesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rcmflow_templates_loaded",
			Help: "Number of registered workflow templates.",
		}),
		TemplatesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rcmflow_templates_rejected_total",
			Help: "Total number of templates rejected by integrity validation.",
		}),
		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rcmflow_events_published_total",
			Help: "Total number of state-changed events published by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflows
		m.WorkflowStartsTotal,
		m.WorkflowStepsTotal,
		m.WorkflowBlocksTotal,
		m.WorkflowRecoveriesTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowActiveInstances,
		// Agents
		m.AgentInvocationsTotal,
		m.AgentInvocationLatency,
		m.AgentRetriesTotal,
		m.AgentCircuitState,
		// System
		m.TemplatesLoaded,
		m.TemplatesRejected,
		m.EventsPublishedTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordWorkflowStart records a workflow start.
func (m *Metrics) RecordWorkflowStart(templateID string) {
	if m == nil {
		return
	}
	m.WorkflowStartsTotal.WithLabelValues(templateID).Inc()
	m.WorkflowActiveInstances.WithLabelValues(templateID).Inc()
}

// RecordStep records a step completion, skip or override.
func (m *Metrics) RecordStep(templateID, stepID, action string) {
	if m == nil {
		return
	}
	m.WorkflowStepsTotal.WithLabelValues(templateID, stepID, action).Inc()
}

// RecordBlock records an instance becoming blocked.
func (m *Metrics) RecordBlock(templateID, reason string) {
	if m == nil {
		return
	}
	m.WorkflowBlocksTotal.WithLabelValues(templateID, reason).Inc()
}

// RecordRecovery records a recovery action.
func (m *Metrics) RecordRecovery(templateID, action string) {
	if m == nil {
		return
	}
	m.WorkflowRecoveriesTotal.WithLabelValues(templateID, action).Inc()
}

// RecordWorkflowCompletion records an instance reaching a terminal status.
func (m *Metrics) RecordWorkflowCompletion(templateID, finalStatus string) {
	if m == nil {
		return
	}
	m.WorkflowCompletionsTotal.WithLabelValues(templateID, finalStatus).Inc()
	m.WorkflowActiveInstances.WithLabelValues(templateID).Dec()
}

// RecordAgentInvocation records one agent invocation attempt.
func (m *Metrics) RecordAgentInvocation(agent, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.AgentInvocationsTotal.WithLabelValues(agent, outcome).Inc()
	m.AgentInvocationLatency.WithLabelValues(agent).Observe(duration.Seconds())
}

// RecordAgentRetry records an agent invocation retry.
func (m *Metrics) RecordAgentRetry(agent string) {
	if m == nil {
		return
	}
	m.AgentRetriesTotal.WithLabelValues(agent).Inc()
}

// SetAgentCircuitState sets the circuit breaker state for an agent.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetAgentCircuitState(agent string, state float64) {
	if m == nil {
		return
	}
	m.AgentCircuitState.WithLabelValues(agent).Set(state)
}

// SetTemplatesLoaded sets the number of registered templates.
func (m *Metrics) SetTemplatesLoaded(count int) {
	if m == nil {
		return
	}
	m.TemplatesLoaded.Set(float64(count))
}

// RecordTemplatesRejected adds n rejected templates.
func (m *Metrics) RecordTemplatesRejected(n int) {
	if m == nil {
		return
	}
	m.TemplatesRejected.Add(float64(n))
}

// RecordEventPublished records a state-changed event publication.
func (m *Metrics) RecordEventPublished(result string) {
	if m == nil {
		return
	}
	m.EventsPublishedTotal.WithLabelValues(result).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newResponseRecorder(w)

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, rec.status, duration, reqSize, rec.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.TrimSuffix(rctx.RoutePattern(), "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// responseRecorder captures the status code and body size written by a
// handler. It is shared by the metrics and tracing middleware.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (w *responseRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseRecorder) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *responseRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
