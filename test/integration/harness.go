// Package integration provides a reusable test harness for end-to-end
// integration testing of the rcmflow server. It starts the full HTTP stack
// with mock agents, in-memory state, a Redis stand-in, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/rcmflow/internal/agents"
	"github.com/pitabwire/rcmflow/internal/automation"
	"github.com/pitabwire/rcmflow/internal/claims"
	"github.com/pitabwire/rcmflow/internal/config"
	"github.com/pitabwire/rcmflow/internal/definition"
	"github.com/pitabwire/rcmflow/internal/idempotency"
	"github.com/pitabwire/rcmflow/internal/notify"
	"github.com/pitabwire/rcmflow/internal/observability"
	"github.com/pitabwire/rcmflow/internal/transport"
	"github.com/pitabwire/rcmflow/internal/workflow"
	"github.com/pitabwire/rcmflow/model"
)

const eventChannel = "rcmflow.test.state_changed"

// TestHarness encapsulates a fully wired rcmflow instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Templates  *definition.Registry
	Store      *workflow.MemoryStateStore
	Engine     *workflow.Engine
	Dispatcher *automation.Dispatcher
	Claims     *claims.MemoryProvider
	Events     *notify.Recorder
	Redis      *miniredis.Miniredis

	redis  *redis.Client
	agents map[string]*MockAgent
	cfg    *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	templates      []model.WorkflowTemplate
	handlerTimeout time.Duration
	agentTimeout   time.Duration
	maxAttempts    int
	breaker        config.CircuitBreakerConfig
	outputSchemas  map[string]map[string]any
}

// WithTemplates registers extra templates next to the builtin ones.
func WithTemplates(templates ...model.WorkflowTemplate) HarnessOption {
	return func(c *harnessConfig) {
		c.templates = append(c.templates, templates...)
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithAgentTimeout sets the HTTP timeout of every mock agent endpoint.
func WithAgentTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.agentTimeout = d
	}
}

// WithMaxAttempts sets the agent retry budget.
func WithMaxAttempts(n int) HarnessOption {
	return func(c *harnessConfig) {
		c.maxAttempts = n
	}
}

// WithCircuitBreaker overrides the per-agent circuit breaker settings.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = cb
	}
}

// WithOutputSchema sets the JSON schema results of agentName must satisfy.
func WithOutputSchema(agentName string, schema map[string]any) HarnessOption {
	return func(c *harnessConfig) {
		if c.outputSchemas == nil {
			c.outputSchemas = make(map[string]map[string]any)
		}
		c.outputSchemas[agentName] = schema
	}
}

// agentNames lists the agents referenced by the builtin templates.
var agentNames = []string{
	agents.CodingAgent,
	agents.EligibilityAgent,
	agents.ClaimSubmissionAgent,
	agents.DenialClassifierAgent,
	agents.AppealLetterAgent,
}

// NewTestHarness creates and starts a full rcmflow test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		agentTimeout:   2 * time.Second,
		maxAttempts:    3,
		breaker: config.CircuitBreakerConfig{
			FailureThreshold: 50,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		},
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:      t,
		agents: make(map[string]*MockAgent, len(agentNames)),
	}

	// Step 1: Mock agents and JWT issuer.
	endpoints := make(map[string]config.AgentConfig, len(agentNames))
	for _, name := range agentNames {
		ma := newMockAgent(t, name)
		h.agents[name] = ma
		endpoints[name] = config.AgentConfig{
			URL:          ma.URL(),
			Timeout:      hc.agentTimeout,
			OutputSchema: hc.outputSchemas[name],
		}
	}
	h.issuer = newTokenIssuer(t)

	// Step 2: Configuration.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Mode = config.IdentityJWKS
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	h.cfg.Agents = config.AgentsConfig{
		Mode:      config.AgentsHTTP,
		Timeout:   hc.agentTimeout,
		Endpoints: endpoints,
	}
	h.cfg.Automation.Retry = config.RetryConfig{
		MaxAttempts:       hc.maxAttempts,
		BackoffInitial:    time.Millisecond,
		BackoffMultiplier: 2,
		BackoffMax:        5 * time.Millisecond,
	}
	h.cfg.Automation.CircuitBreaker = hc.breaker
	h.cfg.Idempotency.Driver = config.DriverRedis
	h.cfg.Events.Redis.Enabled = true
	h.cfg.Events.Redis.Channel = eventChannel
	if err := h.cfg.Validate(); err != nil {
		t.Fatalf("harness config: %v", err)
	}

	// Step 3: Templates.
	files, err := definition.NewLoader().LoadFS(definition.Builtin())
	if err != nil {
		t.Fatalf("load builtin templates: %v", err)
	}
	h.Templates = definition.NewRegistry()
	if errs := h.Templates.Load(append(definition.Templates(files), hc.templates...)); len(errs) > 0 {
		t.Fatalf("templates rejected: %v", errs)
	}

	// Step 4: Agents and dispatcher.
	agentRegistry := automation.NewRegistry()
	if err := agents.Build(h.cfg.Agents, agentRegistry); err != nil {
		t.Fatalf("build agents: %v", err)
	}
	schemas, err := automation.CompileOutputSchemas(h.cfg.Agents.Endpoints)
	if err != nil {
		t.Fatalf("compile output schemas: %v", err)
	}
	promRegistry := prometheus.NewRegistry()
	metrics := observability.InitMetrics(promRegistry)
	h.Dispatcher = automation.NewDispatcher(agentRegistry, h.cfg.Automation,
		automation.WithMetrics(metrics),
		automation.WithOutputSchemas(schemas),
	)

	// Step 5: Redis stand-in shared by idempotency and events.
	h.Redis = miniredis.RunT(t)
	h.redis = redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
	t.Cleanup(func() { h.redis.Close() })

	// Step 6: State, snapshots, sinks.
	h.Store = workflow.NewMemoryStateStore()
	h.Claims = claims.NewMemoryProvider()
	h.Events = notify.NewRecorder()
	hub := notify.NewHub(nil, 16, zap.NewNop())
	t.Cleanup(hub.Close)
	sinks := notify.Fanout{h.Events, notify.NewRedisSink(h.redis, eventChannel), hub}

	h.Engine = workflow.NewEngine(h.Templates, h.Store, h.Dispatcher,
		workflow.WithSnapshots(h.Claims),
		workflow.WithSink(sinks),
		workflow.WithMetrics(metrics),
		workflow.WithChainLimit(h.cfg.Automation.ChainLimit),
		workflow.WithEscalation(h.cfg.Escalation),
		workflow.WithAdminRoles(h.cfg.AdminRoles...),
	)

	// Step 7: Router with the full middleware chain.
	authenticate, err := transport.NewAuthenticator(h.cfg.Identity)
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Authenticate: authenticate,
		Engine:       h.Engine,
		Templates:    h.Templates,
		Idempotency:  idempotency.NewRedisStore(h.redis),
		Events:       hub,
		Metrics:      metrics,
		Gatherer:     promRegistry,
		Readiness: observability.ReadinessChecks{
			EventBus: notify.NewRedisSink(h.redis, eventChannel),
		},
	})

	// Step 8: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Agent returns the mock agent with the given name.
func (h *TestHarness) Agent(name string) *MockAgent {
	ma, ok := h.agents[name]
	if !ok {
		h.t.Fatalf("mock agent %q not configured", name)
	}
	return ma
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// SubscribeEvents subscribes to the Redis event channel. The subscription
// is confirmed before the function returns.
func (h *TestHarness) SubscribeEvents() <-chan *redis.Message {
	h.t.Helper()
	ctx := context.Background()
	ps := h.redis.Subscribe(ctx, eventChannel)
	if _, err := ps.Receive(ctx); err != nil {
		h.t.Fatalf("subscribe %s: %v", eventChannel, err)
	}
	h.t.Cleanup(func() { ps.Close() })
	return ps.Channel()
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code and
// closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the error envelope code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
}

// StartWorkflow starts templateID for claimID and returns the view.
func (h *TestHarness) StartWorkflow(t *testing.T, token, templateID, claimID string) model.WorkflowView {
	t.Helper()
	var view model.WorkflowView
	resp := h.POST("/api/v1/workflows", map[string]any{
		"template_id": templateID,
		"claim_id":    claimID,
	}, token)
	h.AssertJSON(t, resp, http.StatusCreated, &view)
	return view
}

// --- Default test claims ---

// SpecialistClaims returns TestClaims for a billing specialist.
func SpecialistClaims() TestClaims {
	return TestClaims{ActorID: "user-specialist", Role: "billing_specialist", DisplayName: "Sam Specialist"}
}

// FrontDeskClaims returns TestClaims for a front desk user.
func FrontDeskClaims() TestClaims {
	return TestClaims{ActorID: "user-frontdesk", Role: "front_desk", DisplayName: "Fran Desk"}
}

// ManagerClaims returns TestClaims for a billing manager.
func ManagerClaims() TestClaims {
	return TestClaims{ActorID: "user-manager", Role: "billing_manager", DisplayName: "Mo Manager"}
}

// AdminClaims returns TestClaims for an administrator. The role is carried
// in the roles array only.
func AdminClaims() TestClaims {
	return TestClaims{ActorID: "user-admin", Roles: []string{"admin"}, DisplayName: "Ada Admin"}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
