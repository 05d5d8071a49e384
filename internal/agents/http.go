// Package agents provides the concrete agents behind automated workflow
// steps: an HTTP adapter for remotely deployed agents and in-process
// development fakes that mirror their contracts.
package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pitabwire/rcmflow/internal/config"
	"github.com/pitabwire/rcmflow/internal/observability"
	"github.com/pitabwire/rcmflow/model"
)

const maxResponseBytes = 10 << 20

// HTTPAgent invokes a remote agent by POSTing the agent input as JSON.
type HTTPAgent struct {
	name   string
	url    string
	token  string
	client *http.Client
}

// NewHTTPAgent creates an agent that calls cfg.URL. A bearer token is read
// from the environment variable cfg.TokenEnv when set.
func NewHTTPAgent(name string, cfg config.AgentConfig, defaultTimeout time.Duration) *HTTPAgent {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var token string
	if cfg.TokenEnv != "" {
		token = os.Getenv(cfg.TokenEnv)
	}
	return &HTTPAgent{
		name:  name,
		url:   cfg.URL,
		token: token,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// Name implements model.Agent.
func (a *HTTPAgent) Name() string { return a.name }

// Invoke implements model.Agent.
func (a *HTTPAgent) Invoke(ctx context.Context, input model.AgentInput) (model.AgentResult, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return model.AgentResult{}, model.NewAgentValidationError(fmt.Sprintf("encode input: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return model.AgentResult{}, model.NewAgentValidationError(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Workflow-Instance", sanitizeHeader(input.InstanceID))
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+sanitizeHeader(a.token))
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := a.client.Do(req)
	if err != nil {
		if isTimeout(err) || ctx.Err() != nil {
			return model.AgentResult{}, model.NewAgentTransientError("agent request timed out", context.DeadlineExceeded)
		}
		return model.AgentResult{}, model.NewAgentTransientError("agent request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return model.AgentResult{}, model.NewAgentTransientError("read agent response", err)
	}
	return decodeResponse(resp.StatusCode, raw), nil
}

// lambdaEnvelope is the API Gateway proxy shape returned by Lambda-hosted
// agents. Body may be a JSON object or a string holding one.
type lambdaEnvelope struct {
	StatusCode int             `json:"statusCode"`
	Body       json.RawMessage `json:"body"`
}

type lambdaBody struct {
	Success bool           `json:"success"`
	RunID   string         `json:"run_id"`
	Result  map[string]any `json:"result"`
	Error   string         `json:"error"`
	Message string         `json:"message"`
}

// decodeResponse maps an HTTP response onto an AgentResult. The envelope
// status code, when present, takes precedence over the transport status.
func decodeResponse(httpStatus int, raw []byte) model.AgentResult {
	status := httpStatus
	payload := raw

	var env lambdaEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.StatusCode != 0 {
		status = env.StatusCode
		payload = unwrapBody(env.Body)
	}

	if status < 200 || status >= 300 {
		return model.AgentResult{Status: statusFor(status), Message: errorMessage(status, payload)}
	}

	var direct model.AgentResult
	if err := json.Unmarshal(payload, &direct); err == nil && direct.Status != "" {
		return direct
	}

	var body lambdaBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return model.AgentResult{Status: model.AgentFatalError, Message: "agent returned a malformed response"}
	}
	if !body.Success {
		msg := firstNonEmpty(body.Error, body.Message, "agent reported failure")
		return model.AgentResult{Status: model.AgentFatalError, Message: msg, RunID: body.RunID}
	}
	if body.Result == nil {
		// Bare result objects carry their fields at the top level.
		var flat map[string]any
		if err := json.Unmarshal(payload, &flat); err == nil {
			delete(flat, "success")
			delete(flat, "run_id")
			body.Result = flat
		}
	}
	return model.AgentResult{Status: model.AgentSuccess, Data: body.Result, RunID: body.RunID}
}

func unwrapBody(body json.RawMessage) []byte {
	var s string
	if err := json.Unmarshal(body, &s); err == nil {
		return []byte(s)
	}
	return body
}

func statusFor(code int) string {
	switch {
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity:
		return model.AgentFatalError
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return model.AgentAuthError
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return model.AgentRetryableError
	default:
		return model.AgentFatalError
	}
}

func errorMessage(code int, payload []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &body); err == nil {
		if msg := firstNonEmpty(body.Message, body.Error); msg != "" {
			return msg
		}
	}
	return fmt.Sprintf("agent responded with HTTP %d", code)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
