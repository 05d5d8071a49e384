package agents

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/rcmflow/internal/automation"
	"github.com/pitabwire/rcmflow/internal/config"
	"github.com/pitabwire/rcmflow/model"
)

func TestHTTPAgent_statusMapping(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		body   string
		status string
		msg    string
	}{
		{"direct success", 200, `{"status":"success","data":{"cpt_codes":["99213"]}}`, model.AgentSuccess, ""},
		{"direct retryable", 200, `{"status":"retryable_error","message":"model busy"}`, model.AgentRetryableError, "model busy"},
		{"bad request", 400, `{"error":"Missing required field: claimData"}`, model.AgentFatalError, "Missing required field: claimData"},
		{"unprocessable", 422, `{}`, model.AgentFatalError, "agent responded with HTTP 422"},
		{"unauthorized", 401, ``, model.AgentAuthError, "agent responded with HTTP 401"},
		{"forbidden", 403, `{"message":"scope missing"}`, model.AgentAuthError, "scope missing"},
		{"request timeout", 408, ``, model.AgentRetryableError, ""},
		{"throttled", 429, ``, model.AgentRetryableError, ""},
		{"server error", 503, ``, model.AgentRetryableError, ""},
		{"envelope failure", 200, `{"statusCode":500,"body":"{\"error\":\"CodingAgent execution failed\"}"}`, model.AgentRetryableError, "CodingAgent execution failed"},
		{"envelope validation", 200, `{"statusCode":400,"body":{"error":"Missing claim ID"}}`, model.AgentFatalError, "Missing claim ID"},
		{"not success", 200, `{"success":false,"error":"AI coding failed"}`, model.AgentFatalError, "AI coding failed"},
		{"malformed", 200, `not json`, model.AgentFatalError, "agent returned a malformed response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			agent := NewHTTPAgent("coding-agent", config.AgentConfig{URL: srv.URL}, time.Second)
			res, err := agent.Invoke(context.Background(), model.AgentInput{InstanceID: "wf-1"})

			require.NoError(t, err)
			assert.Equal(t, tt.status, res.Status)
			if tt.msg != "" {
				assert.Equal(t, tt.msg, res.Message)
			}
		})
	}
}

func TestHTTPAgent_lambdaEnvelopeSuccess(t *testing.T) {
	var got model.AgentInput
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		body, _ := json.Marshal(map[string]any{
			"success": true,
			"run_id":  "run-42",
			"result":  map[string]any{"denial_category": "coding_error"},
		})
		_ = json.NewEncoder(w).Encode(map[string]any{"statusCode": 200, "body": string(body)})
	}))
	defer srv.Close()

	t.Setenv("TEST_AGENT_TOKEN", "s3cret")
	agent := NewHTTPAgent("denial-classifier-agent", config.AgentConfig{URL: srv.URL, TokenEnv: "TEST_AGENT_TOKEN"}, time.Second)
	res, err := agent.Invoke(context.Background(), model.AgentInput{
		InstanceID: "wf-9",
		StepID:     "denial-classification",
		Attempt:    2,
		Claim:      map[string]any{"claimId": "CLM-1"},
	})

	require.NoError(t, err)
	assert.Equal(t, model.AgentSuccess, res.Status)
	assert.Equal(t, "run-42", res.RunID)
	assert.Equal(t, "coding_error", res.Data["denial_category"])
	assert.Equal(t, "Bearer s3cret", auth)
	assert.Equal(t, "wf-9", got.InstanceID)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, "CLM-1", got.Claim["claimId"])
}

func TestHTTPAgent_bareLambdaResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"statusCode":200,"body":"{\"success\":true,\"cpt_codes\":[\"99213\"]}"}`))
	}))
	defer srv.Close()

	agent := NewHTTPAgent("coding-agent", config.AgentConfig{URL: srv.URL}, time.Second)
	res, err := agent.Invoke(context.Background(), model.AgentInput{})

	require.NoError(t, err)
	assert.Equal(t, model.AgentSuccess, res.Status)
	assert.Equal(t, []any{"99213"}, res.Data["cpt_codes"])
	assert.NotContains(t, res.Data, "success")
}

func TestHTTPAgent_timeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	agent := NewHTTPAgent("coding-agent", config.AgentConfig{URL: srv.URL, Timeout: 20 * time.Millisecond}, time.Second)
	_, err := agent.Invoke(context.Background(), model.AgentInput{})

	var ae *model.AgentError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, model.FailureTransient, ae.Class)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestHTTPAgent_connectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	agent := NewHTTPAgent("coding-agent", config.AgentConfig{URL: url}, time.Second)
	_, err := agent.Invoke(context.Background(), model.AgentInput{})

	var ae *model.AgentError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, model.FailureTransient, ae.Class)
}

func TestFakeAgents_validation(t *testing.T) {
	tests := []struct {
		agent string
		input model.AgentInput
		msg   string
	}{
		{ClaimSubmissionAgent, model.AgentInput{}, "missing required field: claimData"},
		{ClaimSubmissionAgent, model.AgentInput{Data: map[string]any{"claimData": map[string]any{
			"claimId": "C1", "patientId": "P1", "providerId": "PR1",
		}}}, "missing required claim field: serviceDate"},
		{ClaimSubmissionAgent, model.AgentInput{Claim: map[string]any{
			"claimId": "C1", "patientId": "P1", "providerId": "PR1", "serviceDate": "2026-01-15",
		}}, "at least one service must be provided"},
		{DenialClassifierAgent, model.AgentInput{Data: map[string]any{"denialData": map[string]any{"claimId": "C1"}}}, "missing denial reason"},
		{DenialClassifierAgent, model.AgentInput{Data: map[string]any{"denialData": map[string]any{"denialReason": "CO-16"}}}, "missing claim ID"},
		{AppealLetterAgent, model.AgentInput{}, "missing required field: appealData"},
		{AppealLetterAgent, model.AgentInput{Data: map[string]any{"appealData": map[string]any{"claimId": "C1"}}}, "missing denial reason"},
	}
	fakes := fakesByName()
	for _, tt := range tests {
		t.Run(tt.agent+"/"+tt.msg, func(t *testing.T) {
			_, err := fakes[tt.agent].Invoke(context.Background(), tt.input)
			var ae *model.AgentError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, model.FailureValidation, ae.Class)
			assert.Equal(t, tt.msg, ae.Message)
		})
	}
}

func TestFakeAgents_results(t *testing.T) {
	fakes := fakesByName()
	ctx := context.Background()

	res, err := fakes[CodingAgent].Invoke(ctx, model.AgentInput{})
	require.NoError(t, err)
	assert.Equal(t, model.AgentSuccess, res.Status)
	assert.Len(t, res.Data["cpt_codes"], 2)
	assert.Equal(t, "development_mock", res.Data["model_used"])
	assert.Equal(t, true, res.Data["development_mode"])

	res, err = fakes[EligibilityAgent].Invoke(ctx, model.AgentInput{})
	require.NoError(t, err)
	assert.Equal(t, "active", res.Data["eligibility_status"])
	assert.Equal(t, false, res.Data["eligibilityIssues"])

	res, err = fakes[EligibilityAgent].Invoke(ctx, model.AgentInput{Claim: map[string]any{
		"insurance": map[string]any{"status": "inactive", "priorAuthorization": true},
	}})
	require.NoError(t, err)
	assert.Equal(t, true, res.Data["eligibilityIssues"])
	assert.Equal(t, true, res.Data["authorization_required"])

	res, err = fakes[ClaimSubmissionAgent].Invoke(ctx, model.AgentInput{Claim: map[string]any{
		"claimId": "CLM-7", "patientId": "P1", "providerId": "PR1", "serviceDate": "2026-01-15",
		"services": []any{map[string]any{"cpt": "99213"}},
	}})
	require.NoError(t, err)
	assert.Equal(t, "BATCH-DEV-CLM-7", res.Data["claimmd_batch_id"])
	assert.Equal(t, "TRK-DEV-CLM-7", res.Data["tracking_number"])
	assert.Equal(t, "submitted", res.Data["submission_status"])

	res, err = fakes[DenialClassifierAgent].Invoke(ctx, model.AgentInput{Data: map[string]any{
		"denialData": map[string]any{"claimId": "CLM-7", "denialReason": "CO-16"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "coding_error", res.Data["denial_category"])
	assert.Equal(t, 0.92, res.Data["confidence"])

	res, err = fakes[AppealLetterAgent].Invoke(ctx, model.AgentInput{Data: map[string]any{
		"appealData": map[string]any{"claimId": "CLM-7", "denialReason": "CO-16"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "APPEAL-DEV-CLM-7", res.Data["appeal_id"])
	assert.Contains(t, res.Data["appeal_letter"], "Claim #CLM-7")
}

func TestFakeAgent_cancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fakesByName()[CodingAgent].Invoke(ctx, model.AgentInput{})
	var ae *model.AgentError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, model.FailureTransient, ae.Class)
}

func TestBuild(t *testing.T) {
	t.Run("development registers every fake", func(t *testing.T) {
		reg := automation.NewRegistry()
		require.NoError(t, Build(config.AgentsConfig{Mode: config.AgentsDevelopment}, reg))
		assert.Equal(t, []string{
			AppealLetterAgent, ClaimSubmissionAgent, CodingAgent, DenialClassifierAgent, EligibilityAgent,
		}, reg.Names())
	})

	t.Run("development with remote override", func(t *testing.T) {
		reg := automation.NewRegistry()
		err := Build(config.AgentsConfig{
			Mode:      config.AgentsDevelopment,
			Endpoints: map[string]config.AgentConfig{CodingAgent: {URL: "http://localhost:9/coding"}},
		}, reg)
		require.NoError(t, err)
		a, ok := reg.Get(CodingAgent)
		require.True(t, ok)
		assert.IsType(t, &HTTPAgent{}, a)
		assert.Len(t, reg.Names(), 5)
	})

	t.Run("http registers only endpoints", func(t *testing.T) {
		reg := automation.NewRegistry()
		err := Build(config.AgentsConfig{
			Mode:      config.AgentsHTTP,
			Endpoints: map[string]config.AgentConfig{EligibilityAgent: {URL: "http://localhost:9/elig"}},
		}, reg)
		require.NoError(t, err)
		assert.Equal(t, []string{EligibilityAgent}, reg.Names())
	})

	t.Run("http endpoint without url", func(t *testing.T) {
		err := Build(config.AgentsConfig{
			Mode:      config.AgentsHTTP,
			Endpoints: map[string]config.AgentConfig{EligibilityAgent: {}},
		}, automation.NewRegistry())
		assert.Error(t, err)
	})

	t.Run("unknown mode", func(t *testing.T) {
		assert.Error(t, Build(config.AgentsConfig{Mode: "lambda"}, automation.NewRegistry()))
	})
}

func fakesByName() map[string]*FakeAgent {
	m := make(map[string]*FakeAgent)
	for _, f := range DevelopmentAgents() {
		m[f.Name()] = f
	}
	return m
}
