package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/rcmflow/model"
)

// MockAgent is an HTTP test server standing in for one remotely deployed
// agent. Responses are served in the order they were queued; the last one
// repeats once the queue is exhausted.
type MockAgent struct {
	t      *testing.T
	name   string
	server *httptest.Server

	mu        sync.Mutex
	responses []*mockResponse
	current   int
	received  []*RecordedInvocation
}

// RecordedInvocation captures one call made to the mock agent.
type RecordedInvocation struct {
	Headers    http.Header
	Input      model.AgentInput
	RawBody    []byte
	ReceivedAt time.Time
}

type mockResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
}

func newMockAgent(t *testing.T, name string) *MockAgent {
	t.Helper()
	ma := &MockAgent{t: t, name: name}
	ma.server = httptest.NewServer(http.HandlerFunc(ma.handle))
	t.Cleanup(ma.server.Close)
	return ma
}

// URL returns the invocation endpoint of the agent.
func (ma *MockAgent) URL() string {
	return ma.server.URL + "/invoke"
}

// Succeed queues a successful lambda-style result carrying data.
func (ma *MockAgent) Succeed(data map[string]any) *MockAgent {
	return ma.RespondWith(http.StatusOK, map[string]any{
		"success": true,
		"run_id":  "run-" + ma.name,
		"result":  data,
	})
}

// RespondWith queues a raw response.
func (ma *MockAgent) RespondWith(status int, body any) *MockAgent {
	ma.add(&mockResponse{status: status, body: body})
	return ma
}

// RespondWithError queues an error response with the given HTTP status.
func (ma *MockAgent) RespondWithError(status int, message string) *MockAgent {
	return ma.RespondWith(status, map[string]any{"error": message})
}

// RespondWithDelay queues a response that is written after delay.
func (ma *MockAgent) RespondWithDelay(delay time.Duration, status int, body any) *MockAgent {
	ma.add(&mockResponse{status: status, body: body, delay: delay})
	return ma
}

// RespondWithConnectionError queues a response that drops the connection.
func (ma *MockAgent) RespondWithConnectionError() *MockAgent {
	ma.add(&mockResponse{connError: true})
	return ma
}

func (ma *MockAgent) add(resp *mockResponse) {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	ma.responses = append(ma.responses, resp)
}

func (ma *MockAgent) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	rec := &RecordedInvocation{
		Headers:    r.Header.Clone(),
		RawBody:    body,
		ReceivedAt: time.Now(),
	}
	_ = json.Unmarshal(body, &rec.Input)

	ma.mu.Lock()
	ma.received = append(ma.received, rec)
	resp := ma.next()
	ma.mu.Unlock()

	if resp == nil {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"success": true, "result": map[string]any{}})
		return
	}

	if resp.connError {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, _ := hj.Hijack(); conn != nil {
				conn.Close()
			}
		}
		return
	}

	if resp.delay > 0 {
		select {
		case <-time.After(resp.delay):
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	if resp.body != nil {
		json.NewEncoder(w).Encode(resp.body)
	}
}

func (ma *MockAgent) next() *mockResponse {
	if len(ma.responses) == 0 {
		return nil
	}
	idx := ma.current
	if idx >= len(ma.responses) {
		idx = len(ma.responses) - 1
	} else {
		ma.current++
	}
	return ma.responses[idx]
}

// Calls returns the number of invocations received.
func (ma *MockAgent) Calls() int {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	return len(ma.received)
}

// AssertCalled verifies the agent was invoked the expected number of times.
func (ma *MockAgent) AssertCalled(t *testing.T, expected int) {
	t.Helper()
	if got := ma.Calls(); got != expected {
		t.Errorf("agent %s called %d times, want %d", ma.name, got, expected)
	}
}

// LastInvocation returns the most recent invocation, or nil.
func (ma *MockAgent) LastInvocation() *RecordedInvocation {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	if len(ma.received) == 0 {
		return nil
	}
	return ma.received[len(ma.received)-1]
}

// Invocations returns a copy of every recorded invocation.
func (ma *MockAgent) Invocations() []*RecordedInvocation {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	out := make([]*RecordedInvocation, len(ma.received))
	copy(out, ma.received)
	return out
}

// Reset clears queued responses and recorded invocations.
func (ma *MockAgent) Reset() {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	ma.responses = nil
	ma.current = 0
	ma.received = nil
}
