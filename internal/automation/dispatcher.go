package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/rcmflow/internal/config"
	"github.com/pitabwire/rcmflow/internal/observability"
	"github.com/pitabwire/rcmflow/model"
)

// Run ledger outcomes that are not agent result statuses.
const (
	OutcomeCircuitOpen     = "circuit_open"
	OutcomeTimeout         = "timeout"
	OutcomeSchemaViolation = "schema_violation"
	OutcomeUnregistered    = "unregistered"
	OutcomeAdapterError    = "adapter_error"
)

// Outcome is the final result of dispatching one automated step.
type Outcome struct {
	Agent  string
	Result model.AgentResult
	// Class is empty on success.
	Class   model.FailureClass
	Message string
	// Runs holds one ledger entry per attempt, in order.
	Runs []model.AgentRun
}

// Succeeded reports whether the agent produced an accepted result.
func (o Outcome) Succeeded() bool { return o.Class == "" }

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics records agent metrics on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithOutputSchemas validates successful results of the named agents.
func WithOutputSchemas(schemas map[string]*openapi3.Schema) Option {
	return func(d *Dispatcher) { d.schemas = schemas }
}

// WithAttemptTimeout bounds each individual agent invocation.
func WithAttemptTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.attemptTimeout = timeout }
}

// Dispatcher invokes agents with per-agent circuit breakers and bounded
// retries. It is safe for concurrent use.
type Dispatcher struct {
	registry       *Registry
	retry          config.RetryConfig
	breakerCfg     config.CircuitBreakerConfig
	schemas        map[string]*openapi3.Schema
	attemptTimeout time.Duration
	metrics        *observability.Metrics
	logger         *zap.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a dispatcher over the agents in registry.
func NewDispatcher(registry *Registry, cfg config.AutomationConfig, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:   registry,
		retry:      cfg.Retry,
		breakerCfg: cfg.CircuitBreaker,
		logger:     zap.NewNop(),
		breakers:   make(map[string]*Breaker),
		now:        time.Now,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Agents returns the names of the registered agents.
func (d *Dispatcher) Agents() []string {
	return d.registry.Names()
}

// BreakerState returns the circuit state of the named agent.
func (d *Dispatcher) BreakerState(agentName string) BreakerState {
	return d.breaker(agentName).State()
}

// Dispatch runs agentName for input until it succeeds, fails with a
// non-transient class, or runs out of attempts. input.Attempt carries the
// number of earlier attempts for the same step; each new attempt is numbered
// after it. Dispatch never returns an error: every failure is expressed as a
// classified Outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, agentName string, input model.AgentInput) Outcome {
	ctx, span := observability.StartSpan(ctx, "automation.dispatch",
		observability.AttrAgent.String(agentName),
		observability.AttrInstanceID.String(input.InstanceID),
		observability.AttrStepID.String(input.StepID),
	)
	defer span.End()

	out := Outcome{Agent: agentName}

	agent, ok := d.registry.Get(agentName)
	if !ok {
		out.Class = model.FailureValidation
		out.Message = fmt.Sprintf("agent %q is not registered", agentName)
		out.Runs = append(out.Runs, model.AgentRun{
			RunID:     uuid.NewString(),
			Agent:     agentName,
			StepID:    input.StepID,
			Attempt:   input.Attempt + 1,
			Outcome:   OutcomeUnregistered,
			Message:   out.Message,
			StartedAt: d.now(),
		})
		span.SetAttributes(observability.AttrOutcome.String(string(out.Class)))
		return out
	}

	breaker := d.breaker(agentName)
	maxAttempts := d.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			d.metrics.RecordAgentRetry(agentName)
			if err := d.sleep(ctx, calculateBackoff(d.retry, attempt-1)); err != nil {
				out.Class = model.FailureTransient
				out.Message = fmt.Sprintf("dispatch interrupted: %v", err)
				break
			}
		}

		in := input
		in.Attempt = input.Attempt + attempt
		res, class, msg, run := d.invokeOnce(ctx, agent, breaker, in)
		out.Runs = append(out.Runs, run)

		if class == "" {
			out.Result = res
			out.Class = ""
			out.Message = ""
			span.SetAttributes(observability.AttrOutcome.String(model.AgentSuccess))
			return out
		}
		out.Class = class
		out.Message = msg

		if class != model.FailureTransient {
			break
		}
		d.logger.Debug("automation: retrying agent",
			zap.String("agent", agentName),
			zap.String("instance_id", input.InstanceID),
			zap.String("step_id", input.StepID),
			zap.Int("attempt", attempt),
			zap.Int("max", maxAttempts),
			zap.String("message", msg),
		)
	}

	d.logger.Warn("automation: agent failed",
		zap.String("agent", agentName),
		zap.String("instance_id", input.InstanceID),
		zap.String("step_id", input.StepID),
		zap.String("class", string(out.Class)),
		zap.Int("attempts", len(out.Runs)),
		zap.String("message", out.Message),
	)
	span.SetAttributes(observability.AttrOutcome.String(string(out.Class)))
	return out
}

// invokeOnce performs a single invocation with circuit breaker protection and
// classifies its result.
func (d *Dispatcher) invokeOnce(
	ctx context.Context,
	agent model.Agent,
	breaker *Breaker,
	in model.AgentInput,
) (model.AgentResult, model.FailureClass, string, model.AgentRun) {
	run := model.AgentRun{
		RunID:     uuid.NewString(),
		Agent:     agent.Name(),
		StepID:    in.StepID,
		Attempt:   in.Attempt,
		StartedAt: d.now(),
	}

	ctx, span := observability.StartSpan(ctx, "agent.invoke",
		observability.AttrAgent.String(agent.Name()),
		observability.AttrAttempt.Int(in.Attempt),
	)
	finish := func(outcome, msg string) model.AgentRun {
		run.Outcome = outcome
		run.Message = msg
		elapsed := d.now().Sub(run.StartedAt)
		run.DurationMs = elapsed.Milliseconds()
		d.metrics.RecordAgentInvocation(agent.Name(), outcome, elapsed)
		span.SetAttributes(attribute.String("rcmflow.run_outcome", outcome))
		span.End()
		return run
	}

	if err := breaker.Allow(); err != nil {
		return model.AgentResult{}, model.FailureTransient,
			fmt.Sprintf("agent %s unavailable: circuit open", agent.Name()),
			finish(OutcomeCircuitOpen, err.Error())
	}

	if d.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.attemptTimeout)
		defer cancel()
	}

	res, err := agent.Invoke(ctx, in)
	if err != nil {
		class, outcome := classifyError(err)
		if class == model.FailureTransient {
			breaker.RecordFailure()
		}
		return model.AgentResult{}, class, err.Error(), finish(outcome, err.Error())
	}
	if res.RunID != "" {
		run.RunID = res.RunID
	}

	switch res.Status {
	case model.AgentSuccess:
		breaker.RecordSuccess()
		if schema := d.schemas[agent.Name()]; schema != nil {
			if err := validateOutput(schema, res.Data); err != nil {
				msg := fmt.Sprintf("agent %s output rejected: %v", agent.Name(), err)
				return model.AgentResult{}, model.FailureValidation, msg, finish(OutcomeSchemaViolation, msg)
			}
		}
		return res, "", "", finish(model.AgentSuccess, res.Message)
	case model.AgentRetryableError:
		breaker.RecordFailure()
		return res, model.FailureTransient, resultMessage(res), finish(res.Status, res.Message)
	case model.AgentFatalError:
		breaker.RecordSuccess()
		return res, model.FailureValidation, resultMessage(res), finish(res.Status, res.Message)
	case model.AgentAuthError:
		breaker.RecordSuccess()
		return res, model.FailurePermission, resultMessage(res), finish(res.Status, res.Message)
	default:
		breaker.RecordFailure()
		msg := fmt.Sprintf("agent %s returned unknown status %q", agent.Name(), res.Status)
		return res, model.FailureTransient, msg, finish(OutcomeAdapterError, msg)
	}
}

func (d *Dispatcher) breaker(agentName string) *Breaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.breakers[agentName]
	if !ok {
		b = NewBreaker(d.breakerCfg)
		b.now = d.now
		metrics := d.metrics
		logger := d.logger
		b.OnChange(func(s BreakerState) {
			metrics.SetAgentCircuitState(agentName, float64(s))
			logger.Info("automation: circuit state changed",
				zap.String("agent", agentName),
				zap.String("state", s.String()),
			)
		})
		d.breakers[agentName] = b
	}
	return b
}

// classifyError maps an adapter error to a failure class and ledger outcome.
func classifyError(err error) (model.FailureClass, string) {
	var ae *model.AgentError
	if errors.As(err, &ae) {
		if errors.Is(ae.Err, context.DeadlineExceeded) {
			return ae.Class, OutcomeTimeout
		}
		return ae.Class, OutcomeAdapterError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.FailureTransient, OutcomeTimeout
	}
	return model.FailureTransient, OutcomeAdapterError
}

func resultMessage(res model.AgentResult) string {
	if res.Message != "" {
		return res.Message
	}
	return "agent returned " + res.Status
}

// calculateBackoff returns the wait before retry number attempt (1-based):
// BackoffInitial * BackoffMultiplier^(attempt-1), capped at BackoffMax.
func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 200 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	if delay > cfg.BackoffMax {
		delay = cfg.BackoffMax
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
