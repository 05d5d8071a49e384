package model

import (
	"context"
	"fmt"
)

// Agent result statuses.
const (
	AgentSuccess        = "success"
	AgentRetryableError = "retryable_error"
	AgentFatalError     = "fatal_error"
	AgentAuthError      = "auth_error"
)

// FailureClass groups agent failures by recovery policy.
type FailureClass string

const (
	FailureTransient  FailureClass = "transient"
	FailureValidation FailureClass = "validation"
	FailurePermission FailureClass = "permission"
)

// BlockReason maps a failure class to the block reason it produces.
func (c FailureClass) BlockReason() string {
	switch c {
	case FailureValidation:
		return BlockValidationFailed
	case FailurePermission:
		return BlockPermissionDenied
	default:
		return BlockAutomationExhausted
	}
}

// Agent is an external unit of automation invoked by automated steps. Each
// agent name corresponds to an agent_involved value in step definitions.
type Agent interface {
	Name() string
	Invoke(ctx context.Context, input AgentInput) (AgentResult, error)
}

// AgentInput is assembled by the engine from the instance and the claim
// snapshot.
type AgentInput struct {
	InstanceID  string                    `json:"instance_id"`
	TemplateID  string                    `json:"template_id"`
	ClaimID     string                    `json:"claim_id"`
	StepID      string                    `json:"step_id"`
	Attempt     int                       `json:"attempt"`
	Claim       map[string]any            `json:"claim"`
	Data        map[string]any            `json:"data"`
	StepResults map[string]map[string]any `json:"step_results,omitempty"`
}

// AgentResult is the response of an agent invocation.
type AgentResult struct {
	Status  string         `json:"status"`
	Data    map[string]any `json:"data,omitempty"`
	Message string         `json:"message,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
	// Extension holds agent-specific payload kept under the agent's name in
	// WorkflowMetadata.Extensions.
	Extension map[string]any `json:"extension,omitempty"`
}

// AgentError is returned by agent adapters for failures that happen before a
// result could be produced (bad input, transport failure).
type AgentError struct {
	Class   FailureClass
	Message string
	Err     error
}

func (e *AgentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *AgentError) Unwrap() error { return e.Err }

// NewAgentValidationError reports malformed agent input or output.
func NewAgentValidationError(msg string) *AgentError {
	return &AgentError{Class: FailureValidation, Message: msg}
}

// NewAgentTransientError reports a failure worth retrying.
func NewAgentTransientError(msg string, err error) *AgentError {
	return &AgentError{Class: FailureTransient, Message: msg, Err: err}
}

// NewAgentPermissionError reports an authorization failure at the agent.
func NewAgentPermissionError(msg string) *AgentError {
	return &AgentError{Class: FailurePermission, Message: msg}
}
