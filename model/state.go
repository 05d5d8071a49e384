package model

import (
	"slices"
	"time"
)

// Workflow instance status constants.
const (
	StatusNotStarted = "not_started"
	StatusRunning    = "running"
	StatusBlocked    = "blocked"
	StatusCompleted  = "completed"
	StatusAbandoned  = "abandoned"
)

// CurrentStepCompleted is the terminal sentinel stored in CurrentStep once no
// applicable step remains incomplete.
const CurrentStepCompleted = "completed"

// Block reasons.
const (
	BlockAutomationExhausted = "automation_exhausted"
	BlockValidationFailed    = "validation_failed"
	BlockPermissionDenied    = "permission_denied"
	BlockManualHold          = "manual_hold"
)

// Audit actions recorded in WorkflowMetadata.UserInteractions.
const (
	ActionStarted             = "started"
	ActionCompleted           = "completed"
	ActionSkipped             = "skipped"
	ActionOverridden          = "overridden"
	ActionRetried             = "retried"
	ActionEscalated           = "escalated"
	ActionBlocked             = "blocked"
	ActionAbandoned           = "abandoned"
	ActionAutomationSucceeded = "automation_succeeded"
)

// MetadataSchemaVersion is the current WorkflowMetadata layout version.
const MetadataSchemaVersion = 1

var transitions = map[string][]string{
	StatusNotStarted: {StatusRunning},
	StatusRunning:    {StatusBlocked, StatusCompleted, StatusAbandoned},
	StatusBlocked:    {StatusRunning, StatusAbandoned},
}

// CanTransition reports whether an instance may move from one status to
// another. Staying in the same status is always allowed.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	return slices.Contains(transitions[from], to)
}

// IsTerminal reports whether status admits no further mutation.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusAbandoned
}

// WorkflowState is one instance of a template in execution.
type WorkflowState struct {
	ID                  string           `json:"id"`
	ClaimID             string           `json:"claim_id"`
	TemplateID          string           `json:"template_id"`
	Status              string           `json:"status"`
	CompletedSteps      []string         `json:"completed_steps"`
	CurrentStep         string           `json:"current_step"`
	Progress            int              `json:"progress"`
	IsBlocked           bool             `json:"is_blocked"`
	BlockReason         string           `json:"block_reason,omitempty"`
	BlockedStep         string           `json:"blocked_step,omitempty"`
	BlockMessage        string           `json:"block_message,omitempty"`
	AssignedTo          string           `json:"assigned_to,omitempty"`
	Metadata            WorkflowMetadata `json:"metadata"`
	StartedAt           time.Time        `json:"started_at"`
	LastActivity        time.Time        `json:"last_activity"`
	EstimatedCompletion time.Time        `json:"estimated_completion"`
	CompletedAt         *time.Time       `json:"completed_at,omitempty"`
	Version             int              `json:"version"`

	// DispatchingStep names the automated step whose agent call is in
	// flight, claimed at DispatchStartedAt.
	DispatchingStep   string     `json:"dispatching_step,omitempty"`
	DispatchStartedAt *time.Time `json:"dispatch_started_at,omitempty"`
}

// HasCompleted reports whether stepID is in the completed set.
func (s *WorkflowState) HasCompleted(stepID string) bool {
	return slices.Contains(s.CompletedSteps, stepID)
}

// CompletedSet returns the completed steps as a set.
func (s *WorkflowState) CompletedSet() map[string]bool {
	set := make(map[string]bool, len(s.CompletedSteps))
	for _, id := range s.CompletedSteps {
		set[id] = true
	}
	return set
}

// DispatchHeld reports whether an agent call claimed at DispatchStartedAt
// is still within lease at now.
func (s *WorkflowState) DispatchHeld(now time.Time, lease time.Duration) bool {
	if s.DispatchingStep == "" || s.DispatchStartedAt == nil {
		return false
	}
	return now.Before(s.DispatchStartedAt.Add(lease))
}

// ClearDispatch drops the in-flight marker when it belongs to stepID.
func (s *WorkflowState) ClearDispatch(stepID string) {
	if s.DispatchingStep != stepID {
		return
	}
	s.DispatchingStep = ""
	s.DispatchStartedAt = nil
}

// Block marks the instance blocked on stepID.
func (s *WorkflowState) Block(stepID, reason, message string) {
	s.Status = StatusBlocked
	s.IsBlocked = true
	s.BlockReason = reason
	s.BlockedStep = stepID
	s.BlockMessage = message
}

// Unblock clears the blocked fields and resumes the instance.
func (s *WorkflowState) Unblock() {
	s.Status = StatusRunning
	s.IsBlocked = false
	s.BlockReason = ""
	s.BlockedStep = ""
	s.BlockMessage = ""
}

// AppendInteraction adds an audit entry.
func (s *WorkflowState) AppendInteraction(ui UserInteraction) {
	s.Metadata.UserInteractions = append(s.Metadata.UserInteractions, ui)
}

// Clone returns a deep copy of the state. Stores hand out clones so callers
// never share maps or slices with the stored instance.
func (s WorkflowState) Clone() WorkflowState {
	c := s
	c.CompletedSteps = slices.Clone(s.CompletedSteps)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	if s.DispatchStartedAt != nil {
		t := *s.DispatchStartedAt
		c.DispatchStartedAt = &t
	}
	c.Metadata = s.Metadata.Clone()
	return c
}

// WorkflowMetadata is the structured, versioned metadata of an instance.
type WorkflowMetadata struct {
	SchemaVersion    int                       `json:"schema_version"`
	UserInteractions []UserInteraction         `json:"user_interactions"`
	Data             map[string]any            `json:"data,omitempty"`
	StepResults      map[string]map[string]any `json:"step_results,omitempty"`
	AgentRuns        []AgentRun                `json:"agent_runs,omitempty"`
	Extensions       map[string]any            `json:"extensions,omitempty"`
}

// NewWorkflowMetadata returns empty metadata at the current schema version.
func NewWorkflowMetadata() WorkflowMetadata {
	return WorkflowMetadata{
		SchemaVersion:    MetadataSchemaVersion,
		UserInteractions: []UserInteraction{},
		Data:             map[string]any{},
		StepResults:      map[string]map[string]any{},
	}
}

// MergeData merges result into the working data, later values winning.
func (m *WorkflowMetadata) MergeData(result map[string]any) {
	if len(result) == 0 {
		return
	}
	if m.Data == nil {
		m.Data = make(map[string]any, len(result))
	}
	for k, v := range result {
		m.Data[k] = CloneValue(v)
	}
}

// RecordStepResult stores the result of stepID and merges it into the
// working data.
func (m *WorkflowMetadata) RecordStepResult(stepID string, result map[string]any) {
	if m.StepResults == nil {
		m.StepResults = make(map[string]map[string]any)
	}
	m.StepResults[stepID] = CloneMap(result)
	m.MergeData(result)
}

// Clone returns a deep copy of the metadata.
func (m WorkflowMetadata) Clone() WorkflowMetadata {
	c := m
	c.UserInteractions = make([]UserInteraction, len(m.UserInteractions))
	for i, ui := range m.UserInteractions {
		ui.Data = CloneMap(ui.Data)
		c.UserInteractions[i] = ui
	}
	c.Data = CloneMap(m.Data)
	if m.StepResults != nil {
		c.StepResults = make(map[string]map[string]any, len(m.StepResults))
		for k, v := range m.StepResults {
			c.StepResults[k] = CloneMap(v)
		}
	}
	c.AgentRuns = slices.Clone(m.AgentRuns)
	c.Extensions = CloneMap(m.Extensions)
	return c
}

// UserInteraction is one audit trail entry.
type UserInteraction struct {
	StepID    string         `json:"step_id,omitempty"`
	Action    string         `json:"action"`
	ActorID   string         `json:"actor_id"`
	Role      string         `json:"role"`
	Timestamp time.Time      `json:"timestamp"`
	Comment   string         `json:"comment,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// AgentRun is one agent invocation attempt.
type AgentRun struct {
	RunID      string    `json:"run_id"`
	Agent      string    `json:"agent"`
	StepID     string    `json:"step_id"`
	Attempt    int       `json:"attempt"`
	Outcome    string    `json:"outcome"`
	Message    string    `json:"message,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
}

// WorkflowFilters describes filters for listing workflow instances.
type WorkflowFilters struct {
	Status     string `json:"status,omitempty"`
	TemplateID string `json:"template_id,omitempty"`
	ClaimID    string `json:"claim_id,omitempty"`
	AssignedTo string `json:"assigned_to,omitempty"`
	Page       int    `json:"page"`
	PageSize   int    `json:"page_size"`
}

// CloneMap deep-copies a JSON-like map.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = CloneValue(v)
	}
	return c
}

// CloneValue deep-copies nested maps and slices; other values are returned
// as is.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		c := make([]any, len(t))
		for i, e := range t {
			c[i] = CloneValue(e)
		}
		return c
	case []string:
		return slices.Clone(t)
	default:
		return v
	}
}
