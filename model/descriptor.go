package model

// Step view statuses.
const (
	StepCompleted = "completed"
	StepActive    = "active"
	StepBlocked   = "blocked"
	StepSkipped   = "skipped"
)

// Recovery actions.
const (
	RecoverRetry    = "retry"
	RecoverOverride = "override"
	RecoverEscalate = "escalate"
)

// WorkflowView is the resolved instance returned to API callers.
type WorkflowView struct {
	WorkflowState
	TemplateName     string     `json:"template_name"`
	Steps            []StepView `json:"steps"`
	NextSteps        []string   `json:"next_steps"`
	RecoveryActions  []string   `json:"recovery_actions,omitempty"`
	RemainingMinutes int        `json:"remaining_minutes"`
}

// StepView is one step of a template with its status for an instance.
type StepView struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	Icon          string   `json:"icon,omitempty"`
	Type          string   `json:"type"`
	Status        string   `json:"status"`
	Required      bool     `json:"required"`
	RequiredRole  []string `json:"required_role,omitempty"`
	AgentInvolved string   `json:"agent_involved,omitempty"`
	EstimatedTime int      `json:"estimated_time"`
	Guidance      string   `json:"guidance,omitempty"`
}

// RecoveryRequest is the body of a recover call on a blocked instance.
type RecoveryRequest struct {
	Action  string         `json:"action"`
	Data    map[string]any `json:"data,omitempty"`
	Comment string         `json:"comment,omitempty"`
}

// WorkflowSummary is a lightweight representation of an instance used in
// list views.
type WorkflowSummary struct {
	ID          string `json:"id"`
	TemplateID  string `json:"template_id"`
	ClaimID     string `json:"claim_id"`
	Status      string `json:"status"`
	CurrentStep string `json:"current_step"`
	Progress    int    `json:"progress"`
	IsBlocked   bool   `json:"is_blocked"`
	AssignedTo  string `json:"assigned_to,omitempty"`
}

// Summary returns the list view of s.
func (s WorkflowState) Summary() WorkflowSummary {
	return WorkflowSummary{
		ID:          s.ID,
		TemplateID:  s.TemplateID,
		ClaimID:     s.ClaimID,
		Status:      s.Status,
		CurrentStep: s.CurrentStep,
		Progress:    s.Progress,
		IsBlocked:   s.IsBlocked,
		AssignedTo:  s.AssignedTo,
	}
}
