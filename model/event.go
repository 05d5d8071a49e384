package model

import "time"

// StateChangedEvent is emitted after every successful instance mutation.
type StateChangedEvent struct {
	InstanceID  string    `json:"instance_id"`
	TemplateID  string    `json:"template_id"`
	ClaimID     string    `json:"claim_id"`
	Progress    int       `json:"progress"`
	CurrentStep string    `json:"current_step"`
	Status      string    `json:"status"`
	IsBlocked   bool      `json:"is_blocked"`
	BlockReason string    `json:"block_reason,omitempty"`
	AssignedTo  string    `json:"assigned_to,omitempty"`
	Version     int       `json:"version"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// NewStateChangedEvent builds the event for the given state.
func NewStateChangedEvent(s WorkflowState, at time.Time) StateChangedEvent {
	return StateChangedEvent{
		InstanceID:  s.ID,
		TemplateID:  s.TemplateID,
		ClaimID:     s.ClaimID,
		Progress:    s.Progress,
		CurrentStep: s.CurrentStep,
		Status:      s.Status,
		IsBlocked:   s.IsBlocked,
		BlockReason: s.BlockReason,
		AssignedTo:  s.AssignedTo,
		Version:     s.Version,
		OccurredAt:  at,
	}
}
