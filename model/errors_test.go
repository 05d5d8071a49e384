package model

import (
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrInstanceNotFound, Message: "workflow instance \"wf-1\" not found"}
	want := `INSTANCE_NOT_FOUND: workflow instance "wf-1" not found`
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestHasCode(t *testing.T) {
	base := NewStepNotActiveError("coding-review", "blocked")
	wrapped := fmt.Errorf("complete step: %w", base)

	if !HasCode(base, ErrStepNotActive) {
		t.Error("HasCode(base) = false")
	}
	if !HasCode(wrapped, ErrStepNotActive) {
		t.Error("HasCode(wrapped) = false")
	}
	if HasCode(wrapped, ErrInsufficientRole) {
		t.Error("HasCode(wrapped, INSUFFICIENT_ROLE) = true")
	}
	if HasCode(fmt.Errorf("plain"), ErrStepNotActive) {
		t.Error("HasCode(plain error) = true")
	}
	if HasCode(nil, ErrStepNotActive) {
		t.Error("HasCode(nil) = true")
	}
}

func TestWorkflowErrorConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  *ErrorEnvelope
		code string
	}{
		{"template not found", NewTemplateNotFoundError("denial-appeal"), ErrTemplateNotFound},
		{"template integrity", NewTemplateIntegrityError("broken", nil), ErrTemplateIntegrity},
		{"instance not found", NewInstanceNotFoundError("wf-1"), ErrInstanceNotFound},
		{"step not active", NewStepNotActiveError("b", "blocked"), ErrStepNotActive},
		{"insufficient role", NewInsufficientRoleError("approve", "coder"), ErrInsufficientRole},
		{"step required", NewStepRequiredError("submit"), ErrStepRequired},
		{"instance blocked", NewInstanceBlockedError("wf-1", "automation_exhausted"), ErrInstanceBlocked},
		{"instance not blocked", NewInstanceNotBlockedError("wf-1"), ErrInstanceNotBlocked},
		{"instance closed", NewInstanceClosedError("wf-1", "abandoned"), ErrInstanceClosed},
		{"invalid recovery", NewInvalidRecoveryActionError("pray"), ErrInvalidRecoveryAction},
		{"invalid transition", NewInvalidTransitionError("completed", "running"), ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
			if tt.err.Message == "" {
				t.Error("Message is empty")
			}
		})
	}
}

func TestNewTemplateIntegrityError_details(t *testing.T) {
	details := []FieldError{
		{Field: "steps[1].dependencies", Code: "DANGLING_DEPENDENCY", Message: "unknown step \"x\""},
	}
	e := NewTemplateIntegrityError("broken", details)
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Code != "DANGLING_DEPENDENCY" {
		t.Errorf("Details[0].Code = %q", e.Details[0].Code)
	}
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "claimId", Code: "REQUIRED", Message: "claimId is required"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if e.Details[0].Field != "claimId" {
		t.Errorf("Details[0].Field = %q, want %q", e.Details[0].Field, "claimId")
	}
}
