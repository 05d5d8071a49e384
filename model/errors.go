package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest        = "BAD_REQUEST"
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrForbidden         = "FORBIDDEN"
	ErrNotFound          = "NOT_FOUND"
	ErrConflict          = "CONFLICT"
	ErrValidationError   = "VALIDATION_ERROR"
	ErrInvalidTransition = "INVALID_TRANSITION"
	ErrInternalError     = "INTERNAL_ERROR"
)

// Workflow-specific error codes.
const (
	ErrTemplateNotFound      = "TEMPLATE_NOT_FOUND"
	ErrTemplateIntegrity     = "TEMPLATE_INTEGRITY"
	ErrInstanceNotFound      = "INSTANCE_NOT_FOUND"
	ErrStepNotActive         = "STEP_NOT_ACTIVE"
	ErrInsufficientRole      = "INSUFFICIENT_ROLE"
	ErrStepRequired          = "STEP_REQUIRED"
	ErrInstanceBlocked       = "INSTANCE_BLOCKED"
	ErrInstanceNotBlocked    = "INSTANCE_NOT_BLOCKED"
	ErrInstanceClosed        = "INSTANCE_CLOSED"
	ErrInvalidRecoveryAction = "INVALID_RECOVERY_ACTION"
)

// ErrorEnvelope is the standard error returned by the engine and written by
// the HTTP layer. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HasCode reports whether err (or anything it wraps) is an ErrorEnvelope
// with the given code.
func HasCode(err error, code string) bool {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(from, to string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidTransition,
		Message: fmt.Sprintf("cannot move workflow from %s to %s", from, to),
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewTemplateNotFoundError returns a TEMPLATE_NOT_FOUND error.
func NewTemplateNotFoundError(templateID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTemplateNotFound,
		Message: fmt.Sprintf("workflow template %q not found", templateID),
	}
}

// NewTemplateIntegrityError returns a TEMPLATE_INTEGRITY error carrying one
// detail per problem found in the template.
func NewTemplateIntegrityError(templateID string, details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTemplateIntegrity,
		Message: fmt.Sprintf("workflow template %q failed integrity validation", templateID),
		Details: details,
	}
}

// NewInstanceNotFoundError returns an INSTANCE_NOT_FOUND error.
func NewInstanceNotFoundError(instanceID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInstanceNotFound,
		Message: fmt.Sprintf("workflow instance %q not found", instanceID),
	}
}

// NewStepNotActiveError returns a STEP_NOT_ACTIVE error.
func NewStepNotActiveError(stepID, status string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStepNotActive,
		Message: fmt.Sprintf("step %q is %s, not active", stepID, status),
	}
}

// NewInsufficientRoleError returns an INSUFFICIENT_ROLE error.
func NewInsufficientRoleError(stepID, role string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInsufficientRole,
		Message: fmt.Sprintf("role %q may not act on step %q", role, stepID),
	}
}

// NewStepRequiredError returns a STEP_REQUIRED error.
func NewStepRequiredError(stepID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStepRequired,
		Message: fmt.Sprintf("step %q is required and cannot be skipped", stepID),
	}
}

// NewInstanceBlockedError returns an INSTANCE_BLOCKED error.
func NewInstanceBlockedError(instanceID, reason string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInstanceBlocked,
		Message: fmt.Sprintf("workflow instance %q is blocked (%s); recover it first", instanceID, reason),
	}
}

// NewInstanceNotBlockedError returns an INSTANCE_NOT_BLOCKED error.
func NewInstanceNotBlockedError(instanceID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInstanceNotBlocked,
		Message: fmt.Sprintf("workflow instance %q is not blocked", instanceID),
	}
}

// NewInstanceClosedError returns an INSTANCE_CLOSED error.
func NewInstanceClosedError(instanceID, status string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInstanceClosed,
		Message: fmt.Sprintf("workflow instance %q is %s", instanceID, status),
	}
}

// NewInvalidRecoveryActionError returns an INVALID_RECOVERY_ACTION error.
func NewInvalidRecoveryActionError(action string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidRecoveryAction,
		Message: fmt.Sprintf("unknown recovery action %q (expected retry, override or escalate)", action),
	}
}
