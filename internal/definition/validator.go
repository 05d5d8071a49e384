package definition

import (
	"fmt"
	"strings"

	"github.com/pitabwire/rcmflow/internal/condition"
	"github.com/pitabwire/rcmflow/model"
)

// Validation error codes.
const (
	CodeRequired           = "REQUIRED"
	CodeInvalidEnum        = "INVALID_ENUM"
	CodeDuplicateID        = "DUPLICATE_ID"
	CodeDanglingDependency = "DANGLING_DEPENDENCY"
	CodeSelfDependency     = "SELF_DEPENDENCY"
	CodeCycle              = "CYCLE"
	CodeUnexpectedAgent    = "UNEXPECTED_AGENT"
	CodeInvalidCondition   = "INVALID_CONDITION"
	CodeNegativeEstimate   = "NEGATIVE_ESTIMATE"
)

// VError describes a single validation error in a template.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks template structure and step graph integrity.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks every template, prefixing paths with the template index.
func (v *Validator) Validate(templates []model.WorkflowTemplate) []VError {
	var errs []VError
	for i, t := range templates {
		errs = append(errs, v.validateTemplate(fmt.Sprintf("templates[%d]", i), t)...)
	}
	return errs
}

// ValidateTemplate checks a single template.
func (v *Validator) ValidateTemplate(t model.WorkflowTemplate) []VError {
	return v.validateTemplate(t.ID, t)
}

func (v *Validator) validateTemplate(prefix string, t model.WorkflowTemplate) []VError {
	var errs []VError

	if t.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: CodeRequired, Message: "id is required"})
	}
	if t.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: CodeRequired, Message: "name is required"})
	}
	if len(t.Steps) == 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: CodeRequired, Message: "at least one step is required"})
		return errs
	}

	stepIDs := make(map[string]bool, len(t.Steps))
	for i, s := range t.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		if s.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: CodeRequired, Message: "step id is required"})
		} else if stepIDs[s.ID] {
			errs = append(errs, VError{Path: sp + ".id", Code: CodeDuplicateID, Message: fmt.Sprintf("duplicate step id %q", s.ID)})
		}
		stepIDs[s.ID] = true
		errs = append(errs, v.validateStep(sp, s)...)
	}

	// Referential checks need the full id set.
	for i, s := range t.Steps {
		sp := fmt.Sprintf("%s.steps[%d].dependencies", prefix, i)
		for _, dep := range s.Dependencies {
			switch {
			case dep == s.ID:
				errs = append(errs, VError{Path: sp, Code: CodeSelfDependency, Message: fmt.Sprintf("step %q depends on itself", s.ID)})
			case !stepIDs[dep]:
				errs = append(errs, VError{Path: sp, Code: CodeDanglingDependency, Message: fmt.Sprintf("step %q depends on unknown step %q", s.ID, dep)})
			}
		}
	}

	if cycle := findCycle(t.Steps); cycle != nil {
		errs = append(errs, VError{
			Path:    prefix + ".steps",
			Code:    CodeCycle,
			Message: "dependency cycle: " + strings.Join(cycle, " -> "),
		})
	}

	return errs
}

func (v *Validator) validateStep(prefix string, s model.StepDefinition) []VError {
	var errs []VError

	if s.Title == "" {
		errs = append(errs, VError{Path: prefix + ".title", Code: CodeRequired, Message: "step title is required"})
	}
	if s.Type == "" {
		errs = append(errs, VError{Path: prefix + ".type", Code: CodeRequired, Message: "step type is required"})
	} else if !model.ValidStepTypes[s.Type] {
		errs = append(errs, VError{Path: prefix + ".type", Code: CodeInvalidEnum, Message: fmt.Sprintf("invalid step type %q", s.Type)})
	}
	if s.AgentInvolved != "" && s.Type != "" && !s.IsAutomated() {
		errs = append(errs, VError{
			Path:    prefix + ".agent_involved",
			Code:    CodeUnexpectedAgent,
			Message: fmt.Sprintf("%s step names agent %q; only automated steps invoke agents", s.Type, s.AgentInvolved),
		})
	}
	if s.EstimatedTime < 0 {
		errs = append(errs, VError{Path: prefix + ".estimated_time", Code: CodeNegativeEstimate, Message: "estimated_time must not be negative"})
	}
	if strings.TrimSpace(s.Condition) != "" {
		if _, err := condition.Compile(s.Condition); err != nil {
			errs = append(errs, VError{Path: prefix + ".condition", Code: CodeInvalidCondition, Message: err.Error()})
		}
	}

	return errs
}

const (
	white = iota
	grey
	black
)

// findCycle returns the step ids forming the first dependency cycle found,
// closed with its starting id, or nil for an acyclic graph. Dependencies on
// unknown steps are ignored here; they are reported as dangling.
func findCycle(steps []model.StepDefinition) []string {
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps[s.ID] = s.Dependencies
	}

	colour := make(map[string]int, len(steps))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		colour[id] = grey
		stack = append(stack, id)
		for _, dep := range deps[id] {
			if _, known := deps[dep]; !known {
				continue
			}
			switch colour[dep] {
			case grey:
				for i, sid := range stack {
					if sid == dep {
						cycle := append([]string{}, stack[i:]...)
						return append(cycle, dep)
					}
				}
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		colour[id] = black
		return nil
	}

	for _, s := range steps {
		if colour[s.ID] == white {
			if c := visit(s.ID); c != nil {
				return c
			}
		}
	}
	return nil
}
