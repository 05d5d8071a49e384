// Package evaluator computes step availability, status and progress for a
// workflow instance. Every function is pure: the result depends only on the
// template, the completed step set and the instance data passed in.
//
// A dependency counts as satisfied when the step it names is completed or is
// not applicable to the instance, so conditional branches never strand the
// steps that depend on them.
package evaluator

import (
	"math"
	"slices"

	"github.com/pitabwire/rcmflow/internal/condition"
	"github.com/pitabwire/rcmflow/model"
)

// NewEnv builds the condition environment of an instance from its working
// data, its step results and the claim snapshot.
func NewEnv(state model.WorkflowState, snapshot map[string]any) condition.Env {
	return condition.Env{
		Data:  state.Metadata.Data,
		Claim: snapshot,
		Steps: state.Metadata.StepResults,
	}
}

// IsApplicable reports whether the step's condition holds for env. Steps
// without a condition are always applicable. A condition that does not
// compile never holds; the registry rejects such templates at load time.
func IsApplicable(step model.StepDefinition, env condition.Env) bool {
	ok, err := condition.Evaluate(step.Condition, env)
	return err == nil && ok
}

// ApplicableSteps returns the steps of tpl whose condition holds, in
// definition order.
func ApplicableSteps(tpl model.WorkflowTemplate, env condition.Env) []model.StepDefinition {
	out := make([]model.StepDefinition, 0, len(tpl.Steps))
	for _, s := range tpl.Steps {
		if IsApplicable(s, env) {
			out = append(out, s)
		}
	}
	return out
}

// CalculateProgress returns round(100 * |completed ∩ applicable| / |applicable|),
// rounding half up. An empty applicable set yields 0.
func CalculateProgress(completed []string, tpl model.WorkflowTemplate, env condition.Env) int {
	applicable := ApplicableSteps(tpl, env)
	if len(applicable) == 0 {
		return 0
	}
	done := 0
	for _, s := range applicable {
		if slices.Contains(completed, s.ID) {
			done++
		}
	}
	return int(math.Floor(100*float64(done)/float64(len(applicable)) + 0.5))
}

// GetNextSteps returns every applicable, incomplete step whose dependencies
// are satisfied, in definition order.
func GetNextSteps(completed []string, tpl model.WorkflowTemplate, env condition.Env) []model.StepDefinition {
	done := toSet(completed)
	applicable := applicableSet(tpl, env)

	var next []model.StepDefinition
	for _, s := range tpl.Steps {
		if !applicable[s.ID] || done[s.ID] {
			continue
		}
		if dependenciesSatisfied(s, done, applicable) {
			next = append(next, s)
		}
	}
	return next
}

// NextStepIDs is GetNextSteps reduced to step ids.
func NextStepIDs(completed []string, tpl model.WorkflowTemplate, env condition.Env) []string {
	next := GetNextSteps(completed, tpl, env)
	ids := make([]string, len(next))
	for i, s := range next {
		ids[i] = s.ID
	}
	return ids
}

// GetStepStatus classifies stepID as completed, active, skipped or blocked.
// An unknown step is reported as blocked.
func GetStepStatus(stepID string, completed []string, tpl model.WorkflowTemplate, env condition.Env) string {
	if slices.Contains(completed, stepID) {
		return model.StepCompleted
	}
	step, ok := tpl.Step(stepID)
	if !ok {
		return model.StepBlocked
	}
	applicable := applicableSet(tpl, env)
	if !applicable[stepID] {
		return model.StepSkipped
	}
	if dependenciesSatisfied(step, toSet(completed), applicable) {
		return model.StepActive
	}
	return model.StepBlocked
}

// IsComplete reports whether every applicable step is completed.
func IsComplete(completed []string, tpl model.WorkflowTemplate, env condition.Env) bool {
	for _, s := range ApplicableSteps(tpl, env) {
		if !slices.Contains(completed, s.ID) {
			return false
		}
	}
	return true
}

// RemainingMinutes sums the estimates of applicable, incomplete steps.
func RemainingMinutes(completed []string, tpl model.WorkflowTemplate, env condition.Env) int {
	total := 0
	for _, s := range ApplicableSteps(tpl, env) {
		if !slices.Contains(completed, s.ID) {
			total += s.EstimatedTime
		}
	}
	return total
}

// StepViews returns every step of tpl with its status for the instance.
func StepViews(completed []string, tpl model.WorkflowTemplate, env condition.Env) []model.StepView {
	done := toSet(completed)
	applicable := applicableSet(tpl, env)

	views := make([]model.StepView, 0, len(tpl.Steps))
	for _, s := range tpl.Steps {
		status := model.StepBlocked
		switch {
		case done[s.ID]:
			status = model.StepCompleted
		case !applicable[s.ID]:
			status = model.StepSkipped
		case dependenciesSatisfied(s, done, applicable):
			status = model.StepActive
		}
		views = append(views, model.StepView{
			ID:            s.ID,
			Title:         s.Title,
			Description:   s.Description,
			Icon:          s.Icon,
			Type:          s.Type,
			Status:        status,
			Required:      s.Required,
			RequiredRole:  s.RequiredRole,
			AgentInvolved: s.AgentInvolved,
			EstimatedTime: s.EstimatedTime,
			Guidance:      s.Guidance,
		})
	}
	return views
}

func dependenciesSatisfied(s model.StepDefinition, done, applicable map[string]bool) bool {
	for _, dep := range s.Dependencies {
		if !done[dep] && applicable[dep] {
			return false
		}
	}
	return true
}

func applicableSet(tpl model.WorkflowTemplate, env condition.Env) map[string]bool {
	set := make(map[string]bool, len(tpl.Steps))
	for _, s := range tpl.Steps {
		if IsApplicable(s, env) {
			set[s.ID] = true
		}
	}
	return set
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
