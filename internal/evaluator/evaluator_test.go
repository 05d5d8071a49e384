package evaluator

import (
	"slices"
	"testing"

	"github.com/pitabwire/rcmflow/internal/condition"
	"github.com/pitabwire/rcmflow/model"
)

func step(id string, deps ...string) model.StepDefinition {
	return model.StepDefinition{ID: id, Title: id, Type: model.StepTypeHumanReview, Required: true, Dependencies: deps, EstimatedTime: 5}
}

func linearTemplate() model.WorkflowTemplate {
	return model.WorkflowTemplate{ID: "linear", Steps: []model.StepDefinition{
		step("A"), step("B", "A"), step("C", "B"),
	}}
}

func parallelTemplate() model.WorkflowTemplate {
	return model.WorkflowTemplate{ID: "parallel", Steps: []model.StepDefinition{
		step("A"), step("B", "A"), step("C", "A"), step("D", "B", "C"),
	}}
}

func conditionalTemplate() model.WorkflowTemplate {
	e := step("E", "A")
	e.Condition = "data.flag == true"
	return model.WorkflowTemplate{ID: "conditional", Steps: []model.StepDefinition{
		step("A"), e, step("F", "E"),
	}}
}

func envWith(data map[string]any) condition.Env {
	return condition.Env{Data: data}
}

func ids(steps []model.StepDefinition) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.ID
	}
	return out
}

func TestCalculateProgress_linear(t *testing.T) {
	tpl := linearTemplate()
	env := envWith(nil)
	tests := []struct {
		completed []string
		want      int
	}{
		{nil, 0},
		{[]string{"A"}, 33},
		{[]string{"A", "B"}, 67},
		{[]string{"A", "B", "C"}, 100},
	}
	for _, tt := range tests {
		if got := CalculateProgress(tt.completed, tpl, env); got != tt.want {
			t.Errorf("CalculateProgress(%v) = %d, want %d", tt.completed, got, tt.want)
		}
	}
}

func TestCalculateProgress_roundsHalfUp(t *testing.T) {
	steps := make([]model.StepDefinition, 8)
	for i := range steps {
		steps[i] = step(string(rune('a' + i)))
	}
	tpl := model.WorkflowTemplate{Steps: steps}
	// 1/8 = 12.5 -> 13
	if got := CalculateProgress([]string{"a"}, tpl, envWith(nil)); got != 13 {
		t.Errorf("progress = %d, want 13", got)
	}
	// 3/8 = 37.5 -> 38
	if got := CalculateProgress([]string{"a", "b", "c"}, tpl, envWith(nil)); got != 38 {
		t.Errorf("progress = %d, want 38", got)
	}
}

func TestCalculateProgress_emptyApplicableSet(t *testing.T) {
	e := step("E")
	e.Condition = "flag"
	tpl := model.WorkflowTemplate{Steps: []model.StepDefinition{e}}
	if got := CalculateProgress(nil, tpl, envWith(nil)); got != 0 {
		t.Errorf("progress = %d, want 0", got)
	}
	if got := CalculateProgress(nil, model.WorkflowTemplate{}, envWith(nil)); got != 0 {
		t.Errorf("progress(empty template) = %d, want 0", got)
	}
}

func TestCalculateProgress_monotonic(t *testing.T) {
	tpl := parallelTemplate()
	env := envWith(nil)
	order := []string{"A", "C", "B", "D"}
	prev := CalculateProgress(nil, tpl, env)
	for i := range order {
		got := CalculateProgress(order[:i+1], tpl, env)
		if got < prev {
			t.Fatalf("progress decreased from %d to %d after %v", prev, got, order[:i+1])
		}
		prev = got
	}
	if prev != 100 {
		t.Errorf("final progress = %d, want 100", prev)
	}
}

func TestGetNextSteps_parallel(t *testing.T) {
	tpl := parallelTemplate()
	env := envWith(nil)

	if got := ids(GetNextSteps(nil, tpl, env)); !slices.Equal(got, []string{"A"}) {
		t.Errorf("next(∅) = %v", got)
	}
	if got := ids(GetNextSteps([]string{"A"}, tpl, env)); !slices.Equal(got, []string{"B", "C"}) {
		t.Errorf("next(A) = %v, want [B C]", got)
	}
	if got := ids(GetNextSteps([]string{"A", "B"}, tpl, env)); !slices.Equal(got, []string{"C"}) {
		t.Errorf("next(A,B) = %v, want [C]", got)
	}
	if got := ids(GetNextSteps([]string{"A", "B", "C"}, tpl, env)); !slices.Equal(got, []string{"D"}) {
		t.Errorf("next(A,B,C) = %v, want [D]", got)
	}
	if got := GetNextSteps([]string{"A", "B", "C", "D"}, tpl, env); len(got) != 0 {
		t.Errorf("next(all) = %v, want empty", ids(got))
	}
}

func TestGetNextSteps_definitionOrder(t *testing.T) {
	// C precedes B in the template; both depend on A.
	tpl := model.WorkflowTemplate{Steps: []model.StepDefinition{
		step("A"), step("C", "A"), step("B", "A"),
	}}
	// Completion order must not influence the result.
	if got := NextStepIDs([]string{"A"}, tpl, envWith(nil)); !slices.Equal(got, []string{"C", "B"}) {
		t.Errorf("next = %v, want [C B]", got)
	}
}

func TestConditionalStep(t *testing.T) {
	tpl := conditionalTemplate()

	off := envWith(map[string]any{"flag": false})
	if got := ids(ApplicableSteps(tpl, off)); !slices.Equal(got, []string{"A", "F"}) {
		t.Errorf("applicable(flag=false) = %v, want [A F]", got)
	}
	if got := GetStepStatus("E", []string{"A"}, tpl, off); got != model.StepSkipped {
		t.Errorf("status(E, flag=false) = %q, want skipped", got)
	}
	// F depends on E, which is not applicable, so F is available.
	if got := NextStepIDs([]string{"A"}, tpl, off); !slices.Equal(got, []string{"F"}) {
		t.Errorf("next(A, flag=false) = %v, want [F]", got)
	}
	if got := CalculateProgress([]string{"A", "F"}, tpl, off); got != 100 {
		t.Errorf("progress(A,F, flag=false) = %d, want 100", got)
	}

	on := envWith(map[string]any{"flag": true})
	if got := ids(ApplicableSteps(tpl, on)); !slices.Equal(got, []string{"A", "E", "F"}) {
		t.Errorf("applicable(flag=true) = %v", got)
	}
	if got := NextStepIDs([]string{"A"}, tpl, on); !slices.Equal(got, []string{"E"}) {
		t.Errorf("next(A, flag=true) = %v, want [E]", got)
	}
	if got := CalculateProgress([]string{"A"}, tpl, on); got != 33 {
		t.Errorf("progress(A, flag=true) = %d, want 33", got)
	}
	if IsComplete([]string{"A"}, tpl, on) {
		t.Error("IsComplete(A, flag=true) = true")
	}
}

func TestDependencyOnNonApplicableStepIsSatisfied(t *testing.T) {
	e := step("E", "A")
	e.Condition = "data.flag == true"
	x := step("X")
	x.Condition = "data.flag == true"
	tpl := model.WorkflowTemplate{ID: "join", Steps: []model.StepDefinition{
		step("A"), e, step("Z", "A", "E"), x, step("Y", "X"),
	}}

	off := envWith(map[string]any{"flag": false})
	tests := []struct {
		id        string
		completed []string
		want      string
	}{
		// Z still waits for its applicable dependency.
		{"Z", nil, model.StepBlocked},
		// Once A is done, E counts as satisfied because it never applies.
		{"Z", []string{"A"}, model.StepActive},
		// A step whose only dependency is not applicable is active at once.
		{"Y", nil, model.StepActive},
		{"E", []string{"A"}, model.StepSkipped},
		{"X", nil, model.StepSkipped},
	}
	for _, tt := range tests {
		if got := GetStepStatus(tt.id, tt.completed, tpl, off); got != tt.want {
			t.Errorf("GetStepStatus(%s, %v, flag=false) = %q, want %q", tt.id, tt.completed, got, tt.want)
		}
	}
	if got := NextStepIDs([]string{"A"}, tpl, off); !slices.Equal(got, []string{"Z", "Y"}) {
		t.Errorf("next(A, flag=false) = %v, want [Z Y]", got)
	}

	// When E applies, Z waits for it.
	on := envWith(map[string]any{"flag": true})
	if got := GetStepStatus("Z", []string{"A"}, tpl, on); got != model.StepBlocked {
		t.Errorf("GetStepStatus(Z, [A], flag=true) = %q, want blocked", got)
	}
	if got := GetStepStatus("Y", nil, tpl, on); got != model.StepBlocked {
		t.Errorf("GetStepStatus(Y, nil, flag=true) = %q, want blocked", got)
	}
}

func TestGetStepStatus(t *testing.T) {
	tpl := parallelTemplate()
	env := envWith(nil)
	completed := []string{"A", "B"}
	tests := []struct {
		id   string
		want string
	}{
		{"A", model.StepCompleted},
		{"B", model.StepCompleted},
		{"C", model.StepActive},
		{"D", model.StepBlocked},
		{"unknown", model.StepBlocked},
	}
	for _, tt := range tests {
		if got := GetStepStatus(tt.id, completed, tpl, env); got != tt.want {
			t.Errorf("GetStepStatus(%s) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestStepViews_matchGetStepStatus(t *testing.T) {
	tpl := conditionalTemplate()
	env := envWith(map[string]any{"flag": false})
	completed := []string{"A"}
	for _, v := range StepViews(completed, tpl, env) {
		if want := GetStepStatus(v.ID, completed, tpl, env); v.Status != want {
			t.Errorf("view %s status = %q, GetStepStatus = %q", v.ID, v.Status, want)
		}
	}
}

func TestRemainingMinutes(t *testing.T) {
	tpl := conditionalTemplate()
	if got := RemainingMinutes([]string{"A"}, tpl, envWith(map[string]any{"flag": true})); got != 10 {
		t.Errorf("remaining(flag=true) = %d, want 10", got)
	}
	if got := RemainingMinutes([]string{"A"}, tpl, envWith(nil)); got != 5 {
		t.Errorf("remaining(flag unset) = %d, want 5", got)
	}
}

func TestNewEnv(t *testing.T) {
	state := model.WorkflowState{Metadata: model.NewWorkflowMetadata()}
	state.Metadata.RecordStepResult("eligibility-check", map[string]any{"eligibilityIssues": true})
	env := NewEnv(state, map[string]any{"payer": "acme"})

	ok, err := condition.Evaluate("eligibilityIssues && claim.payer == 'acme' && steps.eligibility-check.eligibilityIssues", env)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !ok {
		t.Error("condition over NewEnv = false, want true")
	}
}
