package model

// Step type constants.
const (
	StepTypeAutomated   = "automated"
	StepTypeHumanReview = "human_review"
	StepTypeUserInput   = "user_input"
	StepTypeApproval    = "approval"
)

// ValidStepTypes lists every accepted StepDefinition.Type value.
var ValidStepTypes = map[string]bool{
	StepTypeAutomated:   true,
	StepTypeHumanReview: true,
	StepTypeUserInput:   true,
	StepTypeApproval:    true,
}

// TemplateFile is the root structure of a template definition file.
type TemplateFile struct {
	Templates []WorkflowTemplate `yaml:"templates" json:"templates"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// WorkflowTemplate is the immutable definition of a workflow type. Templates
// are shared read-only by every instance that references them.
type WorkflowTemplate struct {
	ID                 string           `yaml:"id"                   json:"id"`
	Name               string           `yaml:"name"                 json:"name"`
	Description        string           `yaml:"description"          json:"description,omitempty"`
	Steps              []StepDefinition `yaml:"steps"                json:"steps"`
	EstimatedTotalTime int              `yaml:"estimated_total_time" json:"estimated_total_time"`

	SourceFile string `yaml:"-" json:"-"`
}

// Step returns the step with the given ID.
func (t WorkflowTemplate) Step(stepID string) (StepDefinition, bool) {
	for _, s := range t.Steps {
		if s.ID == stepID {
			return s, true
		}
	}
	return StepDefinition{}, false
}

// StepDefinition is one node in a template's step graph.
type StepDefinition struct {
	ID            string   `yaml:"id"             json:"id"`
	Title         string   `yaml:"title"          json:"title"`
	Description   string   `yaml:"description"    json:"description,omitempty"`
	Icon          string   `yaml:"icon"           json:"icon,omitempty"`
	Type          string   `yaml:"type"           json:"type"`
	Required      bool     `yaml:"required"       json:"required"`
	Dependencies  []string `yaml:"dependencies"   json:"dependencies,omitempty"`
	RequiredRole  []string `yaml:"required_role"  json:"required_role,omitempty"`
	AgentInvolved string   `yaml:"agent_involved" json:"agent_involved,omitempty"`
	EstimatedTime int      `yaml:"estimated_time" json:"estimated_time"`
	Condition     string   `yaml:"condition"      json:"condition,omitempty"`
	Guidance      string   `yaml:"guidance"       json:"guidance,omitempty"`
}

// UnmarshalYAML decodes a step, treating an omitted "required" key as true.
func (s *StepDefinition) UnmarshalYAML(unmarshal func(any) error) error {
	type plain StepDefinition
	raw := plain{Required: true}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	*s = StepDefinition(raw)
	return nil
}

// IsAutomated reports whether the step is executed by an agent.
func (s StepDefinition) IsAutomated() bool {
	return s.Type == StepTypeAutomated
}
