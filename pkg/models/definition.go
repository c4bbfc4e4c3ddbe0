package models

// WorkflowDefinition describes a workflow as authored: an ordered sequence
// of stages plus the roles and auxiliary resources they reference. It is
// loaded once and treated as read-only by the engine.
type WorkflowDefinition struct {
	Name        string           `json:"name" yaml:"name"`                                   // Unique workflow name (e.g., "fix_bug")
	Description string           `json:"description,omitempty" yaml:"description,omitempty"` // Human-readable summary
	Roles       []Role           `json:"roles,omitempty" yaml:"roles,omitempty"`             // Agent roles available to stages
	Resources   []ResourceConfig `json:"resources,omitempty" yaml:"resources,omitempty"`     // Auxiliary server processes
	Stages      []Stage          `json:"stages" yaml:"stages"`                               // Ordered stages
}

// Role binds a role name to the prompt an agent assumes for it.
type Role struct {
	Name   string `json:"name" yaml:"name"`
	Prompt string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
}

// ResourceConfig declares an auxiliary long-lived server process that
// stages may depend on. The command is subject to trust checks before
// the process is ever started.
type ResourceConfig struct {
	Name    string   `json:"name" yaml:"name"`
	Command string   `json:"command" yaml:"command"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
}

type StageType string

const (
	AgentStageType       StageType = "agent"
	HumanInputStageType  StageType = "human_input"
	ConditionalStageType StageType = "conditional"
	SubgraphStageType    StageType = "subgraph"
	ParallelStageType    StageType = "parallel"
)

// Stage is an authoring-level unit of work, compiled to one or more nodes.
type Stage struct {
	Name        string            `json:"name" yaml:"name"`
	Type        StageType         `json:"type,omitempty" yaml:"type,omitempty"` // Defaults to "agent"
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Roles       []string          `json:"roles,omitempty" yaml:"roles,omitempty"`           // Role names; first one drives the agent
	Skippable   bool              `json:"skippable,omitempty" yaml:"skippable,omitempty"`   // May be skipped at runtime
	Subgraph    string            `json:"subgraph,omitempty" yaml:"subgraph,omitempty"`     // Registered fragment name (type=subgraph)
	Condition   string            `json:"condition,omitempty" yaml:"condition,omitempty"`   // Registered predicate name (type=conditional)
	Branches    map[string]string `json:"branches,omitempty" yaml:"branches,omitempty"`     // Predicate label -> target stage
	Prompt      string            `json:"prompt,omitempty" yaml:"prompt,omitempty"`         // Question shown to the human (type=human_input)
	InputKey    string            `json:"input_key,omitempty" yaml:"input_key,omitempty"`   // Result-map key for the reply
	Resources   []string          `json:"resources,omitempty" yaml:"resources,omitempty"`   // Resource names this stage requires
	BestEffort  bool              `json:"best_effort,omitempty" yaml:"best_effort,omitempty"` // Branch failure does not fail the join
	Parallel    []Stage           `json:"parallel,omitempty" yaml:"parallel,omitempty"`     // Fan-out branches (type=parallel)
}

// RolePrompt resolves the prompt for a role name, falling back to a
// generated prompt when the role is only named in a stage.
func (d *WorkflowDefinition) RolePrompt(name string) string {
	for _, r := range d.Roles {
		if r.Name == name && r.Prompt != "" {
			return r.Prompt
		}
	}
	return "You are the " + name + "."
}

// Resource looks up a declared resource by name.
func (d *WorkflowDefinition) Resource(name string) (ResourceConfig, bool) {
	for _, r := range d.Resources {
		if r.Name == name {
			return r, true
		}
	}
	return ResourceConfig{}, false
}
