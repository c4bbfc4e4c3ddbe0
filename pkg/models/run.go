package models

import "time"

type RunStatus string

const (
	CreatedRunStatus   RunStatus = "CREATED"
	RunningRunStatus   RunStatus = "RUNNING"
	SuspendedRunStatus RunStatus = "SUSPENDED"
	CompletedRunStatus RunStatus = "COMPLETED"
	FailedRunStatus    RunStatus = "FAILED"
)

// StateVersion is the current RunState schema version. Checkpoints written
// by older builds carry a lower version and are migrated on load.
const StateVersion = 2

// PendingInput marks a run suspended on a human-input node.
type PendingInput struct {
	Node     string `json:"node"`      // Node that suspended the run
	Prompt   string `json:"prompt"`    // Question to present
	InputKey string `json:"input_key"` // Result-map key for the reply
}

// RunResult is the final payload captured by the end node.
type RunResult struct {
	Success         bool     `json:"success"`
	CompletedStages []string `json:"completed_stages"`
	FailedStages    []string `json:"failed_stages,omitempty"`
}

// RunState is the mutable record threaded through execution. Nodes operate
// on value copies; the engine commits a copy only after the node succeeds,
// so a failed node never disturbs the last durable checkpoint.
type RunState struct {
	Version         int               `json:"version"`
	RunID           string            `json:"run_id"`
	Workflow        string            `json:"workflow"`
	Task            string            `json:"task"`
	Status          RunStatus         `json:"status"`
	CurrentNode     string            `json:"current_node"`
	Results         map[string]string `json:"results"`
	SkippedStages   []string          `json:"skipped_stages,omitempty"`
	ActiveResources []string          `json:"active_resources,omitempty"`
	FailedStages    []string          `json:"failed_stages,omitempty"` // best-effort branches that failed
	PendingInput    *PendingInput     `json:"pending_input,omitempty"`
	Finished        bool              `json:"finished"`
	FinalResult     *RunResult        `json:"final_result,omitempty"`
	ErrorMsg        string            `json:"error,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// NewRunState seeds the state for a fresh run.
func NewRunState(runID, workflow, task string) RunState {
	now := time.Now().UTC()
	return RunState{
		Version:     StateVersion,
		RunID:       runID,
		Workflow:    workflow,
		Task:        task,
		Status:      CreatedRunStatus,
		CurrentNode: "start",
		Results:     make(map[string]string),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy. Maps and slices are duplicated so a node
// mutating its copy cannot alias the committed state.
func (s RunState) Clone() RunState {
	c := s
	c.Results = make(map[string]string, len(s.Results))
	for k, v := range s.Results {
		c.Results[k] = v
	}
	c.SkippedStages = append([]string(nil), s.SkippedStages...)
	c.ActiveResources = append([]string(nil), s.ActiveResources...)
	c.FailedStages = append([]string(nil), s.FailedStages...)
	if s.PendingInput != nil {
		p := *s.PendingInput
		c.PendingInput = &p
	}
	if s.FinalResult != nil {
		r := *s.FinalResult
		r.CompletedStages = append([]string(nil), s.FinalResult.CompletedStages...)
		r.FailedStages = append([]string(nil), s.FinalResult.FailedStages...)
		c.FinalResult = &r
	}
	return c
}

// Terminal reports whether no further execution is permitted.
func (s RunState) Terminal() bool {
	return s.Status == CompletedRunStatus || s.Status == FailedRunStatus
}

// IsSkipped reports whether a stage was explicitly skipped.
func (s RunState) IsSkipped(stage string) bool {
	for _, name := range s.SkippedStages {
		if name == stage {
			return true
		}
	}
	return false
}

// HasResource reports whether a resource is held by this run.
func (s RunState) HasResource(name string) bool {
	for _, r := range s.ActiveResources {
		if r == name {
			return true
		}
	}
	return false
}

// MigrateState upgrades a state loaded from an older checkpoint to the
// current schema version. Unknown future versions are left untouched.
func MigrateState(s RunState) RunState {
	if s.Version >= StateVersion {
		return s
	}
	// v1 predates the results map and skipped-stage tracking.
	if s.Results == nil {
		s.Results = make(map[string]string)
	}
	if s.Status == "" {
		if s.Finished {
			s.Status = CompletedRunStatus
		} else {
			s.Status = RunningRunStatus
		}
	}
	s.Version = StateVersion
	return s
}
