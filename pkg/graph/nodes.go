package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/VitalyOstanin/flowcraft/pkg/models"
	"github.com/pkg/errors"
)

// CompletionProvider is the external language-model capability an agent
// node invokes. Implementations classify failures by wrapping them in
// ProviderError with the Transient flag set for retryable conditions.
type CompletionProvider interface {
	Complete(ctx context.Context, rolePrompt, taskContext string) (string, error)
}

// ProviderError wraps a completion failure with its retry classification.
type ProviderError struct {
	Err       error
	Transient bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider: %v", e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// transientProviderFailure reports whether an agent call failure may be
// retried. Timeouts count as transient per the execution model.
func transientProviderFailure(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Predicate is a pure decision function over the run state, returning the
// label of the branch to follow.
type Predicate func(state models.RunState) string

const (
	defaultAgentAttempts = 3
	defaultAgentTimeout  = 60 * time.Second
	defaultAgentBackoff  = 500 * time.Millisecond
)

// startNode seeds the current node and always continues.
type startNode struct{}

func (n *startNode) Name() string   { return StartNodeName }
func (n *startNode) Type() NodeType { return StartNodeType }

func (n *startNode) Execute(_ context.Context, state models.RunState) Outcome {
	state.CurrentNode = StartNodeName
	return Outcome{Decision: ContinueDecision, State: state}
}

// endNode marks the run terminal and captures the final result payload.
type endNode struct{}

func (n *endNode) Name() string   { return EndNodeName }
func (n *endNode) Type() NodeType { return EndNodeType }

func (n *endNode) Execute(_ context.Context, state models.RunState) Outcome {
	state.CurrentNode = EndNodeName
	state.Finished = true
	completed := make([]string, 0, len(state.Results))
	for stage := range state.Results {
		completed = append(completed, stage)
	}
	state.FinalResult = &models.RunResult{
		Success:         true,
		CompletedStages: completed,
		FailedStages:    append([]string(nil), state.FailedStages...),
	}
	return Outcome{Decision: ContinueDecision, State: state}
}

// agentNode asks the completion provider to perform a role-scoped stage
// of work and records the returned text in the result map. Transient
// provider failures are retried with bounded exponential backoff.
type agentNode struct {
	name        string
	role        string
	rolePrompt  string
	description string
	provider    CompletionProvider
	attempts    int
	timeout     time.Duration
	backoff     time.Duration
}

func (n *agentNode) Name() string   { return n.name }
func (n *agentNode) Type() NodeType { return AgentNodeType }

func (n *agentNode) Execute(ctx context.Context, state models.RunState) Outcome {
	state.CurrentNode = n.name

	prompt := n.rolePrompt
	taskContext := n.buildContext(state)

	var text string
	var err error
	for attempt := 1; attempt <= n.attempts; attempt++ {
		text, err = n.complete(ctx, prompt, taskContext)
		if err == nil {
			break
		}
		if !transientProviderFailure(err) || attempt == n.attempts {
			return Outcome{Decision: FailDecision, State: state, Err: errors.Wrapf(err, "agent stage '%s'", n.name)}
		}
		select {
		case <-time.After(n.backoff << uint(attempt-1)):
		case <-ctx.Done():
			return Outcome{Decision: FailDecision, State: state, Err: ctx.Err()}
		}
	}

	state.Results[n.name] = text
	return Outcome{Decision: ContinueDecision, State: state}
}

func (n *agentNode) complete(ctx context.Context, prompt, taskContext string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	return n.provider.Complete(callCtx, prompt, taskContext)
}

// buildContext assembles the stage's working context from the task and
// the results accumulated so far, most recent detail last.
func (n *agentNode) buildContext(state models.RunState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", state.Task)
	fmt.Fprintf(&b, "Stage: %s\n", n.name)
	if n.description != "" {
		fmt.Fprintf(&b, "Stage description: %s\n", n.description)
	}
	if len(state.Results) > 0 {
		b.WriteString("Previous results:\n")
		for stage, result := range state.Results {
			fmt.Fprintf(&b, "- %s: %s\n", stage, result)
		}
	}
	return b.String()
}

// humanInputNode suspends on first visit and consumes the reply on
// re-entry. The engine stores the reply in PendingInput before
// re-executing the node.
type humanInputNode struct {
	name     string
	prompt   string
	inputKey string
}

func (n *humanInputNode) Name() string   { return n.name }
func (n *humanInputNode) Type() NodeType { return HumanInputNodeType }

func (n *humanInputNode) Execute(_ context.Context, state models.RunState) Outcome {
	state.CurrentNode = n.name
	key := n.inputKey
	if key == "" {
		key = n.name
	}
	if _, answered := state.Results[key]; answered {
		return Outcome{Decision: ContinueDecision, State: state}
	}
	return Outcome{Decision: SuspendDecision, State: state, Prompt: n.prompt}
}

// InputKey returns the result-map key the node's reply is stored under.
func (n *humanInputNode) InputKey() string {
	if n.inputKey == "" {
		return n.name
	}
	return n.inputKey
}

// conditionalNode evaluates its predicate and selects an outgoing edge
// by label. Selecting a label with no edge is a structural error the
// engine surfaces as fatal.
type conditionalNode struct {
	name      string
	predicate Predicate
}

func (n *conditionalNode) Name() string   { return n.name }
func (n *conditionalNode) Type() NodeType { return ConditionalNodeType }

func (n *conditionalNode) Execute(_ context.Context, state models.RunState) Outcome {
	state.CurrentNode = n.name
	label := n.predicate(state)
	return Outcome{Decision: ContinueDecision, State: state, Label: label}
}
