package graph

import (
	"context"

	"github.com/VitalyOstanin/flowcraft/pkg/models"
)

// StartNodeName and EndNodeName are the reserved entry and exit nodes
// every built graph contains.
const (
	StartNodeName = "start"
	EndNodeName   = "end"
)

type NodeType string

const (
	StartNodeType       NodeType = "start"
	EndNodeType         NodeType = "end"
	AgentNodeType       NodeType = "agent"
	HumanInputNodeType  NodeType = "human_input"
	ConditionalNodeType NodeType = "conditional"
)

type Decision int

const (
	// ContinueDecision advances along an outgoing edge.
	ContinueDecision Decision = iota
	// SuspendDecision parks the run until a human reply arrives.
	SuspendDecision
	// FailDecision aborts the node with an error.
	FailDecision
)

// Outcome is the result of executing a node. State is the node's updated
// copy; the engine commits it only on Continue or Suspend.
type Outcome struct {
	Decision Decision
	State    models.RunState
	Label    string // edge label selected by a conditional node
	Prompt   string // prompt accompanying a Suspend
	Err      error  // cause accompanying a Fail
}

// Node is the unit of execution. Execute receives a value copy of the run
// state and must confine all mutations to that copy.
type Node interface {
	Name() string
	Type() NodeType
	Execute(ctx context.Context, state models.RunState) Outcome
}

// Edge connects two nodes. Label is empty for unconditional edges and
// carries the branch label for conditional ones.
type Edge struct {
	From       string
	To         string
	Label      string
	BestEffort bool
}

// FanOut records a set of structurally-independent branches leaving a
// node and the join node where they converge. The builder computes these
// for parallel stages so the engine never has to analyse the graph.
type FanOut struct {
	Branches   [][]string      // node-name sequences, one per branch
	Join       string          // first shared downstream node
	BestEffort map[string]bool // keyed by the branch's first node
}

// Graph is the executable, immutable form of a workflow definition.
type Graph struct {
	workflow string
	nodes    map[string]Node
	edges    map[string][]Edge
	fanouts  map[string]FanOut
	stages   map[string]models.Stage // node name -> originating stage
}

// Workflow returns the name of the definition the graph was built from.
func (g *Graph) Workflow() string {
	return g.workflow
}

// Node returns the node with the given name.
func (g *Graph) Node(name string) (Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Edges returns the outgoing edges of a node.
func (g *Graph) Edges(name string) []Edge {
	return g.edges[name]
}

// StageFor returns the authoring-level stage a node was compiled from.
// Synthetic nodes (start, end) have no stage.
func (g *Graph) StageFor(name string) (models.Stage, bool) {
	s, ok := g.stages[name]
	return s, ok
}

// FanOutFrom returns the fan-out leaving a node, if any.
func (g *Graph) FanOutFrom(name string) (FanOut, bool) {
	f, ok := g.fanouts[name]
	return f, ok
}

// NextUnconditional resolves the single unconditional successor of a node.
// A node with no outgoing edges exhausts the graph.
func (g *Graph) NextUnconditional(name string) (string, error) {
	edges := g.edges[name]
	if len(edges) == 0 {
		return "", &GraphExhaustedError{Node: name}
	}
	return edges[0].To, nil
}

// NextByLabel resolves the successor selected by a conditional label.
func (g *Graph) NextByLabel(name, label string) (string, error) {
	for _, e := range g.edges[name] {
		if e.Label == label {
			return e.To, nil
		}
	}
	return "", &NoMatchingEdgeError{Node: name, Label: label}
}

// Names returns all node names, useful for diagnostics.
func (g *Graph) Names() []string {
	names := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		names = append(names, name)
	}
	return names
}
