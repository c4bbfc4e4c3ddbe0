package graph

import (
	"fmt"
	"strings"
)

// Structural errors indicate a defect in the graph itself. They are always
// fatal, surfaced immediately, and never retried.

// UnknownSubgraphError is returned when a stage references a sub-graph
// name that is not registered.
type UnknownSubgraphError struct {
	Name string
}

func (e *UnknownSubgraphError) Error() string {
	return fmt.Sprintf("unknown subgraph '%s'", e.Name)
}

// CyclicCompositionError is returned when expanding a sub-graph would
// re-enter a sub-graph already on the expansion stack. Composite
// sub-graphs must form a DAG of compositions; runtime branch cycles
// (e.g. "send back for revision") are unaffected.
type CyclicCompositionError struct {
	Stack []string
}

func (e *CyclicCompositionError) Error() string {
	return fmt.Sprintf("cyclic subgraph composition: %s", strings.Join(e.Stack, " -> "))
}

// NoMatchingEdgeError is returned when a conditional node selects a label
// with no corresponding outgoing edge.
type NoMatchingEdgeError struct {
	Node  string
	Label string
}

func (e *NoMatchingEdgeError) Error() string {
	return fmt.Sprintf("node '%s': no edge matching label '%s'", e.Node, e.Label)
}

// GraphExhaustedError is returned when execution runs out of edges before
// reaching an end node.
type GraphExhaustedError struct {
	Node string
}

func (e *GraphExhaustedError) Error() string {
	return fmt.Sprintf("graph exhausted at node '%s' without reaching an end node", e.Node)
}
