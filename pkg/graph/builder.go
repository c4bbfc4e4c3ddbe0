package graph

import (
	"time"

	"github.com/VitalyOstanin/flowcraft/pkg/models"
	"github.com/pkg/errors"
)

// Builder assembles workflow definitions into executable graphs. Building
// is deterministic and pure with respect to the registry snapshot held at
// construction time.
type Builder struct {
	registry      *Registry
	provider      CompletionProvider
	agentTimeout  time.Duration
	agentAttempts int
	agentBackoff  time.Duration
}

func NewBuilder(registry *Registry, provider CompletionProvider) *Builder {
	return &Builder{
		registry:      registry,
		provider:      provider,
		agentTimeout:  defaultAgentTimeout,
		agentAttempts: defaultAgentAttempts,
		agentBackoff:  defaultAgentBackoff,
	}
}

// WithAgentTimeout overrides the per-call timeout applied to agent nodes.
func (b *Builder) WithAgentTimeout(d time.Duration) *Builder {
	b.agentTimeout = d
	return b
}

// WithAgentRetry overrides the attempt budget and initial backoff applied
// to agent nodes.
func (b *Builder) WithAgentRetry(attempts int, backoff time.Duration) *Builder {
	b.agentAttempts = attempts
	b.agentBackoff = backoff
	return b
}

// compiledStage is the intermediate form of one authored stage: its entry
// nodes (parallel stages have several), its exit nodes, and whether the
// stage is a fan-out block awaiting a join target.
type compiledStage struct {
	name    string
	entries []string
	exits   []string
	fanout  *pendingFanOut
}

type pendingFanOut struct {
	branches   [][]string
	bestEffort map[string]bool
}

// Build compiles a definition into a graph: one node per stage, sub-graph
// stages spliced in place with their exit edges rewired to the stage's
// outgoing edges.
func (b *Builder) Build(def *models.WorkflowDefinition) (*Graph, error) {
	g := &Graph{
		workflow: def.Name,
		nodes:    make(map[string]Node),
		edges:    make(map[string][]Edge),
		fanouts:  make(map[string]FanOut),
		stages:   make(map[string]models.Stage),
	}
	g.nodes[StartNodeName] = &startNode{}
	g.nodes[EndNodeName] = &endNode{}

	compiled, err := b.compileStages(g, def, def.Stages, "", nil)
	if err != nil {
		return nil, err
	}

	b.wire(g, compiled, []string{StartNodeName}, []string{EndNodeName})
	if err := b.validate(g); err != nil {
		return nil, err
	}
	return g, nil
}

// compileStages creates nodes for a stage list. Sub-graph references are
// expanded recursively; the stack carries the fragment names currently
// being expanded so composition cycles are caught.
func (b *Builder) compileStages(g *Graph, def *models.WorkflowDefinition, stages []models.Stage, prefix string, stack []string) ([]compiledStage, error) {
	compiled := make([]compiledStage, 0, len(stages))
	for _, stage := range stages {
		cs, err := b.compileStage(g, def, stage, prefix, stack)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, cs)
	}
	return compiled, nil
}

func (b *Builder) compileStage(g *Graph, def *models.WorkflowDefinition, stage models.Stage, prefix string, stack []string) (compiledStage, error) {
	name := prefix + stage.Name
	if _, exists := g.nodes[name]; exists {
		return compiledStage{}, errors.Errorf("duplicate stage name '%s'", name)
	}

	switch stage.Type {
	case models.SubgraphStageType:
		return b.spliceSubgraph(g, def, stage, prefix, stack)

	case models.ParallelStageType:
		return b.compileParallel(g, def, stage, prefix, stack)

	case models.ConditionalStageType:
		// A skipped conditional would have no label to pick an edge with.
		if stage.Skippable {
			return compiledStage{}, errors.Errorf("stage '%s': a conditional stage cannot be skippable", name)
		}
		predicate, ok := b.registry.Predicate(stage.Condition)
		if !ok {
			return compiledStage{}, errors.Errorf("stage '%s': unknown predicate '%s'", name, stage.Condition)
		}
		if len(stage.Branches) == 0 {
			return compiledStage{}, errors.Errorf("stage '%s': conditional stage has no branches", name)
		}
		g.nodes[name] = &conditionalNode{name: name, predicate: predicate}
		g.stages[name] = stage
		// Flow leaves a conditional only via a labeled branch, so it
		// contributes no exits to the linear chain.
		return compiledStage{name: stage.Name, entries: []string{name}}, nil

	case models.HumanInputStageType:
		g.nodes[name] = &humanInputNode{name: name, prompt: stage.Prompt, inputKey: stage.InputKey}
		g.stages[name] = stage
		return compiledStage{name: stage.Name, entries: []string{name}, exits: []string{name}}, nil

	case models.AgentStageType, "":
		if len(stage.Roles) == 0 {
			return compiledStage{}, errors.Errorf("stage '%s': no roles assigned", name)
		}
		role := stage.Roles[0]
		g.nodes[name] = &agentNode{
			name:        name,
			role:        role,
			rolePrompt:  def.RolePrompt(role),
			description: stage.Description,
			provider:    b.provider,
			attempts:    b.agentAttempts,
			timeout:     b.agentTimeout,
			backoff:     b.agentBackoff,
		}
		g.stages[name] = stage
		return compiledStage{name: stage.Name, entries: []string{name}, exits: []string{name}}, nil

	default:
		return compiledStage{}, errors.Errorf("stage '%s': unknown stage type '%s'", name, stage.Type)
	}
}

// spliceSubgraph expands a registered fragment in place of the stage.
func (b *Builder) spliceSubgraph(g *Graph, def *models.WorkflowDefinition, stage models.Stage, prefix string, stack []string) (compiledStage, error) {
	if stage.Subgraph == "" {
		return compiledStage{}, errors.Errorf("stage '%s': subgraph stage names no fragment", stage.Name)
	}
	for _, expanding := range stack {
		if expanding == stage.Subgraph {
			return compiledStage{}, &CyclicCompositionError{Stack: append(append([]string(nil), stack...), stage.Subgraph)}
		}
	}
	fragment, ok := b.registry.Fragment(stage.Subgraph)
	if !ok {
		return compiledStage{}, &UnknownSubgraphError{Name: stage.Subgraph}
	}
	if len(fragment.Stages) == 0 {
		return compiledStage{}, errors.Errorf("subgraph '%s' is empty", fragment.Name)
	}

	inner, err := b.compileStages(g, def, fragment.Stages, prefix+stage.Name+".", append(stack, stage.Subgraph))
	if err != nil {
		return compiledStage{}, err
	}
	if inner[len(inner)-1].fanout != nil {
		return compiledStage{}, errors.Errorf("subgraph '%s': a parallel stage cannot be its last stage", fragment.Name)
	}

	// Chain the fragment internally; its first stage is the entry and the
	// dangling exits of the chain become the stage's exits.
	exits := b.wire(g, inner, nil, nil)
	b.wireBranches(g, inner, EndNodeName)
	return compiledStage{name: stage.Name, entries: inner[0].entries, exits: exits}, nil
}

// compileParallel creates one branch per parallel sub-stage. The branches
// are joined by the engine at the stage's successor.
func (b *Builder) compileParallel(g *Graph, def *models.WorkflowDefinition, stage models.Stage, prefix string, stack []string) (compiledStage, error) {
	if len(stage.Parallel) == 0 {
		return compiledStage{}, errors.Errorf("stage '%s': parallel stage has no branches", stage.Name)
	}
	// Individual branches may be skippable; the block itself may not.
	if stage.Skippable {
		return compiledStage{}, errors.Errorf("stage '%s': a parallel stage cannot be skippable", stage.Name)
	}
	fan := &pendingFanOut{bestEffort: make(map[string]bool)}
	var entries, exits []string
	for _, branch := range stage.Parallel {
		cs, err := b.compileStage(g, def, branch, prefix, stack)
		if err != nil {
			return compiledStage{}, err
		}
		if len(cs.entries) != 1 || len(cs.exits) != 1 || cs.fanout != nil {
			return compiledStage{}, errors.Errorf("stage '%s': parallel branch '%s' must compile to a single node", stage.Name, branch.Name)
		}
		entries = append(entries, cs.entries[0])
		exits = append(exits, cs.exits[0])
		fan.branches = append(fan.branches, []string{cs.entries[0]})
		if branch.BestEffort {
			fan.bestEffort[cs.entries[0]] = true
		}
	}
	return compiledStage{name: stage.Name, entries: entries, exits: exits, fanout: fan}, nil
}

// wire links a compiled stage chain: head edges into the first stage,
// each stage's exits into the next stage's entries, and the final exits
// into tail (when given). It returns the dangling exits of the chain and
// registers fan-outs once their join target is known.
func (b *Builder) wire(g *Graph, compiled []compiledStage, head, tail []string) []string {
	prev := head
	var pending *compiledStage
	for i := range compiled {
		cs := &compiled[i]
		for _, from := range prev {
			for _, to := range cs.entries {
				g.edges[from] = append(g.edges[from], Edge{From: from, To: to})
			}
		}
		if pending != nil {
			b.registerFanOut(g, pending, cs.entries[0])
			pending = nil
		}
		if cs.fanout != nil {
			pending = cs
		}
		prev = cs.exits
	}
	if tail != nil {
		for _, from := range prev {
			for _, to := range tail {
				g.edges[from] = append(g.edges[from], Edge{From: from, To: to})
			}
		}
		if pending != nil {
			b.registerFanOut(g, pending, tail[0])
		}
		b.wireBranches(g, compiled, tail[0])
		return nil
	}
	return prev
}

// registerFanOut records the join for a parallel block on each node that
// fans out into it.
func (b *Builder) registerFanOut(g *Graph, cs *compiledStage, join string) {
	fo := FanOut{
		Branches:   cs.fanout.branches,
		Join:       join,
		BestEffort: cs.fanout.bestEffort,
	}
	// The fan-out leaves every node that edges into the block's entries.
	origins := make(map[string]struct{})
	for from, edges := range g.edges {
		for _, e := range edges {
			for _, branch := range cs.fanout.branches {
				if e.To == branch[0] {
					origins[from] = struct{}{}
				}
			}
		}
	}
	for origin := range origins {
		g.fanouts[origin] = fo
	}
}

// wireBranches resolves conditional branch labels to stage entry nodes.
// Branch targets may point backwards (revision loops) or forwards.
func (b *Builder) wireBranches(g *Graph, compiled []compiledStage, endTarget string) {
	entryByName := make(map[string]string, len(compiled))
	for _, cs := range compiled {
		if len(cs.entries) > 0 {
			entryByName[cs.name] = cs.entries[0]
		}
	}
	for _, cs := range compiled {
		if len(cs.entries) != 1 {
			continue
		}
		node := cs.entries[0]
		stage, ok := g.stages[node]
		if !ok || len(stage.Branches) == 0 {
			continue
		}
		for label, target := range stage.Branches {
			to, found := entryByName[target]
			if !found {
				if target == EndNodeName {
					to = endTarget
				} else {
					// Caught by validate below.
					continue
				}
			}
			g.edges[node] = append(g.edges[node], Edge{From: node, To: to, Label: label})
		}
	}
}

// validate checks the structural invariants a built graph must hold.
func (b *Builder) validate(g *Graph) error {
	if len(g.edges[EndNodeName]) > 0 {
		return errors.New("end node must not have outgoing edges")
	}
	for from, edges := range g.edges {
		for _, e := range edges {
			if _, ok := g.nodes[e.To]; !ok {
				return errors.Errorf("edge from '%s' targets unknown node '%s'", from, e.To)
			}
		}
	}
	for name, node := range g.nodes {
		if node.Type() == ConditionalNodeType {
			stage := g.stages[name]
			if len(g.edges[name]) != len(stage.Branches) {
				return errors.Errorf("conditional '%s': branch target missing", name)
			}
		}
	}
	return nil
}
