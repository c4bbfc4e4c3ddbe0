package graph_test

import (
	"context"
	"testing"

	"github.com/VitalyOstanin/flowcraft/pkg/graph"
	"github.com/VitalyOstanin/flowcraft/pkg/models"
	"github.com/stretchr/testify/assert"
)

type stubProvider struct{}

func (stubProvider) Complete(_ context.Context, _, _ string) (string, error) {
	return "ok", nil
}

func agentStage(name string) models.Stage {
	return models.Stage{Name: name, Roles: []string{"worker"}}
}

func TestBuilder(t *testing.T) {
	newBuilder := func() (*graph.Builder, *graph.Registry) {
		registry := graph.NewRegistry()
		return graph.NewBuilder(registry, stubProvider{}), registry
	}

	t.Run("LinearChain", func(t *testing.T) {
		b, _ := newBuilder()
		g, err := b.Build(&models.WorkflowDefinition{
			Name:   "linear",
			Stages: []models.Stage{agentStage("first"), agentStage("second")},
		})
		assert.NoError(t, err)

		next, err := g.NextUnconditional(graph.StartNodeName)
		assert.NoError(t, err)
		assert.Equal(t, "first", next)

		next, err = g.NextUnconditional("first")
		assert.NoError(t, err)
		assert.Equal(t, "second", next)

		next, err = g.NextUnconditional("second")
		assert.NoError(t, err)
		assert.Equal(t, graph.EndNodeName, next)
	})

	t.Run("EndHasNoSuccessor", func(t *testing.T) {
		b, _ := newBuilder()
		g, err := b.Build(&models.WorkflowDefinition{
			Name:   "linear",
			Stages: []models.Stage{agentStage("only")},
		})
		assert.NoError(t, err)

		_, err = g.NextUnconditional(graph.EndNodeName)
		var exhausted *graph.GraphExhaustedError
		assert.ErrorAs(t, err, &exhausted)
		assert.Equal(t, graph.EndNodeName, exhausted.Node)
	})

	t.Run("DuplicateStageName", func(t *testing.T) {
		b, _ := newBuilder()
		_, err := b.Build(&models.WorkflowDefinition{
			Name:   "dup",
			Stages: []models.Stage{agentStage("same"), agentStage("same")},
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate stage name 'same'")
	})

	t.Run("AgentStageWithoutRoles", func(t *testing.T) {
		b, _ := newBuilder()
		_, err := b.Build(&models.WorkflowDefinition{
			Name:   "missing-roles",
			Stages: []models.Stage{{Name: "naked"}},
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "no roles assigned")
	})

	t.Run("ConditionalBranches", func(t *testing.T) {
		b, registry := newBuilder()
		registry.RegisterPredicate("verdict", func(state models.RunState) string {
			return state.Results["analyze"]
		})
		g, err := b.Build(&models.WorkflowDefinition{
			Name: "branching",
			Stages: []models.Stage{
				agentStage("analyze"),
				{
					Name:      "check",
					Type:      models.ConditionalStageType,
					Condition: "verdict",
					Branches:  map[string]string{"good": "end", "bad": "analyze"},
				},
			},
		})
		assert.NoError(t, err)

		next, err := g.NextByLabel("check", "good")
		assert.NoError(t, err)
		assert.Equal(t, graph.EndNodeName, next)

		// Revision loops back through the graph are legal.
		next, err = g.NextByLabel("check", "bad")
		assert.NoError(t, err)
		assert.Equal(t, "analyze", next)

		_, err = g.NextByLabel("check", "unknown")
		var noEdge *graph.NoMatchingEdgeError
		assert.ErrorAs(t, err, &noEdge)
		assert.Equal(t, "check", noEdge.Node)
		assert.Equal(t, "unknown", noEdge.Label)
	})

	t.Run("ConditionalWithUnknownPredicate", func(t *testing.T) {
		b, _ := newBuilder()
		_, err := b.Build(&models.WorkflowDefinition{
			Name: "bad-predicate",
			Stages: []models.Stage{
				{Name: "check", Type: models.ConditionalStageType, Condition: "missing", Branches: map[string]string{"x": "end"}},
			},
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unknown predicate 'missing'")
	})

	t.Run("ConditionalBranchTargetMissing", func(t *testing.T) {
		b, registry := newBuilder()
		registry.RegisterPredicate("verdict", func(models.RunState) string { return "x" })
		_, err := b.Build(&models.WorkflowDefinition{
			Name: "dangling",
			Stages: []models.Stage{
				{Name: "check", Type: models.ConditionalStageType, Condition: "verdict", Branches: map[string]string{"x": "nowhere"}},
			},
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "branch target missing")
	})

	t.Run("ConditionalCannotBeSkippable", func(t *testing.T) {
		b, registry := newBuilder()
		registry.RegisterPredicate("verdict", func(models.RunState) string { return "good" })
		_, err := b.Build(&models.WorkflowDefinition{
			Name: "skip-gate",
			Stages: []models.Stage{
				agentStage("analyze"),
				{
					Name:      "check",
					Type:      models.ConditionalStageType,
					Condition: "verdict",
					Branches:  map[string]string{"good": "end"},
					Skippable: true,
				},
			},
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "cannot be skippable")
	})

	t.Run("SubgraphSplice", func(t *testing.T) {
		b, registry := newBuilder()
		registry.RegisterFragment(graph.Fragment{
			Name:   "review",
			Stages: []models.Stage{agentStage("inspect"), agentStage("report")},
		})
		g, err := b.Build(&models.WorkflowDefinition{
			Name: "composed",
			Stages: []models.Stage{
				agentStage("draft"),
				{Name: "qa", Type: models.SubgraphStageType, Subgraph: "review"},
				agentStage("publish"),
			},
		})
		assert.NoError(t, err)

		// Spliced nodes are namespaced under the referencing stage.
		next, err := g.NextUnconditional("draft")
		assert.NoError(t, err)
		assert.Equal(t, "qa.inspect", next)

		next, err = g.NextUnconditional("qa.inspect")
		assert.NoError(t, err)
		assert.Equal(t, "qa.report", next)

		next, err = g.NextUnconditional("qa.report")
		assert.NoError(t, err)
		assert.Equal(t, "publish", next)
	})

	t.Run("NestedSubgraphs", func(t *testing.T) {
		b, registry := newBuilder()
		registry.RegisterFragment(graph.Fragment{
			Name:   "inner",
			Stages: []models.Stage{agentStage("leaf")},
		})
		registry.RegisterFragment(graph.Fragment{
			Name: "outer",
			Stages: []models.Stage{
				{Name: "nested", Type: models.SubgraphStageType, Subgraph: "inner"},
			},
		})
		g, err := b.Build(&models.WorkflowDefinition{
			Name: "deep",
			Stages: []models.Stage{
				{Name: "wrap", Type: models.SubgraphStageType, Subgraph: "outer"},
			},
		})
		assert.NoError(t, err)

		next, err := g.NextUnconditional(graph.StartNodeName)
		assert.NoError(t, err)
		assert.Equal(t, "wrap.nested.leaf", next)
	})

	t.Run("UnknownSubgraph", func(t *testing.T) {
		b, _ := newBuilder()
		_, err := b.Build(&models.WorkflowDefinition{
			Name: "missing",
			Stages: []models.Stage{
				{Name: "ref", Type: models.SubgraphStageType, Subgraph: "ghost"},
			},
		})
		var unknown *graph.UnknownSubgraphError
		assert.ErrorAs(t, err, &unknown)
		assert.Equal(t, "ghost", unknown.Name)
	})

	t.Run("CyclicComposition", func(t *testing.T) {
		b, registry := newBuilder()
		registry.RegisterFragment(graph.Fragment{
			Name: "a",
			Stages: []models.Stage{
				{Name: "to-b", Type: models.SubgraphStageType, Subgraph: "b"},
			},
		})
		registry.RegisterFragment(graph.Fragment{
			Name: "b",
			Stages: []models.Stage{
				{Name: "to-a", Type: models.SubgraphStageType, Subgraph: "a"},
			},
		})
		_, err := b.Build(&models.WorkflowDefinition{
			Name: "cycle",
			Stages: []models.Stage{
				{Name: "entry", Type: models.SubgraphStageType, Subgraph: "a"},
			},
		})
		var cyclic *graph.CyclicCompositionError
		assert.ErrorAs(t, err, &cyclic)
		assert.Equal(t, []string{"a", "b", "a"}, cyclic.Stack)
	})

	t.Run("SelfReferencingFragment", func(t *testing.T) {
		b, registry := newBuilder()
		registry.RegisterFragment(graph.Fragment{
			Name: "loop",
			Stages: []models.Stage{
				{Name: "again", Type: models.SubgraphStageType, Subgraph: "loop"},
			},
		})
		_, err := b.Build(&models.WorkflowDefinition{
			Name: "self",
			Stages: []models.Stage{
				{Name: "entry", Type: models.SubgraphStageType, Subgraph: "loop"},
			},
		})
		var cyclic *graph.CyclicCompositionError
		assert.ErrorAs(t, err, &cyclic)
	})

	t.Run("ParallelFanOut", func(t *testing.T) {
		b, _ := newBuilder()
		g, err := b.Build(&models.WorkflowDefinition{
			Name: "fan",
			Stages: []models.Stage{
				agentStage("prepare"),
				{
					Name: "checks",
					Type: models.ParallelStageType,
					Parallel: []models.Stage{
						agentStage("lint"),
						{Name: "tests", Roles: []string{"worker"}, BestEffort: true},
					},
				},
				agentStage("merge"),
			},
		})
		assert.NoError(t, err)

		fan, ok := g.FanOutFrom("prepare")
		assert.True(t, ok)
		assert.Equal(t, "merge", fan.Join)
		assert.Len(t, fan.Branches, 2)
		assert.False(t, fan.BestEffort["lint"])
		assert.True(t, fan.BestEffort["tests"])
	})

	t.Run("ParallelAtTailJoinsAtEnd", func(t *testing.T) {
		b, _ := newBuilder()
		g, err := b.Build(&models.WorkflowDefinition{
			Name: "fan-tail",
			Stages: []models.Stage{
				agentStage("prepare"),
				{
					Name: "checks",
					Type: models.ParallelStageType,
					Parallel: []models.Stage{
						agentStage("lint"),
						agentStage("tests"),
					},
				},
			},
		})
		assert.NoError(t, err)

		fan, ok := g.FanOutFrom("prepare")
		assert.True(t, ok)
		assert.Equal(t, graph.EndNodeName, fan.Join)
	})

	t.Run("EmptyParallelStage", func(t *testing.T) {
		b, _ := newBuilder()
		_, err := b.Build(&models.WorkflowDefinition{
			Name: "fan-empty",
			Stages: []models.Stage{
				{Name: "checks", Type: models.ParallelStageType},
			},
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "parallel stage has no branches")
	})

	t.Run("ParallelCannotBeSkippable", func(t *testing.T) {
		b, _ := newBuilder()
		_, err := b.Build(&models.WorkflowDefinition{
			Name: "skip-fan",
			Stages: []models.Stage{
				agentStage("prepare"),
				{
					Name:      "checks",
					Type:      models.ParallelStageType,
					Skippable: true,
					Parallel: []models.Stage{
						agentStage("lint"),
					},
				},
			},
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "cannot be skippable")
	})

	t.Run("SubgraphEndingInParallelRejected", func(t *testing.T) {
		b, registry := newBuilder()
		registry.RegisterFragment(graph.Fragment{
			Name: "fanning",
			Stages: []models.Stage{
				{
					Name:     "checks",
					Type:     models.ParallelStageType,
					Parallel: []models.Stage{agentStage("lint")},
				},
			},
		})
		_, err := b.Build(&models.WorkflowDefinition{
			Name: "bad",
			Stages: []models.Stage{
				{Name: "ref", Type: models.SubgraphStageType, Subgraph: "fanning"},
			},
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "cannot be its last stage")
	})
}

func TestRegistry(t *testing.T) {
	registry := graph.NewRegistry()
	registry.RegisterFragment(graph.Fragment{Name: "beta"})
	registry.RegisterFragment(graph.Fragment{Name: "alpha"})
	registry.RegisterPredicate("always-yes", func(models.RunState) string { return "yes" })

	_, ok := registry.Fragment("beta")
	assert.True(t, ok)
	_, ok = registry.Fragment("gamma")
	assert.False(t, ok)

	p, ok := registry.Predicate("always-yes")
	assert.True(t, ok)
	assert.Equal(t, "yes", p(models.RunState{}))

	assert.Equal(t, []string{"alpha", "beta"}, registry.FragmentNames())
}
