package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/VitalyOstanin/flowcraft/pkg/graph"
	"github.com/VitalyOstanin/flowcraft/pkg/models"
	"github.com/VitalyOstanin/flowcraft/pkg/resource"
	"github.com/VitalyOstanin/flowcraft/pkg/storage"
	"github.com/VitalyOstanin/flowcraft/pkg/trust"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Logger defines the logging interface for the Engine.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// HumanChannel delivers a suspension prompt to a human and returns the
// reply. It is optional: without one, suspended runs simply park until
// Resume is called.
type HumanChannel interface {
	Ask(ctx context.Context, runID, prompt string) (string, error)
}

// inputKeyer is implemented by nodes whose reply lands in the result map
// under a configurable key.
type inputKeyer interface {
	InputKey() string
}

// Engine drives workflow runs: it compiles registered definitions once,
// executes nodes against value copies of the run state, and writes an
// auto checkpoint after every committed transition so a run can resume
// from its last durable state after any interruption.
type Engine struct {
	store     storage.Store
	ledger    *trust.Ledger
	resources *resource.Manager
	builder   *graph.Builder
	human     HumanChannel
	sink      EventSink
	logger    Logger

	mu          sync.Mutex
	definitions map[string]*models.WorkflowDefinition
	graphs      map[string]*graph.Graph
	runLocks    map[string]*sync.Mutex
}

func NewEngine(store storage.Store, ledger *trust.Ledger, resources *resource.Manager, builder *graph.Builder, logger Logger) *Engine {
	return &Engine{
		store:       store,
		ledger:      ledger,
		resources:   resources,
		builder:     builder,
		sink:        NopSink{},
		logger:      logger,
		definitions: make(map[string]*models.WorkflowDefinition),
		graphs:      make(map[string]*graph.Graph),
		runLocks:    make(map[string]*sync.Mutex),
	}
}

// WithHumanChannel lets the engine collect replies inline instead of
// parking suspended runs.
func (e *Engine) WithHumanChannel(h HumanChannel) *Engine {
	e.human = h
	return e
}

// WithSink routes execution events to the given sink.
func (e *Engine) WithSink(s EventSink) *Engine {
	e.sink = s
	return e
}

// RegisterWorkflow compiles and caches a definition. The build validates
// the graph, so structural errors surface here rather than at Start. The
// definition's resources are registered with the lifecycle manager.
func (e *Engine) RegisterWorkflow(def *models.WorkflowDefinition) error {
	g, err := e.builder.Build(def)
	if err != nil {
		return errors.Wrapf(err, "register workflow '%s'", def.Name)
	}
	for _, cfg := range def.Resources {
		e.resources.Register(cfg)
	}
	e.mu.Lock()
	e.definitions[def.Name] = def
	e.graphs[def.Name] = g
	e.mu.Unlock()
	e.logger.Infof("Registered workflow '%s' (%d stages)", def.Name, len(def.Stages))
	return nil
}

// Workflows returns the registered workflow names, sorted.
func (e *Engine) Workflows() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.definitions))
	for name := range e.definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start creates a run for a registered workflow and executes it until it
// completes, suspends, or fails. The run ID is returned even when the
// run ends in failure, so its state stays inspectable.
func (e *Engine) Start(ctx context.Context, workflow, task string) (string, error) {
	g, err := e.graphFor(workflow)
	if err != nil {
		return "", err
	}

	runID := uuid.NewString()
	state := models.NewRunState(runID, workflow, task)
	state.Status = models.RunningRunStatus

	lock := e.lockRun(runID)
	lock.Lock()
	defer lock.Unlock()

	if err := e.saveAuto(state); err != nil {
		return "", errors.Wrapf(err, "start run for workflow '%s'", workflow)
	}
	e.logger.Infof("Started run %s for workflow '%s'", runID, workflow)
	return runID, e.run(ctx, g, state, false)
}

// Resume continues a run from its last auto checkpoint. For a suspended
// run the reply is stored under the pending input key before execution
// continues; for a run interrupted mid-flight the reply is ignored and
// execution picks up at the last committed node.
func (e *Engine) Resume(ctx context.Context, runID, reply string) error {
	lock := e.lockRun(runID)
	lock.Lock()
	defer lock.Unlock()

	state, err := e.loadState(runID)
	if err != nil {
		return err
	}
	if state.Terminal() {
		return errors.Errorf("run '%s' is already %s", runID, state.Status)
	}
	g, err := e.graphFor(state.Workflow)
	if err != nil {
		return err
	}

	if state.Status == models.SuspendedRunStatus {
		if state.PendingInput == nil {
			return errors.Errorf("run '%s' is suspended without pending input", runID)
		}
		if reply == "" {
			return errors.Errorf("run '%s' awaits input: %s", runID, state.PendingInput.Prompt)
		}
		state.Results[state.PendingInput.InputKey] = reply
		state.PendingInput = nil
	}
	state.Status = models.RunningRunStatus
	e.logger.Infof("Resuming run %s at node '%s'", runID, state.CurrentNode)
	return e.run(ctx, g, state, true)
}

// Status returns the run's last committed state.
func (e *Engine) Status(runID string) (models.RunState, error) {
	return e.loadState(runID)
}

// ListRuns returns the IDs of every run known to the store.
func (e *Engine) ListRuns() ([]string, error) {
	return e.store.ListRuns()
}

// SkipStage marks a skippable stage so the execution loop bypasses it
// without producing a result entry. Only non-terminal runs accept skips.
func (e *Engine) SkipStage(runID, stage string) error {
	lock := e.lockRun(runID)
	lock.Lock()
	defer lock.Unlock()

	state, err := e.loadState(runID)
	if err != nil {
		return err
	}
	if state.Terminal() {
		return errors.Errorf("run '%s' is already %s", runID, state.Status)
	}
	g, err := e.graphFor(state.Workflow)
	if err != nil {
		return err
	}
	st, ok := g.StageFor(stage)
	if !ok {
		return errors.Errorf("workflow '%s' has no stage '%s'", state.Workflow, stage)
	}
	if !st.Skippable {
		return errors.Errorf("stage '%s' is not skippable", stage)
	}
	if state.IsSkipped(stage) {
		return nil
	}
	state.SkippedStages = append(state.SkippedStages, stage)
	state.UpdatedAt = time.Now().UTC()
	return e.saveAuto(state)
}

// Cancel aborts a run: held resources are released and the run is marked
// failed with a cancellation reason.
func (e *Engine) Cancel(runID string) error {
	lock := e.lockRun(runID)
	lock.Lock()
	defer lock.Unlock()

	state, err := e.loadState(runID)
	if err != nil {
		return err
	}
	if state.Terminal() {
		return errors.Errorf("run '%s' is already %s", runID, state.Status)
	}
	state.Status = models.FailedRunStatus
	state.ErrorMsg = "cancelled"
	state.PendingInput = nil
	state.UpdatedAt = time.Now().UTC()
	if err := e.saveAuto(state); err != nil {
		return err
	}
	e.resources.ReleaseAll(runID)
	e.publish(Event{Type: RunFailedEvent, RunID: runID, Workflow: state.Workflow, Err: state.ErrorMsg})
	e.logger.Infof("Cancelled run %s", runID)
	return nil
}

// SaveNamedCheckpoint snapshots the run's current state under a name.
// Named checkpoints are retained until deleted; the auto name is reserved.
func (e *Engine) SaveNamedCheckpoint(runID, name string) error {
	if name == "" || name == models.AutoCheckpoint {
		return errors.Errorf("invalid checkpoint name '%s'", name)
	}
	state, err := e.loadState(runID)
	if err != nil {
		return err
	}
	return e.store.SaveCheckpoint(models.Checkpoint{
		RunID:     runID,
		Name:      name,
		State:     state,
		CreatedAt: time.Now().UTC(),
	})
}

// ListCheckpoints returns every checkpoint recorded for a run.
func (e *Engine) ListCheckpoints(runID string) ([]models.Checkpoint, error) {
	return e.store.ListCheckpoints(runID)
}

// TrustRules returns the persistent trust rules.
func (e *Engine) TrustRules() ([]models.TrustRule, error) {
	return e.ledger.Rules()
}

// RecordTrust stores an authorization decision for a command pattern.
func (e *Engine) RecordTrust(pattern string, level models.TrustLevel) error {
	return e.ledger.Record(pattern, level)
}

// ForgetTrust removes a persistent trust rule.
func (e *Engine) ForgetTrust(pattern string) error {
	return e.ledger.Forget(pattern)
}

// run is the execution loop. state.CurrentNode names the node to execute
// next; after each successful node the committed state is checkpointed
// before the outgoing edges are evaluated. The resumed flag covers the
// one case where the loaded node already committed its result before an
// interruption, so that exact node is not executed twice; it never
// applies to later iterations, where a branch may legitimately revisit
// a stage. The caller holds the run lock.
func (e *Engine) run(ctx context.Context, g *graph.Graph, state models.RunState, resumed bool) error {
	for {
		name := state.CurrentNode
		node, ok := g.Node(name)
		if !ok {
			return e.fail(state, errors.Errorf("run '%s': unknown node '%s'", state.RunID, name))
		}

		// Skipped stages bypass Execute entirely and leave no result.
		if state.IsSkipped(name) {
			e.publish(Event{Type: StageSkippedEvent, RunID: state.RunID, Workflow: state.Workflow, Node: name})
			next, err := g.NextUnconditional(name)
			if err != nil {
				return e.fail(state, err)
			}
			state.CurrentNode = next
			continue
		}

		// On resume, a node that already holds its result was committed
		// before the interruption; advance without re-executing it. A
		// fan-out leaving the node still runs: its branch results were
		// never committed.
		if _, done := state.Results[name]; resumed && done && node.Type() == graph.AgentNodeType {
			resumed = false
			if fan, ok := g.FanOutFrom(name); ok {
				merged, err := e.fanOut(ctx, g, state, fan)
				if err != nil {
					return e.fail(state, err)
				}
				merged.CurrentNode = fan.Join
				merged.UpdatedAt = time.Now().UTC()
				if err := e.saveAuto(merged); err != nil {
					return err
				}
				state = merged
				continue
			}
			next, err := g.NextUnconditional(name)
			if err != nil {
				return e.fail(state, err)
			}
			state.CurrentNode = next
			continue
		}
		resumed = false

		if stage, hasStage := g.StageFor(name); hasStage && len(stage.Resources) > 0 {
			if err := e.acquireResources(&state, stage.Resources); err != nil {
				return e.fail(state, errors.Wrapf(err, "stage '%s'", name))
			}
		}

		e.publish(Event{Type: StageStartedEvent, RunID: state.RunID, Workflow: state.Workflow, Node: name})
		outcome := node.Execute(ctx, state.Clone())

		switch outcome.Decision {
		case graph.FailDecision:
			return e.fail(state, outcome.Err)

		case graph.SuspendDecision:
			suspended := outcome.State
			key := name
			if ik, ok := node.(inputKeyer); ok {
				key = ik.InputKey()
			}
			suspended.Status = models.SuspendedRunStatus
			suspended.PendingInput = &models.PendingInput{Node: name, Prompt: outcome.Prompt, InputKey: key}
			suspended.UpdatedAt = time.Now().UTC()
			if err := e.saveAuto(suspended); err != nil {
				return err
			}
			e.publish(Event{Type: AwaitingInputEvent, RunID: state.RunID, Workflow: state.Workflow, Node: name, Prompt: outcome.Prompt})

			if e.human != nil {
				reply, err := e.human.Ask(ctx, suspended.RunID, outcome.Prompt)
				if err == nil && reply != "" {
					suspended.Results[key] = reply
					suspended.PendingInput = nil
					suspended.Status = models.RunningRunStatus
					state = suspended
					continue
				}
				if err != nil {
					e.logger.Errorf("Human channel failed for run %s: %v", suspended.RunID, err)
				}
			}
			return nil
		}

		state = outcome.State
		state.Status = models.RunningRunStatus
		if state.Finished {
			state.Status = models.CompletedRunStatus
		}
		state.UpdatedAt = time.Now().UTC()
		if err := e.saveAuto(state); err != nil {
			return err
		}
		e.publish(Event{Type: StageCompletedEvent, RunID: state.RunID, Workflow: state.Workflow, Node: name})

		if state.Finished {
			e.resources.ReleaseAll(state.RunID)
			e.publish(Event{Type: RunCompletedEvent, RunID: state.RunID, Workflow: state.Workflow})
			e.logger.Infof("Run %s completed", state.RunID)
			return nil
		}

		if fan, ok := g.FanOutFrom(name); ok {
			merged, err := e.fanOut(ctx, g, state, fan)
			if err != nil {
				return e.fail(state, err)
			}
			merged.CurrentNode = fan.Join
			merged.UpdatedAt = time.Now().UTC()
			if err := e.saveAuto(merged); err != nil {
				return err
			}
			state = merged
			continue
		}

		var next string
		var err error
		if node.Type() == graph.ConditionalNodeType {
			next, err = g.NextByLabel(name, outcome.Label)
		} else {
			next, err = g.NextUnconditional(name)
		}
		if err != nil {
			return e.fail(state, err)
		}
		state.CurrentNode = next
	}
}

// fanOut executes the branches of a parallel block concurrently, each on
// its own copy of the committed state, and merges branch results into a
// single state. A best-effort branch may fail without failing the join;
// its name is recorded so the final result can report it.
func (e *Engine) fanOut(ctx context.Context, g *graph.Graph, state models.RunState, fan graph.FanOut) (models.RunState, error) {
	var mu sync.Mutex
	merged := state.Clone()

	grp, ctx := errgroup.WithContext(ctx)
	for _, branch := range fan.Branches {
		branch := branch
		grp.Go(func() error {
			st := state.Clone()
			for _, name := range branch {
				node, ok := g.Node(name)
				if !ok {
					return errors.Errorf("run '%s': unknown node '%s'", st.RunID, name)
				}
				if st.IsSkipped(name) {
					e.publish(Event{Type: StageSkippedEvent, RunID: st.RunID, Workflow: st.Workflow, Node: name})
					continue
				}
				if stage, hasStage := g.StageFor(name); hasStage && len(stage.Resources) > 0 {
					if err := e.acquireResources(&st, stage.Resources); err != nil {
						return errors.Wrapf(err, "stage '%s'", name)
					}
					mu.Lock()
					for _, r := range st.ActiveResources {
						if !merged.HasResource(r) {
							merged.ActiveResources = append(merged.ActiveResources, r)
						}
					}
					mu.Unlock()
				}

				e.publish(Event{Type: StageStartedEvent, RunID: st.RunID, Workflow: st.Workflow, Node: name})
				out := node.Execute(ctx, st.Clone())
				switch out.Decision {
				case graph.SuspendDecision:
					return errors.Errorf("stage '%s': human input inside a parallel block is not supported", name)
				case graph.FailDecision:
					if fan.BestEffort[branch[0]] {
						e.logger.Errorf("Best-effort branch '%s' failed: %v", name, out.Err)
						mu.Lock()
						merged.FailedStages = append(merged.FailedStages, name)
						mu.Unlock()
						return nil
					}
					return out.Err
				}
				st = out.State
				e.publish(Event{Type: StageCompletedEvent, RunID: st.RunID, Workflow: st.Workflow, Node: name})
			}

			mu.Lock()
			for k, v := range st.Results {
				merged.Results[k] = v
			}
			mu.Unlock()
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return models.RunState{}, err
	}
	return merged, nil
}

// fail commits the failed state, releases held resources, and surfaces
// the cause. The committed results up to the failure remain durable.
func (e *Engine) fail(state models.RunState, cause error) error {
	state.Status = models.FailedRunStatus
	state.ErrorMsg = cause.Error()
	state.UpdatedAt = time.Now().UTC()
	if err := e.saveAuto(state); err != nil {
		e.logger.Errorf("Failed to checkpoint failed run %s: %v", state.RunID, err)
	}
	e.resources.ReleaseAll(state.RunID)
	e.publish(Event{Type: RunFailedEvent, RunID: state.RunID, Workflow: state.Workflow, Node: state.CurrentNode, Err: cause.Error()})
	e.logger.Errorf("Run %s failed: %v", state.RunID, cause)
	return cause
}

func (e *Engine) acquireResources(state *models.RunState, names []string) error {
	for _, name := range names {
		if err := e.resources.Acquire(name, state.RunID); err != nil {
			return err
		}
		if !state.HasResource(name) {
			state.ActiveResources = append(state.ActiveResources, name)
		}
	}
	return nil
}

func (e *Engine) saveAuto(state models.RunState) error {
	err := e.store.SaveCheckpoint(models.Checkpoint{
		RunID:     state.RunID,
		Name:      models.AutoCheckpoint,
		State:     state,
		CreatedAt: time.Now().UTC(),
	})
	return errors.Wrapf(err, "checkpoint run '%s'", state.RunID)
}

func (e *Engine) loadState(runID string) (models.RunState, error) {
	cp, err := e.store.GetCheckpoint(runID, models.AutoCheckpoint)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.RunState{}, errors.Errorf("run '%s' not found", runID)
		}
		return models.RunState{}, errors.Wrapf(err, "load run '%s'", runID)
	}
	return models.MigrateState(cp.State), nil
}

func (e *Engine) graphFor(workflow string) (*graph.Graph, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.graphs[workflow]
	if !ok {
		return nil, errors.Errorf("workflow '%s' is not registered", workflow)
	}
	return g, nil
}

func (e *Engine) lockRun(runID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.runLocks[runID]
	if !ok {
		lock = &sync.Mutex{}
		e.runLocks[runID] = lock
	}
	return lock
}

func (e *Engine) publish(event Event) {
	if e.sink != nil {
		e.sink.Publish(event)
	}
}
