package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/VitalyOstanin/flowcraft/internal/config"
	flowhttp "github.com/VitalyOstanin/flowcraft/internal/http"
	"github.com/VitalyOstanin/flowcraft/internal/log"
	internal_storage "github.com/VitalyOstanin/flowcraft/internal/storage"
	"github.com/VitalyOstanin/flowcraft/pkg/engine"
	"github.com/VitalyOstanin/flowcraft/pkg/graph"
	"github.com/VitalyOstanin/flowcraft/pkg/models"
	"github.com/VitalyOstanin/flowcraft/pkg/resource"
	"github.com/VitalyOstanin/flowcraft/pkg/storage"
	"github.com/VitalyOstanin/flowcraft/pkg/trust"
	"github.com/spf13/cobra"
)

func SetupCLI(rootCmd *cobra.Command) {
	runCmd := &cobra.Command{
		Use:   "run [workflow] [task]",
		Short: "Start a workflow run for a task",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			eng, cleanup := buildEngine(cmd)
			defer cleanup()
			runID, err := eng.Start(context.Background(), args[0], args[1])
			if err != nil {
				log.GetLogger().Errorf("Run failed: %v", err)
				if runID != "" {
					fmt.Fprintf(os.Stderr, "Run %s failed: %v\n", runID, err)
				} else {
					fmt.Fprintf(os.Stderr, "Error: failed to start run: %v\n", err)
				}
				os.Exit(1)
			}
			printRunState(eng, runID)
		},
	}

	resumeCmd := &cobra.Command{
		Use:   "resume [run-id] [reply]",
		Short: "Resume a suspended or interrupted run",
		Args:  cobra.RangeArgs(1, 2),
		Run: func(cmd *cobra.Command, args []string) {
			eng, cleanup := buildEngine(cmd)
			defer cleanup()
			reply := ""
			if len(args) == 2 {
				reply = args[1]
			}
			if err := eng.Resume(context.Background(), args[0], reply); err != nil {
				log.GetLogger().Errorf("Resume failed: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to resume run: %v\n", err)
				os.Exit(1)
			}
			printRunState(eng, args[0])
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show a run's current state",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			eng, cleanup := buildEngine(cmd)
			defer cleanup()
			printRunState(eng, args[0])
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all known runs",
		Run: func(cmd *cobra.Command, args []string) {
			eng, cleanup := buildEngine(cmd)
			defer cleanup()
			runs, err := eng.ListRuns()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to list runs: %v\n", err)
				os.Exit(1)
			}
			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return
			}
			for _, runID := range runs {
				state, err := eng.Status(runID)
				if err != nil {
					fmt.Printf("- %s (state unavailable: %v)\n", runID, err)
					continue
				}
				fmt.Printf("- %s  %s  workflow=%s  node=%s\n", runID, state.Status, state.Workflow, state.CurrentNode)
			}
		},
	}

	workflowsCmd := &cobra.Command{
		Use:   "workflows",
		Short: "List the registered workflow definitions",
		Run: func(cmd *cobra.Command, args []string) {
			eng, cleanup := buildEngine(cmd)
			defer cleanup()
			names := eng.Workflows()
			if len(names) == 0 {
				fmt.Println("No workflows found.")
				return
			}
			for _, name := range names {
				fmt.Printf("- %s\n", name)
			}
		},
	}

	checkpointCmd := &cobra.Command{
		Use:   "checkpoint [run-id] [name]",
		Short: "List a run's checkpoints, or save a named one",
		Args:  cobra.RangeArgs(1, 2),
		Run: func(cmd *cobra.Command, args []string) {
			eng, cleanup := buildEngine(cmd)
			defer cleanup()
			if len(args) == 2 {
				if err := eng.SaveNamedCheckpoint(args[0], args[1]); err != nil {
					fmt.Fprintf(os.Stderr, "Error: failed to save checkpoint: %v\n", err)
					os.Exit(1)
				}
				fmt.Printf("Saved checkpoint '%s' for run %s\n", args[1], args[0])
				return
			}
			cps, err := eng.ListCheckpoints(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to list checkpoints: %v\n", err)
				os.Exit(1)
			}
			if len(cps) == 0 {
				fmt.Println("No checkpoints found.")
				return
			}
			for _, cp := range cps {
				fmt.Printf("- %s  node=%s  status=%s  %s\n", cp.Name, cp.State.CurrentNode, cp.State.Status, cp.CreatedAt.Format("2006-01-02 15:04:05"))
			}
		},
	}

	trustCmd := &cobra.Command{
		Use:   "trust [list|set|forget] [pattern] [level]",
		Short: "Inspect or edit the persistent trust rules",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			eng, cleanup := buildEngine(cmd)
			defer cleanup()
			switch args[0] {
			case "list":
				rules, err := eng.TrustRules()
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: failed to list trust rules: %v\n", err)
					os.Exit(1)
				}
				if len(rules) == 0 {
					fmt.Println("No trust rules found.")
					return
				}
				for _, rule := range rules {
					fmt.Printf("- %-8s %s\n", rule.Level, rule.Pattern)
				}
			case "set":
				if len(args) != 3 {
					fmt.Fprintln(os.Stderr, "Usage: trust set [pattern] [level]")
					os.Exit(1)
				}
				level := models.TrustLevel(args[2])
				if !models.ValidTrustLevel(level) {
					fmt.Fprintf(os.Stderr, "Error: invalid trust level '%s'\n", args[2])
					os.Exit(1)
				}
				if err := eng.RecordTrust(args[1], level); err != nil {
					fmt.Fprintf(os.Stderr, "Error: failed to record trust rule: %v\n", err)
					os.Exit(1)
				}
				fmt.Printf("Recorded %s rule for '%s'\n", level, args[1])
			case "forget":
				if len(args) != 2 {
					fmt.Fprintln(os.Stderr, "Usage: trust forget [pattern]")
					os.Exit(1)
				}
				if err := eng.ForgetTrust(args[1]); err != nil {
					fmt.Fprintf(os.Stderr, "Error: failed to delete trust rule: %v\n", err)
					os.Exit(1)
				}
				fmt.Printf("Deleted trust rule '%s'\n", args[1])
			default:
				fmt.Fprintf(os.Stderr, "Unknown trust subcommand '%s'\n", args[0])
				os.Exit(1)
			}
		},
	}

	templateCmd := &cobra.Command{
		Use:   "template [path]",
		Short: "Write a starter workflow definition file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := config.WriteTemplate(args[0]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Wrote workflow template to %s\n", args[0])
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the FlowCraft HTTP server",
		Run: func(cmd *cobra.Command, args []string) {
			port, _ := cmd.Flags().GetString("port")
			eng, cleanup := buildEngine(cmd)
			defer cleanup()
			if err := flowhttp.StartServer(port, eng); err != nil {
				log.GetLogger().Errorf("Server failed: %v", err)
				os.Exit(1)
			}
		},
	}
	serveCmd.Flags().String("port", "8080", "HTTP port to listen on")

	rootCmd.AddCommand(runCmd, resumeCmd, statusCmd, listCmd, workflowsCmd, checkpointCmd, trustCmd, templateCmd, serveCmd)
}

// buildEngine assembles the full stack for a CLI invocation: store (the
// Postgres one when --db is given, in-memory otherwise), trust ledger
// with terminal confirmation, resource manager, and the engine with every
// definition from the workflow directory registered.
func buildEngine(cmd *cobra.Command) (*engine.Engine, func()) {
	logger := log.GetLogger()

	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		logger.Errorf("Error retrieving db flag: %v", err)
		os.Exit(1)
	}
	var store storage.Store
	if dbConnStr != "" {
		pg, err := internal_storage.InitStore(dbConnStr)
		if err != nil {
			logger.Errorf("Failed to initialize store: %v", err)
			os.Exit(1)
		}
		store = pg
	} else {
		logger.Infof("No --db given, using in-memory store")
		store = storage.NewMockStore()
	}

	ledger := trust.NewLedger(store, logger)
	manager := resource.NewManager(resource.NewExecSupervisor(), ledger, terminalConfirm, logger)
	registry := graph.NewRegistry()
	builder := graph.NewBuilder(registry, echoProvider{})

	eng := engine.NewEngine(store, ledger, manager, builder, logger).
		WithHumanChannel(terminalHuman{}).
		WithSink(consoleSink{})

	dir, err := cmd.Flags().GetString("workflows")
	if err != nil {
		logger.Errorf("Error retrieving workflows flag: %v", err)
		os.Exit(1)
	}
	if defs, err := config.LoadDirectory(dir); err != nil {
		logger.Errorf("Failed to load workflow definitions from %s: %v", dir, err)
	} else {
		for _, def := range defs {
			if err := eng.RegisterWorkflow(def); err != nil {
				logger.Errorf("Failed to register workflow '%s': %v", def.Name, err)
			}
		}
	}

	cleanup := func() {
		manager.Shutdown()
		if err := store.Close(); err != nil {
			logger.Errorf("Failed to close store: %v", err)
		}
	}
	return eng, cleanup
}

func printRunState(eng *engine.Engine, runID string) {
	state, err := eng.Status(runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to get run status: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Run:      %s\n", state.RunID)
	fmt.Printf("Workflow: %s\n", state.Workflow)
	fmt.Printf("Task:     %s\n", state.Task)
	fmt.Printf("Status:   %s\n", state.Status)
	fmt.Printf("Node:     %s\n", state.CurrentNode)
	if state.PendingInput != nil {
		fmt.Printf("Awaiting: %s\n", state.PendingInput.Prompt)
	}
	if state.ErrorMsg != "" {
		fmt.Printf("Error:    %s\n", state.ErrorMsg)
	}
	if len(state.Results) > 0 {
		fmt.Println("Results:")
		for stage, result := range state.Results {
			fmt.Printf("  %s: %s\n", stage, result)
		}
	}
}

// terminalHuman collects suspension replies interactively.
type terminalHuman struct{}

func (terminalHuman) Ask(_ context.Context, runID, prompt string) (string, error) {
	fmt.Printf("[%s] %s\n> ", runID, prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// terminalConfirm asks the operator to authorize a command that has no
// matching trust rule.
func terminalConfirm(command string) (models.TrustLevel, error) {
	fmt.Printf("Allow command '%s'? [once/session/always/deny] ", command)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return models.DenyTrustLevel, err
	}
	level := models.TrustLevel(strings.TrimSpace(strings.ToLower(line)))
	if !models.ValidTrustLevel(level) {
		return models.DenyTrustLevel, nil
	}
	return level, nil
}

// consoleSink prints execution milestones as they happen.
type consoleSink struct{}

func (consoleSink) Publish(event engine.Event) {
	switch event.Type {
	case engine.StageStartedEvent:
		fmt.Printf("-> %s\n", event.Node)
	case engine.StageSkippedEvent:
		fmt.Printf("-- %s (skipped)\n", event.Node)
	case engine.AwaitingInputEvent:
		fmt.Printf("?? %s\n", event.Node)
	case engine.RunCompletedEvent:
		fmt.Println("Run completed.")
	case engine.RunFailedEvent:
		fmt.Printf("Run failed: %s\n", event.Err)
	}
}

// echoProvider is a stand-in completion provider: it acknowledges the
// stage instead of calling a model. Wire a real client here when one is
// available.
type echoProvider struct{}

func (echoProvider) Complete(_ context.Context, _, taskContext string) (string, error) {
	first := taskContext
	if i := strings.IndexByte(taskContext, '\n'); i > 0 {
		first = taskContext[:i]
	}
	return "done: " + strings.TrimPrefix(first, "Task: "), nil
}
