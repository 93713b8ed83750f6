package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/muster/internal/backend"
	"github.com/cloud-shuttle/muster/internal/budget"
	"github.com/cloud-shuttle/muster/internal/db"
	"github.com/cloud-shuttle/muster/internal/events"
	"github.com/cloud-shuttle/muster/internal/logging"
	"github.com/cloud-shuttle/muster/internal/orchestrator"
	"github.com/cloud-shuttle/muster/internal/policy"
	"github.com/cloud-shuttle/muster/internal/speckit"
	"github.com/cloud-shuttle/muster/internal/worktree"
	"github.com/cloud-shuttle/muster/pkg/types"
)

// runtime bundles the wired components a command needs.
type runtime struct {
	store *db.Store
	bus   *events.Bus
	orch  *orchestrator.Orchestrator
	be    backend.JobBackend
	close func()
}

func buildRuntime(dir string, store *db.Store) (*runtime, error) {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus()
	engine := policy.NewEngine(cfg.Policy)
	guard := budget.NewGuard(store, cfg.Budget, logger)
	worktrees := worktree.NewManager(dir, filepath.Join(dir, cfg.Worktrees.Dir), store, logger)
	orch := orchestrator.New(store, bus, engine, guard, worktrees, cfg.PersistRetries, logger)

	script := backend.NewScriptExecutor(speckit.Platform(cfg.Scripts.Platform), logger)
	agent := backend.NewAgentExecutor(cfg.Agent.Command, cfg.Agent.Args, cfg.Agent.Timeout, logger)
	mux := &backend.Mux{
		Handlers: map[types.StepType]backend.StepExecutor{
			types.StepTypeProjectSetup: script,
			types.StepTypePlan:         script,
			types.StepTypeQuality:      script,
		},
		Default: agent,
	}

	rt := &runtime{store: store, bus: bus, orch: orch}

	switch cfg.Backend.Kind {
	case "dbos":
		dbosCtx, err := dbos.NewDBOSContext(context.Background(), dbos.Config{
			AppName:     "muster",
			DatabaseURL: cfg.Backend.DBOSDatabaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("creating DBOS context: %w", err)
		}
		be := backend.NewDBOSBackend(dbosCtx, cfg.Backend.QueueName, mux, orch, logger)
		if err := dbos.Launch(dbosCtx); err != nil {
			return nil, fmt.Errorf("launching DBOS: %w", err)
		}
		rt.be = be
		rt.close = func() {
			be.Close()
			dbos.Shutdown(dbosCtx, 5*time.Second)
			bus.Close()
		}
	default:
		be := backend.NewLocalBackend(mux, orch, logger)
		rt.be = be
		rt.close = func() {
			be.Close()
			bus.Close()
		}
	}

	orch.SetBackend(rt.be)
	return rt, nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize muster in the current repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.Getwd()
			if err != nil {
				return err
			}

			musterDir := filepath.Join(dir, ".muster")
			if _, err := os.Stat(musterDir); err == nil {
				return fmt.Errorf("already initialized in %s", musterDir)
			}
			if err := os.MkdirAll(musterDir, 0755); err != nil {
				return fmt.Errorf("creating .muster directory: %w", err)
			}

			store, err := db.New(filepath.Join(musterDir, "muster.db"))
			if err != nil {
				return fmt.Errorf("creating database: %w", err)
			}
			defer store.Close()

			fmt.Printf("Initialized muster in %s\n", musterDir)
			fmt.Println("\nNext steps:")
			fmt.Println("  muster project add my-project --git-url <url>")
			fmt.Println("  muster run create --project my-project --protocol feature")
			return nil
		},
	}
}

func projectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}

	var gitURL, baseBranch string
	addCmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			p, err := store.CreateProject(&types.Project{
				Name:       args[0],
				GitURL:     gitURL,
				BaseBranch: baseBranch,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Project %q registered (id %d)\n", p.Name, p.ID)
			return nil
		},
	}
	addCmd.Flags().StringVar(&gitURL, "git-url", "", "git remote URL")
	addCmd.Flags().StringVar(&baseBranch, "base-branch", "main", "base branch for worktrees")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			projects, err := store.ListProjects()
			if err != nil {
				return err
			}
			for _, p := range projects {
				fmt.Printf("%d\t%s\t%s\n", p.ID, p.Name, p.GitURL)
			}
			return nil
		},
	}

	cmd.AddCommand(addCmd, listCmd)
	return cmd
}

func defaultPlan() []types.StepSpec {
	return []types.StepSpec{
		{Name: "plan", Type: types.StepTypePlan},
		{Name: "execute", Type: types.StepTypeExecute},
		{Name: "quality", Type: types.StepTypeQuality},
	}
}

func loadPlan(path string) ([]types.StepSpec, error) {
	if path == "" {
		return defaultPlan(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	var plan []types.StepSpec
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parsing plan: %w", err)
	}
	return plan, nil
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage protocol runs",
	}
	cmd.AddCommand(
		runCreateCmd(),
		runStartCmd(),
		runListCmd(),
		runStatusCmd(),
		runPauseCmd(),
		runResumeCmd(),
		runCancelCmd(),
		runCleanupCmd(),
	)
	return cmd
}

func runCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup <run-id>",
		Short: "Remove a finished run's worktree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid run id %q", args[0])
			}
			run, err := store.GetProtocolRun(id)
			if err != nil {
				return err
			}
			if run == nil {
				return fmt.Errorf("run %d not found", id)
			}
			if !run.Status.Terminal() {
				return fmt.Errorf("run %d is %s; cleanup only applies to finished runs", id, run.Status)
			}

			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			worktrees := worktree.NewManager(dir, filepath.Join(dir, cfg.Worktrees.Dir), store, logger)
			worktrees.Remove(cmd.Context(), run)
			fmt.Printf("Removed worktree for run %d\n", id)
			return nil
		},
	}
}

func runCreateCmd() *cobra.Command {
	var project, protocol, description, planPath string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a protocol run",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			rt, err := buildRuntime(dir, store)
			if err != nil {
				return err
			}
			defer rt.close()

			proj, err := store.GetProjectByName(project)
			if err != nil {
				return err
			}
			if proj == nil {
				return fmt.Errorf("unknown project %q", project)
			}

			plan, err := loadPlan(planPath)
			if err != nil {
				return err
			}

			run, err := rt.orch.CreateRun(cmd.Context(), &types.ProtocolRun{
				ProjectID:    proj.ID,
				ProtocolName: protocol,
				BaseBranch:   proj.BaseBranch,
				Description:  description,
				Plan:         plan,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Run %d created (%d steps). Start it with: muster run start %d\n",
				run.ID, len(run.Plan), run.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project name (required)")
	cmd.Flags().StringVar(&protocol, "protocol", "feature", "protocol name")
	cmd.Flags().StringVar(&description, "description", "", "what this run should accomplish")
	cmd.Flags().StringVar(&planPath, "plan", "", "JSON file with the step plan")
	cmd.MarkFlagRequired("project")
	return cmd
}

func runStartCmd() *cobra.Command {
	var detach bool
	cmd := &cobra.Command{
		Use:   "start <run-id>",
		Short: "Start a pending run and watch it to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid run id %q", args[0])
			}

			dir, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			rt, err := buildRuntime(dir, store)
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.orch.StartRun(cmd.Context(), runID); err != nil {
				return err
			}
			if detach {
				fmt.Printf("Run %d started\n", runID)
				return nil
			}
			return watchRun(cmd.Context(), rt, runID)
		},
	}
	cmd.Flags().BoolVar(&detach, "detach", false, "do not wait for the run to finish")
	return cmd
}

// watchRun streams events until the run reaches a terminal state or the
// user interrupts.
func watchRun(ctx context.Context, rt *runtime, runID int64) error {
	ch, unsubscribe := rt.bus.Subscribe()
	defer unsubscribe()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if ok && ev.ProtocolRunID == runID {
				fmt.Printf("[%s] %s\n", ev.EventType, ev.Message)
			}
		case <-sig:
			fmt.Println("\nDetaching; the run keeps its persisted state.")
			return nil
		case <-ticker.C:
			run, err := rt.store.GetProtocolRun(runID)
			if err != nil {
				return err
			}
			if run.Status.Terminal() {
				fmt.Printf("Run %d finished: %s\n", runID, run.Status)
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func runListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List protocol runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListProtocolRuns(0)
			if err != nil {
				return err
			}
			for _, run := range runs {
				fmt.Printf("%d\t%s\t%s\t%d steps\n", run.ID, run.ProtocolName, run.Status, len(run.Plan))
			}
			return nil
		},
	}
}

func runStatusCmd() *cobra.Command {
	var showEvents bool
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run's steps and recent events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid run id %q", args[0])
			}

			_, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetProtocolRun(runID)
			if err != nil {
				return err
			}
			if run == nil {
				return fmt.Errorf("run %d not found", runID)
			}

			fmt.Printf("Run %d  %s  %s\n", run.ID, run.ProtocolName, run.Status)
			if run.WorktreePath != "" {
				fmt.Printf("Worktree: %s\n", run.WorktreePath)
			}

			steps, err := store.ListStepRuns(runID)
			if err != nil {
				return err
			}
			for _, s := range steps {
				fmt.Printf("  [%d] %s (%s)  %s  retries=%d\n",
					s.StepIndex, s.StepName, s.StepType, s.Status, s.Retries)
			}

			if showEvents {
				evs, err := store.ListEvents(runID)
				if err != nil {
					return err
				}
				fmt.Println("Events:")
				for _, ev := range evs {
					fmt.Printf("  %s  %s\n", ev.EventType, ev.Message)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showEvents, "events", false, "include the event history")
	return cmd
}

func runLifecycleCmd(use, short string, action func(*runtime, context.Context, int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <run-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid run id %q", args[0])
			}

			dir, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			rt, err := buildRuntime(dir, store)
			if err != nil {
				return err
			}
			defer rt.close()

			return action(rt, cmd.Context(), runID)
		},
	}
}

func runPauseCmd() *cobra.Command {
	return runLifecycleCmd("pause", "Pause a running run", func(rt *runtime, ctx context.Context, id int64) error {
		return rt.orch.PauseRun(ctx, id)
	})
}

func runResumeCmd() *cobra.Command {
	return runLifecycleCmd("resume", "Resume a paused run", func(rt *runtime, ctx context.Context, id int64) error {
		if err := rt.orch.ResumeRun(ctx, id); err != nil {
			return err
		}
		return watchRun(ctx, rt, id)
	})
}

func runCancelCmd() *cobra.Command {
	return runLifecycleCmd("cancel", "Cancel a run", func(rt *runtime, ctx context.Context, id int64) error {
		return rt.orch.CancelRun(ctx, id)
	})
}

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agent assignments",
	}

	var project string
	var agentID, promptID, model string
	var global bool
	assignCmd := &cobra.Command{
		Use:   "assign <process-key>",
		Short: "Assign an agent to a step type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			var projectID int64
			if !global {
				proj, err := store.GetProjectByName(project)
				if err != nil {
					return err
				}
				if proj == nil {
					return fmt.Errorf("unknown project %q", project)
				}
				projectID = proj.ID
			}

			err = store.UpsertAgentAssignment(&types.AgentAssignment{
				ProjectID:     projectID,
				ProcessKey:    args[0],
				AgentID:       agentID,
				PromptID:      promptID,
				ModelOverride: model,
				Enabled:       true,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Assigned %s to %s\n", agentID, args[0])
			return nil
		},
	}
	assignCmd.Flags().StringVar(&project, "project", "", "project name")
	assignCmd.Flags().BoolVar(&global, "global", false, "write the global default row")
	assignCmd.Flags().StringVar(&agentID, "agent", "", "agent id (required)")
	assignCmd.Flags().StringVar(&promptID, "prompt", "", "prompt id")
	assignCmd.Flags().StringVar(&model, "model", "", "model override")
	assignCmd.MarkFlagRequired("agent")

	var overrideProject, overrideAgent, payload string
	overrideCmd := &cobra.Command{
		Use:   "override",
		Short: "Attach a per-project override payload to an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			proj, err := store.GetProjectByName(overrideProject)
			if err != nil {
				return err
			}
			if proj == nil {
				return fmt.Errorf("unknown project %q", overrideProject)
			}

			var overrides map[string]any
			if err := json.Unmarshal([]byte(payload), &overrides); err != nil {
				return fmt.Errorf("invalid override payload: %w", err)
			}
			err = store.SetAgentOverride(&types.AgentOverride{
				ProjectID: proj.ID,
				AgentID:   overrideAgent,
				Overrides: overrides,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Override set for %s in %s\n", overrideAgent, overrideProject)
			return nil
		},
	}
	overrideCmd.Flags().StringVar(&overrideProject, "project", "", "project name (required)")
	overrideCmd.Flags().StringVar(&overrideAgent, "agent", "", "agent id (required)")
	overrideCmd.Flags().StringVar(&payload, "payload", "{}", "override payload as JSON")
	overrideCmd.MarkFlagRequired("project")
	overrideCmd.MarkFlagRequired("agent")

	var inheritProject string
	var inheritOff bool
	inheritCmd := &cobra.Command{
		Use:   "inherit",
		Short: "Toggle a project's fallback to global assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			proj, err := store.GetProjectByName(inheritProject)
			if err != nil {
				return err
			}
			if proj == nil {
				return fmt.Errorf("unknown project %q", inheritProject)
			}
			if err := store.SetInheritGlobal(proj.ID, !inheritOff); err != nil {
				return err
			}
			if inheritOff {
				fmt.Printf("%s no longer inherits global assignments\n", inheritProject)
			} else {
				fmt.Printf("%s inherits global assignments\n", inheritProject)
			}
			return nil
		},
	}
	inheritCmd.Flags().StringVar(&inheritProject, "project", "", "project name (required)")
	inheritCmd.Flags().BoolVar(&inheritOff, "off", false, "stop inheriting global assignments")
	inheritCmd.MarkFlagRequired("project")

	cmd.AddCommand(assignCmd, overrideCmd, inheritCmd)
	return cmd
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Redispatch runs whose in-flight work was lost",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			rt, err := buildRuntime(dir, store)
			if err != nil {
				return err
			}
			defer rt.close()

			n, err := rt.orch.RecoverStuckRuns(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Recovered %d runs\n", n)
			return nil
		},
	}
}

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <reference>",
		Short: "Resolve a muster://job/... reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			step, err := store.GetStepRunByJobReference(args[0])
			if err != nil {
				return err
			}
			if step == nil {
				return fmt.Errorf("no step carries reference %q", args[0])
			}
			fmt.Printf("Step %d (%s) %s\n%s\n", step.ID, step.StepName, step.Status, step.Summary)
			return nil
		},
	}
}
