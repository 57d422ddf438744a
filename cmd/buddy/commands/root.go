// Package commands implements the buddy CLI.
package commands

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/raffenmb/buddy-sub000/pkg/assistant"
	"github.com/raffenmb/buddy-sub000/pkg/assistant/memory"
	"github.com/raffenmb/buddy-sub000/pkg/scheduler"
)

var (
	configPath string
	verbose    bool
)

// NewRootCmd builds the CLI tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "buddy",
		Short: "Personal assistant agent runtime",
		Long:  "buddy runs AI assistant agents with tool access to the host: shell, files, long-lived processes, memory and scheduled tasks.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "buddy.yaml", "config file path")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newServeCmd())
	root.AddCommand(newChatCmd())
	root.AddCommand(newSetupCmd())
	root.AddCommand(newScheduleCmd())
	root.AddCommand(newPsCmd())

	return root
}

// runtime bundles everything a command needs. Built per invocation, passed
// explicitly; no package-level state beyond the flags above.
type runtime struct {
	cfg        assistant.Config
	db         *sql.DB
	bus        *assistant.EventBus
	sessions   *assistant.SessionStore
	memory     *memory.Store
	executor   *assistant.HostExecutor
	supervisor *assistant.ProcessSupervisor
	approvals  *assistant.ApprovalManager
	orch       *assistant.Orchestrator
	storage    *scheduler.Storage
}

func (r *runtime) Close() {
	if r.db != nil {
		r.db.Close()
	}
}

// buildRuntime loads config and wires the full stack. withModel controls
// whether a missing API key is fatal (schedule/ps management needs none).
func buildRuntime(withModel bool) (*runtime, error) {
	cfg, err := assistant.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger := slog.Default()

	db, err := assistant.OpenDatabase(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
		db.Close()
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	guard := assistant.NewCommandGuard(cfg.Exec.GuardRulesPath, cfg.Restricted(), logger)
	executor := assistant.NewHostExecutor(guard, cfg.Workspace, cfg.Exec, logger)

	supervisor, err := assistant.NewProcessSupervisor(cfg.ProcessDir(), logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	bus := assistant.NewEventBus()
	sessions := assistant.NewSessionStore(db, cfg.Session, logger)
	mem := memory.NewStore(db, logger)
	dispatcher := assistant.NewToolDispatcher(executor, supervisor, mem, sessions, bus, cfg.Workspace, logger)

	rt := &runtime{
		cfg:        cfg,
		db:         db,
		bus:        bus,
		sessions:   sessions,
		memory:     mem,
		executor:   executor,
		supervisor: supervisor,
		approvals:  assistant.NewApprovalManager(0, logger),
		storage:    scheduler.NewStorage(db),
	}

	if withModel {
		apiKey, err := cfg.ResolveAPIKey()
		if err != nil {
			db.Close()
			return nil, err
		}
		model := assistant.NewHTTPModelClient(cfg.Model.BaseURL, apiKey, logger)
		rt.orch = assistant.NewOrchestrator(model, sessions, dispatcher, bus, cfg.Model, logger)
	}

	return rt, nil
}
