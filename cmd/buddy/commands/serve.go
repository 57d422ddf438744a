package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/raffenmb/buddy-sub000/pkg/assistant"
	"github.com/raffenmb/buddy-sub000/pkg/scheduler"
)

// offlineDelivery queues everything; no user is ever connected to the bare
// daemon. A real deployment plugs its gateway in here.
type offlineDelivery struct{}

func (offlineDelivery) IsConnected(string) bool { return false }
func (offlineDelivery) Deliver(string, []assistant.Event) error { return nil }

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent daemon: scheduler and process supervision",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(true)
			if err != nil {
				return err
			}
			defer rt.Close()

			agent := rt.cfg.Agent
			runner := &scheduler.AgentRunner{
				Orchestrator: rt.orch,
				ResolveAgent: func(agentID string) (*assistant.Agent, error) {
					return &agent, nil
				},
			}

			sched := scheduler.New(
				rt.storage, runner, offlineDelivery{}, nil,
				rt.cfg.Scheduler.PollInterval(), slog.Default(),
			)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			go sched.Start(ctx)

			slog.Info("buddy daemon running",
				"mode", rt.cfg.Mode,
				"data_dir", rt.cfg.DataDir,
				"workspace", rt.cfg.Workspace,
			)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			slog.Info("shutting down")
			cancel()
			rt.supervisor.Shutdown()
			time.Sleep(200 * time.Millisecond)
			return nil
		},
	}
}
