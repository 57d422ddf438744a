package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/raffenmb/buddy-sub000/pkg/scheduler"
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage scheduled tasks",
	}
	cmd.AddCommand(newScheduleListCmd(), newScheduleAddCmd(), newScheduleRmCmd())
	return cmd
}

func newScheduleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(false)
			if err != nil {
				return err
			}
			defer rt.Close()

			schedules, err := rt.storage.List()
			if err != nil {
				return err
			}
			if len(schedules) == 0 {
				fmt.Println("no schedules")
				return nil
			}
			for _, s := range schedules {
				state := "disabled"
				if s.Enabled {
					state = "next " + s.NextRunAt.Local().Format("2006-01-02 15:04")
				}
				detail := s.CronExpr
				if s.Type == scheduler.TypeOnce {
					detail = "once"
				}
				fmt.Printf("%s  %-20s %-14s %s\n", s.ID, s.Name, detail, state)
				if s.LastError != "" {
					fmt.Printf("    last error: %s\n", s.LastError)
				}
			}
			return nil
		},
	}
}

func newScheduleAddCmd() *cobra.Command {
	var (
		cronExpr string
		in       time.Duration
		name     string
	)
	cmd := &cobra.Command{
		Use:   "add <prompt>",
		Short: "Add a schedule (--cron for recurring, --in for one-shot)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(false)
			if err != nil {
				return err
			}
			defer rt.Close()

			prompt := args[0]
			if name == "" {
				name = prompt
				if len(name) > 40 {
					name = name[:40]
				}
			}

			var sch *scheduler.Schedule
			switch {
			case cronExpr != "":
				sch, err = scheduler.NewRecurring("local", rt.cfg.Agent.ID, name, prompt, cronExpr)
				if err != nil {
					return err
				}
			case in > 0:
				sch = scheduler.NewOnce("local", rt.cfg.Agent.ID, name, prompt, time.Now().Add(in))
			default:
				return fmt.Errorf("one of --cron or --in is required")
			}

			if err := rt.storage.Save(sch); err != nil {
				return err
			}
			fmt.Printf("scheduled %s (first run %s)\n", sch.ID, sch.NextRunAt.Local().Format(time.RFC1123))
			return nil
		},
	}
	cmd.Flags().StringVar(&cronExpr, "cron", "", "cron expression, e.g. '0 9 * * *'")
	cmd.Flags().DurationVar(&in, "in", 0, "run once after this delay, e.g. 2h")
	cmd.Flags().StringVar(&name, "name", "", "schedule name")
	return cmd
}

func newScheduleRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(false)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.storage.Delete(args[0]); err != nil {
				return err
			}
			fmt.Println("deleted", args[0])
			return nil
		},
	}
}
