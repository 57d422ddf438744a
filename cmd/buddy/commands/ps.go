package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List supervised processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(false)
			if err != nil {
				return err
			}
			defer rt.Close()

			records, err := rt.supervisor.List()
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("no processes")
				return nil
			}
			for _, r := range records {
				exit := ""
				if r.ExitCode != nil {
					exit = fmt.Sprintf(" exit=%d", *r.ExitCode)
				}
				fmt.Printf("%-30s %-8s pid=%-7d%s  %s\n", r.ID, r.Status, r.PID, exit, r.Command)
			}
			return nil
		},
	}

	var lines int
	logs := &cobra.Command{
		Use:   "logs <id>",
		Short: "Tail a process log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(false)
			if err != nil {
				return err
			}
			defer rt.Close()

			out, err := rt.supervisor.ReadLog(args[0], lines)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
	logs.Flags().IntVarP(&lines, "lines", "n", 50, "lines to show")

	stop := &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a supervised process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(false)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.supervisor.Stop(args[0]); err != nil {
				return err
			}
			fmt.Println("stopped", args[0])
			return nil
		},
	}

	cmd.AddCommand(logs, stop)
	return cmd
}
