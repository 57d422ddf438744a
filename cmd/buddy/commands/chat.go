package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/raffenmb/buddy-sub000/pkg/assistant"
)

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Talk to the assistant in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(true)
			if err != nil {
				return err
			}
			defer rt.Close()

			rl, err := readline.New("you> ")
			if err != nil {
				return fmt.Errorf("init readline: %w", err)
			}
			defer rl.Close()

			// Flagged commands get an inline y/N prompt on the same terminal.
			confirm := func(ctx context.Context, command, reason string) (bool, error) {
				fmt.Printf("\n⚠ %s\n  %s\nAllow? [y/N] ", reason, command)
				answer, err := rl.Readline()
				if err != nil {
					return false, err
				}
				answer = strings.ToLower(strings.TrimSpace(answer))
				return answer == "y" || answer == "yes", nil
			}

			unsubscribe := rt.bus.Subscribe(func(ev assistant.Event) {
				switch ev.Type {
				case assistant.EventCanvasCommand:
					var data struct {
						Command string `json:"command"`
					}
					_ = json.Unmarshal(ev.Data, &data)
					fmt.Printf("  [canvas] %s\n", data.Command)
				case assistant.EventProcessing:
					var data struct {
						Status string `json:"status"`
					}
					_ = json.Unmarshal(ev.Data, &data)
					if strings.HasPrefix(data.Status, "running_tool:") {
						fmt.Printf("  [tool] %s\n", strings.TrimPrefix(data.Status, "running_tool:"))
					}
				}
			})
			defer unsubscribe()

			agent := rt.cfg.Agent
			userID := "local"

			fmt.Printf("Chatting with %s. /reset clears history, /quit exits.\n", agent.Name)

			for {
				line, err := rl.Readline()
				if err == readline.ErrInterrupt || err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}

				line = strings.TrimSpace(line)
				switch {
				case line == "":
					continue
				case line == "/quit", line == "/exit":
					return nil
				case line == "/reset":
					if err := rt.sessions.Reset(userID, agent.ID); err != nil {
						fmt.Println("reset failed:", err)
					} else {
						fmt.Println("history cleared")
					}
					continue
				}

				result, err := rt.orch.Run(cmd.Context(), assistant.RunRequest{
					UserID:  userID,
					Agent:   &agent,
					Text:    line,
					Confirm: confirm,
				})
				if err != nil {
					fmt.Println("run failed:", err)
					continue
				}
				fmt.Printf("%s> %s\n", strings.ToLower(agent.Name), result.Text)
			}
		},
	}
}
