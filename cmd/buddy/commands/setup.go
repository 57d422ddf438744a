package commands

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/raffenmb/buddy-sub000/pkg/assistant"
)

func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-run setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("setup needs an interactive terminal; write %s by hand instead", configPath)
			}

			cfg := assistant.DefaultConfig()
			apiKey := ""

			form := huh.NewForm(
				huh.NewGroup(
					huh.NewInput().
						Title("Assistant name").
						Value(&cfg.Agent.Name),
					huh.NewInput().
						Title("Data directory").
						Value(&cfg.DataDir),
					huh.NewSelect[string]().
						Title("Execution mode").
						Description("Production adds confirmation prompts for writes outside the workspace.").
						Options(
							huh.NewOption("development", assistant.ModeDevelopment),
							huh.NewOption("production", assistant.ModeProduction),
						).
						Value(&cfg.Mode),
					huh.NewInput().
						Title("Model API key").
						Description("Stored in the OS keyring, not in the config file.").
						EchoMode(huh.EchoModePassword).
						Value(&apiKey),
				),
			)
			if err := form.Run(); err != nil {
				return err
			}

			if apiKey != "" {
				if err := assistant.StoreAPIKey(apiKey); err != nil {
					return err
				}
				fmt.Println("API key saved to keyring.")
			}

			raw, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			if err := os.WriteFile(configPath, raw, 0o644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}

			fmt.Printf("Wrote %s. Start with: buddy chat\n", configPath)
			return nil
		},
	}
}
