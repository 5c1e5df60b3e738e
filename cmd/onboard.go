package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/remotecode/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactively create the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := config.Dir()
			if err != nil {
				return err
			}
			path := filepath.Join(dir, "config")
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists; edit it directly", path)
			}

			var token, users string
			var yolo bool
			form := huh.NewForm(huh.NewGroup(
				huh.NewInput().
					Title("Telegram bot token").
					Description("Create a bot with @BotFather and paste its token.").
					EchoMode(huh.EchoModePassword).
					Value(&token).
					Validate(func(s string) error {
						if strings.TrimSpace(s) == "" {
							return fmt.Errorf("token is required")
						}
						return nil
					}),
				huh.NewInput().
					Title("Allowed users").
					Description("Comma-separated numeric Telegram ids and @usernames.").
					Value(&users).
					Validate(func(s string) error {
						if strings.TrimSpace(s) == "" {
							return fmt.Errorf("at least one user is required")
						}
						return nil
					}),
				huh.NewConfirm().
					Title("Enable yolo mode?").
					Description("Auto-approve every tool invocation. Convenient and dangerous.").
					Value(&yolo),
			))
			if err := form.Run(); err != nil {
				return err
			}

			content := fmt.Sprintf(
				"# remotecode configuration\nTELEGRAM_BOT_TOKEN=%s\nREMOTECODE_ALLOWED_USERS=%s\nREMOTECODE_YOLO=%t\n",
				strings.TrimSpace(token), strings.TrimSpace(users), yolo)
			if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Printf("wrote %s\nrun `remotecode start` to bring the bridge up\n", path)
			return nil
		},
	}
}
