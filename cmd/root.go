// Package cmd holds the CLI surface of the remotecode daemon.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/remotecode/cmd.Version=v1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "remotecode",
	Short: "remotecode — Telegram remote control for the local coding agent",
	Long: "remotecode bridges a Telegram chat to the Claude Code CLI running on this machine:\n" +
		"send prompts, approve tool permissions, and switch sessions from your phone.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd)
	},
}

func init() {
	rootCmd.AddCommand(onboardCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("remotecode %s\n", Version)
		},
	}
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
