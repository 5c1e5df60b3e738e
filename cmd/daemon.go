package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/remotecode/internal/config"
	"github.com/nextlevelbuilder/remotecode/internal/daemon"
)

func runStart(cmd *cobra.Command) error {
	return daemon.Run(cmd.Context(), true)
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd)
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := config.Dir()
			if err != nil {
				return err
			}
			pid, err := daemon.Stop(dir)
			if err != nil {
				return err
			}
			fmt.Printf("sent SIGTERM to pid %d\n", pid)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := config.Dir()
			if err != nil {
				return err
			}
			if pid, ok := daemon.ReadPidFile(dir); ok {
				fmt.Printf("running, pid %d\n", pid)
				return nil
			}
			fmt.Println("not running")
			return nil
		},
	}
}
