package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	rootCmd    = &cobra.Command{
		Use:   "cli-supervisor",
		Short: "CLI Supervisor - runs AI coding CLIs in the background with git checkpoints",
		Long: `CLI Supervisor starts long-running AI coding CLI processes (claude, opencode or
any script), bounds how many run at once and how often a session may invoke them,
and watches each process until it exits or times out. While a process runs, its
working tree is committed and pushed periodically so no work is lost.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
