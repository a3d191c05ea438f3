package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/kalambet/qcluster/internal/config"
)

var (
	version = "dev"
	noColor bool
	remote  bool
)

// loadConfig is swapped out in tests.
var loadConfig = config.Load

var rootCmd = &cobra.Command{
	Use:   "qcluster",
	Short: "Group fan questions into clusters of similar questions",
	Long: `qcluster extracts the questions in each fan message and files every
question into a cluster of semantically similar questions.

Run without a subcommand to start the interactive shell.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShell(cmd)
	},
}

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")
	rootCmd.PersistentFlags().BoolVar(&remote, "remote", false, "talk to a running `qcluster serve` instead of running the pipeline in-process")
	rootCmd.PersistentFlags().String("chat", "", "chat id attached to messages")
	rootCmd.PersistentFlags().String("user", "", "user id attached to messages")
	rootCmd.PersistentFlags().String("creator", "", "creator id attached to messages")

	rootCmd.AddCommand(processCmd, clustersCmd, clearCmd, jobCmd, serveCmd, statusCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
