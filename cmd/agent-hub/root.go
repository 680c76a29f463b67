package main

import (
	"github.com/spf13/cobra"

	"agenthub/internal/config"
	"agenthub/internal/telemetry"
)

var (
	cfgFile string
	verbose bool
	logFile string
)

var rootCmd = &cobra.Command{
	Use:   "agent-hub",
	Short: "Agent Hub orchestrates containerized coding-agent sessions over a repository",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config.Load(cfgFile)
		telemetry.InitLogger(verbose, logFile)
		config.ValidateAndExit()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "additional log file to mirror output to")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(versionCmd)
}
