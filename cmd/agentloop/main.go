package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Strob0t/agentloop/internal/config"
)

const version = "0.1.0"

var flagConfig string

var rootCmd = &cobra.Command{
	Use:   "agentloop",
	Short: "LLM agent runtime",
	Long:  "Run tool-using LLM agents with tiered provider fallback, context compaction and subagent delegation.",
	// Errors are printed once in main.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", config.DefaultConfigFile, "YAML config file")
	rootCmd.AddCommand(serveCmd, runCmd, workerCmd, toolsCmd, providersCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
