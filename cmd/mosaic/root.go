package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "mosaic",
	Short: "Mosaic - multi-tenant LLM API gateway",
	Long: `Mosaic is a transparent reverse proxy for LLM provider APIs.

It pools upstream API keys into provider groups, authenticates clients
with proxy keys of its own, and forwards requests byte-for-byte:
  - OpenAI-compatible chat and Responses surfaces
  - Anthropic-native and Gemini-native surfaces
  - Round-robin, random, and least-load key rotation
  - Per-key health tracking with automatic recovery probes
  - Async request logging with bounded back-pressure`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
