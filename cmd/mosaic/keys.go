package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mosaic-hq/mosaic/pkg/registry"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Inspect upstream API keys",
	Long: `Utilities for working with upstream API keys outside the gateway.

Keys are identified everywhere by their SHA-256 hash and shown only in
masked form. This command produces both representations so operators can
correlate a raw key with log entries and health records.`,
}

var keysInspectCmd = &cobra.Command{
	Use:   "inspect <key> [<key>...]",
	Short: "Print the masked form and hash of a key",
	Long: `Print the masked form and SHA-256 hash of one or more keys, exactly
as the gateway renders them in logs and the admin surface.

Examples:
  # One key
  mosaic keys inspect sk-abcdef0123456789

  # Several at once
  mosaic keys inspect sk-first sk-second`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		for _, key := range args {
			info := registry.KeyInfoFor(key)
			fmt.Printf("%s  %s\n", info.Hash, info.Masked)
		}
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysInspectCmd)
}
