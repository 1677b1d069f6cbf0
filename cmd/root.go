package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
	account    string
	version    string = "dev"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gitasahayak",
	Short: "Bhagavad Gita guidance chat with synced history",
	Long: `Gita Sahayak serves a spiritual guidance chat rooted in the Bhagavad Gita.

Conversations are kept in a local snapshot and, for signed-in accounts,
mirrored to a remote SQL store. Spoken replies are cached on disk.

Quick Start:
  gitasahayak serve                          # Run the HTTP server
  gitasahayak token issue <account>          # Mint a device token
  gitasahayak history list --account <id>    # Show saved conversations`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("GITA_CONFIG"), "Path to config file (JSON or YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}
