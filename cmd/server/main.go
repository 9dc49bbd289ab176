/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the point ledger engine.

COMMANDS:
  serve           Run the HTTP API and the expiry scheduler
  sweep           Run one expiry tick and print the report
  policy import   Import policies from a YAML file
  policy list     Print stored policies

CONFIGURATION:
  --config points at a YAML file; every key can be overridden with a
  POINTS_ environment variable (see config/config.go).

EXAMPLES:
  # Run with an in-memory store
  POINTS_STORE_DRIVER=memory ./server serve

  # Nightly sweep against PostgreSQL
  POINTS_STORE_DRIVER=postgres POINTS_STORE_POSTGRES_DSN=postgres://... ./server sweep

SEE ALSO:
  - wire.go: component construction shared by every command
  - serve.go: fx lifecycle for the long-running server
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "Point ledger engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd, sweepCmd, policyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
