package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/warp/points-engine/policy"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire due points, refresh forecasts and send notices once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer log.Sync()

		c, err := newComponents(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer c.Close()

		report, err := c.scheduler.RunNow(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage point policies",
}

var policyImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Create or update policies from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer log.Sync()

		seeds, err := policy.LoadFile(args[0])
		if err != nil {
			return err
		}
		c, err := newComponents(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer c.Close()

		imported, err := policy.Import(cmd.Context(), c.policies, seeds)
		if err != nil {
			return err
		}
		return printJSON(imported)
	},
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print stored policies",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer log.Sync()

		c, err := newComponents(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer c.Close()

		ps, err := c.policies.List(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(ps)
	},
}

func init() {
	policyCmd.AddCommand(policyImportCmd, policyListCmd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
