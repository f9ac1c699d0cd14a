package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ambiyansyah-risyal/konduit/health"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the API health endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		resp := health.NewService(s.client, s.cfg.HealthPath).Check(commandContext(cmd))
		printVerbose(cmd, s)
		if err := writeJSON(cmd, resp); err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("health check failed: %s", resp.Code)
		}
		if !resp.Data.Healthy() {
			return fmt.Errorf("service reports status %q", resp.Data.Status)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
