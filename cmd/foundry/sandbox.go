package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) healthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe the local sandbox",
		Long: `Report whether the local sandbox can serve a preview: dev server liveness,
packages the dev server log says are missing, and server errors.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := newStack(cfg, nil, noopGenerator{}, a.logger)
			if err != nil {
				return err
			}
			snap, err := st.prober.Probe(cmd.Context(), st.provider)
			if err != nil {
				return fmt.Errorf("probe %s: %w", st.sandboxID, err)
			}
			if asJSON, _ := cmd.Flags().GetBool(FlagJSON); asJSON {
				return printJSON(a.out, snap)
			}
			printSnapshot(a.out, snap)
			return nil
		},
	}
	cmd.Flags().Bool(FlagJSON, false, "Output the snapshot as JSON")
	return cmd
}

func (a *app) healCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heal",
		Short: "Install missing packages and restart the local dev server",
		Long: `Probe the local sandbox and, if it is unhealthy, install the missing packages
and restart the dev server, then probe again. A healthy sandbox is left alone.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := newStack(cfg, nil, noopGenerator{}, a.logger)
			if err != nil {
				return err
			}
			out, err := st.healer.Heal(cmd.Context(), st.sandboxID, nil)
			if err != nil {
				return fmt.Errorf("heal %s: %w", st.sandboxID, err)
			}
			if asJSON, _ := cmd.Flags().GetBool(FlagJSON); asJSON {
				return printJSON(a.out, out)
			}
			printOutcome(a.out, out)
			return nil
		},
	}
	cmd.Flags().Bool(FlagJSON, false, "Output the outcome as JSON")
	return cmd
}
