package main

import (
	"github.com/spf13/cobra"

	initcmd "github.com/npratt/foundry/internal/init"
)

func (a *app) initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Scaffold foundry config and a starter backlog",
		Long: `Write .foundry/config.yaml, a starter backlog.yaml and .gitignore entries for
foundry's runtime state into a project directory (default: the current one).

Existing files that differ are left alone and their diffs are shown; pass
--force to overwrite them. The .gitignore entries live in a managed section
that later runs update in place.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := initcmd.Options{Writer: a.out}
			if len(args) == 1 {
				opts.Dir = args[0]
			}
			opts.SandboxID, _ = cmd.Flags().GetString(FlagSandbox)
			opts.DevServerPort, _ = cmd.Flags().GetInt(FlagPort)
			opts.DryRun, _ = cmd.Flags().GetBool(FlagDryRun)
			opts.Force, _ = cmd.Flags().GetBool(FlagForce)
			opts.Minimal, _ = cmd.Flags().GetBool(FlagMinimal)

			_, err := initcmd.Run(opts)
			return err
		},
	}
	cmd.Flags().String(FlagSandbox, "", "Sandbox id for the config (default: directory name)")
	cmd.Flags().Int(FlagPort, 5173, "Dev server port")
	cmd.Flags().Bool(FlagDryRun, false, "Show what would change without writing")
	cmd.Flags().Bool(FlagForce, false, "Overwrite files that have local changes")
	cmd.Flags().Bool(FlagMinimal, false, "Skip the starter backlog")
	return cmd
}
