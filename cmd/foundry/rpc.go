package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/npratt/foundry/internal/backlog"
	"github.com/npratt/foundry/internal/buildrun"
	"github.com/npratt/foundry/internal/daemon"
	"github.com/npratt/foundry/internal/ticket"
)

func (a *app) createCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <backlog.yaml>",
		Short: "Create a run on the daemon from a backlog file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			file, err := backlog.Load(args[0])
			if err != nil {
				return err
			}
			opts, err := runOptionsFromFlags(cmd)
			if err != nil {
				return err
			}
			start, _ := cmd.Flags().GetBool(FlagStart)
			baseURL, _ := cmd.Flags().GetString(FlagBaseURL)
			asJSON, _ := cmd.Flags().GetBool(FlagJSON)

			client, err := a.getDaemonClient(cmd)
			if err != nil {
				return err
			}
			in := buildInput(file, opts, cfg, localSandboxID(cfg))
			run, err := client.CreateRun(in, baseURL, start)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(a.out, run)
			}
			fmt.Fprintf(a.out, "Created run %s (%s, %d tickets)\n", run.ID, run.Status, len(run.Tickets))
			return nil
		},
	}
	addRunFlags(cmd)
	cmd.Flags().Bool(FlagStart, false, "Start the run immediately")
	cmd.Flags().String(FlagBaseURL, "", "Preview URL passed to the generator")
	cmd.Flags().Bool(FlagJSON, false, "Output the run as JSON")
	return cmd
}

func (a *app) startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <run-id>",
		Short: "Start a pending run on the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.getDaemonClient(cmd)
			if err != nil {
				return err
			}
			if err := client.StartRun(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Run %s started\n", args[0])
			return nil
		},
	}
}

func (a *app) cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run on the daemon",
		Long: `Cancel a run. No new tickets start; in-flight tickets stop after their
current step and are marked skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.getDaemonClient(cmd)
			if err != nil {
				return err
			}
			if err := client.CancelRun(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Cancel requested for run %s\n", args[0])
			return nil
		},
	}
}

func (a *app) getCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run and its tickets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.getDaemonClient(cmd)
			if err != nil {
				return err
			}
			run, err := client.GetRun(args[0])
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool(FlagJSON); asJSON {
				return printJSON(a.out, run)
			}
			printRun(a.out, *run)
			return nil
		},
	}
	cmd.Flags().Bool(FlagJSON, false, "Output the run as JSON")
	return cmd
}

func (a *app) listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the daemon's runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.getDaemonClient(cmd)
			if err != nil {
				return err
			}
			runs, err := client.ListRuns()
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool(FlagJSON); asJSON {
				return printJSON(a.out, runs)
			}
			printRunList(a.out, runs)
			return nil
		},
	}
	cmd.Flags().Bool(FlagJSON, false, "Output runs as JSON")
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.getDaemonClient(cmd)
			if err != nil {
				return err
			}
			status, err := client.Status()
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool(FlagJSON); asJSON {
				return printJSON(a.out, status)
			}

			fmt.Fprintf(a.out, "Status: %s\n", status.Status)
			fmt.Fprintf(a.out, "Uptime: %s\n", status.Uptime)
			fmt.Fprintf(a.out, "Started: %s\n", status.StartTime)
			fmt.Fprintf(a.out, "Runs:\n")
			fmt.Fprintf(a.out, "  Total: %d\n", status.Stats.Total)
			fmt.Fprintf(a.out, "  Pending: %d\n", status.Stats.Pending)
			fmt.Fprintf(a.out, "  Running: %d\n", status.Stats.Running)
			fmt.Fprintf(a.out, "  Completed: %d\n", status.Stats.Completed)
			fmt.Fprintf(a.out, "  Failed: %d\n", status.Stats.Failed)
			fmt.Fprintf(a.out, "  Cancelled: %d\n", status.Stats.Cancelled)
			return nil
		},
	}
	cmd.Flags().Bool(FlagJSON, false, "Output status as JSON")
	return cmd
}

func (a *app) stopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.getDaemonClient(cmd)
			if err != nil {
				return err
			}
			force, _ := cmd.Flags().GetBool(FlagForce)
			if err := client.Stop(force); err != nil {
				return err
			}
			if force {
				fmt.Fprintln(a.out, "Stop requested - unfinished runs cancelled")
			} else {
				fmt.Fprintln(a.out, "Stop requested - daemon stopping")
			}
			return nil
		},
	}
	cmd.Flags().Bool(FlagForce, false, "Cancel unfinished runs before stopping")
	return cmd
}

func (a *app) moveTicketCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "move-ticket <run-id> <ticket-id> <status>",
		Short: "Move a ticket on a daemon run's board",
		Long: `Move a ticket to another column. Moves that skip columns are rejected,
failed and skipped tickets can only be reopened to backlog, and moving back
from testing, pr_review or done needs --confirm because it reverts work.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.getDaemonClient(cmd)
			if err != nil {
				return err
			}
			confirm, _ := cmd.Flags().GetBool(FlagConfirm)
			res, err := client.MoveTicket(daemon.MoveTicketParams{
				RunID:     args[0],
				TicketID:  args[1],
				To:        ticket.Status(args[2]),
				Confirmed: confirm,
			})
			if errors.Is(err, buildrun.ErrConfirmationRequired) {
				return fmt.Errorf("%w (re-run with --%s)", err, FlagConfirm)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Moved %s to %s\n", args[1], args[2])
			if res != nil && res.IsBackward {
				fmt.Fprintln(a.out, "Note: backward move")
			}
			return nil
		},
	}
	cmd.Flags().Bool(FlagConfirm, false, "Confirm a move that reverts completed work")
	return cmd
}
