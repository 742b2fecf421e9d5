package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/npratt/foundry/internal/daemon"
	"github.com/npratt/foundry/internal/events"
	"github.com/npratt/foundry/internal/store"
)

func (a *app) historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded runs or one run's events",
		Long: `Read the run journal. Without arguments, list recorded runs, most recently
active first. With a run id, print that run's recorded events in order.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			path := cfg.Paths.Journal
			if !cmd.Flags().Changed(FlagJournal) {
				if info, err := daemon.FindDaemonInfo(""); err == nil && info.JournalPath != "" {
					path = info.JournalPath
				}
			}

			journal, err := store.Open(path, a.logger)
			if err != nil {
				return err
			}
			defer func() { _ = journal.Close() }()

			asJSON, _ := cmd.Flags().GetBool(FlagJSON)
			if len(args) == 0 {
				limit, _ := cmd.Flags().GetInt(FlagLimit)
				recs, err := journal.Runs(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(a.out, recs)
				}
				printJournalRuns(a.out, recs)
				return nil
			}

			runID := args[0]
			if _, err := journal.Run(cmd.Context(), runID); err != nil {
				return err
			}
			ticketID, _ := cmd.Flags().GetString(FlagTicket)
			evs, err := journal.Events(cmd.Context(), runID, ticketID)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(a.out, evs)
			}
			if len(evs) == 0 {
				fmt.Fprintln(a.out, "No events recorded")
				return nil
			}
			for _, ev := range evs {
				fmt.Fprintln(a.out, events.FormatWithTimestamp(ev))
			}
			return nil
		},
	}
	cmd.Flags().String(FlagTicket, "", "Only show events for this ticket")
	cmd.Flags().Int(FlagLimit, 20, "Maximum runs to list (0 for all)")
	cmd.Flags().Bool(FlagJSON, false, "Output as JSON")
	return cmd
}
