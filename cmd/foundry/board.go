package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/npratt/foundry/internal/backlog"
	"github.com/npratt/foundry/internal/ticket"
)

// errIllegalMove makes "foundry move" exit non-zero for rejected moves.
var errIllegalMove = errors.New("illegal move")

func (a *app) moveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "move <from> <to>",
		Short: "Check whether a board move between two columns is legal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := ticket.ValidateMove(ticket.Status(args[0]), ticket.Status(args[1]))
			if asJSON, _ := cmd.Flags().GetBool(FlagJSON); asJSON {
				if err := printJSON(a.out, res); err != nil {
					return err
				}
			} else {
				printMove(a.out, args[0], args[1], res)
			}
			if !res.Valid {
				return fmt.Errorf("%w: %s", errIllegalMove, res.Message)
			}
			return nil
		},
	}
	cmd.Flags().Bool(FlagJSON, false, "Output the move result as JSON")
	return cmd
}

func printMove(w io.Writer, from, to string, res ticket.MoveResult) {
	verdict := "allowed"
	switch {
	case !res.Valid:
		verdict = "rejected"
	case res.RequiresConfirmation:
		verdict = "allowed with confirmation"
	}
	fmt.Fprintf(w, "%s -> %s: %s\n", from, to, verdict)
	if res.IsBackward {
		fmt.Fprintln(w, "Backward move")
	}
	if res.Message != "" {
		fmt.Fprintln(w, res.Message)
	}
}

// readyReport is the JSON form of "foundry ready".
type readyReport struct {
	Ready   []string            `json:"ready"`
	Blocked map[string][]string `json:"blocked,omitempty"`
}

func (a *app) readyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ready <backlog.yaml>",
		Short: "List the tickets of a backlog that can start now",
		Long: `Print the ready set of a backlog file: tickets in backlog whose dependencies
are all resolved, highest priority first. Blocked backlog tickets are listed
with the dependencies they wait on.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := backlog.Load(args[0])
			if err != nil {
				return err
			}
			lenient, _ := cmd.Flags().GetBool(FlagTreatFailedAsResolved)
			report := buildReadyReport(file.Tickets, ticket.Policy{TreatFailedAsResolved: lenient})

			if asJSON, _ := cmd.Flags().GetBool(FlagJSON); asJSON {
				return printJSON(a.out, report)
			}
			printReady(a.out, file.Tickets, report)
			return nil
		},
	}
	cmd.Flags().Bool(FlagTreatFailedAsResolved, false, "Treat failed dependencies as resolved")
	cmd.Flags().Bool(FlagJSON, false, "Output the ready set as JSON")
	return cmd
}

func buildReadyReport(tickets []ticket.Ticket, policy ticket.Policy) readyReport {
	report := readyReport{Ready: ticket.ReadySet(tickets, policy)}
	for _, t := range tickets {
		if t.Status != ticket.StatusBacklog {
			continue
		}
		if blocked := ticket.BlockedBy(t, tickets, policy); len(blocked) > 0 {
			if report.Blocked == nil {
				report.Blocked = make(map[string][]string)
			}
			report.Blocked[t.ID] = blocked
		}
	}
	if report.Ready == nil {
		report.Ready = []string{}
	}
	return report
}

func printReady(w io.Writer, tickets []ticket.Ticket, report readyReport) {
	if len(report.Ready) == 0 {
		fmt.Fprintln(w, "No tickets ready")
	} else {
		fmt.Fprintln(w, "Ready:")
		for _, id := range report.Ready {
			title := ""
			for _, t := range tickets {
				if t.ID == id {
					title = t.Title
					break
				}
			}
			fmt.Fprintf(w, "  %s  %s\n", id, title)
		}
	}
	if len(report.Blocked) == 0 {
		return
	}
	fmt.Fprintln(w, "Blocked:")
	// Input order keeps the listing stable.
	for _, t := range tickets {
		if deps, ok := report.Blocked[t.ID]; ok {
			fmt.Fprintf(w, "  %s  waiting on %s\n", t.ID, strings.Join(deps, ", "))
		}
	}
}
