package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/nix-simple-deploy/internal/cli/config"
	"github.com/antonkrylov/nix-simple-deploy/internal/events"
	"github.com/antonkrylov/nix-simple-deploy/internal/journal"
)

func (r *rootOptions) journalStore() *journal.Store {
	dir := r.journalDir
	if dir == "" && r.defaults != nil {
		dir = r.defaults.JournalDir
	}
	if dir == "" {
		dir = cliconfig.DefaultJournalDir()
	}
	return journal.New(dir)
}

func newHistoryCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded deployment runs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recorded runs, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runs, err := root.journalStore().List()
			if err != nil {
				return err
			}
			return printRuns(cmd.OutOrStdout(), runs)
		},
	})

	var asJSON bool
	show := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Replay the events of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := root.journalStore()
			meta, err := store.Get(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !asJSON {
				printMeta(out, meta)
			}
			return store.Replay(meta.RunID, func(ev events.Event) error {
				if asJSON {
					b, err := ev.MarshalJSON()
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(out, string(b))
					return err
				}
				_, err := fmt.Fprintf(out, "%s  %s\n", ev.Time.Local().Format(time.RFC3339), ev)
				return err
			})
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "print events as JSON lines")
	cmd.AddCommand(show)
	return cmd
}

func printRuns(w io.Writer, runs []journal.Meta) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tHOST\tACTION\tTRANSPORT\tOUTCOME\tCREATED")
	for _, m := range runs {
		action := m.Action
		if action == "" {
			action = "path"
		}
		outcome := m.Outcome
		if outcome == "" {
			outcome = "incomplete"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", m.RunID, m.Host, action, m.Transport, outcome, m.CreatedAt.Local().Format(time.RFC3339))
	}
	return tw.Flush()
}

func printMeta(w io.Writer, m journal.Meta) {
	fmt.Fprintf(w, "run=%s host=%s path=%s action=%s transport=%s outcome=%s\n",
		m.RunID, m.Host, m.Path, m.Action, m.Transport, m.Outcome)
	if m.Error != "" {
		fmt.Fprintf(w, "error=%s\n", m.Error)
	}
}
