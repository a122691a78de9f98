package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/cinderhost/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded converge runs",
		Long: `History lists converge and plan runs recorded in the --state-db database,
newest first. Use 'history show' for the resources and notifications of
one run.`,
		Example: `  # Last 20 runs
  cinderhost history

  # Resources of one run
  cinderhost history show 0b6f0a52-4d1e-4f7e-9a57-59a1b1f6b9c3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(store *stores.SQLiteStore) error {
				runs, err := store.ListRuns(cmd.Context(), limit, offset)
				if err != nil {
					return err
				}
				return printRuns(os.Stdout, runs)
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "runs to skip")

	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryPruneCommand())

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the resources and notifications of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withStore(ctx, func(store *stores.SQLiteStore) error {
				run, err := store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				results, err := store.ListResults(ctx, run.ID)
				if err != nil {
					return err
				}
				notes, err := store.ListNotifications(ctx, run.ID)
				if err != nil {
					return err
				}
				return printRun(os.Stdout, run, results, notes)
			})
		},
	}
}

func newHistoryPruneCommand() *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withStore(ctx, func(store *stores.SQLiteStore) error {
				deleted, err := store.PruneRuns(ctx, keep)
				if err != nil {
					return err
				}
				fmt.Printf("deleted %d runs\n", deleted)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 100, "runs to keep")

	return cmd
}

func withStore(ctx context.Context, fn func(store *stores.SQLiteStore) error) error {
	if stateDB == "" {
		return fmt.Errorf("--state-db is required")
	}
	if _, err := os.Stat(stateDB); err != nil {
		return fmt.Errorf("no run history at %s: %w", stateDB, err)
	}
	store, err := stores.Open(ctx, stores.Config{Path: stateDB})
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func printRuns(w io.Writer, runs []*stores.Run) error {
	if jsonOutput {
		return json.NewEncoder(w).Encode(runs)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tHOST\tPROVIDER\tMODE\tSTATUS\tCHANGED\tDURATION")
	for _, r := range runs {
		mode := "apply"
		if r.Noop {
			mode = "noop"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			r.ID, r.StartedAt.Format(time.RFC3339), r.Host, r.Provider, mode, r.Status,
			r.Changed, r.Resources, r.Duration.Round(time.Millisecond))
	}
	return tw.Flush()
}

func printRun(w io.Writer, run *stores.Run, results []*stores.ResourceResult, notes []*stores.NotificationRecord) error {
	if jsonOutput {
		return json.NewEncoder(w).Encode(struct {
			Run           *stores.Run                  `json:"run"`
			Results       []*stores.ResourceResult     `json:"results"`
			Notifications []*stores.NotificationRecord `json:"notifications"`
		}{run, results, notes})
	}

	fmt.Fprintf(w, "run %s on %s (%s): %s\n", run.ID, run.Host, run.Provider, run.Status)
	if run.Error != nil {
		fmt.Fprintf(w, "error: %s\n", *run.Error)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\nSEQ\tRESOURCE\tSTATUS\tDURATION\tDETAIL")
	for _, r := range results {
		detail := r.Detail
		if r.Error != nil {
			detail = *r.Error
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", r.Seq, r.ResourceID, r.Status, r.Duration, detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, n := range notes {
		line := fmt.Sprintf("%s -> %s %s (%s)", n.Source, n.Target, n.Action, n.Timing)
		if n.Error != nil {
			line += ": " + *n.Error
		}
		fmt.Fprintln(w, line)
	}
	return nil
}
