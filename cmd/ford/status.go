package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ford/pkg/config"
	"ford/pkg/dispatch"
	"ford/pkg/persistence"
)

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show clusters, change requests, queue and safe mode",
		Long: `Show the state recorded in the latest checkpoint plus pending signals and dead letters.
Works whether or not the service is running.

Examples:
  ford status
  ford status -o yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withStore(func(_ *config.Config, ops *persistence.DatabaseOperations) error {
				st, err := dispatch.StatusFromStore(cmd.Context(), ops)
				if err != nil {
					return err
				}
				done, err := writeStructured(cmd.OutOrStdout(), output, st)
				if done || err != nil {
					return err
				}
				return printStatus(cmd.OutOrStdout(), st)
			})
		},
	}
	addOutputFlag(cmd, &output)
	return cmd
}

func printStatus(out io.Writer, st *dispatch.Status) error {
	if st.SafeMode {
		fmt.Fprintf(out, "SAFE MODE: %s\n\n", st.SafeModeReason)
	}
	if st.Checkpoint != nil {
		fmt.Fprintf(out, "checkpoint #%d at %s\n", st.Checkpoint.Seq, st.Checkpoint.CreatedAt.Format(time.RFC3339))
	} else {
		fmt.Fprintln(out, "no checkpoint yet")
	}
	fmt.Fprintf(out, "active slots: %d  queued: %d  dead letters: %d  pending signals: %d\n\n",
		st.ActiveSlots, len(st.Queue), st.DeadLetters, len(st.PendingSignals))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if len(st.Clusters) > 0 {
		fmt.Fprintln(w, "CLUSTER\tSTATUS\tCATEGORY\tSIZE\tSEVERITY\tCHANGE REQUEST\tTHEME")
		for _, c := range st.Clusters {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.1f\t%s\t%s\n",
				c.ID, c.Status, c.Category, c.Size, c.AverageSeverity, dash(c.ChangeRequestID), c.Theme)
		}
		fmt.Fprintln(w)
	}
	if len(st.ChangeRequests) > 0 {
		fmt.Fprintln(w, "CHANGE REQUEST\tSTATE\tPHASE\tPR\tAWAITING\tTITLE")
		for _, cr := range st.ChangeRequests {
			awaiting := "-"
			if cr.Awaiting != nil {
				awaiting = string(cr.Awaiting.Kind)
			}
			pr := "-"
			if cr.PRNumber > 0 {
				pr = fmt.Sprintf("#%d", cr.PRNumber)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", cr.ID, cr.State, dash(string(cr.Phase)), pr, awaiting, cr.Title)
		}
		fmt.Fprintln(w)
	}
	if len(st.Breakers) > 0 {
		fmt.Fprintln(w, "TOOL\tBREAKER\tFAILURES")
		for _, b := range st.Breakers {
			fmt.Fprintf(w, "%s\t%s\t%d\n", b.Tool, b.State, b.Failures)
		}
	}
	return w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
