package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ford/pkg/capability/embed"
	"ford/pkg/capability/vectordb"
	"ford/pkg/config"
	"ford/pkg/persistence"
)

const similarTimeout = 30 * time.Second

func newSimilarCmd(opts *globalOptions) *cobra.Command {
	var (
		limit     int
		threshold float64
		output    string
	)
	cmd := &cobra.Command{
		Use:   "similar <text>",
		Short: "Find indexed feedback similar to a text",
		Long: `Embed the text and search the similarity index for past feedback.

Examples:
  ford similar "app crashes when saving"
  ford similar --limit 20 --threshold 0.6 "export is slow"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if threshold == 0 {
				threshold = cfg.Clustering.SimilarityThreshold
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), similarTimeout)
			defer cancel()

			embedder, err := embed.NewOllama(cfg.Embedding.URL, cfg.Embedding.Model)
			if err != nil {
				return err
			}
			index, err := vectordb.OpenPersistent(cfg.Resolve(cfg.Vector.Path), cfg.Vector.Collection)
			if err != nil {
				return err
			}
			vec, err := embedder.Embed(ctx, strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("embedding failed: %w", err)
			}
			hits, err := index.SearchSimilar(ctx, vec, limit, threshold)
			if err != nil {
				return err
			}

			done, err := writeStructured(cmd.OutOrStdout(), output, hits)
			if done || err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SCORE\tITEM\tAUTHOR\tCATEGORY\tSEVERITY")
			for _, h := range hits {
				fmt.Fprintf(w, "%.3f\t%s\t%s\t%s\t%.0f\n",
					h.Score, h.Metadata.ItemID, dash(h.Metadata.Author), h.Metadata.Category, h.Metadata.Severity)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of results")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Minimum similarity (default clustering.similarity_threshold)")
	addOutputFlag(cmd, &output)
	return cmd
}

func newDeadLettersCmd(opts *globalOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List feedback items that could not be processed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withStore(func(_ *config.Config, ops *persistence.DatabaseOperations) error {
				dead, err := ops.DeadLetters(cmd.Context())
				if err != nil {
					return err
				}
				done, err := writeStructured(cmd.OutOrStdout(), output, dead)
				if done || err != nil {
					return err
				}
				if len(dead) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no dead letters")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ITEM\tSTAGE\tPARKED\tCOUNT\tREASON")
				for _, d := range dead {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
						d.ItemID, d.Stage, d.ParkedAt.Format(time.RFC3339), d.ParkedCount, d.Reason)
				}
				return w.Flush()
			})
		},
	}
	addOutputFlag(cmd, &output)
	return cmd
}
