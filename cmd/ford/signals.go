package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"ford/pkg/dispatch"
	"ford/pkg/feedback"
	"ford/pkg/persistence"
)

func newIngestCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file.json>",
		Short: "Queue a batch of feedback items",
		Long: `Queue feedback items for classification and clustering. The file holds a JSON array of
items or an object with an "items" array; "-" reads standard input.

Examples:
  ford ingest feedback.json
  cat export.json | ford ingest -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := readItems(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			if len(items) == 0 {
				return errors.New("no feedback items in input")
			}
			return opts.enqueue(cmd, persistence.SignalIngest, "", dispatch.IngestRequest{Items: items})
		},
	}
}

func readItems(stdin io.Reader, path string) ([]feedback.Item, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var items []feedback.Item
	if err := json.Unmarshal(data, &items); err == nil {
		return items, nil
	}
	var wrapped dispatch.IngestRequest
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return wrapped.Items, nil
}

func newClusterCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Decide on feedback clusters",
	}

	var scope []string
	approve := &cobra.Command{
		Use:   "approve <cluster-id>",
		Short: "Approve a cluster for implementation",
		Long: `Approve a pending cluster. The change request may only write inside the given scope
directories, relative to the repository root.

Examples:
  ford cluster approve 7c1e --scope internal/export --scope docs`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.enqueue(cmd, persistence.SignalApproveCluster, args[0], dispatch.ClusterDecision{Scope: scope})
		},
	}
	approve.Flags().StringArrayVar(&scope, "scope", nil, "Directory the change may write to (repeatable)")

	var yes bool
	reject := &cobra.Command{
		Use:   "reject <cluster-id>",
		Short: "Reject a cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := confirm(cmd, yes, "Reject cluster "+args[0]+"?"); err != nil {
				return err
			}
			return opts.enqueue(cmd, persistence.SignalRejectCluster, args[0], nil)
		},
	}
	reject.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")

	cmd.AddCommand(approve, reject)
	return cmd
}

func newChangeRequestCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "cr",
		Aliases: []string{"change-request"},
		Short:   "Decide on change requests",
	}

	review := func(kind, use, short string) *cobra.Command {
		var req dispatch.ReviewDecision
		c := &cobra.Command{
			Use:   use + " <change-request-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if req.Reviewer == "" {
					req.Reviewer = os.Getenv("USER")
				}
				return opts.enqueue(cmd, kind, args[0], req)
			},
		}
		c.Flags().StringVar(&req.Reviewer, "reviewer", "", "Reviewer name (default $USER)")
		c.Flags().StringVar(&req.Notes, "notes", "", "Review notes")
		c.Flags().StringVar(&req.Token, "token", "", "Resumption token; rejects the signal if the request moved on")
		return c
	}

	deletion := func(kind, use, short string) *cobra.Command {
		var req dispatch.DeletionDecision
		c := &cobra.Command{
			Use:   use + " <change-request-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.enqueue(cmd, kind, args[0], req)
			},
		}
		c.Flags().StringVar(&req.Reason, "reason", "", "Reason recorded with the decision")
		c.Flags().StringVar(&req.Token, "token", "", "Resumption token; rejects the signal if the request moved on")
		return c
	}

	var (
		reason string
		yes    bool
	)
	cancel := &cobra.Command{
		Use:   "cancel <change-request-id>",
		Short: "Halt a change request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return errors.New("--reason is required")
			}
			if err := confirm(cmd, yes, "Cancel change request "+args[0]+"?"); err != nil {
				return err
			}
			return opts.enqueue(cmd, persistence.SignalCancel, args[0], dispatch.CancelRequest{Reason: reason})
		},
	}
	cancel.Flags().StringVar(&reason, "reason", "", "Why the change request is cancelled")
	cancel.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")

	cmd.AddCommand(
		review(persistence.SignalApproveReview, "approve", "Approve the pull request and merge it"),
		review(persistence.SignalRejectReview, "reject", "Reject the pull request"),
		deletion(persistence.SignalApproveDeletion, "approve-deletion", "Allow a large deletion to proceed"),
		deletion(persistence.SignalDenyDeletion, "deny-deletion", "Deny a large deletion and halt the change request"),
		cancel,
	)
	return cmd
}

func newRequeueCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <cluster-id>",
		Short: "Return a halted or rejected cluster to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.enqueue(cmd, persistence.SignalRequeue, args[0], nil)
		},
	}
}

func newSafeModeCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "safe-mode",
		Short: "Control safe mode",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "exit",
		Short: "Leave safe mode and reset circuit breakers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.enqueue(cmd, persistence.SignalExitSafeMode, "", nil)
		},
	})
	return cmd
}
