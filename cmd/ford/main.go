// Package main implements the ford CLI: it runs the service and talks to it through the signal
// inbox in the database.
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"ford/internal/kernel"
	"ford/pkg/config"
	"ford/pkg/logx"
	"ford/pkg/persistence"
	"ford/pkg/version"
)

// Output formats.
const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

var errAborted = errors.New("aborted")

type globalOptions struct {
	projectDir string
	configPath string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "ford",
		Short: "Turn user feedback into reviewed pull requests",
		Long: `ford clusters incoming user feedback, opens change requests for approved clusters,
generates and validates fixes, and walks every change through human review to merge.

The service runs with "ford serve". Every other command works against the same database
and reaches a running service through its signal inbox.`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.projectDir, "project", ".", "Project directory holding .ford/")
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (default <project>/.ford/config.yaml)")

	root.AddCommand(
		newInitCmd(opts),
		newServeCmd(opts),
		newStatusCmd(opts),
		newIngestCmd(opts),
		newSimilarCmd(opts),
		newClusterCmd(opts),
		newChangeRequestCmd(opts),
		newRequeueCmd(opts),
		newSafeModeCmd(opts),
		newDeadLettersCmd(opts),
	)
	return root
}

func (o *globalOptions) path() string {
	if o.configPath != "" {
		return o.configPath
	}
	return config.DefaultPath(o.projectDir)
}

// load reads the configuration and anchors a relative data dir at the project directory.
func (o *globalOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.path())
	if err != nil {
		return nil, err
	}
	if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(o.projectDir, cfg.DataDir)
	}
	logx.Configure(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

// withStore runs fn against the database and closes it afterwards.
func (o *globalOptions) withStore(fn func(cfg *config.Config, ops *persistence.DatabaseOperations) error) error {
	cfg, err := o.load()
	if err != nil {
		return err
	}
	ops, closeStore, err := kernel.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()
	return fn(cfg, ops)
}

// enqueue stores a signal for the service and prints its id.
func (o *globalOptions) enqueue(cmd *cobra.Command, kind, target string, payload any) error {
	return o.withStore(func(_ *config.Config, ops *persistence.DatabaseOperations) error {
		sig, err := ops.EnqueueSignal(cmd.Context(), kind, target, payload)
		if err != nil {
			return err
		}
		if target != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s for %s (signal %s)\n", kind, target, sig.ID)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s (signal %s)\n", kind, sig.ID)
		}
		return nil
	})
}

func addOutputFlag(cmd *cobra.Command, output *string) {
	cmd.Flags().StringVarP(output, "output", "o", outputTable, "Output format: table, json or yaml")
}

// writeStructured renders v as json or yaml. It reports false for the table format.
func writeStructured(w io.Writer, format string, v any) (bool, error) {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return true, enc.Encode(v)
	case outputTable, "":
		return false, nil
	default:
		return false, fmt.Errorf("unknown output format %q", format)
	}
}

// confirm asks before an irreversible action. Without a terminal the caller must pass --yes.
func confirm(cmd *cobra.Command, yes bool, question string) error {
	if yes {
		return nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("%s: refusing without --yes when stdin is not a terminal", question)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N]: ", question)
	answer, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && err != io.EOF {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return nil
	default:
		return errAborted
	}
}
