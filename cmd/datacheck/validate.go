package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rpattn/datacheck/internal/app"
	"github.com/rpattn/datacheck/internal/audit"
	"github.com/rpattn/datacheck/internal/domain"
	"github.com/rpattn/datacheck/internal/pipeline"
	"github.com/rpattn/datacheck/internal/repository/memory"
	"github.com/rpattn/datacheck/internal/results"
	"github.com/rpattn/datacheck/internal/storage"
)

type validateOptions struct {
	definition string
	ownerKind  string
	format     string
	output     string
	column     string
	severity   string
	failedOnly bool
	keep       bool
}

func newValidateCommand(root *rootOptions) *cobra.Command {
	opts := &validateOptions{}
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a CSV or XLSX file locally and report the results",
		Long: "Runs the full pipeline against an in-memory result store and prints the\n" +
			"status document as JSON, or writes an export with --format.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, root, opts, args[0])
		},
	}
	cmd.Flags().StringVarP(&opts.definition, "definition", "d", "", "definition file (YAML or JSON)")
	cmd.Flags().StringVar(&opts.ownerKind, "owner-kind", string(domain.OwnerKindPrecheck), "precheck or submission")
	cmd.Flags().StringVar(&opts.format, "format", "", "export format instead of JSON status (csv or xlsx)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "export destination (default stdout)")
	cmd.Flags().StringVar(&opts.column, "column", "", "only report this column")
	cmd.Flags().StringVar(&opts.severity, "severity", "", "only report checks of this severity")
	cmd.Flags().BoolVar(&opts.failedOnly, "failed-only", false, "only report failed checks")
	cmd.Flags().BoolVar(&opts.keep, "keep-artifacts", false, "keep extracted artifacts in the storage root")
	_ = cmd.MarkFlagRequired("definition")
	return cmd
}

func runValidate(cmd *cobra.Command, root *rootOptions, opts *validateOptions, file string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := root.load(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	def, err := os.ReadFile(opts.definition)
	if err != nil {
		return fmt.Errorf("failed to read definition: %w", err)
	}
	owner, err := domain.ParseOwner(opts.ownerKind, uuid.NewString())
	if err != nil {
		return err
	}

	// Local runs use a throwaway store unless artifacts should be kept.
	storeRoot := cfg.Storage.Root
	if !opts.keep {
		storeRoot, err = os.MkdirTemp("", "datacheck-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(storeRoot)
	}
	store, err := storage.NewLocal(storeRoot)
	if err != nil {
		return err
	}
	if !opts.keep {
		cfg.Extraction.ScratchDir = filepath.Join(storeRoot, "scratch")
		if err := os.MkdirAll(cfg.Extraction.ScratchDir, 0o755); err != nil {
			return err
		}
	}

	recorder := &audit.Recorder{}
	svc, err := app.New(ctx, cfg, slog.Default(), app.Deps{
		Repos:   memory.NewStore().Repositories(),
		Tracker: audit.Multi{recorder, audit.NewSlogTracker(slog.Default())},
		Store:   store,
	})
	if err != nil {
		return err
	}

	run, err := svc.Runner.Run(ctx, pipeline.Submission{
		Owner:      owner,
		FileName:   filepath.Base(file),
		Data:       data,
		Definition: def,
	})
	if err != nil && run.ID == uuid.Nil {
		return err
	}

	filter := results.Filter{
		Column:     opts.column,
		Severity:   domain.ParseSeverity(opts.severity, ""),
		FailedOnly: opts.failedOnly,
	}
	if opts.format != "" {
		if err := exportRun(ctx, cmd, svc.Results, run.ID, opts, filter); err != nil {
			return err
		}
	} else {
		doc, err := svc.Results.Status(ctx, run.ID, filter)
		if err != nil {
			return err
		}
		if err := writeJSON(cmd.OutOrStdout(), doc); err != nil {
			return err
		}
	}
	slog.Debug("artifact trail", slog.Int("events", len(recorder.Events())))

	if run.Status == domain.RunStatusFailed {
		return fmt.Errorf("run failed: %s", derefOr(run.ErrorMessage, "unknown error"))
	}
	if run.Counts.VariablesWithErrors > 0 {
		return exitCodeError{code: exitFindings}
	}
	return nil
}

func exportRun(ctx context.Context, cmd *cobra.Command, svc *results.Service, runID uuid.UUID, opts *validateOptions, filter results.Filter) error {
	format, err := results.ParseFormat(opts.format)
	if err != nil {
		return err
	}
	if opts.output == "" {
		return svc.Export(ctx, cmd.OutOrStdout(), runID, format, filter)
	}
	f, err := os.Create(opts.output)
	if err != nil {
		return fmt.Errorf("failed to create export: %w", err)
	}
	return exportTo(ctx, svc, f, runID, format, filter)
}

// exportTo writes the export to w and closes it, reporting a failed close
// when the export itself succeeded.
func exportTo(ctx context.Context, svc *results.Service, w io.WriteCloser, runID uuid.UUID, format results.Format, filter results.Filter) (err error) {
	defer func() {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close export: %w", cerr)
		}
	}()
	return svc.Export(ctx, w, runID, format, filter)
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
