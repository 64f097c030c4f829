package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rpattn/datacheck/internal/definition"
	"github.com/rpattn/datacheck/internal/domain"
	"github.com/rpattn/datacheck/internal/extraction"
	"github.com/rpattn/datacheck/internal/orchestrator"
	"github.com/rpattn/datacheck/internal/repository"
)

// ErrInvalidSubmission is returned when an upload cannot start a run.
var ErrInvalidSubmission = errors.New("invalid submission")

// Submission is one uploaded file with the definition to validate it against.
type Submission struct {
	Owner      domain.OwningEntity
	FileName   string
	Data       []byte
	Definition []byte
}

// Runner drives a run from upload to terminal status: planning, extraction
// into a dataset handle, then orchestration.
type Runner struct {
	runs         repository.RunRepository
	processor    *definition.Processor
	extraction   *extraction.Service
	orchestrator *orchestrator.Orchestrator
	logger       *slog.Logger

	wg sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewRunner(
	runs repository.RunRepository,
	processor *definition.Processor,
	extractor *extraction.Service,
	orch *orchestrator.Orchestrator,
	opts ...Option,
) *Runner {
	r := &Runner{
		runs:         runs,
		processor:    processor,
		extraction:   extractor,
		orchestrator: orch,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// prepare validates the submission, plans the definition and persists a
// pending run.
func (r *Runner) prepare(ctx context.Context, sub Submission) (domain.Run, domain.ExecutionPlan, error) {
	if sub.Owner == nil {
		return domain.Run{}, domain.ExecutionPlan{}, fmt.Errorf("%w: owner is required", ErrInvalidSubmission)
	}
	if len(sub.Data) == 0 {
		return domain.Run{}, domain.ExecutionPlan{}, fmt.Errorf("%w: file is empty", ErrInvalidSubmission)
	}
	plan, err := r.processor.Parse(sub.Definition)
	if err != nil {
		return domain.Run{}, domain.ExecutionPlan{}, err
	}
	run, err := r.runs.Create(ctx, domain.NewRun(sub.Owner, sub.FileName))
	if err != nil {
		return domain.Run{}, domain.ExecutionPlan{}, fmt.Errorf("failed to create run: %w", err)
	}
	return run, plan, nil
}

// Submit creates the run and processes it in the background. Definition
// errors are returned before any run exists.
func (r *Runner) Submit(ctx context.Context, sub Submission) (domain.Run, error) {
	run, plan, err := r.prepare(ctx, sub)
	if err != nil {
		return domain.Run{}, err
	}
	base := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("run processing panicked",
					slog.String("run_id", run.ID.String()),
					slog.Any("error", rec),
				)
				r.orchestrator.Fail(base, run, fmt.Errorf("panic: %v", rec))
			}
		}()
		_, _ = r.process(base, run, plan, sub)
	}()
	return run, nil
}

// Run creates and processes the run synchronously and returns its terminal
// state.
func (r *Runner) Run(ctx context.Context, sub Submission) (domain.Run, error) {
	run, plan, err := r.prepare(ctx, sub)
	if err != nil {
		return domain.Run{}, err
	}
	return r.process(ctx, run, plan, sub)
}

// Wait blocks until every submitted run has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
	r.orchestrator.Wait()
}

func (r *Runner) process(ctx context.Context, run domain.Run, plan domain.ExecutionPlan, sub Submission) (domain.Run, error) {
	logger := r.logger.With(slog.String("run_id", run.ID.String()))

	result, err := r.extraction.Route(ctx, extraction.Request{
		RunID:             run.ID,
		Owner:             run.Owner,
		FileName:          sub.FileName,
		Data:              sub.Data,
		IdentifierColumns: plan.IdentifierColumns(),
	})
	run.RawPath = result.RawPath
	run.ProcessedPath = result.ProcessedPath
	run.DatasetPath = result.DatasetPath
	run.ExtractionPath = result.Path

	if len(result.Artifacts()) > 0 {
		artifacts := repository.RunArtifacts{
			RawPath:        result.RawPath,
			ProcessedPath:  result.ProcessedPath,
			DatasetPath:    result.DatasetPath,
			ExtractionPath: result.Path,
		}
		if serr := r.runs.SetArtifacts(ctx, run.ID, artifacts); serr != nil && err == nil {
			err = fmt.Errorf("failed to record artifacts: %w", serr)
		}
	}
	if err != nil {
		logger.Warn("extraction failed", slog.Any("error", err))
		return r.orchestrator.Fail(ctx, run, fmt.Errorf("extraction failed: %w", err)), err
	}

	logger.Info("dataset extracted",
		slog.String("path", string(result.Path)),
		slog.Int("rows", result.RowCount),
		slog.Int("columns", len(result.Columns)),
		slog.Duration("elapsed", result.Elapsed),
	)

	final, runErr := r.orchestrator.Execute(ctx, orchestrator.Input{
		Run:    run,
		Plan:   plan,
		IDSets: result.IDSets,
	})
	if result.Report != nil {
		if err := r.extraction.MarkValidated(context.WithoutCancel(ctx), result.Report.ID, runErr); err != nil {
			logger.Warn("failed to finish diagnostic report", slog.Any("error", err))
		}
	}
	return final, runErr
}
