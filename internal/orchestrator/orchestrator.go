package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/datacheck/internal/config"
	"github.com/rpattn/datacheck/internal/dataset"
	"github.com/rpattn/datacheck/internal/domain"
	"github.com/rpattn/datacheck/internal/registry"
	"github.com/rpattn/datacheck/internal/repository"
	"github.com/rpattn/datacheck/internal/storage"
)

var tracer = otel.Tracer("datacheck.orchestrator")

// Dataset is an opened per-run dataset handle.
type Dataset interface {
	registry.Dataset
	Profile(ctx context.Context, column string) (dataset.Profile, error)
	Close() error
}

// DatasetOpener opens the dataset stored at path.
type DatasetOpener func(ctx context.Context, path string) (Dataset, error)

// TerminalHook observes runs once they reach a terminal status.
type TerminalHook interface {
	RunFinished(ctx context.Context, run domain.Run)
}

// TerminalHookFunc adapts a function to TerminalHook.
type TerminalHookFunc func(ctx context.Context, run domain.Run)

func (f TerminalHookFunc) RunFinished(ctx context.Context, run domain.Run) { f(ctx, run) }

// Input is everything needed to orchestrate one run. The run must already be
// persisted with its dataset path.
type Input struct {
	Run    domain.Run
	Plan   domain.ExecutionPlan
	IDSets map[string][]string
}

// Orchestrator schedules a run's checks level by level over a bounded pool
// and is the sole writer of the run's results.
type Orchestrator struct {
	registry  *registry.Registry
	runs      repository.RunRepository
	variables repository.VariableRepository
	checks    repository.CheckRepository
	open      DatasetOpener

	workers    int
	runTimeout time.Duration
	rowCap     int
	logger     *slog.Logger
	metrics    *Metrics
	hooks      []TerminalHook

	active sync.Map // owner key -> *activeRun
	wg     sync.WaitGroup
}

type activeRun struct {
	runID     uuid.UUID
	createdAt time.Time
	cancel    context.CancelCauseFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(o *Orchestrator) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

func WithDatasetOpener(open DatasetOpener) Option {
	return func(o *Orchestrator) {
		if open != nil {
			o.open = open
		}
	}
}

// WithTerminalHook registers a hook called after every terminal transition.
func WithTerminalHook(hook TerminalHook) Option {
	return func(o *Orchestrator) {
		if hook != nil {
			o.hooks = append(o.hooks, hook)
		}
	}
}

// StorageOpener fetches datasets from store into scratchDir.
func StorageOpener(store storage.Storage, scratchDir string, opts dataset.Options) DatasetOpener {
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	return func(ctx context.Context, path string) (Dataset, error) {
		return dataset.Fetch(ctx, store, path, scratchDir, opts)
	}
}

// New creates an orchestrator.
func New(
	reg *registry.Registry,
	repos repository.Repositories,
	open DatasetOpener,
	cfg config.OrchestratorConfig,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		registry:   reg,
		runs:       repos.Runs,
		variables:  repos.Variables,
		checks:     repos.Checks,
		open:       open,
		workers:    cfg.Workers,
		runTimeout: cfg.RunTimeout,
		rowCap:     cfg.RowNumberCap,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.workers <= 0 {
		o.workers = runtime.NumCPU()
	}
	if o.rowCap <= 0 {
		o.rowCap = domain.DefaultRowNumberCap
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	return o
}

// Start orchestrates the run in the background. The caller's cancellation
// does not propagate; only supersession and the run deadline stop it.
func (o *Orchestrator) Start(ctx context.Context, in Input) {
	base := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				err := fault(in.Run.ID, "orchestrate", fmt.Errorf("panic: %v", rec))
				o.logger.Error("orchestration panicked",
					slog.String("run_id", in.Run.ID.String()),
					slog.Any("error", rec),
				)
				run, _ := o.fail(base, in.Run, err)
				o.notify(base, run)
			}
		}()
		_, _ = o.Execute(base, in)
	}()
}

// Wait blocks until every run launched with Start has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Execute orchestrates the run synchronously and returns its terminal state.
// The error is non-nil only for orchestration faults, in which case the run
// has been finalized as failed.
func (o *Orchestrator) Execute(ctx context.Context, in Input) (domain.Run, error) {
	run := in.Run
	ctx, release := o.claim(ctx, run)
	defer release()
	if o.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, o.runTimeout, ErrTimedOut)
		defer cancel()
	}
	writeCtx := context.WithoutCancel(ctx)

	ctx, span := tracer.Start(ctx, "orchestrator.Run",
		trace.WithAttributes(
			attribute.String("run.id", run.ID.String()),
			attribute.String("run.owner", domain.OwnerKey(run.Owner)),
			attribute.Int("run.variables", len(in.Plan.Variables)),
		),
	)
	defer span.End()

	o.metrics.activeRuns.Inc()
	defer o.metrics.activeRuns.Dec()

	final, err := o.execute(ctx, writeCtx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	o.metrics.runs.WithLabelValues(string(final.Status)).Inc()
	o.notify(writeCtx, final)
	return final, err
}

// claim registers run as the owner's active run, superseding any older one.
// A run created before the owner's latest run is superseded itself instead, so
// the order runs reach orchestration never overrides the order they were created.
func (o *Orchestrator) claim(parent context.Context, run domain.Run) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	if newer, ok := o.newerRun(parent, run); ok {
		o.supersede(run.ID, newer, cancel)
		return ctx, func() { cancel(nil) }
	}

	key := domain.OwnerKey(run.Owner)
	entry := &activeRun{runID: run.ID, createdAt: run.CreatedAt, cancel: cancel}
	for {
		prev, loaded := o.active.LoadOrStore(key, entry)
		if !loaded {
			break
		}
		previous := prev.(*activeRun)
		if previous.createdAt.After(run.CreatedAt) {
			o.supersede(run.ID, previous.runID, cancel)
			return ctx, func() { cancel(nil) }
		}
		if o.active.CompareAndSwap(key, prev, entry) {
			o.supersede(previous.runID, run.ID, previous.cancel)
			break
		}
	}
	return ctx, func() {
		o.active.CompareAndDelete(key, entry)
		cancel(nil)
	}
}

// newerRun reports the owner's latest run when it is not run.
func (o *Orchestrator) newerRun(ctx context.Context, run domain.Run) (uuid.UUID, bool) {
	latest, err := o.runs.LatestForOwner(ctx, run.OwnerRef())
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			o.logger.Warn("failed to resolve latest run",
				slog.String("run_id", run.ID.String()),
				slog.Any("error", err),
			)
		}
		return uuid.Nil, false
	}
	if latest.ID == run.ID || latest.CreatedAt.Before(run.CreatedAt) {
		return uuid.Nil, false
	}
	return latest.ID, true
}

func (o *Orchestrator) supersede(runID, by uuid.UUID, cancel context.CancelCauseFunc) {
	o.logger.Info("superseding run",
		slog.String("run_id", runID.String()),
		slog.String("superseded_by", by.String()),
	)
	cancel(&supersededError{by: by})
}

type runState struct {
	run     domain.Run
	dataset Dataset
	shared  *registry.Shared
	varIDs  map[int]uuid.UUID
	// locks serialize recomputation per variable; the map is read-only once built.
	locks  map[uuid.UUID]*sync.Mutex
	logger *slog.Logger
}

func (s *runState) env(j *job, rowCap int) registry.Env {
	return registry.Env{
		Dataset:      s.dataset,
		Variable:     j.variable,
		Shared:       s.shared,
		RowNumberCap: rowCap,
	}
}

func (o *Orchestrator) execute(ctx, writeCtx context.Context, in Input) (domain.Run, error) {
	run := in.Run
	logger := o.logger.With(slog.String("run_id", run.ID.String()))

	handle, err := o.open(writeCtx, run.DatasetPath)
	if err != nil {
		return o.fail(writeCtx, run, fault(run.ID, "open dataset", err))
	}
	defer handle.Close()

	jobs := buildJobs(in.Plan, o.registry, logger)
	bindDependencies(jobs)
	levels, err := layer(jobs)
	if err != nil {
		return o.fail(writeCtx, run, fault(run.ID, "resolve dependencies", err))
	}

	variables, err := o.createVariables(writeCtx, run, in.Plan, jobs, handle)
	if err != nil {
		return o.fail(writeCtx, run, err)
	}

	started := time.Now().UTC()
	if err := o.runs.MarkRunning(writeCtx, run.ID, started); err != nil {
		return o.fail(writeCtx, run, fault(run.ID, "mark running", err))
	}
	run.Status = domain.RunStatusRunning
	run.StartedAt = &started

	state := &runState{
		run:     run,
		dataset: handle,
		shared:  registry.NewShared(),
		varIDs:  make(map[int]uuid.UUID, len(variables)),
		locks:   make(map[uuid.UUID]*sync.Mutex, len(variables)),
		logger:  logger,
	}
	state.shared.SeedIDs(in.IDSets)
	for _, v := range variables {
		state.varIDs[v.Position] = v.ID
		state.locks[v.ID] = &sync.Mutex{}
	}

	logger.Info("dispatching checks",
		slog.Int("jobs", len(jobs)),
		slog.Int("levels", len(levels)),
		slog.Int("workers", o.workers),
	)
	for i, level := range levels {
		if err := o.runLevel(ctx, writeCtx, state, i, level); err != nil {
			return o.fail(writeCtx, run, err)
		}
	}
	return o.complete(ctx, writeCtx, state, variables)
}

func (o *Orchestrator) createVariables(
	ctx context.Context,
	run domain.Run,
	plan domain.ExecutionPlan,
	jobs []*job,
	handle Dataset,
) ([]domain.Variable, error) {
	expected := make(map[int]int)
	for _, j := range jobs {
		expected[j.position]++
	}
	variables := make([]domain.Variable, 0, len(plan.Variables))
	for position, planned := range plan.Variables {
		v := domain.NewVariable(run.ID, position, planned)
		v.ExpectedChecks = expected[position]
		if handle.HasColumn(planned.Name) {
			profile, err := handle.Profile(ctx, planned.Name)
			if err != nil {
				return nil, fault(run.ID, "profile dataset", err)
			}
			v = v.WithProfile(profile.Total, profile.Null, profile.Empty)
		}
		variables = append(variables, v)
	}
	if err := o.variables.CreateBatch(ctx, variables); err != nil {
		return nil, fault(run.ID, "create variables", err)
	}
	return variables, nil
}

// runLevel dispatches one level and waits for every job in it. Parallel-safe
// jobs share the pool; the rest run one at a time afterwards.
func (o *Orchestrator) runLevel(ctx, writeCtx context.Context, state *runState, index int, level []*job) error {
	ctx, span := tracer.Start(ctx, "orchestrator.Level",
		trace.WithAttributes(
			attribute.Int("level.index", index),
			attribute.Int("level.jobs", len(level)),
		),
	)
	defer span.End()

	var parallel, serial []*job
	for _, j := range level {
		if j.entry.ParallelSafe {
			parallel = append(parallel, j)
		} else {
			serial = append(serial, j)
		}
	}

	var g errgroup.Group
	g.SetLimit(o.workers)
	for _, j := range parallel {
		g.Go(func() error {
			return o.runJob(ctx, writeCtx, state, j)
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	for _, j := range serial {
		if err := o.runJob(ctx, writeCtx, state, j); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	return nil
}

// runJob executes one job and persists its check. Rule failures become failed
// checks; only persistence errors are returned.
func (o *Orchestrator) runJob(ctx, writeCtx context.Context, state *runState, j *job) error {
	start := time.Now()
	outcomeLabel := "passed"

	var out registry.Outcome
	if ctx.Err() != nil {
		out = interrupted(context.Cause(ctx))
		outcomeLabel = "error"
	} else {
		jobCtx, span := tracer.Start(ctx, "orchestrator.Check",
			trace.WithAttributes(
				attribute.String("check.rule", j.entry.Name),
				attribute.String("check.column", j.variable.Name),
				attribute.Int("check.level", j.level),
			),
		)
		result, err := invoke(jobCtx, state.env(j, o.rowCap), j)
		switch {
		case err != nil && ctx.Err() != nil:
			out = interrupted(context.Cause(ctx))
			outcomeLabel = "error"
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			state.logger.Warn("check failed to execute",
				slog.String("rule", j.entry.Name),
				slog.String("column", j.variable.Name),
				slog.Any("error", err),
			)
			out = registry.Outcome{Passed: false, Severity: domain.SeverityError, Message: err.Error()}
			outcomeLabel = "error"
		default:
			out = result
			if !out.Passed {
				outcomeLabel = "failed"
			}
		}
		span.End()
	}
	if out.Severity == "" {
		out.Severity = j.params().Severity(j.entry.DefaultSeverity)
	}

	variableID := state.varIDs[j.position]
	check := domain.Check{
		ID:               uuid.New(),
		RunID:            state.run.ID,
		VariableID:       variableID,
		Rule:             j.entry.Name,
		Params:           j.inv.Params,
		Passed:           out.Passed,
		Severity:         out.Severity,
		Message:          out.Message,
		AffectedRowCount: out.AffectedRows,
		RowNumbers:       domain.CapRows(out.RowNumbers, o.rowCap),
		InvalidValue:     out.InvalidValue,
		Meta:             out.Meta,
		StartedAt:        start.UTC(),
		CompletedAt:      time.Now().UTC(),
	}.Redacted(j.variable.Sensitive)
	if check.Params == nil {
		check.Params = map[string]any{}
	}
	if check.RowNumbers == nil {
		check.RowNumbers = []int{}
	}

	if _, err := o.checks.Create(writeCtx, check); err != nil {
		return fault(state.run.ID, "store check", err)
	}

	lock := state.locks[variableID]
	lock.Lock()
	_, err := o.variables.Recompute(writeCtx, variableID)
	lock.Unlock()
	if err != nil {
		return fault(state.run.ID, "recompute variable", err)
	}

	o.metrics.checks.WithLabelValues(j.entry.Name, outcomeLabel).Inc()
	o.metrics.checkDuration.WithLabelValues(j.entry.Name).Observe(time.Since(start).Seconds())
	return nil
}

// invoke runs the validator, converting errors and panics into
// CheckExecutionError.
func invoke(ctx context.Context, env registry.Env, j *job) (out registry.Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &CheckExecutionError{Rule: j.entry.Name, Column: j.variable.Name, Panic: true, Err: fmt.Errorf("%v", rec)}
		}
	}()
	out, err = j.entry.Validator.Check(ctx, env, j.variable.Name, j.params())
	if err != nil {
		return registry.Outcome{}, &CheckExecutionError{Rule: j.entry.Name, Column: j.variable.Name, Err: err}
	}
	return out, nil
}

func interrupted(cause error) registry.Outcome {
	message := "cancelled"
	switch {
	case errors.Is(cause, ErrTimedOut), errors.Is(cause, context.DeadlineExceeded):
		message = "timed out"
	case errors.Is(cause, ErrSuperseded):
		message = "superseded"
	}
	return registry.Outcome{Passed: false, Severity: domain.SeverityError, Message: message}
}

func (o *Orchestrator) complete(ctx, writeCtx context.Context, state *runState, variables []domain.Variable) (domain.Run, error) {
	run := state.run
	for _, v := range variables {
		if v.ExpectedChecks == 0 {
			if _, err := o.variables.Recompute(writeCtx, v.ID); err != nil {
				return o.fail(writeCtx, run, fault(run.ID, "recompute variable", err))
			}
		}
	}
	stored, err := o.variables.ListByRun(writeCtx, run.ID)
	if err != nil {
		return o.fail(writeCtx, run, fault(run.ID, "load variables", err))
	}

	counts := domain.RecomputeRunCounts(stored)
	completed := time.Now().UTC()
	var message *string
	if ctx.Err() != nil {
		msg := o.describeCause(context.Cause(ctx))
		message = &msg
	}
	err = o.runs.Finalize(writeCtx, run.ID, repository.RunFinalization{
		Status:       domain.RunStatusCompleted,
		Counts:       counts,
		ErrorMessage: message,
		CompletedAt:  completed,
	})
	if err != nil {
		return o.fail(writeCtx, run, fault(run.ID, "finalize run", err))
	}

	run.Status = domain.RunStatusCompleted
	run.Counts = counts
	run.ErrorMessage = message
	run.CompletedAt = &completed
	state.logger.Info("run completed",
		slog.Int("variables", counts.TotalVariables),
		slog.Int("with_warnings", counts.VariablesWithWarnings),
		slog.Int("with_errors", counts.VariablesWithErrors),
		slog.Duration("elapsed", completed.Sub(*run.StartedAt)),
	)
	return run, nil
}

func (o *Orchestrator) describeCause(cause error) string {
	switch {
	case errors.Is(cause, ErrTimedOut):
		return fmt.Sprintf("run timed out after %s", o.runTimeout)
	case errors.Is(cause, ErrSuperseded):
		return cause.Error()
	case cause != nil:
		return "run cancelled: " + cause.Error()
	default:
		return "run cancelled"
	}
}

// fail finalizes the run as failed. Completed checks are kept.
func (o *Orchestrator) fail(ctx context.Context, run domain.Run, cause error) (domain.Run, error) {
	message := cause.Error()
	completed := time.Now().UTC()
	var counts domain.RunCounts
	if stored, err := o.variables.ListByRun(ctx, run.ID); err == nil {
		counts = domain.RecomputeRunCounts(stored)
	}
	err := o.runs.Finalize(ctx, run.ID, repository.RunFinalization{
		Status:       domain.RunStatusFailed,
		Counts:       counts,
		ErrorMessage: &message,
		CompletedAt:  completed,
	})
	if err != nil {
		o.logger.Error("failed to mark run failed",
			slog.String("run_id", run.ID.String()),
			slog.Any("error", err),
			slog.String("cause", message),
		)
	}
	o.logger.Error("run failed",
		slog.String("run_id", run.ID.String()),
		slog.String("error", message),
	)
	run.Status = domain.RunStatusFailed
	run.Counts = counts
	run.ErrorMessage = &message
	run.CompletedAt = &completed
	return run, cause
}

// Fail finalizes a run that never reached orchestration, such as one whose
// extraction failed, and notifies the terminal hooks.
func (o *Orchestrator) Fail(ctx context.Context, run domain.Run, cause error) domain.Run {
	run, _ = o.fail(context.WithoutCancel(ctx), run, cause)
	o.metrics.runs.WithLabelValues(string(run.Status)).Inc()
	o.notify(context.WithoutCancel(ctx), run)
	return run
}

func (o *Orchestrator) notify(ctx context.Context, run domain.Run) {
	for _, hook := range o.hooks {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					o.logger.Error("terminal hook panicked",
						slog.String("run_id", run.ID.String()),
						slog.Any("error", rec),
					)
				}
			}()
			hook.RunFinished(ctx, run)
		}()
	}
}
