package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/datacheck/internal/config"
	"github.com/rpattn/datacheck/internal/dataset"
	"github.com/rpattn/datacheck/internal/domain"
	"github.com/rpattn/datacheck/internal/registry"
	"github.com/rpattn/datacheck/internal/repository"
	"github.com/rpattn/datacheck/internal/repository/memory"
	"github.com/rpattn/datacheck/internal/rules"
)

type stubDataset struct {
	columns []string
}

func (s stubDataset) Columns() []string { return s.columns }

func (s stubDataset) HasColumn(column string) bool {
	for _, c := range s.columns {
		if c == column {
			return true
		}
	}
	return false
}

func (stubDataset) RowCount(context.Context) (int, error) { return 3, nil }

func (stubDataset) Values(context.Context, string) ([]dataset.Cell, error) {
	return []dataset.Cell{{Row: 1, Value: "x"}, {Row: 2, Value: "y"}, {Row: 3, Value: "z"}}, nil
}

func (stubDataset) Distinct(context.Context, string) ([]string, error) {
	return []string{"x", "y", "z"}, nil
}

func (stubDataset) Profile(context.Context, string) (dataset.Profile, error) {
	return dataset.Profile{Total: 3}, nil
}

func (stubDataset) Close() error { return nil }

func stubOpener(columns ...string) DatasetOpener {
	return func(context.Context, string) (Dataset, error) {
		return stubDataset{columns: columns}, nil
	}
}

func passing() registry.Validator {
	return registry.ValidatorFunc(func(context.Context, registry.Env, string, registry.Params) (registry.Outcome, error) {
		return registry.Outcome{Passed: true, Message: "ok"}, nil
	})
}

// blocking waits for cancellation and reports the context error.
func blocking(started chan<- struct{}) registry.Validator {
	var once sync.Once
	return registry.ValidatorFunc(func(ctx context.Context, _ registry.Env, _ string, _ registry.Params) (registry.Outcome, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return registry.Outcome{}, ctx.Err()
	})
}

func newRegistry(t *testing.T, entries ...registry.Entry) *registry.Registry {
	t.Helper()
	for i := range entries {
		entries[i].Enabled = true
	}
	reg, err := registry.New(entries...)
	require.NoError(t, err)
	return reg
}

func newRun(t *testing.T, repos repository.Repositories, owner domain.OwningEntity) domain.Run {
	t.Helper()
	run := domain.NewRun(owner, "data.csv")
	run.DatasetPath = "dataset.sqlite"
	created, err := repos.Runs.Create(context.Background(), run)
	require.NoError(t, err)
	return created
}

func plan(vars ...domain.PlannedVariable) domain.ExecutionPlan {
	return domain.ExecutionPlan{Variables: vars}
}

func variable(name string, rules ...string) domain.PlannedVariable {
	v := domain.PlannedVariable{Name: name, Type: domain.FieldTypeString}
	for _, r := range rules {
		v.Rules = append(v.Rules, domain.RuleInvocation{Rule: r})
	}
	return v
}

func checksByRule(t *testing.T, repos repository.Repositories, runID uuid.UUID) map[string]domain.Check {
	t.Helper()
	checks, err := repos.Checks.ListByRun(context.Background(), runID)
	require.NoError(t, err)
	out := make(map[string]domain.Check, len(checks))
	for _, c := range checks {
		out[c.Rule] = c
	}
	return out
}

func TestExecuteEndToEndOnDataset(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b, err := dataset.NewBuilder(ctx, []string{"patientId", "age"}, dataset.BuilderOptions{})
	require.NoError(t, err)
	for _, row := range [][]string{{"A", "34"}, {"B", "200"}, {"A", "-1"}, {"C", "abc"}} {
		require.NoError(t, b.AppendStrings(ctx, row))
	}
	summary, err := b.Commit(ctx, []string{"patientId"})
	require.NoError(t, err)
	path := filepath.Join(dir, "dataset.sqlite")
	require.NoError(t, b.Snapshot(ctx, path))
	b.Discard()

	repos := memory.NewStore().Repositories()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	var finished []domain.Run
	o := New(rules.Default(), repos,
		func(ctx context.Context, p string) (Dataset, error) { return dataset.Open(ctx, p, dataset.Options{}) },
		config.OrchestratorConfig{Workers: 2},
		WithMetrics(metrics),
		WithTerminalHook(TerminalHookFunc(func(_ context.Context, run domain.Run) { finished = append(finished, run) })),
	)

	run := newRun(t, repos, domain.Precheck{ID: uuid.New()})
	run.DatasetPath = path
	input := Input{
		Run: run,
		Plan: plan(
			domain.PlannedVariable{
				Name:      "patientId",
				Type:      domain.FieldTypeID,
				Sensitive: true,
				Rules:     []domain.RuleInvocation{{Rule: "no_duplicates"}, {Rule: "required"}},
			},
			domain.PlannedVariable{
				Name: "age",
				Type: domain.FieldTypeInteger,
				Rules: []domain.RuleInvocation{
					{Rule: "integer"},
					{Rule: "required"},
					{Rule: "range", Params: map[string]any{"min": 0, "max": 120}},
				},
			},
			domain.PlannedVariable{Name: "notes", Type: domain.FieldTypeString},
		),
		IDSets: summary.IDSets,
	}

	final, err := o.Execute(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, final.Status)
	assert.Nil(t, final.ErrorMessage)
	assert.Equal(t, domain.RunCounts{TotalVariables: 3, CompletedVariables: 3, VariablesWithErrors: 2}, final.Counts)

	stored, err := repos.Runs.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, stored.Status)
	assert.Equal(t, final.Counts, stored.Counts)

	variables, err := repos.Variables.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, variables, 3)
	rowsByColumn := map[string]int{}
	for _, v := range variables {
		assert.Equal(t, domain.RunStatusCompleted, v.Status, v.Column)
		rowsByColumn[v.Column] = v.Counts.TotalRows
	}
	// notes is declared but absent from the file, so it has no profile.
	assert.Equal(t, map[string]int{"patientId": 4, "age": 4, "notes": 0}, rowsByColumn)

	checks := checksByRule(t, repos, run.ID)
	dup := checks["no_duplicates"]
	assert.False(t, dup.Passed)
	assert.Equal(t, []int{1, 3}, dup.RowNumbers)
	assert.Nil(t, dup.InvalidValue)
	assert.Equal(t, "2 duplicate IDs found in rows 1, 3", dup.Message)

	rangeCheck := checks["range"]
	assert.False(t, rangeCheck.Passed)
	assert.Equal(t, []int{2, 3}, rangeCheck.RowNumbers)

	integer := checks["integer"]
	assert.False(t, integer.Passed)
	assert.Equal(t, []int{4}, integer.RowNumbers)
	require.NotNil(t, integer.InvalidValue)
	assert.Equal(t, "abc", *integer.InvalidValue)

	require.Len(t, finished, 1)
	assert.Equal(t, run.ID, finished[0].ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.runs.WithLabelValues("completed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.activeRuns))
}

func TestExecuteRespectsDependencyOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) registry.Validator {
		return registry.ValidatorFunc(func(context.Context, registry.Env, string, registry.Params) (registry.Outcome, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return registry.Outcome{Passed: true}, nil
		})
	}
	reg := newRegistry(t,
		registry.Entry{Name: "publish", Validator: record("publish"), ParallelSafe: true},
		registry.Entry{Name: "consume", Validator: record("consume"), Dependencies: []string{"publish"}},
		registry.Entry{Name: "later", Validator: record("later"), ParallelSafe: true, Dependencies: []string{"consume"}},
	)
	repos := memory.NewStore().Repositories()
	o := New(reg, repos, stubOpener("id", "ref"), config.OrchestratorConfig{Workers: 4})

	run := newRun(t, repos, domain.Submission{ID: uuid.New()})
	_, err := o.Execute(context.Background(), Input{
		Run: run,
		Plan: plan(
			variable("ref", "later", "consume"),
			variable("id", "publish"),
		),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"publish", "consume", "later"}, order)
}

func TestExecuteIsolatesCheckFailures(t *testing.T) {
	reg := newRegistry(t,
		registry.Entry{Name: "ok", Validator: passing(), ParallelSafe: true},
		registry.Entry{Name: "boom", ParallelSafe: true, Validator: registry.ValidatorFunc(
			func(context.Context, registry.Env, string, registry.Params) (registry.Outcome, error) {
				panic("index out of range")
			})},
		registry.Entry{Name: "broken", ParallelSafe: true, Validator: registry.ValidatorFunc(
			func(context.Context, registry.Env, string, registry.Params) (registry.Outcome, error) {
				return registry.Outcome{}, errors.New("bad params")
			})},
	)
	repos := memory.NewStore().Repositories()
	o := New(reg, repos, stubOpener("a"), config.OrchestratorConfig{Workers: 2})

	run := newRun(t, repos, domain.Precheck{ID: uuid.New()})
	final, err := o.Execute(context.Background(), Input{
		Run:  run,
		Plan: plan(variable("a", "ok", "boom", "broken", "unregistered")),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, final.Status)

	checks := checksByRule(t, repos, run.ID)
	require.Len(t, checks, 3)
	assert.True(t, checks["ok"].Passed)
	assert.False(t, checks["boom"].Passed)
	assert.Equal(t, domain.SeverityError, checks["boom"].Severity)
	assert.Contains(t, checks["boom"].Message, "panicked")
	assert.Contains(t, checks["broken"].Message, "bad params")

	variables, err := repos.Variables.ListByRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, variables, 1)
	assert.Equal(t, 3, variables[0].ExpectedChecks)
	assert.Equal(t, domain.RunStatusCompleted, variables[0].Status)
	assert.Equal(t, 2, variables[0].Counts.ErrorCount)
}

func TestExecuteFailsOnDependencyCycle(t *testing.T) {
	reg := newRegistry(t,
		registry.Entry{Name: "a", Validator: passing(), ParallelSafe: true, Dependencies: []string{"b"}},
		registry.Entry{Name: "b", Validator: passing(), ParallelSafe: true, Dependencies: []string{"a"}},
	)
	repos := memory.NewStore().Repositories()
	o := New(reg, repos, stubOpener("x"), config.OrchestratorConfig{})

	run := newRun(t, repos, domain.Precheck{ID: uuid.New()})
	final, err := o.Execute(context.Background(), Input{Run: run, Plan: plan(variable("x", "a", "b"))})

	var orchestrationFault *OrchestrationFault
	require.ErrorAs(t, err, &orchestrationFault)
	assert.Equal(t, domain.RunStatusFailed, final.Status)

	stored, err := repos.Runs.GetByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "cycle")
}

func TestExecuteFailsWhenDatasetIsUnreadable(t *testing.T) {
	repos := memory.NewStore().Repositories()
	o := New(rules.Default(), repos,
		func(context.Context, string) (Dataset, error) { return nil, errors.New("missing file") },
		config.OrchestratorConfig{},
	)
	run := newRun(t, repos, domain.Precheck{ID: uuid.New()})
	final, err := o.Execute(context.Background(), Input{Run: run, Plan: plan(variable("x", "required"))})
	require.Error(t, err)
	assert.Equal(t, domain.RunStatusFailed, final.Status)
	require.NotNil(t, final.ErrorMessage)
	assert.Contains(t, *final.ErrorMessage, "missing file")
}

func TestExecuteRecordsTimedOutChecks(t *testing.T) {
	started := make(chan struct{})
	reg := newRegistry(t,
		registry.Entry{Name: "slow", Validator: blocking(started), ParallelSafe: true, Priority: 10},
		registry.Entry{Name: "after", Validator: passing(), ParallelSafe: true, Dependencies: []string{"slow"}},
	)
	repos := memory.NewStore().Repositories()
	o := New(reg, repos, stubOpener("x"), config.OrchestratorConfig{RunTimeout: 50 * time.Millisecond})

	run := newRun(t, repos, domain.Precheck{ID: uuid.New()})
	final, err := o.Execute(context.Background(), Input{Run: run, Plan: plan(variable("x", "slow", "after"))})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, final.Status)
	require.NotNil(t, final.ErrorMessage)
	assert.Contains(t, *final.ErrorMessage, "timed out")

	checks := checksByRule(t, repos, run.ID)
	assert.Equal(t, "timed out", checks["slow"].Message)
	assert.Equal(t, "timed out", checks["after"].Message)
	assert.False(t, checks["after"].Passed)
}

func TestNewerRunSupersedesActiveRun(t *testing.T) {
	started := make(chan struct{})
	reg := newRegistry(t,
		registry.Entry{Name: "slow", Validator: blocking(started), ParallelSafe: true},
		registry.Entry{Name: "ok", Validator: passing(), ParallelSafe: true},
	)
	repos := memory.NewStore().Repositories()
	o := New(reg, repos, stubOpener("x"), config.OrchestratorConfig{})

	owner := domain.Submission{ID: uuid.New()}
	first := newRun(t, repos, owner)
	o.Start(context.Background(), Input{Run: first, Plan: plan(variable("x", "slow"))})

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never started its check")
	}

	second := newRun(t, repos, owner)
	final, err := o.Execute(context.Background(), Input{Run: second, Plan: plan(variable("x", "ok"))})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, final.Status)
	o.Wait()

	stored, err := repos.Runs.GetByID(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "superseded by run "+second.ID.String())
	assert.Equal(t, "superseded", checksByRule(t, repos, first.ID)["slow"].Message)
}

func TestOlderRunDoesNotSupersedeNewerRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	gated := registry.ValidatorFunc(func(ctx context.Context, _ registry.Env, _ string, _ registry.Params) (registry.Outcome, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
			return registry.Outcome{Passed: true}, nil
		case <-ctx.Done():
			return registry.Outcome{}, ctx.Err()
		}
	})
	reg := newRegistry(t,
		registry.Entry{Name: "gated", Validator: gated, ParallelSafe: true},
		registry.Entry{Name: "ok", Validator: passing(), ParallelSafe: true},
	)
	repos := memory.NewStore().Repositories()
	o := New(reg, repos, stubOpener("x"), config.OrchestratorConfig{})

	owner := domain.Submission{ID: uuid.New()}
	older := newRun(t, repos, owner)
	newer := newRun(t, repos, owner)

	o.Start(context.Background(), Input{Run: newer, Plan: plan(variable("x", "gated"))})
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("newer run never started its check")
	}

	final, err := o.Execute(context.Background(), Input{Run: older, Plan: plan(variable("x", "ok"))})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, final.Status)
	require.NotNil(t, final.ErrorMessage)
	assert.Equal(t, "superseded by run "+newer.ID.String(), *final.ErrorMessage)
	assert.Equal(t, "superseded", checksByRule(t, repos, older.ID)["ok"].Message)

	close(release)
	o.Wait()

	stored, err := repos.Runs.GetByID(context.Background(), newer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, stored.Status)
	assert.Nil(t, stored.ErrorMessage)
	assert.True(t, checksByRule(t, repos, newer.ID)["gated"].Passed)

	latest, err := repos.Runs.LatestForOwner(context.Background(), domain.RefOf(owner))
	require.NoError(t, err)
	assert.Equal(t, newer.ID, latest.ID)
}

func TestRowNumbersAreCapped(t *testing.T) {
	rows := make([]int, 50)
	for i := range rows {
		rows[i] = i + 1
	}
	reg := newRegistry(t, registry.Entry{Name: "many", ParallelSafe: true, Validator: registry.ValidatorFunc(
		func(context.Context, registry.Env, string, registry.Params) (registry.Outcome, error) {
			return registry.Outcome{Passed: false, AffectedRows: len(rows), RowNumbers: rows}, nil
		})})
	repos := memory.NewStore().Repositories()
	o := New(reg, repos, stubOpener("x"), config.OrchestratorConfig{RowNumberCap: 10})

	run := newRun(t, repos, domain.Precheck{ID: uuid.New()})
	_, err := o.Execute(context.Background(), Input{Run: run, Plan: plan(variable("x", "many"))})
	require.NoError(t, err)

	check := checksByRule(t, repos, run.ID)["many"]
	assert.Len(t, check.RowNumbers, 10)
	assert.Equal(t, 50, check.AffectedRowCount)
	assert.Equal(t, domain.SeverityError, check.Severity)
}
