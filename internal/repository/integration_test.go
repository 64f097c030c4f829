//go:build integration

package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rpattn/datacheck/internal/db"
	"github.com/rpattn/datacheck/internal/domain"
	"github.com/rpattn/datacheck/internal/repository"
)

// setupTestDB starts a PostgreSQL container, applies migrations and returns a
// connection.
func setupTestDB(t *testing.T) *db.Connection {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "datacheck_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("failed to get container port: %v", err)
	}

	cfg := db.Config{
		Host:     host,
		Port:     port.Int(),
		User:     "test",
		Password: "test",
		DBName:   "datacheck_test",
		SSLMode:  "disable",
		MaxConns: 8,
	}
	if err := db.RunMigrations(cfg); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	conn, err := db.NewConnection(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(conn.Close)
	return conn
}

func TestPostgresResultStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	conn := setupTestDB(t)
	repos := repository.NewPostgresRepositories(conn.Pool)

	owner := domain.Submission{ID: uuid.New()}
	run, err := repos.Runs.Create(ctx, domain.NewRun(owner, "cohort.csv"))
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if run.Owner.Kind() != domain.OwnerKindSubmission {
		t.Fatalf("expected submission owner, got %s", run.Owner.Kind())
	}

	planned := domain.PlannedVariable{
		Name:      "patientId",
		Type:      domain.FieldTypeID,
		Sensitive: true,
		Rules:     []domain.RuleInvocation{{Rule: "required"}, {Rule: "no_duplicates"}},
	}
	variable := domain.NewVariable(run.ID, 0, planned).WithProfile(4, 0, 0)
	if err := repos.Variables.CreateBatch(ctx, []domain.Variable{variable}); err != nil {
		t.Fatalf("create variables: %v", err)
	}
	if err := repos.Runs.MarkRunning(ctx, run.ID, time.Now()); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	now := time.Now().UTC()
	_, err = repos.Checks.Create(ctx, domain.Check{
		RunID: run.ID, VariableID: variable.ID, Rule: "required", Passed: true,
		Severity: domain.SeverityError, StartedAt: now, CompletedAt: now,
	})
	if err != nil {
		t.Fatalf("create check: %v", err)
	}
	_, err = repos.Checks.Create(ctx, domain.Check{
		RunID: run.ID, VariableID: variable.ID, Rule: "no_duplicates", Passed: false,
		Severity: domain.SeverityError, AffectedRowCount: 2, RowNumbers: []int{1, 3},
		Meta: map[string]any{"duplicate_values": 1}, StartedAt: now, CompletedAt: now.Add(time.Millisecond),
	})
	if err != nil {
		t.Fatalf("create check: %v", err)
	}

	updated, err := repos.Variables.Recompute(ctx, variable.ID)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if updated.Status != domain.RunStatusCompleted || updated.Counts.ErrorCount != 1 || updated.Counts.InvalidCount != 2 {
		t.Fatalf("unexpected recomputed variable: %+v", updated)
	}

	checks, err := repos.Checks.ListByVariables(ctx, []uuid.UUID{variable.ID})
	if err != nil {
		t.Fatalf("list checks: %v", err)
	}
	if got := checks[variable.ID]; len(got) != 2 || got[1].RowNumbersString() != "1,3" || got[1].InvalidValue != nil {
		t.Fatalf("unexpected checks: %+v", got)
	}

	variables, err := repos.Variables.ListByRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("list variables: %v", err)
	}
	err = repos.Runs.Finalize(ctx, run.ID, repository.RunFinalization{
		Status:      domain.RunStatusCompleted,
		Counts:      domain.RecomputeRunCounts(variables),
		CompletedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	latest, err := repos.Runs.LatestForOwner(ctx, domain.RefOf(owner))
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != run.ID || latest.Counts.VariablesWithErrors != 1 {
		t.Fatalf("unexpected latest run: %+v", latest)
	}
}

func TestPostgresDiagnosticReportUpsert(t *testing.T) {
	ctx := context.Background()
	conn := setupTestDB(t)
	repos := repository.NewPostgresRepositories(conn.Pool)

	report := domain.NewDiagnosticReport(domain.Precheck{ID: uuid.New()}, "broken.csv")
	if err := repos.Diagnostics.Save(ctx, report); err != nil {
		t.Fatalf("save: %v", err)
	}
	report = report.WithStage(domain.DiagnosticStageStructure)
	report.ViolatingLines = []int{3, 7}
	report.TotalViolations = 2
	if err := repos.Diagnostics.Save(ctx, report); err != nil {
		t.Fatalf("save: %v", err)
	}

	stored, err := repos.Diagnostics.GetByID(ctx, report.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Stage != domain.DiagnosticStageStructure || len(stored.StageHistory) != 2 || stored.TotalViolations != 2 {
		t.Fatalf("unexpected report: %+v", stored)
	}
}
