package results

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/datacheck/internal/domain"
	"github.com/rpattn/datacheck/internal/repository"
	"github.com/rpattn/datacheck/internal/repository/memory"
)

func strPtr(s string) *string { return &s }

// seed stores a completed run whose checks still carry raw values, as an
// older writer might have left them.
func seed(t *testing.T, repos repository.Repositories, owner domain.OwningEntity) domain.Run {
	t.Helper()
	ctx := context.Background()
	run, err := repos.Runs.Create(ctx, domain.NewRun(owner, "cohort.csv"))
	require.NoError(t, err)

	patient := domain.NewVariable(run.ID, 0, domain.PlannedVariable{
		Name: "patientId", Type: domain.FieldTypeID, Sensitive: true,
		Rules: []domain.RuleInvocation{{Rule: "no_duplicates"}, {Rule: "required"}},
	}).WithProfile(4, 0, 0)
	age := domain.NewVariable(run.ID, 1, domain.PlannedVariable{
		Name: "age", Type: domain.FieldTypeInteger,
		Rules: []domain.RuleInvocation{{Rule: "range"}, {Rule: "integer"}, {Rule: "regex"}},
	}).WithProfile(5, 0, 0)
	require.NoError(t, repos.Variables.CreateBatch(ctx, []domain.Variable{patient, age}))

	now := time.Now().UTC()
	checks := []domain.Check{
		{VariableID: patient.ID, Rule: "no_duplicates", Severity: domain.SeverityError, AffectedRowCount: 2,
			RowNumbers: []int{1, 3}, InvalidValue: strPtr("A"), Message: "2 value(s) share A"},
		{VariableID: patient.ID, Rule: "required", Passed: true, Severity: domain.SeverityError, Message: "all values passed"},
		{VariableID: age.ID, Rule: "range", Severity: domain.SeverityError, AffectedRowCount: 2,
			RowNumbers: []int{2, 3}, InvalidValue: strPtr("200"), Message: "2 value(s) outside range"},
		{VariableID: age.ID, Rule: "integer", Severity: domain.SeverityError, AffectedRowCount: 1,
			RowNumbers: []int{5}, InvalidValue: strPtr("NaN"), Message: "1 value(s) not an integer"},
		{VariableID: age.ID, Rule: "regex", Severity: domain.SeverityWarning, AffectedRowCount: 1,
			RowNumbers: []int{5}, Message: "1 value(s) do not match"},
	}
	for _, c := range checks {
		c.ID = uuid.New()
		c.RunID = run.ID
		c.StartedAt, c.CompletedAt = now, now
		_, err := repos.Checks.Create(ctx, c)
		require.NoError(t, err)
	}
	for _, v := range []domain.Variable{patient, age} {
		_, err := repos.Variables.Recompute(ctx, v.ID)
		require.NoError(t, err)
	}
	require.NoError(t, repos.Runs.Finalize(ctx, run.ID, repository.RunFinalization{
		Status:      domain.RunStatusCompleted,
		CompletedAt: now,
	}))
	return run
}

func findCheck(t *testing.T, doc StatusDocument, column, rule string) CheckStatus {
	t.Helper()
	for _, v := range doc.Variables {
		if v.Column != column {
			continue
		}
		for _, c := range v.Checks {
			if c.Rule == rule {
				return c
			}
		}
	}
	t.Fatalf("check %s on %s not found", rule, column)
	return CheckStatus{}
}

func TestStatusRedactsSensitiveAndIdentifierResults(t *testing.T) {
	repos := memory.NewStore().Repositories()
	run := seed(t, repos, domain.Submission{ID: uuid.New()})
	svc := NewService(repos)

	doc, err := svc.Status(context.Background(), run.ID, Filter{})
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusCompleted, doc.Status)
	assert.Equal(t, 2, doc.TotalVariables)
	assert.Equal(t, 2, doc.VariablesWithErrors)
	assert.Equal(t, 1, doc.VariablesWithWarnings)
	require.Len(t, doc.Variables, 2)
	assert.Equal(t, "patientId", doc.Variables[0].Column)

	dup := findCheck(t, doc, "patientId", "no_duplicates")
	assert.Nil(t, dup.InvalidValue)
	assert.Equal(t, "2 duplicate IDs found in rows 1, 3", dup.Message)
	assert.Equal(t, []int{1, 3}, dup.RowNumbers)

	integer := findCheck(t, doc, "age", "integer")
	require.NotNil(t, integer.InvalidValue)
	assert.Equal(t, "NaN", *integer.InvalidValue)
	assert.Equal(t, []int{5}, integer.RowNumbers)
}

func TestStatusFilters(t *testing.T) {
	repos := memory.NewStore().Repositories()
	run := seed(t, repos, domain.Submission{ID: uuid.New()})
	svc := NewService(repos)
	ctx := context.Background()

	doc, err := svc.Status(ctx, run.ID, Filter{Column: "age", Severity: domain.SeverityWarning})
	require.NoError(t, err)
	require.Len(t, doc.Variables, 1)
	require.Len(t, doc.Variables[0].Checks, 1)
	assert.Equal(t, "regex", doc.Variables[0].Checks[0].Rule)
	assert.Equal(t, 2, doc.TotalVariables, "counts ignore the filter")

	doc, err = svc.Status(ctx, run.ID, Filter{FailedOnly: true})
	require.NoError(t, err)
	for _, v := range doc.Variables {
		for _, c := range v.Checks {
			assert.False(t, c.Passed)
		}
	}

	_, err = svc.Status(ctx, uuid.New(), Filter{})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestLatestResolvesNewestRun(t *testing.T) {
	repos := memory.NewStore().Repositories()
	owner := domain.Precheck{ID: uuid.New()}
	seed(t, repos, owner)
	newest := seed(t, repos, owner)

	ctx := WithCheckLoader(context.Background(), NewCheckLoader(repos.Checks))
	doc, err := NewService(repos).Latest(ctx, domain.RefOf(owner), Filter{})
	require.NoError(t, err)
	assert.Equal(t, newest.ID, doc.RunID)
}

func TestExportCSVIsRedacted(t *testing.T) {
	repos := memory.NewStore().Repositories()
	run := seed(t, repos, domain.Submission{ID: uuid.New()})

	var buf bytes.Buffer
	require.NoError(t, NewService(repos).Export(context.Background(), &buf, run.ID, FormatCSV, Filter{FailedOnly: true}))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, exportHeader, records[0])
	assert.Equal(t, []string{"patientId", "no_duplicates", "error", "2", "1,3", "2 duplicate IDs found in rows 1, 3"}, records[1])
	for _, record := range records {
		assert.NotContains(t, record, "A")
	}
}

func TestExportXLSX(t *testing.T) {
	repos := memory.NewStore().Repositories()
	run := seed(t, repos, domain.Submission{ID: uuid.New()})

	var buf bytes.Buffer
	require.NoError(t, NewService(repos).Export(context.Background(), &buf, run.ID, FormatXLSX, Filter{}))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(sheetName)
	require.NoError(t, err)
	require.Len(t, rows, 6)
	assert.Equal(t, exportHeader, rows[0])
	assert.Equal(t, "2 duplicate IDs found in rows 1, 3", rows[1][5])
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)
	f, err = ParseFormat("XLSX")
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, f)
	_, err = ParseFormat("pdf")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}
