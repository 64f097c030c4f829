package extraction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/datacheck/internal/audit"
	"github.com/rpattn/datacheck/internal/config"
	"github.com/rpattn/datacheck/internal/dataset"
	"github.com/rpattn/datacheck/internal/domain"
	"github.com/rpattn/datacheck/internal/repository"
	"github.com/rpattn/datacheck/internal/repository/memory"
	"github.com/rpattn/datacheck/internal/storage"
)

type fixture struct {
	service  *Service
	store    *storage.Local
	repos    repository.Repositories
	recorder *audit.Recorder
	scratch  string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	repos := memory.NewStore().Repositories()
	recorder := &audit.Recorder{}
	scratch := t.TempDir()
	cfg := config.ExtractionConfig{
		MaxInMemoryBytes: 1 << 20,
		ScratchDir:       scratch,
		ViolationLimit:   2,
		InsertBatchSize:  2,
	}
	return fixture{
		service:  NewService(store, repos.Diagnostics, recorder, cfg),
		store:    store,
		repos:    repos,
		recorder: recorder,
		scratch:  scratch,
	}
}

func (f fixture) request(fileName string, data []byte) Request {
	return Request{
		RunID:             uuid.New(),
		Owner:             domain.Precheck{ID: uuid.New()},
		FileName:          fileName,
		Data:              data,
		IdentifierColumns: []string{"patientId"},
	}
}

func (f fixture) columnValues(t *testing.T, datasetPath, column string) []dataset.Cell {
	t.Helper()
	handle, err := dataset.Fetch(context.Background(), f.store, datasetPath, f.scratch, dataset.Options{})
	require.NoError(t, err)
	defer handle.Close()
	cells, err := handle.Values(context.Background(), column)
	require.NoError(t, err)
	return cells
}

func TestRouteFastPath(t *testing.T) {
	f := newFixture(t)
	req := f.request("ages.csv", []byte("age,patientId\n10,A\n200,B\n-3,A\n40,C\nNaN,D\n"))

	result, err := f.service.Route(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, domain.ExtractionPathFast, result.Path)
	assert.Equal(t, []string{"age", "patientId"}, result.Columns)
	assert.Equal(t, 5, result.RowCount)
	assert.Equal(t, []string{"A", "B", "C", "D"}, result.IDSets["patientId"])
	assert.Empty(t, result.ProcessedPath, "plain utf-8 input needs no processed copy")
	assert.Nil(t, result.Report)
	assert.Equal(t, RawKey(req.Owner, req.RunID, "ages.csv"), result.RawPath)
	assert.Equal(t, DatasetKey(req.Owner, req.RunID), result.DatasetPath)

	cells := f.columnValues(t, result.DatasetPath, "age")
	require.Len(t, cells, 5)
	assert.Equal(t, 1, cells[0].Row)
	assert.Equal(t, "NaN", cells[4].Value)

	events := f.recorder.Events()
	require.Len(t, events, 2)
	for _, event := range events {
		assert.Equal(t, domain.AuditActionCreate, event.Action)
		assert.Equal(t, domain.OwnerKindPrecheck, event.Owner.Kind)
	}
}

func TestRouteFallsBackOnColumnCount(t *testing.T) {
	f := newFixture(t)
	req := f.request("broken.csv", []byte("age,patientId\n10,A\n20\n30,C,extra\n40,D\n50\n"))

	result, err := f.service.Route(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, domain.ExtractionPathDiagnostic, result.Path)
	assert.Equal(t, 5, result.RowCount)
	assert.NotEmpty(t, result.ProcessedPath)
	require.NotNil(t, result.Report)
	assert.Equal(t, domain.DiagnosticStageValidation, result.Report.Stage)
	assert.Equal(t, 2, result.Report.ExpectedColumns)
	assert.Equal(t, 3, result.Report.TotalViolations)
	assert.Equal(t, []int{3, 4}, result.Report.ViolatingLines, "violations are capped at the configured limit")

	stored, err := f.repos.Diagnostics.GetByID(context.Background(), result.Report.ID)
	require.NoError(t, err)
	stages := make([]domain.DiagnosticStage, 0, len(stored.StageHistory))
	for _, mark := range stored.StageHistory {
		stages = append(stages, mark.Stage)
	}
	assert.Equal(t, []domain.DiagnosticStage{
		domain.DiagnosticStageMetadata,
		domain.DiagnosticStageStructure,
		domain.DiagnosticStageValidation,
	}, stages)

	cells := f.columnValues(t, result.DatasetPath, "patientId")
	require.Len(t, cells, 5)
	assert.True(t, cells[1].Null, "short rows are padded with NULL")
	assert.Equal(t, "C", cells[2].Value)
}

func TestRouteTranscodesLegacyEncoding(t *testing.T) {
	f := newFixture(t)
	// "café" in windows-1252.
	payload := []byte("name,patientId\ncaf\xe9,A\n")
	req := f.request("legacy.csv", payload)

	result, err := f.service.Route(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, domain.ExtractionPathDiagnostic, result.Path)
	assert.Equal(t, EncodingWindows1252, result.Encoding)
	cells := f.columnValues(t, result.DatasetPath, "name")
	require.Len(t, cells, 1)
	assert.Equal(t, "café", cells[0].Value)

	processed, err := f.store.Get(context.Background(), result.ProcessedPath)
	require.NoError(t, err)
	assert.Equal(t, "name,patientId\ncafé,A\n", string(processed))
}

func TestExtractStripsByteOrderMark(t *testing.T) {
	f := newFixture(t)
	payload := append([]byte{0xEF, 0xBB, 0xBF}, []byte("patientId\nA\n")...)
	req := f.request("bom.csv", payload)

	result, err := f.service.Route(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, domain.ExtractionPathFast, result.Path)
	assert.Equal(t, EncodingUTF8BOM, result.Encoding)
	assert.Equal(t, []string{"patientId"}, result.Columns)
	assert.NotEmpty(t, result.ProcessedPath)
}

func TestExtractClassifiesMalformedInput(t *testing.T) {
	f := newFixture(t)
	req := f.request("broken.csv", []byte("a,b\n1,2\n3\n"))

	_, err := f.service.Extract(context.Background(), req, FormatCSV)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedInput))

	var malformedErr *MalformedInputError
	require.True(t, errors.As(err, &malformedErr))
	assert.Equal(t, MalformedColumnCount, malformedErr.Kind)
	assert.Equal(t, 3, malformedErr.Line)
}

func TestRouteEmptyFileFailsDiagnosis(t *testing.T) {
	f := newFixture(t)
	req := f.request("empty.csv", nil)

	result, err := f.service.Route(context.Background(), req)
	require.Error(t, err)
	require.NotNil(t, result.Report)
	assert.Equal(t, domain.DiagnosticStageFailed, result.Report.Stage)
	require.NotNil(t, result.Report.ErrorMessage)
	assert.NotEmpty(t, result.RawPath, "raw path is returned for cleanup")
}

func TestRouteWorkbook(t *testing.T) {
	f := newFixture(t)
	book := excelize.NewFile()
	sheet := book.GetSheetName(0)
	require.NoError(t, book.SetSheetRow(sheet, "A1", &[]any{"age", "patientId"}))
	require.NoError(t, book.SetSheetRow(sheet, "A2", &[]any{10, "A"}))
	require.NoError(t, book.SetSheetRow(sheet, "A3", &[]any{20}))
	var buf bytes.Buffer
	require.NoError(t, book.Write(&buf))

	req := f.request("ages.xlsx", buf.Bytes())
	result, err := f.service.Route(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, domain.ExtractionPathFast, result.Path)
	assert.Equal(t, 2, result.RowCount)
	cells := f.columnValues(t, result.DatasetPath, "patientId")
	require.Len(t, cells, 2)
	assert.True(t, cells[1].Null)
}

func TestMarkValidated(t *testing.T) {
	f := newFixture(t)
	req := f.request("broken.csv", []byte("a,b\n1\n"))
	result, err := f.service.Route(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result.Report)

	require.NoError(t, f.service.MarkValidated(context.Background(), result.Report.ID, nil))
	report, err := f.repos.Diagnostics.GetByID(context.Background(), result.Report.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DiagnosticStageDone, report.Stage)
}

func TestDetectFormat(t *testing.T) {
	format, err := DetectFormat("data.CSV", nil)
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, format)

	format, err = DetectFormat("upload", []byte("PK\x03\x04rest"))
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, format)

	_, err = DetectFormat("data.json", nil)
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

func TestRouteFastPathCompletesWithinBudget(t *testing.T) {
	if testing.Short() {
		t.Skip("latency check skipped in short mode")
	}
	store, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	repos := memory.NewStore().Repositories()
	cfg := config.DefaultConfig().Extraction
	cfg.ScratchDir = t.TempDir()
	service := NewService(store, repos.Diagnostics, &audit.Recorder{}, cfg)

	var buf bytes.Buffer
	buf.WriteString("patientId,age,site,visit_date,weight\n")
	for i := 0; i < 10000; i++ {
		fmt.Fprintf(&buf, "P%05d,%d,site-%d,2024-01-%02d,%d.%d\n", i, 20+i%60, i%12, 1+i%28, 50+i%40, i%10)
	}

	req := Request{
		RunID:             uuid.New(),
		Owner:             domain.Submission{ID: uuid.New()},
		FileName:          "cohort.csv",
		Data:              buf.Bytes(),
		IdentifierColumns: []string{"patientId"},
	}
	start := time.Now()
	result, err := service.Route(context.Background(), req)
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Equal(t, domain.ExtractionPathFast, result.Path)
	assert.Equal(t, 10000, result.RowCount)
	assert.Less(t, result.Elapsed, 2*time.Second)
	assert.Less(t, elapsed, 2*time.Second)
}
