package dataset

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/datacheck/internal/storage"
)

func buildDataset(t *testing.T, dir string, opts BuilderOptions) (string, Summary) {
	t.Helper()
	ctx := context.Background()

	b, err := NewBuilder(ctx, []string{"patientId", "age", "note"}, opts)
	require.NoError(t, err)
	defer b.Discard()

	blank := " \t\r\n"
	rows := [][]*string{
		{strPtr("A"), strPtr("10"), strPtr("first")},
		{strPtr("B"), strPtr("200"), &blank},
		{strPtr("A"), strPtr("-3"), nil},
		{strPtr("C"), strPtr("40"), strPtr("last")},
	}
	for _, row := range rows {
		require.NoError(t, b.Append(ctx, row))
	}
	summary, err := b.Commit(ctx, []string{"patientId"})
	require.NoError(t, err)

	path := filepath.Join(dir, "dataset.sqlite")
	require.NoError(t, b.Snapshot(ctx, path))
	return path, summary
}

func strPtr(s string) *string { return &s }

func TestBuilderSummaryAndHandleQueries(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path, summary := buildDataset(t, dir, BuilderOptions{BatchSize: 3})

	assert.Equal(t, 4, summary.RowCount)
	assert.Equal(t, []string{"A", "B", "C"}, summary.IDSets["patientId"])

	h, err := Open(ctx, path, Options{})
	require.NoError(t, err)
	defer h.Close()

	assert.Equal(t, []string{"patientId", "age", "note"}, h.Columns())

	count, err := h.RowCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	cells, err := h.Values(ctx, "age")
	require.NoError(t, err)
	require.Len(t, cells, 4)
	assert.Equal(t, Cell{Row: 2, Value: "200"}, cells[1])

	notes, err := h.Values(ctx, "note")
	require.NoError(t, err)
	assert.True(t, notes[2].Null)
	assert.True(t, notes[1].Empty())

	profile, err := h.Profile(ctx, "note")
	require.NoError(t, err)
	assert.Equal(t, Profile{Total: 4, Null: 1, Empty: 1}, profile)

	distinct, err := h.Distinct(ctx, "patientId")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, distinct)

	_, err = h.Values(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownColumn)
}

func TestDiskBackedBuilder(t *testing.T) {
	dir := t.TempDir()
	path, summary := buildDataset(t, dir, BuilderOptions{DiskPath: filepath.Join(dir, "work.sqlite")})
	assert.Equal(t, 4, summary.RowCount)
	assert.FileExists(t, path)
}

func TestFetchFromStorageRemovesScratchCopyOnClose(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path, _ := buildDataset(t, dir, BuilderOptions{})

	store, err := storage.NewLocal(filepath.Join(dir, "store"))
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	stored, err := store.Save(ctx, "prechecks/x/dataset.sqlite", data)
	require.NoError(t, err)

	scratch := t.TempDir()
	h, err := Fetch(ctx, store, stored, scratch, Options{})
	require.NoError(t, err)
	local := h.Path()
	assert.FileExists(t, local)

	require.NoError(t, h.Close())
	assert.NoFileExists(t, local)
	assert.NoError(t, h.Close(), "close must be idempotent")
}

func TestBuilderLoadsWideTables(t *testing.T) {
	ctx := context.Background()
	columns := make([]string, 100)
	for i := range columns {
		columns[i] = fmt.Sprintf("c%03d", i)
	}
	b, err := NewBuilder(ctx, columns, BuilderOptions{})
	require.NoError(t, err)
	defer b.Discard()
	assert.Equal(t, maxHostParameters/(len(columns)+1), b.batchSize)

	row := make([]string, len(columns))
	for i := range row {
		row[i] = "v"
	}
	for i := 0; i < 1200; i++ {
		row[0] = fmt.Sprintf("id-%d", i)
		require.NoError(t, b.AppendStrings(ctx, row))
	}
	summary, err := b.Commit(ctx, []string{"c000"})
	require.NoError(t, err)
	assert.Equal(t, 1200, summary.RowCount)
	assert.Len(t, summary.IDSets["c000"], 1200)
}
