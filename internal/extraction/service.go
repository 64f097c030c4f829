package extraction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/rpattn/datacheck/internal/audit"
	"github.com/rpattn/datacheck/internal/config"
	"github.com/rpattn/datacheck/internal/dataset"
	"github.com/rpattn/datacheck/internal/domain"
	"github.com/rpattn/datacheck/internal/repository"
	"github.com/rpattn/datacheck/internal/storage"
)

// Service turns uploaded files into immutable dataset handles.
type Service struct {
	store       storage.Storage
	diagnostics repository.DiagnosticRepository
	tracker     audit.Tracker
	cfg         config.ExtractionConfig
	logger      *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger overrides the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates an extraction service.
func NewService(
	store storage.Storage,
	diagnostics repository.DiagnosticRepository,
	tracker audit.Tracker,
	cfg config.ExtractionConfig,
	opts ...Option,
) *Service {
	s := &Service{
		store:       store,
		diagnostics: diagnostics,
		tracker:     tracker,
		cfg:         cfg,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.ViolationLimit <= 0 {
		s.cfg.ViolationLimit = domain.DefaultViolationLimit
	}
	if s.cfg.ScratchDir == "" {
		s.cfg.ScratchDir = os.TempDir()
	}
	return s
}

// Request describes one extraction.
type Request struct {
	RunID    uuid.UUID
	Owner    domain.OwningEntity
	FileName string
	Data     []byte
	// IdentifierColumns are the columns whose distinct values are collected
	// for cross-file checks.
	IdentifierColumns []string
}

func (r Request) validate() error {
	if r.RunID == uuid.Nil {
		return errors.New("run id is required")
	}
	if r.Owner == nil {
		return errors.New("owner is required")
	}
	if strings.TrimSpace(r.FileName) == "" {
		return errors.New("file name is required")
	}
	return nil
}

// Result describes the artifacts produced by an extraction.
type Result struct {
	Path          domain.ExtractionPath
	RawPath       string
	ProcessedPath string
	DatasetPath   string
	Columns       []string
	RowCount      int
	IDSets        map[string][]string
	Encoding      string
	Report        *domain.DiagnosticReport
	Elapsed       time.Duration
}

// Artifacts lists every stored path of the result.
func (r Result) Artifacts() []string {
	var paths []string
	for _, p := range []string{r.RawPath, r.ProcessedPath, r.DatasetPath} {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// RawKey is where the uploaded file of a run is stored.
func RawKey(owner domain.OwningEntity, runID uuid.UUID, fileName string) string {
	name := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	return runPrefix(owner, runID) + "/raw/" + name
}

// ProcessedKey is where the UTF-8 normalized copy of a run's input is stored.
func ProcessedKey(owner domain.OwningEntity, runID uuid.UUID) string {
	return runPrefix(owner, runID) + "/processed.csv"
}

// DatasetKey is where the dataset handle of a run is stored.
func DatasetKey(owner domain.OwningEntity, runID uuid.UUID) string {
	return runPrefix(owner, runID) + "/dataset.sqlite"
}

func runPrefix(owner domain.OwningEntity, runID uuid.UUID) string {
	return owner.ScratchPrefix() + "/runs/" + runID.String()
}

// Route stores the raw upload and extracts it, falling back to the diagnostic
// path when the fast path classifies the input as malformed. The returned
// result carries the raw path even on failure so callers can clean it up.
func (s *Service) Route(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	format, err := DetectFormat(req.FileName, req.Data)
	if err != nil {
		return Result{}, err
	}

	rawPath, err := s.save(ctx, req.Owner, RawKey(req.Owner, req.RunID, req.FileName), req.Data)
	if err != nil {
		return Result{}, fmt.Errorf("failed to store raw input: %w", err)
	}

	result, err := s.Extract(ctx, req, format)
	if err == nil {
		result.RawPath = rawPath
		return result, nil
	}

	var malformedErr *MalformedInputError
	if !errors.As(err, &malformedErr) {
		return Result{RawPath: rawPath}, err
	}

	s.logger.Warn("fast extraction rejected input, switching to diagnostic path",
		slog.String("run_id", req.RunID.String()),
		slog.String("file", req.FileName),
		slog.String("kind", string(malformedErr.Kind)),
		slog.Int("line", malformedErr.Line),
	)
	result, err = s.Diagnose(ctx, req, format)
	result.RawPath = rawPath
	return result, err
}

// Extract runs the fast path: strict decoding and parsing into a working
// SQLite database that is snapshotted into the dataset handle.
func (s *Service) Extract(ctx context.Context, req Request, format Format) (Result, error) {
	start := time.Now()
	if len(req.Data) == 0 {
		return Result{}, malformed(MalformedEmpty, 0, errors.New("file is empty"))
	}

	data := req.Data
	encoding := EncodingUTF8
	if format == FormatCSV {
		decoded, name, err := decodeStrict(req.Data)
		if err != nil {
			return Result{}, err
		}
		data, encoding = decoded, name
	}

	rows, err := openRows(format, data, true)
	if err != nil {
		return Result{}, malformed(MalformedUnreadable, 0, err)
	}
	defer rows.Close()

	header, err := readHeader(rows)
	if err != nil {
		return Result{}, err
	}

	builder, err := dataset.NewBuilder(ctx, header, s.builderOptions(req))
	if err != nil {
		return Result{}, err
	}
	defer builder.Discard()

	for {
		record, line, err := rows.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, malformed(MalformedUnreadable, line, err)
		}
		cells, ok := fitStrict(format, record, len(header))
		if !ok {
			return Result{}, malformed(MalformedColumnCount, line,
				fmt.Errorf("expected %d fields, found %d", len(header), len(record)))
		}
		if err := builder.Append(ctx, cells); err != nil {
			return Result{}, err
		}
	}

	summary, err := builder.Commit(ctx, req.IdentifierColumns)
	if err != nil {
		return Result{}, err
	}
	datasetPath, err := s.persistDataset(ctx, req, builder)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		Path:        domain.ExtractionPathFast,
		DatasetPath: datasetPath,
		Columns:     header,
		RowCount:    summary.RowCount,
		IDSets:      summary.IDSets,
		Encoding:    encoding,
	}
	if format == FormatCSV && encoding != EncodingUTF8 {
		processed, err := s.save(ctx, req.Owner, ProcessedKey(req.Owner, req.RunID), data)
		if err != nil {
			return Result{}, fmt.Errorf("failed to store processed copy: %w", err)
		}
		result.ProcessedPath = processed
	}
	result.Elapsed = time.Since(start)

	s.logger.Info("extracted dataset",
		slog.String("run_id", req.RunID.String()),
		slog.String("path", string(result.Path)),
		slog.Int("rows", result.RowCount),
		slog.Int("columns", len(header)),
		slog.String("size", humanize.Bytes(uint64(len(req.Data)))),
		slog.Duration("elapsed", result.Elapsed),
	)
	return result, nil
}

func (s *Service) builderOptions(req Request) dataset.BuilderOptions {
	opts := dataset.BuilderOptions{
		BatchSize: s.cfg.InsertBatchSize,
		Debug:     s.cfg.DebugSQL,
	}
	if s.cfg.MaxInMemoryBytes > 0 && int64(len(req.Data)) > s.cfg.MaxInMemoryBytes {
		opts.DiskPath = filepath.Join(s.cfg.ScratchDir, req.RunID.String()+"-work.sqlite")
	}
	return opts
}

// persistDataset snapshots the builder to scratch space and uploads it.
func (s *Service) persistDataset(ctx context.Context, req Request, builder *dataset.Builder) (string, error) {
	local := filepath.Join(s.cfg.ScratchDir, req.RunID.String()+"-dataset.sqlite")
	if err := builder.Snapshot(ctx, local); err != nil {
		return "", err
	}
	defer os.Remove(local)

	data, err := os.ReadFile(local)
	if err != nil {
		return "", fmt.Errorf("failed to read dataset snapshot: %w", err)
	}
	stored, err := s.save(ctx, req.Owner, DatasetKey(req.Owner, req.RunID), data)
	if err != nil {
		return "", fmt.Errorf("failed to store dataset: %w", err)
	}
	return stored, nil
}

// save stores an artifact and reports its creation.
func (s *Service) save(ctx context.Context, owner domain.OwningEntity, key string, data []byte) (string, error) {
	stored, err := s.store.Save(ctx, key, data)
	if err != nil {
		return "", err
	}
	size := int64(len(data))
	event := domain.AuditEvent{
		Action: domain.AuditActionCreate,
		Path:   stored,
		Size:   &size,
		Owner:  domain.RefOf(owner),
	}
	if err := s.tracker.Record(ctx, event); err != nil {
		s.logger.Error("failed to record artifact creation",
			slog.String("path", stored),
			slog.Any("error", err),
		)
	}
	return stored, nil
}
