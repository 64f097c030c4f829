package extraction

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/rpattn/datacheck/internal/dataset"
	"github.com/rpattn/datacheck/internal/domain"
)

// Diagnose runs the tolerant extraction path. Progress is persisted after the
// metadata, structure and validation stages so a failure leaves a partial
// report behind. Short records are padded with NULL and long records are
// truncated; both are counted as violations.
func (s *Service) Diagnose(ctx context.Context, req Request, format Format) (Result, error) {
	start := time.Now()
	report := domain.NewDiagnosticReport(req.Owner, req.FileName)
	runID := req.RunID
	report.RunID = &runID
	report.ViolatingLines = []int{}

	sum := sha256.Sum256(req.Data)
	report.SHA256 = hex.EncodeToString(sum[:])
	report.SizeBytes = int64(len(req.Data))
	if format == FormatCSV {
		report.Encoding, report.HasBOM = detectEncoding(req.Data)
	} else {
		report.Encoding = EncodingOOXML
	}
	if err := s.saveReport(ctx, report); err != nil {
		return Result{Path: domain.ExtractionPathDiagnostic, Report: &report}, err
	}
	s.logger.Info("diagnostic metadata collected",
		slog.String("run_id", req.RunID.String()),
		slog.String("report_id", report.ID.String()),
		slog.String("encoding", report.Encoding),
		slog.Bool("bom", report.HasBOM),
		slog.String("size", humanize.Bytes(uint64(report.SizeBytes))),
	)
	if len(req.Data) == 0 {
		return s.failDiagnosis(ctx, report, malformed(MalformedEmpty, 0, errors.New("file is empty")))
	}

	report = report.WithStage(domain.DiagnosticStageStructure)
	data := req.Data
	if format == FormatCSV {
		decoded, _, err := decodeLenient(req.Data)
		if err != nil {
			return s.failDiagnosis(ctx, report, malformed(MalformedEncoding, 0, err))
		}
		data = decoded
	}

	rows, err := openRows(format, data, false)
	if err != nil {
		return s.failDiagnosis(ctx, report, malformed(MalformedUnreadable, 0, err))
	}
	defer rows.Close()

	header, err := readHeader(rows)
	if err != nil {
		return s.failDiagnosis(ctx, report, err)
	}
	report.ExpectedColumns = len(header)

	builder, err := dataset.NewBuilder(ctx, header, s.builderOptions(req))
	if err != nil {
		return s.failDiagnosis(ctx, report, err)
	}
	defer builder.Discard()

	var processed bytes.Buffer
	writer := csv.NewWriter(&processed)
	if err := writer.Write(header); err != nil {
		return s.failDiagnosis(ctx, report, err)
	}
	for {
		record, line, err := rows.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return s.failDiagnosis(ctx, report, malformed(MalformedUnreadable, line, err))
		}
		cells, violation := fitTolerant(format, record, len(header))
		if violation {
			report.TotalViolations++
			if len(report.ViolatingLines) < s.cfg.ViolationLimit {
				report.ViolatingLines = append(report.ViolatingLines, line)
			}
		}
		if err := builder.Append(ctx, cells); err != nil {
			return s.failDiagnosis(ctx, report, err)
		}
		if err := writer.Write(cellStrings(cells)); err != nil {
			return s.failDiagnosis(ctx, report, err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return s.failDiagnosis(ctx, report, err)
	}
	if err := s.saveReport(ctx, report); err != nil {
		return Result{Path: domain.ExtractionPathDiagnostic, Report: &report}, err
	}

	report = report.WithStage(domain.DiagnosticStageValidation)
	summary, err := builder.Commit(ctx, req.IdentifierColumns)
	if err != nil {
		return s.failDiagnosis(ctx, report, err)
	}
	datasetPath, err := s.persistDataset(ctx, req, builder)
	if err != nil {
		return s.failDiagnosis(ctx, report, err)
	}
	processedPath, err := s.save(ctx, req.Owner, ProcessedKey(req.Owner, req.RunID), processed.Bytes())
	if err != nil {
		return s.failDiagnosis(ctx, report, fmt.Errorf("failed to store processed copy: %w", err))
	}
	if err := s.saveReport(ctx, report); err != nil {
		return Result{Path: domain.ExtractionPathDiagnostic, Report: &report}, err
	}

	result := Result{
		Path:          domain.ExtractionPathDiagnostic,
		ProcessedPath: processedPath,
		DatasetPath:   datasetPath,
		Columns:       header,
		RowCount:      summary.RowCount,
		IDSets:        summary.IDSets,
		Encoding:      report.Encoding,
		Report:        &report,
		Elapsed:       time.Since(start),
	}
	s.logger.Info("diagnostic extraction finished",
		slog.String("run_id", req.RunID.String()),
		slog.String("report_id", report.ID.String()),
		slog.Int("rows", result.RowCount),
		slog.Int("violations", report.TotalViolations),
		slog.Duration("elapsed", result.Elapsed),
	)
	return result, nil
}

// MarkValidated moves a diagnostic report to its terminal stage once the run
// that consumed its dataset has finished.
func (s *Service) MarkValidated(ctx context.Context, reportID uuid.UUID, runErr error) error {
	report, err := s.diagnostics.GetByID(ctx, reportID)
	if err != nil {
		return fmt.Errorf("failed to load diagnostic report: %w", err)
	}
	if runErr != nil {
		report = report.WithFailure(runErr.Error())
	} else {
		report = report.WithStage(domain.DiagnosticStageDone)
	}
	return s.saveReport(ctx, report)
}

func (s *Service) failDiagnosis(ctx context.Context, report domain.DiagnosticReport, cause error) (Result, error) {
	report = report.WithFailure(cause.Error())
	if err := s.saveReport(ctx, report); err != nil {
		s.logger.Error("failed to persist diagnostic failure",
			slog.String("report_id", report.ID.String()),
			slog.Any("error", err),
		)
	}
	return Result{Path: domain.ExtractionPathDiagnostic, Report: &report},
		fmt.Errorf("diagnostic extraction failed: %w", cause)
}

func (s *Service) saveReport(ctx context.Context, report domain.DiagnosticReport) error {
	if err := s.diagnostics.Save(ctx, report); err != nil {
		return fmt.Errorf("failed to save diagnostic report at stage %s: %w", report.Stage, err)
	}
	return nil
}

func cellStrings(cells []*string) []string {
	out := make([]string, len(cells))
	for i, cell := range cells {
		if cell != nil {
			out[i] = *cell
		}
	}
	return out
}
