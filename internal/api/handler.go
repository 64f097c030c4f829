package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/rpattn/datacheck/internal/definition"
	"github.com/rpattn/datacheck/internal/domain"
	"github.com/rpattn/datacheck/internal/extraction"
	"github.com/rpattn/datacheck/internal/pipeline"
	"github.com/rpattn/datacheck/internal/repository"
	"github.com/rpattn/datacheck/internal/results"
)

// Handler serves the run API.
type Handler struct {
	runner         *pipeline.Runner
	results        *results.Service
	maxUploadBytes int64
	logger         *slog.Logger
}

func NewHandler(runner *pipeline.Runner, svc *results.Service, maxUploadBytes int64, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxUploadBytes <= 0 {
		maxUploadBytes = 1 << 30
	}
	return &Handler{runner: runner, results: svc, maxUploadBytes: maxUploadBytes, logger: logger}
}

type submitResponse struct {
	RunID  uuid.UUID        `json:"run_id"`
	Status domain.RunStatus `json:"status"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid upload: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	owner, err := domain.ParseOwner(r.FormValue("owner_kind"), r.FormValue("owner_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, header, err := readPart(r, "file")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	def, _, err := readPart(r, "definition")
	if err != nil {
		// The definition may also be sent as a plain form field.
		def = []byte(r.FormValue("definition"))
	}
	if len(bytes.TrimSpace(def)) == 0 {
		writeError(w, http.StatusBadRequest, "definition is required")
		return
	}

	run, err := h.runner.Submit(r.Context(), pipeline.Submission{
		Owner:      owner,
		FileName:   header.Filename,
		Data:       data,
		Definition: def,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{RunID: run.ID, Status: run.Status})
}

func readPart(r *http.Request, field string) ([]byte, *multipart.FileHeader, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		return nil, nil, fmt.Errorf("%s is required: %w", field, err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", field, err)
	}
	return data, header, nil
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseID(w, r)
	if !ok {
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	doc, err := h.results.Status(r.Context(), runID, filter)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) handleLatest(w http.ResponseWriter, r *http.Request) {
	owner, err := domain.ParseOwner(r.URL.Query().Get("owner_kind"), r.URL.Query().Get("owner_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	doc, err := h.results.Latest(r.Context(), domain.RefOf(owner), filter)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseID(w, r)
	if !ok {
		return
	}
	format, err := results.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Render first so a lookup failure can still produce a proper status.
	var buf bytes.Buffer
	if err := h.results.Export(r.Context(), &buf, runID, format, filter); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", format.FileName(runID)))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		h.logger.Warn("export download interrupted", slog.String("run_id", runID.String()), slog.Any("error", err))
	}
}

func (h *Handler) handleDiagnostic(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	report, err := h.results.Diagnostic(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleLatestDiagnostic(w http.ResponseWriter, r *http.Request) {
	owner, err := domain.ParseOwner(r.URL.Query().Get("owner_kind"), r.URL.Query().Get("owner_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := h.results.LatestDiagnostic(r.Context(), domain.RefOf(owner))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid id: %v", err))
		return uuid.Nil, false
	}
	return id, true
}

func parseFilter(r *http.Request) (results.Filter, error) {
	q := r.URL.Query()
	filter := results.Filter{Column: strings.TrimSpace(q.Get("column"))}
	if raw := q.Get("severity"); raw != "" {
		severity := domain.ParseSeverity(raw, "")
		if severity == "" {
			return results.Filter{}, fmt.Errorf("invalid severity %q", raw)
		}
		filter.Severity = severity
	}
	if raw := q.Get("failed_only"); raw != "" {
		failedOnly, err := strconv.ParseBool(raw)
		if err != nil {
			return results.Filter{}, fmt.Errorf("invalid failed_only: %w", err)
		}
		filter.FailedOnly = failedOnly
	}
	return filter, nil
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, definition.ErrInvalidDefinition),
		errors.Is(err, definition.ErrUnknownType),
		errors.Is(err, pipeline.ErrInvalidSubmission),
		errors.Is(err, extraction.ErrUnsupportedFormat),
		errors.Is(err, results.ErrUnsupportedFormat):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("request failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
