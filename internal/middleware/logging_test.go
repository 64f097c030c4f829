package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rpattn/datacheck/internal/repository/memory"
	"github.com/rpattn/datacheck/internal/results"
)

func TestLoggingRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	handler := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/runs/x", nil))

	out := buf.String()
	if !strings.Contains(out, "status=500") || !strings.Contains(out, "level=ERROR") {
		t.Fatalf("unexpected log line %q", out)
	}
}

func TestCheckLoaderAttachesLoader(t *testing.T) {
	repos := memory.NewStore().Repositories()
	var got *results.CheckLoader
	handler := CheckLoader(repos.Checks)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = results.CheckLoaderFromContext(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if got == nil {
		t.Fatal("expected a loader in the request context")
	}
	if results.CheckLoaderFromContext(context.Background()) != nil {
		t.Fatal("expected no loader outside a request")
	}
}
