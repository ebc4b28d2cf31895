package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestLogger_LogsStatusAndPath(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	req := httptest.NewRequest("GET", "/api/v1/jobs", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("logged %d entries, want 1", len(entries))
	}

	fields := entries[0].ContextMap()
	if fields["method"] != "GET" {
		t.Errorf("method field = %v, want GET", fields["method"])
	}
	if fields["path"] != "/api/v1/jobs" {
		t.Errorf("path field = %v, want /api/v1/jobs", fields["path"])
	}
	if status, ok := fields["status"].(int64); !ok || int(status) != http.StatusTeapot {
		t.Errorf("status field = %v, want %d", fields["status"], http.StatusTeapot)
	}
}
