package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestParseUUID_Valid(t *testing.T) {
	r := chi.NewRouter()
	var gotOK bool
	r.Get("/servers/{id}", func(w http.ResponseWriter, req *http.Request) {
		_, gotOK = parseUUID(w, req, "id")
	})

	req := httptest.NewRequest("GET", "/servers/018f0000-aaaa-bbbb-cccc-000000000000", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if !gotOK {
		t.Error("parseUUID() should succeed for a valid UUID path param")
	}
	if rec.Code != 200 {
		t.Errorf("status = %d, want 200 (handler default)", rec.Code)
	}
}

func TestParseUUID_Invalid(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/servers/{id}", func(w http.ResponseWriter, req *http.Request) {
		parseUUID(w, req, "id")
	})

	req := httptest.NewRequest("GET", "/servers/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != 400 {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestParseUUIDQuery(t *testing.T) {
	rec := httptest.NewRecorder()
	if _, ok := parseUUIDQuery(rec, "018f0000-aaaa-bbbb-cccc-000000000000", "job_id"); !ok {
		t.Error("parseUUIDQuery() should succeed for a valid UUID")
	}

	rec = httptest.NewRecorder()
	if _, ok := parseUUIDQuery(rec, "garbage", "job_id"); ok {
		t.Error("parseUUIDQuery() should fail for an invalid UUID")
	}
	if rec.Code != 400 {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestPaginationOpts_Defaults(t *testing.T) {
	req := httptest.NewRequest("GET", "/jobs", nil)
	opts := paginationOpts(req)
	if opts.Limit != 20 {
		t.Errorf("Limit = %d, want 20", opts.Limit)
	}
	if opts.Offset != 0 {
		t.Errorf("Offset = %d, want 0", opts.Offset)
	}
}

func TestPaginationOpts_CustomValues(t *testing.T) {
	req := httptest.NewRequest("GET", "/jobs?limit=50&offset=10", nil)
	opts := paginationOpts(req)
	if opts.Limit != 50 {
		t.Errorf("Limit = %d, want 50", opts.Limit)
	}
	if opts.Offset != 10 {
		t.Errorf("Offset = %d, want 10", opts.Offset)
	}
}

func TestPaginationOpts_LimitCappedAt200(t *testing.T) {
	req := httptest.NewRequest("GET", "/jobs?limit=9999", nil)
	opts := paginationOpts(req)
	if opts.Limit != 200 {
		t.Errorf("Limit = %d, want 200 (capped)", opts.Limit)
	}
}

func TestPaginationOpts_InvalidValuesFallBackToDefaults(t *testing.T) {
	req := httptest.NewRequest("GET", "/jobs?limit=abc&offset=-5", nil)
	opts := paginationOpts(req)
	if opts.Limit != 20 {
		t.Errorf("Limit = %d, want default 20 on malformed input", opts.Limit)
	}
	if opts.Offset != 0 {
		t.Errorf("Offset = %d, want default 0 on malformed input", opts.Offset)
	}
}
