package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOk(t *testing.T) {
	rec := httptest.NewRecorder()
	Ok(rec, map[string]string{"name": "job-1"})

	if rec.Code != 200 {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	data, ok := body["data"].(map[string]any)
	if !ok {
		t.Fatalf("body[\"data\"] = %T, want map", body["data"])
	}
	if data["name"] != "job-1" {
		t.Errorf("data.name = %v, want job-1", data["name"])
	}
}

func TestCreated(t *testing.T) {
	rec := httptest.NewRecorder()
	Created(rec, map[string]int{"id": 1})
	if rec.Code != 201 {
		t.Errorf("status = %d, want 201", rec.Code)
	}
}

func TestNoContent(t *testing.T) {
	rec := httptest.NewRecorder()
	NoContent(rec)
	if rec.Code != 204 {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body len = %d, want 0", rec.Body.Len())
	}
}

func TestErrBadRequest(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrBadRequest(rec, "bad input")

	if rec.Code != 400 {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "bad input") {
		t.Errorf("body = %s, want it to contain the message", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "bad_request") {
		t.Errorf("body = %s, want it to contain the error code", rec.Body.String())
	}
}

func TestErrNotFound(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrNotFound(rec)
	if rec.Code != 404 {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestErrConflict(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrConflict(rec, "already running")
	if rec.Code != 409 {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestErrUnprocessable(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrUnprocessable(rec, "backup root unset")
	if rec.Code != 422 {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}

func TestErrUnavailable(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrUnavailable(rec, "agent not connected")
	if rec.Code != 503 {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestErrInternal_DoesNotLeakDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrInternal(rec)
	if rec.Code != 500 {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "panic") {
		t.Error("ErrInternal() body should never contain raw error detail")
	}
}

func TestDecodeJSON_Success(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"job"}`))

	var dst struct {
		Name string `json:"name"`
	}
	if !decodeJSON(rec, req, &dst) {
		t.Fatal("decodeJSON() should succeed on valid JSON")
	}
	if dst.Name != "job" {
		t.Errorf("Name = %q, want job", dst.Name)
	}
}

func TestDecodeJSON_UnknownField(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"unknown":"x"}`))

	var dst struct {
		Name string `json:"name"`
	}
	if decodeJSON(rec, req, &dst) {
		t.Fatal("decodeJSON() should reject unknown fields")
	}
	if rec.Code != 400 {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestDecodeJSON_MalformedBody(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{not json`))

	var dst struct{}
	if decodeJSON(rec, req, &dst) {
		t.Fatal("decodeJSON() should reject malformed JSON")
	}
}
