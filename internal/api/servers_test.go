package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/localplatform/backup-server/internal/agentregistry"
	"github.com/localplatform/backup-server/internal/db"
	"github.com/localplatform/backup-server/internal/eventbus"
	"github.com/localplatform/backup-server/internal/ping"
	"github.com/localplatform/backup-server/internal/repositories"
)

func newTestServerHandler(t *testing.T) (*ServerHandler, repositories.ServerRepository) {
	t.Helper()
	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	servers := repositories.NewServerRepository(gdb)
	bus := eventbus.NewHub()
	registry := agentregistry.NewRegistry(servers, bus, zap.NewNop())
	pingSvc := ping.New(servers, registry, bus, zap.NewNop())

	return NewServerHandler(servers, registry, nil, nil, pingSvc, zap.NewNop()), servers
}

func newChiRequest(method, target, param, value string) *http.Request {
	return newChiRequestWithBody(method, target, param, value, nil)
}

func newChiRequestWithBody(method, target, param, value string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(param, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestServerHandler_List_Empty(t *testing.T) {
	h, _ := newTestServerHandler(t)
	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest("GET", "/api/v1/servers", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Data listServersResponse `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Data.Total != 0 {
		t.Errorf("Total = %d, want 0", body.Data.Total)
	}
}

func TestServerHandler_GetByID_NotFound(t *testing.T) {
	h, _ := newTestServerHandler(t)
	req := newChiRequest("GET", "/api/v1/servers/018f0000-aaaa-bbbb-cccc-000000000000", "id", "018f0000-aaaa-bbbb-cccc-000000000000")
	rec := httptest.NewRecorder()
	h.GetByID(rec, req)

	if rec.Code != 404 {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestServerHandler_GetByID_InvalidUUID(t *testing.T) {
	h, _ := newTestServerHandler(t)
	req := newChiRequest("GET", "/api/v1/servers/not-a-uuid", "id", "not-a-uuid")
	rec := httptest.NewRecorder()
	h.GetByID(rec, req)

	if rec.Code != 400 {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestServerHandler_GetByID_Found(t *testing.T) {
	h, servers := newTestServerHandler(t)
	s := &db.Server{Name: "web-1", Hostname: "web-1.internal", SSHUser: "backup", Slug: "web-1"}
	if err := servers.Create(context.Background(), s); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	req := newChiRequest("GET", "/api/v1/servers/"+s.ID.String(), "id", s.ID.String())
	rec := httptest.NewRecorder()
	h.GetByID(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "web-1") {
		t.Errorf("body = %s, want it to contain the server name", rec.Body.String())
	}
}

func TestServerHandler_Create_MissingFields(t *testing.T) {
	h, _ := newTestServerHandler(t)
	req := httptest.NewRequest("POST", "/api/v1/servers", strings.NewReader(`{"name":"web-2"}`))
	rec := httptest.NewRecorder()
	h.Create(rec, req)

	if rec.Code != 400 {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestServerHandler_Delete_NotFound(t *testing.T) {
	h, _ := newTestServerHandler(t)
	id := "018f0000-aaaa-bbbb-cccc-000000000000"
	req := newChiRequest("DELETE", "/api/v1/servers/"+id, "id", id)
	rec := httptest.NewRecorder()
	h.Delete(rec, req)

	if rec.Code != 404 {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestServerHandler_Delete_Found(t *testing.T) {
	h, servers := newTestServerHandler(t)
	s := &db.Server{Name: "web-3", Hostname: "web-3.internal", SSHUser: "backup", Slug: "web-3"}
	if err := servers.Create(context.Background(), s); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	req := newChiRequest("DELETE", "/api/v1/servers/"+s.ID.String(), "id", s.ID.String())
	rec := httptest.NewRecorder()
	h.Delete(rec, req)

	if rec.Code != 204 {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}

func TestServerHandler_Update(t *testing.T) {
	h, servers := newTestServerHandler(t)
	s := &db.Server{Name: "web-4", Hostname: "web-4.internal", SSHUser: "backup", Slug: "web-4"}
	if err := servers.Create(context.Background(), s); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	req := newChiRequestWithBody("PUT", "/api/v1/servers/"+s.ID.String(), "id", s.ID.String(),
		strings.NewReader(`{"name":"web-4-renamed","hostname":"","port":0,"ssh_user":""}`))
	rec := httptest.NewRecorder()
	h.Update(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "web-4-renamed") {
		t.Errorf("body = %s, want renamed value", rec.Body.String())
	}
}

func TestServerHandler_PingStatus(t *testing.T) {
	h, _ := newTestServerHandler(t)
	rec := httptest.NewRecorder()
	h.PingStatus(rec, httptest.NewRequest("GET", "/api/v1/servers/ping-status", nil))

	if rec.Code != 200 {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestServerHandler_Explore_NotConnected(t *testing.T) {
	h, servers := newTestServerHandler(t)
	s := &db.Server{Name: "web-5", Hostname: "web-5.internal", SSHUser: "backup", Slug: "web-5"}
	if err := servers.Create(context.Background(), s); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	req := newChiRequest("GET", "/api/v1/servers/"+s.ID.String()+"/explore", "id", s.ID.String())
	rec := httptest.NewRecorder()
	h.Explore(rec, req)

	if rec.Code != 503 {
		t.Errorf("status = %d, want 503 when no agent is connected", rec.Code)
	}
}
