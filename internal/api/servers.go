package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/localplatform/backup-server/internal/agentregistry"
	"github.com/localplatform/backup-server/internal/db"
	"github.com/localplatform/backup-server/internal/deploy"
	"github.com/localplatform/backup-server/internal/orchestrator"
	"github.com/localplatform/backup-server/internal/ping"
	"github.com/localplatform/backup-server/internal/repositories"
	"github.com/localplatform/backup-server/internal/storage"
)

// deployTimeout bounds how long POST /api/servers blocks running the §4.4
// deploy pipeline before giving up and rolling back the row.
const deployTimeout = 2 * time.Minute

// ServerHandler groups all server-related HTTP handlers.
type ServerHandler struct {
	servers      repositories.ServerRepository
	registry     *agentregistry.Registry
	deployer     *deploy.Deployer
	orchestrator *orchestrator.Orchestrator
	ping         *ping.Service
	logger       *zap.Logger
}

// NewServerHandler creates a new ServerHandler.
func NewServerHandler(
	servers repositories.ServerRepository,
	registry *agentregistry.Registry,
	deployer *deploy.Deployer,
	orch *orchestrator.Orchestrator,
	pingSvc *ping.Service,
	logger *zap.Logger,
) *ServerHandler {
	return &ServerHandler{
		servers:      servers,
		registry:     registry,
		deployer:     deployer,
		orchestrator: orch,
		ping:         pingSvc,
		logger:       logger.Named("server_handler"),
	}
}

// -----------------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------------

type serverResponse struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Hostname     string  `json:"hostname"`
	Port         int     `json:"port"`
	SSHUser      string  `json:"ssh_user"`
	Slug         string  `json:"slug"`
	AgentState   string  `json:"agent_state"`
	AgentVersion string  `json:"agent_version"`
	LastSeenAt   *string `json:"last_seen_at"`
	Connected    bool    `json:"connected"`
	CreatedAt    string  `json:"created_at"`
}

func (h *ServerHandler) toResponse(s *db.Server) serverResponse {
	resp := serverResponse{
		ID:           s.ID.String(),
		Name:         s.Name,
		Hostname:     s.Hostname,
		Port:         s.Port,
		SSHUser:      s.SSHUser,
		Slug:         s.Slug,
		AgentState:   s.AgentState,
		AgentVersion: s.AgentVersion,
		Connected:    h.registry.IsConnected(s.ID.String()),
		CreatedAt:    s.CreatedAt.UTC().String(),
	}
	if s.LastSeenAt != nil {
		v := s.LastSeenAt.UTC().String()
		resp.LastSeenAt = &v
	}
	return resp
}

type listServersResponse struct {
	Items []serverResponse `json:"items"`
	Total int64            `json:"total"`
}

// List handles GET /api/v1/servers.
func (h *ServerHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)
	servers, total, err := h.servers.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list servers", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]serverResponse, len(servers))
	for i := range servers {
		items[i] = h.toResponse(&servers[i])
	}
	Ok(w, listServersResponse{Items: items, Total: total})
}

// createServerRequest is the JSON body expected by POST /api/v1/servers.
// SSHPassword is write-only: used once to run the deploy pipeline, never
// persisted.
type createServerRequest struct {
	Name        string `json:"name"`
	Hostname    string `json:"hostname"`
	Port        int    `json:"port"`
	SSHUser     string `json:"ssh_user"`
	SSHPassword string `json:"ssh_password"`
}

// Create handles POST /api/v1/servers. It persists the Server row, then runs
// the SSH deploy pipeline synchronously (spec §4.4); any failure rolls the
// row back and returns 422 (spec §6).
func (h *ServerHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createServerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.Hostname == "" || req.SSHUser == "" || req.SSHPassword == "" {
		ErrBadRequest(w, "name, hostname, ssh_user and ssh_password are required")
		return
	}
	if req.Port == 0 {
		req.Port = 22
	}

	slug, err := storage.UniqueSlug(storage.Slug(req.Name), func(candidate string) (bool, error) {
		return h.servers.SlugExists(r.Context(), candidate)
	})
	if err != nil {
		h.logger.Error("failed to allocate server slug", zap.Error(err))
		ErrInternal(w)
		return
	}

	server := &db.Server{
		Name:     req.Name,
		Hostname: req.Hostname,
		Port:     req.Port,
		SSHUser:  req.SSHUser,
		Slug:     slug,
	}
	if err := h.servers.Create(r.Context(), server); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			ErrConflict(w, "a server with this name already exists")
			return
		}
		h.logger.Error("failed to create server", zap.Error(err))
		ErrInternal(w)
		return
	}

	deployCtx, cancel := context.WithTimeout(context.Background(), deployTimeout)
	defer cancel()

	if err := h.deployer.Deploy(deployCtx, server, req.SSHPassword); err != nil {
		h.logger.Warn("agent deploy failed, rolling back server row",
			zap.String("server", server.Name), zap.Error(err))
		if delErr := h.servers.Delete(context.Background(), server.ID); delErr != nil {
			h.logger.Error("failed to roll back server row after deploy failure", zap.Error(delErr))
		}
		ErrUnprocessable(w, "agent deploy failed: "+err.Error())
		return
	}

	Created(w, h.toResponse(server))
}

// GetByID handles GET /api/v1/servers/{id}.
func (h *ServerHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	server, err := h.servers.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get server", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, h.toResponse(server))
}

// updateServerRequest is the JSON body expected by PUT /api/v1/servers/{id}.
type updateServerRequest struct {
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
	SSHUser  string `json:"ssh_user"`
}

// Update handles PUT /api/v1/servers/{id}. Does not re-run the deploy
// pipeline — use POST /api/v1/agent/update/{serverId} to push a new agent.
func (h *ServerHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req updateServerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	server, err := h.servers.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get server for update", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.Name != "" {
		server.Name = req.Name
	}
	if req.Hostname != "" {
		server.Hostname = req.Hostname
	}
	if req.Port != 0 {
		server.Port = req.Port
	}
	if req.SSHUser != "" {
		server.SSHUser = req.SSHUser
	}

	if err := h.servers.Update(r.Context(), server); err != nil {
		h.logger.Error("failed to update server", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, h.toResponse(server))
}

// Delete handles DELETE /api/v1/servers/{id}. Jobs, logs and versions for
// this server cascade-delete at the database layer (migrations §servers FK);
// the on-disk subtree is left for the operator or a later storage sweep.
func (h *ServerHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.servers.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete server", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// PingStatus handles GET /api/v1/servers/ping-status — the in-memory
// snapshot maintained by internal/ping.
func (h *ServerHandler) PingStatus(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.ping.Snapshot())
}

// Explore handles GET /api/v1/servers/{id}/explore?path=/p. It proxies to
// the agent over the registry's fs:browse RPC (spec §6).
func (h *ServerHandler) Explore(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "/"
	}

	raw, err := h.registry.Request(r.Context(), id.String(), agentregistry.MsgFSBrowse, agentregistry.FSBrowsePayload{Path: path}, 0)
	if err != nil {
		if errors.Is(err, agentregistry.ErrNotConnected) {
			ErrUnavailable(w, "agent not connected")
			return
		}
		h.logger.Warn("fs:browse RPC failed", zap.String("server_id", id.String()), zap.Error(err))
		ErrUnprocessable(w, "failed to browse remote path: "+err.Error())
		return
	}

	var result agentregistry.FSBrowseResult
	if err := json.Unmarshal(raw, &result); err != nil {
		ErrInternal(w)
		return
	}
	Ok(w, result)
}
