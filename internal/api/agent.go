package api

import (
	"errors"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/localplatform/backup-server/internal/agentregistry"
	"github.com/localplatform/backup-server/internal/repositories"
)

// AgentHandler exposes the agent self-update side-channel: pushing a
// rollout notice to a connected agent and serving the binary it fetches
// in response.
type AgentHandler struct {
	servers         repositories.ServerRepository
	registry        *agentregistry.Registry
	agentBinaryPath string
	logger          *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(servers repositories.ServerRepository, registry *agentregistry.Registry, agentBinaryPath string, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{servers: servers, registry: registry, agentBinaryPath: agentBinaryPath, logger: logger.Named("agent_handler")}
}

// agentUpdatePayload is sent to the agent over its WebSocket to tell it a
// new binary is available at GET /api/v1/agent/binary.
type agentUpdatePayload struct {
	DownloadURL string `json:"download_url"`
}

// Update handles POST /api/v1/agent/update/{serverId}. Marks the server as
// updating and notifies its agent; the agent is responsible for fetching
// the new binary, replacing itself and reconnecting, after which the
// registry's registration handshake clears the updating state.
func (h *AgentHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "serverId")
	if !ok {
		return
	}

	server, err := h.servers.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to load server for agent update", zap.Error(err))
		ErrInternal(w)
		return
	}

	if !h.registry.IsConnected(id.String()) {
		ErrUnavailable(w, "agent not connected")
		return
	}

	if err := h.servers.UpdateAgentState(r.Context(), id, "updating", server.AgentVersion, time.Now()); err != nil {
		h.logger.Error("failed to mark server updating", zap.Error(err))
		ErrInternal(w)
		return
	}

	if !h.registry.Send(id.String(), agentregistry.MsgAgentUpdate, agentUpdatePayload{DownloadURL: "/api/v1/agent/binary"}) {
		ErrUnavailable(w, "agent not connected")
		return
	}

	NoContent(w)
}

// Binary handles GET /api/v1/agent/binary — serves the controller's current
// agent executable, fetched by an agent mid self-update or by the deploy
// pipeline's own local read for a fresh install.
func (h *AgentHandler) Binary(w http.ResponseWriter, r *http.Request) {
	f, err := os.Open(h.agentBinaryPath)
	if err != nil {
		h.logger.Error("failed to open agent binary for serving", zap.Error(err))
		ErrInternal(w)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		ErrInternal(w)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, "backup-agent", info.ModTime(), f)
}
