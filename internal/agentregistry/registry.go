package agentregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/localplatform/backup-server/internal/eventbus"
	"github.com/localplatform/backup-server/internal/repositories"
)

// defaultRequestTimeout is the default wait for Request when the caller
// does not specify one (spec §4.3: "rejects on timeout (default 30s)").
const defaultRequestTimeout = 30 * time.Second

// HandlerFunc is invoked for every inbound frame of a registered type that
// is not a reply to a pending Request. Handlers are multi-cast: every
// registered handler for a type runs, in registration order, on the
// connection's single-threaded read loop.
type HandlerFunc func(serverID string, env Envelope)

// Registry accepts inbound agent WebSocket connections, performs the
// registration handshake, and exposes send/request/on/off to the rest of
// the controller. Generalized from the teacher's websocket.Hub and
// agentmanager.Manager: Hub's single connection-registry idea is kept, but
// dispatch is request/response-aware instead of fire-and-forget-only.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*connection // keyed by server id

	handlersMu sync.RWMutex
	handlers   map[MessageType][]HandlerFunc

	disconnectMu       sync.RWMutex
	disconnectHandlers []func(serverID string)

	servers repositories.ServerRepository
	bus     *eventbus.Hub
	logger  *zap.Logger
}

// NewRegistry constructs a Registry. bus is used to broadcast
// server:updated events to UI clients on connect/disconnect.
func NewRegistry(servers repositories.ServerRepository, bus *eventbus.Hub, logger *zap.Logger) *Registry {
	return &Registry{
		connections: make(map[string]*connection),
		handlers:    make(map[MessageType][]HandlerFunc),
		servers:     servers,
		bus:         bus,
		logger:      logger.Named("agentregistry"),
	}
}

// ServeHTTP upgrades the connection and blocks through the registration
// handshake and the lifetime of the agent socket. Mounted at the agent
// WebSocket path, distinct from the UI path.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	ctx := req.Context()

	var env Envelope
	if err := conn.ReadJSON(&env); err != nil || env.Type != MsgAgentRegister {
		r.sendRegisterError(conn, "first frame must be agent:register")
		conn.Close()
		return
	}

	var reg RegisterPayload
	if err := env.decode(&reg); err != nil {
		r.sendRegisterError(conn, "malformed agent:register payload")
		conn.Close()
		return
	}

	serverID, err := uuid.Parse(reg.ServerID)
	if err != nil {
		r.sendRegisterError(conn, "invalid server_id")
		conn.Close()
		return
	}

	if _, err := r.servers.GetByID(ctx, serverID); err != nil {
		r.sendRegisterError(conn, "unknown server_id")
		conn.Close()
		return
	}

	c := newConnection(conn, reg.ServerID, reg.Hostname, r.logger)
	r.install(c)

	now := time.Now()
	if err := r.servers.UpdateAgentState(ctx, serverID, "connected", reg.Version, now); err != nil {
		r.logger.Error("failed to persist agent connection state", zap.Error(err))
	}
	r.broadcastServerUpdated(reg.ServerID)

	ok, _ := json.Marshal(map[string]string{})
	c.enqueue(Envelope{Type: MsgAgentRegisterOK, Payload: ok})

	go c.writePump()
	c.readPump(func(env Envelope) { r.dispatch(reg.ServerID, env) }, func() {
		r.onDisconnect(c)
	})
}

func (r *Registry) sendRegisterError(conn interface{ WriteJSON(any) error }, reason string) {
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	_ = conn.WriteJSON(Envelope{Type: MsgAgentRegisterError, Payload: payload})
}

// install registers a new connection for serverID, force-closing any prior
// connection for the same server (spec §4.3: "treat as the agent reconnecting").
func (r *Registry) install(c *connection) {
	r.mu.Lock()
	if old, exists := r.connections[c.serverID]; exists {
		old.forceClose()
	}
	r.connections[c.serverID] = c
	r.mu.Unlock()
}

// onDisconnect runs when an agent socket terminates for any reason. The
// disconnect handlers always run. The Server transitions to disconnected
// unless it is mid-update (spec §4.3/§4.8) or c has already been replaced
// by a newer connection for the same server, which stays registered.
func (r *Registry) onDisconnect(c *connection) {
	serverID := c.serverID
	r.mu.Lock()
	current := r.connections[serverID] == c
	if current {
		delete(r.connections, serverID)
	}
	r.mu.Unlock()

	r.disconnectMu.RLock()
	hs := append([]func(string){}, r.disconnectHandlers...)
	r.disconnectMu.RUnlock()
	for _, h := range hs {
		h(serverID)
	}

	if !current {
		return
	}

	id, err := uuid.Parse(serverID)
	if err != nil {
		return
	}

	ctx := context.Background()
	srv, err := r.servers.GetByID(ctx, id)
	if err != nil {
		return
	}
	if srv.AgentState == "updating" {
		return
	}
	if err := r.servers.UpdateAgentState(ctx, id, "disconnected", srv.AgentVersion, time.Now()); err != nil {
		r.logger.Error("failed to persist agent disconnect", zap.Error(err))
	}
	r.broadcastServerUpdated(serverID)
}

// OnDisconnect registers a callback invoked whenever an agent socket
// terminates (used by the orchestrator to fail running jobs for that
// server — spec §4.6 "agent socket drops").
func (r *Registry) OnDisconnect(handler func(serverID string)) {
	r.disconnectMu.Lock()
	r.disconnectHandlers = append(r.disconnectHandlers, handler)
	r.disconnectMu.Unlock()
}

func (r *Registry) broadcastServerUpdated(serverID string) {
	r.bus.Publish("server:"+serverID, eventbus.Message{
		Type:    eventbus.MsgServerUpdated,
		Payload: map[string]any{"server_id": serverID},
	})
}

// dispatch invokes every handler registered for env.Type, in registration
// order, on the calling connection's single read-loop goroutine — preserving
// per-agent message ordering (spec §4.3 "Ordering guarantee").
func (r *Registry) dispatch(serverID string, env Envelope) {
	r.handlersMu.RLock()
	hs := append([]HandlerFunc(nil), r.handlers[env.Type]...)
	r.handlersMu.RUnlock()

	for _, h := range hs {
		h(serverID, env)
	}
}

// On registers handler for msgType. Multiple handlers may be registered for
// the same type; all run on every matching inbound frame.
func (r *Registry) On(msgType MessageType, handler HandlerFunc) {
	r.handlersMu.Lock()
	r.handlers[msgType] = append(r.handlers[msgType], handler)
	r.handlersMu.Unlock()
}

// Off removes every handler previously registered for msgType.
func (r *Registry) Off(msgType MessageType) {
	r.handlersMu.Lock()
	delete(r.handlers, msgType)
	r.handlersMu.Unlock()
}

// Send enqueues a fire-and-forget frame to serverID. Returns false if the
// agent is not currently connected or its send buffer is full.
func (r *Registry) Send(serverID string, msgType MessageType, payload any) bool {
	r.mu.RLock()
	c, ok := r.connections[serverID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	return c.enqueue(Envelope{Type: msgType, Payload: data})
}

// Request sends msgType/payload to serverID with a fresh request_id and
// blocks until a matching reply arrives, ctx is cancelled, or timeout
// elapses (default 30s). Used for fs:browse and other synchronous RPCs.
func (r *Registry) Request(ctx context.Context, serverID string, msgType MessageType, payload any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r.mu.RLock()
	c, ok := r.connections[serverID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("agentregistry: marshal request payload: %w", err)
	}

	requestID := uuid.New().String()
	replyCh := c.awaitReply(requestID)
	defer c.forgetReply(requestID)

	if !c.enqueue(Envelope{Type: msgType, Payload: data, RequestID: requestID}) {
		return nil, ErrNotConnected
	}

	select {
	case env, ok := <-replyCh:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return env.Payload, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IsConnected reports whether an agent socket is currently registered for
// serverID.
func (r *Registry) IsConnected(serverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.connections[serverID]
	return ok
}

// ConnectedCount returns the number of currently connected agents, for the
// connected_agents gauge served at /metrics.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// CloseAll force-closes every connected agent socket, sending backup:cancel
// is the caller's responsibility beforehand (orchestrator shutdown, spec §5
// step 3). Used by the graceful-shutdown controller.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.connections {
		c.forceClose()
	}
}
