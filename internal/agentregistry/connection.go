package agentregistry

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait = 10 * time.Second

	// pongWait/pingPeriod implement the 30s keep-alive from spec §4.3: "a
	// single missed pong terminates the socket". Each pong pushes the read
	// deadline pongWait ahead, which is writeWait past the next ping, so a
	// pong that does not come back within writeWait of its ping lets the
	// deadline lapse.
	pongWait   = pingPeriod + writeWait
	pingPeriod = 30 * time.Second

	maxMessageSize = 1 << 20 // 1 MiB — fs:browse listings can be sizeable

	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// connection is a single registered agent socket. ServerID is fixed once
// registration succeeds; everything else may be read/written concurrently
// so it is guarded where needed.
type connection struct {
	serverID string
	hostname string

	conn *websocket.Conn
	send chan Envelope

	mu      sync.Mutex
	pending map[string]chan Envelope // request_id -> reply channel

	closed chan struct{}
	logger *zap.Logger
}

func newConnection(conn *websocket.Conn, serverID, hostname string, logger *zap.Logger) *connection {
	return &connection{
		serverID: serverID,
		hostname: hostname,
		conn:     conn,
		send:     make(chan Envelope, sendBufferSize),
		pending:  make(map[string]chan Envelope),
		closed:   make(chan struct{}),
		logger:   logger.With(zap.String("server_id", serverID), zap.String("hostname", hostname)),
	}
}

// enqueue attempts to queue env for delivery; returns false if the
// connection's send buffer is full or it has already closed.
func (c *connection) enqueue(env Envelope) bool {
	select {
	case c.send <- env:
		return true
	case <-c.closed:
		return false
	default:
		return false
	}
}

// awaitReply registers a pending request keyed by requestID and returns the
// channel its reply will arrive on. The caller must eventually call
// forgetReply to avoid leaking the entry if the wait times out.
func (c *connection) awaitReply(requestID string) chan Envelope {
	ch := make(chan Envelope, 1)
	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()
	return ch
}

func (c *connection) forgetReply(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// resolveReply delivers env to the pending request matching env.RequestID,
// if any. Returns true if a waiter was found (the caller should not
// dispatch env to type handlers in that case — spec §4.3).
func (c *connection) resolveReply(env Envelope) bool {
	c.mu.Lock()
	ch, ok := c.pending[env.RequestID]
	if ok {
		delete(c.pending, env.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}

// failAllPending delivers a closed-connection error to every outstanding
// request when the socket terminates.
func (c *connection) failAllPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan Envelope)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

// readPump reads inbound frames from the agent and dispatches them via
// handle. Exits on socket error or close, at which point onClose runs.
func (c *connection) readPump(handle func(Envelope), onClose func()) {
	defer func() {
		close(c.closed)
		c.failAllPending()
		c.conn.Close()
		onClose()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}
		if c.resolveReply(env) {
			continue
		}
		handle(env)
	}
}

// writePump serialises outbound frames and ping keep-alives onto the wire.
func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				c.logger.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ws: ping error", zap.Error(err))
				return
			}

		case <-c.closed:
			return
		}
	}
}

func (c *connection) forceClose() {
	select {
	case <-c.closed:
	default:
		c.conn.Close()
	}
}
