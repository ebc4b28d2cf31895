package eventbus

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the read deadline that every pong pushes forward (spec
	// §4.2: "ping every 30s; a socket that fails to pong within one interval
	// is terminated"). It runs writeWait past the next ping, so a socket whose
	// pong for that ping does not arrive within writeWait is closed.
	pongWait = pingPeriod + writeWait

	pingPeriod = 30 * time.Second

	// maxMessageSize bounds inbound frames; the only inbound frame is
	// replay:request, which is small.
	maxMessageSize = 4096

	// sendBufferSize is the capacity of the per-client outbound channel.
	// A client whose buffer fills is considered too slow and disconnected.
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client represents a single connected UI WebSocket peer. Each client runs
// two goroutines: readPump (handles inbound replay:request frames and
// detects disconnection) and writePump (serialises outgoing messages).
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	send chan Message

	// topics is fixed at connection time; the UI subscribes to every topic
	// it cares about via query parameters on the upgrade request.
	topics []string

	logger *zap.Logger
}

// NewClient upgrades the HTTP connection to WebSocket and returns a Client
// subscribed to topics. Returns an error if the upgrade handshake fails.
func NewClient(hub *Hub, w http.ResponseWriter, r *http.Request, topics []string, logger *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan Message, sendBufferSize),
		topics: topics,
		logger: logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}, nil
}

// Run registers the client with the hub and starts the read and write pumps.
// It blocks until the connection closes.
func (c *Client) Run() {
	c.hub.Subscribe(c)

	go c.writePump()
	c.readPump()
}

// readPump reads inbound frames. The only message type a UI client sends is
// replay:request; anything else is ignored. Resets the read deadline on
// every pong.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("ws: failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}
		c.handleInbound(data)
	}
}

func (c *Client) handleInbound(data []byte) {
	var env struct {
		Type    MessageType          `json:"type"`
		Payload replayRequestPayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Debug("ws: malformed inbound frame", zap.Error(err))
		return
	}
	if env.Type != MsgReplayRequest {
		return
	}

	for _, m := range c.hub.Replay(env.Payload.JobID, env.Payload.Since) {
		select {
		case c.send <- Message{Type: m.Type, Payload: bufferedReplayPayload(m)}:
		default:
			// Buffer full — the client is already behind; drop rather than block.
			return
		}
	}
}

// bufferedReplayPayload wraps a replayed message's payload so the outbound
// frame still carries emitted_at for the client to advance its cursor.
func bufferedReplayPayload(m bufferedMessage) any {
	return map[string]any{
		"payload":    m.Payload,
		"emitted_at": m.EmittedAt,
	}
}

// writePump forwards messages from the send channel to the wire and sends
// periodic ping frames so readPump can detect stale connections. The only
// goroutine that writes to conn — gorilla/websocket connections are not
// safe for concurrent writes.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ws: ping error", zap.Error(err))
				return
			}
		}
	}
}
