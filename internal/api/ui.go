package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/localplatform/backup-server/internal/eventbus"
)

// UIHandler mounts the broadcaster WebSocket endpoint the dashboard
// connects to for live job/server/version events.
type UIHandler struct {
	bus    *eventbus.Hub
	logger *zap.Logger
}

// NewUIHandler creates a new UIHandler.
func NewUIHandler(bus *eventbus.Hub, logger *zap.Logger) *UIHandler {
	return &UIHandler{bus: bus, logger: logger.Named("ui_handler")}
}

// Stream handles GET /ws/ui?topics=job:<id>,server:<id>. Each comma-separated
// topic is a room the client subscribes to for the lifetime of the socket;
// the client may additionally send replay:request frames to backfill events
// missed while disconnected.
func (h *UIHandler) Stream(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("topics")
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}

	client, err := eventbus.NewClient(h.bus, w, r, topics, h.logger)
	if err != nil {
		h.logger.Warn("ui ws upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}
