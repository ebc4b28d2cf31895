package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/localplatform/backup-server/internal/eventbus"
)

func newRunningHub(t *testing.T) *eventbus.Hub {
	t.Helper()
	bus := eventbus.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		bus.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return bus
}

func TestUIHandler_Stream_DeliversPublishedMessages(t *testing.T) {
	bus := newRunningHub(t)
	h := NewUIHandler(bus, zap.NewNop())
	server := httptest.NewServer(http.HandlerFunc(h.Stream))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "?topics=job:abc"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	// Give the server goroutine time to register the client with the hub
	// before we publish.
	time.Sleep(20 * time.Millisecond)

	bus.Publish("job:abc", eventbus.Message{Type: eventbus.MsgBackupProgress, Payload: map[string]any{"job_id": "abc"}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got eventbus.Message
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if got.Type != eventbus.MsgBackupProgress {
		t.Errorf("Type = %v, want %v", got.Type, eventbus.MsgBackupProgress)
	}
}

func TestUIHandler_Stream_NoTopicsStillUpgrades(t *testing.T) {
	bus := newRunningHub(t)
	h := NewUIHandler(bus, zap.NewNop())
	server := httptest.NewServer(http.HandlerFunc(h.Stream))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	time.Sleep(10 * time.Millisecond)
	if got := bus.ConnectedCount(); got != 1 {
		t.Errorf("ConnectedCount() = %d, want 1", got)
	}
}
