// Package ping runs the periodic liveness derivation described in spec
// §4 component 9: every tick it re-derives each Server's reachability from
// the agent registry's live connection set, keeps an in-memory snapshot for
// GET /api/servers/ping-status, and broadcasts the result to UI clients.
package ping

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/localplatform/backup-server/internal/eventbus"
	"github.com/localplatform/backup-server/internal/repositories"
)

// interval matches spec §5's "ping service (10 s)" periodic timer.
const interval = 10 * time.Second

// Registerer is the subset of *agentregistry.Registry the ping service
// needs — an interface to avoid importing agentregistry just for a
// liveness check.
type Registerer interface {
	IsConnected(serverID string) bool
}

// Status is one server's derived liveness as of the last tick.
type Status struct {
	ServerID  string    `json:"server_id"`
	Online    bool      `json:"online"`
	CheckedAt time.Time `json:"checked_at"`
}

// Service holds the current ping-status snapshot and refreshes it on a
// fixed interval until its context is cancelled.
type Service struct {
	servers  repositories.ServerRepository
	registry Registerer
	bus      *eventbus.Hub
	logger   *zap.Logger

	mu       sync.RWMutex
	snapshot map[string]Status

	stop chan struct{}
	done chan struct{}
}

// New constructs a Service. Call Run to start the periodic timer.
func New(servers repositories.ServerRepository, registry Registerer, bus *eventbus.Hub, logger *zap.Logger) *Service {
	return &Service{
		servers:  servers,
		registry: registry,
		bus:      bus,
		logger:   logger.Named("ping"),
		snapshot: make(map[string]Status),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run blocks, ticking every 10s until ctx is cancelled or Stop is called.
// Intended to run in its own goroutine, started during controller boot.
func (s *Service) Run(ctx context.Context) {
	defer close(s.done)

	s.tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop halts the timer (spec §5 shutdown ordering step 2: "stop the ping
// timer") and waits for the current tick, if any, to finish.
func (s *Service) Stop() {
	close(s.stop)
	<-s.done
}

// Snapshot returns a copy of the current per-server liveness statuses, for
// GET /api/servers/ping-status.
func (s *Service) Snapshot() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Status, 0, len(s.snapshot))
	for _, st := range s.snapshot {
		out = append(out, st)
	}
	return out
}

func (s *Service) tick(ctx context.Context) {
	servers, _, err := s.servers.List(ctx, repositories.ListOptions{})
	if err != nil {
		s.logger.Warn("failed to list servers for ping tick", zap.Error(err))
		return
	}

	now := time.Now()
	next := make(map[string]Status, len(servers))
	for _, srv := range servers {
		id := srv.ID.String()
		status := Status{
			ServerID:  id,
			Online:    s.registry.IsConnected(id),
			CheckedAt: now,
		}
		next[id] = status
		s.bus.Publish("server:"+id, eventbus.Message{Type: eventbus.MsgPing, Payload: status})
	}

	s.mu.Lock()
	s.snapshot = next
	s.mu.Unlock()
}
