package orchestrator

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/localplatform/backup-server/internal/metrics"
)

// semaphores bundles the three layered weighted semaphores from spec §4.6.
// Acquisition order is job -> global -> per-server; release is the exact
// reverse. golang.org/x/sync/semaphore already provides a fair FIFO
// weighted semaphore, so no hand-rolled channel-based implementation is
// needed here.
type semaphores struct {
	job    *semaphore.Weighted // weight 1: at most one job runs controller-wide
	global *semaphore.Weighted // MAX_CONCURRENT_GLOBAL upload slots
	byServ *serverSemaphores
}

func newSemaphores(globalCapacity, perServerCapacity int64) *semaphores {
	return &semaphores{
		job:    semaphore.NewWeighted(1),
		global: semaphore.NewWeighted(globalCapacity),
		byServ: newServerSemaphores(perServerCapacity),
	}
}

// serverSemaphores lazily creates one weighted semaphore per server id, all
// sharing the same configured capacity.
type serverSemaphores struct {
	mu       sync.Mutex
	capacity int64
	sems     map[string]*semaphore.Weighted
}

func newServerSemaphores(capacity int64) *serverSemaphores {
	return &serverSemaphores{
		capacity: capacity,
		sems:     make(map[string]*semaphore.Weighted),
	}
}

func (s *serverSemaphores) get(serverID string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sem, ok := s.sems[serverID]; ok {
		return sem
	}
	sem := semaphore.NewWeighted(s.capacity)
	s.sems[serverID] = sem
	return sem
}

// acquireUploadSlot reserves one global and one per-server slot, in that
// order, blocking until both are available or ctx is cancelled. On failure
// to acquire the per-server slot, the global slot already held is released.
func (s *semaphores) acquireUploadSlot(ctx context.Context, serverID string) error {
	if err := s.global.Acquire(ctx, 1); err != nil {
		return err
	}
	serverSem := s.byServ.get(serverID)
	if err := serverSem.Acquire(ctx, 1); err != nil {
		s.global.Release(1)
		return err
	}
	metrics.UploadSlotsInUse.Inc()
	return nil
}

func (s *semaphores) releaseUploadSlot(serverID string) {
	s.byServ.get(serverID).Release(1)
	s.global.Release(1)
	metrics.UploadSlotsInUse.Dec()
}
