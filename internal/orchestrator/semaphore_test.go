package orchestrator

import (
	"context"
	"testing"
	"time"
)

func TestSemaphores_AcquireReleaseUploadSlot(t *testing.T) {
	sems := newSemaphores(2, 1)
	ctx := context.Background()

	if err := sems.acquireUploadSlot(ctx, "server-a"); err != nil {
		t.Fatalf("acquireUploadSlot() error = %v", err)
	}
	sems.releaseUploadSlot("server-a")

	// A released slot must be immediately reacquirable.
	if err := sems.acquireUploadSlot(ctx, "server-a"); err != nil {
		t.Fatalf("second acquireUploadSlot() error = %v", err)
	}
	sems.releaseUploadSlot("server-a")
}

func TestSemaphores_PerServerCapacityBlocks(t *testing.T) {
	sems := newSemaphores(10, 1)
	ctx := context.Background()

	if err := sems.acquireUploadSlot(ctx, "server-a"); err != nil {
		t.Fatalf("acquireUploadSlot() error = %v", err)
	}
	defer sems.releaseUploadSlot("server-a")

	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	if err := sems.acquireUploadSlot(blockedCtx, "server-a"); err == nil {
		t.Error("expected second acquire against the same server to block past its deadline")
	}
}

func TestSemaphores_DifferentServersDoNotContend(t *testing.T) {
	sems := newSemaphores(10, 1)
	ctx := context.Background()

	if err := sems.acquireUploadSlot(ctx, "server-a"); err != nil {
		t.Fatalf("acquireUploadSlot(server-a) error = %v", err)
	}
	defer sems.releaseUploadSlot("server-a")

	if err := sems.acquireUploadSlot(ctx, "server-b"); err != nil {
		t.Fatalf("acquireUploadSlot(server-b) error = %v", err)
	}
	sems.releaseUploadSlot("server-b")
}

func TestSemaphores_GlobalCapacityBlocks(t *testing.T) {
	sems := newSemaphores(1, 10)
	ctx := context.Background()

	if err := sems.acquireUploadSlot(ctx, "server-a"); err != nil {
		t.Fatalf("acquireUploadSlot(server-a) error = %v", err)
	}
	defer sems.releaseUploadSlot("server-a")

	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	if err := sems.acquireUploadSlot(blockedCtx, "server-b"); err == nil {
		t.Error("expected acquire against a different server to block on the exhausted global slot")
	}
}
