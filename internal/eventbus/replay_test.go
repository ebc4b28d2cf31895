package eventbus

import (
	"testing"
	"time"
)

func TestReplayStore_RecordAndSince(t *testing.T) {
	s := newReplayStore()

	s.record(Message{Type: MsgBackupStarted, Payload: map[string]any{"job_id": "job-1"}})
	first := nowMillis()
	time.Sleep(time.Millisecond)
	s.record(Message{Type: MsgBackupProgress, Payload: map[string]any{"job_id": "job-1", "percent": 50}})

	all := s.since("job-1", 0)
	if len(all) != 2 {
		t.Fatalf("since(0) returned %d messages, want 2", len(all))
	}

	later := s.since("job-1", first)
	if len(later) != 1 {
		t.Fatalf("since(first) returned %d messages, want 1", len(later))
	}
	if later[0].Type != MsgBackupProgress {
		t.Errorf("since(first)[0].Type = %v, want %v", later[0].Type, MsgBackupProgress)
	}
}

func TestReplayStore_IgnoresNonBackupEvents(t *testing.T) {
	s := newReplayStore()
	s.record(Message{Type: MsgJobUpdated, Payload: map[string]any{"job_id": "job-1"}})

	if got := s.since("job-1", 0); len(got) != 0 {
		t.Errorf("since() = %d messages, want 0 for a non-backup event", len(got))
	}
}

func TestReplayStore_IgnoresPayloadWithoutJobID(t *testing.T) {
	s := newReplayStore()
	s.record(Message{Type: MsgBackupStarted, Payload: map[string]any{"other": "field"}})

	if got := s.since("job-1", 0); len(got) != 0 {
		t.Errorf("since() = %d messages, want 0 when payload carries no job_id", len(got))
	}
}

func TestReplayStore_CapacityEviction(t *testing.T) {
	s := newReplayStore()
	for i := 0; i < replayCapacity+10; i++ {
		s.record(Message{Type: MsgBackupProgress, Payload: map[string]any{"job_id": "job-1"}})
	}

	if got := len(s.since("job-1", 0)); got != replayCapacity {
		t.Errorf("buffer held %d messages, want capped at %d", got, replayCapacity)
	}
}

func TestReplayStore_Sweep(t *testing.T) {
	s := newReplayStore()
	s.record(Message{Type: MsgBackupCompleted, Payload: map[string]any{"job_id": "job-1"}})

	s.mu.Lock()
	s.buffers["job-1"].terminalAt = time.Now().Add(-2 * replaySweepAfter)
	s.mu.Unlock()

	s.sweep()

	if got := s.since("job-1", 0); got != nil {
		t.Errorf("since() after sweep = %v, want nil", got)
	}
}

func TestIsReplayTracked(t *testing.T) {
	if !isReplayTracked(MsgBackupProgress) {
		t.Error("isReplayTracked(backup:progress) = false, want true")
	}
	if isReplayTracked(MsgJobUpdated) {
		t.Error("isReplayTracked(job:updated) = true, want false")
	}
}
