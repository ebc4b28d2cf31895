package orchestrator

import (
	"fmt"
	"sync"
	"time"
)

// progressThrottle is the minimum interval between emitted backup:progress
// events for a single job (spec §4.6: "at most one emission per 250ms").
const progressThrottle = 250 * time.Millisecond

// progressState tracks the monotonic, clamped percent for one running job
// plus the throttle deadline, so concurrent progress frames from the agent
// never regress the reported percent or flood the UI.
type progressState struct {
	mu          sync.Mutex
	lastPercent float64
	lastEmit    time.Time
}

// agentProgress is the shape of an inbound backup:progress payload.
type agentProgress struct {
	JobID            string   `json:"job_id"`
	BytesTransferred int64    `json:"bytes_transferred"`
	TotalBytes       int64    `json:"total_bytes"`
	FilesTransferred int64    `json:"files_transferred"`
	BytesPerSecond   float64  `json:"bytes_per_second"`
	CurrentFile      string   `json:"current_file,omitempty"`
	InFlightFiles    []string `json:"in_flight_files,omitempty"`
}

// uiProgress is the shape of an outbound backup:progress payload.
type uiProgress struct {
	JobID            string  `json:"job_id"`
	Percent          float64 `json:"percent"`
	BytesTransferred int64   `json:"bytes_transferred"`
	TotalBytes       int64   `json:"total_bytes"`
	FilesTransferred int64   `json:"files_transferred"`
	Speed            string  `json:"speed"`
	CurrentFile      string  `json:"current_file"`
}

// EventJobID implements eventbus's jobIDer interface so backup:progress
// frames are recorded into the per-job replay buffer like every other
// backup:* event.
func (p uiProgress) EventJobID() string { return p.JobID }

// apply computes the clamped, monotonic percent for a progress frame and
// reports whether it should be emitted right now given the throttle window.
// force bypasses the throttle (used for the 0% seed and the final 100%).
func (s *progressState) apply(in agentProgress, force bool) (uiProgress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	percent := 0.0
	if in.TotalBytes > 0 {
		percent = (float64(in.BytesTransferred) / float64(in.TotalBytes)) * 100
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if percent < s.lastPercent {
		percent = s.lastPercent
	}

	now := time.Now()
	if !force && now.Sub(s.lastEmit) < progressThrottle {
		return uiProgress{}, false
	}

	s.lastPercent = percent
	s.lastEmit = now

	currentFile := in.CurrentFile
	if currentFile == "" {
		currentFile = "Processing..."
	}

	return uiProgress{
		Percent:          percent,
		BytesTransferred: in.BytesTransferred,
		TotalBytes:       in.TotalBytes,
		FilesTransferred: in.FilesTransferred,
		Speed:            formatSpeed(in.BytesPerSecond),
		CurrentFile:      currentFile,
	}, true
}

// formatSpeed renders a byte rate as human-readable "N.NN UNIT/s" using
// binary units from bytes up through terabytes.
func formatSpeed(bytesPerSecond float64) string {
	const unit = 1024.0
	units := []string{"B", "KiB", "MiB", "GiB", "TiB"}

	speed := bytesPerSecond
	if speed < 0 {
		speed = 0
	}

	i := 0
	for speed >= unit && i < len(units)-1 {
		speed /= unit
		i++
	}
	return fmt.Sprintf("%.2f %s/s", speed, units[i])
}
