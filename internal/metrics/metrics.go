// Package metrics exposes the controller's Prometheus gauges: concurrency
// slot usage, connected-agent count and running-job count. Registration
// follows the pack's global-var-plus-init() convention rather than a
// per-instance registry, since the controller process only ever runs one
// of each collector.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectedAgents is the number of agent WebSocket connections currently
	// registered with internal/agentregistry.
	ConnectedAgents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "backup_controller",
		Name:      "connected_agents",
		Help:      "Number of agents currently connected over WebSocket.",
	})

	// RunningJobs is the number of jobs currently occupying the orchestrator's
	// running-job slot.
	RunningJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "backup_controller",
		Name:      "running_jobs",
		Help:      "Number of backup jobs currently executing.",
	})

	// UIClients is the number of connected UI WebSocket clients.
	UIClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "backup_controller",
		Name:      "ui_clients",
		Help:      "Number of UI WebSocket clients currently connected.",
	})

	// UploadSlotsInUse tracks the global upload-concurrency semaphore's
	// occupied weight, sampled on every acquire/release.
	UploadSlotsInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "backup_controller",
		Name:      "upload_slots_in_use",
		Help:      "Global upload concurrency slots currently held.",
	})

	// FilesUploadedTotal counts files accepted through the upload protocol.
	FilesUploadedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "backup_controller",
		Name:      "files_uploaded_total",
		Help:      "Total number of files accepted through the upload endpoint.",
	})

	// BytesUploadedTotal counts bytes accepted through the upload protocol.
	BytesUploadedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "backup_controller",
		Name:      "bytes_uploaded_total",
		Help:      "Total number of bytes accepted through the upload endpoint.",
	})
)

func init() {
	prometheus.MustRegister(ConnectedAgents, RunningJobs, UIClients, UploadSlotsInUse, FilesUploadedTotal, BytesUploadedTotal)
}

// Handler returns the HTTP handler serving the registered gauges in the
// Prometheus exposition format, mounted at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
