// Package metrics exposes the engine's Prometheus instrumentation. Metrics
// are registered once at package load; the long-running scheduler command
// serves them over promhttp.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once          sync.Once
	pipelineStage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "stackpilot",
			Subsystem: "deploy",
			Name:      "stage",
			Help:      "Deployment pipeline stage gauge (1 for current stage).",
		},
		[]string{"stage"},
	)
	pipelineRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackpilot",
			Subsystem: "deploy",
			Name:      "runs_total",
			Help:      "Completed pipeline runs by outcome.",
		},
		[]string{"outcome"},
	)
	downloadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stackpilot",
			Subsystem: "download",
			Name:      "bytes_total",
			Help:      "Artifact bytes received.",
		},
	)
	downloadFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackpilot",
			Subsystem: "download",
			Name:      "failures_total",
			Help:      "Download failures by kind.",
		},
		[]string{"kind"},
	)
	backupsTaken = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackpilot",
			Subsystem: "backup",
			Name:      "taken_total",
			Help:      "Backups written, by kind.",
		},
		[]string{"kind"},
	)
	deployedInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "stackpilot",
			Subsystem: "deploy",
			Name:      "version_info",
			Help:      "Deployed service version (1 for current).",
		},
		[]string{"version"},
	)
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(pipelineStage, pipelineRuns, downloadBytes,
			downloadFailures, backupsTaken, deployedInfo)
	})
}

// ObserveStage marks the pipeline's current stage.
func ObserveStage(stage string) {
	pipelineStage.Reset()
	pipelineStage.WithLabelValues(stage).Set(1)
}

// IncPipelineRun records a finished run with its terminal outcome.
func IncPipelineRun(outcome string) { pipelineRuns.WithLabelValues(outcome).Inc() }

// AddDownloadedBytes accumulates received artifact bytes.
func AddDownloadedBytes(n int64) {
	if n > 0 {
		downloadBytes.Add(float64(n))
	}
}

// IncDownloadFailure records a download failure by kind (integrity, network).
func IncDownloadFailure(kind string) { downloadFailures.WithLabelValues(kind).Inc() }

// IncBackup records a written backup.
func IncBackup(kind string) { backupsTaken.WithLabelValues(kind).Inc() }

// SetDeployedVersion publishes the deployed version as an info gauge.
func SetDeployedVersion(version string) {
	if version == "" {
		return
	}
	deployedInfo.Reset()
	deployedInfo.WithLabelValues(version).Set(1)
}
