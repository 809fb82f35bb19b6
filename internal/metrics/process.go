package metrics

import (
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	agentCPU = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "stackpilot", Subsystem: "agent", Name: "cpu_percent", Help: "Agent process CPU percent"},
	)
	agentRSS = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "stackpilot", Subsystem: "agent", Name: "memory_rss_bytes", Help: "Agent process RSS bytes"},
	)
)

func init() {
	prometheus.MustRegister(agentCPU, agentRSS)
}

// SampleAgentProcess samples the agent's own CPU and RSS until ctx ends.
// Run from the long-lived scheduler command; one-shot commands skip it.
func SampleAgentProcess(ctx context.Context, interval time.Duration) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}
	// Warm-up for CPU percent baseline
	_, _ = p.CPUPercentWithContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
				agentCPU.Set(cpu)
			}
			if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
				agentRSS.Set(float64(mi.RSS))
			}
		}
	}
}
