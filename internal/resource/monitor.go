// Package resource samples process-level resource usage for telemetry.
// Sampling is best-effort: a failed probe keeps the previous snapshot.
package resource

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	"upload-scheduler/pkg/models"
)

// DefaultInterval is how often usage is sampled
const DefaultInterval = 5 * time.Second

// Monitor periodically samples memory, CPU, and network counters for
// the current process. Read-only; independent of the scheduler.
type Monitor struct {
	mu       sync.RWMutex
	usage    models.ResourceUsage
	proc     *process.Process
	interval time.Duration
	logger   *slog.Logger
}

// NewMonitor creates a resource monitor sampling at the given interval
// (DefaultInterval when zero).
func NewMonitor(interval time.Duration) (*Monitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		proc:     proc,
		interval: interval,
		logger:   slog.Default(),
	}, nil
}

// Run samples usage on a ticker until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sample()
	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("Resource monitor shutting down")
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

// Usage returns the latest snapshot
func (m *Monitor) Usage() models.ResourceUsage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usage
}

func (m *Monitor) sample() {
	usage := models.ResourceUsage{
		GoroutineCnt: runtime.NumGoroutine(),
		SampledAt:    time.Now(),
	}

	if mi, err := m.proc.MemoryInfo(); err == nil {
		usage.RSSBytes = mi.RSS
	} else {
		m.logger.Debug("Memory probe failed", "error", err)
	}

	if cp, err := m.proc.CPUPercent(); err == nil {
		usage.CPUPercent = cp
	} else {
		m.logger.Debug("CPU probe failed", "error", err)
	}

	if counters, err := gnet.IOCounters(false); err == nil && len(counters) > 0 {
		usage.NetBytesSent = counters[0].BytesSent
		usage.NetBytesRecv = counters[0].BytesRecv
	} else if err != nil {
		m.logger.Debug("Network probe failed", "error", err)
	}

	m.mu.Lock()
	m.usage = usage
	m.mu.Unlock()
}
