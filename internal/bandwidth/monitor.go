// Package bandwidth tracks observed transfer throughput and optionally
// limits it.
package bandwidth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"upload-scheduler/pkg/models"
)

const (
	// WindowSize is the number of samples kept in the rolling window
	WindowSize = 60
	// SampleInterval is how often aggregate speed is sampled
	SampleInterval = 1 * time.Second
)

// SpeedFunc returns the current aggregate transfer speed in bytes/sec.
// The monitor polls it once per sample interval.
type SpeedFunc func() float64

type sample struct {
	speed float64
	at    time.Time
}

// Monitor keeps a bounded ring of throughput samples and derives
// current, average, and peak speed plus a throttled flag. It only
// observes; it never touches queue state.
type Monitor struct {
	mu      sync.Mutex
	samples [WindowSize]sample
	pos     int
	size    int
	sum     float64
	peak    float64

	speedOf      SpeedFunc
	throttleOn   bool
	maxBandwidth float64 // bytes/sec, 0 means no cap
	logger       *slog.Logger
}

// NewMonitor creates a bandwidth monitor polling speedOf. When
// throttling is enabled and maxBandwidth > 0, the throttled flag is
// raised whenever the latest sample exceeds the cap.
func NewMonitor(speedOf SpeedFunc, throttleOn bool, maxBandwidth float64) *Monitor {
	return &Monitor{
		speedOf:      speedOf,
		throttleOn:   throttleOn,
		maxBandwidth: maxBandwidth,
		logger:       slog.Default(),
	}
}

// Run samples aggregate speed once per interval until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("Bandwidth monitor shutting down")
			return
		case <-ticker.C:
			m.Record(m.speedOf())
		}
	}
}

// Record adds one speed sample to the window
func (m *Monitor) Record(speed float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.size == WindowSize {
		m.sum -= m.samples[m.pos].speed
	} else {
		m.size++
	}
	m.samples[m.pos] = sample{speed: speed, at: time.Now()}
	m.sum += speed
	m.pos = (m.pos + 1) % WindowSize

	if speed > m.peak {
		m.peak = speed
	}
}

// Stats returns the derived throughput view
func (m *Monitor) Stats() models.BandwidthStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current, average float64
	if m.size > 0 {
		latest := (m.pos - 1 + WindowSize) % WindowSize
		current = m.samples[latest].speed
		average = m.sum / float64(m.size)
	}

	return models.BandwidthStats{
		CurrentSpeed: current,
		AverageSpeed: average,
		PeakSpeed:    m.peak,
		Throttled:    m.throttleOn && m.maxBandwidth > 0 && current > m.maxBandwidth,
		SampleCount:  m.size,
	}
}
