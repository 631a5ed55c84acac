package resource

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMonitor_Sample(t *testing.T) {
	m, err := NewMonitor(time.Minute)
	require.NoError(t, err)

	m.sample()
	usage := m.Usage()

	// Our own process always has a resident set
	require.Greater(t, usage.RSSBytes, uint64(0))
	require.Greater(t, usage.GoroutineCnt, 0)
	require.False(t, usage.SampledAt.IsZero())
}

func TestMonitor_UsageBeforeSample(t *testing.T) {
	m, err := NewMonitor(time.Minute)
	require.NoError(t, err)

	// Never sampled: the zero snapshot is returned as-is
	usage := m.Usage()
	require.True(t, usage.SampledAt.IsZero())
}
