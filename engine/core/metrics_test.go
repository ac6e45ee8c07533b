package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetricsAverage(t *testing.T) {
	m := NewMetrics()
	m.Update(0.010)
	m.Update(0.020)
	assert.InDelta(t, 15.0, m.FrameTime(), 1e-9)

	for i := 0; i < AVG_COUNT; i++ {
		m.Update(0.004)
	}
	assert.InDelta(t, 4.0, m.FrameTime(), 1e-9)
}

func TestMetricsFPS(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 101; i++ {
		m.Update(0.010)
	}
	// 101 frames of 10ms cross the one second mark once.
	assert.Equal(t, float64(100), m.FPS())
}

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()
	m.FramePresented()
	m.FramePresented()
	m.FrameDropped()
	assert.Equal(t, uint64(2), m.Presented())
	assert.Equal(t, uint64(1), m.Dropped())
}

func TestAlignUp(t *testing.T) {
	assert.Equal(t, uint64(0), AlignUp[uint64](0, 256))
	assert.Equal(t, uint64(256), AlignUp[uint64](1, 256))
	assert.Equal(t, uint64(256), AlignUp[uint64](256, 256))
	assert.Equal(t, uint64(512), AlignUp[uint64](257, 256))
	assert.Equal(t, uint32(7), AlignUp[uint32](7, 0))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 5, Clamp(10, 1, 5))
	assert.Equal(t, 1, Clamp(-3, 1, 5))
	assert.Equal(t, uint32(3), Clamp[uint32](3, 1, 5))
}
