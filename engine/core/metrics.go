package core

import (
	"sync/atomic"

	"github.com/spaghettifunk/anima-rt/engine/containers"
)

const AVG_COUNT int = 30

// Metrics keeps rolling frame timings plus counters of presented and dropped
// frames.
type Metrics struct {
	frameTimes         *containers.RingQueue[float64]
	msAvg              float64
	frames             int32
	accumulatedFrameMS float64
	fps                float64

	presented atomic.Uint64
	dropped   atomic.Uint64
}

func NewMetrics() *Metrics {
	return &Metrics{
		frameTimes: containers.NewRingQueue[float64](AVG_COUNT),
	}
}

// Update records the duration of a frame in seconds.
func (m *Metrics) Update(frameElapsedTime float64) {
	frameMS := frameElapsedTime * 1000.0
	m.frameTimes.Push(frameMS)

	total := 0.0
	m.frameTimes.Each(func(v float64) { total += v })
	m.msAvg = total / float64(m.frameTimes.Len())

	// Calculate Frames per second.
	m.accumulatedFrameMS += frameMS
	if m.accumulatedFrameMS > 1000 {
		m.fps = float64(m.frames)
		m.accumulatedFrameMS -= 1000
		m.frames = 0
	}

	// Count all Frames.
	m.frames++
}

func (m *Metrics) FramePresented() {
	m.presented.Add(1)
}

func (m *Metrics) FrameDropped() {
	m.dropped.Add(1)
}

func (m *Metrics) FPS() float64 {
	return m.fps
}

// FrameTime is the average frame time in milliseconds.
func (m *Metrics) FrameTime() float64 {
	return m.msAvg
}

func (m *Metrics) Frame() (float64, float64) {
	return m.fps, m.msAvg
}

func (m *Metrics) Presented() uint64 {
	return m.presented.Load()
}

func (m *Metrics) Dropped() uint64 {
	return m.dropped.Load()
}
