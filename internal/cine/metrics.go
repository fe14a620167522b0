package cine

import (
	"math"
	"time"
)

const (
	// frameWindow bounds the rolling frame timestamp history.
	frameWindow = 60
	// smoothnessMinSamples is the sample count below which the
	// smoothness score stays pinned at 1.0.
	smoothnessMinSamples = 10
	// performanceEmitEvery controls how often a performance_update
	// event accompanies a recorded frame.
	performanceEmitEvery = 10
)

// recordFrameLocked appends a frame timestamp to the rolling window and
// reports whether this frame should trigger a performance_update event.
// Caller must hold e.mu.
func (e *Engine) recordFrameLocked(t time.Time) bool {
	e.frameTimes = append(e.frameTimes, t)
	if len(e.frameTimes) > frameWindow {
		e.frameTimes = e.frameTimes[len(e.frameTimes)-frameWindow:]
	}
	e.frameCount++
	return e.frameCount%performanceEmitEvery == 0
}

// GetMetrics recomputes the rolling performance metrics on demand.
func (e *Engine) GetMetrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metricsLocked()
}

func (e *Engine) metricsLocked() Metrics {
	return Metrics{
		ActualFrameRate:  e.actualFrameRateLocked(),
		DroppedFrames:    e.droppedFrames,
		BufferHealth:     e.bufferHealthLocked(),
		LoadingLatencyMS: e.loader.Latency(),
		SmoothnessScore:  e.smoothnessLocked(),
	}
}

// actualFrameRateLocked derives the observed frame rate from the rolling
// timestamp window. Caller must hold e.mu.
func (e *Engine) actualFrameRateLocked() float64 {
	n := len(e.frameTimes)
	if n < 2 {
		return 0
	}
	span := e.frameTimes[n-1].Sub(e.frameTimes[0]).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(n-1) / span
}

// bufferHealthLocked is the fraction of the preload window currently
// buffered, capped at 1. Caller must hold e.mu.
func (e *Engine) bufferHealthLocked() float64 {
	if e.totalSlices <= 0 {
		return 0
	}
	inWindow := len(e.bufferStatusLocked().Buffered)
	target := 2*e.preloadRadius + 1
	return math.Min(1, float64(inWindow)/float64(target))
}

// smoothnessLocked scores frame-time consistency from the coefficient of
// variation of consecutive deltas. Few samples, or smoothing disabled,
// pins the score at 1.0. Caller must hold e.mu.
func (e *Engine) smoothnessLocked() float64 {
	if !e.smoothing {
		return 1.0
	}
	n := len(e.frameTimes)
	if n < smoothnessMinSamples {
		return 1.0
	}

	deltas := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		deltas = append(deltas, e.frameTimes[i].Sub(e.frameTimes[i-1]).Seconds())
	}

	var sum float64
	for _, d := range deltas {
		sum += d
	}
	mean := sum / float64(len(deltas))
	if mean <= 0 {
		return 1.0
	}

	var variance float64
	for _, d := range deltas {
		variance += (d - mean) * (d - mean)
	}
	stddev := math.Sqrt(variance / float64(len(deltas)))

	return math.Max(0, 1-2*(stddev/mean))
}

// emitPerformanceUpdate publishes the current metrics sample.
func (e *Engine) emitPerformanceUpdate() {
	e.mu.Lock()
	m := e.metricsLocked()
	e.mu.Unlock()

	e.emit("performance_update", map[string]any{
		"actual_frame_rate":  m.ActualFrameRate,
		"dropped_frames":     m.DroppedFrames,
		"buffer_health":      m.BufferHealth,
		"loading_latency_ms": m.LoadingLatencyMS,
		"smoothness_score":   m.SmoothnessScore,
	})
}
