package cine

import (
	"context"
	"log"
	"math"
	"time"
)

// StartPlayback begins automatic frame advancement. No-op when already
// playing. The first start after initialization awaits ensureBufferHealth
// so playback begins against a warm window.
func (e *Engine) StartPlayback(ctx context.Context) error {
	e.mu.Lock()
	if e.isPlaying || e.closed {
		e.mu.Unlock()
		return nil
	}
	needWarmup := !e.targetReached
	e.frameTimes = nil
	e.mu.Unlock()

	if needWarmup {
		e.ensureBufferHealth(ctx)
		e.mu.Lock()
		e.targetReached = true
		e.mu.Unlock()
	}

	e.mu.Lock()
	if e.isPlaying || e.closed {
		e.mu.Unlock()
		return nil
	}
	e.isPlaying = true
	loopCtx, cancel := context.WithCancel(context.Background())
	e.playCancel = cancel
	e.mu.Unlock()

	go e.playLoop(loopCtx)

	e.emit("play", map[string]any{
		"frame_rate": e.getFrameRate(),
	})
	return ctx.Err()
}

// PausePlayback halts frame advancement, keeping the cursor in place.
// Calling it while not playing is a no-op.
func (e *Engine) PausePlayback() {
	e.mu.Lock()
	if !e.isPlaying {
		e.mu.Unlock()
		return
	}
	e.isPlaying = false
	e.stopPlayLoopLocked()
	slice := e.currentSlice
	e.mu.Unlock()

	e.emit("pause", map[string]any{
		"current_slice": slice,
	})
}

// StopPlayback unconditionally halts playback and resets the cursor to
// slice 0. The buffered set survives a stop; only Cleanup clears it.
func (e *Engine) StopPlayback() {
	e.mu.Lock()
	e.isPlaying = false
	e.stopPlayLoopLocked()
	e.currentSlice = 0
	e.mu.Unlock()

	e.emit("stop", nil)
}

// stopPlayLoopLocked cancels the play loop goroutine if one is running.
// Caller must hold e.mu.
func (e *Engine) stopPlayLoopLocked() {
	if e.playCancel != nil {
		e.playCancel()
		e.playCancel = nil
	}
}

// playLoop advances frames at frameRate × speed until cancelled or the
// series end is reached. Interval is recomputed each tick so frame rate
// and speed changes take effect mid-playback.
func (e *Engine) playLoop(ctx context.Context) {
	for {
		e.mu.Lock()
		playing := e.isPlaying
		interval := e.frameIntervalLocked()
		e.mu.Unlock()

		if !playing {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if !e.NextFrame(ctx) {
			// End of sequence with loopMode none: implies pausing.
			e.PausePlayback()
			return
		}
	}
}

// frameIntervalLocked converts frameRate × speed into a tick interval.
// Caller must hold e.mu.
func (e *Engine) frameIntervalLocked() time.Duration {
	fps := float64(e.frameRate) * e.speed
	if fps <= 0 {
		fps = 1
	}
	return time.Duration(float64(time.Second) / fps)
}

// GoToSlice navigates to the given slice. Out-of-range indices are
// rejected silently. A miss on the buffered set counts one dropped frame
// and loads the slice synchronously; a load failure leaves the cursor
// unchanged. Returns whether the navigation happened.
func (e *Engine) GoToSlice(ctx context.Context, index int) bool {
	e.mu.Lock()
	if e.closed || index < 0 || index >= e.totalSlices {
		e.mu.Unlock()
		return false
	}

	previous := e.currentSlice
	_, wasBuffered := e.buffered[index]
	if !wasBuffered {
		// Counted even when the synchronous load below succeeds.
		e.droppedFrames++
	}
	e.mu.Unlock()

	start := time.Now()
	if !wasBuffered {
		if err := e.loadSlice(ctx, index); err != nil {
			log.Printf("Failed to load slice %d: %v", index, err)
			return false
		}
	}
	frameTime := time.Since(start)

	e.mu.Lock()
	e.currentSlice = index
	tenth := e.recordFrameLocked(time.Now())
	runAdaptive := e.adaptive && !e.initialFill
	e.mu.Unlock()

	if runAdaptive {
		go e.backgroundBuffer(index)
	}

	e.emit("slice_change", map[string]any{
		"previous_slice": previous,
		"current_slice":  index,
		"frame_time_ms":  float64(frameTime.Microseconds()) / 1000.0,
		"is_buffered":    wasBuffered,
	})

	if tenth {
		e.emitPerformanceUpdate()
	}

	return true
}

// NextFrame advances one frame according to the direction/loop policy,
// delegating the actual navigation to GoToSlice. Returns false when the
// series end is reached with loop mode none; the cursor does not move.
func (e *Engine) NextFrame(ctx context.Context) bool {
	e.mu.Lock()
	next, ok := e.nextIndexLocked()
	e.mu.Unlock()

	if !ok {
		return false
	}
	return e.GoToSlice(ctx, next)
}

// nextIndexLocked applies the direction/loop policy. Bounce flips the
// stored direction as a side effect, matching the navigation contract.
// With a single-slice series the bounce boundary formulas are degenerate,
// so the result clamps to 0. Caller must hold e.mu.
func (e *Engine) nextIndexLocked() (int, bool) {
	if e.totalSlices <= 0 {
		return 0, false
	}

	if e.direction == DirectionForward {
		next := e.currentSlice + 1
		if next < e.totalSlices {
			return next, true
		}
		switch e.loopMode {
		case LoopWrap:
			return 0, true
		case LoopBounce:
			e.direction = DirectionBackward
			// Second-to-last slice, so the boundary slice is not shown twice.
			return clampInt(e.totalSlices-2, 0, e.totalSlices-1), true
		default:
			return 0, false
		}
	}

	next := e.currentSlice - 1
	if next >= 0 {
		return next, true
	}
	switch e.loopMode {
	case LoopWrap:
		return e.totalSlices - 1, true
	case LoopBounce:
		e.direction = DirectionForward
		return clampInt(1, 0, e.totalSlices-1), true
	default:
		return 0, false
	}
}

// SetFrameRate clamps the rate to [1,60]. When adaptive buffering is
// enabled the preload radius rescales with the rate: faster playback
// needs a deeper window to stay ahead of the cursor.
func (e *Engine) SetFrameRate(rate int) {
	e.mu.Lock()
	e.frameRate = clampInt(rate, 1, 60)
	if e.adaptive {
		factor := clampFloat(float64(e.frameRate)/10.0, 0.5, 2.0)
		e.preloadRadius = int(math.Round(factor * float64(e.baseBufferSize)))
	}
	e.mu.Unlock()
}

// SetSpeed clamps the playback speed multiplier to [0.1, 5.0].
func (e *Engine) SetSpeed(speed float64) {
	e.mu.Lock()
	e.speed = clampFloat(speed, 0.1, 5.0)
	e.mu.Unlock()
}

// SetPlayDirection changes the playback direction. Direction drives
// prefetch priority, so adaptive buffering re-runs around the cursor.
func (e *Engine) SetPlayDirection(d Direction) {
	e.mu.Lock()
	e.direction = d
	center := e.currentSlice
	runAdaptive := e.adaptive && e.initialized && !e.initialFill
	e.mu.Unlock()

	if runAdaptive {
		go e.backgroundBuffer(center)
	}
}

// SetLoopMode changes the end-of-series behavior. Takes effect on the
// next NextFrame call.
func (e *Engine) SetLoopMode(m LoopMode) {
	e.mu.Lock()
	e.loopMode = m
	e.mu.Unlock()
}

func (e *Engine) getFrameRate() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frameRate
}
