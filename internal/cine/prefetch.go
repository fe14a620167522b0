package cine

import (
	"context"
	"log"
	"sort"
	"sync"
)

// backgroundThreshold is the fraction of the buffer size the missing
// window count must exceed before background buffering dispatches loads.
const backgroundThreshold = 0.3

// calculateBufferSlices produces the direction-aware, priority-ordered
// prefetch candidates around center, excluding slices already buffered.
// The center slice always comes first; each following radius step pushes
// the play-direction side before the opposite side.
func (e *Engine) calculateBufferSlices(center int) []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calculateBufferSlicesLocked(center)
}

func (e *Engine) calculateBufferSlicesLocked(center int) []int {
	if e.totalSlices <= 0 {
		return nil
	}

	var plan []int
	push := func(index int) {
		if index < 0 || index >= e.totalSlices {
			return
		}
		if _, ok := e.buffered[index]; ok {
			return
		}
		plan = append(plan, index)
	}

	push(center)
	for r := 1; r <= e.preloadRadius; r++ {
		if e.direction == DirectionForward {
			push(center + r)
			push(center - r)
		} else {
			push(center - r)
			push(center + r)
		}
	}
	return plan
}

// loadSlice loads one slice through the bounded-concurrency gate and
// records it in the buffered set. Already-buffered slices are a no-op.
// On failure the buffer is left unchanged and the error is returned.
func (e *Engine) loadSlice(ctx context.Context, index int) error {
	e.mu.Lock()
	if _, ok := e.buffered[index]; ok {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if err := e.loader.Load(ctx, index); err != nil {
		return err
	}

	e.mu.Lock()
	if index >= 0 && index < e.totalSlices {
		e.buffered[index] = struct{}{}
	}
	e.mu.Unlock()
	return nil
}

// startBuffering drains the prefetch plan for center through the loader.
// The fill is best-effort: failures are logged and the batch continues,
// degrading buffer health instead of aborting. Returns once every
// planned load has settled.
func (e *Engine) startBuffering(ctx context.Context, center int) {
	plan := e.calculateBufferSlices(center)
	if len(plan) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, index := range plan {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			if err := e.loadSlice(ctx, index); err != nil {
				log.Printf("Initial buffering: failed to load slice %d: %v", index, err)
				return
			}
			e.emitBufferUpdate()
		}(index)
	}
	wg.Wait()
}

// backgroundBuffer tops the window up after navigation. It only acts
// when the missing portion of the window exceeds 30% of the buffer size,
// and dispatches at most maxConcurrentLoads of the planner's
// highest-priority missing slices. Fire-and-forget: load failures are
// logged, never surfaced.
func (e *Engine) backgroundBuffer(center int) {
	e.mu.Lock()
	if e.closed || e.initialFill {
		e.mu.Unlock()
		return
	}
	missing := len(e.bufferStatusLocked().Missing)
	threshold := int(backgroundThreshold * float64(e.bufferSize))
	if missing <= threshold {
		e.mu.Unlock()
		return
	}
	plan := e.calculateBufferSlicesLocked(center)
	limit := e.maxConcurrentLoads
	e.mu.Unlock()

	if len(plan) > limit {
		plan = plan[:limit]
	}

	for _, index := range plan {
		go func(index int) {
			if err := e.loadSlice(context.Background(), index); err != nil {
				log.Printf("Background buffering: failed to load slice %d: %v", index, err)
				return
			}
			e.emitBufferUpdate()
		}(index)
	}
}

// ensureBufferHealth synchronously fills the missing slices of the
// current window, nearest to the cursor first, before playback starts.
func (e *Engine) ensureBufferHealth(ctx context.Context) {
	e.mu.Lock()
	status := e.bufferStatusLocked()
	center := e.currentSlice
	e.mu.Unlock()

	if len(status.Missing) == 0 {
		return
	}

	missing := append([]int(nil), status.Missing...)
	sort.Slice(missing, func(i, j int) bool {
		di, dj := absInt(missing[i]-center), absInt(missing[j]-center)
		if di != dj {
			return di < dj
		}
		return missing[i] < missing[j]
	})

	var wg sync.WaitGroup
	for _, index := range missing {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			if err := e.loadSlice(ctx, index); err != nil {
				log.Printf("Buffer warmup: failed to load slice %d: %v", index, err)
			}
		}(index)
	}
	wg.Wait()

	e.emitBufferUpdate()
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
