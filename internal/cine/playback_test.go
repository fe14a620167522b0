package cine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openrad/cinescrub/internal/config"
	"github.com/openrad/cinescrub/internal/loader"
)

// newTestEngine builds an initialized engine with an instant loader.
// Adaptive buffering is disabled so tests stay deterministic unless a
// test opts back in.
func newTestEngine(t *testing.T, total int, mutate func(*config.Config)) *Engine {
	t.Helper()
	return newTestEngineWithLoader(t, total, nil, mutate)
}

func newTestEngineWithLoader(t *testing.T, total int, load loader.LoadFunc, mutate func(*config.Config)) *Engine {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Buffer.PreloadRadius = 2
	cfg.Buffer.MaxConcurrentLoads = 2
	cfg.Buffer.Adaptive = false

	if mutate != nil {
		mutate(cfg)
	}
	if load == nil {
		load = func(ctx context.Context, index int) error { return nil }
	}

	e, err := New(cfg, load)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(e.Cleanup)

	if err := e.InitializeForStudy(context.Background(), total, 0); err != nil {
		t.Fatalf("InitializeForStudy failed: %v", err)
	}
	return e
}

func TestInitializeClampsStartSlice(t *testing.T) {
	e := newTestEngine(t, 10, nil)

	if err := e.InitializeForStudy(context.Background(), 10, 99); err != nil {
		t.Fatalf("InitializeForStudy failed: %v", err)
	}
	if got := e.GetState().CurrentSlice; got != 9 {
		t.Errorf("Expected start slice clamped to 9, got %d", got)
	}

	if err := e.InitializeForStudy(context.Background(), 10, -5); err != nil {
		t.Fatalf("InitializeForStudy failed: %v", err)
	}
	if got := e.GetState().CurrentSlice; got != 0 {
		t.Errorf("Expected start slice clamped to 0, got %d", got)
	}
}

func TestInitializeDegenerateSeries(t *testing.T) {
	e := newTestEngine(t, 10, nil)

	// Zero and negative totals must not fail.
	for _, total := range []int{0, -3} {
		if err := e.InitializeForStudy(context.Background(), total, 2); err != nil {
			t.Fatalf("InitializeForStudy(%d) failed: %v", total, err)
		}
		state := e.GetState()
		if state.TotalSlices != total {
			t.Errorf("Expected totalSlices %d, got %d", total, state.TotalSlices)
		}
		if state.CurrentSlice != 0 {
			t.Errorf("Expected currentSlice 0, got %d", state.CurrentSlice)
		}
	}
}

func TestInitialBufferFill(t *testing.T) {
	e := newTestEngine(t, 10, nil)

	// Radius 2 around slice 0: slices 0, 1, 2 must be buffered.
	for _, i := range []int{0, 1, 2} {
		if !e.IsSliceBuffered(i) {
			t.Errorf("Expected slice %d buffered after init", i)
		}
	}
	if e.IsSliceBuffered(7) {
		t.Error("Slice outside initial window should not be buffered")
	}
}

func TestGoToSliceRoundTrip(t *testing.T) {
	e := newTestEngine(t, 10, nil)

	for _, k := range []int{0, 3, 9, 5} {
		if !e.GoToSlice(context.Background(), k) {
			t.Fatalf("GoToSlice(%d) returned false", k)
		}
		if got := e.GetState().CurrentSlice; got != k {
			t.Errorf("GoToSlice(%d): currentSlice = %d", k, got)
		}
	}
}

func TestGoToSliceRejectsOutOfRange(t *testing.T) {
	e := newTestEngine(t, 10, nil)
	e.GoToSlice(context.Background(), 4)

	for _, k := range []int{-1, 10, 100} {
		if e.GoToSlice(context.Background(), k) {
			t.Errorf("GoToSlice(%d) should return false", k)
		}
		if got := e.GetState().CurrentSlice; got != 4 {
			t.Errorf("GoToSlice(%d) moved cursor to %d", k, got)
		}
	}
}

func TestGoToSliceLoadFailureLeavesStateUnchanged(t *testing.T) {
	loadErr := errors.New("fetch failed")
	var mu sync.Mutex
	failing := map[int]bool{7: true}

	e := newTestEngineWithLoader(t, 10, func(ctx context.Context, index int) error {
		mu.Lock()
		defer mu.Unlock()
		if failing[index] {
			return loadErr
		}
		return nil
	}, nil)

	if e.GoToSlice(context.Background(), 7) {
		t.Error("GoToSlice should fail when the load fails")
	}
	if got := e.GetState().CurrentSlice; got != 0 {
		t.Errorf("Cursor moved to %d on failed navigation", got)
	}
	if e.IsSliceBuffered(7) {
		t.Error("Failed load must not populate the buffer")
	}

	// The same navigation succeeds once the slice becomes loadable.
	mu.Lock()
	failing[7] = false
	mu.Unlock()
	if !e.GoToSlice(context.Background(), 7) {
		t.Error("GoToSlice should succeed after the loader recovers")
	}
}

func TestNextFrameLoopWrapsForward(t *testing.T) {
	e := newTestEngine(t, 10, nil)
	e.SetLoopMode(LoopWrap)
	e.GoToSlice(context.Background(), 9)

	if !e.NextFrame(context.Background()) {
		t.Fatal("NextFrame should succeed in loop mode")
	}
	if got := e.GetState().CurrentSlice; got != 0 {
		t.Errorf("Expected wrap to 0, got %d", got)
	}
}

func TestNextFrameLoopWrapsBackward(t *testing.T) {
	e := newTestEngine(t, 10, nil)
	e.SetLoopMode(LoopWrap)
	e.SetPlayDirection(DirectionBackward)
	e.GoToSlice(context.Background(), 0)

	if !e.NextFrame(context.Background()) {
		t.Fatal("NextFrame should succeed in loop mode")
	}
	if got := e.GetState().CurrentSlice; got != 9 {
		t.Errorf("Expected wrap to 9, got %d", got)
	}
}

func TestNextFrameEndOfSequence(t *testing.T) {
	e := newTestEngine(t, 10, nil)
	e.GoToSlice(context.Background(), 9)

	if e.NextFrame(context.Background()) {
		t.Error("NextFrame should return false at the end with loop mode none")
	}
	if got := e.GetState().CurrentSlice; got != 9 {
		t.Errorf("Cursor moved to %d at end of sequence", got)
	}
}

func TestNextFrameBounceForward(t *testing.T) {
	e := newTestEngine(t, 10, nil)
	e.SetLoopMode(LoopBounce)
	e.GoToSlice(context.Background(), 9)

	if !e.NextFrame(context.Background()) {
		t.Fatal("NextFrame should succeed in bounce mode")
	}
	state := e.GetState()
	if state.PlayDirection != DirectionBackward {
		t.Errorf("Expected direction backward, got %s", state.PlayDirection)
	}
	if state.CurrentSlice != 8 {
		t.Errorf("Expected currentSlice 8, got %d", state.CurrentSlice)
	}
}

func TestNextFrameBounceBackward(t *testing.T) {
	e := newTestEngine(t, 10, nil)
	e.SetLoopMode(LoopBounce)
	e.SetPlayDirection(DirectionBackward)
	e.GoToSlice(context.Background(), 0)

	if !e.NextFrame(context.Background()) {
		t.Fatal("NextFrame should succeed in bounce mode")
	}
	state := e.GetState()
	if state.PlayDirection != DirectionForward {
		t.Errorf("Expected direction forward, got %s", state.PlayDirection)
	}
	if state.CurrentSlice != 1 {
		t.Errorf("Expected currentSlice 1, got %d", state.CurrentSlice)
	}
}

func TestNextFrameBounceSingleSlice(t *testing.T) {
	e := newTestEngine(t, 1, nil)
	e.SetLoopMode(LoopBounce)

	// The bounce boundary formulas are degenerate with one slice;
	// the result must clamp to a legal index instead of going negative.
	for i := 0; i < 3; i++ {
		if !e.NextFrame(context.Background()) {
			t.Fatal("NextFrame should not signal end in bounce mode")
		}
		if got := e.GetState().CurrentSlice; got != 0 {
			t.Fatalf("Expected currentSlice 0, got %d", got)
		}
	}
}

func TestSetFrameRateClamps(t *testing.T) {
	e := newTestEngine(t, 10, nil)

	e.SetFrameRate(0)
	if got := e.GetState().FrameRate; got != 1 {
		t.Errorf("SetFrameRate(0): expected 1, got %d", got)
	}

	e.SetFrameRate(999)
	if got := e.GetState().FrameRate; got != 60 {
		t.Errorf("SetFrameRate(999): expected 60, got %d", got)
	}

	e.SetFrameRate(24)
	if got := e.GetState().FrameRate; got != 24 {
		t.Errorf("SetFrameRate(24): expected 24, got %d", got)
	}
}

func TestSetFrameRateRescalesRadius(t *testing.T) {
	e := newTestEngine(t, 200, func(cfg *config.Config) {
		cfg.Buffer.Adaptive = true
		cfg.Buffer.Size = 20
	})

	e.SetFrameRate(60) // factor clamps to 2.0
	e.mu.Lock()
	radius := e.preloadRadius
	e.mu.Unlock()
	if radius != 40 {
		t.Errorf("Expected radius 40 at 60fps, got %d", radius)
	}

	e.SetFrameRate(1) // factor clamps to 0.5
	e.mu.Lock()
	radius = e.preloadRadius
	e.mu.Unlock()
	if radius != 10 {
		t.Errorf("Expected radius 10 at 1fps, got %d", radius)
	}
}

func TestSetSpeedClamps(t *testing.T) {
	e := newTestEngine(t, 10, nil)

	e.SetSpeed(0.01)
	if got := e.GetState().Speed; got != 0.1 {
		t.Errorf("SetSpeed(0.01): expected 0.1, got %v", got)
	}

	e.SetSpeed(50)
	if got := e.GetState().Speed; got != 5.0 {
		t.Errorf("SetSpeed(50): expected 5.0, got %v", got)
	}
}

func TestPauseIdempotent(t *testing.T) {
	e := newTestEngine(t, 10, func(cfg *config.Config) {
		cfg.Playback.DefaultFrameRate = 1
	})

	if err := e.StartPlayback(context.Background()); err != nil {
		t.Fatalf("StartPlayback failed: %v", err)
	}

	e.PausePlayback()
	first := e.GetState()
	e.PausePlayback()
	second := e.GetState()

	if first.IsPlaying || second.IsPlaying {
		t.Error("Engine should not be playing after pause")
	}
	if first.CurrentSlice != second.CurrentSlice {
		t.Errorf("Second pause changed currentSlice: %d -> %d",
			first.CurrentSlice, second.CurrentSlice)
	}
}

func TestStopResetsCursorKeepsBuffer(t *testing.T) {
	e := newTestEngine(t, 10, nil)
	e.GoToSlice(context.Background(), 5)

	before := len(e.GetState().BufferedSlices)
	if before == 0 {
		t.Fatal("Expected buffered slices before stop")
	}

	e.StopPlayback()
	state := e.GetState()
	if state.IsPlaying {
		t.Error("Engine should not be playing after stop")
	}
	if state.CurrentSlice != 0 {
		t.Errorf("Expected currentSlice 0 after stop, got %d", state.CurrentSlice)
	}
	if got := len(state.BufferedSlices); got != before {
		t.Errorf("Stop changed buffer: %d -> %d slices", before, got)
	}

	// Stopping an already stopped engine still resets the cursor.
	e.GoToSlice(context.Background(), 3)
	e.StopPlayback()
	if got := e.GetState().CurrentSlice; got != 0 {
		t.Errorf("Expected currentSlice 0 after second stop, got %d", got)
	}
}

func TestCleanupClearsBuffer(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Buffer.Adaptive = false
	e, err := New(cfg, func(ctx context.Context, index int) error { return nil })
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := e.InitializeForStudy(context.Background(), 10, 0); err != nil {
		t.Fatalf("InitializeForStudy failed: %v", err)
	}
	if len(e.GetState().BufferedSlices) == 0 {
		t.Fatal("Expected buffered slices after init")
	}

	e.Cleanup()
	if got := len(e.GetState().BufferedSlices); got != 0 {
		t.Errorf("Cleanup left %d buffered slices", got)
	}
}

func TestPlayLoopPausesAtEndOfSequence(t *testing.T) {
	e := newTestEngine(t, 3, func(cfg *config.Config) {
		cfg.Playback.DefaultFrameRate = 60
		cfg.Playback.Speed = 5.0
	})

	if err := e.StartPlayback(context.Background()); err != nil {
		t.Fatalf("StartPlayback failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		state := e.GetState()
		if !state.IsPlaying {
			if state.CurrentSlice != 2 {
				t.Errorf("Expected cursor at last slice, got %d", state.CurrentSlice)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("Playback did not pause at end of sequence")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStateInvariantsUnderNavigation(t *testing.T) {
	e := newTestEngine(t, 10, nil)
	e.SetLoopMode(LoopBounce)

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		e.NextFrame(ctx)
		state := e.GetState()
		if state.CurrentSlice < 0 || state.CurrentSlice >= state.TotalSlices {
			t.Fatalf("Invariant violated: currentSlice %d outside [0,%d)",
				state.CurrentSlice, state.TotalSlices)
		}
		for _, s := range state.BufferedSlices {
			if s < 0 || s >= state.TotalSlices {
				t.Fatalf("Invariant violated: buffered slice %d outside [0,%d)",
					s, state.TotalSlices)
			}
		}
	}
}

func TestConcurrentGoToSliceEndsInValidState(t *testing.T) {
	e := newTestEngine(t, 30, nil)

	var wg sync.WaitGroup
	for k := 10; k < 20; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			e.GoToSlice(context.Background(), k)
		}(k)
	}
	wg.Wait()

	// Last resolver wins; assert the engine ends in *a* valid state,
	// not a caller-determined order.
	got := e.GetState().CurrentSlice
	if got < 10 || got >= 20 {
		t.Errorf("Expected cursor within the navigated range, got %d", got)
	}
}
