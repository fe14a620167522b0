package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/openrad/cinescrub/internal/cine"
	"github.com/openrad/cinescrub/internal/config"
	"github.com/openrad/cinescrub/internal/events"
	"github.com/openrad/cinescrub/internal/slicecache"
)

var (
	configPath = flag.String("config", getDefaultConfigPath(), "Path to configuration file")
	slices     = flag.Int("slices", 120, "Number of slices in the simulated series")
	fps        = flag.Int("fps", 0, "Override playback frame rate (1-60)")
	speed      = flag.Float64("speed", 0, "Override playback speed (0.1-5.0)")
	loopMode   = flag.String("loop", "loop", "Loop mode: none, loop or bounce")
	backward   = flag.Bool("backward", false, "Play backward instead of forward")
	duration   = flag.Duration("duration", 0, "Stop after this long (0 = until interrupted)")
	cacheDir   = flag.String("cache-dir", "", "Override slice cache directory")
	seed       = flag.Int64("seed", 1, "Seed for the simulated slice source")
	latency    = flag.Duration("latency", 40*time.Millisecond, "Mean simulated load latency")
	failRate   = flag.Float64("fail-rate", 0.02, "Simulated load failure rate (0-1)")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *fps > 0 {
		cfg.Playback.DefaultFrameRate = *fps
	}
	if *speed > 0 {
		cfg.Playback.Speed = *speed
	}
	if *cacheDir != "" {
		cfg.Cache.Directory = *cacheDir
	}
	cfg.Validate()

	cache, err := slicecache.NewDiskCache(cfg.Cache.Directory, int64(cfg.Cache.MaxSizeMB)*1024*1024)
	if err != nil {
		log.Fatalf("Failed to create slice cache: %v", err)
	}

	source := newSimulatedSource(*seed, *latency, *failRate)
	studyID := uuid.NewString()

	engine, err := cine.New(cfg, func(ctx context.Context, index int) error {
		return source.loadSlice(ctx, cache, studyID, index)
	})
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	defer engine.Cleanup()

	subscribeLogging(engine)

	mode, err := parseLoopMode(*loopMode)
	if err != nil {
		log.Fatalf("Invalid loop mode: %v", err)
	}
	engine.SetLoopMode(mode)
	if *backward {
		engine.SetPlayDirection(cine.DirectionBackward)
	}

	ctx := context.Background()

	log.Printf("Initializing study %s with %d slices...", studyID, *slices)
	start := time.Now()
	if err := engine.InitializeForStudy(ctx, *slices, 0); err != nil {
		log.Fatalf("Failed to initialize study: %v", err)
	}
	log.Printf("Initial buffering settled in %v (progress %.0f%%)",
		time.Since(start).Round(time.Millisecond), engine.GetState().PreloadProgress)

	if err := engine.StartPlayback(ctx); err != nil {
		log.Fatalf("Failed to start playback: %v", err)
	}

	waitForShutdown(*duration)

	engine.StopPlayback()
	dumpMetrics(engine, cache)
}

// waitForShutdown blocks until interrupted or the run duration elapses.
func waitForShutdown(runFor time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if runFor > 0 {
		select {
		case <-sigChan:
		case <-time.After(runFor):
		}
	} else {
		<-sigChan
	}
	log.Printf("\nShutting down...")
}

// subscribeLogging prints state transitions and periodic metrics samples.
func subscribeLogging(engine *cine.Engine) {
	engine.AddEventListener(events.TypePlay, func(ev events.Event) {
		log.Printf("Playback started at %v fps", ev.Data["frame_rate"])
	})
	engine.AddEventListener(events.TypePause, func(ev events.Event) {
		log.Printf("Playback paused at slice %v", ev.Data["current_slice"])
	})
	engine.AddEventListener(events.TypeStop, func(ev events.Event) {
		log.Printf("Playback stopped")
	})
	engine.AddEventListener(events.TypePerformanceUpdate, func(ev events.Event) {
		log.Printf("Performance: %.1f fps, health %.2f, latency %.1fms, smoothness %.2f, dropped %v",
			ev.Data["actual_frame_rate"], ev.Data["buffer_health"],
			ev.Data["loading_latency_ms"], ev.Data["smoothness_score"],
			ev.Data["dropped_frames"])
	})
}

func dumpMetrics(engine *cine.Engine, cache *slicecache.DiskCache) {
	m := engine.GetMetrics()
	s := engine.LoaderStats()
	fmt.Printf("\nFinal metrics:\n")
	fmt.Printf("  Actual frame rate:  %.2f fps\n", m.ActualFrameRate)
	fmt.Printf("  Dropped frames:     %d\n", m.DroppedFrames)
	fmt.Printf("  Buffer health:      %.2f\n", m.BufferHealth)
	fmt.Printf("  Loading latency:    %.2f ms\n", m.LoadingLatencyMS)
	fmt.Printf("  Smoothness score:   %.2f\n", m.SmoothnessScore)
	fmt.Printf("  Loads:              %d completed, %d failed\n", s.Completed, s.Failed)
	fmt.Printf("  Cache:              %d slices, %d bytes\n", cache.Len(), cache.Size())
}

func parseLoopMode(s string) (cine.LoopMode, error) {
	switch s {
	case "none":
		return cine.LoopNone, nil
	case "loop":
		return cine.LoopWrap, nil
	case "bounce":
		return cine.LoopBounce, nil
	default:
		return cine.LoopNone, fmt.Errorf("unknown mode %q", s)
	}
}

func getDefaultConfigPath() string {
	// Check common locations
	locations := []string{
		"./cinescrub.yaml",
		"./config.yaml",
		filepath.Join(os.Getenv("HOME"), ".config", "cinescrub", "config.yaml"),
		"/etc/cinescrub/config.yaml",
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	// Default to first location if none exist
	return locations[0]
}

// simulatedSource stands in for the DICOM backend: it synthesizes pixel
// data per slice with seeded latency jitter and an injectable failure
// rate, so the engine can be exercised without real studies.
type simulatedSource struct {
	mu       sync.Mutex
	rng      *rand.Rand
	latency  time.Duration
	failRate float64
}

func newSimulatedSource(seed int64, latency time.Duration, failRate float64) *simulatedSource {
	return &simulatedSource{
		rng:      rand.New(rand.NewSource(seed)),
		latency:  latency,
		failRate: failRate,
	}
}

const (
	sliceWidth  = 256
	sliceHeight = 256
)

// loadSlice simulates fetching one slice, caching the synthesized pixel
// data so repeat loads after an engine cleanup hit the disk cache.
func (s *simulatedSource) loadSlice(ctx context.Context, cache *slicecache.DiskCache, study string, index int) error {
	s.mu.Lock()
	// Jitter: 50%-150% of the mean latency, occasionally a slow outlier.
	wait := time.Duration(float64(s.latency) * (0.5 + s.rng.Float64()))
	if s.rng.Float64() < 0.05 {
		wait *= 4
	}
	fail := s.rng.Float64() < s.failRate
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
	}

	if fail {
		return fmt.Errorf("simulated fetch failure for slice %d", index)
	}

	_, err := cache.EnsureFetched(study, index, func() (*slicecache.SliceFormat, io.ReadCloser, error) {
		format := &slicecache.SliceFormat{
			Width:         sliceWidth,
			Height:        sliceHeight,
			BitsAllocated: 8,
			FrameIndex:    uint32(index),
		}
		return format, io.NopCloser(bytes.NewReader(synthesizeSlice(index))), nil
	})
	return err
}

// synthesizeSlice produces a deterministic gradient frame so cached
// content is stable across runs.
func synthesizeSlice(index int) []byte {
	data := make([]byte, sliceWidth*sliceHeight)
	for y := 0; y < sliceHeight; y++ {
		for x := 0; x < sliceWidth; x++ {
			data[y*sliceWidth+x] = byte((x + y + index*7) % 256)
		}
	}
	return data
}
