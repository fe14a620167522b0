package cine

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openrad/cinescrub/internal/config"
	"github.com/openrad/cinescrub/internal/events"
	"github.com/openrad/cinescrub/internal/loader"
)

// Engine coordinates cine playback across a multi-slice series: it owns
// the playback state machine, keeps a bounded prefetch buffer populated
// ahead of the playback cursor, and reports smoothness/health metrics.
//
// All state is owned exclusively by the engine instance and accessed
// through its methods. Engine methods are safe for concurrent use, but
// overlapping InitializeForStudy calls are caller misuse: serialize
// initialization.
type Engine struct {
	mu     sync.Mutex
	loader *loader.Loader
	bus    *events.Bus

	// Buffering configuration
	baseBufferSize     int
	bufferSize         int
	preloadRadius      int
	maxConcurrentLoads int
	adaptive           bool
	smoothing          bool

	// Study/session identity
	sessionID string

	// Playback state
	initialized  bool
	isPlaying    bool
	currentSlice int
	totalSlices  int
	frameRate    int
	direction    Direction
	loopMode     LoopMode
	speed        float64
	buffered     map[int]struct{}

	// Buffer fill tracking
	targetReached bool // initial buffer target has been reached once
	initialFill   bool // startBuffering is mid-flight

	// Rolling frame metrics
	frameTimes    []time.Time
	frameCount    uint64
	droppedFrames int

	// Play loop lifecycle
	playCancel context.CancelFunc

	closed bool
}

// New creates an engine around the injected slice load capability.
// The host owns at most one engine per viewer session.
func New(cfg *config.Config, load loader.LoadFunc) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	cfg.Validate()

	timeout := time.Duration(cfg.Loader.TimeoutSeconds) * time.Second
	l, err := loader.New(load, cfg.Buffer.MaxConcurrentLoads, timeout)
	if err != nil {
		return nil, err
	}

	return &Engine{
		loader:             l,
		bus:                events.NewBus(),
		baseBufferSize:     cfg.Buffer.Size,
		bufferSize:         cfg.Buffer.Size,
		preloadRadius:      cfg.Buffer.PreloadRadius,
		maxConcurrentLoads: cfg.Buffer.MaxConcurrentLoads,
		adaptive:           cfg.Buffer.Adaptive,
		smoothing:          cfg.Buffer.Smoothing,
		frameRate:          cfg.Playback.DefaultFrameRate,
		speed:              cfg.Playback.Speed,
		direction:          DirectionForward,
		loopMode:           LoopNone,
		buffered:           make(map[int]struct{}),
	}, nil
}

// InitializeForStudy resets the engine for a new series and performs the
// initial best-effort buffer fill centered on startSlice. The call does
// not return until every planned initial load has settled; individual
// load failures degrade buffer health instead of failing the call.
//
// A non-positive totalSlices is kept as a degenerate empty series with
// currentSlice 0 rather than rejected.
func (e *Engine) InitializeForStudy(ctx context.Context, totalSlices, startSlice int) error {
	e.mu.Lock()

	e.stopPlayLoopLocked()

	e.initialized = true
	e.totalSlices = totalSlices
	e.isPlaying = false
	e.buffered = make(map[int]struct{})
	e.frameTimes = nil
	e.frameCount = 0
	e.droppedFrames = 0
	e.targetReached = false
	e.sessionID = uuid.NewString()

	if totalSlices > 0 {
		e.currentSlice = clampInt(startSlice, 0, totalSlices-1)
	} else {
		e.currentSlice = 0
	}

	center := e.currentSlice
	fill := totalSlices > 0
	e.initialFill = fill
	e.mu.Unlock()

	if fill {
		e.startBuffering(ctx, center)

		e.mu.Lock()
		e.initialFill = false
		e.targetReached = true
		e.mu.Unlock()

		e.emitBufferUpdate()
	}

	return ctx.Err()
}

// IsSliceBuffered reports whether a slice is ready for immediate display.
func (e *Engine) IsSliceBuffered(index int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.buffered[index]
	return ok
}

// GetBufferStatus partitions the preload window around the current slice
// by buffer membership.
func (e *Engine) GetBufferStatus() BufferStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bufferStatusLocked()
}

func (e *Engine) bufferStatusLocked() BufferStatus {
	status := BufferStatus{}
	if e.totalSlices <= 0 {
		return status
	}

	lo := clampInt(e.currentSlice-e.preloadRadius, 0, e.totalSlices-1)
	hi := clampInt(e.currentSlice+e.preloadRadius, 0, e.totalSlices-1)

	for i := lo; i <= hi; i++ {
		if _, ok := e.buffered[i]; ok {
			status.Buffered = append(status.Buffered, i)
		} else {
			status.Missing = append(status.Missing, i)
		}
	}
	return status
}

// GetState returns a snapshot of the playback state.
func (e *Engine) GetState() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	slices := make([]int, 0, len(e.buffered))
	for i := range e.buffered {
		slices = append(slices, i)
	}
	sort.Ints(slices)

	return State{
		IsPlaying:       e.isPlaying,
		CurrentSlice:    e.currentSlice,
		TotalSlices:     e.totalSlices,
		FrameRate:       e.frameRate,
		PlayDirection:   e.direction,
		LoopMode:        e.loopMode,
		Speed:           e.speed,
		BufferedSlices:  slices,
		PreloadProgress: e.bufferHealthLocked() * 100,
	}
}

// AddEventListener subscribes to one event kind and returns a handle
// for removal.
func (e *Engine) AddEventListener(t events.Type, fn events.Listener) events.ListenerID {
	return e.bus.Subscribe(t, fn)
}

// RemoveEventListener unsubscribes a previously registered listener.
func (e *Engine) RemoveEventListener(t events.Type, id events.ListenerID) {
	e.bus.Unsubscribe(t, id)
}

// LoaderStats exposes the underlying loader counters for diagnostics.
func (e *Engine) LoaderStats() loader.Stats {
	return e.loader.Stats()
}

// Cleanup stops playback, clears the buffer, and drops all listeners.
// Unlike StopPlayback, Cleanup does invalidate the buffered set.
func (e *Engine) Cleanup() {
	e.mu.Lock()
	e.stopPlayLoopLocked()
	e.isPlaying = false
	e.buffered = make(map[int]struct{})
	e.frameTimes = nil
	e.closed = true
	e.mu.Unlock()

	e.bus.Close()
	e.loader.Close()
	log.Printf("Cine engine cleaned up (session %s)", e.sessionID)
}

// emit publishes an event stamped with the current session.
func (e *Engine) emit(t events.Type, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	e.mu.Lock()
	data["session_id"] = e.sessionID
	e.mu.Unlock()

	e.bus.Emit(events.Event{
		Type:      t,
		Timestamp: time.Now(),
		Data:      data,
	})
}

func (e *Engine) emitBufferUpdate() {
	e.mu.Lock()
	health := e.bufferHealthLocked()
	count := len(e.buffered)
	e.mu.Unlock()

	e.emit(events.TypeBufferUpdate, map[string]any{
		"buffer_health":    health,
		"buffered_count":   count,
		"preload_progress": health * 100,
	})
}
