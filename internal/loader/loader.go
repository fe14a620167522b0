package loader

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultTimeout bounds a single load so a stuck capability cannot
// hold a concurrency slot indefinitely.
const DefaultTimeout = 30 * time.Second

// latencyAlpha is the smoothing factor for the latency moving average.
const latencyAlpha = 0.1

var (
	ErrNilLoadFunc = errors.New("loader: nil load function")
	ErrClosed      = errors.New("loader: closed")
)

// LoadFunc fetches and decodes one slice. The content is opaque to the
// engine; only latency and success/failure are observed here.
type LoadFunc func(ctx context.Context, index int) error

// Stats is a snapshot of loader activity.
type Stats struct {
	Completed uint64
	Failed    uint64
	InFlight  int
	LatencyMS float64
}

// Loader wraps the host-provided load capability with a bounded
// concurrency gate and rolling latency tracking. The gate is a counting
// semaphore; order among waiters is not guaranteed.
type Loader struct {
	fn      LoadFunc
	gate    *semaphore.Weighted
	timeout time.Duration

	mu        sync.Mutex
	latencyMS float64
	hasSample bool
	inFlight  int
	completed uint64
	failed    uint64
	closed    bool
}

// New creates a loader that allows at most maxConcurrent simultaneous
// in-flight loads. maxConcurrent values below 1 are treated as 1.
func New(fn LoadFunc, maxConcurrent int, timeout time.Duration) (*Loader, error) {
	if fn == nil {
		return nil, ErrNilLoadFunc
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Loader{
		fn:      fn,
		gate:    semaphore.NewWeighted(int64(maxConcurrent)),
		timeout: timeout,
	}, nil
}

// Load acquires a concurrency slot, invokes the capability for the given
// slice index, and records observed latency on success. Failures are
// propagated unchanged to the caller.
func (l *Loader) Load(ctx context.Context, index int) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.mu.Unlock()

	if err := l.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.gate.Release(1)

	l.mu.Lock()
	l.inFlight++
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.inFlight--
		l.mu.Unlock()
	}()

	// Apply the default timeout only when the caller did not set one.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := l.fn(ctx, index); err != nil {
		l.mu.Lock()
		l.failed++
		l.mu.Unlock()
		return err
	}

	elapsed := float64(time.Since(start).Microseconds()) / 1000.0

	l.mu.Lock()
	if !l.hasSample {
		l.latencyMS = elapsed
		l.hasSample = true
	} else {
		l.latencyMS = l.latencyMS*(1-latencyAlpha) + elapsed*latencyAlpha
	}
	l.completed++
	l.mu.Unlock()

	return nil
}

// Latency returns the exponential moving average load latency in
// milliseconds. Zero until the first successful load.
func (l *Loader) Latency() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latencyMS
}

// InFlight returns the number of loads currently holding a slot.
func (l *Loader) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

// Stats returns a snapshot of loader counters.
func (l *Loader) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Completed: l.completed,
		Failed:    l.failed,
		InFlight:  l.inFlight,
		LatencyMS: l.latencyMS,
	}
}

// Close rejects future loads. In-flight loads are allowed to settle.
func (l *Loader) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}
