package cine

// Direction represents the cine playback direction
type Direction int

const (
	DirectionForward Direction = iota
	DirectionBackward
)

func (d Direction) String() string {
	switch d {
	case DirectionForward:
		return "forward"
	case DirectionBackward:
		return "backward"
	default:
		return "unknown"
	}
}

// LoopMode defines the behavior when playback reaches either end of the series
type LoopMode int

const (
	// LoopNone stops advancing at the end of the series
	LoopNone LoopMode = iota
	// LoopWrap wraps around to the opposite end
	LoopWrap
	// LoopBounce reverses direction at each end
	LoopBounce
)

func (m LoopMode) String() string {
	switch m {
	case LoopNone:
		return "none"
	case LoopWrap:
		return "loop"
	case LoopBounce:
		return "bounce"
	default:
		return "unknown"
	}
}

// State is a snapshot of the engine's playback state
type State struct {
	IsPlaying       bool
	CurrentSlice    int
	TotalSlices     int
	FrameRate       int
	PlayDirection   Direction
	LoopMode        LoopMode
	Speed           float64
	BufferedSlices  []int
	PreloadProgress float64
}

// Metrics is a snapshot of rolling playback performance measurements
type Metrics struct {
	ActualFrameRate  float64
	DroppedFrames    int
	BufferHealth     float64
	LoadingLatencyMS float64
	SmoothnessScore  float64
}

// BufferStatus partitions the preload window around the current slice
// into slices that are ready to display and slices still missing
type BufferStatus struct {
	Buffered []int
	Missing  []int
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampFloat(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
