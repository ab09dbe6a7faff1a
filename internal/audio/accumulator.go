package audio

import (
	"time"
)

// Accumulator collects capture frames between flushes.
// Frames are kept by reference; the only copy happens in Flatten.
// An Accumulator is owned by a single consumer goroutine and is not safe
// for concurrent use.
type Accumulator struct {
	sampleRate int
	channels   int

	frames  [][]float32 // pending frames in arrival order
	samples int         // total interleaved samples across frames

	// Lifetime statistics
	totalFrames  uint64
	totalSamples uint64
	flattens     uint64
}

// AccumulatorStats represents accumulator statistics for monitoring
type AccumulatorStats struct {
	PendingFrames  int           `json:"pending_frames"`
	PendingSamples int           `json:"pending_samples"`
	PendingTime    time.Duration `json:"pending_duration"`
	TotalFrames    uint64        `json:"total_frames"`
	TotalSamples   uint64        `json:"total_samples"`
	Flattens       uint64        `json:"flattens"`
}

// NewAccumulator creates an empty accumulator for the given PCM format
func NewAccumulator(sampleRate, channels int) *Accumulator {
	if channels < 1 {
		channels = 1
	}
	return &Accumulator{
		sampleRate: sampleRate,
		channels:   channels,
		frames:     make([][]float32, 0, 64),
	}
}

// Push appends a frame. The accumulator takes ownership of the slice;
// callers must not modify it afterwards.
func (a *Accumulator) Push(frame []float32) {
	if len(frame) == 0 {
		return
	}
	a.frames = append(a.frames, frame)
	a.samples += len(frame)
	a.totalFrames++
	a.totalSamples += uint64(len(frame))
}

// Flatten copies every pending frame, in arrival order, into one newly
// allocated slice and empties the accumulator. It returns nil when nothing
// is pending.
func (a *Accumulator) Flatten() []float32 {
	if a.samples == 0 {
		return nil
	}

	out := make([]float32, a.samples)
	offset := 0
	for _, frame := range a.frames {
		offset += copy(out[offset:], frame)
	}

	a.Reset()
	a.flattens++
	return out
}

// Reset drops all pending frames without returning them
func (a *Accumulator) Reset() {
	// Release frame references so the backing array does not pin old audio
	clear(a.frames)
	a.frames = a.frames[:0]
	a.samples = 0
}

// Len returns the number of pending interleaved samples
func (a *Accumulator) Len() int {
	return a.samples
}

// Duration returns the playback duration of the pending samples
func (a *Accumulator) Duration() time.Duration {
	return SamplesDuration(a.samples, a.sampleRate, a.channels)
}

// IsEmpty reports whether no samples are pending
func (a *Accumulator) IsEmpty() bool {
	return a.samples == 0
}

// GetStats returns current accumulator statistics
func (a *Accumulator) GetStats() AccumulatorStats {
	return AccumulatorStats{
		PendingFrames:  len(a.frames),
		PendingSamples: a.samples,
		PendingTime:    a.Duration(),
		TotalFrames:    a.totalFrames,
		TotalSamples:   a.totalSamples,
		Flattens:       a.flattens,
	}
}

// SamplesDuration converts an interleaved sample count to playback time
func SamplesDuration(samples, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	frames := samples / channels
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}

// SamplesFor returns the interleaved sample count covering d
func SamplesFor(d time.Duration, sampleRate, channels int) int {
	if d <= 0 {
		return 0
	}
	frames := int(d * time.Duration(sampleRate) / time.Second)
	return frames * channels
}
