package capture

import (
	"context"
	"errors"
)

var (
	// ErrNoMicrophone is returned when no capture device is present
	ErrNoMicrophone = errors.New("no microphone found")

	// ErrPermissionDenied is returned when the OS refuses microphone access
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrDeviceBusy is returned when the device is held by another process
	ErrDeviceBusy = errors.New("microphone is busy")

	// ErrStreamClosed is returned when a stream ended without being closed by its owner
	ErrStreamClosed = errors.New("capture stream closed")
)

// Format describes the PCM layout delivered by a stream
type Format struct {
	SampleRate int `json:"sample_rate" yaml:"sample_rate"`
	Channels   int `json:"channels" yaml:"channels"`
}

// Source opens capture streams
type Source interface {
	// Probe checks that a capture device is available without opening it
	Probe(ctx context.Context) error

	// Open acquires the default capture device. The returned stream
	// reports the format the device actually delivers.
	Open(ctx context.Context, format Format) (Stream, error)
}

// Stream delivers captured frames until closed
type Stream interface {
	// Frames returns the frame channel. It is closed when the device
	// stops, including after Close.
	Frames() <-chan []float32

	Format() Format

	// Dropped returns how many frames were discarded because the
	// consumer fell behind.
	Dropped() uint64

	// Close releases the device. It is safe to call more than once.
	Close() error
}
