// Package capturetest provides a scriptable capture.Source for tests.
package capturetest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/skypro1111/chunk-recorder/internal/capture"
)

// Source hands out Streams driven by the test
type Source struct {
	ProbeErr error
	OpenErr  error
	CloseErr error // returned by every stream's Close

	// QueueSize is the frame channel capacity of opened streams
	QueueSize int

	mu      sync.Mutex
	streams []*Stream
	probes  int
}

// NewSource creates a source with an unbuffered-enough default queue
func NewSource() *Source {
	return &Source{QueueSize: 1024}
}

// Probe returns ProbeErr
func (s *Source) Probe(ctx context.Context) error {
	s.mu.Lock()
	s.probes++
	s.mu.Unlock()
	return s.ProbeErr
}

// Open returns OpenErr or a new Stream in the requested format
func (s *Source) Open(ctx context.Context, format capture.Format) (capture.Stream, error) {
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	stream := &Stream{
		format:   format,
		frames:   make(chan []float32, s.QueueSize),
		closeErr: s.CloseErr,
	}

	s.mu.Lock()
	s.streams = append(s.streams, stream)
	s.mu.Unlock()
	return stream, nil
}

// Last returns the most recently opened stream, or nil
func (s *Source) Last() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.streams) == 0 {
		return nil
	}
	return s.streams[len(s.streams)-1]
}

// Opened returns how many streams were opened
func (s *Source) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// Probes returns how many times Probe was called
func (s *Source) Probes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probes
}

// Stream is a capture.Stream fed by Push
type Stream struct {
	format   capture.Format
	closeErr error

	mu     sync.Mutex
	frames chan []float32
	ended  bool
	closes int

	dropped atomic.Uint64
}

// Push delivers a frame, dropping it when the queue is full. It reports
// whether the frame was queued.
func (s *Stream) Push(frame []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	select {
	case s.frames <- frame:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// PushSilence delivers n frames of frameLen zero samples
func (s *Stream) PushSilence(n, frameLen int) {
	for i := 0; i < n; i++ {
		s.Push(make([]float32, frameLen))
	}
}

// Disconnect ends the stream as if the device went away
func (s *Stream) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.end()
}

func (s *Stream) end() {
	if !s.ended {
		s.ended = true
		close(s.frames)
	}
}

func (s *Stream) Frames() <-chan []float32 {
	return s.frames
}

func (s *Stream) Format() capture.Format {
	return s.format
}

func (s *Stream) Dropped() uint64 {
	return s.dropped.Load()
}

// Close ends the stream and counts the call
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.end()
	return s.closeErr
}

// Closes returns how many times Close was called
func (s *Stream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}
