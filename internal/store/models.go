package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned when a session id does not exist
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionLeased is returned when another store handle holds a fresh
// lease on the session
var ErrSessionLeased = errors.New("session is leased by another recorder")

// Session represents one recording attempt and its chunk accounting.
// ChunkCount, TotalSize, TotalSamples and ChunkIDs are updated together
// with every chunk insert.
type Session struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"created_at"`
	SampleRate   int       `json:"sample_rate"`
	NumChannels  int       `json:"num_channels"`
	ChunkCount   int       `json:"chunk_count"`
	TotalSize    int64     `json:"total_size"`
	TotalSamples int64     `json:"total_samples"`
	ChunkIDs     []string  `json:"chunk_ids"`

	// Lease holder and its last renewal; empty and zero when unleased
	Owner       string    `json:"owner,omitempty"`
	HeartbeatAt time.Time `json:"-"`
}

// Duration returns the playback duration of all stored chunks
func (s *Session) Duration() time.Duration {
	if s.SampleRate <= 0 || s.NumChannels <= 0 {
		return 0
	}
	frames := s.TotalSamples / int64(s.NumChannels)
	return time.Duration(frames) * time.Second / time.Duration(s.SampleRate)
}

// Chunk is one flushed unit of encoded audio. Chunks are never mutated.
type Chunk struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	Size      int       `json:"size"`
	Samples   int       `json:"samples"`
	Payload   []byte    `json:"-"`
}

// newID returns a time-ordered random identifier
func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
