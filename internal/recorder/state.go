package recorder

import (
	"errors"
	"fmt"
	"time"

	"github.com/skypro1111/chunk-recorder/internal/capture"
	"github.com/skypro1111/chunk-recorder/internal/encoder"
	"github.com/skypro1111/chunk-recorder/internal/store"
)

var (
	// ErrAlreadyActive is returned by Start when the orchestrator is not idle
	ErrAlreadyActive = errors.New("recording already in progress")

	// ErrNotRecording is returned by Stop when nothing is recording
	ErrNotRecording = errors.New("no recording in progress")

	// ErrNoAudio is returned when a recording ends without any stored chunk
	ErrNoAudio = errors.New("no audio was recorded")
)

// State is the orchestrator lifecycle state
type State int

const (
	Idle State = iota
	Starting
	Recording
	Stopping
	Aborting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Recording:
		return "recording"
	case Stopping:
		return "stopping"
	case Aborting:
		return "aborting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a snapshot of the orchestrator's observable state
type Status struct {
	State         string `json:"state"`
	IsRecording   bool   `json:"is_recording"`
	IsProcessing  bool   `json:"is_processing"`
	RecordingTime string `json:"recording_time"`
	SessionID     string `json:"session_id,omitempty"`
	Chunks        int64  `json:"chunks"`
	Error         string `json:"error,omitempty"`
	AudioURL      string `json:"audio_url,omitempty"`
	AudioSize     int    `json:"audio_size,omitempty"`
}

// FormatElapsed renders d as zero-padded MM:SS, truncated to whole seconds
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d / time.Minute)
	seconds := int(d % time.Minute / time.Second)
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// UserMessage maps an error to the message shown to the person recording
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, capture.ErrNoMicrophone):
		return "No microphone was found. Connect a microphone and try again."
	case errors.Is(err, capture.ErrPermissionDenied):
		return "Microphone access was denied. Allow access to the microphone and try again."
	case errors.Is(err, capture.ErrDeviceBusy):
		return "The microphone is being used by another application."
	case errors.Is(err, capture.ErrStreamClosed):
		return "The microphone was disconnected. The audio captured so far can be recovered."
	case errors.Is(err, ErrAlreadyActive):
		return "A recording is already in progress."
	case errors.Is(err, ErrNotRecording):
		return "There is no recording in progress."
	case errors.Is(err, ErrNoAudio):
		return "No audio was recorded."
	case errors.Is(err, store.ErrSessionNotFound):
		return "The recording session no longer exists."
	case errors.Is(err, encoder.ErrEngineInit):
		return "The audio encoder could not be started."
	default:
		return "Something went wrong while recording. Please try again."
	}
}
