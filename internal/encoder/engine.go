package encoder

import (
	"context"
	"errors"
)

var (
	// ErrNoChunks is returned when Concatenate receives an empty list
	ErrNoChunks = errors.New("no chunks to concatenate")

	// ErrNoSamples is returned when Encode receives an empty sample slice
	ErrNoSamples = errors.New("no samples to encode")

	// ErrEngineInit is returned when the engine failed or timed out initializing
	ErrEngineInit = errors.New("encoder engine initialization failed")
)

// Engine is the transcoding engine consumed by the Adapter. It operates on
// named temporary files inside its own scratch space and runs ffmpeg-style
// argument lists against them.
//
// Init is called at most once per engine. Implementations do not need to
// be safe for concurrent Run calls; the Adapter never issues them.
type Engine interface {
	Init(ctx context.Context) error
	WriteTemp(name string, data []byte) error
	Run(ctx context.Context, args []string) error
	ReadTemp(name string) ([]byte, error)
	DeleteTemp(name string) error
	Close() error
}
