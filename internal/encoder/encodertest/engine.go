// Package encodertest provides an in-memory encoder.Engine for tests.
//
// The engine understands the argument lists produced by encoder.Adapter.
// Its "codec" is a WAV passthrough: an encode run copies the WAV input to
// the output name, and a concat run decodes every part listed in the
// manifest and writes one WAV holding all of their samples. Durations are
// therefore preserved exactly and can be checked with audio.GetWAVDuration.
package encodertest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/skypro1111/chunk-recorder/internal/audio"
)

// ErrInjected is the default error returned by injected failures
var ErrInjected = errors.New("injected engine failure")

// Engine is an in-memory transcoding engine
type Engine struct {
	// Failure and latency injection. Set before use.
	InitErr   error
	InitDelay time.Duration
	RunDelay  time.Duration // honors the run context
	DeleteErr error

	// RunHook, when set, is called before every run; a non-nil result
	// fails that run.
	RunHook func(call int, args []string) error

	mu          sync.Mutex
	files       map[string][]byte
	initCalls   int
	runCalls    int
	concatCalls int
	closed      bool

	initializing     bool
	closedDuringInit bool
}

// New creates an empty engine
func New() *Engine {
	return &Engine{files: make(map[string][]byte)}
}

// Init simulates engine loading
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	e.initCalls++
	e.initializing = true
	delay, initErr := e.InitDelay, e.InitErr
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.initializing = false
		e.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return initErr
}

// WriteTemp stores a copy of data under name
func (e *Engine) WriteTemp(name string, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.files[name] = bytes.Clone(data)
	return nil
}

// ReadTemp returns a copy of the named file
func (e *Engine) ReadTemp(name string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	data, ok := e.files[name]
	if !ok {
		return nil, fmt.Errorf("temp file %q does not exist", name)
	}
	return bytes.Clone(data), nil
}

// DeleteTemp removes name. The file is removed even when DeleteErr is set.
func (e *Engine) DeleteTemp(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.files, name)
	return e.DeleteErr
}

// Run interprets an encode or concat argument list
func (e *Engine) Run(ctx context.Context, args []string) error {
	e.mu.Lock()
	e.runCalls++
	call := e.runCalls
	hook, delay := e.RunHook, e.RunDelay
	e.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if hook != nil {
		if err := hook(call, args); err != nil {
			return err
		}
	}

	if len(args) == 0 {
		return errors.New("no arguments")
	}
	output := args[len(args)-1]
	input := flagValue(args, "-i")
	if input == "" {
		return errors.New("missing -i argument")
	}

	if flagValue(args, "-f") == "concat" {
		return e.runConcat(input, output)
	}
	return e.runEncode(input, output)
}

func (e *Engine) runEncode(input, output string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, ok := e.files[input]
	if !ok {
		return fmt.Errorf("input %q does not exist", input)
	}
	if err := audio.ValidateWAV(data); err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	e.files[output] = bytes.Clone(data)
	return nil
}

func (e *Engine) runConcat(manifestName, output string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.concatCalls++

	manifest, ok := e.files[manifestName]
	if !ok {
		return fmt.Errorf("manifest %q does not exist", manifestName)
	}

	var (
		samples    []int16
		sampleRate int
		channels   int
	)

	scanner := bufio.NewScanner(bytes.NewReader(manifest))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		name, ok := strings.CutPrefix(line, "file ")
		if !ok {
			return fmt.Errorf("bad manifest line %q", line)
		}
		name = strings.Trim(name, "'")

		part, ok := e.files[name]
		if !ok {
			return fmt.Errorf("part %q does not exist", name)
		}
		partSamples, rate, ch, err := audio.DecodeWAV(part)
		if err != nil {
			return fmt.Errorf("decode part %q: %w", name, err)
		}
		if sampleRate == 0 {
			sampleRate, channels = rate, ch
		} else if rate != sampleRate || ch != channels {
			return fmt.Errorf("part %q format %d/%d differs from %d/%d", name, rate, ch, sampleRate, channels)
		}
		samples = append(samples, partSamples...)
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	joined, err := audio.EncodeWAV(samples, sampleRate, channels)
	if err != nil {
		return err
	}
	e.files[output] = joined
	return nil
}

func flagValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

// Close marks the engine closed
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.initializing {
		e.closedDuringInit = true
	}
	return nil
}

// Files returns the names of temp files currently held, sorted
func (e *Engine) Files() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.files))
	for name := range e.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InitCalls returns how many times Init ran
func (e *Engine) InitCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initCalls
}

// RunCalls returns how many runs were attempted
func (e *Engine) RunCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runCalls
}

// ConcatCalls returns how many concat runs executed
func (e *Engine) ConcatCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.concatCalls
}

// ClosedDuringInit reports whether Close ran while Init had not returned
func (e *Engine) ClosedDuringInit() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closedDuringInit
}

// Closed reports whether Close was called
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// SilenceWAV returns a WAV file of d seconds of silence, useful as a
// pre-encoded chunk payload.
func SilenceWAV(d time.Duration, sampleRate, channels int) []byte {
	n := audio.SamplesFor(d, sampleRate, channels)
	data, err := audio.EncodeWAV(make([]int16, n), sampleRate, channels)
	if err != nil {
		panic(err)
	}
	return data
}
