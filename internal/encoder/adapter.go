package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/skypro1111/chunk-recorder/internal/audio"
	"github.com/skypro1111/chunk-recorder/internal/metrics"
)

// Config contains encoder adapter configuration
type Config struct {
	Format        string        // output container extension, e.g. "mp3"
	Codec         string        // ffmpeg audio codec, e.g. "libmp3lame"
	Bitrate       string        // e.g. "64k"
	InitTimeout   time.Duration // bound on waiting for engine initialization
	EncodeTimeout time.Duration // bound on a single engine run
	MaxRetries    int           // retries of timed-out runs
	RetryInterval time.Duration // initial backoff between retries
}

// closeInitWait bounds how long Close waits for a cancelled Init
const closeInitWait = 5 * time.Second

// Stats represents adapter statistics
type Stats struct {
	Encodes        uint64 `json:"encodes"`
	EncodeFailures uint64 `json:"encode_failures"`
	Concatenations uint64 `json:"concatenations"`
	ConcatFailures uint64 `json:"concat_failures"`
	Retries        uint64 `json:"retries"`
	CleanupErrors  uint64 `json:"cleanup_errors"`
}

// Adapter converts sample batches into compressed chunks and joins chunks
// into a final file using an Engine.
type Adapter struct {
	engine  Engine
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	// Engine initialization runs once in the background; every caller
	// waits on initDone.
	initOnce    sync.Once
	initStarted atomic.Bool
	initDone    chan struct{}
	initErr     error
	initCtx     context.Context
	initCancel  context.CancelFunc

	// Serializes engine access between encode and concatenate
	runMu sync.Mutex

	seq atomic.Uint64

	mu    sync.Mutex
	stats Stats
}

// NewAdapter creates an adapter over engine. The engine is not touched
// until the first Encode or Concatenate call.
func NewAdapter(engine Engine, config Config, logger *slog.Logger, m *metrics.Metrics) *Adapter {
	if config.Format == "" {
		config.Format = "mp3"
	}
	if config.Codec == "" {
		config.Codec = "libmp3lame"
	}
	if config.Bitrate == "" {
		config.Bitrate = "64k"
	}
	if config.InitTimeout <= 0 {
		config.InitTimeout = 30 * time.Second
	}
	if config.EncodeTimeout <= 0 {
		config.EncodeTimeout = 60 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 500 * time.Millisecond
	}

	initCtx, initCancel := context.WithCancel(context.Background())

	return &Adapter{
		engine:     engine,
		config:     config,
		logger:     logger,
		metrics:    m,
		initDone:   make(chan struct{}),
		initCtx:    initCtx,
		initCancel: initCancel,
	}
}

// Format returns the output container extension
func (a *Adapter) Format() string {
	return a.config.Format
}

// MIMEType returns the content type of the adapter's output
func (a *Adapter) MIMEType() string {
	return MIMEType(a.config.Format)
}

// MIMEType maps a container extension to its content type
func MIMEType(format string) string {
	switch strings.ToLower(format) {
	case "mp3":
		return "audio/mpeg"
	case "ogg", "oga", "opus":
		return "audio/ogg"
	case "wav":
		return "audio/wav"
	case "m4a", "aac":
		return "audio/mp4"
	case "webm":
		return "audio/webm"
	case "flac":
		return "audio/flac"
	default:
		return "application/octet-stream"
	}
}

// ensureInit starts engine initialization on first use and waits for it,
// bounded by the init timeout and ctx.
func (a *Adapter) ensureInit(ctx context.Context) error {
	a.initOnce.Do(func() {
		a.initStarted.Store(true)
		go func() {
			defer close(a.initDone)
			start := time.Now()
			if err := a.engine.Init(a.initCtx); err != nil {
				a.initErr = fmt.Errorf("%w: %w", ErrEngineInit, err)
				a.logger.Error("Encoder engine initialization failed",
					slog.String("error", err.Error()))
				return
			}
			a.logger.Debug("Encoder engine initialized",
				slog.Duration("took", time.Since(start)))
		}()
	})

	timer := time.NewTimer(a.config.InitTimeout)
	defer timer.Stop()

	select {
	case <-a.initDone:
		return a.initErr
	case <-timer.C:
		return fmt.Errorf("%w: not ready after %s", ErrEngineInit, a.config.InitTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Encode converts interleaved float samples into one compressed chunk
func (a *Adapter) Encode(ctx context.Context, samples []float32, sampleRate, channels int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}

	start := time.Now()
	data, err := a.encode(ctx, samples, sampleRate, channels)
	if err != nil {
		a.mu.Lock()
		a.stats.EncodeFailures++
		a.mu.Unlock()
		a.metrics.RecordEncoderFailure("encode")
		return nil, err
	}

	a.mu.Lock()
	a.stats.Encodes++
	a.mu.Unlock()
	a.metrics.RecordEncode(time.Since(start).Seconds())

	return data, nil
}

func (a *Adapter) encode(ctx context.Context, samples []float32, sampleRate, channels int) ([]byte, error) {
	if err := a.ensureInit(ctx); err != nil {
		return nil, err
	}

	wav, err := audio.EncodeFloatWAV(samples, sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("prepare encoder input: %w", err)
	}

	a.runMu.Lock()
	defer a.runMu.Unlock()

	id := a.seq.Add(1)
	input := fmt.Sprintf("chunk-%06d-in.wav", id)
	output := fmt.Sprintf("chunk-%06d-out.%s", id, a.config.Format)
	defer a.cleanup(input, output)

	if err := a.engine.WriteTemp(input, wav); err != nil {
		return nil, fmt.Errorf("write encoder input: %w", err)
	}

	args := []string{
		"-y",
		"-i", input,
		"-ac", strconv.Itoa(channels),
		"-ar", strconv.Itoa(sampleRate),
		"-c:a", a.config.Codec,
		"-b:a", a.config.Bitrate,
		output,
	}
	if err := a.run(ctx, "encode", args); err != nil {
		return nil, fmt.Errorf("encode chunk: %w", err)
	}

	data, err := a.engine.ReadTemp(output)
	if err != nil {
		return nil, fmt.Errorf("read encoded chunk: %w", err)
	}

	return data, nil
}

// Concatenate joins ordered chunks into one re-encoded file. A single chunk
// is returned as a copy without touching the engine.
func (a *Adapter) Concatenate(ctx context.Context, chunks [][]byte) ([]byte, error) {
	switch len(chunks) {
	case 0:
		return nil, ErrNoChunks
	case 1:
		return bytes.Clone(chunks[0]), nil
	}

	start := time.Now()
	data, err := a.concatenate(ctx, chunks)
	if err != nil {
		a.mu.Lock()
		a.stats.ConcatFailures++
		a.mu.Unlock()
		a.metrics.RecordEncoderFailure("concatenate")
		return nil, err
	}

	a.mu.Lock()
	a.stats.Concatenations++
	a.mu.Unlock()
	a.metrics.RecordConcatenate(time.Since(start).Seconds())

	a.logger.Debug("Chunks concatenated",
		slog.Int("chunks", len(chunks)),
		slog.Int("size", len(data)),
		slog.Duration("took", time.Since(start)))

	return data, nil
}

func (a *Adapter) concatenate(ctx context.Context, chunks [][]byte) ([]byte, error) {
	if err := a.ensureInit(ctx); err != nil {
		return nil, err
	}

	a.runMu.Lock()
	defer a.runMu.Unlock()

	id := a.seq.Add(1)
	manifestName := fmt.Sprintf("concat-%06d.txt", id)
	output := fmt.Sprintf("concat-%06d-out.%s", id, a.config.Format)

	created := make([]string, 0, len(chunks)+2)
	defer func() { a.cleanup(created...) }()

	var manifest strings.Builder
	for i, chunk := range chunks {
		name := fmt.Sprintf("concat-%06d-part-%04d.%s", id, i, a.config.Format)
		created = append(created, name)
		if err := a.engine.WriteTemp(name, chunk); err != nil {
			return nil, fmt.Errorf("write chunk %d: %w", i, err)
		}
		fmt.Fprintf(&manifest, "file '%s'\n", name)
	}

	created = append(created, manifestName, output)
	if err := a.engine.WriteTemp(manifestName, []byte(manifest.String())); err != nil {
		return nil, fmt.Errorf("write concat manifest: %w", err)
	}

	// Re-encode rather than stream-copy so the output gets one valid header
	args := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", manifestName,
		"-c:a", a.config.Codec,
		"-b:a", a.config.Bitrate,
		output,
	}
	if err := a.run(ctx, "concatenate", args); err != nil {
		return nil, fmt.Errorf("concatenate chunks: %w", err)
	}

	data, err := a.engine.ReadTemp(output)
	if err != nil {
		return nil, fmt.Errorf("read concatenated output: %w", err)
	}

	return data, nil
}

// run executes one engine command. Runs that exceed the encode timeout are
// retried with exponential backoff; any other failure is returned as is.
func (a *Adapter) run(ctx context.Context, op string, args []string) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = a.config.RetryInterval
	policy.MaxInterval = 10 * a.config.RetryInterval
	policy.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		if attempt > 0 {
			a.mu.Lock()
			a.stats.Retries++
			a.mu.Unlock()
			a.metrics.RecordEncoderRetry()
		}
		attempt++

		runCtx, cancel := context.WithTimeout(ctx, a.config.EncodeTimeout)
		defer cancel()

		err := a.engine.Run(runCtx, args)
		if err == nil {
			return nil
		}

		if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			a.logger.Warn("Encoder run timed out",
				slog.String("operation", op),
				slog.Int("attempt", attempt),
				slog.Duration("timeout", a.config.EncodeTimeout))
			return fmt.Errorf("%s timed out after %s: %w", op, a.config.EncodeTimeout, err)
		}

		return backoff.Permanent(err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(a.config.MaxRetries)), ctx)
	return backoff.Retry(operation, b)
}

// cleanup deletes each temp name independently. Failures are logged only.
func (a *Adapter) cleanup(names ...string) {
	for _, name := range names {
		if err := a.engine.DeleteTemp(name); err != nil {
			a.mu.Lock()
			a.stats.CleanupErrors++
			a.mu.Unlock()
			a.logger.Warn("Failed to delete encoder temp file",
				slog.String("name", name),
				slog.String("error", err.Error()))
		}
	}
}

// GetStats returns current adapter statistics
func (a *Adapter) GetStats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Close stops a pending initialization and releases the engine. A running
// Init is given closeInitWait to return before the engine is closed.
func (a *Adapter) Close() error {
	a.initCancel()

	if a.initStarted.Load() {
		timer := time.NewTimer(closeInitWait)
		select {
		case <-a.initDone:
		case <-timer.C:
			a.logger.Warn("Encoder engine still initializing at close",
				slog.Duration("waited", closeInitWait))
		}
		timer.Stop()
	}

	return a.engine.Close()
}
