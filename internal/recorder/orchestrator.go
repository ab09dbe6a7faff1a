package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/chunk-recorder/internal/audio"
	"github.com/skypro1111/chunk-recorder/internal/capture"
	"github.com/skypro1111/chunk-recorder/internal/metrics"
	"github.com/skypro1111/chunk-recorder/internal/store"
)

// Config contains orchestrator configuration
type Config struct {
	SampleRate        int
	Channels          int
	FlushInterval     time.Duration
	MaxPendingFlushes int           // batches queued between accumulator and flusher
	MaxCarry          time.Duration // cap on audio carried over from failed flushes
	OutputDir         string        // where final files are written, empty to skip
	NameLayout        string        // time layout for session names

	OnRecordingStarted func(sessionID string, format capture.Format)
	OnRecordingStopped func(result *Result)
	OnError            func(message string)
}

// Orchestrator runs one recording at a time
type Orchestrator struct {
	config     Config
	source     capture.Source
	store      SessionStore
	newEncoder func() Encoder
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu         sync.Mutex
	state      State
	rec        *recording
	lastErr    error
	lastResult *Result
}

// recording holds everything owned by one active recording
type recording struct {
	session   *store.Session
	stream    capture.Stream
	format    capture.Format
	encoder   Encoder
	startedAt time.Time
	stoppedAt time.Time // set under Orchestrator.mu when Recording ends

	releaseLease func()

	ctx    context.Context
	cancel context.CancelFunc

	batches      chan []float32
	stopCh       chan struct{}
	abortCh      chan struct{}
	consumerDone chan struct{}
	flusherDone  chan struct{}

	stopOnce    sync.Once
	abortOnce   sync.Once
	releaseOnce sync.Once

	aborted    atomic.Bool
	streamLost atomic.Bool
	chunks     atomic.Int64

	// Owned by the flusher goroutine
	carry []float32
}

// NewOrchestrator creates an idle orchestrator. newEncoder is called once
// per recording; the encoder is closed when that recording ends.
func NewOrchestrator(config Config, source capture.Source, st SessionStore, newEncoder func() Encoder, logger *slog.Logger, m *metrics.Metrics) *Orchestrator {
	if config.Channels < 1 {
		config.Channels = 1
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.MaxPendingFlushes < 1 {
		config.MaxPendingFlushes = 4
	}
	if config.MaxCarry < config.FlushInterval {
		config.MaxCarry = 12 * config.FlushInterval
	}
	if config.NameLayout == "" {
		config.NameLayout = "Recording 2006-01-02 15-04-05"
	}

	return &Orchestrator{
		config:     config,
		source:     source,
		store:      st,
		newEncoder: newEncoder,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
	}
}

// SetClock replaces the time source used for names and elapsed time
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = now
}

// State returns the current lifecycle state
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Status returns a snapshot of the observable state
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	status := Status{
		State:         o.state.String(),
		IsRecording:   o.state == Recording,
		IsProcessing:  o.state == Starting || o.state == Stopping || o.state == Aborting,
		RecordingTime: FormatElapsed(0),
		Error:         UserMessage(o.lastErr),
	}

	if o.rec != nil {
		status.SessionID = o.rec.session.ID
		status.Chunks = o.rec.chunks.Load()
		status.RecordingTime = FormatElapsed(o.rec.elapsed(o.now()))
	}

	if o.lastResult != nil {
		status.AudioURL = o.lastResult.URL
		status.AudioSize = o.lastResult.Size
	}

	return status
}

// LastResult returns the most recent finalized recording, or nil
func (o *Orchestrator) LastResult() *Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastResult
}

// LastError returns the error that ended the most recent operation, or nil
func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// Start probes for a microphone, opens it, creates a session and begins
// flushing. On failure nothing stays acquired and the state returns to Idle.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != Idle {
		o.mu.Unlock()
		return ErrAlreadyActive
	}
	o.state = Starting
	o.lastErr = nil
	o.mu.Unlock()

	rec, err := o.begin(ctx)
	if err != nil {
		o.mu.Lock()
		o.state = Idle
		o.lastErr = err
		o.mu.Unlock()

		o.logger.Error("Failed to start recording", slog.String("error", err.Error()))
		o.reportError(err)
		return err
	}

	o.mu.Lock()
	o.rec = rec
	o.state = Recording
	o.mu.Unlock()

	go o.consume(rec)
	go o.flushLoop(rec)

	o.metrics.RecordRecordingStarted()
	o.logger.Info("Recording started",
		slog.String("session_id", rec.session.ID),
		slog.String("name", rec.session.Name),
		slog.Int("sample_rate", rec.format.SampleRate),
		slog.Int("channels", rec.format.Channels),
		slog.Duration("flush_interval", o.config.FlushInterval))

	if o.config.OnRecordingStarted != nil {
		o.config.OnRecordingStarted(rec.session.ID, rec.format)
	}

	return nil
}

func (o *Orchestrator) begin(ctx context.Context) (*recording, error) {
	if err := o.source.Probe(ctx); err != nil {
		return nil, fmt.Errorf("check microphone: %w", err)
	}

	stream, err := o.source.Open(ctx, capture.Format{
		SampleRate: o.config.SampleRate,
		Channels:   o.config.Channels,
	})
	if err != nil {
		return nil, fmt.Errorf("open microphone: %w", err)
	}

	format := stream.Format()
	startedAt := o.now()
	name := startedAt.Format(o.config.NameLayout)

	sess, err := o.store.CreateSession(ctx, name, format.SampleRate, format.Channels)
	if err != nil {
		if cerr := stream.Close(); cerr != nil {
			o.logger.Warn("Failed to release microphone", slog.String("error", cerr.Error()))
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	releaseLease, err := HoldLease(ctx, o.store, sess.ID, o.logger)
	if err != nil {
		if cerr := stream.Close(); cerr != nil {
			o.logger.Warn("Failed to release microphone", slog.String("error", cerr.Error()))
		}
		if derr := o.store.DeleteSession(context.WithoutCancel(ctx), sess.ID); derr != nil {
			o.logger.Warn("Failed to delete unleased session",
				slog.String("session_id", sess.ID),
				slog.String("error", derr.Error()))
		}
		return nil, fmt.Errorf("lease session: %w", err)
	}

	recCtx, cancel := context.WithCancel(context.Background())

	return &recording{
		session:      sess,
		stream:       stream,
		format:       format,
		encoder:      o.newEncoder(),
		releaseLease: releaseLease,
		startedAt:    startedAt,
		ctx:          recCtx,
		cancel:       cancel,
		batches:      make(chan []float32, o.config.MaxPendingFlushes),
		stopCh:       make(chan struct{}),
		abortCh:      make(chan struct{}),
		consumerDone: make(chan struct{}),
		flusherDone:  make(chan struct{}),
	}, nil
}

// consume moves frames into the accumulator and hands off a batch each
// flush interval. It is the only writer of rec.batches.
func (o *Orchestrator) consume(rec *recording) {
	defer close(rec.consumerDone)
	defer close(rec.batches)

	acc := audio.NewAccumulator(rec.format.SampleRate, rec.format.Channels)
	threshold := max(audio.SamplesFor(o.config.FlushInterval, rec.format.SampleRate, rec.format.Channels), 1)
	frames := rec.stream.Frames()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				rec.streamLost.Store(true)
				if !acc.IsEmpty() {
					rec.send(acc.Flatten())
				}
				return
			}
			acc.Push(frame)
			// A full queue means the flusher is behind; keep accumulating
			// and let the next batch grow.
			if acc.Len() >= threshold && len(rec.batches) < cap(rec.batches) {
				rec.batches <- acc.Flatten()
			}

		case <-rec.stopCh:
			o.drain(rec, acc, frames, threshold)
			return

		case <-rec.abortCh:
			return
		}
	}
}

// drain takes the frames already queued at stop time and hands everything
// to the flusher, keeping the flush interval boundaries.
func (o *Orchestrator) drain(rec *recording, acc *audio.Accumulator, frames <-chan []float32, threshold int) {
loop:
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				break loop
			}
			acc.Push(frame)
			if acc.Len() >= threshold && !rec.send(acc.Flatten()) {
				return
			}
		default:
			break loop
		}
	}

	if !acc.IsEmpty() {
		rec.send(acc.Flatten())
	}
}

// elapsed is the recorded time so far, frozen once the recording stops
func (rec *recording) elapsed(now time.Time) time.Duration {
	if !rec.stoppedAt.IsZero() {
		return rec.stoppedAt.Sub(rec.startedAt)
	}
	return now.Sub(rec.startedAt)
}

// send blocks until the flusher accepts batch or the recording is aborted
func (rec *recording) send(batch []float32) bool {
	select {
	case rec.batches <- batch:
		return true
	case <-rec.abortCh:
		return false
	}
}

// flushLoop encodes and stores batches strictly in order
func (o *Orchestrator) flushLoop(rec *recording) {
	defer close(rec.flusherDone)

	for batch := range rec.batches {
		if rec.aborted.Load() {
			continue
		}
		o.flush(rec, batch, false)
	}

	if !rec.aborted.Load() && len(rec.carry) > 0 {
		o.flush(rec, nil, true)
	}

	if rec.streamLost.Load() {
		go o.abort(rec, capture.ErrStreamClosed)
	}
}

// flush persists carry+batch as one chunk. A failed flush is carried into
// the next one; the final flush of a recording has nothing to carry into.
func (o *Orchestrator) flush(rec *recording, batch []float32, final bool) {
	samples := batch
	if len(rec.carry) > 0 {
		samples = append(rec.carry, batch...)
		rec.carry = nil
		o.metrics.SetCarriedSamples(0)
	}
	if len(samples) == 0 {
		return
	}

	start := time.Now()
	chunk, err := o.persist(rec, samples)
	if err == nil {
		n := rec.chunks.Add(1)
		o.metrics.RecordFlushSuccess(time.Since(start).Seconds(), chunk.Size)
		o.logger.Debug("Chunk flushed",
			slog.String("session_id", rec.session.ID),
			slog.Int64("chunk", n),
			slog.Int("samples", len(samples)),
			slog.Int("size", chunk.Size),
			slog.Duration("took", time.Since(start)))
		return
	}

	o.metrics.RecordFlushFailure(time.Since(start).Seconds())
	duration := audio.SamplesDuration(len(samples), rec.format.SampleRate, rec.format.Channels)

	if errors.Is(err, store.ErrSessionNotFound) {
		o.logger.Error("Session disappeared during recording",
			slog.String("session_id", rec.session.ID),
			slog.String("error", err.Error()))
		go o.abort(rec, err)
		return
	}

	if final {
		o.logger.Error("Final flush failed, audio lost",
			slog.String("session_id", rec.session.ID),
			slog.Duration("lost", duration),
			slog.String("error", err.Error()))
		return
	}

	rec.carry = o.capCarry(rec, samples)
	o.metrics.SetCarriedSamples(len(rec.carry))
	o.logger.Warn("Flush failed, carrying audio into next flush",
		slog.String("session_id", rec.session.ID),
		slog.Duration("carried", audio.SamplesDuration(len(rec.carry), rec.format.SampleRate, rec.format.Channels)),
		slog.String("error", err.Error()))
}

func (o *Orchestrator) persist(rec *recording, samples []float32) (*store.Chunk, error) {
	payload, err := rec.encoder.Encode(rec.ctx, samples, rec.format.SampleRate, rec.format.Channels)
	if err != nil {
		return nil, err
	}
	return o.store.AppendChunk(rec.ctx, rec.session.ID, payload, len(samples))
}

// capCarry keeps at most MaxCarry of the newest samples
func (o *Orchestrator) capCarry(rec *recording, samples []float32) []float32 {
	limit := audio.SamplesFor(o.config.MaxCarry, rec.format.SampleRate, rec.format.Channels)
	if len(samples) <= limit {
		return samples
	}

	dropped := len(samples) - limit
	// Keep whole frames so channels stay interleaved correctly
	dropped += (rec.format.Channels - dropped%rec.format.Channels) % rec.format.Channels
	o.logger.Warn("Carry limit reached, dropping oldest audio",
		slog.String("session_id", rec.session.ID),
		slog.Duration("dropped", audio.SamplesDuration(dropped, rec.format.SampleRate, rec.format.Channels)))

	return slices.Clone(samples[dropped:])
}

// Stop flushes the remainder, releases the microphone, and finalizes the
// session into one file. If finalization fails the session stays
// recoverable.
func (o *Orchestrator) Stop(ctx context.Context) (*Result, error) {
	o.mu.Lock()
	if o.state != Recording {
		o.mu.Unlock()
		return nil, ErrNotRecording
	}
	rec := o.rec
	o.state = Stopping
	rec.stoppedAt = o.now()
	o.mu.Unlock()

	rec.stopOnce.Do(func() { close(rec.stopCh) })
	<-rec.consumerDone
	<-rec.flusherDone

	o.release(rec)

	result, err := Finalize(ctx, o.store, rec.encoder, rec.session.ID, o.config.OutputDir, o.logger)
	rec.releaseLease()
	o.closeEncoder(rec)
	elapsed := rec.stoppedAt.Sub(rec.startedAt)

	o.mu.Lock()
	o.state = Idle
	o.rec = nil
	o.lastErr = err
	if err == nil {
		o.lastResult = result
	}
	o.mu.Unlock()

	if err != nil {
		o.metrics.RecordRecordingAborted()
		if errors.Is(err, ErrNoAudio) {
			o.logger.Warn("Recording stopped without audio", slog.String("session_id", rec.session.ID))
		} else {
			o.logger.Error("Failed to finalize recording, session kept for recovery",
				slog.String("session_id", rec.session.ID),
				slog.String("error", err.Error()))
		}
		o.reportError(err)
		return nil, err
	}

	o.metrics.RecordRecordingCompleted(elapsed.Seconds())
	if o.config.OnRecordingStopped != nil {
		o.config.OnRecordingStopped(result)
	}

	return result, nil
}

// Abort ends the current recording without finalizing it. Stored chunks
// remain recoverable. It does nothing unless a recording is in progress.
func (o *Orchestrator) Abort() {
	o.mu.Lock()
	rec := o.rec
	active := o.state == Recording
	o.mu.Unlock()

	if !active || rec == nil {
		return
	}
	o.abort(rec, nil)
}

// abort tears rec down, unless rec already left Recording. A non-nil cause
// is surfaced as the recording's error.
func (o *Orchestrator) abort(rec *recording, cause error) {
	o.mu.Lock()
	if o.rec != rec || o.state != Recording {
		o.mu.Unlock()
		if cause != nil {
			o.logger.Debug("Ignoring error for recording that is no longer active",
				slog.String("session_id", rec.session.ID),
				slog.String("error", cause.Error()))
		}
		return
	}
	o.state = Aborting
	rec.stoppedAt = o.now()
	o.mu.Unlock()

	// An in-flight flush finishes; nothing new starts
	rec.aborted.Store(true)
	rec.abortOnce.Do(func() { close(rec.abortCh) })
	<-rec.consumerDone
	<-rec.flusherDone

	o.release(rec)
	rec.releaseLease()
	o.closeEncoder(rec)

	o.mu.Lock()
	o.state = Idle
	o.rec = nil
	if cause != nil {
		o.lastErr = cause
	}
	o.mu.Unlock()

	o.metrics.RecordRecordingAborted()
	o.logger.Warn("Recording aborted",
		slog.String("session_id", rec.session.ID),
		slog.Int64("chunks_kept", rec.chunks.Load()))

	if cause != nil {
		o.reportError(cause)
	}
}

// release closes the capture stream once. Errors are logged and swallowed.
func (o *Orchestrator) release(rec *recording) {
	rec.releaseOnce.Do(func() {
		if rec.stream == nil {
			return
		}
		if err := rec.stream.Close(); err != nil {
			o.logger.Warn("Failed to release microphone",
				slog.String("session_id", rec.session.ID),
				slog.String("error", err.Error()))
		}
		o.metrics.RecordFramesDropped(rec.stream.Dropped())
	})
}

func (o *Orchestrator) closeEncoder(rec *recording) {
	rec.cancel()
	if err := rec.encoder.Close(); err != nil {
		o.logger.Warn("Failed to close encoder",
			slog.String("session_id", rec.session.ID),
			slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) reportError(err error) {
	if o.config.OnError != nil {
		o.config.OnError(UserMessage(err))
	}
}

// Close aborts any active recording
func (o *Orchestrator) Close() {
	o.Abort()
}
