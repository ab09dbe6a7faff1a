package recorder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/chunk-recorder/internal/audio"
	"github.com/skypro1111/chunk-recorder/internal/capture"
	"github.com/skypro1111/chunk-recorder/internal/capture/capturetest"
	"github.com/skypro1111/chunk-recorder/internal/encoder"
	"github.com/skypro1111/chunk-recorder/internal/encoder/encodertest"
	"github.com/skypro1111/chunk-recorder/internal/store"
)

const (
	testRate     = 16000
	frameSamples = 1600 // 100ms at 16kHz mono
)

type harness struct {
	orch   *Orchestrator
	source *capturetest.Source
	engine *encodertest.Engine
	store  *store.Store
	outDir string

	mu       sync.Mutex
	messages []string
	results  []*Result
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "recorder.sqlite"), time.Second)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	h := &harness{
		source: capturetest.NewSource(),
		engine: encodertest.New(),
		store:  st,
		outDir: t.TempDir(),
	}

	logger := testLogger()
	newEncoder := func() Encoder {
		return encoder.NewAdapter(h.engine, encoder.Config{
			Format:        "wav",
			RetryInterval: time.Millisecond,
		}, logger, nil)
	}

	h.orch = NewOrchestrator(Config{
		SampleRate:        testRate,
		Channels:          1,
		FlushInterval:     2 * time.Second,
		MaxPendingFlushes: 4,
		MaxCarry:          10 * time.Second,
		OutputDir:         h.outDir,
		OnError: func(message string) {
			h.mu.Lock()
			h.messages = append(h.messages, message)
			h.mu.Unlock()
		},
		OnRecordingStopped: func(result *Result) {
			h.mu.Lock()
			h.results = append(h.results, result)
			h.mu.Unlock()
		},
	}, h.source, st, newEncoder, logger, nil)

	t.Cleanup(h.orch.Close)
	return h
}

func (h *harness) errorMessages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.messages...)
}

// pushSeconds feeds d of silence in 100ms frames
func (h *harness) pushSeconds(t *testing.T, d time.Duration) {
	t.Helper()
	stream := h.source.Last()
	if stream == nil {
		t.Fatal("no stream opened")
	}
	frames := int(d / (100 * time.Millisecond))
	for i := 0; i < frames; i++ {
		if !stream.Push(make([]float32, frameSamples)) {
			t.Fatalf("frame %d dropped", i)
		}
	}
}

func (h *harness) chunkCount(t *testing.T, sessionID string) int {
	t.Helper()
	sess, err := h.store.GetSession(context.Background(), sessionID)
	if err != nil {
		return -1
	}
	return sess.ChunkCount
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRecordAndStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sessionID := h.orch.Status().SessionID
	if sessionID == "" {
		t.Fatal("no session id while recording")
	}

	h.pushSeconds(t, 6*time.Second)
	waitFor(t, "3 chunks", func() bool { return h.chunkCount(t, sessionID) == 3 })

	result, err := h.orch.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if result.Chunks != 3 {
		t.Errorf("result chunks = %d, want 3", result.Chunks)
	}

	d, err := audio.GetWAVDuration(result.Audio)
	if err != nil {
		t.Fatalf("decode final file: %v", err)
	}
	if d < 6*time.Second {
		t.Errorf("final duration = %v, want at least 6s", d)
	}

	if _, err := h.store.GetSession(ctx, sessionID); !errors.Is(err, store.ErrSessionNotFound) {
		t.Errorf("session still present after stop: %v", err)
	}

	written, err := os.ReadFile(result.Path)
	if err != nil {
		t.Fatalf("read output file: %v", err)
	}
	if len(written) != len(result.Audio) {
		t.Errorf("output file size = %d, want %d", len(written), len(result.Audio))
	}
	if !strings.HasPrefix(result.URL, "file://") {
		t.Errorf("URL = %q, want file:// URL", result.URL)
	}

	if h.orch.State() != Idle {
		t.Errorf("state = %v, want idle", h.orch.State())
	}
	if closes := h.source.Last().Closes(); closes != 1 {
		t.Errorf("stream closed %d times, want 1", closes)
	}
	if len(h.results) != 1 || h.results[0] != result {
		t.Errorf("OnRecordingStopped not called with the result")
	}
	if status := h.orch.Status(); status.AudioSize != len(result.Audio) || status.AudioURL != result.URL {
		t.Errorf("status does not expose the final audio: %+v", status)
	}
	if files := h.engine.Files(); len(files) != 0 {
		t.Errorf("encoder temp files left behind: %v", files)
	}
}

func TestStopFlushesRemainder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.pushSeconds(t, 5*time.Second)

	result, err := h.orch.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if result.Chunks != 3 {
		t.Errorf("chunks = %d, want 3 (two intervals and the remainder)", result.Chunks)
	}
	if result.Duration != 5*time.Second {
		t.Errorf("stored duration = %v, want 5s", result.Duration)
	}

	d, err := audio.GetWAVDuration(result.Audio)
	if err != nil {
		t.Fatalf("decode final file: %v", err)
	}
	if d != 5*time.Second {
		t.Errorf("final duration = %v, want 5s", d)
	}
}

func TestStartFailures(t *testing.T) {
	tests := []struct {
		name     string
		probeErr error
		openErr  error
		want     error
	}{
		{name: "no microphone", probeErr: capture.ErrNoMicrophone, want: capture.ErrNoMicrophone},
		{name: "permission denied", openErr: capture.ErrPermissionDenied, want: capture.ErrPermissionDenied},
		{name: "device busy", openErr: capture.ErrDeviceBusy, want: capture.ErrDeviceBusy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.source.ProbeErr = tt.probeErr
			h.source.OpenErr = tt.openErr
			ctx := context.Background()

			err := h.orch.Start(ctx)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Start err = %v, want %v", err, tt.want)
			}

			if h.orch.State() != Idle {
				t.Errorf("state = %v, want idle", h.orch.State())
			}

			recoverable, _ := h.store.ListRecoverable(ctx)
			empty, _ := h.store.ListEmpty(ctx)
			if len(recoverable)+len(empty) != 0 {
				t.Errorf("failed start created a session")
			}

			msgs := h.errorMessages()
			if len(msgs) != 1 || msgs[0] != UserMessage(tt.want) {
				t.Errorf("OnError messages = %q, want %q", msgs, UserMessage(tt.want))
			}
			if status := h.orch.Status(); status.Error != UserMessage(tt.want) {
				t.Errorf("status error = %q", status.Error)
			}
		})
	}
}

func TestProbeFailureDoesNotOpen(t *testing.T) {
	h := newHarness(t)
	h.source.ProbeErr = capture.ErrNoMicrophone

	h.orch.Start(context.Background())

	if h.source.Probes() != 1 {
		t.Errorf("probes = %d, want 1", h.source.Probes())
	}
	if h.source.Opened() != 0 {
		t.Errorf("stream opened after failed probe")
	}
}

func TestStartWhileActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.orch.Start(ctx); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("second Start err = %v, want ErrAlreadyActive", err)
	}
	if h.source.Opened() != 1 {
		t.Errorf("opened %d streams, want 1", h.source.Opened())
	}
}

func TestStopWhenIdle(t *testing.T) {
	h := newHarness(t)

	if _, err := h.orch.Stop(context.Background()); !errors.Is(err, ErrNotRecording) {
		t.Errorf("Stop err = %v, want ErrNotRecording", err)
	}
}

func TestStopWithoutAudio(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err := h.orch.Stop(ctx)
	if !errors.Is(err, ErrNoAudio) {
		t.Fatalf("Stop err = %v, want ErrNoAudio", err)
	}

	empty, _ := h.store.ListEmpty(ctx)
	if len(empty) != 0 {
		t.Errorf("empty session kept after stop")
	}
	if h.orch.State() != Idle {
		t.Errorf("state = %v, want idle", h.orch.State())
	}
}

func TestAbortIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Nothing active
	h.orch.Abort()
	h.orch.Abort()

	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sessionID := h.orch.Status().SessionID

	h.pushSeconds(t, 2*time.Second)
	waitFor(t, "first chunk", func() bool { return h.chunkCount(t, sessionID) == 1 })

	h.orch.Abort()
	h.orch.Abort()

	if h.orch.State() != Idle {
		t.Errorf("state = %v, want idle", h.orch.State())
	}
	if closes := h.source.Last().Closes(); closes != 1 {
		t.Errorf("stream closed %d times, want 1", closes)
	}

	list, err := h.store.ListRecoverable(ctx)
	if err != nil {
		t.Fatalf("ListRecoverable: %v", err)
	}
	if len(list) != 1 || list[0].ID != sessionID || list[0].ChunkCount != 1 {
		t.Errorf("aborted session not left recoverable: %+v", list)
	}

	if msgs := h.errorMessages(); len(msgs) != 0 {
		t.Errorf("explicit abort reported errors: %q", msgs)
	}

	// Late frames after abort go nowhere
	h.source.Last().Push(make([]float32, frameSamples))
	if n := h.chunkCount(t, sessionID); n != 1 {
		t.Errorf("chunk count changed after abort: %d", n)
	}
}

func TestAbortLetsInflightFlushFinish(t *testing.T) {
	h := newHarness(t)
	h.engine.RunDelay = 100 * time.Millisecond
	ctx := context.Background()

	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sessionID := h.orch.Status().SessionID

	h.pushSeconds(t, 2*time.Second)
	waitFor(t, "encode to begin", func() bool { return h.engine.RunCalls() >= 1 })

	h.orch.Abort()

	if n := h.chunkCount(t, sessionID); n != 1 {
		t.Errorf("chunk count = %d, want the in-flight flush to be stored", n)
	}
	if h.engine.RunCalls() != 1 {
		t.Errorf("run calls = %d, want no new flush after abort", h.engine.RunCalls())
	}
}

func TestFailedFlushIsCarriedOver(t *testing.T) {
	h := newHarness(t)
	h.engine.RunHook = func(call int, args []string) error {
		if call == 1 {
			return encodertest.ErrInjected
		}
		return nil
	}
	ctx := context.Background()

	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sessionID := h.orch.Status().SessionID

	h.pushSeconds(t, 4*time.Second)
	waitFor(t, "merged chunk", func() bool { return h.chunkCount(t, sessionID) == 1 })

	chunks, err := h.store.GetChunks(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("stored %d chunks, want 1", len(chunks))
	}
	if chunks[0].Samples != 4*testRate {
		t.Errorf("chunk samples = %d, want both intervals (%d)", chunks[0].Samples, 4*testRate)
	}

	result, err := h.orch.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	d, _ := audio.GetWAVDuration(result.Audio)
	if d != 4*time.Second {
		t.Errorf("final duration = %v, want 4s", d)
	}
}

func TestFailedLastFlushRetriedOnStop(t *testing.T) {
	h := newHarness(t)
	h.engine.RunHook = func(call int, args []string) error {
		if call == 2 {
			return encodertest.ErrInjected
		}
		return nil
	}
	ctx := context.Background()

	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.pushSeconds(t, 4*time.Second)

	result, err := h.orch.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if result.Duration != 4*time.Second {
		t.Errorf("duration = %v, want 4s", result.Duration)
	}
}

func TestSessionDeletedDuringRecording(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sessionID := h.orch.Status().SessionID

	if err := h.store.DeleteSession(ctx, sessionID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	h.pushSeconds(t, 2*time.Second)
	waitFor(t, "abort", func() bool { return h.orch.State() == Idle })

	if err := h.orch.LastError(); !errors.Is(err, store.ErrSessionNotFound) {
		t.Errorf("LastError = %v, want ErrSessionNotFound", err)
	}
	if closes := h.source.Last().Closes(); closes != 1 {
		t.Errorf("stream closed %d times, want 1", closes)
	}

	msgs := h.errorMessages()
	if len(msgs) != 1 || msgs[0] != UserMessage(store.ErrSessionNotFound) {
		t.Errorf("OnError messages = %q", msgs)
	}
}

func TestStreamDisconnectKeepsAudio(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sessionID := h.orch.Status().SessionID

	h.pushSeconds(t, 3*time.Second)
	h.source.Last().Disconnect()

	waitFor(t, "abort", func() bool { return h.orch.State() == Idle })

	if err := h.orch.LastError(); !errors.Is(err, capture.ErrStreamClosed) {
		t.Errorf("LastError = %v, want ErrStreamClosed", err)
	}

	sess, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.ChunkCount != 2 || sess.Duration() != 3*time.Second {
		t.Errorf("kept %d chunks / %v, want 2 / 3s", sess.ChunkCount, sess.Duration())
	}
}

func TestStatusRecordingTime(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	current := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	h.orch.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	})

	if status := h.orch.Status(); status.RecordingTime != "00:00" || status.IsRecording {
		t.Errorf("idle status = %+v", status)
	}

	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	mu.Lock()
	current = current.Add(75*time.Second + 900*time.Millisecond)
	mu.Unlock()

	status := h.orch.Status()
	if status.RecordingTime != "01:15" {
		t.Errorf("RecordingTime = %q, want 01:15", status.RecordingTime)
	}
	if !status.IsRecording || status.IsProcessing || status.State != "recording" {
		t.Errorf("unexpected status flags: %+v", status)
	}

	sess, err := h.store.GetSession(context.Background(), status.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Name != "Recording 2026-03-01 09-30-00" {
		t.Errorf("session name = %q", sess.Name)
	}
}

func TestStatusRecordingTimeFrozenWhileStopping(t *testing.T) {
	h := newHarness(t)
	h.engine.RunDelay = 300 * time.Millisecond

	var mu sync.Mutex
	current := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	advance := func(d time.Duration) {
		mu.Lock()
		current = current.Add(d)
		mu.Unlock()
	}
	h.orch.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	})

	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.pushSeconds(t, time.Second)
	advance(10 * time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Stop(context.Background())
		done <- err
	}()

	waitFor(t, "stopping", func() bool { return h.orch.State() == Stopping })
	advance(50 * time.Second)

	status := h.orch.Status()
	if status.RecordingTime != "00:10" {
		t.Errorf("RecordingTime while stopping = %q, want 00:10", status.RecordingTime)
	}
	if !status.IsProcessing {
		t.Errorf("IsProcessing = false while stopping")
	}

	if err := <-done; err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestSessionLeasedWhileRecording(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sessionID := h.orch.Status().SessionID

	sess, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Owner != h.store.Owner() || !h.store.IsLeased(sess) {
		t.Errorf("recording session not leased: owner=%q", sess.Owner)
	}

	h.pushSeconds(t, 2*time.Second)
	waitFor(t, "first chunk", func() bool { return h.chunkCount(t, sessionID) == 1 })
	h.orch.Abort()

	sess, err = h.store.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSession after abort: %v", err)
	}
	if sess.Owner != "" || h.store.IsLeased(sess) {
		t.Errorf("lease kept after abort: owner=%q", sess.Owner)
	}
}

func TestCapCarry(t *testing.T) {
	o := NewOrchestrator(Config{
		SampleRate:    8000,
		FlushInterval: time.Second,
		MaxCarry:      2 * time.Second,
	}, nil, nil, nil, testLogger(), nil)

	rec := &recording{
		session: &store.Session{ID: "s"},
		format:  capture.Format{SampleRate: 8000, Channels: 1},
	}

	samples := make([]float32, 3*8000)
	for i := range samples {
		samples[i] = float32(i)
	}

	kept := o.capCarry(rec, samples)
	if len(kept) != 2*8000 {
		t.Fatalf("kept %d samples, want %d", len(kept), 2*8000)
	}
	if kept[0] != float32(8000) || kept[len(kept)-1] != float32(len(samples)-1) {
		t.Errorf("carry did not keep the newest samples")
	}

	short := samples[:100]
	if got := o.capCarry(rec, short); len(got) != 100 {
		t.Errorf("short carry trimmed to %d", len(got))
	}
}
