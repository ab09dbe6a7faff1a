package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

// MalgoConfig contains miniaudio capture configuration
type MalgoConfig struct {
	QueueSize int // frame channel capacity
	PeriodMs  int // device buffer period, 0 for the backend default
}

// MalgoSource captures from the default input device through miniaudio
type MalgoSource struct {
	config MalgoConfig
	logger *slog.Logger
}

// NewMalgoSource creates a capture source for the default input device
func NewMalgoSource(config MalgoConfig, logger *slog.Logger) *MalgoSource {
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	return &MalgoSource{config: config, logger: logger}
}

// Probe enumerates capture devices
func (s *MalgoSource) Probe(ctx context.Context) error {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	devices, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return classify(fmt.Errorf("enumerate capture devices: %w", err))
	}
	if len(devices) == 0 {
		return ErrNoMicrophone
	}

	s.logger.Debug("Capture devices found", slog.Int("count", len(devices)))
	return ctx.Err()
}

// Open starts capturing float32 frames from the default input device
func (s *MalgoSource) Open(ctx context.Context, format Format) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(format.Channels)
	deviceConfig.SampleRate = uint32(format.SampleRate)
	if s.config.PeriodMs > 0 {
		deviceConfig.PeriodSizeInMilliseconds = uint32(s.config.PeriodMs)
	}

	stream := &malgoStream{
		ctx:    mctx,
		format: format,
		frames: make(chan []float32, s.config.QueueSize),
		logger: s.logger,
	}

	callbacks := malgo.DeviceCallbacks{
		Data: stream.onData,
		Stop: stream.onStop,
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, classify(fmt.Errorf("open capture device: %w", err))
	}
	stream.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, classify(fmt.Errorf("start capture device: %w", err))
	}

	s.logger.Info("Capture stream opened",
		slog.Int("sample_rate", format.SampleRate),
		slog.Int("channels", format.Channels))

	return stream, nil
}

type malgoStream struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	format Format
	logger *slog.Logger

	mu     sync.Mutex
	frames chan []float32
	closed bool

	dropped   atomic.Uint64
	closeOnce sync.Once
	closeErr  error
}

// onData runs on the realtime audio thread; it copies the device buffer
// and performs a non-blocking send.
func (m *malgoStream) onData(_, input []byte, _ uint32) {
	n := len(input) / 4
	if n == 0 {
		return
	}
	frame := make([]float32, n)
	for i := range frame {
		frame[i] = math.Float32frombits(binary.LittleEndian.Uint32(input[i*4:]))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.frames <- frame:
	default:
		m.dropped.Add(1)
	}
}

// onStop fires when the device stops, whether requested or not
func (m *malgoStream) onStop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.frames)
	}
}

func (m *malgoStream) Frames() <-chan []float32 {
	return m.frames
}

func (m *malgoStream) Format() Format {
	return m.format
}

func (m *malgoStream) Dropped() uint64 {
	return m.dropped.Load()
}

func (m *malgoStream) Close() error {
	m.closeOnce.Do(func() {
		if m.device != nil {
			if err := m.device.Stop(); err != nil {
				m.closeErr = fmt.Errorf("stop capture device: %w", err)
			}
			m.device.Uninit()
		}
		m.onStop()
		if err := m.ctx.Uninit(); err != nil && m.closeErr == nil {
			m.closeErr = fmt.Errorf("uninit audio context: %w", err)
		}
		m.ctx.Free()

		m.logger.Debug("Capture stream closed", slog.Uint64("dropped_frames", m.dropped.Load()))
	})
	return m.closeErr
}

// classify maps backend error text onto the capture sentinels. miniaudio
// reports these conditions as result codes whose text varies by backend.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied"), strings.Contains(msg, "permission"):
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return fmt.Errorf("%w: %w", ErrDeviceBusy, err)
	case strings.Contains(msg, "no device"), strings.Contains(msg, "does not exist"), strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %w", ErrNoMicrophone, err)
	default:
		return err
	}
}
