package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mikul17/n8n-meeting-summarizer/internal/vad"
)

// ErrAlreadyRecording is returned when a capture is started while another is active
var ErrAlreadyRecording = errors.New("a capture is already in progress")

// Guard admits at most one active capture. It is created once by the owner
// of the engine and shared by every Start call.
type Guard struct {
	active *Handle
	mu     sync.Mutex
}

// NewGuard creates an idle capture guard
func NewGuard() *Guard {
	return &Guard{}
}

func (g *Guard) acquire(h *Handle) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active != nil {
		return fmt.Errorf("%w: writing %s", ErrAlreadyRecording, g.active.OutputPath)
	}
	g.active = h
	return nil
}

func (g *Guard) release(h *Handle) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active == h {
		g.active = nil
	}
}

// Active reports whether a capture currently holds the guard
func (g *Guard) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active != nil
}

// EngineConfig contains capture engine settings shared by all captures
type EngineConfig struct {
	Platform           string        // runtime.GOOS value used for device selection
	QueueSize          int           // buffers held between driver and writer
	SilenceThreshold   float64       // normalized RMS counted as active audio
	SilenceLogInterval time.Duration // how often level diagnostics are logged
}

// CaptureConfig describes a single recording
type CaptureConfig struct {
	OutputPath string
	SampleRate int
	Channels   int
	Device     string // optional device name override
}

// Engine records system audio into WAV files
type Engine struct {
	backend Backend
	guard   *Guard
	config  EngineConfig
	logger  *slog.Logger

	// beforeWrite, when set, runs in the writer goroutine ahead of each write
	beforeWrite func()
}

// NewEngine creates a capture engine over backend, admitting captures through guard
func NewEngine(backend Backend, guard *Guard, config EngineConfig, logger *slog.Logger) *Engine {
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.SilenceLogInterval <= 0 {
		config.SilenceLogInterval = 5 * time.Second
	}
	return &Engine{
		backend: backend,
		guard:   guard,
		config:  config,
		logger:  logger,
	}
}

// Handle is an active capture. It is returned by Start and must be passed to Stop.
type Handle struct {
	OutputPath string
	StartedAt  time.Time
	Device     DeviceInfo

	queue   *Queue
	writer  *WAVWriter
	monitor *vad.Processor
	stream  Stream
	logger  *slog.Logger

	beforeWrite func()

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error

	written  uint64
	writeErr error
	mu       sync.Mutex
}

// HandleStats summarizes a capture
type HandleStats struct {
	BuffersWritten uint64        `json:"buffers_written"`
	BytesWritten   uint64        `json:"bytes_written"`
	Dropped        uint64        `json:"dropped"`
	ZeroBuffers    uint64        `json:"zero_buffers"`
	ActiveBuffers  uint64        `json:"active_buffers"`
	Duration       time.Duration `json:"duration"`
}

// Start selects a device, creates the output file and begins recording.
// It fails with ErrAlreadyRecording while another capture holds the guard.
func (e *Engine) Start(cfg CaptureConfig) (*Handle, error) {
	if cfg.OutputPath == "" {
		return nil, fmt.Errorf("output path cannot be empty")
	}

	monitor, err := vad.NewProcessor(e.config.SilenceThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to create level monitor: %w", err)
	}

	h := &Handle{
		OutputPath: cfg.OutputPath,
		queue:      NewQueue(e.config.QueueSize),
		monitor:    monitor,
		logger:     e.logger.With(slog.String("output_path", cfg.OutputPath)),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),

		beforeWrite: e.beforeWrite,
	}

	if err := e.guard.acquire(h); err != nil {
		return nil, err
	}

	if err := e.open(h, cfg); err != nil {
		e.guard.release(h)
		return nil, err
	}

	go h.writeLoop(e.config.SilenceLogInterval)

	if err := h.stream.Start(); err != nil {
		close(h.stop)
		<-h.done
		h.stream.Close()
		e.guard.release(h)
		return nil, fmt.Errorf("failed to start capture: %w", err)
	}

	h.StartedAt = time.Now()
	h.logger.Info("Capture started",
		slog.String("device", h.Device.Name),
		slog.String("host_api", h.Device.HostAPI),
		slog.Bool("loopback", h.Device.Loopback),
		slog.Int("sample_rate", cfg.SampleRate),
		slog.Int("channels", cfg.Channels),
	)

	return h, nil
}

// open resolves the device, creates the WAV file and opens the stream
func (e *Engine) open(h *Handle, cfg CaptureConfig) error {
	devices, err := e.backend.Devices()
	if err != nil {
		return fmt.Errorf("failed to list capture devices: %w", err)
	}

	device, err := SelectDevice(e.config.Platform, devices, cfg.Device)
	if err != nil {
		return err
	}
	h.Device = device

	writer, err := CreateWAV(cfg.OutputPath, cfg.SampleRate, cfg.Channels)
	if err != nil {
		return err
	}
	h.writer = writer

	stream, err := e.backend.Open(device, StreamConfig{SampleRate: cfg.SampleRate, Channels: cfg.Channels}, h.onData)
	if err != nil {
		writer.Close()
		return err
	}
	h.stream = stream

	return nil
}

// onData runs on the driver thread and must not block
func (h *Handle) onData(data []byte) {
	h.queue.Push(data)
}

// writeLoop drains the queue into the WAV file. It exits only once the stop
// signal has been observed and the queue is empty.
func (h *Handle) writeLoop(logInterval time.Duration) {
	defer close(h.done)

	ticker := time.NewTicker(logInterval)
	defer ticker.Stop()

	for {
		select {
		case buf := <-h.queue.C():
			h.write(buf)
		case <-ticker.C:
			h.logLevels()
		case <-h.stop:
			for {
				select {
				case buf := <-h.queue.C():
					h.write(buf)
				default:
					if err := h.writer.Close(); err != nil {
						h.setWriteErr(err)
					}
					return
				}
			}
		}
	}
}

func (h *Handle) write(buf []byte) {
	if h.beforeWrite != nil {
		h.beforeWrite()
	}

	if len(buf) >= 2 {
		h.monitor.ProcessPCM16(buf)
	}

	if _, err := h.writer.Write(buf); err != nil {
		h.setWriteErr(err)
		return
	}

	h.mu.Lock()
	h.written++
	h.mu.Unlock()
}

func (h *Handle) setWriteErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.writeErr == nil {
		h.writeErr = err
		if !errors.Is(err, ErrWriterClosed) {
			h.logger.Error("Failed to write audio", slog.String("error", err.Error()))
		}
	}
}

// logLevels reports whether the device is delivering real audio or only zeros
func (h *Handle) logLevels() {
	w := h.monitor.Window()
	switch {
	case w.Buffers == 0:
		h.logger.Warn("No audio buffers received from capture device",
			slog.Int("queue_pending", h.queue.Len()),
		)
	case w.AllZero():
		h.logger.Warn("Receiving silence (zero-amplitude buffers)",
			slog.Uint64("buffers", w.Buffers),
		)
	default:
		h.logger.Debug("Receiving audio",
			slog.Uint64("buffers", w.Buffers),
			slog.Uint64("active_buffers", w.ActiveBuffers),
			slog.Uint64("zero_buffers", w.ZeroBuffers),
			slog.Float64("max_rms", w.MaxRMS),
		)
	}
}

// Stats returns capture statistics
func (h *Handle) Stats() HandleStats {
	h.mu.Lock()
	written := h.written
	h.mu.Unlock()

	levels := h.monitor.GetStats()
	return HandleStats{
		BuffersWritten: written,
		BytesWritten:   h.writer.DataSize(),
		Dropped:        h.queue.GetStats().Dropped,
		ZeroBuffers:    levels.ZeroBuffers,
		ActiveBuffers:  levels.ActiveBuffers,
		Duration:       h.writer.Duration(),
	}
}

// Stop ends the capture and returns the output path. The writer gets up to
// joinTimeout to drain; after that the file is closed regardless. A nil
// handle returns an empty path. Stopping a handle twice returns the first result.
func (e *Engine) Stop(h *Handle, joinTimeout time.Duration) (string, error) {
	if h == nil {
		return "", nil
	}

	h.stopOnce.Do(func() {
		defer e.guard.release(h)

		if err := h.stream.Stop(); err != nil {
			h.stopErr = fmt.Errorf("failed to stop capture device: %w", err)
		}

		close(h.stop)

		select {
		case <-h.done:
		case <-time.After(joinTimeout):
			h.logger.Warn("Writer did not finish within timeout, closing file",
				slog.Duration("timeout", joinTimeout),
				slog.Int("queue_pending", h.queue.Len()),
			)
			if err := h.writer.Close(); err != nil && h.stopErr == nil {
				h.stopErr = err
			}
		}

		if err := h.stream.Close(); err != nil {
			h.logger.Warn("Failed to release capture device", slog.String("error", err.Error()))
		}

		h.mu.Lock()
		writeErr := h.writeErr
		h.mu.Unlock()
		if h.stopErr == nil && writeErr != nil && !errors.Is(writeErr, ErrWriterClosed) {
			h.stopErr = fmt.Errorf("recording incomplete: %w", writeErr)
		}

		stats := h.Stats()
		h.logger.Info("Capture stopped",
			slog.Duration("elapsed", time.Since(h.StartedAt)),
			slog.Duration("audio_duration", stats.Duration),
			slog.Uint64("buffers_written", stats.BuffersWritten),
			slog.Uint64("bytes_written", stats.BytesWritten),
			slog.Uint64("dropped", stats.Dropped),
			slog.Uint64("zero_buffers", stats.ZeroBuffers),
		)
	})

	return h.OutputPath, h.stopErr
}

// Active reports whether a capture is in progress
func (e *Engine) Active() bool {
	return e.guard.Active()
}
