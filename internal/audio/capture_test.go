package audio

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	onData   DataFunc
	startErr error
	stopErr  error

	started bool
	stopped bool
	closed  bool
	mu      sync.Mutex
}

func (s *fakeStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.started = true
	return nil
}

func (s *fakeStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return s.stopErr
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// emit delivers a buffer the way a driver callback would
func (s *fakeStream) emit(data []byte) {
	s.onData(data)
}

type fakeBackend struct {
	devices []DeviceInfo
	openErr error
	stream  *fakeStream
	opened  DeviceInfo
}

func (b *fakeBackend) Devices() ([]DeviceInfo, error) {
	return b.devices, nil
}

func (b *fakeBackend) Open(device DeviceInfo, cfg StreamConfig, onData DataFunc) (Stream, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	b.opened = device
	if b.stream == nil {
		b.stream = &fakeStream{}
	}
	b.stream.onData = onData
	return b.stream, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEngine(backend Backend) *Engine {
	return NewEngine(backend, NewGuard(), EngineConfig{
		Platform:           "darwin",
		QueueSize:          1024,
		SilenceThreshold:   0.01,
		SilenceLogInterval: time.Hour,
	}, testLogger())
}

func blackholeBackend() *fakeBackend {
	return &fakeBackend{devices: []DeviceInfo{
		{ID: "mic", Name: "Built-in Microphone"},
		{ID: "bh16", Name: "BlackHole 16ch"},
	}}
}

func captureConfig(t *testing.T, name string) CaptureConfig {
	return CaptureConfig{
		OutputPath: filepath.Join(t.TempDir(), name),
		SampleRate: 44100,
		Channels:   2,
	}
}

func TestEngineRecordsAndStops(t *testing.T) {
	backend := blackholeBackend()
	engine := newTestEngine(backend)
	cfg := captureConfig(t, "meet_record.wav")

	h, err := engine.Start(cfg)
	require.NoError(t, err)
	assert.True(t, engine.Active())
	assert.Equal(t, "bh16", backend.opened.ID)
	assert.True(t, backend.stream.started)

	buf := make([]byte, 1764)
	for i := range buf {
		buf[i] = byte(i % 7)
	}
	for i := 0; i < 25; i++ {
		backend.stream.emit(buf)
	}

	path, err := engine.Stop(h, time.Second)
	require.NoError(t, err)
	assert.Equal(t, cfg.OutputPath, path)
	assert.False(t, engine.Active())
	assert.True(t, backend.stream.stopped)
	assert.True(t, backend.stream.closed)
	assert.True(t, h.writer.Closed())

	info, err := ReadWAVInfo(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(25*len(buf)), info.DataSize)
	assert.Equal(t, uint16(2), info.Channels)

	stats := h.Stats()
	assert.Equal(t, uint64(25), stats.BuffersWritten)
	assert.Equal(t, uint64(0), stats.Dropped)
}

func TestEngineRejectsSecondCapture(t *testing.T) {
	backend := blackholeBackend()
	engine := newTestEngine(backend)

	first, err := engine.Start(captureConfig(t, "first.wav"))
	require.NoError(t, err)

	second, err := engine.Start(captureConfig(t, "second.wav"))
	assert.ErrorIs(t, err, ErrAlreadyRecording)
	assert.Nil(t, second)

	// The first capture keeps recording undisturbed
	backend.stream.emit(make([]byte, 400))
	path, err := engine.Stop(first, time.Second)
	require.NoError(t, err)

	info, err := ReadWAVInfo(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(400), info.DataSize)

	// And the slot frees up afterwards
	third, err := engine.Start(captureConfig(t, "third.wav"))
	require.NoError(t, err)
	_, err = engine.Stop(third, time.Second)
	assert.NoError(t, err)
}

func TestEngineStopNilHandle(t *testing.T) {
	engine := newTestEngine(blackholeBackend())

	path, err := engine.Stop(nil, time.Second)
	assert.NoError(t, err)
	assert.Empty(t, path)
}

func TestEngineNoDeviceReleasesGuard(t *testing.T) {
	backend := &fakeBackend{devices: []DeviceInfo{{ID: "mic", Name: "Built-in Microphone"}}}
	engine := newTestEngine(backend)

	_, err := engine.Start(captureConfig(t, "none.wav"))
	assert.ErrorIs(t, err, ErrNoCaptureDevice)
	assert.False(t, engine.Active())
}

func TestEngineStreamStartFailure(t *testing.T) {
	backend := blackholeBackend()
	backend.stream = &fakeStream{startErr: errors.New("device busy")}
	engine := newTestEngine(backend)
	cfg := captureConfig(t, "busy.wav")

	_, err := engine.Start(cfg)
	require.Error(t, err)
	assert.False(t, engine.Active())
	assert.True(t, backend.stream.closed)

	// The placeholder file is finalized as an empty recording
	info, err := ReadWAVInfo(cfg.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), info.DataSize)
}

func TestEngineOpenFailureReleasesGuard(t *testing.T) {
	backend := blackholeBackend()
	backend.openErr = errors.New("permission denied")
	engine := newTestEngine(backend)

	_, err := engine.Start(captureConfig(t, "denied.wav"))
	require.Error(t, err)
	assert.False(t, engine.Active())
}

func TestEngineDrainsQueueOnStop(t *testing.T) {
	backend := blackholeBackend()
	engine := newTestEngine(backend)

	// Hold the writer so buffers pile up in the queue
	gate := make(chan struct{})
	engine.beforeWrite = func() { <-gate }

	h, err := engine.Start(captureConfig(t, "drain.wav"))
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		backend.stream.emit([]byte{1, 0, 2, 0})
	}

	close(gate)
	path, err := engine.Stop(h, 5*time.Second)
	require.NoError(t, err)

	info, err := ReadWAVInfo(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(400), info.DataSize, "no queued buffer may be lost on stop")
}

func TestEngineStopClosesFileOnWriterTimeout(t *testing.T) {
	backend := blackholeBackend()
	engine := newTestEngine(backend)

	gate := make(chan struct{})
	engine.beforeWrite = func() { <-gate }

	cfg := captureConfig(t, "stuck.wav")
	h, err := engine.Start(cfg)
	require.NoError(t, err)

	backend.stream.emit([]byte{1, 0, 2, 0})

	start := time.Now()
	path, err := engine.Stop(h, 50*time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, cfg.OutputPath, path)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, h.writer.Closed(), "file must be closed even when the writer is stuck")
	assert.False(t, engine.Active())

	// Let the stuck writer run into the closed file and exit
	close(gate)
	<-h.done

	_, err = ReadWAVInfo(path)
	assert.NoError(t, err)
}

func TestEngineStopReportsDeviceError(t *testing.T) {
	backend := blackholeBackend()
	backend.stream = &fakeStream{stopErr: errors.New("driver gone")}
	engine := newTestEngine(backend)

	h, err := engine.Start(captureConfig(t, "gone.wav"))
	require.NoError(t, err)

	path, err := engine.Stop(h, time.Second)
	assert.Error(t, err)
	assert.NotEmpty(t, path)
	assert.True(t, h.writer.Closed())
	assert.False(t, engine.Active())

	// Stopping again returns the same outcome
	path2, err2 := engine.Stop(h, time.Second)
	assert.Equal(t, path, path2)
	assert.Equal(t, err, err2)
}

func TestEngineRequiresOutputPath(t *testing.T) {
	engine := newTestEngine(blackholeBackend())
	_, err := engine.Start(CaptureConfig{SampleRate: 44100, Channels: 2})
	assert.Error(t, err)
	assert.False(t, engine.Active())
}
