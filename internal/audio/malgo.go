package audio

import (
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
)

// MalgoBackend captures audio through miniaudio. On Windows it also exposes
// a WASAPI loopback source for every playback device.
type MalgoBackend struct {
	ctx    *malgo.AllocatedContext
	logger *slog.Logger

	ids map[string]malgo.DeviceID
	mu  sync.Mutex
}

// NewMalgoBackend initializes a miniaudio context
func NewMalgoBackend(logger *slog.Logger) (*MalgoBackend, error) {
	var backends []malgo.Backend
	if runtime.GOOS == "windows" {
		backends = []malgo.Backend{malgo.BackendWasapi}
	}

	ctx, err := malgo.InitContext(backends, malgo.ContextConfig{}, func(message string) {
		logger.Debug("miniaudio", slog.String("message", strings.TrimSpace(message)))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}

	return &MalgoBackend{
		ctx:    ctx,
		logger: logger,
		ids:    make(map[string]malgo.DeviceID),
	}, nil
}

func hostAPI() string {
	switch runtime.GOOS {
	case "windows":
		return "WASAPI"
	case "darwin":
		return "Core Audio"
	default:
		return "PulseAudio/ALSA"
	}
}

// Devices lists capture devices, plus loopback sources on Windows
func (b *MalgoBackend) Devices() ([]DeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	captures, err := b.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate capture devices: %w", err)
	}

	api := hostAPI()
	devices := make([]DeviceInfo, 0, len(captures))
	for i, info := range captures {
		key := fmt.Sprintf("capture:%d", i)
		b.ids[key] = info.ID
		devices = append(devices, DeviceInfo{
			ID:      key,
			Name:    info.Name(),
			HostAPI: api,
			Default: info.IsDefault != 0,
		})
	}

	if runtime.GOOS == "windows" {
		playbacks, err := b.ctx.Devices(malgo.Playback)
		if err != nil {
			return nil, fmt.Errorf("failed to enumerate playback devices: %w", err)
		}
		for i, info := range playbacks {
			key := fmt.Sprintf("loopback:%d", i)
			b.ids[key] = info.ID
			devices = append(devices, DeviceInfo{
				ID:       key,
				Name:     info.Name(),
				HostAPI:  api,
				Loopback: true,
				Default:  info.IsDefault != 0,
			})
		}
	}

	return devices, nil
}

// Open initializes a capture device; the stream is idle until Start
func (b *MalgoBackend) Open(device DeviceInfo, cfg StreamConfig, onData DataFunc) (Stream, error) {
	b.mu.Lock()
	id, ok := b.ids[device.ID]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown device id %s", ErrNoCaptureDevice, device.ID)
	}

	deviceType := malgo.Capture
	if device.Loopback {
		deviceType = malgo.Loopback
	}

	deviceConfig := malgo.DefaultDeviceConfig(deviceType)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	stream := &malgoStream{id: id}
	deviceConfig.Capture.DeviceID = stream.id.Pointer()

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			onData(input)
		},
	}

	dev, err := malgo.InitDevice(b.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("failed to open device %q: %w", device.Name, err)
	}
	stream.device = dev

	b.logger.Debug("Capture device opened",
		slog.String("device", device.Name),
		slog.Bool("loopback", device.Loopback),
		slog.Int("sample_rate", cfg.SampleRate),
		slog.Int("channels", cfg.Channels),
	)

	return stream, nil
}

// Close releases the miniaudio context
func (b *MalgoBackend) Close() error {
	if err := b.ctx.Uninit(); err != nil {
		return fmt.Errorf("failed to release audio context: %w", err)
	}
	b.ctx.Free()
	return nil
}

type malgoStream struct {
	id     malgo.DeviceID
	device *malgo.Device
}

func (s *malgoStream) Start() error {
	if err := s.device.Start(); err != nil {
		return fmt.Errorf("failed to start device: %w", err)
	}
	return nil
}

func (s *malgoStream) Stop() error {
	if err := s.device.Stop(); err != nil {
		return fmt.Errorf("failed to stop device: %w", err)
	}
	return nil
}

func (s *malgoStream) Close() error {
	s.device.Uninit()
	return nil
}
