package audio

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ErrNoCaptureDevice is returned when no suitable capture device exists
var ErrNoCaptureDevice = errors.New("no suitable capture device found")

// DeviceInfo describes a capture source offered by a Backend
type DeviceInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	HostAPI  string `json:"host_api"`
	Loopback bool   `json:"loopback"`
	Default  bool   `json:"default"`
}

// StreamConfig configures an opened capture stream
type StreamConfig struct {
	SampleRate int
	Channels   int
}

// DataFunc receives interleaved little-endian PCM-16 frames on the driver's
// thread. The slice is only valid for the duration of the call.
type DataFunc func(data []byte)

// Stream is an opened capture device
type Stream interface {
	Start() error
	Stop() error
	Close() error
}

// Backend enumerates and opens capture devices
type Backend interface {
	Devices() ([]DeviceInfo, error)
	Open(device DeviceInfo, cfg StreamConfig, onData DataFunc) (Stream, error)
}

// monitorPrefix names the loopback sources PulseAudio exposes per sink
const monitorPrefix = "monitor of "

var channelPattern = regexp.MustCompile(`(\d+)\s*ch`)

// channelHint extracts the channel count advertised in a device name, e.g.
// "BlackHole 16ch" -> 16
func channelHint(name string) int {
	m := channelPattern.FindStringSubmatch(strings.ToLower(name))
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// SelectDevice picks the capture source for platform (a runtime.GOOS value).
// A non-empty requested name wins; otherwise Windows uses a loopback device
// of the default output and other platforms use a BlackHole virtual device,
// preferring the variant with more channels. Linux without BlackHole falls
// back to a PulseAudio monitor source.
func SelectDevice(platform string, devices []DeviceInfo, requested string) (DeviceInfo, error) {
	if requested != "" {
		want := strings.ToLower(requested)
		for _, d := range devices {
			if strings.ToLower(d.Name) == want {
				return d, nil
			}
		}
		for _, d := range devices {
			if strings.Contains(strings.ToLower(d.Name), want) {
				return d, nil
			}
		}
		return DeviceInfo{}, fmt.Errorf("%w: no device matches %q", ErrNoCaptureDevice, requested)
	}

	if platform == "windows" {
		var loopbacks []DeviceInfo
		for _, d := range devices {
			if d.Loopback {
				loopbacks = append(loopbacks, d)
			}
		}
		if len(loopbacks) == 0 {
			return DeviceInfo{}, fmt.Errorf("%w: no WASAPI loopback device", ErrNoCaptureDevice)
		}
		sort.SliceStable(loopbacks, func(i, j int) bool {
			return loopbacks[i].Default && !loopbacks[j].Default
		})
		return loopbacks[0], nil
	}

	var candidates []DeviceInfo
	for _, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), "blackhole") {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 && platform == "linux" {
		return selectMonitor(devices)
	}
	if len(candidates) == 0 {
		return DeviceInfo{}, fmt.Errorf("%w: BlackHole virtual device not installed on %s", ErrNoCaptureDevice, platform)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return channelHint(candidates[i].Name) > channelHint(candidates[j].Name)
	})
	return candidates[0], nil
}

// selectMonitor picks a PulseAudio/PipeWire "Monitor of ..." source, which
// carries whatever the named output device plays
func selectMonitor(devices []DeviceInfo) (DeviceInfo, error) {
	for _, d := range devices {
		if strings.HasPrefix(strings.ToLower(d.Name), monitorPrefix) {
			return d, nil
		}
	}
	return DeviceInfo{}, fmt.Errorf("%w: no BlackHole device or PulseAudio monitor source on linux", ErrNoCaptureDevice)
}
