package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	wavHeaderSize = 44
	bitsPerSample = 16
)

// ErrWriterClosed is returned when writing to a closed WAV writer
var ErrWriterClosed = errors.New("wav writer closed")

// WAVHeader represents the header structure of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

func newWAVHeader(sampleRate, channels int, dataSize uint32) WAVHeader {
	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(channels) * bitsPerSample / 8,
		BlockAlign:    uint16(channels) * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// WAVWriter streams PCM-16 audio into a WAV file. The header is written with
// zero sizes on creation and patched on Close, so a recording of any length
// never has to be held in memory.
type WAVWriter struct {
	file       *os.File
	path       string
	sampleRate int
	channels   int
	dataSize   uint64
	closed     bool

	mu sync.Mutex
}

// CreateWAV creates the file at path (and its directory) and writes a
// placeholder header
func CreateWAV(path string, sampleRate, channels int) (*WAVWriter, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("channels must be positive, got %d", channels)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create recording directory %s: %w", dir, err)
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAV file %s: %w", path, err)
	}

	header := newWAVHeader(sampleRate, channels, 0)
	if err := binary.Write(file, binary.LittleEndian, header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	return &WAVWriter{
		file:       file,
		path:       path,
		sampleRate: sampleRate,
		channels:   channels,
	}, nil
}

// Write appends interleaved little-endian PCM-16 frames
func (w *WAVWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWriterClosed
	}

	if w.dataSize+uint64(len(p)) > math.MaxUint32-36 {
		return 0, fmt.Errorf("recording exceeds the 4GB WAV limit")
	}

	n, err := w.file.Write(p)
	w.dataSize += uint64(n)
	if err != nil {
		return n, fmt.Errorf("failed to write audio data: %w", err)
	}
	return n, nil
}

// Close patches the header sizes and closes the file. Closing twice is a no-op.
func (w *WAVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	patchErr := w.patchHeader()
	closeErr := w.file.Close()

	if patchErr != nil {
		return patchErr
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close WAV file: %w", closeErr)
	}
	return nil
}

// patchHeader must be called with mu held
func (w *WAVWriter) patchHeader() error {
	dataSize := uint32(w.dataSize)

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], 36+dataSize)
	if _, err := w.file.WriteAt(buf[:], 4); err != nil {
		return fmt.Errorf("failed to patch RIFF size: %w", err)
	}

	binary.LittleEndian.PutUint32(buf[:], dataSize)
	if _, err := w.file.WriteAt(buf[:], 40); err != nil {
		return fmt.Errorf("failed to patch data size: %w", err)
	}
	return nil
}

// Path returns the output file path
func (w *WAVWriter) Path() string {
	return w.path
}

// Closed reports whether Close has been called
func (w *WAVWriter) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// DataSize returns the number of audio bytes written so far
func (w *WAVWriter) DataSize() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dataSize
}

// Duration returns the length of audio written so far
func (w *WAVWriter) Duration() time.Duration {
	frameSize := uint64(w.channels * bitsPerSample / 8)
	frames := w.DataSize() / frameSize
	return time.Duration(float64(frames) / float64(w.sampleRate) * float64(time.Second))
}

// ValidateWAV validates a WAV file format without decoding the audio data
func ValidateWAV(data []byte) error {
	if len(data) < wavHeaderSize {
		return fmt.Errorf("WAV data too short: need at least %d bytes, got %d", wavHeaderSize, len(data))
	}

	// Check RIFF header
	if string(data[0:4]) != "RIFF" {
		return fmt.Errorf("invalid WAV file: missing RIFF header")
	}

	// Check WAVE format
	if string(data[8:12]) != "WAVE" {
		return fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	// Check fmt chunk
	if string(data[12:16]) != "fmt " {
		return fmt.Errorf("invalid WAV file: missing fmt chunk")
	}

	// Check data chunk
	if string(data[36:40]) != "data" {
		return fmt.Errorf("invalid WAV file: missing data chunk")
	}

	return nil
}

// WAVInfo contains basic information about a WAV file
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumFrames     uint32  `json:"num_frames"`
}

// GetWAVInfo extracts metadata from a WAV header
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	if err := ValidateWAV(data); err != nil {
		return nil, err
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(data[:wavHeaderSize]), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}

	if header.SampleRate == 0 || header.BlockAlign == 0 {
		return nil, fmt.Errorf("invalid WAV header: sample rate %d, block align %d", header.SampleRate, header.BlockAlign)
	}

	numFrames := header.Subchunk2Size / uint32(header.BlockAlign)
	duration := float64(numFrames) / float64(header.SampleRate)

	return &WAVInfo{
		SampleRate:    header.SampleRate,
		Channels:      header.NumChannels,
		BitsPerSample: header.BitsPerSample,
		Duration:      duration,
		DataSize:      header.Subchunk2Size,
		NumFrames:     numFrames,
	}, nil
}

// ReadWAVInfo reads only the header of the WAV file at path
func ReadWAVInfo(path string) (*WAVInfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAV file %s: %w", path, err)
	}
	defer file.Close()

	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(file, header); err != nil {
		return nil, fmt.Errorf("failed to read WAV header from %s: %w", path, err)
	}

	return GetWAVInfo(header)
}
