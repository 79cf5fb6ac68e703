package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// commandResult is the captured outcome of an external process
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

// execRunner executes commands via os/exec
type execRunner struct{}

// Run executes one command and captures stdout/stderr and exit code
func (r *execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}

	return result, nil
}

// CompressError describes a failed ffmpeg run
type CompressError struct {
	Input    string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CompressError) Error() string {
	msg := fmt.Sprintf("ffmpeg failed to compress %s (exit %d)", e.Input, e.ExitCode)
	if tail := lastLine(e.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func (e *CompressError) Unwrap() error {
	return e.Err
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// Compressor converts WAV recordings to MP3 with ffmpeg
type Compressor struct {
	ffmpegPath string
	bitrate    string
	runner     commandRunner
	stat       func(name string) (os.FileInfo, error)
}

// NewCompressor creates a compressor using the ffmpeg binary at ffmpegPath
func NewCompressor(ffmpegPath, bitrate string) *Compressor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if bitrate == "" {
		bitrate = "128k"
	}
	return &Compressor{
		ffmpegPath: ffmpegPath,
		bitrate:    bitrate,
		runner:     &execRunner{},
		stat:       os.Stat,
	}
}

// MP3Path returns where Compress writes the MP3 for wavPath
func MP3Path(wavPath string) string {
	return strings.TrimSuffix(wavPath, ".wav") + ".mp3"
}

// Compress writes an MP3 next to wavPath and returns its path
func (c *Compressor) Compress(ctx context.Context, wavPath string) (string, error) {
	output := MP3Path(wavPath)
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", wavPath,
		"-vn",
		"-codec:a", "libmp3lame",
		"-b:a", c.bitrate,
		output,
	}

	result, err := c.runner.Run(ctx, c.ffmpegPath, args...)
	if err != nil {
		return "", &CompressError{Input: wavPath, ExitCode: result.ExitCode, Stderr: result.Stderr, Err: err}
	}

	info, err := c.stat(output)
	if err != nil {
		return "", fmt.Errorf("ffmpeg completed but output %s is missing: %w", output, err)
	}
	if info.Size() == 0 {
		return "", fmt.Errorf("ffmpeg produced an empty file %s", output)
	}

	return output, nil
}
