package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets and paths from the config file
const (
	EnvElevenLabsAPIKey = "MEETBOT_ELEVENLABS_API_KEY"
	EnvJiraEmail        = "MEETBOT_JIRA_EMAIL"
	EnvJiraAPIToken     = "MEETBOT_JIRA_API_TOKEN"
	EnvRecordingsDir    = "MEETBOT_RECORDINGS_DIR"
)

// Transcription handoff modes
const (
	ModeResumeURL    = "resume_url"
	ModeSpeechToText = "speech_to_text"
)

// Config represents the complete service configuration
type Config struct {
	HTTP          HTTPConfig          `yaml:"http" toml:"http"`
	Meet          MeetConfig          `yaml:"meet" toml:"meet"`
	Audio         AudioConfig         `yaml:"audio" toml:"audio"`
	Transcription TranscriptionConfig `yaml:"transcription" toml:"transcription"`
	Jira          JiraConfig          `yaml:"jira" toml:"jira"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port         int    `yaml:"port" toml:"port"`
	Address      string `yaml:"address" toml:"address"`
	ReadTimeout  int    `yaml:"read_timeout" toml:"read_timeout"`   // seconds
	WriteTimeout int    `yaml:"write_timeout" toml:"write_timeout"` // seconds
}

// MeetConfig contains the browser join driver configuration
type MeetConfig struct {
	BaseURL         string `yaml:"base_url" toml:"base_url"`
	Language        string `yaml:"language" toml:"language"`
	BotName         string `yaml:"bot_name" toml:"bot_name"`
	AudioDevice     string `yaml:"audio_device" toml:"audio_device"`
	Headless        bool   `yaml:"headless" toml:"headless"`
	ApprovalTimeout int    `yaml:"approval_timeout" toml:"approval_timeout"` // seconds
	PollInterval    int    `yaml:"poll_interval_ms" toml:"poll_interval_ms"` // milliseconds
	ActionTimeout   int    `yaml:"action_timeout_ms" toml:"action_timeout_ms"`
	ScreenshotDir   string `yaml:"screenshot_dir" toml:"screenshot_dir"`
}

// AudioConfig contains audio capture parameters
type AudioConfig struct {
	RecordingsDir      string  `yaml:"recordings_dir" toml:"recordings_dir"`
	Device             string  `yaml:"device" toml:"device"`
	SampleRate         int     `yaml:"sample_rate" toml:"sample_rate"`
	Channels           int     `yaml:"channels" toml:"channels"`
	QueueSize          int     `yaml:"queue_size" toml:"queue_size"`
	RecordingWindow    int     `yaml:"recording_window" toml:"recording_window"`         // seconds
	StopTimeout        int     `yaml:"stop_timeout" toml:"stop_timeout"`                 // seconds
	SilenceLogInterval int     `yaml:"silence_log_interval" toml:"silence_log_interval"` // seconds
	SilenceThreshold   float64 `yaml:"silence_threshold" toml:"silence_threshold"`
}

// TranscriptionConfig contains transcription handoff configuration
type TranscriptionConfig struct {
	Mode        string            `yaml:"mode" toml:"mode"`
	Timeout     int               `yaml:"timeout" toml:"timeout"` // seconds
	MaxRetries  int               `yaml:"max_retries" toml:"max_retries"`
	Workers     int               `yaml:"workers" toml:"workers"`
	Compression CompressionConfig `yaml:"compression" toml:"compression"`
	STT         STTConfig         `yaml:"stt" toml:"stt"`
}

// CompressionConfig contains ffmpeg compression settings
type CompressionConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	FFmpegPath string `yaml:"ffmpeg_path" toml:"ffmpeg_path"`
	Bitrate    string `yaml:"bitrate" toml:"bitrate"`
}

// STTConfig contains speech-to-text provider settings
type STTConfig struct {
	Endpoint     string `yaml:"endpoint" toml:"endpoint"`
	APIKey       string `yaml:"api_key" toml:"api_key"`
	ModelID      string `yaml:"model_id" toml:"model_id"`
	LanguageCode string `yaml:"language_code" toml:"language_code"`
	Diarize      bool   `yaml:"diarize" toml:"diarize"`
}

// JiraConfig contains issue tracker configuration
type JiraConfig struct {
	BaseURL       string            `yaml:"base_url" toml:"base_url"`
	Email         string            `yaml:"email" toml:"email"`
	APIToken      string            `yaml:"api_token" toml:"api_token"`
	ProjectKey    string            `yaml:"project_key" toml:"project_key"`
	Timeout       int               `yaml:"timeout" toml:"timeout"` // seconds
	MaxConcurrent int               `yaml:"max_concurrent" toml:"max_concurrent"`
	Assignees     map[string]string `yaml:"assignees" toml:"assignees"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	Output string `yaml:"output" toml:"output"`
}

// Default returns a configuration populated with the service defaults
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:         8000,
			Address:      "0.0.0.0",
			ReadTimeout:  10,
			WriteTimeout: 180,
		},
		Meet: MeetConfig{
			BaseURL:         "https://meet.google.com/",
			Language:        "en",
			BotName:         "N8N TranscribeBot",
			AudioDevice:     "BlackHole 16ch",
			Headless:        false,
			ApprovalTimeout: 120,
			PollInterval:    1000,
			ActionTimeout:   5000,
		},
		Audio: AudioConfig{
			RecordingsDir:      "recordings",
			SampleRate:         44100,
			Channels:           2,
			QueueSize:          256,
			RecordingWindow:    300,
			StopTimeout:        15,
			SilenceLogInterval: 5,
			SilenceThreshold:   0.01,
		},
		Transcription: TranscriptionConfig{
			Mode:    ModeResumeURL,
			Timeout: 120,
			Workers: 4,
			Compression: CompressionConfig{
				Enabled:    true,
				FFmpegPath: "ffmpeg",
				Bitrate:    "128k",
			},
			STT: STTConfig{
				Endpoint:     "https://api.elevenlabs.io/v1/speech-to-text",
				ModelID:      "scribe_v2",
				LanguageCode: "pl",
				Diarize:      true,
			},
		},
		Jira: JiraConfig{
			Timeout:       30,
			MaxConcurrent: 8,
			Assignees:     map[string]string{},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file. Files ending in .toml are
// decoded as TOML, everything else as YAML. Missing keys keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// applyEnv overrides secrets and paths from the environment
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvElevenLabsAPIKey); v != "" {
		c.Transcription.STT.APIKey = v
	}
	if v := os.Getenv(EnvJiraEmail); v != "" {
		c.Jira.Email = v
	}
	if v := os.Getenv(EnvJiraAPIToken); v != "" {
		c.Jira.APIToken = v
	}
	if v := os.Getenv(EnvRecordingsDir); v != "" {
		c.Audio.RecordingsDir = v
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Meet.Validate(); err != nil {
		return fmt.Errorf("meet config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Jira.Validate(); err != nil {
		return fmt.Errorf("jira config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", h.Port)
	}

	if h.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if h.ReadTimeout < 1 {
		return fmt.Errorf("read_timeout must be at least 1 second, got %d", h.ReadTimeout)
	}

	if h.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", h.WriteTimeout)
	}

	return nil
}

// Validate validates meeting join configuration
func (m *MeetConfig) Validate() error {
	if m.BaseURL == "" {
		return fmt.Errorf("base_url cannot be empty")
	}

	if m.BotName == "" {
		return fmt.Errorf("bot_name cannot be empty")
	}

	if m.ApprovalTimeout < 1 {
		return fmt.Errorf("approval_timeout must be at least 1 second, got %d", m.ApprovalTimeout)
	}

	if m.PollInterval < 10 {
		return fmt.Errorf("poll_interval_ms must be at least 10, got %d", m.PollInterval)
	}

	if m.ActionTimeout < 1 {
		return fmt.Errorf("action_timeout_ms must be positive, got %d", m.ActionTimeout)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.RecordingsDir == "" {
		return fmt.Errorf("recordings_dir cannot be empty")
	}

	if a.SampleRate < 8000 || a.SampleRate > 192000 {
		return fmt.Errorf("sample_rate must be between 8000 and 192000 Hz, got %d", a.SampleRate)
	}

	if a.Channels < 1 || a.Channels > 32 {
		return fmt.Errorf("channels must be between 1 and 32, got %d", a.Channels)
	}

	if a.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", a.QueueSize)
	}

	if a.RecordingWindow < 1 {
		return fmt.Errorf("recording_window must be at least 1 second, got %d", a.RecordingWindow)
	}

	if a.StopTimeout < 1 {
		return fmt.Errorf("stop_timeout must be at least 1 second, got %d", a.StopTimeout)
	}

	if a.SilenceLogInterval < 1 {
		return fmt.Errorf("silence_log_interval must be at least 1 second, got %d", a.SilenceLogInterval)
	}

	if a.SilenceThreshold < 0 || a.SilenceThreshold > 1 {
		return fmt.Errorf("silence_threshold must be between 0 and 1, got %f", a.SilenceThreshold)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if t.Mode != ModeResumeURL && t.Mode != ModeSpeechToText {
		return fmt.Errorf("mode must be '%s' or '%s', got '%s'", ModeResumeURL, ModeSpeechToText, t.Mode)
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	if t.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", t.Workers)
	}

	if t.Compression.Enabled && t.Compression.FFmpegPath == "" {
		return fmt.Errorf("compression.ffmpeg_path cannot be empty when compression is enabled")
	}

	if t.Mode == ModeSpeechToText {
		if t.STT.Endpoint == "" {
			return fmt.Errorf("stt.endpoint cannot be empty in %s mode", ModeSpeechToText)
		}
		if t.STT.APIKey == "" {
			return fmt.Errorf("stt.api_key cannot be empty in %s mode (set %s)", ModeSpeechToText, EnvElevenLabsAPIKey)
		}
	}

	return nil
}

// Validate validates issue tracker configuration. An empty base_url disables
// ticket creation.
func (j *JiraConfig) Validate() error {
	if j.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", j.MaxConcurrent)
	}

	if j.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", j.Timeout)
	}

	if !j.Enabled() {
		return nil
	}

	if j.ProjectKey == "" {
		return fmt.Errorf("project_key cannot be empty when base_url is set")
	}

	if j.Email == "" || j.APIToken == "" {
		return fmt.Errorf("email and api_token are required when base_url is set")
	}

	return nil
}

// Enabled reports whether ticket creation is configured
func (j *JiraConfig) Enabled() bool {
	return j.BaseURL != ""
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetReadTimeout returns the HTTP read timeout as a time.Duration
func (h *HTTPConfig) GetReadTimeout() time.Duration {
	return time.Duration(h.ReadTimeout) * time.Second
}

// GetWriteTimeout returns the HTTP write timeout as a time.Duration
func (h *HTTPConfig) GetWriteTimeout() time.Duration {
	return time.Duration(h.WriteTimeout) * time.Second
}

// GetApprovalTimeout returns how long to wait for host approval
func (m *MeetConfig) GetApprovalTimeout() time.Duration {
	return time.Duration(m.ApprovalTimeout) * time.Second
}

// GetPollInterval returns the meeting state polling interval
func (m *MeetConfig) GetPollInterval() time.Duration {
	return time.Duration(m.PollInterval) * time.Millisecond
}

// GetActionTimeout returns the timeout for a single browser interaction
func (m *MeetConfig) GetActionTimeout() time.Duration {
	return time.Duration(m.ActionTimeout) * time.Millisecond
}

// GetRecordingWindow returns the default recording window
func (a *AudioConfig) GetRecordingWindow() time.Duration {
	return time.Duration(a.RecordingWindow) * time.Second
}

// GetStopTimeout returns how long stop waits for the writer to drain
func (a *AudioConfig) GetStopTimeout() time.Duration {
	return time.Duration(a.StopTimeout) * time.Second
}

// GetSilenceLogInterval returns the capture diagnostics interval
func (a *AudioConfig) GetSilenceLogInterval() time.Duration {
	return time.Duration(a.SilenceLogInterval) * time.Second
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetTimeoutDuration returns the issue tracker timeout as a time.Duration
func (j *JiraConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(j.Timeout) * time.Second
}
