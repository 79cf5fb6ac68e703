package transcription

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Recognizer converts audio into a diarized word sequence
type Recognizer interface {
	Recognize(ctx context.Context, payload Payload) (*Recognition, error)
}

// Recognition is the speech-to-text provider response
type Recognition struct {
	LanguageCode        string  `json:"language_code"`
	LanguageProbability float64 `json:"language_probability"`
	Text                string  `json:"text"`
	Words               []Word  `json:"words"`
}

// STTConfig contains speech-to-text provider configuration
type STTConfig struct {
	Endpoint     string
	APIKey       string
	ModelID      string
	LanguageCode string
	Diarize      bool
	Timeout      time.Duration
}

// STTClient calls an ElevenLabs-compatible speech-to-text endpoint
type STTClient struct {
	config     STTConfig
	httpClient *http.Client
}

// NewSTTClient creates a speech-to-text client
func NewSTTClient(config STTConfig) (*STTClient, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}

	return &STTClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

// Recognize uploads the audio and decodes the diarized transcript
func (c *STTClient) Recognize(ctx context.Context, payload Payload) (*Recognition, error) {
	fields := map[string]string{
		"model_id":         c.config.ModelID,
		"diarize":          strconv.FormatBool(c.config.Diarize),
		"tag_audio_events": "false",
	}
	if c.config.LanguageCode != "" {
		fields["language_code"] = c.config.LanguageCode
	}

	body, contentType := multipartFile(payload, fields)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	// Set headers
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("xi-api-key", c.config.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("speech-to-text request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{
			URL:        c.config.Endpoint,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(respBody), 512),
		}
	}

	var recognition Recognition
	if err := json.NewDecoder(resp.Body).Decode(&recognition); err != nil {
		return nil, fmt.Errorf("failed to parse speech-to-text response: %w", err)
	}

	return &recognition, nil
}
