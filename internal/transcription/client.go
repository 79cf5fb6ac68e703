package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"os"
	"sync"
	"time"
)

// ErrHTTPStatus is matched by every *StatusError
var ErrHTTPStatus = errors.New("unexpected HTTP status")

// StatusError is returned when a remote endpoint answers with a non-2xx status
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// Is makes errors.Is(err, ErrHTTPStatus) true for status errors
func (e *StatusError) Is(target error) bool {
	return target == ErrHTTPStatus
}

// Client delivers recordings and transcripts to a session's resume URL
type Client struct {
	config     Config
	httpClient *http.Client
	backoff    func(attempt int) time.Duration

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Config contains resume URL client configuration
type Config struct {
	Timeout    time.Duration
	MaxRetries int
	UserAgent  string

	// OnRetry is called before every retry attempt
	OnRetry func(attempt int, err error)
}

// Payload is an audio file to upload
type Payload struct {
	Path        string
	Filename    string
	ContentType string
	Compressed  bool
}

// Transcript is the structured result forwarded in speech-to-text mode
type Transcript struct {
	MeetingID string    `json:"meeting_id"`
	FullText  string    `json:"full_text"`
	Segments  []Segment `json:"segments"`
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
}

// NewClient creates a new resume URL client
func NewClient(config Config) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	if config.UserAgent == "" {
		config.UserAgent = "meetbot/1.0"
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		backoff:    exponentialBackoff,
	}
}

// exponentialBackoff waits 1s, 2s, 4s... capped at 30s
func exponentialBackoff(attempt int) time.Duration {
	backoffTime := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
	if backoffTime > 30*time.Second {
		backoffTime = 30 * time.Second
	}
	return backoffTime
}

// SendRecording uploads the audio file with the meeting id as form metadata
// and returns the response body
func (c *Client) SendRecording(ctx context.Context, resumeURL, meetingID string, payload Payload) ([]byte, error) {
	return c.send(ctx, func() (*http.Request, error) {
		body, contentType := multipartFile(payload, map[string]string{"meeting_id": meetingID})

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, resumeURL, body)
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP request: %w", err)
		}
		httpReq.Header.Set("Content-Type", contentType)
		return httpReq, nil
	})
}

// SendTranscript posts the transcript as JSON and returns the response body
func (c *Client) SendTranscript(ctx context.Context, resumeURL string, transcript *Transcript) ([]byte, error) {
	data, err := json.Marshal(transcript)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transcript: %w", err)
	}

	return c.send(ctx, func() (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, resumeURL, bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		return httpReq, nil
	})
}

// send runs one logical request with the retry policy. build is called once
// per attempt so request bodies are never reused.
func (c *Client) send(ctx context.Context, build func() (*http.Request, error)) ([]byte, error) {
	startTime := time.Now()
	c.incrementTotalRequests()

	var lastErr error

	// Retry loop with exponential backoff
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()
			if c.config.OnRetry != nil {
				c.config.OnRetry(attempt, lastErr)
			}

			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				c.incrementFailedRequests()
				return nil, ctx.Err()
			}
		}

		httpReq, err := build()
		if err != nil {
			c.incrementFailedRequests()
			return nil, err
		}

		body, err := c.do(httpReq)
		if err == nil {
			c.incrementSuccessRequests()
			c.updateAvgResponseTime(time.Since(startTime))
			return body, nil
		}

		lastErr = err

		// Check if error is retryable
		if ctx.Err() != nil || !isRetryableError(err) {
			break
		}
	}

	c.incrementFailedRequests()
	if c.config.MaxRetries == 0 {
		return nil, lastErr
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// do performs a single HTTP request and enforces a 2xx status
func (c *Client) do(httpReq *http.Request) ([]byte, error) {
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{
			URL:        httpReq.URL.String(),
			StatusCode: resp.StatusCode,
			Body:       truncate(string(respBody), 512),
		}
	}

	return respBody, nil
}

// multipartFile streams payload and fields as multipart/form-data through a
// pipe so large recordings are never held in memory
func multipartFile(payload Payload, fields map[string]string) (io.Reader, string) {
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		err := writeMultipart(writer, payload, fields)
		if closeErr := writer.Close(); err == nil {
			err = closeErr
		}
		pw.CloseWithError(err)
	}()

	return pr, writer.FormDataContentType()
}

func writeMultipart(writer *multipart.Writer, payload Payload, fields map[string]string) error {
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	file, err := os.Open(payload.Path)
	if err != nil {
		return fmt.Errorf("failed to open audio file: %w", err)
	}
	defer file.Close()

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, payload.Filename))
	header.Set("Content-Type", payload.ContentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("failed to write audio data: %w", err)
	}
	return nil
}

// isRetryableError reports whether err is worth another attempt:
// 5xx and 429 responses, timeouts and connection failures
func isRetryableError(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
	}
}
