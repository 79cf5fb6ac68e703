package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Mikul17/n8n-meeting-summarizer/internal/config"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/metrics"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/session"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/worker"
)

// Compressor produces a smaller copy of a WAV recording and returns its path
type Compressor interface {
	Compress(ctx context.Context, wavPath string) (string, error)
}

// ServiceConfig wires the handoff service to its collaborators
type ServiceConfig struct {
	// Mode is config.ModeResumeURL or config.ModeSpeechToText
	Mode       string
	Client     *Client
	Recognizer Recognizer
	// Compressor may be nil to always send the raw recording
	Compressor Compressor
	Pool       *worker.Pool
	Metrics    *metrics.Metrics
}

// Service hands finished recordings off to transcription
type Service struct {
	mode       string
	client     *Client
	recognizer Recognizer
	compressor Compressor
	pool       *worker.Pool
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewService creates a handoff service
func NewService(cfg ServiceConfig, logger *slog.Logger) (*Service, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("resume URL client is required")
	}
	if cfg.Pool == nil {
		return nil, fmt.Errorf("worker pool is required")
	}

	switch cfg.Mode {
	case config.ModeResumeURL:
	case config.ModeSpeechToText:
		if cfg.Recognizer == nil {
			return nil, fmt.Errorf("speech-to-text mode requires a recognizer")
		}
	default:
		return nil, fmt.Errorf("unknown transcription mode: %q", cfg.Mode)
	}

	return &Service{
		mode:       cfg.Mode,
		client:     cfg.Client,
		recognizer: cfg.Recognizer,
		compressor: cfg.Compressor,
		pool:       cfg.Pool,
		metrics:    cfg.Metrics,
		logger:     logger,
	}, nil
}

// Mode returns the configured handoff mode
func (s *Service) Mode() string {
	return s.mode
}

// Deliver hands the recording off using the configured mode
func (s *Service) Deliver(ctx context.Context, sess *session.Session, audioPath string) error {
	switch s.mode {
	case config.ModeSpeechToText:
		_, err := s.Transcribe(ctx, sess, audioPath)
		return err
	default:
		_, err := s.SendRecording(ctx, sess, audioPath)
		return err
	}
}

// SendRecording uploads the recording to the session's resume URL and moves
// the session to transcribed. A session that is not finished is rejected with
// session.ErrInvalidState and left untouched. Upload failures are returned
// without changing status; the caller decides whether they are fatal.
func (s *Service) SendRecording(ctx context.Context, sess *session.Session, audioPath string) ([]byte, error) {
	if err := s.precheck(sess, audioPath); err != nil {
		return nil, err
	}

	startTime := time.Now()
	s.metrics.RecordHandoffRequest(config.ModeResumeURL)
	logger := s.logger.With(slog.String("meeting_id", sess.ID))

	payload, cleanup := s.preparePayload(ctx, sess.ID, audioPath)
	defer cleanup()

	logger.Info("Sending recording to resume URL",
		slog.String("file", payload.Filename),
		slog.Bool("compressed", payload.Compressed),
	)

	body, err := s.client.SendRecording(ctx, sess.ResumeURL, sess.ID, payload)
	if err != nil {
		s.metrics.RecordHandoffFailure(config.ModeResumeURL, time.Since(startTime).Seconds())
		logger.Error("Failed to send recording", slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to send recording: %w", err)
	}

	if err := sess.Advance(session.StatusFinished, session.StatusTranscribed); err != nil {
		s.metrics.RecordHandoffFailure(config.ModeResumeURL, time.Since(startTime).Seconds())
		return nil, err
	}

	s.metrics.RecordHandoffSuccess(config.ModeResumeURL, time.Since(startTime).Seconds())
	logger.Info("Recording delivered", slog.Duration("elapsed", time.Since(startTime)))
	return body, nil
}

// Transcribe sends the recording to the speech-to-text provider, groups the
// words into speaker segments and forwards the transcript to the resume URL.
// Any failure after the precondition check crashes the session.
func (s *Service) Transcribe(ctx context.Context, sess *session.Session, audioPath string) (*Transcript, error) {
	if s.recognizer == nil {
		return nil, fmt.Errorf("speech-to-text is not configured")
	}
	if err := s.precheck(sess, audioPath); err != nil {
		return nil, err
	}

	startTime := time.Now()
	s.metrics.RecordHandoffRequest(config.ModeSpeechToText)
	logger := s.logger.With(slog.String("meeting_id", sess.ID))

	transcript, err := s.transcribe(ctx, sess, audioPath, logger)
	if err != nil {
		sess.Crash()
		s.metrics.RecordHandoffFailure(config.ModeSpeechToText, time.Since(startTime).Seconds())
		logger.Error("Failed to generate transcription", slog.String("error", err.Error()))
		return nil, err
	}

	s.metrics.RecordHandoffSuccess(config.ModeSpeechToText, time.Since(startTime).Seconds())
	return transcript, nil
}

func (s *Service) transcribe(ctx context.Context, sess *session.Session, audioPath string, logger *slog.Logger) (*Transcript, error) {
	payload, cleanup := s.preparePayload(ctx, sess.ID, audioPath)
	defer cleanup()

	logger.Info("Sending transcription request", slog.Bool("compressed", payload.Compressed))

	var recognition *Recognition
	err := s.pool.Do(ctx, func(ctx context.Context) error {
		var err error
		recognition, err = s.recognizer.Recognize(ctx, payload)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("speech-to-text failed: %w", err)
	}

	segments := GroupSegments(recognition.Words)
	s.metrics.RecordTranscriptSegments(len(segments))
	logger.Info("Grouped words into speaker segments",
		slog.Int("words", len(recognition.Words)),
		slog.Int("segments", len(segments)),
	)

	if err := sess.Advance(session.StatusFinished, session.StatusTranscribed); err != nil {
		return nil, err
	}

	transcript := &Transcript{
		MeetingID: sess.ID,
		FullText:  recognition.Text,
		Segments:  segments,
	}

	if _, err := s.client.SendTranscript(ctx, sess.ResumeURL, transcript); err != nil {
		return nil, fmt.Errorf("failed to forward transcript: %w", err)
	}

	return transcript, nil
}

// precheck enforces the finished precondition before any side effect
func (s *Service) precheck(sess *session.Session, audioPath string) error {
	if err := sess.Require(session.StatusFinished); err != nil {
		return err
	}
	if sess.ResumeURL == "" {
		return fmt.Errorf("session %s has no resume URL", sess.ID)
	}
	if _, err := os.Stat(audioPath); err != nil {
		return fmt.Errorf("recording not found: %w", err)
	}
	return nil
}

// preparePayload compresses the recording on the worker pool. Compression
// failure falls back to the raw WAV. The returned cleanup removes any
// transient compressed file.
func (s *Service) preparePayload(ctx context.Context, meetingID, audioPath string) (Payload, func()) {
	raw := Payload{
		Path:        audioPath,
		Filename:    filepath.Base(audioPath),
		ContentType: "audio/wav",
	}
	if s.compressor == nil {
		return raw, func() {}
	}

	var compressed string
	err := s.pool.Do(ctx, func(ctx context.Context) error {
		var err error
		compressed, err = s.compressor.Compress(ctx, audioPath)
		return err
	})
	if err != nil {
		s.metrics.RecordCompressionFailure()
		s.logger.Warn("Compression failed, sending raw recording",
			slog.String("meeting_id", meetingID),
			slog.String("error", err.Error()),
		)
		return raw, func() {}
	}

	payload := Payload{
		Path:        compressed,
		Filename:    meetingID + "_record.mp3",
		ContentType: "audio/mpeg",
		Compressed:  true,
	}
	return payload, func() {
		if err := os.Remove(compressed); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("Failed to remove compressed recording",
				slog.String("path", compressed),
				slog.String("error", err.Error()),
			)
		}
	}
}

// GetStats returns resume URL client statistics
func (s *Service) GetStats() ClientStats {
	return s.client.GetStats()
}
