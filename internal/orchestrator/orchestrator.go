package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mikul17/n8n-meeting-summarizer/internal/audio"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/meet"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/metrics"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/session"
)

// Capturer records system audio. *audio.Engine implements it.
type Capturer interface {
	Start(cfg audio.CaptureConfig) (*audio.Handle, error)
	Stop(h *audio.Handle, joinTimeout time.Duration) (string, error)
}

// Handoff delivers a finished recording. *transcription.Service implements it.
type Handoff interface {
	Deliver(ctx context.Context, sess *session.Session, audioPath string) error
}

// Config contains orchestrator settings
type Config struct {
	BrowserAudioDevice string // output device selected inside the meeting page
	CaptureDevice      string // optional capture device override
	RecordingsDir      string
	SampleRate         int
	Channels           int
	ApprovalTimeout    time.Duration
	RecordingWindow    time.Duration
	StopTimeout        time.Duration
}

// Orchestrator runs the join, record, stop and handoff sequence of sessions
type Orchestrator struct {
	store    *session.Store
	driver   meet.Driver
	capturer Capturer
	handoff  Handoff
	config   Config
	metrics  *metrics.Metrics
	logger   *slog.Logger

	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// Stats is a snapshot of orchestrator activity
type Stats struct {
	Running int64 `json:"running"`
}

// New creates an orchestrator
func New(store *session.Store, driver meet.Driver, capturer Capturer, handoff Handoff, config Config, m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	if config.ApprovalTimeout <= 0 {
		config.ApprovalTimeout = 120 * time.Second
	}
	if config.RecordingWindow <= 0 {
		config.RecordingWindow = 300 * time.Second
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = 15 * time.Second
	}
	if config.SampleRate <= 0 {
		config.SampleRate = 44100
	}
	if config.Channels <= 0 {
		config.Channels = 2
	}
	return &Orchestrator{
		store:    store,
		driver:   driver,
		capturer: capturer,
		handoff:  handoff,
		config:   config,
		metrics:  m,
		logger:   logger,
	}
}

// Schedule starts Run in the background and returns immediately
func (o *Orchestrator) Schedule(ctx context.Context, sessionID string, joinTimeout, window time.Duration) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.Run(ctx, sessionID, joinTimeout, window)
	}()
}

// Wait blocks until every scheduled run has returned
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// GetStats returns orchestrator statistics
func (o *Orchestrator) GetStats() Stats {
	return Stats{Running: o.inFlight.Load()}
}

// RecordingPath returns where a session's audio is written
func (o *Orchestrator) RecordingPath(sessionID string) string {
	return filepath.Join(o.config.RecordingsDir, filepath.Base(sessionID)+"_record.wav")
}

// run holds the resources acquired by one Run
type run struct {
	o      *Orchestrator
	sess   *session.Session
	logger *slog.Logger

	conn   meet.Conn
	handle *audio.Handle
}

// Run drives one session from starting to finished and then hands the
// recording off. Every failure, panics included, ends in crashed; nothing is
// returned to the caller except the final status. Non-positive timeouts use
// the configured defaults.
func (o *Orchestrator) Run(ctx context.Context, sessionID string, joinTimeout, window time.Duration) (status session.Status) {
	sess, err := o.store.MustGet(sessionID)
	if err != nil {
		o.logger.Error("Cannot run session", slog.String("error", err.Error()))
		return ""
	}

	logger := o.logger.With(slog.String("meeting_id", sessionID))
	if err := sess.Require(session.StatusStarting); err != nil {
		logger.Error("Session is not startable", slog.String("error", err.Error()))
		return sess.Status()
	}

	// Held until cleanup is done so no other handoff can race this run
	release, err := sess.Lease()
	if err != nil {
		logger.Error("Session is held by another worker", slog.String("error", err.Error()))
		return sess.Status()
	}
	defer release()

	if joinTimeout <= 0 {
		joinTimeout = o.config.ApprovalTimeout
	}
	if window <= 0 {
		window = o.config.RecordingWindow
	}

	o.inFlight.Add(1)
	defer o.inFlight.Add(-1)

	r := &run{o: o, sess: sess, logger: logger}

	// Deferred in reverse: recover, then cleanup, then report the outcome
	defer func() {
		status = sess.Status()
		logger.Info("Session run complete", slog.String("status", string(status)))
	}()
	defer r.cleanup(ctx)
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Session run panicked",
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())),
			)
			sess.Crash()
		}
	}()

	if err := r.execute(ctx, joinTimeout, window); err != nil {
		if errors.Is(err, meet.ErrApprovalTimeout) {
			logger.Error("Approval timeout, bot was not admitted",
				slog.Duration("timeout", joinTimeout),
			)
		} else {
			logger.Error("Session failed", slog.String("error", err.Error()))
		}
		sess.Crash()
	}

	return sess.Status()
}

// execute performs the join and record steps
func (r *run) execute(ctx context.Context, joinTimeout, window time.Duration) error {
	o := r.o

	// Connect
	conn, err := o.driver.Connect(ctx, r.sess.MeetingURL)
	if err != nil {
		return fmt.Errorf("failed to connect to meeting: %w", err)
	}
	r.conn = conn
	if err := r.sess.Advance(session.StatusStarting, session.StatusConnected); err != nil {
		return err
	}

	// Join and wait for the host
	if err := conn.SelectDevice(ctx, o.config.BrowserAudioDevice); err != nil {
		return fmt.Errorf("failed to select audio device: %w", err)
	}
	if err := conn.RequestJoin(ctx); err != nil {
		return fmt.Errorf("failed to request join: %w", err)
	}
	if !conn.WaitForApproval(ctx, joinTimeout) {
		return meet.ErrApprovalTimeout
	}

	// Record
	handle, err := o.capturer.Start(audio.CaptureConfig{
		OutputPath: o.RecordingPath(r.sess.ID),
		SampleRate: o.config.SampleRate,
		Channels:   o.config.Channels,
		Device:     o.config.CaptureDevice,
	})
	if err != nil {
		o.metrics.RecordCaptureFailure("start")
		return fmt.Errorf("failed to start recording: %w", err)
	}
	r.handle = handle
	o.metrics.RecordRecordingStarted()

	r.sess.SetAudioPath(handle.OutputPath)
	if err := r.sess.Advance(session.StatusConnected, session.StatusRecording); err != nil {
		return err
	}
	r.logger.Info("Recording started",
		slog.String("path", handle.OutputPath),
		slog.String("device", handle.Device.Name),
		slog.Duration("window", window),
	)

	// An early end and an elapsed window are equivalent
	conn.WaitForEnd(ctx, window)

	return r.sess.Advance(session.StatusRecording, session.StatusFinished)
}

// cleanup stops the capture, hands the recording off and closes the browser.
// It runs on every exit path of Run.
func (r *run) cleanup(ctx context.Context) {
	if r.handle != nil {
		path, stopped := r.stopCapture()
		if stopped && r.sess.Status() == session.StatusFinished {
			r.deliver(context.WithoutCancel(ctx), path)
		}
	}

	if r.conn != nil {
		if err := guard(r.conn.Close); err != nil {
			r.logger.Warn("Failed to close browser", slog.String("error", err.Error()))
		}
	}
}

func (r *run) stopCapture() (string, bool) {
	o := r.o

	var path string
	err := guard(func() error {
		var err error
		path, err = o.capturer.Stop(r.handle, o.config.StopTimeout)
		return err
	})

	stats := r.handle.Stats()
	o.metrics.RecordRecordingStopped(stats.Duration.Seconds(), stats.BuffersWritten, stats.Dropped)

	if err != nil {
		o.metrics.RecordCaptureFailure("stop")
		r.logger.Error("Failed to stop recording cleanly", slog.String("error", err.Error()))
		r.sess.Crash()
		return "", false
	}

	logAttrs := []any{slog.String("path", path)}
	if info, err := audio.ReadWAVInfo(path); err != nil {
		r.logger.Warn("Recording header unreadable", slog.String("path", path), slog.String("error", err.Error()))
	} else {
		logAttrs = append(logAttrs,
			slog.Float64("duration_seconds", info.Duration),
			slog.Uint64("data_bytes", uint64(info.DataSize)),
		)
	}
	r.logger.Info("Recording stopped", logAttrs...)
	return path, true
}

func (r *run) deliver(ctx context.Context, path string) {
	r.logger.Info("Processing recording", slog.String("path", path))
	err := guard(func() error { return r.o.handoff.Deliver(ctx, r.sess, path) })
	if err == nil {
		return
	}
	// Someone else already moved the session on; their outcome stands
	if errors.Is(err, session.ErrInvalidState) && r.sess.Status() != session.StatusFinished {
		r.logger.Warn("Recording already handed off",
			slog.String("status", string(r.sess.Status())),
			slog.String("error", err.Error()),
		)
		return
	}
	r.logger.Error("Failed to process recording", slog.String("error", err.Error()))
	r.sess.Crash()
}

// guard runs fn and converts a panic into an error
func guard(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}
