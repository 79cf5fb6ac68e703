package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mikul17/n8n-meeting-summarizer/internal/audio"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/config"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/meet"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/metrics"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/orchestrator"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/server"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/session"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/tickets"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/transcription"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/version"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/worker"
)

// drainTimeout bounds how long shutdown waits for in-flight session runs
const drainTimeout = 2 * time.Minute

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and meeting bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			return serve(cfg, *configPath)
		},
	}
}

func serve(cfg *config.Config, configPath string) error {
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", version.Version),
		slog.String("config_path", configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("http_port", cfg.HTTP.Port),
		slog.String("meet_base_url", cfg.Meet.BaseURL),
		slog.String("audio_device", cfg.Meet.AudioDevice),
		slog.String("recordings_dir", cfg.Audio.RecordingsDir),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.String("transcription_mode", cfg.Transcription.Mode),
		slog.Bool("jira_enabled", cfg.Jira.Enabled()),
		slog.String("log_level", cfg.Logging.Level),
	)

	if err := os.MkdirAll(cfg.Audio.RecordingsDir, 0755); err != nil {
		return fmt.Errorf("failed to create recordings directory: %w", err)
	}

	// Cancelled on shutdown; scheduled runs inherit it
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appMetrics := metrics.NewMetrics(nil)
	logger.Info("Prometheus metrics initialized")

	store := session.NewStore(logger)
	store.OnTransition(func(id string, from, to session.Status) {
		appMetrics.RecordTransition(string(from), string(to))
	})

	pool, err := worker.NewPool(cfg.Transcription.Workers, appMetrics.SetWorkersInFlight)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}

	// Audio capture
	backend, err := audio.NewMalgoBackend(logger)
	if err != nil {
		return fmt.Errorf("failed to initialize audio backend: %w", err)
	}
	defer backend.Close()

	engine := audio.NewEngine(backend, audio.NewGuard(), audio.EngineConfig{
		Platform:           runtime.GOOS,
		QueueSize:          cfg.Audio.QueueSize,
		SilenceThreshold:   cfg.Audio.SilenceThreshold,
		SilenceLogInterval: cfg.Audio.GetSilenceLogInterval(),
	}, logger)

	// Transcription handoff
	handoff, err := newHandoff(cfg, pool, appMetrics, logger)
	if err != nil {
		return err
	}
	logger.Info("Transcription handoff initialized",
		slog.String("mode", handoff.Mode()),
		slog.Bool("compression", cfg.Transcription.Compression.Enabled),
		slog.Int("workers", cfg.Transcription.Workers),
	)

	// Ticket pipeline
	var ticketProcessor server.TicketProcessor
	if cfg.Jira.Enabled() {
		jira, err := tickets.NewJiraClient(tickets.JiraConfig{
			BaseURL:    cfg.Jira.BaseURL,
			Email:      cfg.Jira.Email,
			APIToken:   cfg.Jira.APIToken,
			ProjectKey: cfg.Jira.ProjectKey,
			Timeout:    cfg.Jira.GetTimeoutDuration(),
		})
		if err != nil {
			return fmt.Errorf("failed to create Jira client: %w", err)
		}
		directory := tickets.NewDirectory(cfg.Jira.Assignees)
		ticketProcessor = tickets.NewPipeline(jira, directory, cfg.Jira.MaxConcurrent, appMetrics, logger)
		logger.Info("Ticket pipeline initialized",
			slog.String("project_key", cfg.Jira.ProjectKey),
			slog.Int("assignees", directory.Len()),
		)
	} else {
		logger.Info("Jira not configured, ticket pipeline disabled")
	}

	// Meeting bot
	driver := meet.NewPlaywrightDriver(meet.Config{
		Headless:      cfg.Meet.Headless,
		BotName:       cfg.Meet.BotName,
		ActionTimeout: cfg.Meet.GetActionTimeout(),
		PollInterval:  cfg.Meet.GetPollInterval(),
		ScreenshotDir: cfg.Meet.ScreenshotDir,
	}, logger)

	orch := orchestrator.New(store, driver, engine, handoff, orchestrator.Config{
		BrowserAudioDevice: cfg.Meet.AudioDevice,
		CaptureDevice:      cfg.Audio.Device,
		RecordingsDir:      cfg.Audio.RecordingsDir,
		SampleRate:         cfg.Audio.SampleRate,
		Channels:           cfg.Audio.Channels,
		ApprovalTimeout:    cfg.Meet.GetApprovalTimeout(),
		RecordingWindow:    cfg.Audio.GetRecordingWindow(),
		StopTimeout:        cfg.Audio.GetStopTimeout(),
	}, appMetrics, logger)

	httpServer := server.NewHTTPServer(ctx, server.Deps{
		Config:    cfg,
		Store:     store,
		Scheduler: orch,
		Handoff:   handoff,
		Tickets:   ticketProcessor,
		Pool:      pool,
		Metrics:   appMetrics,
	}, logger)

	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new meetings)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// Interrupt waiting runs; recordings already captured are still handed off
	cancel()
	drained := make(chan struct{})
	go func() {
		orch.Wait()
		pool.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		logger.Warn("Session runs did not finish in time", slog.Duration("timeout", drainTimeout))
	}

	stats := handoff.GetStats()
	logger.Info("Final service statistics",
		slog.Int("sessions", store.Count()),
		slog.Uint64("handoff_requests", stats.TotalRequests),
		slog.Uint64("handoff_failures", stats.FailedRequests),
	)

	logger.Info("Service stopped")
	return nil
}

// newHandoff wires the transcription service for the configured mode
func newHandoff(cfg *config.Config, pool *worker.Pool, m *metrics.Metrics, logger *slog.Logger) (*transcription.Service, error) {
	tc := cfg.Transcription

	client := transcription.NewClient(transcription.Config{
		Timeout:    tc.GetTimeoutDuration(),
		MaxRetries: tc.MaxRetries,
		UserAgent:  fmt.Sprintf("%s/%s", serviceName, version.Version),
		OnRetry: func(attempt int, err error) {
			m.RecordHandoffRetry()
		},
	})

	var compressor transcription.Compressor
	if tc.Compression.Enabled {
		compressor = audio.NewCompressor(tc.Compression.FFmpegPath, tc.Compression.Bitrate)
	}

	var recognizer transcription.Recognizer
	if tc.Mode == config.ModeSpeechToText {
		stt, err := transcription.NewSTTClient(transcription.STTConfig{
			Endpoint:     tc.STT.Endpoint,
			APIKey:       tc.STT.APIKey,
			ModelID:      tc.STT.ModelID,
			LanguageCode: tc.STT.LanguageCode,
			Diarize:      tc.STT.Diarize,
			Timeout:      tc.GetTimeoutDuration(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create speech-to-text client: %w", err)
		}
		recognizer = stt
	}

	svc, err := transcription.NewService(transcription.ServiceConfig{
		Mode:       tc.Mode,
		Client:     client,
		Recognizer: recognizer,
		Compressor: compressor,
		Pool:       pool,
		Metrics:    m,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcription service: %w", err)
	}
	return svc, nil
}
