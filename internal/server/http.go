package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Mikul17/n8n-meeting-summarizer/internal/config"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/meet"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/metrics"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/orchestrator"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/session"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/tickets"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/transcription"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/version"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/worker"
)

var meetingIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// maxEstimatedDuration caps the recording window a caller may request
const maxEstimatedDuration = 24 * 60 * 60 // seconds

// Scheduler starts session runs in the background
type Scheduler interface {
	Schedule(ctx context.Context, sessionID string, joinTimeout, window time.Duration)
	GetStats() orchestrator.Stats
}

// RecordingSender performs the file-mode transcription handoff
type RecordingSender interface {
	SendRecording(ctx context.Context, sess *session.Session, audioPath string) ([]byte, error)
	GetStats() transcription.ClientStats
}

// TicketProcessor runs the ticket pipeline
type TicketProcessor interface {
	Process(ctx context.Context, sess *session.Session, req tickets.Request) (*tickets.Report, error)
}

// Deps are the components served by the HTTP API
type Deps struct {
	Config    *config.Config
	Store     *session.Store
	Scheduler Scheduler
	Handoff   RecordingSender
	// Tickets is nil when the issue tracker is not configured
	Tickets TicketProcessor
	Pool    *worker.Pool
	Metrics *metrics.Metrics
	// Gatherer serves /metrics; nil uses the default registry
	Gatherer prometheus.Gatherer
}

// HTTPServer provides the meeting API and monitoring endpoints
type HTTPServer struct {
	server *http.Server
	router chi.Router
	logger *slog.Logger
	deps   Deps

	// runCtx outlives individual requests and is handed to scheduled runs
	runCtx context.Context

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(runCtx context.Context, deps Deps, logger *slog.Logger) *HTTPServer {
	h := &HTTPServer{
		logger:    logger,
		deps:      deps,
		runCtx:    runCtx,
		startTime: time.Now(),
	}

	h.router = chi.NewRouter()
	h.setupRoutes()

	cfg := deps.Config.HTTP
	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      h.router,
		ReadTimeout:  cfg.GetReadTimeout(),
		WriteTimeout: cfg.GetWriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes() {
	r := h.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// Meeting sessions
	r.Post("/meetings", h.withMetrics("/meetings", h.handleCreateMeeting))
	r.Get("/meetings", h.withMetrics("/meetings", h.handleListMeetings))
	r.Get("/meetings/{id}", h.withMetrics("/meetings/{id}", h.handleGetMeeting))
	r.Post("/meetings/{id}/transcription", h.withMetrics("/meetings/{id}/transcription", h.handleTranscription))
	r.Post("/meetings/{id}/tickets", h.withMetrics("/meetings/{id}/tickets", h.handleTickets))

	// Service endpoints
	r.Get("/health", h.withMetrics("/health", h.handleHealth))
	r.Get("/config", h.withMetrics("/config", h.handleConfig))
	r.Get("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	if h.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Root endpoint with API documentation
	r.Get("/", h.withMetrics("/", h.handleRoot))
}

// Handler returns the router, for tests and embedding
func (h *HTTPServer) Handler() http.Handler {
	return h.router
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)
		h.deps.Metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		// Record error if status code indicates an error
		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.deps.Metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"error": msg})
}

// createMeetingRequest is the body of POST /meetings
type createMeetingRequest struct {
	MeetingID         string `json:"meeting_id"`
	ResumeURL         string `json:"resume_url"`
	EstimatedDuration int    `json:"estimated_duration"` // seconds
}

// handleCreateMeeting creates a session and schedules its run
func (h *HTTPServer) handleCreateMeeting(w http.ResponseWriter, r *http.Request) {
	var req createMeetingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.ResumeURL == "" {
		writeError(w, http.StatusBadRequest, "resume_url is required")
		return
	}
	if u, err := url.Parse(req.ResumeURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, http.StatusBadRequest, "resume_url must be an absolute http(s) URL")
		return
	}

	if req.MeetingID == "" {
		req.MeetingID = uuid.NewString()
	}
	if !meetingIDPattern.MatchString(req.MeetingID) {
		writeError(w, http.StatusBadRequest, "meeting_id may only contain letters, digits, '-' and '_'")
		return
	}
	if req.EstimatedDuration > maxEstimatedDuration {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("estimated_duration cannot exceed %d seconds", maxEstimatedDuration))
		return
	}

	meetCfg := h.deps.Config.Meet
	meetingURL := meet.MeetingURL(meetCfg.BaseURL, req.MeetingID, meetCfg.Language)

	sess, err := h.deps.Store.Create(req.MeetingID, req.ResumeURL, meetingURL)
	if errors.Is(err, session.ErrSessionExists) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.deps.Metrics.RecordSessionCreated(string(sess.Status()))

	var window time.Duration
	if req.EstimatedDuration > 0 {
		window = time.Duration(req.EstimatedDuration) * time.Second
	}
	h.deps.Scheduler.Schedule(h.runCtx, sess.ID, meetCfg.GetApprovalTimeout(), window)

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"meeting_id":  sess.ID,
		"status":      sess.Status(),
		"meeting_url": sess.MeetingURL,
	})
}

// handleListMeetings implements GET /meetings
func (h *HTTPServer) handleListMeetings(w http.ResponseWriter, r *http.Request) {
	sessions := h.deps.Store.List()
	infos := make([]session.Info, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.GetInfo())
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":     len(infos),
		"timestamp": time.Now().UTC(),
		"meetings":  infos,
	})
}

// handleGetMeeting implements GET /meetings/{id}
func (h *HTTPServer) handleGetMeeting(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.deps.Store.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "meeting not found")
		return
	}
	writeJSON(w, http.StatusOK, sess.GetInfo())
}

// handleTranscription triggers the file-mode handoff of a finished meeting
func (h *HTTPServer) handleTranscription(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.deps.Store.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "meeting not found")
		return
	}

	if err := sess.Require(session.StatusFinished); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	// The orchestrator holds the lease until its own handoff is done
	release, err := sess.Lease()
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	defer release()
	// A trigger that finished while we waited already moved the session on
	if err := sess.Require(session.StatusFinished); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	body, err := h.deps.Handoff.SendRecording(r.Context(), sess, sess.AudioPath())
	if errors.Is(err, session.ErrInvalidState) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("Transcription handoff failed",
			slog.String("meeting_id", sess.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	var response interface{} = string(body)
	if json.Valid(body) {
		response = json.RawMessage(body)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"meeting_id": sess.ID,
		"status":     sess.Status(),
		"response":   response,
	})
}

// handleTickets runs the ticket pipeline for a transcribed meeting
func (h *HTTPServer) handleTickets(w http.ResponseWriter, r *http.Request) {
	if h.deps.Tickets == nil {
		writeError(w, http.StatusServiceUnavailable, "issue tracker is not configured")
		return
	}

	sess, ok := h.deps.Store.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "meeting not found")
		return
	}

	var req tickets.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// A batch that has started must not be cut short by the client going
	// away, or the session would crash halfway through
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), ticketBatchTimeout(h.deps.Config.Jira, req))
	defer cancel()

	report, err := h.deps.Tickets.Process(ctx, sess, req)
	if errors.Is(err, session.ErrInvalidState) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if batchErr, ok := tickets.IsBatchError(err); ok {
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":  batchErr.Error(),
			"status": sess.Status(),
			"report": batchErr.Report,
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": sess.Status(),
		"report": report,
	})
}

// ticketBatchTimeout bounds a ticket batch by the tracker timeout: one per
// wave of concurrent calls, plus one for each of the three dependent levels
func ticketBatchTimeout(cfg config.JiraConfig, req tickets.Request) time.Duration {
	calls := len(req.Bugs)
	for _, f := range req.Features {
		calls += 1 + len(f.Subtasks)
	}
	limit := max(cfg.MaxConcurrent, 1)
	waves := (calls + limit - 1) / limit
	return cfg.GetTimeoutDuration() * time.Duration(waves+3)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts := h.deps.Store.CountByStatus()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    "meetbot",
			"version": version.Version,
		},
		"components": map[string]interface{}{
			"sessions": map[string]interface{}{
				"status":  "running",
				"total":   h.deps.Store.Count(),
				"active":  h.deps.Store.ActiveCount(),
				"crashed": counts[session.StatusCrashed],
			},
			"orchestrator": map[string]interface{}{
				"status":  "running",
				"running": h.deps.Scheduler.GetStats().Running,
			},
			"ticket_pipeline": map[string]interface{}{
				"enabled": h.deps.Tickets != nil,
			},
		},
	}

	writeJSON(w, http.StatusOK, health)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.deps.Config

	// Return sanitized configuration (credentials omitted)
	sanitizedConfig := map[string]interface{}{
		"http": map[string]interface{}{
			"port":          cfg.HTTP.Port,
			"address":       cfg.HTTP.Address,
			"read_timeout":  cfg.HTTP.ReadTimeout,
			"write_timeout": cfg.HTTP.WriteTimeout,
		},
		"meet": map[string]interface{}{
			"base_url":         cfg.Meet.BaseURL,
			"language":         cfg.Meet.Language,
			"bot_name":         cfg.Meet.BotName,
			"audio_device":     cfg.Meet.AudioDevice,
			"headless":         cfg.Meet.Headless,
			"approval_timeout": cfg.Meet.ApprovalTimeout,
		},
		"audio": map[string]interface{}{
			"recordings_dir":   cfg.Audio.RecordingsDir,
			"device":           cfg.Audio.Device,
			"sample_rate":      cfg.Audio.SampleRate,
			"channels":         cfg.Audio.Channels,
			"recording_window": cfg.Audio.RecordingWindow,
			"stop_timeout":     cfg.Audio.StopTimeout,
		},
		"transcription": map[string]interface{}{
			"mode":        cfg.Transcription.Mode,
			"timeout":     cfg.Transcription.Timeout,
			"max_retries": cfg.Transcription.MaxRetries,
			"workers":     cfg.Transcription.Workers,
			"compression": cfg.Transcription.Compression.Enabled,
			"stt_model":   cfg.Transcription.STT.ModelID,
			"stt_api_key": cfg.Transcription.STT.APIKey != "",
		},
		"jira": map[string]interface{}{
			"enabled":        cfg.Jira.Enabled(),
			"base_url":       cfg.Jira.BaseURL,
			"project_key":    cfg.Jira.ProjectKey,
			"max_concurrent": cfg.Jira.MaxConcurrent,
			"assignees":      len(cfg.Jira.Assignees),
		},
		"logging": map[string]interface{}{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
			"output": cfg.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	byStatus := make(map[string]int)
	for status, n := range h.deps.Store.CountByStatus() {
		byStatus[string(status)] = n
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions": map[string]interface{}{
			"total":     h.deps.Store.Count(),
			"active":    h.deps.Store.ActiveCount(),
			"by_status": byStatus,
		},
		"orchestrator":  h.deps.Scheduler.GetStats(),
		"transcription": h.deps.Handoff.GetStats(),
	}
	if h.deps.Pool != nil {
		stats["worker_pool"] = h.deps.Pool.GetStats()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	apiDoc := map[string]interface{}{
		"service": "Meeting Bot Service",
		"version": version.Version,
		"endpoints": map[string]interface{}{
			"GET /":                             "API documentation",
			"POST /meetings":                    "Join a meeting and record it",
			"GET /meetings":                     "List all meeting sessions",
			"GET /meetings/{id}":                "Get meeting session status",
			"POST /meetings/{id}/transcription": "Send a finished recording to its resume URL",
			"POST /meetings/{id}/tickets":       "Create tracker tickets for a transcribed meeting",
			"GET /health":                       "Service health check",
			"GET /config":                       "Get service configuration",
			"GET /stats":                        "Get service statistics",
			"GET /metrics":                      "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}
