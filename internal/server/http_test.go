package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mikul17/n8n-meeting-summarizer/internal/config"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/metrics"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/orchestrator"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/session"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/tickets"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/transcription"
)

type scheduled struct {
	id          string
	joinTimeout time.Duration
	window      time.Duration
}

type fakeScheduler struct {
	mu    sync.Mutex
	calls []scheduled
}

func (f *fakeScheduler) Schedule(ctx context.Context, id string, joinTimeout, window time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, scheduled{id: id, joinTimeout: joinTimeout, window: window})
}

func (f *fakeScheduler) GetStats() orchestrator.Stats {
	return orchestrator.Stats{}
}

type fakeSender struct {
	body []byte
	err  error
	path string
}

func (f *fakeSender) SendRecording(ctx context.Context, sess *session.Session, audioPath string) ([]byte, error) {
	f.path = audioPath
	if f.err != nil {
		return nil, f.err
	}
	if err := sess.Advance(session.StatusFinished, session.StatusTranscribed); err != nil {
		return nil, err
	}
	return f.body, nil
}

func (f *fakeSender) GetStats() transcription.ClientStats {
	return transcription.ClientStats{}
}

type fakeTickets struct {
	report *tickets.Report
	err    error
	got    tickets.Request

	ctxErr      error
	hasDeadline bool
}

func (f *fakeTickets) Process(ctx context.Context, sess *session.Session, req tickets.Request) (*tickets.Report, error) {
	f.got = req
	f.ctxErr = ctx.Err()
	_, f.hasDeadline = ctx.Deadline()
	return f.report, f.err
}

type harness struct {
	srv       *HTTPServer
	store     *session.Store
	scheduler *fakeScheduler
	sender    *fakeSender
}

func newHarness(t *testing.T, processor TicketProcessor) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()

	h := &harness{
		store:     session.NewStore(logger),
		scheduler: &fakeScheduler{},
		sender:    &fakeSender{body: []byte(`{"ok":true}`)},
	}
	h.srv = NewHTTPServer(context.Background(), Deps{
		Config:    config.Default(),
		Store:     h.store,
		Scheduler: h.scheduler,
		Handoff:   h.sender,
		Tickets:   processor,
		Metrics:   metrics.NewMetrics(reg),
		Gatherer:  reg,
	}, logger)
	return h
}

func (h *harness) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

// advanceTo walks a session along the happy path up to status
func advanceTo(t *testing.T, sess *session.Session, status session.Status) {
	t.Helper()
	path := []session.Status{
		session.StatusStarting,
		session.StatusConnected,
		session.StatusRecording,
		session.StatusFinished,
		session.StatusTranscribed,
	}
	for i := 1; i < len(path) && path[i-1] != status; i++ {
		require.NoError(t, sess.Advance(path[i-1], path[i]))
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestCreateMeeting(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodPost, "/meetings", map[string]interface{}{
		"meeting_id": "abc-defg-hij",
		"resume_url": "http://n8n.local/webhook-waiting/1",
	})

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "abc-defg-hij", body["meeting_id"])
	assert.Equal(t, "starting", body["status"])
	assert.Equal(t, "https://meet.google.com/abc-defg-hij?hl=en", body["meeting_url"])

	sess, ok := h.store.Get("abc-defg-hij")
	require.True(t, ok)
	assert.Equal(t, "http://n8n.local/webhook-waiting/1", sess.ResumeURL)

	require.Len(t, h.scheduler.calls, 1)
	call := h.scheduler.calls[0]
	assert.Equal(t, "abc-defg-hij", call.id)
	assert.Equal(t, 120*time.Second, call.joinTimeout)
	assert.Zero(t, call.window)
}

func TestCreateMeetingUsesEstimatedDuration(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodPost, "/meetings", map[string]interface{}{
		"meeting_id":         "weekly",
		"resume_url":         "https://n8n.example.com/resume",
		"estimated_duration": 600,
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, h.scheduler.calls, 1)
	assert.Equal(t, 10*time.Minute, h.scheduler.calls[0].window)
}

func TestCreateMeetingGeneratesID(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodPost, "/meetings", map[string]interface{}{
		"resume_url": "https://n8n.example.com/resume",
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	id, _ := decode(t, rec)["meeting_id"].(string)
	_, err := uuid.Parse(id)
	assert.NoError(t, err)
	assert.Equal(t, 1, h.store.Count())
}

func TestCreateMeetingValidation(t *testing.T) {
	tests := []struct {
		name string
		body interface{}
	}{
		{"missing resume url", map[string]interface{}{"meeting_id": "abc"}},
		{"relative resume url", map[string]interface{}{"meeting_id": "abc", "resume_url": "/resume"}},
		{"unsupported scheme", map[string]interface{}{"meeting_id": "abc", "resume_url": "ftp://host/x"}},
		{"path traversal id", map[string]interface{}{"meeting_id": "../etc", "resume_url": "http://host/x"}},
		{"estimated duration too large", map[string]interface{}{"meeting_id": "abc", "resume_url": "http://host/x", "estimated_duration": 1 << 62}},
		{"estimated duration overflows", map[string]interface{}{"meeting_id": "abc", "resume_url": "http://host/x", "estimated_duration": 1e30}},
		{"malformed body", "not an object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			rec := h.do(http.MethodPost, "/meetings", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decode(t, rec), "error")
			assert.Zero(t, h.store.Count())
			assert.Empty(t, h.scheduler.calls)
		})
	}
}

func TestCreateMeetingDuplicate(t *testing.T) {
	h := newHarness(t, nil)
	body := map[string]interface{}{"meeting_id": "dup", "resume_url": "http://host/x"}

	require.Equal(t, http.StatusAccepted, h.do(http.MethodPost, "/meetings", body).Code)
	rec := h.do(http.MethodPost, "/meetings", body)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Len(t, h.scheduler.calls, 1)
}

func TestGetMeeting(t *testing.T) {
	h := newHarness(t, nil)
	sess, err := h.store.Create("m1", "http://host/x", "")
	require.NoError(t, err)
	advanceTo(t, sess, session.StatusRecording)

	rec := h.do(http.MethodGet, "/meetings/m1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "m1", body["meeting_id"])
	assert.Equal(t, "recording", body["status"])

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/meetings/unknown", nil).Code)
}

func TestListMeetings(t *testing.T) {
	h := newHarness(t, nil)
	for _, id := range []string{"a", "b"} {
		_, err := h.store.Create(id, "http://host/x", "")
		require.NoError(t, err)
	}

	rec := h.do(http.MethodGet, "/meetings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 2, body["total"])
	assert.Len(t, body["meetings"], 2)
}

func TestTranscriptionTrigger(t *testing.T) {
	h := newHarness(t, nil)
	sess, err := h.store.Create("m1", "http://host/x", "")
	require.NoError(t, err)
	advanceTo(t, sess, session.StatusFinished)
	sess.SetAudioPath("/recordings/m1_record.wav")

	rec := h.do(http.MethodPost, "/meetings/m1/transcription", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "transcribed", body["status"])
	assert.Equal(t, map[string]interface{}{"ok": true}, body["response"])
	assert.Equal(t, "/recordings/m1_record.wav", h.sender.path)
}

func TestTranscriptionTriggerErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"wrong state", fmt.Errorf("send recording: %w", session.ErrInvalidState), http.StatusConflict},
		{"upstream failure", errors.New("resume URL returned 500"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.sender.err = tt.err
			sess, err := h.store.Create("m1", "http://host/x", "")
			require.NoError(t, err)
			advanceTo(t, sess, session.StatusFinished)

			rec := h.do(http.MethodPost, "/meetings/m1/transcription", nil)
			assert.Equal(t, tt.want, rec.Code)
			assert.False(t, sess.Busy(), "lease released after the request")
		})
	}

	h := newHarness(t, nil)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/meetings/none/transcription", nil).Code)
}

func TestTranscriptionTriggerRequiresFinished(t *testing.T) {
	h := newHarness(t, nil)
	sess, err := h.store.Create("m1", "http://host/x", "")
	require.NoError(t, err)
	advanceTo(t, sess, session.StatusRecording)

	rec := h.do(http.MethodPost, "/meetings/m1/transcription", nil)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, h.sender.path, "nothing uploaded")
	assert.Equal(t, session.StatusRecording, sess.Status())
}

func TestTranscriptionTriggerWhileRunInFlight(t *testing.T) {
	h := newHarness(t, nil)
	sess, err := h.store.Create("m1", "http://host/x", "")
	require.NoError(t, err)
	advanceTo(t, sess, session.StatusFinished)
	sess.SetAudioPath("/recordings/m1_record.wav")

	// The orchestrator is still stopping capture and owns the session
	release, err := sess.Lease()
	require.NoError(t, err)

	rec := h.do(http.MethodPost, "/meetings/m1/transcription", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, h.sender.path, "nothing uploaded")
	assert.Equal(t, session.StatusFinished, sess.Status())

	release()
	rec = h.do(http.MethodPost, "/meetings/m1/transcription", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConcurrentTranscriptionTriggersUploadOnce(t *testing.T) {
	h := newHarness(t, nil)
	sess, err := h.store.Create("m1", "http://host/x", "")
	require.NoError(t, err)
	advanceTo(t, sess, session.StatusFinished)

	var wg sync.WaitGroup
	codes := make([]int, 8)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = h.do(http.MethodPost, "/meetings/m1/transcription", nil).Code
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, code := range codes {
		if code == http.StatusOK {
			ok++
		} else {
			assert.Equal(t, http.StatusConflict, code)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, session.StatusTranscribed, sess.Status())
}

func TestTicketsDisabled(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.store.Create("m1", "http://host/x", "")
	require.NoError(t, err)

	rec := h.do(http.MethodPost, "/meetings/m1/tickets", tickets.Request{})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTicketsTrigger(t *testing.T) {
	processor := &fakeTickets{report: &tickets.Report{MeetingID: "m1", Created: 1}}
	h := newHarness(t, processor)
	_, err := h.store.Create("m1", "http://host/x", "")
	require.NoError(t, err)

	req := tickets.Request{
		Features: []tickets.Feature{{Item: tickets.Item{Summary: "Export to CSV", Assignee: "Anna"}}},
	}
	rec := h.do(http.MethodPost, "/meetings/m1/tickets", req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report, ok := decode(t, rec)["report"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 1, report["created"])
	require.Len(t, processor.got.Features, 1)
	assert.Equal(t, "Export to CSV", processor.got.Features[0].Summary)
}

func TestTicketsTriggerErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"wrong state", fmt.Errorf("process: %w", session.ErrInvalidState), http.StatusConflict},
		{"partial failure", &tickets.BatchError{Report: &tickets.Report{MeetingID: "m1", Created: 1, Failed: 1}}, http.StatusBadGateway},
		{"invalid request", errors.New("feature 1: summary is required"), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &fakeTickets{err: tt.err})
			_, err := h.store.Create("m1", "http://host/x", "")
			require.NoError(t, err)

			rec := h.do(http.MethodPost, "/meetings/m1/tickets", tickets.Request{})
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestBatchErrorIncludesReport(t *testing.T) {
	batch := &tickets.BatchError{Report: &tickets.Report{MeetingID: "m1", Created: 2, Failed: 1, Skipped: 1}}
	h := newHarness(t, &fakeTickets{err: batch})
	_, err := h.store.Create("m1", "http://host/x", "")
	require.NoError(t, err)

	rec := h.do(http.MethodPost, "/meetings/m1/tickets", tickets.Request{})

	require.Equal(t, http.StatusBadGateway, rec.Code)
	report, ok := decode(t, rec)["report"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 1, report["failed"])
	assert.EqualValues(t, 1, report["skipped"])
}

func TestTicketsSurviveClientDisconnect(t *testing.T) {
	processor := &fakeTickets{report: &tickets.Report{MeetingID: "m1"}}
	h := newHarness(t, processor)
	_, err := h.store.Create("m1", "http://host/x", "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	data, _ := json.Marshal(tickets.Request{Bugs: []tickets.Item{{Summary: "Crash on login"}}})
	req := httptest.NewRequest(http.MethodPost, "/meetings/m1/tickets", bytes.NewReader(data)).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, processor.ctxErr, "batch context is detached from the request")
	assert.True(t, processor.hasDeadline, "batch context is still bounded")
}

func TestTicketBatchTimeout(t *testing.T) {
	cfg := config.Default().Jira // 30 s per call, 8 in flight

	empty := ticketBatchTimeout(cfg, tickets.Request{})
	assert.Equal(t, 90*time.Second, empty)

	req := tickets.Request{Bugs: make([]tickets.Item, 9)}
	assert.Equal(t, 150*time.Second, ticketBatchTimeout(cfg, req))
}

func TestMonitoringEndpoints(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.store.Create("m1", "http://host/x", "")
	require.NoError(t, err)

	for _, path := range []string{"/", "/health", "/stats", "/config"} {
		rec := h.do(http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"), path)
	}

	rec := h.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "meetbot_http_requests_total")
}

func TestConfigOmitsSecrets(t *testing.T) {
	h := newHarness(t, nil)
	h.srv.deps.Config.Transcription.STT.APIKey = "super-secret"
	h.srv.deps.Config.Jira.APIToken = "jira-secret"

	rec := h.do(http.MethodGet, "/config", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "super-secret")
	assert.NotContains(t, rec.Body.String(), "jira-secret")
}
