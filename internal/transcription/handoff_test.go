package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mikul17/n8n-meeting-summarizer/internal/config"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/metrics"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/session"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeCompressor struct {
	err error
}

func (c *fakeCompressor) Compress(ctx context.Context, wavPath string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	out := strings.TrimSuffix(wavPath, ".wav") + ".mp3"
	return out, os.WriteFile(out, []byte("ID3-compressed"), 0644)
}

type fakeRecognizer struct {
	result *Recognition
	err    error
	calls  int
}

func (r *fakeRecognizer) Recognize(ctx context.Context, payload Payload) (*Recognition, error) {
	r.calls++
	return r.result, r.err
}

// resumeServer records what the resume URL received
type resumeServer struct {
	*httptest.Server

	mu         sync.Mutex
	calls      int
	meetingID  string
	filename   string
	data       []byte
	transcript *Transcript
	status     int
}

func newResumeServer(t *testing.T, status int) *resumeServer {
	rs := &resumeServer{status: status}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.mu.Lock()
		defer rs.mu.Unlock()
		rs.calls++

		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			var tr Transcript
			if err := json.NewDecoder(r.Body).Decode(&tr); err == nil {
				rs.transcript = &tr
			}
		} else if err := r.ParseMultipartForm(1 << 20); err == nil {
			rs.meetingID = r.FormValue("meeting_id")
			if file, header, err := r.FormFile("file"); err == nil {
				rs.filename = header.Filename
				rs.data, _ = io.ReadAll(file)
				file.Close()
			}
		}

		w.WriteHeader(rs.status)
		w.Write([]byte(`{"received":true}`))
	}))
	t.Cleanup(rs.Close)
	return rs
}

func finishedSession(t *testing.T, id, resumeURL string) *session.Session {
	t.Helper()
	sess := session.New(id, resumeURL, "")
	for _, next := range []session.Status{session.StatusConnected, session.StatusRecording, session.StatusFinished} {
		require.NoError(t, sess.Transition(next))
	}
	return sess
}

func newTestService(t *testing.T, mode string, compressor Compressor, recognizer Recognizer) (*Service, *metrics.Metrics) {
	t.Helper()
	pool, err := worker.NewPool(2, nil)
	require.NoError(t, err)

	m := metrics.NewMetrics(prometheus.NewRegistry())
	svc, err := NewService(ServiceConfig{
		Mode:       mode,
		Client:     NewClient(Config{}),
		Recognizer: recognizer,
		Compressor: compressor,
		Pool:       pool,
		Metrics:    m,
	}, testLogger())
	require.NoError(t, err)
	return svc, m
}

func TestSendRecordingRejectsUnfinishedSession(t *testing.T) {
	rs := newResumeServer(t, http.StatusOK)
	audio := writeTempFile(t, "m1_record.wav", []byte("RIFF"))
	svc, _ := newTestService(t, config.ModeResumeURL, nil, nil)

	for _, status := range []session.Status{session.StatusStarting, session.StatusRecording} {
		sess := session.New("m1", rs.URL, "")
		if status == session.StatusRecording {
			require.NoError(t, sess.Transition(session.StatusConnected))
			require.NoError(t, sess.Transition(session.StatusRecording))
		}

		_, err := svc.SendRecording(context.Background(), sess, audio)
		assert.ErrorIs(t, err, session.ErrInvalidState)
		assert.Equal(t, status, sess.Status(), "status must be unchanged")
	}
	assert.Zero(t, rs.calls)
}

func TestSendRecordingCompressed(t *testing.T) {
	rs := newResumeServer(t, http.StatusOK)
	audio := writeTempFile(t, "m1_record.wav", []byte("RIFF-raw"))
	svc, _ := newTestService(t, config.ModeResumeURL, &fakeCompressor{}, nil)

	sess := finishedSession(t, "m1", rs.URL)
	body, err := svc.SendRecording(context.Background(), sess, audio)
	require.NoError(t, err)

	rs.mu.Lock()
	defer rs.mu.Unlock()

	assert.JSONEq(t, `{"received":true}`, string(body))
	assert.Equal(t, session.StatusTranscribed, sess.Status())
	assert.Equal(t, "m1", rs.meetingID)
	assert.Equal(t, "m1_record.mp3", rs.filename)
	assert.Equal(t, []byte("ID3-compressed"), rs.data)

	_, err = os.Stat(filepath.Join(filepath.Dir(audio), "m1_record.mp3"))
	assert.True(t, os.IsNotExist(err), "transient mp3 should be removed")
}

func TestSendRecordingFallsBackToRawOnCompressionFailure(t *testing.T) {
	rs := newResumeServer(t, http.StatusOK)
	audio := writeTempFile(t, "m1_record.wav", []byte("RIFF-raw"))
	svc, m := newTestService(t, config.ModeResumeURL, &fakeCompressor{err: errors.New("ffmpeg missing")}, nil)

	sess := finishedSession(t, "m1", rs.URL)
	_, err := svc.SendRecording(context.Background(), sess, audio)
	require.NoError(t, err)

	rs.mu.Lock()
	defer rs.mu.Unlock()

	assert.Equal(t, session.StatusTranscribed, sess.Status())
	assert.Equal(t, "m1_record.wav", rs.filename)
	assert.Equal(t, []byte("RIFF-raw"), rs.data)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CompressionFailures))
}

func TestSendRecordingHTTPFailureKeepsStatus(t *testing.T) {
	rs := newResumeServer(t, http.StatusInternalServerError)
	audio := writeTempFile(t, "m1_record.wav", []byte("RIFF"))
	svc, m := newTestService(t, config.ModeResumeURL, nil, nil)

	sess := finishedSession(t, "m1", rs.URL)
	_, err := svc.SendRecording(context.Background(), sess, audio)
	assert.ErrorIs(t, err, ErrHTTPStatus)
	assert.Equal(t, session.StatusFinished, sess.Status())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HandoffFailures.WithLabelValues(config.ModeResumeURL)))
}

func TestTranscribeForwardsSegments(t *testing.T) {
	rs := newResumeServer(t, http.StatusOK)
	audio := writeTempFile(t, "m1_record.wav", []byte("RIFF"))
	recognizer := &fakeRecognizer{result: &Recognition{
		Text: "hi there yo",
		Words: []Word{
			{Text: "hi", Start: 0, End: 1, SpeakerID: "A"},
			{Text: "there", Start: 1, End: 2, SpeakerID: "A"},
			{Text: "yo", Start: 2, End: 3, SpeakerID: "B"},
		},
	}}
	svc, _ := newTestService(t, config.ModeSpeechToText, &fakeCompressor{}, recognizer)

	sess := finishedSession(t, "m1", rs.URL)
	require.NoError(t, svc.Deliver(context.Background(), sess, audio))

	rs.mu.Lock()
	defer rs.mu.Unlock()

	assert.Equal(t, session.StatusTranscribed, sess.Status())
	require.NotNil(t, rs.transcript)
	assert.Equal(t, "m1", rs.transcript.MeetingID)
	assert.Equal(t, "hi there yo", rs.transcript.FullText)
	assert.Equal(t, []Segment{
		{Speaker: "A", Text: "hi there", Start: 0, End: 2},
		{Speaker: "B", Text: "yo", Start: 2, End: 3},
	}, rs.transcript.Segments)
}

func TestTranscribeFailureCrashesSession(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		recognizer *fakeRecognizer
	}{
		{
			name:       "provider error",
			status:     http.StatusOK,
			recognizer: &fakeRecognizer{err: errors.New("quota exceeded")},
		},
		{
			name:       "resume URL rejects transcript",
			status:     http.StatusBadGateway,
			recognizer: &fakeRecognizer{result: &Recognition{Text: "x", Words: []Word{{Text: "x", SpeakerID: "A"}}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := newResumeServer(t, tt.status)
			audio := writeTempFile(t, "m1_record.wav", []byte("RIFF"))
			svc, _ := newTestService(t, config.ModeSpeechToText, nil, tt.recognizer)

			sess := finishedSession(t, "m1", rs.URL)
			_, err := svc.Transcribe(context.Background(), sess, audio)
			assert.Error(t, err)
			assert.Equal(t, session.StatusCrashed, sess.Status())
		})
	}
}

func TestTranscribeRejectsUnfinishedSessionWithoutCrash(t *testing.T) {
	audio := writeTempFile(t, "m1_record.wav", []byte("RIFF"))
	recognizer := &fakeRecognizer{}
	svc, _ := newTestService(t, config.ModeSpeechToText, nil, recognizer)

	sess := session.New("m1", "http://resume", "")
	_, err := svc.Transcribe(context.Background(), sess, audio)
	assert.ErrorIs(t, err, session.ErrInvalidState)
	assert.Equal(t, session.StatusStarting, sess.Status())
	assert.Zero(t, recognizer.calls)
}

func TestNewServiceValidation(t *testing.T) {
	pool, err := worker.NewPool(1, nil)
	require.NoError(t, err)

	_, err = NewService(ServiceConfig{Mode: "carrier-pigeon", Client: NewClient(Config{}), Pool: pool}, testLogger())
	assert.Error(t, err)

	_, err = NewService(ServiceConfig{Mode: config.ModeSpeechToText, Client: NewClient(Config{}), Pool: pool}, testLogger())
	assert.Error(t, err, "speech-to-text requires a recognizer")

	_, err = NewService(ServiceConfig{Mode: config.ModeResumeURL, Pool: pool}, testLogger())
	assert.Error(t, err)
}
