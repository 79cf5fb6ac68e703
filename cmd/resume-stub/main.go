// Command resume-stub is a stand-in for a workflow resume URL. It accepts
// recording uploads and transcripts and logs what it received.
package main

import (
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

type resumeResponse struct {
	MeetingID  string    `json:"meeting_id"`
	Kind       string    `json:"kind"`
	Bytes      int64     `json:"bytes,omitempty"`
	Segments   int       `json:"segments,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

type transcript struct {
	MeetingID string            `json:"meeting_id"`
	FullText  string            `json:"full_text"`
	Segments  []json.RawMessage `json:"segments"`
}

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	r := chi.NewRouter()
	r.Post("/resume/{token}", func(w http.ResponseWriter, r *http.Request) {
		logger := logger.With(slog.String("token", chi.URLParam(r, "token")))

		var resp resumeResponse
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			if err := r.ParseMultipartForm(32 << 20); err != nil {
				http.Error(w, "Error parsing form", http.StatusBadRequest)
				return
			}
			file, header, err := r.FormFile("file")
			if err != nil {
				http.Error(w, "Error getting audio file", http.StatusBadRequest)
				return
			}
			defer file.Close()

			n, err := io.Copy(io.Discard, file)
			if err != nil {
				http.Error(w, "Error reading audio file", http.StatusInternalServerError)
				return
			}
			resp = resumeResponse{MeetingID: r.FormValue("meeting_id"), Kind: "recording", Bytes: n}
			logger.Info("Recording received",
				slog.String("meeting_id", resp.MeetingID),
				slog.String("filename", header.Filename),
				slog.String("content_type", header.Header.Get("Content-Type")),
				slog.Int64("bytes", n),
			)
		} else {
			var t transcript
			if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
				http.Error(w, "Error decoding transcript", http.StatusBadRequest)
				return
			}
			resp = resumeResponse{MeetingID: t.MeetingID, Kind: "transcript", Segments: len(t.Segments)}
			logger.Info("Transcript received",
				slog.String("meeting_id", t.MeetingID),
				slog.Int("segments", len(t.Segments)),
				slog.Int("characters", len(t.FullText)),
			)
		}

		time.Sleep(*delay)

		resp.ReceivedAt = time.Now().UTC()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	logger.Info("Resume stub listening",
		slog.String("addr", *addr),
		slog.String("resume_url", "http://localhost"+*addr+"/resume/<token>"),
	)
	if err := http.ListenAndServe(*addr, r); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
