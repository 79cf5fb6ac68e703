package transcription

import "strings"

// Word types reported by the speech-to-text provider
const (
	WordTypeWord       = "word"
	WordTypeSpacing    = "spacing"
	WordTypeAudioEvent = "audio_event"
)

// Word is one timestamped, speaker-tagged token
type Word struct {
	Text      string  `json:"text"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Type      string  `json:"type,omitempty"`
	SpeakerID string  `json:"speaker_id"`
}

// Segment is a run of consecutive words from one speaker
type Segment struct {
	Speaker string  `json:"speaker"`
	Text    string  `json:"text"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

// GroupSegments merges consecutive same-speaker words into segments. A new
// segment starts exactly when the speaker changes; a segment ends where its
// last word ends. Spacing tokens carry no text and are skipped.
func GroupSegments(words []Word) []Segment {
	segments := make([]Segment, 0)

	var current *Segment
	var text []string
	flush := func() {
		if current != nil {
			current.Text = strings.Join(text, " ")
			segments = append(segments, *current)
		}
	}

	for _, w := range words {
		if w.Type == WordTypeSpacing {
			continue
		}

		if current == nil || w.SpeakerID != current.Speaker {
			flush()
			current = &Segment{Speaker: w.SpeakerID, Start: w.Start}
			text = text[:0]
		}

		text = append(text, w.Text)
		current.End = w.End
	}
	flush()

	return segments
}
