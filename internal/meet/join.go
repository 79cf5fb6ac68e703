package meet

import (
	"context"
	"log/slog"
	"time"
)

// Page texts the join flow looks for
const (
	textContinueWithoutMedia = "Continue without microphone and camera"
	textGotIt                = "Got it"
	textAskToJoin            = "Ask to join"
	labelYourName            = "Your name"
	labelLeaveCall           = "Leave call"
	labelSpeaker             = "Speaker"
)

var deniedTexts = []string{
	"You can't join this call",
	"Someone in the call denied your request",
}

var endedTexts = []string{
	"You've left the meeting",
	"The call has ended",
	"You've been removed from the meeting",
	"Return to home screen",
}

// surface is the minimal set of best-effort page actions the join flow
// needs. Actions report false instead of failing when an element is absent.
type surface interface {
	clickText(text string) bool
	clickLabel(label string) bool
	fillLabel(label, value string) bool
	textVisible(text string) bool
	labelVisible(label string) bool
	pause(d time.Duration)
}

// joinFlow implements the meeting conversation on top of a surface
type joinFlow struct {
	page         surface
	botName      string
	pollInterval time.Duration
	logger       *slog.Logger
}

// Admission is the host's answer to a join request
type Admission int

// Admission states
const (
	AdmissionPending Admission = iota
	AdmissionAdmitted
	AdmissionDenied
)

func (f *joinFlow) selectDevice(name string) {
	if !f.page.clickLabel(labelSpeaker) {
		f.logger.Warn("Speaker selector not found, keeping default output device",
			slog.String("device", name),
		)
		return
	}
	if !f.page.clickText(name) {
		f.logger.Warn("Audio device not offered by the page", slog.String("device", name))
		return
	}
	f.logger.Info("Audio output device selected", slog.String("device", name))
}

func (f *joinFlow) requestJoin() {
	f.page.clickText(textContinueWithoutMedia)
	f.page.clickText(textGotIt)
	f.page.fillLabel(labelYourName, f.botName)
	if f.page.clickText(textAskToJoin) {
		f.logger.Info("Join requested", slog.String("bot_name", f.botName))
	} else {
		f.logger.Warn("Ask to join button not found")
	}
}

func (f *joinFlow) admission() Admission {
	if f.page.labelVisible(labelLeaveCall) {
		return AdmissionAdmitted
	}
	for _, text := range deniedTexts {
		if f.page.textVisible(text) {
			return AdmissionDenied
		}
	}
	return AdmissionPending
}

func (f *joinFlow) ended() bool {
	for _, text := range endedTexts {
		if f.page.textVisible(text) {
			return true
		}
	}
	return !f.page.labelVisible(labelLeaveCall)
}

func (f *joinFlow) waitForApproval(ctx context.Context, timeout time.Duration) bool {
	var state Admission
	_, err := Poll(ctx, f.pollInterval, timeout, func() (bool, error) {
		state = f.admission()
		return state != AdmissionPending, nil
	})

	switch {
	case err != nil:
		f.logger.Warn("Approval wait interrupted", slog.String("error", err.Error()))
		return false
	case state == AdmissionAdmitted:
		f.logger.Info("Admitted to meeting")
		return true
	case state == AdmissionDenied:
		f.logger.Error("Join request denied by host", slog.String("error", ErrJoinDenied.Error()))
		return false
	default:
		f.logger.Error("Host did not admit the bot",
			slog.String("error", ErrApprovalTimeout.Error()),
			slog.Duration("timeout", timeout),
		)
		return false
	}
}

func (f *joinFlow) waitForEnd(ctx context.Context, timeout time.Duration) bool {
	ended, err := Poll(ctx, f.pollInterval, timeout, func() (bool, error) {
		return f.ended(), nil
	})
	if err != nil {
		f.logger.Warn("Meeting end wait interrupted", slog.String("error", err.Error()))
		return false
	}
	if ended {
		f.logger.Info("Meeting ended before recording window closed")
	} else {
		f.logger.Info("Recording window elapsed", slog.Duration("window", timeout))
	}
	return ended
}
