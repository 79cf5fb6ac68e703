package meet

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrApprovalTimeout is reported when the host does not admit the bot in time
var ErrApprovalTimeout = errors.New("approval timeout")

// ErrJoinDenied is reported when the host rejects the join request
var ErrJoinDenied = errors.New("join request denied")

// Driver opens meeting connections
type Driver interface {
	Connect(ctx context.Context, meetingURL string) (Conn, error)
}

// Conn is one browser session inside a meeting. Close must be called exactly
// once by the owner on every exit path.
type Conn interface {
	SelectDevice(ctx context.Context, name string) error
	RequestJoin(ctx context.Context) error
	// WaitForApproval reports whether the bot was admitted within timeout
	WaitForApproval(ctx context.Context, timeout time.Duration) bool
	// WaitForEnd reports whether the meeting ended before timeout
	WaitForEnd(ctx context.Context, timeout time.Duration) bool
	Close() error
}

// MeetingURL builds the meeting page address for a meeting id
func MeetingURL(baseURL, meetingID, language string) string {
	url := strings.TrimRight(baseURL, "/") + "/" + meetingID
	if language != "" {
		url += "?hl=" + language
	}
	return url
}

// Poll calls check every interval until it reports done, timeout elapses or
// ctx ends. It returns true only when check reported done. A check error
// stops polling and is returned.
func Poll(ctx context.Context, interval, timeout time.Duration, check func() (bool, error)) (bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := check()
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case <-ticker.C:
		}
	}
}
