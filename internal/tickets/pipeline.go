package tickets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Mikul17/n8n-meeting-summarizer/internal/metrics"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/session"
)

// Item is a ticket to create
type Item struct {
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	Assignee    string `json:"assignee,omitempty"`
}

// Feature is a story with optional sub-tasks
type Feature struct {
	Item
	Subtasks []Item `json:"subtasks,omitempty"`
}

// Request is the set of tickets derived from a meeting
type Request struct {
	Features []Feature `json:"features"`
	Bugs     []Item    `json:"bugs"`
}

// Validate checks that every ticket has a summary
func (r *Request) Validate() error {
	for i, f := range r.Features {
		if f.Summary == "" {
			return fmt.Errorf("feature %d has no summary", i)
		}
		for j, st := range f.Subtasks {
			if st.Summary == "" {
				return fmt.Errorf("feature %d sub-task %d has no summary", i, j)
			}
		}
	}
	for i, b := range r.Bugs {
		if b.Summary == "" {
			return fmt.Errorf("bug %d has no summary", i)
		}
	}
	return nil
}

// Result is the outcome of one ticket
type Result struct {
	Type      IssueType `json:"type"`
	Summary   string    `json:"summary"`
	Key       string    `json:"key,omitempty"`
	ParentKey string    `json:"parent_key,omitempty"`
	Assignee  string    `json:"assignee,omitempty"`
	Assigned  bool      `json:"assigned"`
	Error     string    `json:"error,omitempty"`
}

// OK reports whether the ticket was created
func (r Result) OK() bool {
	return r.Error == ""
}

// Report collects the outcome of every ticket in a batch
type Report struct {
	MeetingID string        `json:"meeting_id"`
	Created   int           `json:"created"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Results   []Result      `json:"results"`
	Duration  time.Duration `json:"duration"`

	mu sync.Mutex
}

func (r *Report) add(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res.OK() {
		r.Created++
	} else {
		r.Failed++
	}
	r.Results = append(r.Results, res)
}

func (r *Report) skip(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Skipped += n
}

// BatchError is returned when at least one ticket could not be created.
// Report holds the full per-ticket outcome.
type BatchError struct {
	Report *Report
}

func (e *BatchError) Error() string {
	total := e.Report.Created + e.Report.Failed
	return fmt.Sprintf("%d of %d tickets failed for meeting %s (%d sub-tasks skipped)",
		e.Report.Failed, total, e.Report.MeetingID, e.Report.Skipped)
}

// Pipeline creates the tickets for a transcribed meeting
type Pipeline struct {
	tracker   IssueCreator
	directory *Directory
	limit     *semaphore.Weighted
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewPipeline creates a ticket pipeline that keeps at most maxConcurrent
// tracker calls in flight
func NewPipeline(tracker IssueCreator, directory *Directory, maxConcurrent int, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &Pipeline{
		tracker:   tracker,
		directory: directory,
		limit:     semaphore.NewWeighted(int64(maxConcurrent)),
		metrics:   m,
		logger:    logger,
	}
}

// Process creates every feature (stories first, then their sub-tasks under
// the parent key) concurrently, then every bug concurrently. One failed ticket
// never cancels its siblings. Full success moves the session to processed;
// any failure crashes it and returns a *BatchError with the report.
func (p *Pipeline) Process(ctx context.Context, sess *session.Session, req Request) (*Report, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := sess.Advance(session.StatusTranscribed, session.StatusProcessing); err != nil {
		return nil, err
	}

	startTime := time.Now()
	logger := p.logger.With(slog.String("meeting_id", sess.ID))
	logger.Info("Processing tickets",
		slog.Int("features", len(req.Features)),
		slog.Int("bugs", len(req.Bugs)),
	)

	report := &Report{MeetingID: sess.ID}

	// Features and their sub-tasks
	var features errgroup.Group
	for _, feature := range req.Features {
		features.Go(func() error {
			p.createFeature(ctx, feature, report, logger)
			return nil
		})
	}
	features.Wait()

	// Bugs
	var bugs errgroup.Group
	for _, bug := range req.Bugs {
		bugs.Go(func() error {
			p.create(ctx, IssueTypeBug, bug, "", report, logger)
			return nil
		})
	}
	bugs.Wait()

	report.Duration = time.Since(startTime)
	p.metrics.RecordTicketBatch(report.Duration.Seconds())

	if report.Failed > 0 {
		sess.Crash()
		logger.Error("Ticket batch finished with failures",
			slog.Int("created", report.Created),
			slog.Int("failed", report.Failed),
			slog.Int("skipped", report.Skipped),
		)
		return report, &BatchError{Report: report}
	}

	if err := sess.Advance(session.StatusProcessing, session.StatusProcessed); err != nil {
		return report, err
	}

	logger.Info("Tickets created",
		slog.Int("created", report.Created),
		slog.Duration("elapsed", report.Duration),
	)
	return report, nil
}

// createFeature creates the story and, only once its key is known, fans out
// the sub-tasks
func (p *Pipeline) createFeature(ctx context.Context, feature Feature, report *Report, logger *slog.Logger) {
	parentKey, ok := p.create(ctx, IssueTypeStory, feature.Item, "", report, logger)
	if !ok {
		if n := len(feature.Subtasks); n > 0 {
			report.skip(n)
			logger.Warn("Skipping sub-tasks of failed feature",
				slog.String("summary", feature.Summary),
				slog.Int("subtasks", n),
			)
		}
		return
	}

	var subtasks errgroup.Group
	for _, st := range feature.Subtasks {
		subtasks.Go(func() error {
			p.create(ctx, IssueTypeSubtask, st, parentKey, report, logger)
			return nil
		})
	}
	subtasks.Wait()
}

// create makes one tracker call and records its outcome
func (p *Pipeline) create(ctx context.Context, issueType IssueType, item Item, parentKey string, report *Report, logger *slog.Logger) (string, bool) {
	accountID, assigned := p.directory.Resolve(item.Assignee)
	if item.Assignee != "" && !assigned {
		logger.Warn("Unknown assignee, leaving ticket unassigned",
			slog.String("assignee", item.Assignee),
			slog.String("summary", item.Summary),
		)
	}

	result := Result{
		Type:      issueType,
		Summary:   item.Summary,
		ParentKey: parentKey,
		Assignee:  item.Assignee,
		Assigned:  assigned,
	}

	key, err := p.call(ctx, Issue{
		Type:        issueType,
		Summary:     item.Summary,
		Description: item.Description,
		AccountID:   accountID,
		ParentKey:   parentKey,
	})
	if err == nil && key == "" {
		err = ErrMissingIssueKey
	}

	if err != nil {
		result.Error = err.Error()
		report.add(result)
		p.metrics.RecordTicketFailed(string(issueType))
		logger.Error("Failed to create ticket",
			slog.String("type", string(issueType)),
			slog.String("summary", item.Summary),
			slog.String("error", err.Error()),
		)
		return "", false
	}

	result.Key = key
	report.add(result)
	p.metrics.RecordTicketCreated(string(issueType))
	logger.Info("Ticket created",
		slog.String("type", string(issueType)),
		slog.String("key", key),
		slog.String("parent", parentKey),
	)
	return key, true
}

func (p *Pipeline) call(ctx context.Context, issue Issue) (string, error) {
	if err := p.limit.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("failed to acquire tracker slot: %w", err)
	}
	defer p.limit.Release(1)

	return p.tracker.CreateIssue(ctx, issue)
}

// IsBatchError reports whether err carries a ticket report
func IsBatchError(err error) (*BatchError, bool) {
	var batchErr *BatchError
	if errors.As(err, &batchErr) {
		return batchErr, true
	}
	return nil, false
}
