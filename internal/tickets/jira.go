package tickets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrMissingIssueKey is returned when the tracker accepts a create call but
// does not report the new issue key
var ErrMissingIssueKey = errors.New("issue created without a key")

// IssueType is a tracker issue type name
type IssueType string

// Issue types used by the pipeline
const (
	IssueTypeStory   IssueType = "Story"
	IssueTypeSubtask IssueType = "Sub-task"
	IssueTypeBug     IssueType = "Bug"
)

// Issue is one issue to create
type Issue struct {
	Type        IssueType
	Summary     string
	Description string
	AccountID   string
	ParentKey   string
}

// IssueCreator creates issues and returns their keys
type IssueCreator interface {
	CreateIssue(ctx context.Context, issue Issue) (string, error)
}

// APIError is a non-2xx answer from the Jira REST API
type APIError struct {
	StatusCode int
	Messages   []string
}

func (e *APIError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("jira returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("jira returned HTTP %d: %s", e.StatusCode, strings.Join(e.Messages, "; "))
}

// JiraConfig contains Jira Cloud connection settings
type JiraConfig struct {
	BaseURL    string
	Email      string
	APIToken   string
	ProjectKey string
	Timeout    time.Duration
}

// JiraClient creates issues through the Jira Cloud REST API v3
type JiraClient struct {
	config     JiraConfig
	httpClient *http.Client
}

// NewJiraClient creates a Jira client
func NewJiraClient(config JiraConfig) (*JiraClient, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("jira base URL cannot be empty")
	}
	if config.ProjectKey == "" {
		return nil, fmt.Errorf("jira project key cannot be empty")
	}
	if config.Email == "" || config.APIToken == "" {
		return nil, fmt.Errorf("jira email and API token are required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &JiraClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

type keyRef struct {
	Key string `json:"key"`
}

type nameRef struct {
	Name string `json:"name"`
}

type accountRef struct {
	AccountID string `json:"accountId"`
}

type issueFields struct {
	Project     keyRef      `json:"project"`
	Summary     string      `json:"summary"`
	IssueType   nameRef     `json:"issuetype"`
	Description *adfNode    `json:"description,omitempty"`
	Assignee    *accountRef `json:"assignee,omitempty"`
	Parent      *keyRef     `json:"parent,omitempty"`
}

type createIssueRequest struct {
	Fields issueFields `json:"fields"`
}

type createIssueResponse struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Self string `json:"self"`
}

type errorResponse struct {
	ErrorMessages []string          `json:"errorMessages"`
	Errors        map[string]string `json:"errors"`
}

// CreateIssue creates one issue and returns its key
func (c *JiraClient) CreateIssue(ctx context.Context, issue Issue) (string, error) {
	fields := issueFields{
		Project:     keyRef{Key: c.config.ProjectKey},
		Summary:     issue.Summary,
		IssueType:   nameRef{Name: string(issue.Type)},
		Description: document(issue.Description),
	}
	if issue.AccountID != "" {
		fields.Assignee = &accountRef{AccountID: issue.AccountID}
	}
	if issue.ParentKey != "" {
		fields.Parent = &keyRef{Key: issue.ParentKey}
	}

	data, err := json.Marshal(createIssueRequest{Fields: fields})
	if err != nil {
		return "", fmt.Errorf("failed to marshal issue: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/rest/api/3/issue", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}

	// Set headers
	httpReq.SetBasicAuth(c.config.Email, c.config.APIToken)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("jira request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", parseAPIError(resp.StatusCode, respBody)
	}

	var created createIssueResponse
	if err := json.Unmarshal(respBody, &created); err != nil {
		return "", fmt.Errorf("failed to parse response JSON: %w", err)
	}
	if created.Key == "" {
		return "", ErrMissingIssueKey
	}

	return created.Key, nil
}

func parseAPIError(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status}

	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err == nil {
		apiErr.Messages = append(apiErr.Messages, parsed.ErrorMessages...)
		for field, msg := range parsed.Errors {
			apiErr.Messages = append(apiErr.Messages, field+": "+msg)
		}
	}
	if len(apiErr.Messages) == 0 && len(body) > 0 {
		apiErr.Messages = []string{strings.TrimSpace(string(body))}
	}
	return apiErr
}
