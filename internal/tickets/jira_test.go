package tickets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJira(t *testing.T, handler http.HandlerFunc) *JiraClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewJiraClient(JiraConfig{
		BaseURL:    srv.URL + "/",
		Email:      "bot@example.com",
		APIToken:   "token",
		ProjectKey: "MEET",
	})
	require.NoError(t, err)
	return client
}

func TestJiraCreateIssuePayload(t *testing.T) {
	var got map[string]any
	client := newTestJira(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/3/issue", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "bot@example.com", user)
		assert.Equal(t, "token", pass)

		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"10001","key":"MEET-7","self":"http://jira/10001"}`))
	})

	key, err := client.CreateIssue(context.Background(), Issue{
		Type:        IssueTypeSubtask,
		Summary:     "CSV writer",
		Description: "Write rows",
		AccountID:   "acc-1",
		ParentKey:   "MEET-6",
	})
	require.NoError(t, err)
	assert.Equal(t, "MEET-7", key)

	fields := got["fields"].(map[string]any)
	assert.Equal(t, "MEET", fields["project"].(map[string]any)["key"])
	assert.Equal(t, "Sub-task", fields["issuetype"].(map[string]any)["name"])
	assert.Equal(t, "MEET-6", fields["parent"].(map[string]any)["key"])
	assert.Equal(t, "acc-1", fields["assignee"].(map[string]any)["accountId"])
	assert.Equal(t, "doc", fields["description"].(map[string]any)["type"])
}

func TestJiraCreateIssueOmitsEmptyOptionalFields(t *testing.T) {
	var got map[string]map[string]any
	client := newTestJira(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"key":"MEET-1"}`))
	})

	_, err := client.CreateIssue(context.Background(), Issue{Type: IssueTypeBug, Summary: "crash"})
	require.NoError(t, err)

	assert.NotContains(t, got["fields"], "assignee")
	assert.NotContains(t, got["fields"], "parent")
	assert.NotContains(t, got["fields"], "description")
}

func TestJiraCreateIssueErrors(t *testing.T) {
	t.Run("api error", func(t *testing.T) {
		client := newTestJira(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"errorMessages":[],"errors":{"summary":"You must specify a summary of the issue."}}`))
		})

		_, err := client.CreateIssue(context.Background(), Issue{Type: IssueTypeStory})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
		assert.Contains(t, err.Error(), "summary: You must specify")
	})

	t.Run("missing key", func(t *testing.T) {
		client := newTestJira(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":"10001"}`))
		})

		_, err := client.CreateIssue(context.Background(), Issue{Type: IssueTypeStory, Summary: "x"})
		assert.ErrorIs(t, err, ErrMissingIssueKey)
	})
}

func TestNewJiraClientValidation(t *testing.T) {
	_, err := NewJiraClient(JiraConfig{ProjectKey: "MEET", Email: "a", APIToken: "b"})
	assert.Error(t, err)

	_, err = NewJiraClient(JiraConfig{BaseURL: "http://jira", Email: "a", APIToken: "b"})
	assert.Error(t, err)

	_, err = NewJiraClient(JiraConfig{BaseURL: "http://jira", ProjectKey: "MEET"})
	assert.Error(t, err)
}
