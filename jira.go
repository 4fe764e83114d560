package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
)

// TrackerClient is the narrow interface to the external ticket tracker.
type TrackerClient interface {
	CreateIssue(ctx context.Context, issue TrackerIssue) (string, error)
	LinkIssues(ctx context.Context, parentID, childID string) error
	ResolveUser(ctx context.Context, email string) (string, error)
}

// TrackerIssue carries the tracker-schema fields for one create call.
// ParentKey is set only when the tracker supports atomic parent linkage
// for the issue type (Sub-task); other linkage is a follow-up call.
type TrackerIssue struct {
	ProjectKey  string
	Type        string
	Summary     string
	Description string
	AssigneeID  string // tracker account id, empty creates unassigned
	ParentKey   string
}

// JiraClient talks to the Jira REST v2 API with basic auth (email + API
// token). Internal ticket type names are Jira issue type names verbatim,
// so no mapping table is needed.
type JiraClient struct {
	baseURL    string
	email      string
	apiToken   string
	httpClient *http.Client
}

func NewJiraClient(cfg Config) *JiraClient {
	return &JiraClient{
		baseURL:    strings.TrimRight(cfg.JiraURL, "/"),
		email:      cfg.JiraEmail,
		apiToken:   cfg.JiraAPIToken,
		httpClient: externalHTTPClient,
	}
}

func (j *JiraClient) do(ctx context.Context, method, path string, payload interface{}) (int, []byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyBytes, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("marshaling request: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, j.baseURL+path, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	req.SetBasicAuth(j.email, j.apiToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

type jiraCreateResponse struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// CreateIssue returns the new issue's external key. Tracker rejections
// wrap ErrPublish with the raw response preserved for audit.
func (j *JiraClient) CreateIssue(ctx context.Context, issue TrackerIssue) (string, error) {
	fields := map[string]interface{}{
		"project":     map[string]string{"key": issue.ProjectKey},
		"summary":     issue.Summary,
		"description": issue.Description,
		"issuetype":   map[string]string{"name": issue.Type},
	}
	if issue.AssigneeID != "" {
		fields["assignee"] = map[string]string{"accountId": issue.AssigneeID}
	}
	if issue.ParentKey != "" {
		fields["parent"] = map[string]string{"key": issue.ParentKey}
	}

	status, body, err := j.do(ctx, "POST", "/rest/api/2/issue", map[string]interface{}{"fields": fields})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPublish, err)
	}
	if status != http.StatusCreated {
		return "", fmt.Errorf("%w: Jira returned %d: %s", ErrPublish, status, strings.TrimSpace(string(body)))
	}

	var created jiraCreateResponse
	if err := json.Unmarshal(body, &created); err != nil {
		return "", fmt.Errorf("%w: parsing create response: %v", ErrPublish, err)
	}
	if created.Key == "" {
		return "", fmt.Errorf("%w: create response missing issue key: %s", ErrPublish, strings.TrimSpace(string(body)))
	}
	log.Printf("jira create issue=%s project=%s type=%s", created.Key, issue.ProjectKey, issue.Type)
	return created.Key, nil
}

// LinkIssues relates a child issue to its parent after creation. The
// caller treats a failure here as a linkage warning, not a publish
// failure: the ticket already exists.
func (j *JiraClient) LinkIssues(ctx context.Context, parentID, childID string) error {
	payload := map[string]interface{}{
		"type":         map[string]string{"name": "Relates"},
		"inwardIssue":  map[string]string{"key": parentID},
		"outwardIssue": map[string]string{"key": childID},
	}
	status, body, err := j.do(ctx, "POST", "/rest/api/2/issueLink", payload)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("Jira link returned %d: %s", status, strings.TrimSpace(string(body)))
	}
	log.Printf("jira link parent=%s child=%s", parentID, childID)
	return nil
}

type jiraUser struct {
	AccountID string `json:"accountId"`
}

// ResolveUser maps an email to a tracker account id. A user that does
// not exist is ("", nil): not found is a warning condition, not an error.
func (j *JiraClient) ResolveUser(ctx context.Context, email string) (string, error) {
	status, body, err := j.do(ctx, "GET", "/rest/api/2/user/search?query="+url.QueryEscape(email), nil)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("Jira user search returned %d: %s", status, strings.TrimSpace(string(body)))
	}

	var users []jiraUser
	if err := json.Unmarshal(body, &users); err != nil {
		return "", fmt.Errorf("parsing user search response: %w", err)
	}
	if len(users) == 0 {
		return "", nil
	}
	return users[0].AccountID, nil
}
