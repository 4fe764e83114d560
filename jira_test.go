package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestJiraClient(serverURL string) *JiraClient {
	return &JiraClient{
		baseURL:    serverURL,
		email:      "bot@example.com",
		apiToken:   "test-token",
		httpClient: http.DefaultClient,
	}
}

func TestJiraCreateIssue(t *testing.T) {
	var gotFields map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/api/2/issue" || r.Method != "POST" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "bot@example.com" || pass != "test-token" {
			t.Errorf("unexpected basic auth %q/%q", user, pass)
		}
		var payload struct {
			Fields map[string]interface{} `json:"fields"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decoding create payload: %v", err)
		}
		gotFields = payload.Fields
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id": "10042", "key": "PROJ-42"}`)
	}))
	defer server.Close()

	client := newTestJiraClient(server.URL)
	key, err := client.CreateIssue(context.Background(), TrackerIssue{
		ProjectKey:  "PROJ",
		Type:        TypeBug,
		Summary:     "Null pointer in payment handler",
		Description: "details",
		AssigneeID:  "acct-123",
	})
	if err != nil {
		t.Fatalf("CreateIssue failed: %v", err)
	}
	if key != "PROJ-42" {
		t.Fatalf("expected key PROJ-42, got %q", key)
	}

	project := gotFields["project"].(map[string]interface{})
	if project["key"] != "PROJ" {
		t.Fatalf("unexpected project: %+v", project)
	}
	issuetype := gotFields["issuetype"].(map[string]interface{})
	if issuetype["name"] != TypeBug {
		t.Fatalf("unexpected issue type: %+v", issuetype)
	}
	assignee := gotFields["assignee"].(map[string]interface{})
	if assignee["accountId"] != "acct-123" {
		t.Fatalf("unexpected assignee: %+v", assignee)
	}
	if _, present := gotFields["parent"]; present {
		t.Fatal("did not expect parent field without ParentKey")
	}
}

func TestJiraCreateIssueWithParent(t *testing.T) {
	var gotFields map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Fields map[string]interface{} `json:"fields"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		gotFields = payload.Fields
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"key": "PROJ-43"}`)
	}))
	defer server.Close()

	client := newTestJiraClient(server.URL)
	_, err := client.CreateIssue(context.Background(), TrackerIssue{
		ProjectKey: "PROJ",
		Type:       TypeSubTask,
		Summary:    "Add Google OAuth button",
		ParentKey:  "PROJ-10",
	})
	if err != nil {
		t.Fatalf("CreateIssue failed: %v", err)
	}
	parent := gotFields["parent"].(map[string]interface{})
	if parent["key"] != "PROJ-10" {
		t.Fatalf("unexpected parent: %+v", parent)
	}
	if _, present := gotFields["assignee"]; present {
		t.Fatal("did not expect assignee field for unassigned issue")
	}
}

func TestJiraCreateIssueRejectionPreservesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"errors": {"summary": "Summary must be less than 255 characters."}}`)
	}))
	defer server.Close()

	client := newTestJiraClient(server.URL)
	_, err := client.CreateIssue(context.Background(), TrackerIssue{ProjectKey: "PROJ", Type: TypeTask, Summary: "x"})
	if !errors.Is(err, ErrPublish) {
		t.Fatalf("expected ErrPublish, got %v", err)
	}
	if !strings.Contains(err.Error(), "Summary must be less than 255 characters") {
		t.Fatalf("expected raw tracker response preserved, got %v", err)
	}
}

func TestJiraLinkIssues(t *testing.T) {
	var gotPayload map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/api/2/issueLink" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("decoding link payload: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := newTestJiraClient(server.URL)
	if err := client.LinkIssues(context.Background(), "PROJ-10", "PROJ-43"); err != nil {
		t.Fatalf("LinkIssues failed: %v", err)
	}
	inward := gotPayload["inwardIssue"].(map[string]interface{})
	outward := gotPayload["outwardIssue"].(map[string]interface{})
	if inward["key"] != "PROJ-10" || outward["key"] != "PROJ-43" {
		t.Fatalf("unexpected link payload: %+v", gotPayload)
	}
}

func TestJiraLinkIssuesFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no link permission", http.StatusForbidden)
	}))
	defer server.Close()

	client := newTestJiraClient(server.URL)
	if err := client.LinkIssues(context.Background(), "PROJ-10", "PROJ-43"); err == nil {
		t.Fatal("expected link failure")
	}
}

func TestJiraResolveUser(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/api/2/user/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		switch r.URL.Query().Get("query") {
		case "dev@example.com":
			fmt.Fprint(w, `[{"accountId": "acct-123"}]`)
		default:
			fmt.Fprint(w, `[]`)
		}
	}))
	defer server.Close()

	client := newTestJiraClient(server.URL)
	id, err := client.ResolveUser(context.Background(), "dev@example.com")
	if err != nil {
		t.Fatalf("ResolveUser failed: %v", err)
	}
	if id != "acct-123" {
		t.Fatalf("expected acct-123, got %q", id)
	}

	// Unknown user is not an error, just absent.
	id, err = client.ResolveUser(context.Background(), "ghost@example.com")
	if err != nil {
		t.Fatalf("ResolveUser for unknown user failed: %v", err)
	}
	if id != "" {
		t.Fatalf("expected empty account id, got %q", id)
	}
}
