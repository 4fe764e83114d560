package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// fakeLLM replays scripted responses (or errors) in call order.
type fakeLLM struct {
	responses []string
	errs      []error
	calls     int
	systems   []string
	users     []string
}

func (f *fakeLLM) complete(ctx context.Context, systemPrompt, userPrompt string) (string, LLMUsage, error) {
	i := f.calls
	f.calls++
	f.systems = append(f.systems, systemPrompt)
	f.users = append(f.users, userPrompt)
	if i < len(f.errs) && f.errs[i] != nil {
		return "", LLMUsage{}, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], LLMUsage{InputTokens: 10, OutputTokens: 5}, nil
	}
	return "", LLMUsage{}, fmt.Errorf("no scripted response for call %d", i)
}

func (f *fakeLLM) modelID() string { return "fake-model" }

func TestClassifyVerdicts(t *testing.T) {
	cases := []struct {
		name     string
		response string
		verdict  string
	}{
		{"substantive", `{"verdict": "substantive", "rationale": "concrete bug fix"}`, VerdictSubstantive},
		{"non_substantive", `{"verdict": "non_substantive", "rationale": "not ticket-worthy"}`, VerdictNonSubstantive},
		{"vague", `{"verdict": "vague", "rationale": "cannot determine actionability"}`, VerdictVague},
		{"fenced", "```json\n{\"verdict\": \"substantive\", \"rationale\": \"ok\"}\n```", VerdictSubstantive},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			gk := NewGatekeeper(&fakeLLM{responses: []string{c.response}})
			decision, err := gk.Classify(context.Background(), "some input")
			if err != nil {
				t.Fatalf("Classify failed: %v", err)
			}
			if decision.Verdict != c.verdict {
				t.Fatalf("expected verdict %q, got %q", c.verdict, decision.Verdict)
			}
			if decision.Rationale == "" {
				t.Fatal("expected rationale to be populated")
			}
			if decision.Model != "fake-model" {
				t.Fatalf("expected model id recorded, got %q", decision.Model)
			}
		})
	}
}

func TestClassifyInvalidVerdictIsUnavailable(t *testing.T) {
	gk := NewGatekeeper(&fakeLLM{responses: []string{`{"verdict": "maybe", "rationale": "x"}`}})
	_, err := gk.Classify(context.Background(), "some input")
	if !errors.Is(err, ErrClassificationUnavailable) {
		t.Fatalf("expected ErrClassificationUnavailable, got %v", err)
	}
}

func TestClassifyModelErrorIsUnavailable(t *testing.T) {
	gk := NewGatekeeper(&fakeLLM{errs: []error{fmt.Errorf("connection reset")}})
	_, err := gk.Classify(context.Background(), "some input")
	if !errors.Is(err, ErrClassificationUnavailable) {
		t.Fatalf("expected ErrClassificationUnavailable, got %v", err)
	}
}

func TestClassifyEmptyRationaleGetsPlaceholder(t *testing.T) {
	gk := NewGatekeeper(&fakeLLM{responses: []string{`{"verdict": "vague", "rationale": ""}`}})
	decision, err := gk.Classify(context.Background(), "hmm")
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if decision.Rationale == "" {
		t.Fatal("expected placeholder rationale for empty model rationale")
	}
}

func TestSynthesizeCommitProducesBug(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		`{"ticket_type": "Bug", "title": "Null pointer in payment handler", "description": "Fix the NPE. Original input: fix: null pointer in payment handler", "parent_ticket_id": ""}`,
	}}
	s := NewSynthesizer(llm)
	req := Request{ID: "req-1", Source: SourceCommit, Text: "fix: null pointer in payment handler", Repo: "org/payments"}

	draft, err := s.Synthesize(context.Background(), req, nil, false)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if draft.Type != TypeBug {
		t.Fatalf("expected Bug, got %q", draft.Type)
	}
	if draft.ParentID != "" {
		t.Fatalf("expected standalone draft, got parent %q", draft.ParentID)
	}
	if !strings.Contains(draft.Description, req.Text) {
		t.Fatal("expected description to carry the original input")
	}
}

func TestSynthesizeRejectsTypeInconsistentWithSource(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		`{"ticket_type": "Epic", "title": "Big initiative", "description": "x", "parent_ticket_id": ""}`,
	}}
	s := NewSynthesizer(llm)
	req := Request{ID: "req-1", Source: SourceCommit, Text: "feat: add button"}

	_, err := s.Synthesize(context.Background(), req, nil, false)
	if !errors.Is(err, ErrSynthesisFormat) {
		t.Fatalf("expected ErrSynthesisFormat for commit-sourced Epic, got %v", err)
	}
}

func TestSynthesizeMalformedOutputIsFormatError(t *testing.T) {
	llm := &fakeLLM{responses: []string{`here is your ticket: Task "Add button"`}}
	s := NewSynthesizer(llm)
	req := Request{ID: "req-1", Source: SourceCommit, Text: "feat: add button"}

	_, err := s.Synthesize(context.Background(), req, nil, false)
	if !errors.Is(err, ErrSynthesisFormat) {
		t.Fatalf("expected ErrSynthesisFormat, got %v", err)
	}
}

func TestSynthesizeModelErrorIsTransient(t *testing.T) {
	llm := &fakeLLM{errs: []error{fmt.Errorf("timeout")}}
	s := NewSynthesizer(llm)
	req := Request{ID: "req-1", Source: SourceCommit, Text: "feat: add button"}

	_, err := s.Synthesize(context.Background(), req, nil, false)
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
}

func TestSynthesizeParentResolution(t *testing.T) {
	matches := []ContextMatch{
		{TicketID: "PROJ-10", TicketType: TypeStory, Title: "Add OAuth login", Score: 0.92, Rank: 1},
		{TicketID: "PROJ-4", TicketType: TypeBug, Title: "Login crash", Score: 0.85, Rank: 2},
	}
	req := Request{ID: "req-1", Source: SourceCommit, Text: "feat: add Google OAuth button"}

	cases := []struct {
		name       string
		response   string
		wantParent string
	}{
		{
			"valid story parent kept",
			`{"ticket_type": "Sub-task", "title": "Add Google OAuth button", "description": "x", "parent_ticket_id": "PROJ-10"}`,
			"PROJ-10",
		},
		{
			"invented parent dropped",
			`{"ticket_type": "Task", "title": "Add Google OAuth button", "description": "x", "parent_ticket_id": "PROJ-999"}`,
			"",
		},
		{
			"incompatible parent type dropped",
			`{"ticket_type": "Task", "title": "Add Google OAuth button", "description": "x", "parent_ticket_id": "PROJ-4"}`,
			"",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := NewSynthesizer(&fakeLLM{responses: []string{c.response}})
			draft, err := s.Synthesize(context.Background(), req, matches, false)
			if err != nil {
				t.Fatalf("Synthesize failed: %v", err)
			}
			if draft.ParentID != c.wantParent {
				t.Fatalf("expected parent %q, got %q", c.wantParent, draft.ParentID)
			}
		})
	}
}

func TestSynthesizeTruncatesLongTitle(t *testing.T) {
	longTitle := strings.Repeat("t", 400)
	llm := &fakeLLM{responses: []string{
		`{"ticket_type": "Task", "title": "` + longTitle + `", "description": "x", "parent_ticket_id": ""}`,
	}}
	s := NewSynthesizer(llm)
	req := Request{ID: "req-1", Source: SourceCommit, Text: "feat: something"}

	draft, err := s.Synthesize(context.Background(), req, nil, false)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if len([]rune(draft.Title)) > maxTitleChars {
		t.Fatalf("expected title bounded to %d chars, got %d", maxTitleChars, len([]rune(draft.Title)))
	}
}

func TestBuildSynthesizerPrompts(t *testing.T) {
	req := Request{Source: SourceClientRequest, Text: "We need reporting dashboards", Repo: "org/reports"}
	matches := []ContextMatch{
		{TicketID: "PROJ-7", TicketType: TypeEpic, Title: "Reporting", Score: 0.88, Rank: 1},
	}

	systemPrompt, userPrompt := buildSynthesizerPrompts(req, matches, false)
	for _, want := range []string{TypeEpic, TypeStory} {
		if !strings.Contains(systemPrompt, "- "+want+"\n") {
			t.Fatalf("expected allowed type %q in system prompt", want)
		}
	}
	if strings.Contains(systemPrompt, "- "+TypeTask+"\n") {
		t.Fatal("did not expect Task among allowed types for client requests")
	}
	if !strings.Contains(userPrompt, "PROJ-7") || !strings.Contains(userPrompt, "Reporting") {
		t.Fatalf("expected match details in user prompt, got %s", userPrompt)
	}
	if !strings.Contains(userPrompt, req.Text) {
		t.Fatal("expected original input in user prompt")
	}

	strictSystem, _ := buildSynthesizerPrompts(req, matches, true)
	if !strings.Contains(strictSystem, "STRICT FORMAT") {
		t.Fatal("expected strict constraint block in strict prompt")
	}
	if strings.Contains(systemPrompt, "STRICT FORMAT") {
		t.Fatal("did not expect strict constraint block in normal prompt")
	}
}

func TestEnsureTraceable(t *testing.T) {
	if got := ensureTraceable("", "original text"); !strings.Contains(got, "original text") {
		t.Fatalf("expected original text in description, got %q", got)
	}
	kept := ensureTraceable("already quotes original text here", "original text")
	if strings.Contains(kept, "---") {
		t.Fatalf("did not expect appended block when input already present, got %q", kept)
	}
	appended := ensureTraceable("a paraphrase only", "original text")
	if !strings.Contains(appended, "original text") {
		t.Fatalf("expected original input appended, got %q", appended)
	}
}
