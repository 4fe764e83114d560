package main

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Input sources. Each inbound call carries exactly one of these.
const (
	SourceCommit        = "commit"
	SourceClientRequest = "client-request"
)

// Gatekeeper verdicts.
const (
	VerdictSubstantive    = "substantive"
	VerdictNonSubstantive = "non_substantive"
	VerdictVague          = "vague"
)

// Tracker ticket types.
const (
	TypeEpic    = "Epic"
	TypeStory   = "Story"
	TypeTask    = "Task"
	TypeBug     = "Bug"
	TypeSubTask = "Sub-task"
)

// Pipeline stages, in transition order. Stage names are stable: they key
// the audit trail.
const (
	StageReceived        = "received"
	StageClassified      = "classified"
	StageRejected        = "rejected"
	StageContextGathered = "context_gathered"
	StageSynthesized     = "synthesized"
	StagePublished       = "published"
	StageFailed          = "failed"
)

// Audit record statuses.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// maxTitleChars bounds draft titles to what the tracker's summary field takes.
const maxTitleChars = 255

// Request is the root entity: one per inbound call, immutable.
type Request struct {
	ID        string
	Source    string // "commit" or "client-request"
	Text      string
	Repo      string
	Assignee  string // requested assignee email, may be empty
	CreatedAt time.Time
}

// ClassificationDecision is the Gatekeeper's verdict for one request.
type ClassificationDecision struct {
	RequestID string
	Verdict   string
	Rationale string
	Model     string
	DecidedAt time.Time
}

// ContextMatch is one retrieved prior ticket, ranked by similarity.
// TicketType and Title ride along so the Synthesizer prompt can describe
// the candidate parent without a second index round-trip.
type ContextMatch struct {
	RequestID  string
	TicketID   string
	TicketType string
	Title      string
	Score      float64
	Rank       int
}

// TicketDraft is the synthesized, not-yet-published ticket.
type TicketDraft struct {
	RequestID   string
	Type        string
	Title       string
	Description string
	ParentID    string // external ticket id of the parent, empty when standalone
	Assignee    string
}

// PublishedTicket is the terminal entity for a successful request.
// Title/Description/Repo are retained so the index backfill can embed
// ticket content without a tracker round-trip; IndexedAt stays zero
// until the ticket is searchable.
type PublishedTicket struct {
	RequestID        string
	ExternalID       string
	Type             string
	ParentExternalID string
	Repo             string
	Title            string
	Description      string
	CreatedAt        time.Time
	IndexedAt        time.Time
}

// AuditRecord is one immutable log entry for one stage attempt.
type AuditRecord struct {
	ID         int64
	RequestID  string
	Stage      string
	Attempt    int
	Input      string
	Output     string
	Status     string // "ok" or "failed"
	RecordedAt time.Time
}

// TicketOutcome is what the exposed surface returns to the transport layer.
type TicketOutcome struct {
	RequestID  string
	Published  bool
	TicketID   string
	TicketType string
	ParentID   string
	Verdict    string // set on rejection
	Rationale  string // set on rejection
	Guidance   string // set on vague rejection
	Warnings   []string
}

var commitTypes = []string{TypeTask, TypeBug, TypeSubTask}
var requestTypes = []string{TypeEpic, TypeStory}

// AllowedTypes returns the ticket types a source may synthesize.
func AllowedTypes(source string) []string {
	if source == SourceCommit {
		return commitTypes
	}
	return requestTypes
}

// TypeAllowedForSource reports whether a draft type is consistent with
// the request's source kind.
func TypeAllowedForSource(ticketType, source string) bool {
	for _, t := range AllowedTypes(source) {
		if t == ticketType {
			return true
		}
	}
	return false
}

// parentAllowed reports whether a match's ticket type can parent a draft
// of the given type. Epics parent Stories; Stories and Epics parent
// commit-sourced Tasks/Bugs/Sub-tasks.
func parentAllowed(draftType, parentType string) bool {
	switch draftType {
	case TypeStory:
		return parentType == TypeEpic
	case TypeTask, TypeBug, TypeSubTask:
		return parentType == TypeStory || parentType == TypeEpic
	default:
		return false
	}
}

// truncateTitle trims whitespace and bounds the title for the tracker's
// summary field, rune-safe.
func truncateTitle(title string) string {
	title = strings.TrimSpace(title)
	if utf8.RuneCountInString(title) <= maxTitleChars {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:maxTitleChars-3])) + "..."
}

// summarize bounds free text for audit record summaries.
func summarize(text string, max int) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return string(runes[:max]) + "..."
}
