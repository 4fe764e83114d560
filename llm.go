package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-sonnet-4-5-20250929"

type LLMUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

func (u LLMUsage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

func (u *LLMUsage) Add(other LLMUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
}

// llmClient is the narrow generative-model interface. Tests inject a
// deterministic fake; production uses anthropicClient.
type llmClient interface {
	complete(ctx context.Context, systemPrompt, userPrompt string) (string, LLMUsage, error)
	modelID() string
}

type anthropicClient struct {
	client  anthropic.Client
	model   string
	timeout time.Duration
}

func newAnthropicClient(cfg Config) *anthropicClient {
	model := cfg.LLMModel
	if model == "" {
		model = defaultAnthropicModel
	}
	return &anthropicClient{
		client:  anthropic.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey)),
		model:   model,
		timeout: time.Duration(cfg.LLMTimeoutSecs) * time.Second,
	}
}

func (a *anthropicClient) modelID() string { return a.model }

func (a *anthropicClient) complete(ctx context.Context, systemPrompt, userPrompt string) (string, LLMUsage, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		log.Printf("llm anthropic error: %v", err)
		return "", LLMUsage{}, fmt.Errorf("Anthropic API error: %w", err)
	}
	usage := LLMUsage{
		InputTokens:              message.Usage.InputTokens,
		OutputTokens:             message.Usage.OutputTokens,
		CacheCreationInputTokens: message.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     message.Usage.CacheReadInputTokens,
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			log.Printf("llm anthropic response size=%d tokens_in=%d tokens_out=%d cache_create=%d cache_read=%d", len(block.Text), usage.InputTokens, usage.OutputTokens, usage.CacheCreationInputTokens, usage.CacheReadInputTokens)
			return block.Text, usage, nil
		}
	}
	return "", usage, fmt.Errorf("no text content in Anthropic response")
}

// stripFences removes the markdown code fences models keep wrapping JSON in.
func stripFences(responseText string) string {
	responseText = strings.TrimSpace(responseText)
	responseText = strings.TrimPrefix(responseText, "```json")
	responseText = strings.TrimPrefix(responseText, "```")
	responseText = strings.TrimSuffix(responseText, "```")
	return strings.TrimSpace(responseText)
}

// --- Gatekeeper ---

// Gatekeeper decides whether input text warrants a ticket at all.
type Gatekeeper struct {
	llm llmClient
}

func NewGatekeeper(llm llmClient) *Gatekeeper {
	return &Gatekeeper{llm: llm}
}

type gatekeeperResponse struct {
	Verdict   string `json:"verdict"`
	Rationale string `json:"rationale"`
}

const gatekeeperSystemPrompt = `You triage raw engineering input (commit messages, client feature requests) and decide whether it warrants creating a project-management ticket.

Choose exactly one verdict:
- "substantive": the input describes concrete, actionable work worth a ticket
- "non_substantive": the input is confidently not ticket-worthy (e.g. "fixed typo", "ok thanks", merge noise)
- "vague": you cannot confidently determine actionability; the author should be asked for detail

Always explain your verdict in one or two sentences in "rationale".

Respond with JSON only (no markdown):
{"verdict": "substantive", "rationale": "..."}`

// Classify returns the verdict for one request's text. Persistence is the
// orchestrator's job. Model failures and malformed verdicts surface as
// ErrClassificationUnavailable: there is no fallback classification.
func (g *Gatekeeper) Classify(ctx context.Context, text string) (ClassificationDecision, error) {
	userPrompt := "Classify this input:\n\n" + strings.TrimSpace(text)

	responseText, usage, err := g.llm.complete(ctx, gatekeeperSystemPrompt, userPrompt)
	if err != nil {
		return ClassificationDecision{}, fmt.Errorf("%w: %v", ErrClassificationUnavailable, err)
	}
	log.Printf("llm gatekeeper model=%s tokens=%d", g.llm.modelID(), usage.TotalTokens())

	var parsed gatekeeperResponse
	if err := json.Unmarshal([]byte(stripFences(responseText)), &parsed); err != nil {
		return ClassificationDecision{}, fmt.Errorf("%w: parsing gatekeeper response: %v", ErrClassificationUnavailable, err)
	}

	verdict := strings.TrimSpace(parsed.Verdict)
	switch verdict {
	case VerdictSubstantive, VerdictNonSubstantive, VerdictVague:
	default:
		return ClassificationDecision{}, fmt.Errorf("%w: model returned verdict %q", ErrClassificationUnavailable, verdict)
	}

	rationale := strings.TrimSpace(parsed.Rationale)
	if rationale == "" {
		rationale = "model gave no rationale"
	}

	return ClassificationDecision{
		Verdict:   verdict,
		Rationale: rationale,
		Model:     g.llm.modelID(),
		DecidedAt: time.Now().UTC(),
	}, nil
}

// --- Synthesizer ---

// Synthesizer turns classified input plus retrieved context into a
// structured ticket draft.
type Synthesizer struct {
	llm llmClient
}

func NewSynthesizer(llm llmClient) *Synthesizer {
	return &Synthesizer{llm: llm}
}

type synthesizerResponse struct {
	TicketType     string `json:"ticket_type"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	ParentTicketID string `json:"parent_ticket_id"`
}

const synthesizerStrictNote = `
STRICT FORMAT: your previous output did not parse. Respond with exactly one JSON object and nothing else. No markdown, no commentary, no trailing text. "ticket_type" must be one of the allowed values verbatim.`

func buildSynthesizerPrompts(req Request, matches []ContextMatch, strict bool) (string, string) {
	var typeLines strings.Builder
	for _, t := range AllowedTypes(req.Source) {
		typeLines.WriteString("- " + t + "\n")
	}

	parentRule := `If one of the related tickets is an Epic and this request semantically belongs under it, set "parent_ticket_id" to that Epic's id.`
	if req.Source == SourceCommit {
		parentRule = `If one of the related tickets is a Story or Epic this commit clearly contributes to, set "parent_ticket_id" to that ticket's id (prefer Sub-task under a Story).`
	}

	strictBlock := ""
	if strict {
		strictBlock = synthesizerStrictNote
	}

	systemPrompt := fmt.Sprintf(`You convert engineering input into one structured project-management ticket.

The input source is %q. Choose "ticket_type" from exactly these values:
%s
%s
When no related ticket is a suitable parent, set "parent_ticket_id" to "".
"title" must be a non-empty summary of at most 255 characters.
"description" must restate the work and quote the original input so the ticket is traceable back to it.%s

Respond with JSON only (no markdown):
{"ticket_type": "Task", "title": "...", "description": "...", "parent_ticket_id": ""}`,
		req.Source, typeLines.String(), parentRule, strictBlock)

	var matchLines strings.Builder
	for _, m := range matches {
		matchLines.WriteString(fmt.Sprintf("- %s | %s | %s (similarity %.2f)\n", m.TicketID, m.TicketType, strings.TrimSpace(m.Title), m.Score))
	}
	matchesBlock := "none"
	if matchLines.Len() > 0 {
		matchesBlock = matchLines.String()
	}

	userPrompt := "Repo/project: " + req.Repo +
		"\nRelated existing tickets (candidate parents):\n" + matchesBlock +
		"\nInput:\n\n" + strings.TrimSpace(req.Text)
	return systemPrompt, userPrompt
}

// Synthesize produces a draft for a substantive request. strict tightens
// the format constraint for the one retry after ErrSynthesisFormat.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request, matches []ContextMatch, strict bool) (TicketDraft, error) {
	systemPrompt, userPrompt := buildSynthesizerPrompts(req, matches, strict)

	responseText, usage, err := s.llm.complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		return TicketDraft{}, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	log.Printf("llm synthesize model=%s source=%s matches=%d strict=%t tokens=%d", s.llm.modelID(), req.Source, len(matches), strict, usage.TotalTokens())

	var parsed synthesizerResponse
	if err := json.Unmarshal([]byte(stripFences(responseText)), &parsed); err != nil {
		return TicketDraft{}, fmt.Errorf("%w: parsing synthesizer response: %v", ErrSynthesisFormat, err)
	}

	ticketType := strings.TrimSpace(parsed.TicketType)
	if !TypeAllowedForSource(ticketType, req.Source) {
		return TicketDraft{}, fmt.Errorf("%w: ticket type %q not allowed for source %q", ErrSynthesisFormat, ticketType, req.Source)
	}

	title := truncateTitle(parsed.Title)
	if title == "" {
		return TicketDraft{}, fmt.Errorf("%w: empty title", ErrSynthesisFormat)
	}

	parentID := resolveParent(ticketType, strings.TrimSpace(parsed.ParentTicketID), matches)
	description := ensureTraceable(strings.TrimSpace(parsed.Description), req.Text)

	return TicketDraft{
		RequestID:   req.ID,
		Type:        ticketType,
		Title:       title,
		Description: description,
		ParentID:    parentID,
		Assignee:    req.Assignee,
	}, nil
}

// resolveParent keeps the model's parent choice only when it names one of
// the retrieved matches and that match's type can parent the draft.
// An invented or incompatible parent is dropped, not failed: the draft
// stands alone per the standalone rule.
func resolveParent(draftType, parentID string, matches []ContextMatch) string {
	if parentID == "" {
		return ""
	}
	for _, m := range matches {
		if m.TicketID == parentID {
			if parentAllowed(draftType, m.TicketType) {
				return parentID
			}
			log.Printf("llm synthesize dropped parent=%s type=%s (incompatible with draft type %s)", parentID, m.TicketType, draftType)
			return ""
		}
	}
	log.Printf("llm synthesize dropped parent=%s (not among retrieved matches)", parentID)
	return ""
}

// ensureTraceable guarantees the description carries the original input
// verbatim, regardless of how much the model paraphrased.
func ensureTraceable(description, original string) string {
	original = strings.TrimSpace(original)
	if description == "" {
		return "Original input:\n" + original
	}
	if strings.Contains(description, original) {
		return description
	}
	return description + "\n\n---\nOriginal input:\n" + original
}
