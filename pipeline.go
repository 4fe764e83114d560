package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Pipeline sequences gatekeeping, retrieval, synthesis and publishing
// for one request at a time, writing an audit record at every stage
// attempt. Requests are independent units of work: the only shared
// state is the database and the context index, both safe for
// concurrent callers.
type Pipeline struct {
	db         *sql.DB
	gatekeeper *Gatekeeper
	index      ContextIndex // nil disables retrieval entirely
	synth      *Synthesizer
	publisher  *Publisher
	notifier   *Notifier
	contextK   int
	maxRetries int
	retryBase  time.Duration
}

func NewPipeline(db *sql.DB, gk *Gatekeeper, index ContextIndex, synth *Synthesizer, pub *Publisher, notifier *Notifier, cfg Config) *Pipeline {
	return &Pipeline{
		db:         db,
		gatekeeper: gk,
		index:      index,
		synth:      synth,
		publisher:  pub,
		notifier:   notifier,
		contextK:   cfg.ContextK,
		maxRetries: cfg.LLMMaxRetries,
		retryBase:  500 * time.Millisecond,
	}
}

// HandleCommitRequest runs the pipeline for a commit message.
func (p *Pipeline) HandleCommitRequest(ctx context.Context, commitMessage, repo, assigneeEmail string) (TicketOutcome, error) {
	return p.process(ctx, SourceCommit, commitMessage, repo, assigneeEmail)
}

// HandleClientRequest runs the pipeline for a client feature request.
func (p *Pipeline) HandleClientRequest(ctx context.Context, requestText, repo, assigneeEmail string) (TicketOutcome, error) {
	return p.process(ctx, SourceClientRequest, requestText, repo, assigneeEmail)
}

// GetFullAuditTrail returns every stage record for a request in append order.
func (p *Pipeline) GetFullAuditTrail(ctx context.Context, requestID string) ([]AuditRecord, error) {
	return GetAuditTrail(p.db, requestID)
}

// audit appends one stage-attempt record. Audit write failures are
// logged, never propagated: a broken audit store must not change
// pipeline outcomes mid-request.
func (p *Pipeline) audit(requestID, stage string, attempt int, input, output, status string) {
	err := InsertAuditRecord(p.db, AuditRecord{
		RequestID: requestID,
		Stage:     stage,
		Attempt:   attempt,
		Input:     summarize(input, 300),
		Output:    summarize(output, 500),
		Status:    status,
	})
	if err != nil {
		log.Printf("pipeline audit write failed request=%s stage=%s: %v", requestID, stage, err)
	}
}

func (p *Pipeline) newBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.retryBase
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.maxRetries)), ctx)
}

// fail records the terminal Failed transition and returns the error
// annotated with the request id for later audit lookup.
func (p *Pipeline) fail(requestID, stage string, err error) (TicketOutcome, error) {
	p.audit(requestID, StageFailed, 1, stage, errKind(err)+": "+err.Error(), StatusFailed)
	p.notifier.NotifyFailure(requestID, stage, err)
	return TicketOutcome{RequestID: requestID}, fmt.Errorf("request %s failed at %s: %w", requestID, stage, err)
}

func (p *Pipeline) process(ctx context.Context, source, text, repo, assignee string) (TicketOutcome, error) {
	if strings.TrimSpace(text) == "" {
		return TicketOutcome{}, fmt.Errorf("%w: empty input text", ErrInvalidInput)
	}

	req := Request{
		ID:        uuid.NewString(),
		Source:    source,
		Text:      text,
		Repo:      repo,
		Assignee:  strings.TrimSpace(assignee),
		CreatedAt: time.Now().UTC(),
	}
	if err := InsertRequest(p.db, req); err != nil {
		return TicketOutcome{}, fmt.Errorf("storing request: %w", err)
	}
	p.audit(req.ID, StageReceived, 1, fmt.Sprintf("source=%s repo=%s", source, repo), req.ID, StatusOK)
	log.Printf("pipeline received request=%s source=%s repo=%s", req.ID, source, repo)

	// Gatekeeper, retried with backoff on transient model failure.
	var decision ClassificationDecision
	classifyAttempt := 0
	classify := func() error {
		classifyAttempt++
		d, err := p.gatekeeper.Classify(ctx, req.Text)
		if err != nil {
			p.audit(req.ID, StageClassified, classifyAttempt, req.Text, errKind(err)+": "+err.Error(), StatusFailed)
			return err
		}
		decision = d
		return nil
	}
	if err := backoff.Retry(classify, p.newBackOff(ctx)); err != nil {
		return p.fail(req.ID, StageClassified, err)
	}
	decision.RequestID = req.ID
	if err := InsertClassificationDecision(p.db, decision); err != nil {
		return p.fail(req.ID, StageClassified, fmt.Errorf("storing decision: %w", err))
	}
	p.audit(req.ID, StageClassified, classifyAttempt, req.Text, "verdict="+decision.Verdict+" rationale="+decision.Rationale, StatusOK)
	log.Printf("pipeline classified request=%s verdict=%s attempts=%d", req.ID, decision.Verdict, classifyAttempt)

	if decision.Verdict != VerdictSubstantive {
		outcome := TicketOutcome{
			RequestID: req.ID,
			Verdict:   decision.Verdict,
			Rationale: decision.Rationale,
		}
		if decision.Verdict == VerdictVague {
			outcome.Guidance = "The input was too vague to act on. Please resubmit with more detail: what should change, where, and why."
		}
		p.audit(req.ID, StageRejected, 1, "verdict="+decision.Verdict, decision.Rationale, StatusOK)
		log.Printf("pipeline rejected request=%s verdict=%s", req.ID, decision.Verdict)
		return outcome, nil
	}

	// Context retrieval. Index failure degrades to empty context rather
	// than blocking ticket creation.
	var matches []ContextMatch
	switch {
	case p.index == nil:
		p.audit(req.ID, StageContextGathered, 1, req.Repo, "retrieval disabled, empty context", StatusOK)
	default:
		found, err := p.index.Search(ctx, req.Text, req.Repo, p.contextK)
		if err != nil {
			p.audit(req.ID, StageContextGathered, 1, req.Repo, errKind(err)+": "+err.Error(), StatusFailed)
			p.audit(req.ID, StageContextGathered, 2, req.Repo, "degraded mode: proceeding with empty context", StatusOK)
			log.Printf("pipeline context degraded request=%s: %v", req.ID, err)
		} else {
			for i := range found {
				found[i].RequestID = req.ID
			}
			matches = found
			if err := InsertContextMatches(p.db, matches); err != nil {
				return p.fail(req.ID, StageContextGathered, fmt.Errorf("storing matches: %w", err))
			}
			p.audit(req.ID, StageContextGathered, 1, req.Repo, fmt.Sprintf("matches=%d", len(matches)), StatusOK)
			log.Printf("pipeline context request=%s matches=%d", req.ID, len(matches))
		}
	}

	// Synthesis. Format failures get one stricter retry; transient model
	// failures retry with backoff; anything else is terminal.
	var draft TicketDraft
	strict := false
	synthAttempt := 0
	synthesize := func() error {
		synthAttempt++
		d, err := p.synth.Synthesize(ctx, req, matches, strict)
		if err != nil {
			p.audit(req.ID, StageSynthesized, synthAttempt, req.Text, errKind(err)+": "+err.Error(), StatusFailed)
			if errors.Is(err, ErrSynthesisFormat) {
				if strict {
					return backoff.Permanent(err)
				}
				strict = true
				return err
			}
			if errors.Is(err, ErrModelUnavailable) {
				return err
			}
			return backoff.Permanent(err)
		}
		draft = d
		return nil
	}
	if err := backoff.Retry(synthesize, p.newBackOff(ctx)); err != nil {
		return p.fail(req.ID, StageSynthesized, err)
	}
	if err := InsertTicketDraft(p.db, draft); err != nil {
		return p.fail(req.ID, StageSynthesized, fmt.Errorf("storing draft: %w", err))
	}
	p.audit(req.ID, StageSynthesized, synthAttempt, req.Text, fmt.Sprintf("type=%s title=%s parent=%s", draft.Type, draft.Title, draft.ParentID), StatusOK)
	log.Printf("pipeline synthesized request=%s type=%s parent=%s attempts=%d", req.ID, draft.Type, draft.ParentID, synthAttempt)

	ticket, warnings, err := p.publishStage(ctx, req, draft)
	if err != nil {
		return p.fail(req.ID, StagePublished, err)
	}

	p.indexPublished(ctx, ticket)
	p.notifier.NotifyPublished(ticket, warnings)
	log.Printf("pipeline published request=%s ticket=%s warnings=%d", req.ID, ticket.ExternalID, len(warnings))

	return TicketOutcome{
		RequestID:  req.ID,
		Published:  true,
		TicketID:   ticket.ExternalID,
		TicketType: ticket.Type,
		ParentID:   ticket.ParentExternalID,
		Warnings:   warnings,
	}, nil
}

// publishStage publishes a draft with request-id-keyed deduplication and
// a single retry. Replaying it for an already-published request returns
// the existing ticket instead of creating a second one.
func (p *Pipeline) publishStage(ctx context.Context, req Request, draft TicketDraft) (PublishedTicket, []string, error) {
	existing, found, err := GetPublishedTicketByRequestID(p.db, req.ID)
	if err != nil {
		return PublishedTicket{}, nil, fmt.Errorf("publish dedup lookup: %w", err)
	}
	if found {
		p.audit(req.ID, StagePublished, 1, draft.Title, "already published as "+existing.ExternalID+" (idempotent replay)", StatusOK)
		log.Printf("pipeline publish dedup request=%s ticket=%s", req.ID, existing.ExternalID)
		return existing, nil, nil
	}

	const publishAttempts = 2
	var lastErr error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		ticket, warnings, err := p.publisher.Publish(ctx, draft, req.Repo)
		if err != nil {
			lastErr = err
			p.audit(req.ID, StagePublished, attempt, draft.Title, errKind(err)+": "+err.Error(), StatusFailed)
			log.Printf("pipeline publish attempt=%d failed request=%s: %v", attempt, req.ID, err)
			continue
		}
		if err := InsertPublishedTicket(p.db, ticket); err != nil {
			return PublishedTicket{}, nil, fmt.Errorf("storing published ticket: %w", err)
		}
		output := "ticket=" + ticket.ExternalID
		if len(warnings) > 0 {
			output += " warnings=" + strings.Join(warnings, "; ")
		}
		p.audit(req.ID, StagePublished, attempt, draft.Title, output, StatusOK)
		return ticket, warnings, nil
	}
	return PublishedTicket{}, nil, lastErr
}

// indexPublished makes the new ticket searchable, best-effort. On
// failure the ticket stays unindexed and the cron backfill retries;
// retrieval for other requests is not blocked.
func (p *Pipeline) indexPublished(ctx context.Context, ticket PublishedTicket) {
	if p.index == nil {
		return
	}
	if err := p.index.Index(ctx, ticket); err != nil {
		log.Printf("pipeline index write failed ticket=%s (backfill will retry): %v", ticket.ExternalID, err)
		return
	}
	if err := MarkTicketIndexed(p.db, ticket.RequestID, time.Now().UTC()); err != nil {
		log.Printf("pipeline mark indexed failed request=%s: %v", ticket.RequestID, err)
	}
}
