package main

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Publisher maps a draft onto the tracker schema and creates it.
// Partial successes (ticket created, assignee or linkage degraded) come
// back as warnings on a successful result, never as errors.
type Publisher struct {
	tracker TrackerClient
	cfg     Config
}

func NewPublisher(tracker TrackerClient, cfg Config) *Publisher {
	return &Publisher{tracker: tracker, cfg: cfg}
}

// Publish creates the ticket for a draft. Sub-task parents are set
// atomically on create; any other parent is linked with a follow-up call
// whose failure downgrades to a warning. An unresolvable assignee also
// downgrades: the ticket is created unassigned.
func (p *Publisher) Publish(ctx context.Context, draft TicketDraft, repo string) (PublishedTicket, []string, error) {
	var warnings []string

	assigneeID := ""
	if draft.Assignee != "" {
		id, err := p.tracker.ResolveUser(ctx, draft.Assignee)
		switch {
		case err != nil:
			log.Printf("publish assignee lookup failed email=%s err=%v", draft.Assignee, err)
			warnings = append(warnings, fmt.Sprintf("assignee lookup failed for %s, created unassigned", draft.Assignee))
		case id == "":
			log.Printf("publish assignee not found email=%s", draft.Assignee)
			warnings = append(warnings, fmt.Sprintf("assignee %s not found in tracker, created unassigned", draft.Assignee))
		default:
			assigneeID = id
		}
	}

	issue := TrackerIssue{
		ProjectKey:  p.cfg.ProjectKey(repo),
		Type:        draft.Type,
		Summary:     draft.Title,
		Description: draft.Description,
		AssigneeID:  assigneeID,
	}
	atomicParent := draft.Type == TypeSubTask && draft.ParentID != ""
	if atomicParent {
		issue.ParentKey = draft.ParentID
	}

	externalID, err := p.tracker.CreateIssue(ctx, issue)
	if err != nil {
		return PublishedTicket{}, warnings, err
	}

	parentExternal := ""
	if draft.ParentID != "" {
		if atomicParent {
			parentExternal = draft.ParentID
		} else if err := p.tracker.LinkIssues(ctx, draft.ParentID, externalID); err != nil {
			// Ticket exists; a failed link is a distinct degraded state.
			log.Printf("publish link failed ticket=%s parent=%s err=%v", externalID, draft.ParentID, err)
			warnings = append(warnings, fmt.Sprintf("ticket created but parent link to %s failed: %v", draft.ParentID, err))
		} else {
			parentExternal = draft.ParentID
		}
	}

	return PublishedTicket{
		RequestID:        draft.RequestID,
		ExternalID:       externalID,
		Type:             draft.Type,
		ParentExternalID: parentExternal,
		Repo:             repo,
		Title:            draft.Title,
		Description:      draft.Description,
		CreatedAt:        time.Now().UTC(),
	}, warnings, nil
}
