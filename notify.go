package main

import (
	"fmt"
	"log"
	"strings"

	"github.com/slack-go/slack"
)

// Notifier posts one-line pipeline outcomes to a Slack channel. It is
// optional: a nil *Notifier is safe to call and does nothing.
type Notifier struct {
	api     *slack.Client
	channel string
}

func NewNotifier(cfg Config) *Notifier {
	if cfg.SlackBotToken == "" || cfg.SlackChannelID == "" {
		log.Println("Slack notifications disabled (slack_bot_token not set)")
		return nil
	}
	return &Notifier{
		api:     slack.New(cfg.SlackBotToken),
		channel: cfg.SlackChannelID,
	}
}

func (n *Notifier) NotifyPublished(ticket PublishedTicket, warnings []string) {
	if n == nil {
		return
	}
	msg := fmt.Sprintf("Created %s %s: %s", ticket.Type, ticket.ExternalID, ticket.Title)
	if ticket.ParentExternalID != "" {
		msg += fmt.Sprintf(" (under %s)", ticket.ParentExternalID)
	}
	if len(warnings) > 0 {
		msg += "\nWarnings: " + strings.Join(warnings, "; ")
	}
	n.post(msg)
}

func (n *Notifier) NotifyFailure(requestID, stage string, err error) {
	if n == nil {
		return
	}
	n.post(fmt.Sprintf("Ticket pipeline failed at %s (request %s): %v", stage, requestID, err))
}

func (n *Notifier) post(msg string) {
	_, _, err := n.api.PostMessage(n.channel, slack.MsgOptionText(msg, false))
	if err != nil {
		log.Printf("notify post error: %v", err)
	}
}
