package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const indexSyncBatchSize = 50

// SyncResult tracks separate counters for one backfill pass.
type SyncResult struct {
	Scanned int
	Indexed int
	Errors  []string
}

// SyncUnindexedTickets embeds and upserts published tickets the index
// has not confirmed yet. Per-ticket failures are collected, not fatal:
// the next pass retries them.
func SyncUnindexedTickets(ctx context.Context, db *sql.DB, index ContextIndex) (SyncResult, error) {
	var result SyncResult

	tickets, err := GetUnindexedPublishedTickets(db, indexSyncBatchSize)
	if err != nil {
		return result, fmt.Errorf("loading unindexed tickets: %w", err)
	}
	result.Scanned = len(tickets)

	for _, ticket := range tickets {
		if err := index.Index(ctx, ticket); err != nil {
			log.Printf("index-sync failed ticket=%s: %v", ticket.ExternalID, err)
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", ticket.ExternalID, err))
			continue
		}
		if err := MarkTicketIndexed(db, ticket.RequestID, time.Now().UTC()); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: marking indexed: %v", ticket.ExternalID, err))
			continue
		}
		result.Indexed++
	}
	return result, nil
}

// StartIndexSyncScheduler runs the backfill on a cron schedule, closing
// the eventual-consistency gap left by failed post-publish index writes.
// The schedule is a standard 5-field cron expression (minute hour
// day-of-month month day-of-week). Examples: "*/10 * * * *" (every 10
// minutes), "0 * * * *" (hourly).
func StartIndexSyncScheduler(cfg Config, db *sql.DB, index ContextIndex) {
	schedule := strings.TrimSpace(cfg.IndexSyncSchedule)
	if schedule == "" {
		log.Println("Index sync disabled (index_sync_schedule not set)")
		return
	}
	if index == nil {
		log.Println("Index sync disabled: no context index configured")
		return
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		log.Printf("Invalid index_sync_schedule '%s': %v (index sync disabled)", schedule, err)
		return
	}

	log.Printf("Index sync scheduled (cron: %s)", schedule)

	go func() {
		for {
			now := time.Now()
			next := sched.Next(now)
			wait := next.Sub(now)
			log.Printf("Next index sync at %s (in %s)", next.Format("Mon Jan 2 15:04"), wait.Round(time.Minute))

			time.Sleep(wait)

			result, syncErr := SyncUnindexedTickets(context.Background(), db, index)
			if syncErr != nil {
				log.Printf("Index sync error: %v", syncErr)
				continue
			}
			if result.Scanned > 0 || len(result.Errors) > 0 {
				log.Printf("Index sync complete scanned=%d indexed=%d errors=%d", result.Scanned, result.Indexed, len(result.Errors))
			}
		}
	}()
}
