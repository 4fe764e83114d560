package main

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS requests (
		id         TEXT PRIMARY KEY,
		source     TEXT NOT NULL,
		text       TEXT NOT NULL,
		repo       TEXT DEFAULT '',
		assignee   TEXT DEFAULT '',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_requests_created_at ON requests(created_at);

	CREATE TABLE IF NOT EXISTS classification_decisions (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		verdict    TEXT NOT NULL,
		rationale  TEXT NOT NULL,
		model      TEXT DEFAULT '',
		decided_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_cd_request ON classification_decisions(request_id);

	CREATE TABLE IF NOT EXISTS context_matches (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id  TEXT NOT NULL,
		ticket_id   TEXT NOT NULL,
		ticket_type TEXT DEFAULT '',
		title       TEXT DEFAULT '',
		score       REAL NOT NULL,
		rank        INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cm_request ON context_matches(request_id);

	CREATE TABLE IF NOT EXISTS ticket_drafts (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id  TEXT NOT NULL,
		ticket_type TEXT NOT NULL,
		title       TEXT NOT NULL,
		description TEXT NOT NULL,
		parent_id   TEXT DEFAULT '',
		assignee    TEXT DEFAULT '',
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_td_request ON ticket_drafts(request_id);

	CREATE TABLE IF NOT EXISTS published_tickets (
		request_id         TEXT PRIMARY KEY,
		external_id        TEXT NOT NULL,
		ticket_type        TEXT NOT NULL,
		parent_external_id TEXT DEFAULT '',
		repo               TEXT DEFAULT '',
		title              TEXT DEFAULT '',
		description        TEXT DEFAULT '',
		created_at         DATETIME NOT NULL,
		indexed_at         DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_pt_indexed ON published_tickets(indexed_at);

	CREATE TABLE IF NOT EXISTS audit_records (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id     TEXT NOT NULL,
		stage          TEXT NOT NULL,
		attempt        INTEGER NOT NULL DEFAULT 1,
		input_summary  TEXT DEFAULT '',
		output_summary TEXT DEFAULT '',
		status         TEXT NOT NULL,
		recorded_at    DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_ar_request ON audit_records(request_id);
	`
	_, err = db.Exec(schema)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func InsertRequest(db *sql.DB, req Request) error {
	_, err := db.Exec(
		`INSERT INTO requests (id, source, text, repo, assignee, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		req.ID, req.Source, req.Text, req.Repo, req.Assignee, req.CreatedAt,
	)
	return err
}

func GetRequestByID(db *sql.DB, id string) (Request, error) {
	var req Request
	err := db.QueryRow(
		`SELECT id, source, text, repo, assignee, created_at FROM requests WHERE id = ?`,
		id,
	).Scan(&req.ID, &req.Source, &req.Text, &req.Repo, &req.Assignee, &req.CreatedAt)
	return req, err
}

func InsertClassificationDecision(db *sql.DB, d ClassificationDecision) error {
	_, err := db.Exec(
		`INSERT INTO classification_decisions (request_id, verdict, rationale, model)
		 VALUES (?, ?, ?, ?)`,
		d.RequestID, d.Verdict, d.Rationale, d.Model,
	)
	return err
}

func GetClassificationDecision(db *sql.DB, requestID string) (ClassificationDecision, error) {
	var d ClassificationDecision
	err := db.QueryRow(
		`SELECT request_id, verdict, rationale, model, decided_at
		 FROM classification_decisions WHERE request_id = ?
		 ORDER BY decided_at DESC, id DESC LIMIT 1`,
		requestID,
	).Scan(&d.RequestID, &d.Verdict, &d.Rationale, &d.Model, &d.DecidedAt)
	return d, err
}

func InsertContextMatches(db *sql.DB, matches []ContextMatch) error {
	if len(matches) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO context_matches (request_id, ticket_id, ticket_type, title, score, rank)
		 VALUES (?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range matches {
		if _, err := stmt.Exec(m.RequestID, m.TicketID, m.TicketType, m.Title, m.Score, m.Rank); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func GetContextMatches(db *sql.DB, requestID string) ([]ContextMatch, error) {
	rows, err := db.Query(
		`SELECT request_id, ticket_id, ticket_type, title, score, rank
		 FROM context_matches WHERE request_id = ? ORDER BY rank`,
		requestID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []ContextMatch
	for rows.Next() {
		var m ContextMatch
		if err := rows.Scan(&m.RequestID, &m.TicketID, &m.TicketType, &m.Title, &m.Score, &m.Rank); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func InsertTicketDraft(db *sql.DB, d TicketDraft) error {
	_, err := db.Exec(
		`INSERT INTO ticket_drafts (request_id, ticket_type, title, description, parent_id, assignee)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		d.RequestID, d.Type, d.Title, d.Description, d.ParentID, d.Assignee,
	)
	return err
}

func CountTicketDrafts(db *sql.DB, requestID string) (int, error) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM ticket_drafts WHERE request_id = ?`, requestID).Scan(&count)
	return count, err
}

func InsertPublishedTicket(db *sql.DB, t PublishedTicket) error {
	_, err := db.Exec(
		`INSERT INTO published_tickets (request_id, external_id, ticket_type, parent_external_id, repo, title, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.RequestID, t.ExternalID, t.Type, t.ParentExternalID, t.Repo, t.Title, t.Description, t.CreatedAt,
	)
	return err
}

// GetPublishedTicketByRequestID is the publish dedup lookup: a retried
// publish must never create a second tracker ticket for one request.
func GetPublishedTicketByRequestID(db *sql.DB, requestID string) (PublishedTicket, bool, error) {
	var t PublishedTicket
	var indexedAt sql.NullTime
	err := db.QueryRow(
		`SELECT request_id, external_id, ticket_type, parent_external_id, repo, title, description, created_at, indexed_at
		 FROM published_tickets WHERE request_id = ?`,
		requestID,
	).Scan(&t.RequestID, &t.ExternalID, &t.Type, &t.ParentExternalID, &t.Repo, &t.Title, &t.Description, &t.CreatedAt, &indexedAt)
	if err == sql.ErrNoRows {
		return PublishedTicket{}, false, nil
	}
	if err != nil {
		return PublishedTicket{}, false, err
	}
	if indexedAt.Valid {
		t.IndexedAt = indexedAt.Time
	}
	return t, true, nil
}

// GetUnindexedPublishedTickets returns published tickets the context
// index has not confirmed yet, oldest first, for the backfill job.
func GetUnindexedPublishedTickets(db *sql.DB, limit int) ([]PublishedTicket, error) {
	rows, err := db.Query(
		`SELECT request_id, external_id, ticket_type, parent_external_id, repo, title, description, created_at
		 FROM published_tickets WHERE indexed_at IS NULL
		 ORDER BY created_at, request_id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []PublishedTicket
	for rows.Next() {
		var t PublishedTicket
		if err := rows.Scan(&t.RequestID, &t.ExternalID, &t.Type, &t.ParentExternalID, &t.Repo, &t.Title, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func MarkTicketIndexed(db *sql.DB, requestID string, at time.Time) error {
	_, err := db.Exec(`UPDATE published_tickets SET indexed_at = ? WHERE request_id = ?`, at, requestID)
	return err
}

func InsertAuditRecord(db *sql.DB, r AuditRecord) error {
	_, err := db.Exec(
		`INSERT INTO audit_records (request_id, stage, attempt, input_summary, output_summary, status)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.RequestID, r.Stage, r.Attempt, r.Input, r.Output, r.Status,
	)
	return err
}

// GetAuditTrail returns every record for a request in append order.
// recorded_at has one-second resolution, so the rowid breaks ties.
func GetAuditTrail(db *sql.DB, requestID string) ([]AuditRecord, error) {
	rows, err := db.Query(
		`SELECT id, request_id, stage, attempt, input_summary, output_summary, status, recorded_at
		 FROM audit_records WHERE request_id = ?
		 ORDER BY recorded_at, id`,
		requestID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(&r.ID, &r.RequestID, &r.Stage, &r.Attempt, &r.Input, &r.Output, &r.Status, &r.RecordedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
