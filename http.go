package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
)

// The HTTP layer is a thin pass-through over the pipeline's exposed
// surface: decode JSON, call, encode. Route logic stays out of the core.

type commitRequestBody struct {
	CommitMessage string `json:"commit_message"`
	Repo          string `json:"repo"`
	AssigneeEmail string `json:"assignee_email"`
}

type clientRequestBody struct {
	RequestText   string `json:"request_text"`
	Repo          string `json:"repo"`
	AssigneeEmail string `json:"assignee_email"`
}

type outcomeResponse struct {
	RequestID  string   `json:"request_id"`
	Status     string   `json:"status"` // "published" or "rejected"
	TicketID   string   `json:"ticket_id,omitempty"`
	TicketType string   `json:"ticket_type,omitempty"`
	ParentID   string   `json:"parent_id,omitempty"`
	Verdict    string   `json:"verdict,omitempty"`
	Rationale  string   `json:"rationale,omitempty"`
	Guidance   string   `json:"guidance,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

func NewHTTPHandler(p *Pipeline) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/commit", func(w http.ResponseWriter, r *http.Request) {
		var body commitRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_input", Detail: "malformed JSON body"})
			return
		}
		outcome, err := p.HandleCommitRequest(r.Context(), body.CommitMessage, body.Repo, body.AssigneeEmail)
		writeOutcome(w, outcome, err)
	})

	mux.HandleFunc("POST /api/request", func(w http.ResponseWriter, r *http.Request) {
		var body clientRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_input", Detail: "malformed JSON body"})
			return
		}
		outcome, err := p.HandleClientRequest(r.Context(), body.RequestText, body.Repo, body.AssigneeEmail)
		writeOutcome(w, outcome, err)
	})

	mux.HandleFunc("GET /api/audit", func(w http.ResponseWriter, r *http.Request) {
		requestID := r.URL.Query().Get("request_id")
		if requestID == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_input", Detail: "request_id query parameter required"})
			return
		}
		trail, err := p.GetFullAuditTrail(r.Context(), requestID)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal", RequestID: requestID})
			return
		}
		writeJSON(w, http.StatusOK, trail)
	})

	return mux
}

func writeOutcome(w http.ResponseWriter, outcome TicketOutcome, err error) {
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, ErrInvalidInput) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, errorResponse{
			Error:     errKind(err),
			RequestID: outcome.RequestID,
			Detail:    err.Error(),
		})
		return
	}

	resp := outcomeResponse{
		RequestID:  outcome.RequestID,
		TicketID:   outcome.TicketID,
		TicketType: outcome.TicketType,
		ParentID:   outcome.ParentID,
		Verdict:    outcome.Verdict,
		Rationale:  outcome.Rationale,
		Guidance:   outcome.Guidance,
		Warnings:   outcome.Warnings,
	}
	if outcome.Published {
		resp.Status = "published"
	} else {
		resp.Status = "rejected"
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("http encode error: %v", err)
	}
}
