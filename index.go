package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ContextIndex is the semantic store of previously published tickets.
// Search failures surface as ErrContextIndexUnavailable; the pipeline
// degrades to empty context rather than blocking ticket creation.
//
// Publish -> searchable is eventually consistent: Index is called
// best-effort after publish and the cron backfill retries what it
// missed, so a just-published sibling may legitimately be absent from
// Search results.
type ContextIndex interface {
	Search(ctx context.Context, text, repo string, k int) ([]ContextMatch, error)
	Index(ctx context.Context, t PublishedTicket) error
}

// --- OpenAI embeddings ---

const defaultEmbeddingsEndpoint = "https://api.openai.com/v1/embeddings"

type openAIEmbedder struct {
	apiKey   string
	model    string
	endpoint string // defaultEmbeddingsEndpoint unless overridden in tests
}

type openAIEmbeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (e *openAIEmbedder) embed(ctx context.Context, text string) ([]float64, error) {
	bodyBytes, err := json.Marshal(openAIEmbeddingRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := e.endpoint
	if endpoint == "" {
		endpoint = defaultEmbeddingsEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := externalHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("OpenAI embeddings error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var parsed openAIEmbeddingResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parsing embeddings response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("OpenAI embeddings error: %s", parsed.Error.Message)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("no embedding in OpenAI response")
	}
	return parsed.Data[0].Embedding, nil
}

// --- Weaviate ---

// WeaviateIndex stores one object per published ticket, vectorized from
// its title and description, scoped by repo.
type WeaviateIndex struct {
	endpoint   string
	apiKey     string
	class      string
	embedder   *openAIEmbedder
	httpClient *http.Client
}

func NewWeaviateIndex(cfg Config) *WeaviateIndex {
	return &WeaviateIndex{
		endpoint:   strings.TrimRight(cfg.WeaviateURL, "/"),
		apiKey:     cfg.WeaviateAPIKey,
		class:      cfg.WeaviateClass,
		embedder:   &openAIEmbedder{apiKey: cfg.OpenAIAPIKey, model: cfg.EmbeddingModel},
		httpClient: externalHTTPClient,
	}
}

type indexHit struct {
	match       ContextMatch
	publishedAt time.Time
}

// rankMatches orders hits by descending score, breaking ties in favor of
// the more recently published ticket, and assigns dense ranks from 1.
func rankMatches(hits []indexHit) []ContextMatch {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].match.Score != hits[j].match.Score {
			return hits[i].match.Score > hits[j].match.Score
		}
		return hits[i].publishedAt.After(hits[j].publishedAt)
	})
	matches := make([]ContextMatch, 0, len(hits))
	for i, h := range hits {
		m := h.match
		m.Rank = i + 1
		matches = append(matches, m)
	}
	return matches
}

func (w *WeaviateIndex) Search(ctx context.Context, text, repo string, k int) ([]ContextMatch, error) {
	vector, err := w.embedder.embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding query: %v", ErrContextIndexUnavailable, err)
	}

	vectorJSON, err := json.Marshal(vector)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContextIndexUnavailable, err)
	}

	whereClause := ""
	if repo != "" {
		whereClause = fmt.Sprintf(`where: {path: ["repo"], operator: Equal, valueString: %q}`, repo)
	}

	gql := map[string]interface{}{
		"query": fmt.Sprintf(`{
	      Get {
	        %s(
	          limit: %d
	          nearVector: {vector: %s}
	          %s
	        ) {
	          ticketId
	          ticketType
	          title
	          publishedAt
	          _additional { certainty }
	        }
	      }
	    }`, w.class, k, vectorJSON, whereClause),
	}

	payload, err := json.Marshal(gql)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContextIndexUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint+"/v1/graphql", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContextIndexUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContextIndexUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: weaviate returned %d: %s", ErrContextIndexUnavailable, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var response struct {
		Data struct {
			Get map[string][]struct {
				TicketID    string `json:"ticketId"`
				TicketType  string `json:"ticketType"`
				Title       string `json:"title"`
				PublishedAt string `json:"publishedAt"`
				Additional  struct {
					Certainty float64 `json:"certainty"`
				} `json:"_additional"`
			} `json:"Get"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("%w: parsing weaviate response: %v", ErrContextIndexUnavailable, err)
	}

	hits := make([]indexHit, 0, k)
	for _, rec := range response.Data.Get[w.class] {
		publishedAt, _ := time.Parse(time.RFC3339, rec.PublishedAt)
		hits = append(hits, indexHit{
			match: ContextMatch{
				TicketID:   rec.TicketID,
				TicketType: rec.TicketType,
				Title:      rec.Title,
				Score:      rec.Additional.Certainty,
			},
			publishedAt: publishedAt,
		})
	}
	return rankMatches(hits), nil
}

// Index upserts one published ticket. The object id is derived from the
// request id, so replaying the call for an already-indexed ticket is a
// no-op rather than a duplicate.
func (w *WeaviateIndex) Index(ctx context.Context, t PublishedTicket) error {
	vector, err := w.embedder.embed(ctx, t.Title+"\n\n"+t.Description)
	if err != nil {
		return fmt.Errorf("%w: embedding ticket: %v", ErrContextIndexUnavailable, err)
	}

	payload := map[string]interface{}{
		"class":  w.class,
		"id":     uuid.NewSHA1(uuid.NameSpaceOID, []byte(t.RequestID)).String(),
		"vector": vector,
		"properties": map[string]interface{}{
			"ticketId":    t.ExternalID,
			"ticketType":  t.Type,
			"title":       t.Title,
			"description": t.Description,
			"repo":        t.Repo,
			"publishedAt": t.CreatedAt.UTC().Format(time.RFC3339),
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrContextIndexUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint+"/v1/objects", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrContextIndexUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrContextIndexUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		// A replayed index call hits the deterministic object id.
		if resp.StatusCode == http.StatusUnprocessableEntity && strings.Contains(string(data), "already exists") {
			log.Printf("index upsert ticket=%s already indexed", t.ExternalID)
			return nil
		}
		return fmt.Errorf("%w: weaviate store failed: %s", ErrContextIndexUnavailable, strings.TrimSpace(string(data)))
	}
	return nil
}
