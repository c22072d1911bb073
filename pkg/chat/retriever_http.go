package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RetrieverConfig configures the knowledge-base client.
// The retrieval service owns ingestion, chunking, and indexing; this
// side only asks it for ranked evidence.
type RetrieverConfig struct {
	BaseURL string        `env:"RETRIEVER_BASE_URL"`
	Timeout time.Duration `env:"RETRIEVER_TIMEOUT" envDefault:"10s"`
}

// HTTPRetriever queries the retrieval service over HTTP.
type HTTPRetriever struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRetriever creates the client.
func NewHTTPRetriever(cfg RetrieverConfig) *HTTPRetriever {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPRetriever{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type retrieveRequest struct {
	Query         string  `json:"query"`
	TopK          int     `json:"top_k"`
	MaxCandidates int     `json:"max_candidates"`
	MinScore      float64 `json:"min_score"`
}

type retrieveResponse struct {
	Results []Evidence `json:"results"`
}

// Retrieve implements Retriever.
func (r *HTTPRetriever) Retrieve(ctx context.Context, query string, params RetrieveParams) ([]Evidence, error) {
	body, err := json.Marshal(retrieveRequest{
		Query:         query,
		TopK:          params.TopK,
		MaxCandidates: params.MaxCandidates,
		MinScore:      params.MinScore,
	})
	if err != nil {
		return nil, fmt.Errorf("chat: marshal retrieve request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/retrieve", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("chat: build retrieve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat: retrieve: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chat: retrieve: unexpected status %d", resp.StatusCode)
	}

	var out retrieveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("chat: decode retrieve response: %w", err)
	}
	return out.Results, nil
}

var _ Retriever = (*HTTPRetriever)(nil)
