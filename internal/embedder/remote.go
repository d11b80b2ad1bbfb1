package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RemoteEmbedder calls a hosted embeddings-compatible HTTP endpoint
// (OpenAI-style request/response shape). There is no third-party Go client
// for this surface anywhere in the example pack, so this is the one
// deliberately stdlib-only leaf in the engine (documented in
// SPEC_FULL.md's Domain Stack table) — net/http and encoding/json are the
// idiomatic choice for a bespoke REST call with no ecosystem client.
type RemoteEmbedder struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

func NewRemoteEmbedder(baseURL, apiKey, model string) *RemoteEmbedder {
	return &RemoteEmbedder{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
	}
}

func (r *RemoteEmbedder) Version() string { return "remote:" + r.model }

func (r *RemoteEmbedder) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	r.setHeaders(req)
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode < 500
}

type remoteEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type remoteEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (r *RemoteEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(remoteEmbedRequest{Model: r.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	r.setHeaders(req)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed request returned status %d", resp.StatusCode)
	}

	var parsed remoteEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("embed response contained no vectors")
	}
	return parsed.Data[0].Embedding, nil
}

func (r *RemoteEmbedder) setHeaders(req *http.Request) {
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
}
