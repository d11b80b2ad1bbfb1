package embedder

import (
	"context"
	"fmt"
	"time"

	"github.com/ollama/ollama/api"
)

// OllamaEmbedder is the default, offline embedding backend.
type OllamaEmbedder struct {
	client *api.Client
	model  string
}

// NewOllamaEmbedder builds a client from the OLLAMA_HOST environment,
// following the teacher's extractor.NewOllamaExtractor construction
// pattern. model defaults to a small, fast embedding model when empty.
func NewOllamaEmbedder(model string) (*OllamaEmbedder, error) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	return &OllamaEmbedder{client: client, model: model}, nil
}

func (o *OllamaEmbedder) Version() string { return "ollama:" + o.model }

// Available lists models as a cheap reachability check, bounded to a short
// timeout so a down Ollama daemon doesn't stall the embedding worker.
func (o *OllamaEmbedder) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := o.client.List(ctx)
	return err == nil
}

func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	req := &api.EmbeddingRequest{
		Model:  o.model,
		Prompt: text,
	}

	resp, err := o.client.Embeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings request: %w", err)
	}

	vec := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}
