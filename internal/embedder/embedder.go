// Package embedder provides the C4 embedding backend abstraction (spec.md
// §4.4): a local Ollama-backed embedder for the default, offline path, and
// a remote HTTP embedder for users pointing at a hosted embeddings service.
// Both satisfy the same interface so the worker and retriever never know
// which backend produced a vector.
package embedder

import (
	"context"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	// Embed returns the embedding vector for text under the current model
	// version. Version is reported alongside so callers can tag vectors
	// and detect when a model upgrade requires re-embedding (spec.md §4.4:
	// "a changed embedding_version must not silently corrupt old vectors").
	Embed(ctx context.Context, text string) ([]float32, error)
	// Version identifies the model/backend producing vectors, stored
	// alongside each VectorRecord and each outbox job.
	Version() string
	// Available reports whether the backend is currently reachable,
	// following the teacher's extractor.Available health-check pattern.
	Available(ctx context.Context) bool
}
