// Package embedding provides text embedding via the local inference server,
// with caching and a deterministic mock for tests.
package embedding

import "context"

// Embedder produces unit-length vector embeddings for text.
// Model identifies the embedding model; a vector collection built with one
// model must never be queried with another.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Close() error
}
