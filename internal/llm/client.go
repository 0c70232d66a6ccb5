// Package llm is the connector to the local language-model inference server
// (an Ollama-compatible HTTP generation API).
package llm

import (
	"context"
	"errors"
)

var (
	// ErrUnreachable is returned when the inference endpoint cannot be reached.
	ErrUnreachable = errors.New("inference endpoint unreachable")
	// ErrTimeout is returned when no response arrives within the configured duration.
	ErrTimeout = errors.New("inference request timed out")
	// ErrModelNotFound is returned when the named model is not available on the server.
	ErrModelNotFound = errors.New("model not available on inference server")
)

// GenerateRequest is one generation call. An empty Model selects the
// client's default model.
type GenerateRequest struct {
	Model  string
	Prompt string
}

// ModelInfo describes one model available on the inference server.
type ModelInfo struct {
	Name       string `json:"name"`
	Size       int64  `json:"size,omitempty"`
	ModifiedAt string `json:"modified_at,omitempty"`
}

// Client generates text on the inference server. Implementations must open
// one independent connection per request so concurrent calls share no
// mutable connection state.
type Client interface {
	// Generate blocks until the full response is received.
	Generate(ctx context.Context, req GenerateRequest) (string, error)
	// GenerateStream returns a lazy, finite, non-restartable fragment
	// sequence. The caller must drain or Close it.
	GenerateStream(ctx context.Context, req GenerateRequest) (*Stream, error)
	// ListModels returns the models the server can run.
	ListModels(ctx context.Context) ([]ModelInfo, error)
}
