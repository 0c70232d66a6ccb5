package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kotae-ai/kotae/pkg/utils"
)

const defaultEmbedTimeout = 60 * time.Second

// OllamaEmbedder embeds text through the local inference server's
// /api/embeddings endpoint. Vectors are normalized to unit length so that
// inner product over the store equals cosine similarity.
type OllamaEmbedder struct {
	baseURL string
	model   string
	client  *http.Client
	cache   *EmbeddingCache
}

// NewOllamaEmbedder creates an embedder for the given endpoint and model.
// cacheSize <= 0 disables the cache.
func NewOllamaEmbedder(baseURL, model string, timeout time.Duration, cacheSize int) *OllamaEmbedder {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	if timeout <= 0 {
		timeout = defaultEmbedTimeout
	}
	e := &OllamaEmbedder{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
	if cacheSize > 0 {
		e.cache = NewEmbeddingCache(cacheSize)
	}
	return e
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed returns the unit-normalized embedding for text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.cache != nil {
		if vec, ok := e.cache.Get(text); ok {
			return vec, nil
		}
	}
	body, err := json.Marshal(embedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call embedding endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding endpoint returned status %d", resp.StatusCode)
	}
	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("embedding endpoint returned empty vector for model %q", e.model)
	}
	utils.NormalizeL2(out.Embedding)
	if e.cache != nil {
		e.cache.Set(text, out.Embedding)
	}
	return out.Embedding, nil
}

// EmbedBatch embeds each text sequentially. The endpoint has no batch API.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		vectors[i] = vec
	}
	return vectors, nil
}

// Model returns the embedding model identifier.
func (e *OllamaEmbedder) Model() string {
	return e.model
}

// Close is a no-op; the HTTP client holds no per-embedder state.
func (e *OllamaEmbedder) Close() error {
	return nil
}
