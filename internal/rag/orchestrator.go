// Package rag orchestrates the retrieval-augmented-generation pipeline:
// build a knowledge base from a document, retrieve relevant segments for a
// query, compose a prompt, and delegate generation to the model connector.
package rag

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kotae-ai/kotae/internal/config"
	"github.com/kotae-ai/kotae/internal/embedding"
	"github.com/kotae-ai/kotae/internal/extract"
	"github.com/kotae-ai/kotae/internal/llm"
	"github.com/kotae-ai/kotae/internal/models"
	"github.com/kotae-ai/kotae/internal/store"
)

// ErrNotReady is returned by query operations when no knowledge base is in
// the Ready state.
var ErrNotReady = errors.New("knowledge base not ready")

// State is the per-knowledge-base lifecycle state.
type State int

const (
	StateUnbuilt State = iota
	StateBuilding
	StateReady
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnbuilt:
		return "unbuilt"
	case StateBuilding:
		return "building"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of the orchestrator.
type Status struct {
	State         string                 `json:"state"`
	Model         string                 `json:"model"`
	KnowledgeBase string                 `json:"knowledge_base,omitempty"`
	Segments      int64                  `json:"segments"`
	Available     []store.CollectionInfo `json:"available"`
}

// Orchestrator owns the active knowledge-base handle for the lifetime of the
// process (or until another knowledge base is built or loaded).
type Orchestrator struct {
	store     *store.Store
	embedder  embedding.Embedder
	extractor *extract.Extractor
	chunker   *Chunker
	client    llm.Client
	model     string // generation model; empty selects the client default
	cfg       *config.RAGConfig
	logger    *zap.Logger

	buildMu sync.Mutex // serializes builds relative to each other

	mu         sync.RWMutex // guards state, collection, history
	state      State
	collection string
	history    []models.ChatMessage
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithModel overrides the generation model for this orchestrator.
func WithModel(model string) Option {
	return func(o *Orchestrator) { o.model = model }
}

// New creates an orchestrator with the given dependencies.
func New(st *store.Store, emb embedding.Embedder, ext *extract.Extractor, client llm.Client, cfg *config.RAGConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     st,
		embedder:  emb,
		extractor: ext,
		chunker:   NewChunker(cfg.ChunkSize, cfg.ChunkOverlap),
		client:    client,
		cfg:       cfg,
		state:     StateUnbuilt,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CollectionNameForPath is the default knowledge-base name for a source
// file: its base name without the extension.
func CollectionNameForPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Build creates (or rebuilds) the knowledge base named name from the file at
// path and makes it the active one. An empty name defaults to the file's
// base name. Queries fail with ErrNotReady while the build is in flight;
// loader and store errors propagate unchanged and leave the orchestrator in
// the Failed state, from which another Build may be retried.
func (o *Orchestrator) Build(ctx context.Context, path, name string) (string, error) {
	if name == "" {
		name = CollectionNameForPath(path)
	}
	o.buildMu.Lock()
	defer o.buildMu.Unlock()

	o.setState(StateBuilding)
	segments, vectors, err := o.ingest(ctx, path)
	if err != nil {
		o.setState(StateFailed)
		return "", err
	}
	if err := o.store.Replace(ctx, name, o.embedder.Model(), segments, vectors); err != nil {
		o.setState(StateFailed)
		return "", fmt.Errorf("store knowledge base %q: %w", name, err)
	}

	o.mu.Lock()
	o.state = StateReady
	o.collection = name
	o.mu.Unlock()

	if o.logger != nil {
		o.logger.Info("knowledge base built",
			zap.String("name", name),
			zap.String("path", path),
			zap.Int("segments", len(segments)),
		)
	}
	return name, nil
}

// Add appends another document to the active knowledge base.
func (o *Orchestrator) Add(ctx context.Context, path string) error {
	collection, err := o.readyCollection()
	if err != nil {
		return err
	}
	o.buildMu.Lock()
	defer o.buildMu.Unlock()

	segments, vectors, err := o.ingest(ctx, path)
	if err != nil {
		return err
	}
	if err := o.store.Append(ctx, collection, o.embedder.Model(), segments, vectors); err != nil {
		return fmt.Errorf("append to knowledge base %q: %w", collection, err)
	}
	if o.logger != nil {
		o.logger.Info("document added",
			zap.String("knowledge_base", collection),
			zap.String("path", path),
			zap.Int("segments", len(segments)),
		)
	}
	return nil
}

// ingest extracts, chunks, and embeds one source file.
func (o *Orchestrator) ingest(ctx context.Context, path string) ([]models.Segment, [][]float32, error) {
	src, err := models.ResolveSource(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", extract.ErrUnsupportedFormat, err)
	}
	text, err := o.extractor.Extract(src)
	if err != nil {
		return nil, nil, err
	}
	segments := o.chunker.Chunk(text)
	texts := make([]string, len(segments))
	for i, seg := range segments {
		texts[i] = seg.Content
	}
	vectors, err := o.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, nil, fmt.Errorf("embed %s: %w", path, err)
	}
	return segments, vectors, nil
}

// Load attaches to an existing knowledge base without rebuilding it. The
// collection's embedding-model tag must match the configured embedder.
func (o *Orchestrator) Load(ctx context.Context, name string) error {
	tagged, err := o.store.EmbeddingModel(ctx, name)
	if err != nil {
		return err
	}
	if tagged != o.embedder.Model() {
		return fmt.Errorf("%w: %q was built with %q, embedder is %q",
			store.ErrModelMismatch, name, tagged, o.embedder.Model())
	}
	o.mu.Lock()
	o.state = StateReady
	o.collection = name
	o.mu.Unlock()
	return nil
}

// Retrieve embeds the query and returns up to k segments from the active
// knowledge base, descending by similarity. k <= 0 selects the configured
// top-K default.
func (o *Orchestrator) Retrieve(ctx context.Context, query string, k int) (models.RetrievedContext, error) {
	collection, err := o.readyCollection()
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		k = o.cfg.TopK
	}
	vec, err := o.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return o.store.Search(ctx, collection, vec, k)
}

// Answer retrieves context for query, composes the prompt, and blocks until
// the model's full response is available. The exchange is recorded in the
// conversation history.
func (o *Orchestrator) Answer(ctx context.Context, query string) (string, error) {
	prompt, err := o.prepare(ctx, query)
	if err != nil {
		return "", err
	}
	answer, err := o.client.Generate(ctx, llm.GenerateRequest{Model: o.model, Prompt: prompt})
	if err != nil {
		return "", err
	}
	answer = strings.TrimSpace(answer)
	o.recordExchange(query, answer)
	return answer, nil
}

// AnswerStream is Answer with incremental delivery. The exchange is recorded
// once the returned stream is drained; an abandoned stream records nothing.
func (o *Orchestrator) AnswerStream(ctx context.Context, query string) (*Stream, error) {
	prompt, err := o.prepare(ctx, query)
	if err != nil {
		return nil, err
	}
	inner, err := o.client.GenerateStream(ctx, llm.GenerateRequest{Model: o.model, Prompt: prompt})
	if err != nil {
		return nil, err
	}
	return &Stream{
		inner: inner,
		record: func(answer string) {
			o.recordExchange(query, strings.TrimSpace(answer))
		},
	}, nil
}

// prepare checks readiness, retrieves context, and composes the prompt.
func (o *Orchestrator) prepare(ctx context.Context, query string) (string, error) {
	retrieved, err := o.Retrieve(ctx, query, 0)
	if err != nil {
		return "", err
	}
	if o.logger != nil {
		o.logger.Debug("retrieved context",
			zap.String("query", query),
			zap.Int("segments", len(retrieved)),
		)
	}
	return composePrompt(o.historyTail(), retrieved, query), nil
}

// ListKnowledgeBases returns every stored collection.
func (o *Orchestrator) ListKnowledgeBases(ctx context.Context) ([]store.CollectionInfo, error) {
	return o.store.List(ctx)
}

// DeleteKnowledgeBase removes a stored collection. Deleting the active one
// resets the orchestrator to Unbuilt.
func (o *Orchestrator) DeleteKnowledgeBase(ctx context.Context, name string) error {
	if err := o.store.Delete(ctx, name); err != nil {
		return err
	}
	o.mu.Lock()
	if o.collection == name {
		o.collection = ""
		o.state = StateUnbuilt
	}
	o.mu.Unlock()
	return nil
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// KnowledgeBase returns the active collection name ("" when none).
func (o *Orchestrator) KnowledgeBase() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.collection
}

// Model returns the generation model this orchestrator requests.
func (o *Orchestrator) Model() string {
	return o.model
}

// Status reports the orchestrator and store state.
func (o *Orchestrator) Status(ctx context.Context) (*Status, error) {
	o.mu.RLock()
	state := o.state
	collection := o.collection
	o.mu.RUnlock()

	st := &Status{State: state.String(), Model: o.model, KnowledgeBase: collection}
	if state == StateReady && collection != "" {
		n, err := o.store.Count(ctx, collection)
		if err != nil {
			return nil, err
		}
		st.Segments = n
	}
	available, err := o.store.List(ctx)
	if err != nil {
		return nil, err
	}
	st.Available = available
	return st, nil
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) readyCollection() (string, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.state != StateReady || o.collection == "" {
		return "", fmt.Errorf("%w: state is %s", ErrNotReady, o.state)
	}
	return o.collection, nil
}

// recordExchange appends one user/assistant exchange to the history.
func (o *Orchestrator) recordExchange(query, answer string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history,
		models.ChatMessage{Role: models.RoleUser, Content: query},
		models.ChatMessage{Role: models.RoleAssistant, Content: answer},
	)
	// Bound the retained history to twice the prompt window.
	if max := o.cfg.HistoryWindow * 4; max > 0 && len(o.history) > max {
		o.history = o.history[len(o.history)-max:]
	}
}

// historyTail returns the most recent messages included in prompts.
func (o *Orchestrator) historyTail() []models.ChatMessage {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n := o.cfg.HistoryWindow
	if n <= 0 || len(o.history) <= n {
		return append([]models.ChatMessage(nil), o.history...)
	}
	return append([]models.ChatMessage(nil), o.history[len(o.history)-n:]...)
}
