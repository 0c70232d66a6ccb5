// Package server provides the HTTP API for kotae.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kotae-ai/kotae/internal/config"
	"github.com/kotae-ai/kotae/internal/embedding"
	"github.com/kotae-ai/kotae/internal/extract"
	"github.com/kotae-ai/kotae/internal/llm"
	"github.com/kotae-ai/kotae/internal/rag"
	"github.com/kotae-ai/kotae/internal/store"
)

// Server is the HTTP server for the kotae API.
type Server struct {
	store     *store.Store
	embedder  embedding.Embedder
	extractor *extract.Extractor
	client    llm.Client
	config    *config.Config
	logger    *zap.Logger
	server    *http.Server

	mu            sync.Mutex
	orchestrators map[string]*rag.Orchestrator // keyed by model "\x00" knowledge base
}

// NewServer creates a server with the given dependencies.
func NewServer(
	st *store.Store,
	embedder embedding.Embedder,
	extractor *extract.Extractor,
	client llm.Client,
	cfg *config.Config,
	logger *zap.Logger,
) *Server {
	return &Server{
		store:         st,
		embedder:      embedder,
		extractor:     extractor,
		client:        client,
		config:        cfg,
		logger:        logger,
		orchestrators: make(map[string]*rag.Orchestrator),
	}
}

// routes builds the router. Chat is mounted outside the timeout middleware
// because a streamed generation can legitimately outlive any fixed deadline.
func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Post("/api/v1/knowledge-bases", s.handleCreateKnowledgeBase)
		r.Get("/api/v1/knowledge-bases", s.handleListKnowledgeBases)
		r.Get("/api/v1/knowledge-bases/{name}", s.handleGetKnowledgeBase)
		r.Delete("/api/v1/knowledge-bases/{name}", s.handleDeleteKnowledgeBase)
		r.Get("/api/v1/models", s.handleModels)
		r.Get("/api/v1/status", s.handleStatus)
		r.Get("/health", s.handleHealth)
	})
	r.Group(func(r chi.Router) {
		r.Post("/api/v1/chat", s.handleChat)
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.routes(),
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// orchestrator returns the cached orchestrator for (model, knowledge base),
// attaching to the stored collection on first use.
func (s *Server) orchestrator(ctx context.Context, model, knowledgeBase string) (*rag.Orchestrator, error) {
	if model == "" {
		model = s.config.Inference.Model
	}
	key := model + "\x00" + knowledgeBase

	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orchestrators[key]; ok {
		return o, nil
	}
	o := rag.New(s.store, s.embedder, s.extractor, s.client, &s.config.RAG,
		rag.WithModel(model), rag.WithLogger(s.logger))
	if err := o.Load(ctx, knowledgeBase); err != nil {
		return nil, err
	}
	s.orchestrators[key] = o
	return o, nil
}

// dropOrchestrators evicts every cached orchestrator bound to the named
// knowledge base, across all models.
func (s *Server) dropOrchestrators(knowledgeBase string) {
	suffix := "\x00" + knowledgeBase
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.orchestrators {
		if len(key) >= len(suffix) && key[len(key)-len(suffix):] == suffix {
			delete(s.orchestrators, key)
		}
	}
}
