package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kotae-ai/kotae/internal/extract"
	"github.com/kotae-ai/kotae/internal/llm"
	"github.com/kotae-ai/kotae/internal/rag"
	"github.com/kotae-ai/kotae/internal/store"
)

const maxUploadBytes = 64 << 20

// handleCreateKnowledgeBase accepts a multipart upload ("name" field plus one
// or more "files") and builds a knowledge base from it. The first file seeds
// the collection, the rest are appended.
func (s *Server) handleCreateKnowledgeBase(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		s.respondError(w, http.StatusBadRequest, "at least one file is required")
		return
	}
	name := r.FormValue("name")
	if name == "" {
		name = rag.CollectionNameForPath(files[0].Filename)
	}
	if name == "" || name != filepath.Base(name) {
		s.respondError(w, http.StatusBadRequest, "invalid knowledge base name")
		return
	}

	paths := make([]string, 0, len(files))
	dir := filepath.Join(s.config.Storage.UploadDir, name)
	for _, fh := range files {
		path, err := s.saveUpload(dir, fh)
		if err != nil {
			s.logger.Error("save upload failed", zap.String("file", fh.Filename), zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, "failed to store upload")
			return
		}
		paths = append(paths, path)
	}

	o := rag.New(s.store, s.embedder, s.extractor, s.client, &s.config.RAG,
		rag.WithModel(s.config.Inference.Model), rag.WithLogger(s.logger))
	ctx := r.Context()
	if _, err := o.Build(ctx, paths[0], name); err != nil {
		s.logger.Error("build failed", zap.String("knowledge_base", name), zap.Error(err))
		s.respondError(w, buildStatus(err), err.Error())
		return
	}
	for _, path := range paths[1:] {
		if err := o.Add(ctx, path); err != nil {
			s.logger.Error("append failed", zap.String("knowledge_base", name),
				zap.String("file", path), zap.Error(err))
			s.respondError(w, buildStatus(err), err.Error())
			return
		}
	}

	// Replace any cached orchestrators that still hold the old contents.
	s.dropOrchestrators(name)
	s.mu.Lock()
	s.orchestrators[s.config.Inference.Model+"\x00"+name] = o
	s.mu.Unlock()

	count, err := s.store.Count(ctx, name)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]interface{}{
		"name":     name,
		"files":    len(paths),
		"segments": count,
	})
}

func (s *Server) saveUpload(dir string, fh *multipart.FileHeader) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	src, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	path := filepath.Join(dir, filepath.Base(fh.Filename))
	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Server) handleListKnowledgeBases(w http.ResponseWriter, r *http.Request) {
	infos, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("list knowledge bases failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"knowledge_bases": infos})
}

func (s *Server) handleGetKnowledgeBase(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	infos, err := s.store.List(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, info := range infos {
		if info.Name == name {
			s.respondJSON(w, http.StatusOK, info)
			return
		}
	}
	s.respondError(w, http.StatusNotFound, "knowledge base not found")
}

func (s *Server) handleDeleteKnowledgeBase(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.logger.Debug("delete knowledge base request", zap.String("name", name))
	if err := s.store.Delete(r.Context(), name); err != nil {
		if errors.Is(err, store.ErrCollectionNotFound) {
			s.respondError(w, http.StatusNotFound, "knowledge base not found")
			return
		}
		s.logger.Error("deletion failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.dropOrchestrators(name)
	if dir := filepath.Join(s.config.Storage.UploadDir, name); dir != string(filepath.Separator) {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("failed to remove uploads", zap.String("dir", dir), zap.Error(err))
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"name": name, "status": "deleted"})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	infos, err := s.client.ListModels(r.Context())
	if err != nil {
		s.logger.Error("list models failed", zap.Error(err))
		s.respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"models": infos})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	infos, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("status: list collections failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var segments int64
	for _, info := range infos {
		segments += info.Segments
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"knowledge_bases": len(infos),
		"segments":        segments,
		"config": map[string]interface{}{
			"model":           s.config.Inference.Model,
			"embedding_model": s.config.Inference.EmbeddingModel,
			"top_k":           s.config.RAG.TopK,
			"chunk_size":      s.config.RAG.ChunkSize,
			"chunk_overlap":   s.config.RAG.ChunkOverlap,
			"data_dir":        s.config.Storage.DataDir,
		},
	})
}

// buildStatus maps ingest errors onto HTTP statuses.
func buildStatus(err error) int {
	switch {
	case errors.Is(err, extract.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, llm.ErrUnreachable):
		return http.StatusBadGateway
	case errors.Is(err, llm.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
