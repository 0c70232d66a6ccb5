package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/kotae-ai/kotae/internal/llm"
	"github.com/kotae-ai/kotae/internal/rag"
	"github.com/kotae-ai/kotae/internal/store"
)

type chatRequest struct {
	Message       string `json:"message"`
	Model         string `json:"model,omitempty"`
	KnowledgeBase string `json:"knowledge_base"`
	Stream        bool   `json:"stream,omitempty"`
}

// handleChat answers one question against a knowledge base. With stream set
// the response is a text/event-stream of {"response": fragment} events
// terminated by a [DONE] sentinel; otherwise a single JSON object.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.respondError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.KnowledgeBase == "" {
		s.respondError(w, http.StatusBadRequest, "knowledge_base is required")
		return
	}

	ctx := r.Context()
	o, err := s.orchestrator(ctx, req.Model, req.KnowledgeBase)
	if err != nil {
		s.respondError(w, chatStatus(err), err.Error())
		return
	}
	s.logger.Debug("chat request",
		zap.String("knowledge_base", req.KnowledgeBase),
		zap.String("model", req.Model),
		zap.Bool("stream", req.Stream),
	)

	if !req.Stream {
		answer, err := o.Answer(ctx, req.Message)
		if err != nil {
			s.logger.Error("chat failed", zap.Error(err))
			s.respondError(w, chatStatus(err), err.Error())
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]string{"response": answer})
		return
	}

	stream, err := o.AnswerStream(ctx, req.Message)
	if err != nil {
		s.logger.Error("chat stream failed", zap.Error(err))
		s.respondError(w, chatStatus(err), err.Error())
		return
	}
	defer stream.Close()
	s.streamSSE(w, stream)
}

// streamSSE relays fragments as server-sent events. Errors mid-stream are
// reported as an error event; the connection owns no other state so closing
// it is the whole cleanup.
func (s *Server) streamSSE(w http.ResponseWriter, stream *rag.Stream) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		frag, err := stream.Recv()
		if err == io.EOF {
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
		if err != nil {
			s.logger.Error("stream interrupted", zap.Error(err))
			payload, _ := json.Marshal(map[string]string{"error": err.Error()})
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			return
		}
		payload, _ := json.Marshal(map[string]string{"response": frag})
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
}

// chatStatus maps query errors onto HTTP statuses.
func chatStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrCollectionNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrModelMismatch):
		return http.StatusConflict
	case errors.Is(err, rag.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, llm.ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, llm.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, llm.ErrUnreachable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
