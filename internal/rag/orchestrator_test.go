package rag

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kotae-ai/kotae/internal/config"
	"github.com/kotae-ai/kotae/internal/extract"
	"github.com/kotae-ai/kotae/internal/llm"
	"github.com/kotae-ai/kotae/internal/models"
	"github.com/kotae-ai/kotae/internal/store"
	"github.com/kotae-ai/kotae/pkg/utils"
)

// keywordEmbedder maps texts onto fixed axes by keyword so retrieval order
// is deterministic in tests.
type keywordEmbedder struct{}

func (keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(text)
	v := []float32{0, 0, 0.1}
	if strings.Contains(lower, "novatech") {
		v[0] = 1
	}
	if strings.Contains(lower, "pricing") {
		v[1] = 1
	}
	utils.NormalizeL2(v)
	return v, nil
}

func (e keywordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (keywordEmbedder) Model() string { return "keyword-test" }
func (keywordEmbedder) Close() error  { return nil }

// genServer fakes the inference server's generate endpoint and records every
// prompt it receives.
type genServer struct {
	srv       *httptest.Server
	answer    string
	fragments []string

	mu      sync.Mutex
	prompts []string
}

func newGenServer(t *testing.T, answer string, fragments []string) *genServer {
	t.Helper()
	g := &genServer{answer: answer, fragments: fragments}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		g.mu.Lock()
		g.prompts = append(g.prompts, req.Prompt)
		g.mu.Unlock()

		enc := json.NewEncoder(w)
		if !req.Stream {
			enc.Encode(map[string]any{"response": g.answer, "done": true})
			return
		}
		for _, frag := range g.fragments {
			enc.Encode(map[string]any{"response": frag, "done": false})
		}
		enc.Encode(map[string]any{"response": "", "done": true})
	})
	g.srv = httptest.NewServer(mux)
	t.Cleanup(g.srv.Close)
	return g
}

func (g *genServer) lastPrompt(t *testing.T) string {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.prompts) == 0 {
		t.Fatal("no prompt received")
	}
	return g.prompts[len(g.prompts)-1]
}

func newTestOrchestrator(t *testing.T, client llm.Client) *Orchestrator {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	cfg := &config.RAGConfig{TopK: 4, ChunkSize: 8, ChunkOverlap: 0, HistoryWindow: 5}
	return New(st, keywordEmbedder{}, extract.NewExtractor(), client, cfg)
}

func writeDoc(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write doc: %v", err)
	}
	return path
}

// Two 8-word sentences so the test chunker puts them in separate segments.
const companyDoc = "NovaTech was founded in 2019 in Tallinn Estonia. " +
	"The premium plan pricing starts at nine dollars."

func TestAnswer_notReadyBeforeBuild(t *testing.T) {
	gen := newGenServer(t, "unused", nil)
	o := newTestOrchestrator(t, llm.NewOllama(gen.srv.URL, "test-model", 5*time.Second))

	if _, err := o.Answer(context.Background(), "anything?"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if o.State() != StateUnbuilt {
		t.Errorf("state = %s, want unbuilt", o.State())
	}
}

func TestBuildRetrieveAnswer(t *testing.T) {
	const modelAnswer = "NovaTech was founded in 2019."
	gen := newGenServer(t, modelAnswer, nil)
	o := newTestOrchestrator(t, llm.NewOllama(gen.srv.URL, "test-model", 5*time.Second))
	ctx := context.Background()

	name, err := o.Build(ctx, writeDoc(t, "company.txt", companyDoc), "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if name != "company" {
		t.Errorf("collection name = %q, want company", name)
	}
	if o.State() != StateReady {
		t.Fatalf("state = %s, want ready", o.State())
	}

	retrieved, err := o.Retrieve(ctx, "When was NovaTech founded?", 1)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(retrieved) != 1 || !strings.Contains(retrieved[0].Segment.Content, "NovaTech") {
		t.Fatalf("top segment = %+v, want the NovaTech sentence", retrieved)
	}

	answer, err := o.Answer(ctx, "When was NovaTech founded?")
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if answer != modelAnswer {
		t.Errorf("answer = %q, want the model output unchanged", answer)
	}

	prompt := gen.lastPrompt(t)
	if !strings.Contains(prompt, "NovaTech was founded in 2019 in Tallinn") {
		t.Error("prompt missing retrieved sentence")
	}
	if !strings.Contains(prompt, "When was NovaTech founded?") {
		t.Error("prompt missing query")
	}
}

func TestRetrieve_identicalQueriesIdentical(t *testing.T) {
	gen := newGenServer(t, "", nil)
	o := newTestOrchestrator(t, llm.NewOllama(gen.srv.URL, "test-model", 5*time.Second))
	ctx := context.Background()

	if _, err := o.Build(ctx, writeDoc(t, "company.txt", companyDoc), ""); err != nil {
		t.Fatalf("build: %v", err)
	}
	first, err := o.Retrieve(ctx, "pricing details", 0)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	second, err := o.Retrieve(ctx, "pricing details", 0)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("result counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Segment.ID != second[i].Segment.ID || first[i].Score != second[i].Score {
			t.Errorf("result %d differs between identical queries", i)
		}
	}
}

func TestBuild_unsupportedFormatThenRetry(t *testing.T) {
	gen := newGenServer(t, "ok", nil)
	o := newTestOrchestrator(t, llm.NewOllama(gen.srv.URL, "test-model", 5*time.Second))
	ctx := context.Background()

	bad := writeDoc(t, "setup.exe", "binary junk")
	if _, err := o.Build(ctx, bad, ""); !errors.Is(err, extract.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	if o.State() != StateFailed {
		t.Fatalf("state after failed build = %s, want failed", o.State())
	}
	if _, err := o.Answer(ctx, "anything?"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady after failed build, got %v", err)
	}

	if _, err := o.Build(ctx, writeDoc(t, "company.txt", companyDoc), ""); err != nil {
		t.Fatalf("retry build: %v", err)
	}
	if o.State() != StateReady {
		t.Fatalf("state after retry = %s, want ready", o.State())
	}
	if _, err := o.Answer(ctx, "When was NovaTech founded?"); err != nil {
		t.Fatalf("answer after retry: %v", err)
	}
}

func TestAnswer_historyCarriedIntoNextPrompt(t *testing.T) {
	gen := newGenServer(t, "In 2019.", nil)
	o := newTestOrchestrator(t, llm.NewOllama(gen.srv.URL, "test-model", 5*time.Second))
	ctx := context.Background()

	if _, err := o.Build(ctx, writeDoc(t, "company.txt", companyDoc), ""); err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := o.Answer(ctx, "When was NovaTech founded?"); err != nil {
		t.Fatalf("first answer: %v", err)
	}
	if _, err := o.Answer(ctx, "And where?"); err != nil {
		t.Fatalf("second answer: %v", err)
	}

	prompt := gen.lastPrompt(t)
	if !strings.Contains(prompt, "Conversation so far:") {
		t.Error("second prompt missing history header")
	}
	if !strings.Contains(prompt, "User: When was NovaTech founded?") {
		t.Error("second prompt missing prior question")
	}
	if !strings.Contains(prompt, "Assistant: In 2019.") {
		t.Error("second prompt missing prior answer")
	}
}

func TestAnswerStream_recordsHistoryOnDrain(t *testing.T) {
	fragments := []string{"NovaTech ", "was founded ", "in 2019."}
	gen := newGenServer(t, "", fragments)
	o := newTestOrchestrator(t, llm.NewOllama(gen.srv.URL, "test-model", 5*time.Second))
	ctx := context.Background()

	if _, err := o.Build(ctx, writeDoc(t, "company.txt", companyDoc), ""); err != nil {
		t.Fatalf("build: %v", err)
	}
	stream, err := o.AnswerStream(ctx, "When was NovaTech founded?")
	if err != nil {
		t.Fatalf("answer stream: %v", err)
	}
	text, err := stream.Text()
	if err != nil {
		t.Fatalf("drain stream: %v", err)
	}
	if text != strings.Join(fragments, "") {
		t.Errorf("streamed text = %q", text)
	}
	if err := stream.Close(); err != nil {
		t.Errorf("close after drain: %v", err)
	}

	if _, err := o.Answer(ctx, "And where?"); err != nil {
		t.Fatalf("follow-up answer: %v", err)
	}
	if !strings.Contains(gen.lastPrompt(t), "Assistant: NovaTech was founded in 2019.") {
		t.Error("drained stream exchange not in follow-up prompt history")
	}
}

func TestAnswerStream_abandonedRecordsNothing(t *testing.T) {
	gen := newGenServer(t, "", []string{"partial ", "answer"})
	o := newTestOrchestrator(t, llm.NewOllama(gen.srv.URL, "test-model", 5*time.Second))
	ctx := context.Background()

	if _, err := o.Build(ctx, writeDoc(t, "company.txt", companyDoc), ""); err != nil {
		t.Fatalf("build: %v", err)
	}
	stream, err := o.AnswerStream(ctx, "first question?")
	if err != nil {
		t.Fatalf("answer stream: %v", err)
	}
	if _, err := stream.Recv(); err != nil {
		t.Fatalf("recv: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := o.Answer(ctx, "second question?"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if strings.Contains(gen.lastPrompt(t), "first question?") &&
		strings.Contains(gen.lastPrompt(t), "Conversation so far:") {
		t.Error("abandoned stream exchange leaked into history")
	}
}

func TestAnswer_unreachableEndpointNotFatal(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	o := newTestOrchestrator(t, llm.NewOllama(dead.URL, "test-model", time.Second))
	ctx := context.Background()

	if _, err := o.Build(ctx, writeDoc(t, "company.txt", companyDoc), ""); err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := o.Answer(ctx, "When was NovaTech founded?"); !errors.Is(err, llm.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	// The knowledge base stays usable for retrieval.
	if o.State() != StateReady {
		t.Errorf("state = %s, want ready", o.State())
	}
	if _, err := o.Retrieve(ctx, "pricing", 0); err != nil {
		t.Errorf("retrieve after generation failure: %v", err)
	}
}

func TestLoad_modelMismatch(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	segments := []models.Segment{{ID: "s1", Content: "stale", Position: 0}}
	vectors := [][]float32{{1, 0, 0}}
	if err := st.Replace(context.Background(), "old", "other-model", segments, vectors); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	gen := newGenServer(t, "", nil)
	cfg := &config.RAGConfig{TopK: 4, ChunkSize: 8, HistoryWindow: 5}
	o := New(st, keywordEmbedder{}, extract.NewExtractor(), llm.NewOllama(gen.srv.URL, "m", time.Second), cfg)

	if err := o.Load(context.Background(), "old"); !errors.Is(err, store.ErrModelMismatch) {
		t.Fatalf("expected ErrModelMismatch, got %v", err)
	}
	if err := o.Load(context.Background(), "missing"); !errors.Is(err, store.ErrCollectionNotFound) {
		t.Fatalf("expected ErrCollectionNotFound, got %v", err)
	}
	if o.State() != StateUnbuilt {
		t.Errorf("failed load changed state to %s", o.State())
	}
}

func TestDeleteKnowledgeBase_resetsActive(t *testing.T) {
	gen := newGenServer(t, "", nil)
	o := newTestOrchestrator(t, llm.NewOllama(gen.srv.URL, "test-model", 5*time.Second))
	ctx := context.Background()

	name, err := o.Build(ctx, writeDoc(t, "company.txt", companyDoc), "kb")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := o.DeleteKnowledgeBase(ctx, name); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if o.State() != StateUnbuilt || o.KnowledgeBase() != "" {
		t.Errorf("state = %s kb = %q after deleting active", o.State(), o.KnowledgeBase())
	}
	if _, err := o.Answer(ctx, "anything?"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady after delete, got %v", err)
	}
}

func TestStatus(t *testing.T) {
	gen := newGenServer(t, "", nil)
	o := newTestOrchestrator(t, llm.NewOllama(gen.srv.URL, "test-model", 5*time.Second))
	ctx := context.Background()

	status, err := o.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != "unbuilt" || len(status.Available) != 0 {
		t.Errorf("initial status = %+v", status)
	}

	if _, err := o.Build(ctx, writeDoc(t, "company.txt", companyDoc), "kb"); err != nil {
		t.Fatalf("build: %v", err)
	}
	status, err = o.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != "ready" || status.KnowledgeBase != "kb" {
		t.Errorf("status = %+v", status)
	}
	if status.Segments == 0 {
		t.Error("ready status reports zero segments")
	}
	if len(status.Available) != 1 || status.Available[0].Name != "kb" {
		t.Errorf("available = %+v", status.Available)
	}
}

func TestAdd_appendsToActive(t *testing.T) {
	gen := newGenServer(t, "", nil)
	o := newTestOrchestrator(t, llm.NewOllama(gen.srv.URL, "test-model", 5*time.Second))
	ctx := context.Background()

	if err := o.Add(ctx, writeDoc(t, "extra.txt", "words")); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}

	if _, err := o.Build(ctx, writeDoc(t, "company.txt", companyDoc), "kb"); err != nil {
		t.Fatalf("build: %v", err)
	}
	before, err := o.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if err := o.Add(ctx, writeDoc(t, "extra.txt", "NovaTech also sells support contracts.")); err != nil {
		t.Fatalf("add: %v", err)
	}
	after, err := o.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if after.Segments <= before.Segments {
		t.Errorf("segments did not grow: %d -> %d", before.Segments, after.Segments)
	}
}
