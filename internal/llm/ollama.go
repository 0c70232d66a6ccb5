package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	defaultBaseURL = "http://localhost:11434"
	defaultModel   = "llama3"
	defaultTimeout = 120 * time.Second
)

// Ollama talks to an Ollama server's generate and tags APIs.
type Ollama struct {
	baseURL      string
	defaultModel string
	timeout      time.Duration
	client       *http.Client
}

// NewOllama creates a connector. Zero values select the local server,
// the llama3 model, and a 120s per-request timeout.
func NewOllama(baseURL, model string, timeout time.Duration) *Ollama {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if model == "" {
		model = defaultModel
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Ollama{
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: model,
		timeout:      timeout,
		// No client-level timeout: streaming responses outlive any fixed
		// deadline. Non-streaming calls get a context deadline instead.
		client: &http.Client{},
	}
}

// DefaultModel returns the model used when a request leaves Model empty.
func (o *Ollama) DefaultModel() string {
	return o.defaultModel
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate blocks until the full response arrives.
func (o *Ollama) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.postGenerate(ctx, req, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode generate response: %w", classifyTransportErr(err))
	}
	return out.Response, nil
}

// GenerateStream opens a streaming generation. The returned Stream owns the
// connection; cancelling ctx or calling Close stops fragment delivery.
func (o *Ollama) GenerateStream(ctx context.Context, req GenerateRequest) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	resp, err := o.postGenerate(ctx, req, true)
	if err != nil {
		cancel()
		return nil, err
	}
	return newStream(resp.Body, cancel), nil
}

func (o *Ollama) postGenerate(ctx context.Context, req GenerateRequest, stream bool) (*http.Response, error) {
	model := req.Model
	if model == "" {
		model = o.defaultModel
	}
	body, err := json.Marshal(generateRequest{Model: model, Prompt: req.Prompt, Stream: stream})
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, classifyStatus(resp, model)
	}
	return resp, nil
}

type tagsResponse struct {
	Models []ModelInfo `json:"models"`
}

// ListModels returns the models available on the server.
func (o *Ollama) ListModels(ctx context.Context) ([]ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create tags request: %w", err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tags endpoint returned status %d", resp.StatusCode)
	}
	var out tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode tags response: %w", err)
	}
	return out.Models, nil
}

// classifyTransportErr maps low-level request failures onto the connector's
// error taxonomy.
func classifyTransportErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return err
}

// classifyStatus maps non-200 responses. Ollama answers 404 with an error
// body when the model is not pulled.
func classifyStatus(resp *http.Response, model string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s (%s)", ErrModelNotFound, model, msg)
	}
	return fmt.Errorf("inference endpoint returned status %d: %s", resp.StatusCode, msg)
}
