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
	"strings"
	"time"
)

// OllamaConfig configures the native ollama chat adapter.
type OllamaConfig struct {
	BaseURL        string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// Ollama speaks the native /api/chat contract over HTTP. Local model
// servers can take minutes per generation, so the read deadline is a
// separate, much larger knob than the connect deadline.
type Ollama struct {
	cfg    OllamaConfig
	client *http.Client
}

func NewOllama(cfg OllamaConfig) *Ollama {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Minute
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
	}
	return &Ollama{
		cfg:    cfg,
		client: &http.Client{Transport: transport, Timeout: 0},
	}
}

func (o *Ollama) Name() string { return "ollama" }

func (o *Ollama) Chat(ctx context.Context, req ChatRequest) (string, error) {
	body := map[string]any{
		"model":    req.Model,
		"messages": req.Messages,
		"stream":   false,
	}
	if req.JSONMode {
		body["format"] = "json"
	}
	options := map[string]any{}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.ContextTokens > 0 {
		options["num_ctx"] = req.ContextTokens
	}
	if req.MaxOutputTokens > 0 {
		options["num_predict"] = req.MaxOutputTokens
	}
	if len(options) > 0 {
		body["options"] = options
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	callCtx, cancel := o.withReadDeadline(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, o.cfg.BaseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", o.wrapTransport(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return "", o.wrapTransport(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := extractErrorMessage(raw)
		ra := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return "", ErrorFromHTTPStatus(o.Name(), resp.StatusCode, msg, ra)
	}

	var parsed struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	return parsed.Message.Content, nil
}

// Health checks /api/tags, which answers fast even while a model is
// generating.
func (o *Ollama) Health(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, o.cfg.ConnectTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(healthCtx, http.MethodGet, o.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return o.wrapTransport(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ErrorFromHTTPStatus(o.Name(), resp.StatusCode, "tags probe failed", nil)
	}
	return nil
}

func (o *Ollama) withReadDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), o.cfg.ReadTimeout)
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, o.cfg.ReadTimeout)
}

func (o *Ollama) wrapTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewRequestTimeoutError(o.Name(), err.Error())
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return NewRequestTimeoutError(o.Name(), err.Error())
	}
	return NewTransportError(o.Name(), err.Error())
}

func extractErrorMessage(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && strings.TrimSpace(body.Error) != "" {
		return strings.TrimSpace(body.Error)
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 500 {
		s = s[:500]
	}
	return s
}
