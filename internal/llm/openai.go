package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIConfig configures the OpenAI-compatible adapter. BaseURL may
// point at any chat-completions endpoint.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	ReadTimeout time.Duration
}

type OpenAI struct {
	cfg  OpenAIConfig
	opts []option.RequestOption
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, &ConfigurationError{Message: "missing api key; set SCRIPTORIUM_API_KEY or OPENAI_API_KEY"}
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Minute
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAI{cfg: cfg, opts: opts}, nil
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Chat(ctx context.Context, req ChatRequest) (string, error) {
	callCtx, cancel := o.withReadDeadline(ctx)
	defer cancel()

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case RoleAssistant:
			msgs = append(msgs, openai.ChatCompletionMessageParamOfAssistant(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: msgs,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxOutputTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxOutputTokens))
	}
	if req.JSONMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	client := openai.NewClient(o.opts...)
	resp, err := client.Chat.Completions.New(callCtx, params)
	if err != nil {
		return "", o.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s: empty choices", o.Name())
	}
	return resp.Choices[0].Message.Content, nil
}

// Health is a key-presence check; construction already validated the
// key, and a live round trip here would spend quota at every startup.
func (o *OpenAI) Health(ctx context.Context) error {
	if o.cfg.APIKey == "" {
		return &ConfigurationError{Message: "missing api key"}
	}
	return nil
}

func (o *OpenAI) withReadDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), o.cfg.ReadTimeout)
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, o.cfg.ReadTimeout)
}

func (o *OpenAI) wrapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return ErrorFromHTTPStatus(o.Name(), apiErr.StatusCode, apiErr.Error(), nil)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewRequestTimeoutError(o.Name(), err.Error())
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return NewRequestTimeoutError(o.Name(), err.Error())
	}
	return NewTransportError(o.Name(), err.Error())
}
