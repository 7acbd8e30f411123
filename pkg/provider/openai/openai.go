// Package openai calls the OpenAI Responses API. Conversation history is
// rendered into a single input and system text travels as instructions.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"chatpipe/pkg/config"
	providertypes "chatpipe/pkg/provider/types"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
)

const (
	providerName = "openai"
	defaultModel = "gpt-4.1-mini"
	fallbackEnv  = "OPENAI_API_KEY"
)

var (
	ErrEmptyPrompt = errors.New("openai: empty prompt")
	ErrNoText      = errors.New("openai: response carried no output text")
)

type Client struct {
	api     osdk.Client
	model   string
	timeout time.Duration
	log     *slog.Logger
}

func New(cfg config.OpenAIProviderConfig) (*Client, error) {
	key := apiKey(cfg.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("providers.openai.api_key_env is required or %s must be set", fallbackEnv)
	}
	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	return &Client{
		api:     osdk.NewClient(requestOptions(cfg, key, timeout)...),
		model:   model,
		timeout: timeout,
		log:     slog.Default().With("component", "provider.openai"),
	}, nil
}

func requestOptions(cfg config.OpenAIProviderConfig, key string, timeout time.Duration) []option.RequestOption {
	opts := []option.RequestOption{option.WithAPIKey(key)}
	if v := strings.TrimSpace(cfg.BaseURL); v != "" {
		opts = append(opts, option.WithBaseURL(v))
	}
	if v := strings.TrimSpace(cfg.Organization); v != "" {
		opts = append(opts, option.WithOrganization(v))
	}
	if v := strings.TrimSpace(cfg.Project); v != "" {
		opts = append(opts, option.WithProject(v))
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	return opts
}

func (c *Client) Name() string { return providerName }

func (c *Client) Model() string { return c.model }

// Health lists models, which fails fast on a bad key or an unreachable base URL.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	started := time.Now()

	if _, err := c.api.Models.List(ctx); err != nil {
		c.trace("health", started, "error", err)
		return fmt.Errorf("openai health: %w", err)
	}
	c.trace("health", started)
	return nil
}

func (c *Client) Call(ctx context.Context, model string, messages []providertypes.Message) (providertypes.PromptResult, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	started := time.Now()

	if strings.TrimSpace(model) == "" {
		model = c.model
	}
	modelID, err := normalizeModel(model)
	if err != nil {
		return providertypes.PromptResult{}, err
	}

	system, turns := providertypes.SplitSystem(messages)
	input := providertypes.Transcript(turns)
	if input == "" {
		return providertypes.PromptResult{}, ErrEmptyPrompt
	}

	params := responses.ResponseNewParams{
		Model: modelID,
		Input: responses.ResponseNewParamsInputUnion{OfString: osdk.String(input)},
	}
	if system != "" {
		params.Instructions = osdk.String(system)
	}

	response, err := c.api.Responses.New(ctx, params)
	if err != nil {
		c.trace("call", started, "model", modelID, "error", err)
		return providertypes.PromptResult{}, fmt.Errorf("openai responses: %w", err)
	}
	text := strings.TrimSpace(response.OutputText())
	if text == "" {
		c.trace("call", started, "model", modelID, "error", ErrNoText)
		return providertypes.PromptResult{}, ErrNoText
	}
	c.trace("call", started, "model", modelID, "turns", len(turns), "response_length", len(text))

	return providertypes.PromptResult{
		Text: text,
		Metadata: providertypes.PromptMetadata{
			Provider: providerName,
			Model:    modelID,
			Usage:    usageOf(response.Usage),
		},
	}, nil
}

func (c *Client) trace(op string, started time.Time, attrs ...any) {
	c.log.Debug("OpenAI request finished",
		append([]any{"operation", op, "duration_ms", time.Since(started).Milliseconds()}, attrs...)...)
}

func (c *Client) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func usageOf(u responses.ResponseUsage) *providertypes.TokenUsage {
	usage := providertypes.TokenUsage{
		InputTokens:     u.InputTokens,
		OutputTokens:    u.OutputTokens,
		TotalTokens:     u.TotalTokens,
		ReasoningTokens: u.OutputTokensDetails.ReasoningTokens,
		CacheReadTokens: u.InputTokensDetails.CachedTokens,
	}
	if usage.IsZero() {
		return nil
	}
	return &usage
}

// apiKey prefers the configured variable and falls back to OPENAI_API_KEY.
func apiKey(envName string) string {
	for _, name := range []string{strings.TrimSpace(envName), fallbackEnv} {
		if name == "" {
			continue
		}
		if key := strings.TrimSpace(os.Getenv(name)); key != "" {
			return key
		}
	}
	return ""
}

// normalizeModel accepts "gpt-x" or "openai/gpt-x" and rejects other
// provider prefixes.
func normalizeModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("openai: model is required")
	}
	prefix, id, found := strings.Cut(model, "/")
	if !found {
		return model, nil
	}
	prefix, id = strings.TrimSpace(prefix), strings.TrimSpace(id)
	switch {
	case prefix == "" || id == "":
		return "", fmt.Errorf("openai: malformed model %q", model)
	case prefix != providerName:
		return "", fmt.Errorf("openai: model provider %q is not served here", prefix)
	}
	return id, nil
}
