// Package fantasy runs completions through charm's fantasy agent layer on top
// of its OpenAI provider. Prior turns travel as typed history rather than a
// flattened transcript.
package fantasy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	core "charm.land/fantasy"
	provideropenai "charm.land/fantasy/providers/openai"

	"chatpipe/pkg/config"
	providertypes "chatpipe/pkg/provider/types"
)

const (
	providerName = "fantasy"
	defaultModel = "gpt-4.1-mini"
	fallbackEnv  = "OPENAI_API_KEY"
)

var (
	ErrNoUserTurn = errors.New("fantasy: conversation must end with a user turn")
	ErrNoText     = errors.New("fantasy: response carried no text")
)

// modelSource resolves a model id to a runnable language model.
type modelSource interface {
	LanguageModel(ctx context.Context, modelID string) (core.LanguageModel, error)
}

type generateFunc func(context.Context, core.LanguageModel, core.AgentCall) (*core.AgentResult, error)

// sampling holds the optional generation knobs applied to every call.
type sampling struct {
	maxOutputTokens *int64
	temperature     *float64
}

type Client struct {
	models   modelSource
	modelID  string
	timeout  time.Duration
	sampling sampling
	generate generateFunc
	log      *slog.Logger
}

func New(cfg config.FantasyProviderConfig) (*Client, error) {
	key := apiKey(cfg.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("providers.fantasy.api_key_env is required or %s must be set", fallbackEnv)
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	modelID, err := openAIModelID(model)
	if err != nil {
		return nil, err
	}

	opts := []provideropenai.Option{provideropenai.WithAPIKey(key)}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, provideropenai.WithBaseURL(baseURL))
	}
	models, err := provideropenai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("fantasy openai provider: %w", err)
	}

	return &Client{
		models:   models,
		modelID:  modelID,
		timeout:  time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		sampling: samplingFrom(cfg),
		generate: runAgent,
		log:      slog.Default().With("component", "provider.fantasy"),
	}, nil
}

func samplingFrom(cfg config.FantasyProviderConfig) sampling {
	var s sampling
	if cfg.MaxTokens > 0 {
		n := int64(cfg.MaxTokens)
		s.maxOutputTokens = &n
	}
	if cfg.Temperature > 0 {
		t := cfg.Temperature
		s.temperature = &t
	}
	return s
}

func (c *Client) Name() string { return providerName }

func (c *Client) Model() string { return c.modelID }

// Health resolves the configured model without generating anything.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	if _, err := c.models.LanguageModel(ctx, c.modelID); err != nil {
		return fmt.Errorf("fantasy health: %w", err)
	}
	return nil
}

func (c *Client) Call(ctx context.Context, model string, messages []providertypes.Message) (providertypes.PromptResult, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	started := time.Now()

	if strings.TrimSpace(model) == "" {
		model = c.modelID
	}
	modelID, err := openAIModelID(model)
	if err != nil {
		return providertypes.PromptResult{}, err
	}

	call, ok := c.agentCall(messages)
	if !ok {
		return providertypes.PromptResult{}, ErrNoUserTurn
	}
	lm, err := c.models.LanguageModel(ctx, modelID)
	if err != nil {
		return providertypes.PromptResult{}, fmt.Errorf("fantasy model %q: %w", modelID, err)
	}

	generate := c.generate
	if generate == nil {
		generate = runAgent
	}
	log := c.logger().With("model", modelID, "history", len(call.Messages))
	result, err := generate(ctx, lm, call)
	if err != nil {
		log.Debug("Fantasy generation failed", "duration_ms", time.Since(started).Milliseconds(), "error", err)
		return providertypes.PromptResult{}, fmt.Errorf("fantasy generate: %w", err)
	}

	text := joinText(result.Response.Content)
	if text == "" {
		return providertypes.PromptResult{}, ErrNoText
	}
	log.Debug("Fantasy generation completed", "duration_ms", time.Since(started).Milliseconds(), "response_length", len(text))

	total := result.TotalUsage
	usage := providertypes.TokenUsage{
		InputTokens:         total.InputTokens,
		OutputTokens:        total.OutputTokens,
		TotalTokens:         total.TotalTokens,
		ReasoningTokens:     total.ReasoningTokens,
		CacheCreationTokens: total.CacheCreationTokens,
		CacheReadTokens:     total.CacheReadTokens,
	}
	meta := providertypes.PromptMetadata{Provider: providerName, Model: modelID}
	if !usage.IsZero() {
		meta.Usage = &usage
	}
	return providertypes.PromptResult{Text: text, Metadata: meta}, nil
}

// agentCall pops the trailing user turn off as the prompt. System text and
// earlier turns become history.
func (c *Client) agentCall(messages []providertypes.Message) (core.AgentCall, bool) {
	system, turns := providertypes.SplitSystem(messages)
	last := len(turns) - 1
	if last < 0 || turns[last].Role != providertypes.RoleUser {
		return core.AgentCall{}, false
	}

	history := make([]core.Message, 0, len(turns))
	if system != "" {
		history = append(history, core.Message{Role: core.MessageRoleSystem, Content: textParts(system)})
	}
	for _, turn := range turns[:last] {
		if turn.Role == providertypes.RoleAssistant {
			history = append(history, core.Message{Role: core.MessageRoleAssistant, Content: textParts(turn.Content)})
			continue
		}
		history = append(history, core.NewUserMessage(turn.Content))
	}

	return core.AgentCall{
		Prompt:          turns[last].Content,
		Messages:        history,
		MaxOutputTokens: c.sampling.maxOutputTokens,
		Temperature:     c.sampling.temperature,
	}, true
}

func textParts(text string) []core.MessagePart {
	return []core.MessagePart{core.TextPart{Text: text}}
}

func (c *Client) logger() *slog.Logger {
	if c.log == nil {
		return slog.Default().With("component", "provider.fantasy")
	}
	return c.log
}

func (c *Client) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

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

// openAIModelID strips an "openai/" prefix. Any other provider prefix is an
// error since only the OpenAI backend is wired.
func openAIModelID(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("fantasy: model is required")
	}
	prefix, id, found := strings.Cut(model, "/")
	if !found {
		return model, nil
	}
	prefix, id = strings.TrimSpace(prefix), strings.TrimSpace(id)
	if prefix == "" || id == "" {
		return "", fmt.Errorf("fantasy: malformed model %q", model)
	}
	if prefix != "openai" {
		return "", fmt.Errorf("fantasy: model provider %q is not wired", prefix)
	}
	return id, nil
}

func joinText(content core.ResponseContent) string {
	var b strings.Builder
	for _, part := range content {
		if part.GetType() != core.ContentTypeText {
			continue
		}
		text, ok := core.AsContentType[core.TextContent](part)
		if !ok || strings.TrimSpace(text.Text) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strings.TrimSpace(text.Text))
	}
	return b.String()
}

func runAgent(ctx context.Context, model core.LanguageModel, call core.AgentCall) (*core.AgentResult, error) {
	return core.NewAgent(model).Generate(ctx, call)
}
