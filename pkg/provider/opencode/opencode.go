// Package opencode drives a self-hosted OpenCode server as a stateless
// completion backend. Every call runs in a throwaway session.
package opencode

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"chatpipe/pkg/config"
	providertypes "chatpipe/pkg/provider/types"

	sdk "github.com/sst/opencode-sdk-go"
	"github.com/sst/opencode-sdk-go/option"
)

const (
	providerName   = "opencode"
	sessionTitle   = "chatpipe"
	healthPath     = "/global/health"
	defaultAccount = "opencode"
)

var (
	ErrEmptyPrompt = errors.New("opencode: empty prompt")
	ErrNoText      = errors.New("opencode: reply carried no text parts")
	ErrUnhealthy   = errors.New("opencode: server reported unhealthy")
)

type Client struct {
	api     *sdk.Client
	model   string
	agent   string
	timeout time.Duration
	log     *slog.Logger
}

func New(cfg config.OpenCodeProviderConfig) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("providers.opencode.base_url is required")
	}

	opts := []option.RequestOption{option.WithBaseURL(baseURL)}
	if header, ok := basicAuth(cfg.Username, cfg.PasswordEnv); ok {
		opts = append(opts, option.WithHeader("Authorization", header))
	}

	return &Client{
		api:     sdk.NewClient(opts...),
		model:   strings.TrimSpace(cfg.Model),
		agent:   strings.TrimSpace(cfg.Agent),
		timeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		log:     slog.Default().With("component", "provider.opencode"),
	}, nil
}

func (c *Client) Name() string { return providerName }

func (c *Client) Model() string { return c.model }

type healthStatus struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	op := c.begin("health")

	var status healthStatus
	if err := c.api.Get(ctx, healthPath, nil, &status); err != nil {
		return op.fail(fmt.Errorf("opencode health: %w", err))
	}
	if !status.Healthy {
		return op.fail(ErrUnhealthy)
	}
	op.done("version", status.Version)
	return nil
}

// Call sends the whole conversation as one text part. System instructions
// lead the prompt since a fresh session carries none.
func (c *Client) Call(ctx context.Context, model string, messages []providertypes.Message) (providertypes.PromptResult, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	op := c.begin("call")

	prompt := flatten(messages)
	if prompt == "" {
		return providertypes.PromptResult{}, ErrEmptyPrompt
	}
	ref := c.resolve(model)

	session, err := c.api.Session.New(ctx, sdk.SessionNewParams{Title: sdk.F(sessionTitle)})
	if err != nil {
		return providertypes.PromptResult{}, op.fail(fmt.Errorf("opencode session: %w", err))
	}
	if session.ID == "" {
		return providertypes.PromptResult{}, op.fail(errors.New("opencode session: empty id"))
	}
	op.log = op.log.With("session_id", session.ID)
	op.log.Debug("Prompt sent", "model", ref.String(), "agent", c.agent, "prompt_length", len(prompt))

	reply, err := c.api.Session.Prompt(ctx, session.ID, c.promptParams(prompt, ref))
	if err != nil {
		return providertypes.PromptResult{}, op.fail(fmt.Errorf("opencode prompt: %w", err))
	}
	text := joinText(reply.Parts)
	if text == "" {
		return providertypes.PromptResult{}, op.fail(ErrNoText)
	}
	op.done("response_length", len(text), "parts_count", len(reply.Parts))

	tokens := reply.Info.Tokens
	usage := usageOf(tokens.Input, tokens.Output, tokens.Reasoning, tokens.Cache.Read)

	return providertypes.PromptResult{
		Text: text,
		Metadata: providertypes.PromptMetadata{
			Provider: providerName,
			Model:    strings.TrimSpace(reply.Info.ModelID),
			Agent:    c.agent,
			Usage:    usage,
		},
	}, nil
}

func (c *Client) promptParams(prompt string, ref modelRef) sdk.SessionPromptParams {
	params := sdk.SessionPromptParams{
		Parts: sdk.F([]sdk.SessionPromptParamsPartUnion{
			sdk.TextPartInputParam{Type: sdk.F(sdk.TextPartInputTypeText), Text: sdk.F(prompt)},
		}),
	}
	if c.agent != "" {
		params.Agent = sdk.F(c.agent)
	}
	if ref.valid() {
		params.Model = sdk.F(sdk.SessionPromptParamsModel{
			ProviderID: sdk.F(ref.provider),
			ModelID:    sdk.F(ref.model),
		})
	}
	return params
}

func (c *Client) resolve(model string) modelRef {
	if strings.TrimSpace(model) == "" {
		model = c.model
	}
	return parseModelRef(model)
}

func (c *Client) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// operation times one server round trip for debug logging.
type operation struct {
	log     *slog.Logger
	started time.Time
}

func (c *Client) begin(name string) *operation {
	return &operation{log: c.log.With("operation", name), started: time.Now()}
}

func (o *operation) fail(err error) error {
	o.log.Debug("OpenCode request failed", "duration_ms", time.Since(o.started).Milliseconds(), "error", err)
	return err
}

func (o *operation) done(attrs ...any) {
	o.log.Debug("OpenCode request completed", append([]any{"duration_ms", time.Since(o.started).Milliseconds()}, attrs...)...)
}

func flatten(messages []providertypes.Message) string {
	system, turns := providertypes.SplitSystem(messages)
	prompt := providertypes.Transcript(turns)
	if prompt == "" {
		return ""
	}
	if system == "" {
		return prompt
	}
	return system + "\n\n" + prompt
}

// modelRef is a "provider/model" pair as OpenCode routes it.
type modelRef struct {
	provider string
	model    string
}

func parseModelRef(input string) modelRef {
	provider, model, found := strings.Cut(strings.TrimSpace(input), "/")
	if !found {
		return modelRef{}
	}
	return modelRef{provider: strings.TrimSpace(provider), model: strings.TrimSpace(model)}
}

func (r modelRef) valid() bool { return r.provider != "" && r.model != "" }

func (r modelRef) String() string {
	if !r.valid() {
		return ""
	}
	return r.provider + "/" + r.model
}

// basicAuth builds the server's Authorization header. The password is read
// from the named environment variable; without one no header is sent.
func basicAuth(username, passwordEnv string) (string, bool) {
	name := strings.TrimSpace(passwordEnv)
	if name == "" {
		return "", false
	}
	password := strings.TrimSpace(os.Getenv(name))
	if password == "" {
		return "", false
	}
	user := strings.TrimSpace(username)
	if user == "" {
		user = defaultAccount
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+password)), true
}

func joinText(parts []sdk.Part) string {
	var b strings.Builder
	for _, part := range parts {
		if part.Type != sdk.PartTypeText {
			continue
		}
		text := strings.TrimSpace(part.Text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(text)
	}
	return b.String()
}

// usageOf converts the server's float token counters. It returns nil when
// the server reported nothing.
func usageOf(input, output, reasoning, cacheRead float64) *providertypes.TokenUsage {
	usage := providertypes.TokenUsage{
		InputTokens:     rounded(input),
		OutputTokens:    rounded(output),
		ReasoningTokens: rounded(reasoning),
		CacheReadTokens: rounded(cacheRead),
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	if usage.IsZero() {
		return nil
	}
	return &usage
}

func rounded(value float64) int64 {
	if value <= 0 {
		return 0
	}
	return int64(math.Round(value))
}
