package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"chatpipe/pkg/config"
	providerfantasy "chatpipe/pkg/provider/fantasy"
	provideropenai "chatpipe/pkg/provider/openai"
	"chatpipe/pkg/provider/opencode"
	providertypes "chatpipe/pkg/provider/types"
)

// Client is one upstream AI provider.
type Client interface {
	Name() string
	Model() string
	Health(ctx context.Context) error
	// Call sends messages to model, or the client's configured model when empty.
	Call(ctx context.Context, model string, messages []providertypes.Message) (providertypes.PromptResult, error)
}

// New builds the provider client registered under name.
func New(cfg *config.Config, name string) (Client, error) {
	name = strings.ToLower(strings.TrimSpace(name))

	slog.Default().With("component", "provider.factory").Debug("Resolving provider client", "provider", name)

	switch name {
	case "openai":
		return provideropenai.New(cfg.Providers.OpenAI)
	case "fantasy":
		return providerfantasy.New(cfg.Providers.Fantasy)
	case "opencode":
		return opencode.New(cfg.Providers.OpenCode)
	case "":
		return nil, fmt.Errorf("provider name is required")
	default:
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
}

// Pair builds the configured primary and optional fallback clients. The
// primary defaults to openai; a missing fallback yields a nil client.
func Pair(cfg *config.Config) (primary Client, fallback Client, err error) {
	primaryName := cfg.Providers.Primary
	if strings.TrimSpace(primaryName) == "" {
		primaryName = "openai"
	}
	primary, err = New(cfg, primaryName)
	if err != nil {
		return nil, nil, fmt.Errorf("primary provider: %w", err)
	}

	if strings.TrimSpace(cfg.Providers.Fallback) == "" {
		return primary, nil, nil
	}
	fallback, err = New(cfg, cfg.Providers.Fallback)
	if err != nil {
		return nil, nil, fmt.Errorf("fallback provider: %w", err)
	}
	return primary, fallback, nil
}
