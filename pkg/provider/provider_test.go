package provider

import (
	"testing"

	"chatpipe/pkg/config"
	providerfantasy "chatpipe/pkg/provider/fantasy"
	provideropenai "chatpipe/pkg/provider/openai"
	provideropencode "chatpipe/pkg/provider/opencode"
)

func TestNewReturnsOpenCodeProvider(t *testing.T) {
	cfg := &config.Config{}
	cfg.Providers.OpenCode.BaseURL = "http://127.0.0.1:4096"

	client, err := New(cfg, "opencode")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if _, ok := client.(*provideropencode.Client); !ok {
		t.Fatalf("expected *opencode.Client, got %T", client)
	}
}

func TestNewReturnsErrorForUnsupportedProvider(t *testing.T) {
	cfg := &config.Config{}

	if _, err := New(cfg, "unknown"); err == nil {
		t.Fatal("expected error for unsupported provider")
	}
	if _, err := New(cfg, " "); err == nil {
		t.Fatal("expected error for empty provider")
	}
}

func TestNewReturnsOpenAIProvider(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	client, err := New(&config.Config{}, "OpenAI")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if _, ok := client.(*provideropenai.Client); !ok {
		t.Fatalf("expected *openai.Client, got %T", client)
	}
}

func TestPairDefaultsPrimaryAndBuildsFallback(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg := &config.Config{}
	cfg.Providers.Fallback = "fantasy"

	primary, fallback, err := Pair(cfg)
	if err != nil {
		t.Fatalf("Pair error: %v", err)
	}
	if primary.Name() != "openai" {
		t.Fatalf("primary = %s, want openai", primary.Name())
	}
	if _, ok := fallback.(*providerfantasy.Client); !ok {
		t.Fatalf("expected *fantasy.Client fallback, got %T", fallback)
	}
}

func TestPairWithoutFallback(t *testing.T) {
	cfg := &config.Config{}
	cfg.Providers.Primary = "opencode"
	cfg.Providers.OpenCode.BaseURL = "http://127.0.0.1:4096"

	primary, fallback, err := Pair(cfg)
	if err != nil {
		t.Fatalf("Pair error: %v", err)
	}
	if primary == nil || fallback != nil {
		t.Fatalf("primary = %v, fallback = %v", primary, fallback)
	}
}
