package notice

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaultLanguage(t *testing.T) {
	c, err := Load("", "")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if c.Language() != "es" {
		t.Fatalf("language = %q, want es", c.Language())
	}
	if got := c.Text(ReceivedProcessing, map[string]string{"kind": "audio"}); !strings.Contains(got, "nota de voz") {
		t.Fatalf("received notice = %q", got)
	}
}

func TestTextFillsAndStripsPlaceholders(t *testing.T) {
	c, err := Load("en", "")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if got := c.Text(Welcome, map[string]string{"name": " Ana"}); !strings.HasPrefix(got, "Hi Ana!") {
		t.Fatalf("welcome = %q", got)
	}
	if got := c.Text(Welcome, nil); !strings.HasPrefix(got, "Hi!") {
		t.Fatalf("welcome without name = %q", got)
	}
	if got := c.Text(ProcessingFailed, map[string]string{"kind": "image"}); got != "I couldn't process that image. Could you try sending it again?" {
		t.Fatalf("processing failed = %q", got)
	}
	if got := c.Text(Key("missing"), nil); got != c.Text(GenericFailure, nil) {
		t.Fatalf("missing key should fall back to generic failure, got %q", got)
	}
}

func TestLoadOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notices.yaml")
	content := "en:\n  timeout: \"Too slow, sorry.\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write override: %v", err)
	}

	c, err := Load("en", path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got := c.Text(Timeout, nil); got != "Too slow, sorry." {
		t.Fatalf("timeout = %q", got)
	}
	if got := c.Text(StillWorking, nil); got == "" {
		t.Fatal("expected embedded notices to survive override merge")
	}
}

func TestLoadUnknownLanguage(t *testing.T) {
	if _, err := Load("fr", ""); err == nil {
		t.Fatal("expected error for unknown language")
	}
}
