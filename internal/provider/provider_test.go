package provider

import (
	"testing"

	"github.com/ushercli/usher/internal/config"
)

func TestNewChatModel_NoProvider(t *testing.T) {
	cfg := config.DefaultConfig()

	_, err := NewChatModel(nil, cfg)
	if err == nil {
		t.Error("expected error when no provider configured")
	}
}

func TestProviderFromModel(t *testing.T) {
	tests := []struct {
		model string
		want  providerName
	}{
		{model: "openai/gpt-4o", want: providerOpenAI},
		{model: "anthropic/claude-sonnet-4-5", want: providerClaude},
		{model: "claude/claude-3-5-sonnet", want: providerClaude},
		{model: "openrouter/meta-llama/llama-3.1-70b", want: providerOpenRouter},
		{model: "ollama/llama3.1", want: providerOllama},
		{model: "unknown/model", want: ""},
		{model: "no-prefix-model", want: ""},
	}

	for _, tt := range tests {
		if got := providerFromModel(tt.model); got != tt.want {
			t.Fatalf("providerFromModel(%q)=%q want %q", tt.model, got, tt.want)
		}
	}
}

func TestResolveProvider_PrefersModelMappedProvider(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Agents.Defaults.Model = "openai/gpt-4o"
	cfg.Providers.OpenRouter.APIKey = "openrouter-key"
	cfg.Providers.OpenAI.APIKey = "openai-key"

	got, pcfg, err := resolveProvider(cfg)
	if err != nil {
		t.Fatalf("resolveProvider returned error: %v", err)
	}
	if got != providerOpenAI {
		t.Fatalf("expected provider %q, got %q", providerOpenAI, got)
	}
	if pcfg.APIKey != "openai-key" {
		t.Fatalf("expected openai key, got %q", pcfg.APIKey)
	}
}

func TestResolveProvider_FallbackOrder(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Agents.Defaults.Model = "no-prefix-model"
	cfg.Providers.Claude.APIKey = "claude-key"
	cfg.Providers.OpenAI.APIKey = "openai-key"

	got, _, err := resolveProvider(cfg)
	if err != nil {
		t.Fatalf("resolveProvider returned error: %v", err)
	}
	if got != providerClaude {
		t.Fatalf("expected provider %q, got %q", providerClaude, got)
	}
}

func TestResolveProvider_OllamaRequiresBaseURL(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Agents.Defaults.Model = "ollama/llama3.1"
	cfg.Providers.Ollama.BaseURL = ""

	if _, _, err := resolveProvider(cfg); err == nil {
		t.Fatal("expected resolveProvider to fail when ollama base_url is empty")
	}
}

func TestModelID(t *testing.T) {
	if got := modelID("anthropic/claude-sonnet-4-5"); got != "claude-sonnet-4-5" {
		t.Fatalf("expected stripped model id, got %q", got)
	}
	if got := modelID("bare-model"); got != "bare-model" {
		t.Fatalf("expected bare model untouched, got %q", got)
	}
}
