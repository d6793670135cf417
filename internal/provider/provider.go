// Package provider builds a chat model from configuration. The provider is
// picked from the model name prefix when possible, then by fallback order.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"github.com/ushercli/usher/internal/config"
)

type providerName string

const (
	providerOpenRouter providerName = "openrouter"
	providerClaude     providerName = "claude"
	providerOpenAI     providerName = "openai"
	providerOllama     providerName = "ollama"
)

// NewChatModel creates a ChatModel based on configuration
func NewChatModel(ctx context.Context, cfg *config.Config) (model.ChatModel, error) {
	name, pcfg, err := resolveProvider(cfg)
	if err != nil {
		return nil, err
	}

	d := cfg.Agents.Defaults
	switch name {
	case providerOpenRouter:
		return newOpenRouterModel(ctx, pcfg, d)
	case providerClaude:
		return newClaudeModel(ctx, pcfg, d)
	case providerOpenAI:
		return newOpenAIModel(ctx, pcfg, d)
	case providerOllama:
		return newOllamaModel(ctx, pcfg, d)
	default:
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
}

// providerFromModel maps a model name prefix to the provider that serves it.
func providerFromModel(modelName string) providerName {
	prefix, _, ok := strings.Cut(modelName, "/")
	if !ok {
		return ""
	}
	switch strings.ToLower(strings.TrimSpace(prefix)) {
	case "openrouter":
		return providerOpenRouter
	case "anthropic", "claude":
		return providerClaude
	case "openai":
		return providerOpenAI
	case "ollama":
		return providerOllama
	default:
		return ""
	}
}

func resolveProvider(cfg *config.Config) (providerName, config.ProviderConfig, error) {
	p := cfg.Providers

	if name := providerFromModel(cfg.Agents.Defaults.Model); name != "" {
		switch name {
		case providerClaude:
			if p.Claude.APIKey != "" {
				return name, p.Claude, nil
			}
		case providerOpenAI:
			if p.OpenAI.APIKey != "" {
				return name, p.OpenAI, nil
			}
		case providerOpenRouter:
			if p.OpenRouter.APIKey != "" {
				return name, p.OpenRouter, nil
			}
		case providerOllama:
			if p.Ollama.BaseURL == "" {
				return "", config.ProviderConfig{}, fmt.Errorf("ollama provider requires providers.ollama.base_url")
			}
			return name, p.Ollama, nil
		}
	}

	switch {
	case p.OpenRouter.APIKey != "":
		return providerOpenRouter, p.OpenRouter, nil
	case p.Claude.APIKey != "":
		return providerClaude, p.Claude, nil
	case p.OpenAI.APIKey != "":
		return providerOpenAI, p.OpenAI, nil
	case p.Ollama.BaseURL != "":
		return providerOllama, p.Ollama, nil
	default:
		return "", config.ProviderConfig{}, fmt.Errorf("no provider configured: set api_key for at least one provider")
	}
}

// modelID strips the provider prefix for providers that take bare model ids.
func modelID(modelName string) string {
	if _, id, ok := strings.Cut(modelName, "/"); ok {
		return id
	}
	return modelName
}

func newOpenRouterModel(ctx context.Context, p config.ProviderConfig, d config.AgentDefaults) (model.ChatModel, error) {
	baseURL := p.BaseURL
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return openai.NewChatModel(ctx, &openai.ChatModelConfig{
		Model:       d.Model,
		APIKey:      p.APIKey,
		BaseURL:     baseURL,
		Temperature: toFloat32Ptr(d.Temperature),
		MaxTokens:   toIntPtr(d.MaxTokens),
	})
}

func newClaudeModel(ctx context.Context, p config.ProviderConfig, d config.AgentDefaults) (model.ChatModel, error) {
	cfg := &claude.Config{
		APIKey:      p.APIKey,
		Model:       modelID(d.Model),
		MaxTokens:   d.MaxTokens,
		Temperature: toFloat32Ptr(d.Temperature),
	}
	if p.BaseURL != "" {
		cfg.BaseURL = &p.BaseURL
	}
	return claude.NewChatModel(ctx, cfg)
}

func newOpenAIModel(ctx context.Context, p config.ProviderConfig, d config.AgentDefaults) (model.ChatModel, error) {
	cfg := &openai.ChatModelConfig{
		Model:       modelID(d.Model),
		APIKey:      p.APIKey,
		Temperature: toFloat32Ptr(d.Temperature),
		MaxTokens:   toIntPtr(d.MaxTokens),
	}
	if p.BaseURL != "" {
		cfg.BaseURL = p.BaseURL
	}
	return openai.NewChatModel(ctx, cfg)
}

func newOllamaModel(ctx context.Context, p config.ProviderConfig, d config.AgentDefaults) (model.ChatModel, error) {
	return ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
		BaseURL: p.BaseURL,
		Model:   modelID(d.Model),
	})
}

func toFloat32Ptr(f float64) *float32 {
	v := float32(f)
	return &v
}

func toIntPtr(i int) *int {
	return &i
}
