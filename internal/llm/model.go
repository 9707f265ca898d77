// Package llm generates main-topic profiles, with langchaingo models or an
// extractive fallback.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/raphaelgruber/mediaflow/internal/config"
	"github.com/raphaelgruber/mediaflow/internal/metrics"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// ErrNoChoices is returned when a provider answers without any completion.
var ErrNoChoices = errors.New("model returned no choices")

// Model is a chat model bound to one provider.
type Model struct {
	llm       llms.Model
	name      string
	provider  string
	collector *metrics.Collector
	log       *slog.Logger
}

type providerFunc func(ctx context.Context, cfg config.Config) (llms.Model, error)

var providers = map[string]providerFunc{
	config.ProviderOllama:    newOllama,
	config.ProviderOpenAI:    newOpenAI,
	config.ProviderAnthropic: newAnthropic,
	config.ProviderBedrock:   newBedrock,
}

// NewModel connects to the provider named by cfg.LLMProvider.
func NewModel(ctx context.Context, cfg config.Config, collector *metrics.Collector) (*Model, error) {
	build, ok := providers[cfg.LLMProvider]
	if !ok {
		return nil, fmt.Errorf("unsupported LLM provider: %q", cfg.LLMProvider)
	}
	lm, err := build(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.LLMProvider, err)
	}
	return &Model{
		llm:       lm,
		name:      cfg.LLMModel,
		provider:  cfg.LLMProvider,
		collector: collector,
		log:       slog.Default().With("component", "llm", "provider", cfg.LLMProvider),
	}, nil
}

func newOllama(_ context.Context, cfg config.Config) (llms.Model, error) {
	return ollama.New(ollama.WithModel(cfg.LLMModel), ollama.WithServerURL(cfg.OllamaHost))
}

func newOpenAI(_ context.Context, cfg config.Config) (llms.Model, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, errors.New("missing API key (OPENAI_API_KEY)")
	}
	return openai.New(openai.WithToken(cfg.OpenAIAPIKey), openai.WithModel(cfg.LLMModel))
}

func newAnthropic(_ context.Context, cfg config.Config) (llms.Model, error) {
	if cfg.AnthropicAPIKey == "" {
		return nil, errors.New("missing API key (ANTHROPIC_API_KEY)")
	}
	return anthropic.New(anthropic.WithToken(cfg.AnthropicAPIKey), anthropic.WithModel(cfg.LLMModel))
}

func newBedrock(ctx context.Context, cfg config.Config) (llms.Model, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return bedrock.New(
		bedrock.WithClient(bedrockruntime.NewFromConfig(awsCfg)),
		bedrock.WithModel(cfg.LLMModel),
	)
}

// Complete sends one system and one user message and returns the first
// choice. Token counts are recorded when the provider reports them.
func (m *Model) Complete(ctx context.Context, system, user string) (string, error) {
	start := time.Now()
	resp, err := m.llm.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, user),
	})
	elapsed := time.Since(start)
	if err != nil {
		m.log.Warn("completion failed", "model", m.name, "elapsed", elapsed, "error", err)
		return "", wrapFatalError(err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}

	first := resp.Choices[0]
	in, out := tokenUsage(first.GenerationInfo)
	m.collector.RecordLLMUsage(metrics.OpLLMGenerate, elapsed, in, out)
	m.log.Debug("completion done", "model", m.name, "elapsed", elapsed, "tokens_in", in, "tokens_out", out)
	return first.Content, nil
}

// Name is the configured model name.
func (m *Model) Name() string { return m.name }

// tokenUsage reads token counts from provider generation info. Each
// provider uses its own key names.
func tokenUsage(info map[string]any) (input, output int64) {
	return intField(info, "PromptTokens", "InputTokens", "input_tokens"),
		intField(info, "CompletionTokens", "OutputTokens", "output_tokens")
}

func intField(info map[string]any, keys ...string) int64 {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return int64(v)
		case int32:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
		}
	}
	return 0
}
