package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/raphaelgruber/mediaflow/internal/config"
	"github.com/raphaelgruber/mediaflow/internal/metrics"
)

// Profiler writes the free-text profile of a document's main topic.
type Profiler interface {
	Profile(ctx context.Context, topic string, sentences []string) (string, error)
}

// NewProfiler returns a model-backed profiler for the configured provider, or
// the extractive profiler when no provider is set.
func NewProfiler(ctx context.Context, cfg config.Config, collector *metrics.Collector) (Profiler, error) {
	if cfg.LLMProvider == "" {
		return Extractive{}, nil
	}
	model, err := NewModel(ctx, cfg, collector)
	if err != nil {
		return nil, err
	}
	return &ModelProfiler{model: model}, nil
}

// maxContextSentences bounds the excerpt sent to the model.
const maxContextSentences = 20

// ModelProfiler asks an LLM for the profile.
type ModelProfiler struct {
	model *Model
}

// NewModelProfiler wraps model.
func NewModelProfiler(model *Model) *ModelProfiler {
	return &ModelProfiler{model: model}
}

// Profile implements Profiler.
func (p *ModelProfiler) Profile(ctx context.Context, topic string, sentences []string) (string, error) {
	excerpt := Mentioning(topic, sentences, maxContextSentences)
	if len(excerpt) == 0 {
		excerpt = sentences[:min(len(sentences), maxContextSentences)]
	}

	systemPrompt := `You write short technical profiles of systems described in documents.
Use ONLY the provided excerpt. Answer with two or three plain sentences, no lists or headings.`

	userPrompt := fmt.Sprintf(`Subject: %s

Excerpt:
%s

Profile:`, topic, strings.Join(excerpt, "\n"))

	profile, err := p.model.Complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		return "", fmt.Errorf("profile %q: %w", topic, err)
	}
	return strings.TrimSpace(profile), nil
}

// extractiveSentences is how many sentences the extractive profile keeps.
const extractiveSentences = 3

// Extractive builds the profile from the first sentences that mention the topic.
// It is deterministic and needs no model.
type Extractive struct{}

// Profile implements Profiler.
func (Extractive) Profile(_ context.Context, topic string, sentences []string) (string, error) {
	return strings.Join(Mentioning(topic, sentences, extractiveSentences), " "), nil
}

// Mentioning returns up to limit sentences containing topic, case-insensitively,
// in their original order.
func Mentioning(topic string, sentences []string, limit int) []string {
	needle := strings.ToLower(topic)
	var out []string
	for _, s := range sentences {
		if len(out) == limit {
			break
		}
		if strings.Contains(strings.ToLower(s), needle) {
			out = append(out, s)
		}
	}
	return out
}
