// Package llm is the language model boundary. Everything above it sees a
// prompt-in, text-out Client; provider plumbing stays here.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/taskbot/internal/config"
	"github.com/basket/taskbot/internal/otel"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// ErrEmptyResponse is returned when the model answered with no text.
var ErrEmptyResponse = errors.New("empty model response")

// Client generates text for a prompt. Callers bound the call with ctx.
type Client interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, prompt string) (string, error)

func (f ClientFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// GenkitClient calls the configured provider through genkit.
type GenkitClient struct {
	g         *genkit.Genkit
	provider  string
	modelName string
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *otel.Metrics
}

type Options struct {
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics
}

// NewGenkitClient initializes genkit with the plugin for cfg.Provider.
func NewGenkitClient(ctx context.Context, cfg config.LLMConfig, opts Options) (*GenkitClient, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = config.DefaultModel(provider)
	}
	if model == "" {
		return nil, fmt.Errorf("llm: no model configured for provider %q", provider)
	}

	var plugin genkit.GenkitOption
	switch provider {
	case config.ProviderOllama:
		baseURL := strings.TrimRight(cfg.BaseURL, "/")
		if baseURL == "" {
			baseURL = config.DefaultOllamaBaseURL
		}
		// Ollama ignores the key but the OpenAI client refuses an empty one.
		plugin = genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "ollama",
			APIKey:   "ollama",
			BaseURL:  baseURL + "/v1",
		})
	case config.ProviderOpenAI:
		plugin = genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   cfg.APIKey,
			BaseURL:  cfg.BaseURL,
		})
	case config.ProviderOpenAICompatible:
		plugin = genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "compat",
			APIKey:   cfg.APIKey,
			BaseURL:  cfg.BaseURL,
		})
	case config.ProviderGoogle:
		plugin = genkit.WithPlugins(&googlegenai.GoogleAI{APIKey: cfg.APIKey})
	case config.ProviderAnthropic:
		plugin = genkit.WithPlugins(&anthropic.Anthropic{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL})
	default:
		return nil, fmt.Errorf("llm: unsupported provider %q", cfg.Provider)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}

	c := &GenkitClient{
		g:         genkit.Init(ctx, plugin),
		provider:  provider,
		modelName: ModelName(provider, model),
		logger:    logger,
		tracer:    tracer,
		metrics:   opts.Metrics,
	}
	logger.Info("language model client initialized", "provider", provider, "model", c.modelName)
	return c, nil
}

// ModelName maps a provider and bare model id to the genkit model name.
func ModelName(provider, model string) string {
	switch provider {
	case config.ProviderOllama:
		return "ollama/" + strings.TrimPrefix(model, "ollama/")
	case config.ProviderOpenAI:
		return "openai/" + model
	case config.ProviderOpenAICompatible:
		return "compat/" + model
	case config.ProviderGoogle:
		return "googleai/" + model
	case config.ProviderAnthropic:
		return "anthropic/" + model
	default:
		return model
	}
}

// Generate sends prompt as a single user message. The prompt is not passed
// through a format string, so '%' in user text is safe.
func (c *GenkitClient) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, span := otel.StartClientSpan(ctx, c.tracer, "llm.generate",
		otel.AttrProvider.String(c.provider),
		otel.AttrModel.String(c.modelName),
	)
	defer span.End()

	start := time.Now()
	resp, err := genkit.Generate(ctx, c.g,
		ai.WithModelName(c.modelName),
		ai.WithMessages(ai.NewUserTextMessage(prompt)),
	)
	elapsed := time.Since(start)
	if err != nil {
		class := ClassifyError(err)
		if ctx.Err() != nil {
			class = ErrorClassTimeout
		}
		c.metrics.RecordLLMCall(ctx, c.modelName, elapsed, string(class))
		span.RecordError(err)
		return "", fmt.Errorf("generate (%s): %w", class, err)
	}
	c.metrics.RecordLLMCall(ctx, c.modelName, elapsed, "")

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
