// Package llm resolves model identifiers to langchaingo models.
//
// Identifiers take the form "provider:model", e.g. "openai:gpt-4o" or
// "ollama:llama3.1". A bare model name is treated as an OpenAI model.
package llm

import (
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// ErrModelNotSupported is returned for identifiers that cannot be served.
var ErrModelNotSupported = errors.New("model not supported")

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

type Config struct {
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	OllamaURL       string
	// Allowed restricts which identifiers may be used. Empty allows all.
	Allowed []string
}

// Registry builds models lazily and caches them by identifier.
type Registry struct {
	config Config

	mu     sync.Mutex
	models map[string]llms.Model
}

func NewRegistry(config Config) *Registry {
	return &Registry{
		config: config,
		models: make(map[string]llms.Model),
	}
}

// Register installs a prebuilt model under id. Registered models bypass the
// allow-list.
func (r *Registry) Register(id string, model llms.Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[id] = model
}

// Get returns the model for id.
func (r *Registry) Get(id string) (llms.Model, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.Wrap(ErrModelNotSupported, "empty model id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.models[id]; ok {
		return m, nil
	}
	if len(r.config.Allowed) > 0 && !slices.Contains(r.config.Allowed, id) {
		return nil, errors.Wrapf(ErrModelNotSupported, "%q is not in the allowed model list", id)
	}

	provider, name := ParseID(id)
	m, err := r.build(provider, name)
	if err != nil {
		return nil, err
	}
	r.models[id] = m
	return m, nil
}

// ParseID splits an identifier into provider and model name.
func ParseID(id string) (provider, name string) {
	if p, n, ok := strings.Cut(id, ":"); ok {
		return p, n
	}
	return ProviderOpenAI, id
}

func (r *Registry) build(provider, name string) (llms.Model, error) {
	if name == "" {
		return nil, errors.Wrap(ErrModelNotSupported, "empty model name")
	}
	switch provider {
	case ProviderOpenAI:
		if r.config.OpenAIAPIKey == "" {
			return nil, errors.Wrap(ErrModelNotSupported, "openai provider is not configured")
		}
		opts := []openai.Option{openai.WithToken(r.config.OpenAIAPIKey), openai.WithModel(name)}
		if r.config.OpenAIBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(r.config.OpenAIBaseURL))
		}
		m, err := openai.New(opts...)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create openai model")
		}
		return m, nil
	case ProviderAnthropic:
		if r.config.AnthropicAPIKey == "" {
			return nil, errors.Wrap(ErrModelNotSupported, "anthropic provider is not configured")
		}
		m, err := anthropic.New(anthropic.WithToken(r.config.AnthropicAPIKey), anthropic.WithModel(name))
		if err != nil {
			return nil, errors.Wrap(err, "failed to create anthropic model")
		}
		return m, nil
	case ProviderOllama:
		if r.config.OllamaURL == "" {
			return nil, errors.Wrap(ErrModelNotSupported, "ollama provider is not configured")
		}
		m, err := ollama.New(ollama.WithModel(name), ollama.WithServerURL(r.config.OllamaURL))
		if err != nil {
			return nil, errors.Wrap(err, "failed to create ollama model")
		}
		return m, nil
	default:
		return nil, errors.Wrapf(ErrModelNotSupported, "unknown provider %q", provider)
	}
}
