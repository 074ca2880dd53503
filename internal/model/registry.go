package model

import (
	"sort"
	"strings"
	"sync"
)

// ProviderConfig is what a factory needs to build a provider.
type ProviderConfig struct {
	APIKey     string
	BaseURL    string
	MaxRetries int
}

type ProviderFactory func(cfg ProviderConfig) Provider

type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]ProviderFactory),
	}
}

// DefaultRegistry knows the SDK-backed providers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterFactory(ProviderAnthropic, func(cfg ProviderConfig) Provider {
		return NewAnthropicProvider(cfg)
	})
	r.RegisterFactory(ProviderOpenAI, func(cfg ProviderConfig) Provider {
		return NewOpenAIProvider(cfg)
	})
	return r
}

func (r *Registry) RegisterFactory(name string, factory ProviderFactory) {
	if r == nil || factory == nil {
		return
	}
	key := normalizeProviderName(name)
	if key == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = factory
}

func (r *Registry) New(name string, cfg ProviderConfig) (Provider, bool) {
	if r == nil {
		return nil, false
	}
	key := normalizeProviderName(name)
	if key == "" || strings.TrimSpace(cfg.APIKey) == "" {
		return nil, false
	}

	r.mu.RLock()
	factory, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}

	provider := factory(cfg)
	if provider == nil {
		return nil, false
	}
	return provider, true
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func normalizeProviderName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
