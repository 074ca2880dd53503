package model

import (
	"context"
	"testing"
)

type stubProvider struct{}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Complete(_ context.Context, _ CompletionRequest) (CompletionResponse, error) {
	return CompletionResponse{Content: "ok"}, nil
}

func TestRegistryRegisterFactoryAndNew(t *testing.T) {
	registry := NewRegistry()
	expected := &stubProvider{}
	seen := ProviderConfig{}

	registry.RegisterFactory("anthropic", func(cfg ProviderConfig) Provider {
		seen = cfg
		return expected
	})

	provider, ok := registry.New(" Anthropic ", ProviderConfig{APIKey: "secret-key"})
	if !ok {
		t.Fatalf("expected provider to be created from factory")
	}
	if provider != expected {
		t.Fatalf("expected factory-created provider")
	}
	if seen.APIKey != "secret-key" {
		t.Fatalf("expected api key to be forwarded to factory")
	}
}

func TestRegistryNewWithoutKey(t *testing.T) {
	registry := DefaultRegistry()
	if _, ok := registry.New("openai", ProviderConfig{APIKey: "  "}); ok {
		t.Fatalf("expected provider without api key to be refused")
	}
}

func TestRegistryNewMissingFactory(t *testing.T) {
	registry := NewRegistry()
	if _, ok := registry.New("openai", ProviderConfig{APIKey: "key"}); ok {
		t.Fatalf("expected missing factory")
	}
}

func TestRegistryNewFactoryReturnsNil(t *testing.T) {
	registry := NewRegistry()
	registry.RegisterFactory("openai", func(ProviderConfig) Provider { return nil })

	if _, ok := registry.New("openai", ProviderConfig{APIKey: "key"}); ok {
		t.Fatalf("expected false when factory returns nil provider")
	}
}

func TestDefaultRegistryNames(t *testing.T) {
	names := DefaultRegistry().Names()
	if len(names) != 2 || names[0] != ProviderAnthropic || names[1] != ProviderOpenAI {
		t.Fatalf("unexpected provider names: %v", names)
	}
}

func TestAskRejectsBlankCompletion(t *testing.T) {
	p := blankProvider{}
	if _, err := Ask(context.Background(), p, "m", "", "hello", 10); err != ErrEmptyCompletion {
		t.Fatalf("expected ErrEmptyCompletion, got %v", err)
	}
}

type blankProvider struct{}

func (blankProvider) Name() string { return "blank" }

func (blankProvider) Complete(context.Context, CompletionRequest) (CompletionResponse, error) {
	return CompletionResponse{Content: "  \n"}, nil
}
