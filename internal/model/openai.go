package model

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const ProviderOpenAI = "openai"

type OpenAIProvider struct {
	client openai.Client
}

var _ Provider = (*OpenAIProvider)(nil)

func NewOpenAIProvider(cfg ProviderConfig) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(cfg.APIKey))}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}
	return &OpenAIProvider{client: openai.NewClient(opts...)}
}

func (p *OpenAIProvider) Name() string {
	return ProviderOpenAI
}

func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if err := validateRequest(req); err != nil {
		return CompletionResponse{}, err
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if system := strings.TrimSpace(req.SystemPrompt); system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               req.Model,
		MaxCompletionTokens: openai.Int(int64(req.MaxTokens)),
		Temperature:         openai.Float(req.Temperature),
	})
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return CompletionResponse{}, errors.New("openai returned no choices")
	}

	choice := resp.Choices[0]
	return CompletionResponse{
		Content: choice.Message.Content,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
		Model:      resp.Model,
		StopReason: choice.FinishReason,
	}, nil
}
