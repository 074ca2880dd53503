package model

import (
	"context"
	"errors"
	"strings"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var ErrEmptyCompletion = errors.New("model returned no text")

type Provider interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

type CompletionRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	Temperature  float64
}

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type CompletionResponse struct {
	Content    string
	Usage      Usage
	Model      string
	StopReason string
}

type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Ask is the single-turn helper used by the research collaborators.
func Ask(ctx context.Context, p Provider, modelName, system, prompt string, maxTokens int) (string, error) {
	resp, err := p.Complete(ctx, CompletionRequest{
		Model:        modelName,
		SystemPrompt: system,
		Messages:     []Message{{Role: RoleUser, Content: prompt}},
		MaxTokens:    maxTokens,
		Temperature:  0.3,
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

func validateRequest(req CompletionRequest) error {
	if strings.TrimSpace(req.Model) == "" {
		return errors.New("model is required")
	}
	if req.MaxTokens <= 0 {
		return errors.New("max tokens must be greater than zero")
	}
	if len(req.Messages) == 0 {
		return errors.New("at least one message is required")
	}
	return nil
}
