package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"heavy.local/research-gateway/internal/agent"
	"heavy.local/research-gateway/internal/model"
)

const (
	defaultPlanTokens      = 1024
	defaultExecuteTokens   = 2048
	defaultSynthesisTokens = 4096
)

// ModelSuite drives every collaborator through one provider.
func ModelSuite(provider model.Provider, modelName string) Suite {
	return Suite{
		Decomposer:  ModelPlanner{Provider: provider, Model: modelName},
		Executor:    ModelExecutor{Provider: provider, Model: modelName},
		Synthesizer: ModelSynthesizer{Provider: provider, Model: modelName},
	}
}

type ModelPlanner struct {
	Provider model.Provider
	Model    string
}

const planSystemPrompt = "You split research questions into independent subtasks that can be investigated in parallel. " +
	"Answer with a JSON array of strings and nothing else."

func (p ModelPlanner) Decompose(ctx context.Context, query string, maxAgents int) (Plan, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Plan{}, ErrEmptyQuery
	}
	if maxAgents <= 0 {
		maxAgents = 4
	}
	prompt := fmt.Sprintf("Question: %s\nProduce at most %d subtasks.", query, maxAgents)
	text, err := model.Ask(ctx, p.Provider, p.Model, planSystemPrompt, prompt, defaultPlanTokens)
	if err != nil {
		return Plan{}, fmt.Errorf("decompose: %w", err)
	}

	subtasks, err := parseSubtasks(text)
	if err != nil {
		return Plan{}, err
	}
	if len(subtasks) > maxAgents {
		subtasks = subtasks[:maxAgents]
	}
	complexity := AssessComplexity(query)
	return Plan{
		Subtasks:    subtasks,
		HunterTypes: Team(complexity, len(subtasks)),
		Complexity:  complexity,
	}, nil
}

// parseSubtasks pulls the first JSON array of strings out of a model reply.
func parseSubtasks(text string) ([]string, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no subtask list", ErrBadResponse)
	}
	var raw []string
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoSubtasks
	}
	return out, nil
}

type ModelExecutor struct {
	Provider model.Provider
	Model    string
}

func (e ModelExecutor) Execute(ctx context.Context, task Task, report Reporter) (string, error) {
	report.Progress(Progress{Status: agent.StatusInitializing, Message: "starting " + hunterLabel(task.HunterType)})
	report.Progress(Progress{Status: agent.StatusProcessing, CurrentStep: "model_request"})
	report.Step(Step{
		Type:     "model_request",
		Data:     map[string]any{"provider": e.Provider.Name(), "model": e.Model},
		Progress: intPtr(20),
	})

	text, err := model.Ask(ctx, e.Provider, e.Model, hunterSystemPrompt(task.HunterType, task.Query), task.Subtask, defaultExecuteTokens)
	if err != nil {
		return "", fmt.Errorf("agent %d: %w", task.AgentID, err)
	}
	report.Step(Step{
		Type:     "model_response",
		Data:     map[string]any{"chars": len(text)},
		Progress: intPtr(90),
	})
	return text, nil
}

type ModelSynthesizer struct {
	Provider model.Provider
	Model    string
}

const synthesisSystemPrompt = "You merge findings from several research agents into one coherent, well-structured answer. " +
	"Resolve contradictions explicitly and keep source attributions."

func (s ModelSynthesizer) Synthesize(ctx context.Context, query string, findings []Finding) (string, error) {
	if len(findings) == 0 {
		return "", ErrNoFindings
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Original query: %s\n", strings.TrimSpace(query))
	for _, f := range findings {
		fmt.Fprintf(&b, "\n--- %s (agent %d): %s ---\n%s\n", hunterLabel(f.HunterType), f.AgentID, f.Subtask, f.Result)
	}
	text, err := model.Ask(ctx, s.Provider, s.Model, synthesisSystemPrompt, b.String(), defaultSynthesisTokens)
	if err != nil {
		return "", fmt.Errorf("synthesize: %w", err)
	}
	return text, nil
}
