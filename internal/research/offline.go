package research

import (
	"context"
	"fmt"
	"strings"
	"time"

	"heavy.local/research-gateway/internal/agent"
)

// OfflineSuite works without any model provider. Its output is deterministic,
// which keeps the gateway usable in development and in tests.
func OfflineSuite(stepDelay time.Duration) Suite {
	return Suite{
		Decomposer:  TemplatePlanner{},
		Executor:    OfflineExecutor{StepDelay: stepDelay},
		Synthesizer: DigestSynthesizer{},
	}
}

// TemplatePlanner assigns one hunter role per agent and phrases each subtask
// from the role's focus.
type TemplatePlanner struct{}

func (TemplatePlanner) Decompose(_ context.Context, query string, maxAgents int) (Plan, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Plan{}, ErrEmptyQuery
	}
	complexity := AssessComplexity(query)
	if maxAgents <= 0 {
		maxAgents = len(teams[complexity])
	}
	hunters := Team(complexity, maxAgents)
	subtasks := make([]string, 0, len(hunters))
	for _, hunter := range hunters {
		if profile, ok := Profile(hunter); ok {
			subtasks = append(subtasks, profile.Description+": "+query)
			continue
		}
		subtasks = append(subtasks, "Additional research on: "+query)
	}
	return Plan{Subtasks: subtasks, HunterTypes: hunters, Complexity: complexity}, nil
}

// OfflineExecutor walks through a fixed sequence of steps and returns a
// canned finding for the subtask.
type OfflineExecutor struct {
	StepDelay time.Duration
}

var offlineSteps = []struct {
	stepType string
	progress int
}{
	{"source_search", 30},
	{"content_analysis", 60},
	{"finding_summary", 90},
}

func (e OfflineExecutor) Execute(ctx context.Context, task Task, report Reporter) (string, error) {
	report.Progress(Progress{Status: agent.StatusInitializing, Message: "starting " + hunterLabel(task.HunterType)})
	report.Progress(Progress{Status: agent.StatusProcessing, CurrentStep: offlineSteps[0].stepType})

	for _, step := range offlineSteps {
		if err := e.wait(ctx); err != nil {
			return "", err
		}
		report.Step(Step{
			Type:     step.stepType,
			Data:     map[string]any{"subtask": task.Subtask},
			Progress: intPtr(step.progress),
		})
	}
	return fmt.Sprintf("%s findings for %q", hunterLabel(task.HunterType), task.Subtask), nil
}

func (e OfflineExecutor) wait(ctx context.Context) error {
	if e.StepDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(e.StepDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// DigestSynthesizer stitches findings into a plain report.
type DigestSynthesizer struct{}

func (DigestSynthesizer) Synthesize(_ context.Context, query string, findings []Finding) (string, error) {
	if len(findings) == 0 {
		return "", ErrNoFindings
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Research summary: %s\n", strings.TrimSpace(query))
	for _, f := range findings {
		fmt.Fprintf(&b, "\n[%d] %s\n%s\n", f.AgentID+1, hunterLabel(f.HunterType), strings.TrimSpace(f.Result))
	}
	return b.String(), nil
}

func hunterLabel(hunterType string) string {
	if profile, ok := Profile(hunterType); ok {
		return profile.Name
	}
	if hunterType == "" {
		return "Research agent"
	}
	return strings.ReplaceAll(hunterType, "_", " ")
}
