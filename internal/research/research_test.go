package research

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"heavy.local/research-gateway/internal/agent"
	"heavy.local/research-gateway/internal/model"
)

type fakeProvider struct {
	mu       sync.Mutex
	reply    string
	err      error
	requests []model.CompletionRequest
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Complete(_ context.Context, req model.CompletionRequest) (model.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return model.CompletionResponse{}, p.err
	}
	return model.CompletionResponse{Content: p.reply}, nil
}

type recordingReporter struct {
	progress []Progress
	steps    []Step
}

func (r *recordingReporter) Progress(p Progress) { r.progress = append(r.progress, p) }

func (r *recordingReporter) Step(s Step) { r.steps = append(r.steps, s) }

func TestAssessComplexity(t *testing.T) {
	cases := map[string]string{
		"Comprehensive analysis of the EV market": ComplexityComplex,
		"Please verify these battery claims":      ComplexityVerificationHeavy,
		"What is a heat pump?":                    ComplexitySimple,
		"Compare heat pumps and gas boilers":      ComplexityStandard,
	}
	for query, want := range cases {
		if got := AssessComplexity(query); got != want {
			t.Fatalf("AssessComplexity(%q) = %q, want %q", query, got, want)
		}
	}
}

func TestTeamPadsWithGeneralHunters(t *testing.T) {
	got := Team(ComplexitySimple, 4)
	want := []string{"source_scout", "deep_analyst", HunterGeneral, HunterGeneral}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected team (-want +got):\n%s", diff)
	}
	if got := Team(ComplexityStandard, 2); len(got) != 2 || got[1] != "deep_analyst" {
		t.Fatalf("unexpected trimmed team: %v", got)
	}
}

func TestTemplatePlanner(t *testing.T) {
	plan, err := TemplatePlanner{}.Decompose(context.Background(), "  Compare heat pumps and gas boilers ", 3)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if len(plan.Subtasks) != 3 || len(plan.HunterTypes) != 3 {
		t.Fatalf("expected 3 subtasks, got %+v", plan)
	}
	if plan.Complexity != ComplexityStandard {
		t.Fatalf("unexpected complexity %q", plan.Complexity)
	}
	for _, subtask := range plan.Subtasks {
		if !strings.HasSuffix(subtask, "Compare heat pumps and gas boilers") {
			t.Fatalf("subtask does not carry the query: %q", subtask)
		}
	}
	if _, err := (TemplatePlanner{}).Decompose(context.Background(), "   ", 3); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("expected ErrEmptyQuery, got %v", err)
	}
}

func TestOfflineExecutorReportsStepsWithProgress(t *testing.T) {
	rep := &recordingReporter{}
	result, err := OfflineExecutor{}.Execute(context.Background(), Task{AgentID: 0, Subtask: "find sources", HunterType: "source_scout"}, rep)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(result, "find sources") {
		t.Fatalf("unexpected result %q", result)
	}
	if len(rep.progress) != 2 || rep.progress[0].Status != agent.StatusInitializing || rep.progress[1].Status != agent.StatusProcessing {
		t.Fatalf("unexpected progress reports: %+v", rep.progress)
	}
	if len(rep.steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(rep.steps))
	}
	last := 0
	for _, step := range rep.steps {
		if step.Progress == nil || *step.Progress <= last {
			t.Fatalf("expected increasing step progress, got %+v", step)
		}
		last = *step.Progress
	}
}

func TestOfflineExecutorHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := OfflineExecutor{StepDelay: time.Second}.Execute(ctx, Task{Subtask: "slow"}, &recordingReporter{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDigestSynthesizer(t *testing.T) {
	out, err := DigestSynthesizer{}.Synthesize(context.Background(), "q", []Finding{
		{AgentID: 0, HunterType: "fact_checker", Result: "claim holds"},
		{AgentID: 2, Result: "more detail"},
	})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if !strings.Contains(out, "Fact Checker") || !strings.Contains(out, "more detail") {
		t.Fatalf("unexpected synthesis %q", out)
	}
	if _, err := (DigestSynthesizer{}).Synthesize(context.Background(), "q", nil); !errors.Is(err, ErrNoFindings) {
		t.Fatalf("expected ErrNoFindings, got %v", err)
	}
}

func TestModelPlannerParsesSubtaskList(t *testing.T) {
	provider := &fakeProvider{reply: "Here you go:\n[\"history of X\", \" \", \"economics of X\", \"risks of X\"]"}
	plan, err := ModelPlanner{Provider: provider, Model: "m"}.Decompose(context.Background(), "Tell me about X", 2)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	want := []string{"history of X", "economics of X"}
	if diff := cmp.Diff(want, plan.Subtasks); diff != "" {
		t.Fatalf("unexpected subtasks (-want +got):\n%s", diff)
	}
	if len(plan.HunterTypes) != 2 {
		t.Fatalf("expected a hunter per subtask, got %v", plan.HunterTypes)
	}
	if provider.requests[0].SystemPrompt == "" || provider.requests[0].Model != "m" {
		t.Fatalf("unexpected request: %+v", provider.requests[0])
	}
}

func TestModelPlannerFailures(t *testing.T) {
	cases := []struct {
		name     string
		provider *fakeProvider
		want     error
	}{
		{name: "no list", provider: &fakeProvider{reply: "I cannot help"}, want: ErrBadResponse},
		{name: "empty list", provider: &fakeProvider{reply: "[]"}, want: ErrNoSubtasks},
		{name: "provider error", provider: &fakeProvider{err: errors.New("rate limited")}},
	}
	for _, tc := range cases {
		_, err := ModelPlanner{Provider: tc.provider, Model: "m"}.Decompose(context.Background(), "X", 3)
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestModelExecutorUsesHunterPrompt(t *testing.T) {
	provider := &fakeProvider{reply: "finding text"}
	rep := &recordingReporter{}
	result, err := ModelExecutor{Provider: provider, Model: "m"}.Execute(context.Background(), Task{
		AgentID:    1,
		Query:      "X",
		Subtask:    "verify X",
		HunterType: "fact_checker",
	}, rep)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result != "finding text" {
		t.Fatalf("unexpected result %q", result)
	}
	if !strings.Contains(provider.requests[0].SystemPrompt, "Fact Checker") {
		t.Fatalf("expected hunter prompt, got %q", provider.requests[0].SystemPrompt)
	}
	if len(rep.steps) != 2 || rep.steps[1].Type != "model_response" {
		t.Fatalf("unexpected steps: %+v", rep.steps)
	}
}

func TestModelSynthesizerRequiresFindings(t *testing.T) {
	provider := &fakeProvider{reply: "final"}
	s := ModelSynthesizer{Provider: provider, Model: "m"}
	if _, err := s.Synthesize(context.Background(), "q", nil); !errors.Is(err, ErrNoFindings) {
		t.Fatalf("expected ErrNoFindings, got %v", err)
	}
	out, err := s.Synthesize(context.Background(), "q", []Finding{{AgentID: 0, Subtask: "a", Result: "r"}})
	if err != nil || out != "final" {
		t.Fatalf("unexpected synthesis %q err=%v", out, err)
	}
	if !strings.Contains(provider.requests[0].Messages[0].Content, "Original query: q") {
		t.Fatalf("expected query in synthesis prompt")
	}
}
