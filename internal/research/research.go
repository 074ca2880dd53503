package research

import (
	"context"
	"errors"

	"heavy.local/research-gateway/internal/agent"
)

var (
	ErrEmptyQuery  = errors.New("query is empty")
	ErrNoSubtasks  = errors.New("decomposition produced no subtasks")
	ErrNoFindings  = errors.New("no findings to synthesize")
	ErrBadResponse = errors.New("unusable model response")
)

// Plan is the outcome of decomposing a query. HunterTypes, when present, is
// parallel to Subtasks.
type Plan struct {
	Subtasks    []string
	HunterTypes []string
	Complexity  string
}

func (p Plan) HunterType(i int) string {
	if i < 0 || i >= len(p.HunterTypes) {
		return ""
	}
	return p.HunterTypes[i]
}

type Decomposer interface {
	Decompose(ctx context.Context, query string, maxAgents int) (Plan, error)
}

type Task struct {
	AgentID    int
	Query      string
	Subtask    string
	HunterType string
}

// Progress is a status report from a running agent. A nil Progress lets the
// receiver derive the percentage from Status. An agent that reports a Result
// and then returns an empty result from Execute keeps the reported one.
type Progress struct {
	Status        agent.Status
	Progress      *int
	Result        *string
	ExecutionTime *float64
	CurrentStep   string
	Message       string
}

// Step is one entry for the agent's step log. A step may also carry a
// progress percentage.
type Step struct {
	Type     string
	Data     map[string]any
	Progress *int
}

// Reporter receives an agent's intermediate output. Terminal status is not
// reported through it; the caller derives that from Execute's return.
type Reporter interface {
	Progress(Progress)
	Step(Step)
}

// Executor runs one subtask. Execute must return promptly once ctx is done:
// the orchestrator stops waiting at the agent timeout, but Close still waits
// for the call to return.
type Executor interface {
	Execute(ctx context.Context, task Task, report Reporter) (string, error)
}

type Finding struct {
	AgentID    int
	Subtask    string
	HunterType string
	Result     string
}

type Synthesizer interface {
	Synthesize(ctx context.Context, query string, findings []Finding) (string, error)
}

// Suite bundles the three collaborators the orchestrator drives.
type Suite struct {
	Decomposer  Decomposer
	Executor    Executor
	Synthesizer Synthesizer
}

func intPtr(v int) *int {
	return &v
}
