package protocol

import (
	"time"

	"heavy.local/research-gateway/internal/agent"
	"heavy.local/research-gateway/internal/session"
)

type StartResearch struct {
	Query  string `json:"query"`
	UserID string `json:"userId,omitempty"`
}

type ReconnectSession struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId,omitempty"`
}

type GetActiveSessions struct {
	UserID string `json:"userId,omitempty"`
}

type Ping struct{}

type SessionCreated struct {
	SessionID string `json:"sessionId"`
}

// SessionReconnected is the full snapshot sent when a connection reattaches.
type SessionReconnected struct {
	SessionID    string         `json:"sessionId"`
	Query        string         `json:"query"`
	CurrentPhase session.Phase  `json:"currentPhase"`
	Agents       []agent.Record `json:"agents"`
	Status       session.Status `json:"status"`
	Progress     float64        `json:"progress"`
}

type ActiveSessions struct {
	Sessions []session.Summary `json:"sessions"`
}

type ReconnectFailed struct {
	SessionID string `json:"sessionId"`
}

type TaskDecomposed struct {
	Subtasks           []string `json:"subtasks"`
	HunterTypes        []string `json:"hunterTypes,omitempty"`
	ResearchComplexity string   `json:"researchComplexity,omitempty"`
}

type AgentProgress struct {
	AgentID         int          `json:"agentId"`
	Status          agent.Status `json:"status"`
	Progress        *int         `json:"progress,omitempty"`
	Result          *string      `json:"result,omitempty"`
	ExecutionTime   *float64     `json:"executionTime,omitempty"`
	CurrentStep     string       `json:"currentStep,omitempty"`
	Message         string       `json:"message,omitempty"`
	SessionProgress float64      `json:"sessionProgress"`
}

type AgentStep struct {
	AgentID   int            `json:"agentId"`
	StepType  string         `json:"stepType"`
	StepData  map[string]any `json:"stepData"`
	Timestamp time.Time      `json:"timestamp"`
}

type ResearchPhaseStart struct {
	Phase     session.Phase `json:"phase"`
	PhaseName string        `json:"phaseName"`
}

type ResearchPhaseComplete struct {
	Phase        session.Phase `json:"phase"`
	ResultsCount int           `json:"resultsCount"`
}

type SynthesisStarting struct {
	SuccessfulAgents int `json:"successfulAgents"`
	TotalAgents      int `json:"totalAgents"`
}

type OrchestrationComplete struct {
	FinalResult    string          `json:"finalResult"`
	AgentResults   []agent.Outcome `json:"agentResults"`
	TotalTime      float64         `json:"totalTime"`
	CompletedCount int             `json:"completedCount"`
}

type ResearchError struct {
	Error     string `json:"error"`
	SessionID string `json:"sessionId,omitempty"`
}

type Pong struct {
	Timestamp time.Time `json:"timestamp"`
}

// PhaseName is the human label shown with research_phase_start.
func PhaseName(p session.Phase) string {
	switch p {
	case session.PhaseDecomposing:
		return "Task Decomposition"
	case session.PhasePlanning:
		return "Research Planning"
	case session.PhaseExecuting:
		return "Agent Execution"
	case session.PhaseParallelExecuting:
		return "Parallel Research"
	case session.PhaseSynthesizing:
		return "Synthesis"
	case session.PhaseComplete:
		return "Complete"
	case session.PhaseError:
		return "Error"
	default:
		return "Initializing"
	}
}
