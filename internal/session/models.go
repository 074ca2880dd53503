package session

import (
	"time"

	"heavy.local/research-gateway/internal/agent"
)

type Status string

const (
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOngoing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Phase string

const (
	PhaseInitializing      Phase = "initializing"
	PhaseDecomposing       Phase = "decomposing"
	PhasePlanning          Phase = "planning"
	PhaseExecuting         Phase = "executing"
	PhaseParallelExecuting Phase = "parallel_executing"
	PhaseSynthesizing      Phase = "synthesizing"
	PhaseComplete          Phase = "complete"
	PhaseError             Phase = "error"
)

var phaseOrder = map[Phase]int{
	PhaseInitializing:      0,
	PhaseDecomposing:       1,
	PhasePlanning:          2,
	PhaseExecuting:         3,
	PhaseParallelExecuting: 4,
	PhaseSynthesizing:      5,
	PhaseComplete:          6,
}

func (p Phase) Valid() bool {
	if p == PhaseError {
		return true
	}
	_, ok := phaseOrder[p]
	return ok
}

func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseError
}

// CanAdvanceTo reports whether next is a legal successor of p. Phases only move
// forward, optional phases may be skipped, and any live phase may drop into
// error. Staying in place is allowed.
func (p Phase) CanAdvanceTo(next Phase) bool {
	if p == next {
		return true
	}
	if p.Terminal() || !next.Valid() {
		return false
	}
	if next == PhaseError {
		return true
	}
	return phaseOrder[next] > phaseOrder[p]
}

// SessionRecord is the live, mutable state of one research run.
type SessionRecord struct {
	SessionID    string         `json:"sessionId"`
	UserID       string         `json:"userId"`
	Query        string         `json:"query"`
	Status       Status         `json:"status"`
	CurrentPhase Phase          `json:"currentPhase"`
	Agents       []agent.Record `json:"agents"`
	Progress     float64        `json:"progress"`
	FinalResult  *string        `json:"finalResult"`
	TotalTime    float64        `json:"totalTime"`
	Error        string         `json:"error,omitempty"`
	StartTime    time.Time      `json:"startTime"`
	LastUpdated  time.Time      `json:"lastUpdated"`
	ArchivedAt   *time.Time     `json:"archivedAt,omitempty"`
}

func (r SessionRecord) Clone() SessionRecord {
	out := r
	out.Agents = agent.CloneAll(r.Agents)
	if r.FinalResult != nil {
		result := *r.FinalResult
		out.FinalResult = &result
	}
	if r.ArchivedAt != nil {
		at := *r.ArchivedAt
		out.ArchivedAt = &at
	}
	return out
}

func (r SessionRecord) Summary() Summary {
	return Summary{
		SessionID:    r.SessionID,
		Query:        r.Query,
		Status:       r.Status,
		CurrentPhase: r.CurrentPhase,
		Progress:     r.Progress,
		AgentCount:   len(r.Agents),
		StartTime:    r.StartTime,
		LastUpdated:  r.LastUpdated,
	}
}

// Summary is the listing shape used by active_sessions.
type Summary struct {
	SessionID    string    `json:"sessionId"`
	Query        string    `json:"query"`
	Status       Status    `json:"status"`
	CurrentPhase Phase     `json:"currentPhase"`
	Progress     float64   `json:"progress"`
	AgentCount   int       `json:"agentCount"`
	StartTime    time.Time `json:"startTime"`
	LastUpdated  time.Time `json:"lastUpdated"`
}

// SessionPatch carries the fields an update may change. Nil fields are left
// as stored; a nil Agents slice keeps the stored agents.
type SessionPatch struct {
	Status       *Status
	CurrentPhase *Phase
	Agents       []agent.Record
	FinalResult  *string
	TotalTime    *float64
	Error        *string
	LastUpdated  time.Time
}

// HistoryEntry is the write-once archive of a completed session.
type HistoryEntry struct {
	EntryID          string          `json:"entryId"`
	SessionID        string          `json:"sessionId"`
	UserID           string          `json:"userId"`
	Query            string          `json:"query"`
	FinalResult      string          `json:"finalResult"`
	AgentResults     []agent.Outcome `json:"agentResults"`
	TotalTime        float64         `json:"totalTime"`
	Agents           []agent.Record  `json:"agents"`
	Status           Status          `json:"status"`
	CompletedCount   int             `json:"completedCount"`
	HuntersPerMinute float64         `json:"huntersPerMinute"`
	CreatedAt        time.Time       `json:"createdAt"`
}
