package session

import (
	"encoding/json"
	"fmt"
	"time"

	"heavy.local/research-gateway/internal/agent"
)

type sessionRow struct {
	SessionID    string     `gorm:"primaryKey;size:64"`
	UserID       string     `gorm:"size:191;not null;index:idx_research_sessions_user_status,priority:1"`
	Query        string     `gorm:"type:text;not null"`
	Status       string     `gorm:"size:32;not null;index:idx_research_sessions_user_status,priority:2"`
	CurrentPhase string     `gorm:"size:32;not null"`
	AgentsJSON   string     `gorm:"column:agents;type:text;not null"`
	Progress     float64    `gorm:"not null"`
	FinalResult  *string    `gorm:"type:text"`
	TotalTime    float64    `gorm:"not null"`
	Error        string     `gorm:"type:text"`
	StartTime    time.Time  `gorm:"not null"`
	LastUpdated  time.Time  `gorm:"not null;index"`
	ArchivedAt   *time.Time `gorm:"index"`
}

func (sessionRow) TableName() string {
	return "research_sessions"
}

func (r sessionRow) toRecord() (SessionRecord, error) {
	agents := []agent.Record{}
	if r.AgentsJSON != "" {
		if err := json.Unmarshal([]byte(r.AgentsJSON), &agents); err != nil {
			return SessionRecord{}, fmt.Errorf("decode agents for session %s: %w", r.SessionID, err)
		}
	}
	rec := SessionRecord{
		SessionID:    r.SessionID,
		UserID:       r.UserID,
		Query:        r.Query,
		Status:       Status(r.Status),
		CurrentPhase: Phase(r.CurrentPhase),
		Agents:       agents,
		Progress:     r.Progress,
		TotalTime:    r.TotalTime,
		Error:        r.Error,
		StartTime:    r.StartTime.UTC(),
		LastUpdated:  r.LastUpdated.UTC(),
	}
	if r.FinalResult != nil {
		result := *r.FinalResult
		rec.FinalResult = &result
	}
	if r.ArchivedAt != nil {
		at := r.ArchivedAt.UTC()
		rec.ArchivedAt = &at
	}
	return rec, nil
}

func sessionRowFromRecord(rec SessionRecord) (sessionRow, error) {
	agentsJSON, err := json.Marshal(rec.Agents)
	if err != nil {
		return sessionRow{}, fmt.Errorf("encode agents for session %s: %w", rec.SessionID, err)
	}
	return sessionRow{
		SessionID:    rec.SessionID,
		UserID:       rec.UserID,
		Query:        rec.Query,
		Status:       string(rec.Status),
		CurrentPhase: string(rec.CurrentPhase),
		AgentsJSON:   string(agentsJSON),
		Progress:     rec.Progress,
		FinalResult:  rec.FinalResult,
		TotalTime:    rec.TotalTime,
		Error:        rec.Error,
		StartTime:    rec.StartTime,
		LastUpdated:  rec.LastUpdated,
		ArchivedAt:   rec.ArchivedAt,
	}, nil
}

type historyRow struct {
	EntryID          string    `gorm:"primaryKey;size:64"`
	SessionID        string    `gorm:"size:64;not null;uniqueIndex"`
	UserID           string    `gorm:"size:191;not null;index:idx_research_history_user_created,priority:1"`
	Query            string    `gorm:"type:text;not null"`
	FinalResult      string    `gorm:"type:text;not null"`
	AgentResultsJSON string    `gorm:"column:agent_results;type:text;not null"`
	TotalTime        float64   `gorm:"not null"`
	AgentsJSON       string    `gorm:"column:agents;type:text;not null"`
	Status           string    `gorm:"size:32;not null"`
	CompletedCount   int       `gorm:"not null"`
	HuntersPerMinute float64   `gorm:"not null"`
	CreatedAt        time.Time `gorm:"not null;index:idx_research_history_user_created,priority:2"`
}

func (historyRow) TableName() string {
	return "research_history"
}

func (r historyRow) toEntry() (HistoryEntry, error) {
	entry := HistoryEntry{
		EntryID:          r.EntryID,
		SessionID:        r.SessionID,
		UserID:           r.UserID,
		Query:            r.Query,
		FinalResult:      r.FinalResult,
		AgentResults:     []agent.Outcome{},
		TotalTime:        r.TotalTime,
		Agents:           []agent.Record{},
		Status:           Status(r.Status),
		CompletedCount:   r.CompletedCount,
		HuntersPerMinute: r.HuntersPerMinute,
		CreatedAt:        r.CreatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.AgentResultsJSON), &entry.AgentResults); err != nil {
		return HistoryEntry{}, fmt.Errorf("decode agent results for %s: %w", r.SessionID, err)
	}
	if err := json.Unmarshal([]byte(r.AgentsJSON), &entry.Agents); err != nil {
		return HistoryEntry{}, fmt.Errorf("decode agents for %s: %w", r.SessionID, err)
	}
	return entry, nil
}

func historyRowFromEntry(entry HistoryEntry) (historyRow, error) {
	results, err := json.Marshal(entry.AgentResults)
	if err != nil {
		return historyRow{}, fmt.Errorf("encode agent results: %w", err)
	}
	agents, err := json.Marshal(entry.Agents)
	if err != nil {
		return historyRow{}, fmt.Errorf("encode agents: %w", err)
	}
	return historyRow{
		EntryID:          entry.EntryID,
		SessionID:        entry.SessionID,
		UserID:           entry.UserID,
		Query:            entry.Query,
		FinalResult:      entry.FinalResult,
		AgentResultsJSON: string(results),
		TotalTime:        entry.TotalTime,
		AgentsJSON:       string(agents),
		Status:           string(entry.Status),
		CompletedCount:   entry.CompletedCount,
		HuntersPerMinute: entry.HuntersPerMinute,
		CreatedAt:        entry.CreatedAt,
	}, nil
}
