package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"heavy.local/research-gateway/internal/agent"
	"heavy.local/research-gateway/internal/ids"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("session already exists")
	ErrInvalidPatch  = errors.New("invalid session patch")
	ErrNotArchivable = errors.New("session is not archivable")
	ErrStoreClosed   = errors.New("store is closed")
)

// Store holds live sessions and the history archive. Every read and write is
// scoped to the owning user; a session owned by someone else is reported as
// ErrNotFound.
type Store interface {
	CreateSession(context.Context, SessionRecord) (SessionRecord, error)
	UpdateSession(context.Context, string, string, SessionPatch) (SessionRecord, error)
	GetSession(context.Context, string, string) (SessionRecord, error)
	ListOngoing(context.Context, string) ([]SessionRecord, error)
	// Archive copies a completed session into history at most once. The bool
	// is false when an entry already existed.
	Archive(context.Context, string, string) (HistoryEntry, bool, error)
	ListHistory(context.Context, string, int) ([]HistoryEntry, error)
	ListUnarchived(context.Context, int) ([]SessionRecord, error)
	FailOngoing(context.Context, string) (int, error)
	Prune(context.Context, time.Time) (int, error)
	Close() error
}

// NewSessionRecord builds the initial ongoing record for a decomposed query.
func NewSessionRecord(sessionID, userID, query string, agents []agent.Record, now time.Time) SessionRecord {
	now = now.UTC()
	return SessionRecord{
		SessionID:    sessionID,
		UserID:       strings.TrimSpace(userID),
		Query:        query,
		Status:       StatusOngoing,
		CurrentPhase: PhaseDecomposing,
		Agents:       agent.CloneAll(agents),
		Progress:     agent.MeanProgress(agents),
		StartTime:    now,
		LastUpdated:  now,
	}
}

func prepareCreate(rec SessionRecord, now time.Time) (SessionRecord, error) {
	if err := validateSessionKeyFields(rec.UserID, rec.SessionID); err != nil {
		return SessionRecord{}, err
	}
	out := rec.Clone()
	if out.Status == "" {
		out.Status = StatusOngoing
	}
	if out.CurrentPhase == "" {
		out.CurrentPhase = PhaseInitializing
	}
	if out.Agents == nil {
		out.Agents = []agent.Record{}
	}
	if out.StartTime.IsZero() {
		out.StartTime = now
	}
	if out.LastUpdated.Before(out.StartTime) {
		out.LastUpdated = out.StartTime
	}
	out.Progress = agent.MeanProgress(out.Agents)
	out.ArchivedAt = nil
	if err := validateRecord(out); err != nil {
		return SessionRecord{}, err
	}
	return out, nil
}

// mergePatch applies patch on top of existing. Fields are last-writer-wins,
// except that progress and lastUpdated never move backwards and a terminal
// session keeps its terminal state.
func mergePatch(existing SessionRecord, patch SessionPatch, now time.Time) (SessionRecord, error) {
	out := existing.Clone()

	if patch.Status != nil {
		if existing.Status.Terminal() && *patch.Status != existing.Status {
			return SessionRecord{}, fmt.Errorf("%w: session %s is %s", ErrInvalidPatch, existing.SessionID, existing.Status)
		}
		out.Status = *patch.Status
	}
	if patch.CurrentPhase != nil {
		if !existing.CurrentPhase.CanAdvanceTo(*patch.CurrentPhase) {
			return SessionRecord{}, fmt.Errorf("%w: phase %s -> %s", ErrInvalidPatch, existing.CurrentPhase, *patch.CurrentPhase)
		}
		out.CurrentPhase = *patch.CurrentPhase
	}
	if patch.Agents != nil {
		out.Agents = mergeAgents(existing.Agents, patch.Agents)
	}
	if patch.FinalResult != nil {
		result := *patch.FinalResult
		out.FinalResult = &result
	}
	if patch.TotalTime != nil && *patch.TotalTime >= 0 {
		out.TotalTime = *patch.TotalTime
	}
	if patch.Error != nil {
		out.Error = *patch.Error
	}

	stamp := patch.LastUpdated
	if stamp.IsZero() {
		stamp = now
	}
	if stamp.After(out.LastUpdated) {
		out.LastUpdated = stamp.UTC()
	}
	out.Progress = agent.MeanProgress(out.Agents)

	if err := validateRecord(out); err != nil {
		return SessionRecord{}, err
	}
	return out, nil
}

// mergeAgents takes incoming as authoritative but keeps each agent's progress
// at or above what is already stored.
func mergeAgents(existing, incoming []agent.Record) []agent.Record {
	prior := make(map[int]int, len(existing))
	for _, rec := range existing {
		prior[rec.ID] = rec.Progress
	}
	out := agent.CloneAll(incoming)
	for i := range out {
		if p, ok := prior[out[i].ID]; ok && p > out[i].Progress {
			out[i].Progress = p
		}
	}
	return out
}

func validateRecord(rec SessionRecord) error {
	if !rec.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidPatch, rec.Status)
	}
	if !rec.CurrentPhase.Valid() {
		return fmt.Errorf("%w: unknown phase %q", ErrInvalidPatch, rec.CurrentPhase)
	}
	switch rec.Status {
	case StatusOngoing:
		if rec.CurrentPhase.Terminal() {
			return fmt.Errorf("%w: ongoing session in phase %s", ErrInvalidPatch, rec.CurrentPhase)
		}
	case StatusCompleted:
		if rec.CurrentPhase != PhaseComplete {
			return fmt.Errorf("%w: completed session in phase %s", ErrInvalidPatch, rec.CurrentPhase)
		}
	case StatusFailed:
		if rec.CurrentPhase != PhaseError {
			return fmt.Errorf("%w: failed session in phase %s", ErrInvalidPatch, rec.CurrentPhase)
		}
	}
	if (rec.Status == StatusCompleted) != (rec.FinalResult != nil) {
		return fmt.Errorf("%w: final result must be set exactly when completed", ErrInvalidPatch)
	}
	return nil
}

func newHistoryEntry(rec SessionRecord, now time.Time) (HistoryEntry, error) {
	if rec.Status != StatusCompleted || rec.FinalResult == nil {
		return HistoryEntry{}, fmt.Errorf("%w: session %s is %s", ErrNotArchivable, rec.SessionID, rec.Status)
	}
	completed := agent.CompletedCount(rec.Agents)
	return HistoryEntry{
		EntryID:          ids.New(),
		SessionID:        rec.SessionID,
		UserID:           rec.UserID,
		Query:            rec.Query,
		FinalResult:      *rec.FinalResult,
		AgentResults:     agent.Outcomes(rec.Agents),
		TotalTime:        rec.TotalTime,
		Agents:           agent.CloneAll(rec.Agents),
		Status:           rec.Status,
		CompletedCount:   completed,
		HuntersPerMinute: HuntersPerMinute(completed, rec.TotalTime),
		CreatedAt:        now.UTC(),
	}, nil
}

// fallbackTotalTimeSeconds stands in for a zero run duration when computing
// the hunters-per-minute rate.
const fallbackTotalTimeSeconds = 5.0

func HuntersPerMinute(completed int, totalTime float64) float64 {
	if totalTime <= 0 {
		totalTime = fallbackTotalTimeSeconds
	}
	return float64(completed) / totalTime * 60
}

// prunable reports whether a live row may be dropped: it must be terminal and,
// when completed, already archived.
func prunable(rec SessionRecord, before time.Time) bool {
	if !rec.Status.Terminal() || !rec.LastUpdated.Before(before) {
		return false
	}
	return rec.Status == StatusFailed || rec.ArchivedAt != nil
}

func sessionKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

func validateSessionKeyFields(userID, sessionID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user_id is required")
	}
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	return nil
}
