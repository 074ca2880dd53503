package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]SessionRecord
	// history is keyed by session id; one entry per session at most.
	history map[string]HistoryEntry
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]SessionRecord),
		history:  make(map[string]HistoryEntry),
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, rec SessionRecord) (SessionRecord, error) {
	prepared, err := prepareCreate(rec, time.Now().UTC())
	if err != nil {
		return SessionRecord{}, err
	}
	key := sessionKey(prepared.UserID, prepared.SessionID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SessionRecord{}, ErrStoreClosed
	}
	if _, ok := s.sessions[key]; ok {
		return SessionRecord{}, fmt.Errorf("%w: %s", ErrAlreadyExists, prepared.SessionID)
	}
	s.sessions[key] = prepared
	return prepared.Clone(), nil
}

func (s *MemoryStore) UpdateSession(_ context.Context, userID, sessionID string, patch SessionPatch) (SessionRecord, error) {
	if err := validateSessionKeyFields(userID, sessionID); err != nil {
		return SessionRecord{}, err
	}
	key := sessionKey(userID, sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SessionRecord{}, ErrStoreClosed
	}
	existing, ok := s.sessions[key]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	merged, err := mergePatch(existing, patch, time.Now().UTC())
	if err != nil {
		return SessionRecord{}, err
	}
	s.sessions[key] = merged
	return merged.Clone(), nil
}

func (s *MemoryStore) GetSession(_ context.Context, userID, sessionID string) (SessionRecord, error) {
	if err := validateSessionKeyFields(userID, sessionID); err != nil {
		return SessionRecord{}, err
	}

	key := sessionKey(userID, sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SessionRecord{}, ErrStoreClosed
	}

	rec, ok := s.sessions[key]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) ListOngoing(_ context.Context, userID string) ([]SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	out := make([]SessionRecord, 0)
	for _, rec := range s.sessions {
		if rec.UserID == userID && rec.Status == StatusOngoing {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out, nil
}

func (s *MemoryStore) Archive(_ context.Context, userID, sessionID string) (HistoryEntry, bool, error) {
	if err := validateSessionKeyFields(userID, sessionID); err != nil {
		return HistoryEntry{}, false, err
	}
	key := sessionKey(userID, sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return HistoryEntry{}, false, ErrStoreClosed
	}
	rec, ok := s.sessions[key]
	if !ok {
		return HistoryEntry{}, false, ErrNotFound
	}
	if existing, ok := s.history[sessionID]; ok {
		return existing, false, nil
	}

	now := time.Now().UTC()
	entry, err := newHistoryEntry(rec, now)
	if err != nil {
		return HistoryEntry{}, false, err
	}
	s.history[sessionID] = entry
	rec.ArchivedAt = &now
	s.sessions[key] = rec
	return entry, true, nil
}

func (s *MemoryStore) ListHistory(_ context.Context, userID string, limit int) ([]HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	out := make([]HistoryEntry, 0)
	for _, entry := range s.history {
		if entry.UserID == userID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListUnarchived(_ context.Context, limit int) ([]SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	out := make([]SessionRecord, 0)
	for _, rec := range s.sessions {
		if rec.Status != StatusCompleted {
			continue
		}
		if _, ok := s.history[rec.SessionID]; ok {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUpdated.Before(out[j].LastUpdated)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) FailOngoing(_ context.Context, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	now := time.Now().UTC()
	count := 0
	for key, rec := range s.sessions {
		if rec.Status != StatusOngoing {
			continue
		}
		merged, err := mergePatch(rec, failedPatch(reason, now), now)
		if err != nil {
			return count, fmt.Errorf("fail session %s: %w", rec.SessionID, err)
		}
		s.sessions[key] = merged
		count++
	}
	return count, nil
}

func (s *MemoryStore) Prune(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	count := 0
	for key, rec := range s.sessions {
		if prunable(rec, before) {
			delete(s.sessions, key)
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func failedPatch(reason string, now time.Time) SessionPatch {
	status := StatusFailed
	phase := PhaseError
	return SessionPatch{
		Status:       &status,
		CurrentPhase: &phase,
		Error:        &reason,
		LastUpdated:  now,
	}
}
