package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

const (
	defaultRetryCount   = 3
	defaultRetryBackoff = 150 * time.Millisecond
)

// Retrier runs storage operations with a bounded number of attempts and a
// fixed pause between them. Permanent errors (missing session, invalid
// patch, not archivable) are returned immediately.
type Retrier struct {
	logger       *log.Logger
	retryCount   int
	retryBackoff time.Duration
}

func NewRetrier(logger *log.Logger, retryCount int, retryBackoff time.Duration) Retrier {
	if retryCount <= 0 {
		retryCount = defaultRetryCount
	}
	if retryBackoff < 0 {
		retryBackoff = defaultRetryBackoff
	}
	return Retrier{logger: logger, retryCount: retryCount, retryBackoff: retryBackoff}
}

func (r Retrier) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= r.retryCount; attempt++ {
		err = fn(ctx)
		if err == nil || Permanent(err) {
			return err
		}
		if r.logger != nil {
			r.logger.Printf("storage op=%s attempt=%d err=%v", op, attempt, err)
		}
		if attempt == r.retryCount {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(r.retryBackoff):
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, r.retryCount, err)
}

func Permanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrInvalidPatch) ||
		errors.Is(err, ErrNotArchivable) ||
		errors.Is(err, ErrStoreClosed)
}

// Archiver moves completed sessions into the history archive. It also holds
// terminal updates the store refused, so a finished session is never left
// ongoing once its outcome has been reported.
type Archiver struct {
	store   Store
	logger  *log.Logger
	retrier Retrier

	mu      sync.Mutex
	pending map[string]pendingTerminal
}

type pendingTerminal struct {
	userID string
	patch  SessionPatch
}

func NewArchiver(store Store, logger *log.Logger, retrier Retrier) *Archiver {
	return &Archiver{
		store:   store,
		logger:  logger,
		retrier: retrier,
		pending: make(map[string]pendingTerminal),
	}
}

// Defer keeps a terminal patch that could not be stored. Sweep applies it
// and, for completions, archives the session afterwards.
func (a *Archiver) Defer(userID, sessionID string, patch SessionPatch) {
	if patch.Status == nil || !patch.Status.Terminal() {
		return
	}
	a.mu.Lock()
	a.pending[sessionID] = pendingTerminal{userID: userID, patch: patch}
	a.mu.Unlock()
	a.logger.Printf("terminal update deferred session_id=%s status=%s", sessionID, *patch.Status)
}

// Pending reports whether sessionID has a terminal update waiting to land.
func (a *Archiver) Pending(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.pending[sessionID]
	return ok
}

// FlushPending retries every deferred terminal update once and returns how
// many landed. Updates the store rejects permanently are dropped.
func (a *Archiver) FlushPending(ctx context.Context) (int, error) {
	a.mu.Lock()
	batch := make(map[string]pendingTerminal, len(a.pending))
	for sessionID, p := range a.pending {
		batch[sessionID] = p
	}
	a.mu.Unlock()

	landed := 0
	var errs []error
	for sessionID, p := range batch {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		err := a.retrier.Do(ctx, "apply_deferred", func(ctx context.Context) error {
			_, err := a.store.UpdateSession(ctx, p.userID, sessionID, p.patch)
			return err
		})
		if err != nil && !Permanent(err) {
			errs = append(errs, fmt.Errorf("session %s: %w", sessionID, err))
			continue
		}
		a.mu.Lock()
		delete(a.pending, sessionID)
		a.mu.Unlock()
		if err != nil {
			a.logger.Printf("deferred update dropped session_id=%s err=%v", sessionID, err)
			continue
		}
		landed++
		a.logger.Printf("deferred update applied session_id=%s status=%s", sessionID, *p.patch.Status)
	}
	return landed, errors.Join(errs...)
}

// Archive writes the history entry for a completed session, retrying
// transient failures. Calling it again for an archived session returns the
// existing entry.
func (a *Archiver) Archive(ctx context.Context, userID, sessionID string) (HistoryEntry, error) {
	var (
		entry   HistoryEntry
		created bool
	)
	err := a.retrier.Do(ctx, "archive", func(ctx context.Context) error {
		var err error
		entry, created, err = a.store.Archive(ctx, userID, sessionID)
		return err
	})
	if err != nil {
		a.logger.Printf("archive failed session_id=%s user_id=%s err=%v", sessionID, userID, err)
		return HistoryEntry{}, err
	}
	if created {
		a.logger.Printf("session archived session_id=%s completed_count=%d hunters_per_minute=%.2f", sessionID, entry.CompletedCount, entry.HuntersPerMinute)
	}
	return entry, nil
}

// Sweep applies deferred terminal updates, then archives completed sessions
// that still lack a history entry. It returns how many entries were written.
func (a *Archiver) Sweep(ctx context.Context, limit int) (int, error) {
	var errs []error
	if _, err := a.FlushPending(ctx); err != nil {
		errs = append(errs, err)
	}
	pending, err := a.store.ListUnarchived(ctx, limit)
	if err != nil {
		errs = append(errs, fmt.Errorf("list unarchived: %w", err))
		return 0, errors.Join(errs...)
	}

	archived := 0
	for _, rec := range pending {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := a.Archive(ctx, rec.UserID, rec.SessionID); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", rec.SessionID, err))
			continue
		}
		archived++
	}
	if archived > 0 {
		a.logger.Printf("rearchive sweep archived=%d pending=%d", archived, len(pending))
	}
	return archived, errors.Join(errs...)
}

// RunSweeper repeats Sweep every interval until ctx is done.
func (a *Archiver) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Sweep(ctx, 100); err != nil && ctx.Err() == nil {
				a.logger.Printf("rearchive sweep err=%v", err)
			}
		}
	}
}
