package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"heavy.local/research-gateway/internal/agent"
	"heavy.local/research-gateway/internal/dispatch"
	"heavy.local/research-gateway/internal/ids"
	"heavy.local/research-gateway/internal/protocol"
	"heavy.local/research-gateway/internal/registry"
	"heavy.local/research-gateway/internal/research"
	"heavy.local/research-gateway/internal/session"
)

var (
	ErrClosed           = errors.New("orchestrator closed")
	ErrNoIdentity       = errors.New("connection has no identity")
	ErrDecomposition    = errors.New("decomposition failed")
	ErrSynthesis        = errors.New("synthesis failed")
	ErrReconnectRefused = errors.New("reconnect refused")
)

const (
	defaultParallelAgents       = 4
	defaultMaxParallelAgents    = 6
	defaultAgentTimeout         = 5 * time.Minute
	defaultDecompositionTimeout = 2 * time.Minute
	defaultSynthesisTimeout     = 5 * time.Minute
	defaultArchiveTimeout       = 30 * time.Second
)

type Config struct {
	// ParallelAgents is the number of subtasks asked of the decomposer. The
	// decomposer may return fewer.
	ParallelAgents int
	// MaxParallelAgents bounds how many agents of one session execute at once.
	MaxParallelAgents    int
	AgentTimeout         time.Duration
	DecompositionTimeout time.Duration
	SynthesisTimeout     time.Duration
	SessionQueueSize     int
	RetryCount           int
	RetryBackoff         time.Duration
}

func (c Config) withDefaults() Config {
	if c.ParallelAgents <= 0 {
		c.ParallelAgents = defaultParallelAgents
	}
	if c.MaxParallelAgents <= 0 {
		c.MaxParallelAgents = defaultMaxParallelAgents
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = defaultAgentTimeout
	}
	if c.DecompositionTimeout <= 0 {
		c.DecompositionTimeout = defaultDecompositionTimeout
	}
	if c.SynthesisTimeout <= 0 {
		c.SynthesisTimeout = defaultSynthesisTimeout
	}
	return c
}

// Orchestrator drives research sessions from decomposition to archival. Every
// mutation of a session runs on that session's scheduler worker, so progress
// and step events for one session are applied and published in order.
type Orchestrator struct {
	logger     *log.Logger
	cfg        Config
	store      session.Store
	archiver   *session.Archiver
	retrier    session.Retrier
	scheduler  *session.Scheduler
	conns      *registry.Registry
	dispatcher *dispatch.Dispatcher
	suite      research.Suite

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
}

func New(logger *log.Logger, cfg Config, store session.Store, conns *registry.Registry, dispatcher *dispatch.Dispatcher, suite research.Suite) *Orchestrator {
	cfg = cfg.withDefaults()
	retrier := session.NewRetrier(logger, cfg.RetryCount, cfg.RetryBackoff)
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		logger:     logger,
		cfg:        cfg,
		store:      store,
		archiver:   session.NewArchiver(store, logger, retrier),
		retrier:    retrier,
		scheduler:  session.NewScheduler(logger, cfg.SessionQueueSize),
		conns:      conns,
		dispatcher: dispatcher,
		suite:      suite,
		ctx:        ctx,
		cancel:     cancel,
		runs:       make(map[string]*run),
	}
}

// Start validates the request and runs the session in the background. The
// session outlives conn: a disconnect only stops delivery to that connection.
// Failures after validation reach the client as research_error events.
func (o *Orchestrator) Start(_ context.Context, conn *registry.Conn, query string) error {
	query = strings.TrimSpace(query)
	if query == "" {
		return research.ErrEmptyQuery
	}
	userID := conn.UserID()
	if userID == "" {
		return ErrNoIdentity
	}
	if !o.track() {
		return ErrClosed
	}
	go func() {
		defer o.wg.Done()
		o.drive(conn, userID, query)
	}()
	return nil
}

// Reconnect reattaches conn to one of its identity's ongoing sessions and
// sends the current snapshot. Every refusal is answered with
// reconnect_failed and nothing else.
func (o *Orchestrator) Reconnect(ctx context.Context, conn *registry.Conn, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	err := o.reconnect(ctx, conn, sessionID)
	if err != nil {
		o.logger.Printf("reconnect refused conn_id=%s session_id=%s user_id=%s err=%v", conn.ID(), sessionID, conn.UserID(), err)
		o.sendDirect(conn, protocol.TypeReconnectFailed, protocol.ReconnectFailed{SessionID: sessionID})
	}
	return err
}

func (o *Orchestrator) reconnect(ctx context.Context, conn *registry.Conn, sessionID string) error {
	if !ids.ValidSessionID(sessionID) {
		return fmt.Errorf("%w: malformed session id", ErrReconnectRefused)
	}
	userID := conn.UserID()
	if userID == "" {
		return fmt.Errorf("%w: %v", ErrReconnectRefused, ErrNoIdentity)
	}
	rec, err := o.store.GetSession(ctx, userID, sessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReconnectRefused, err)
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("%w: session is %s", ErrReconnectRefused, rec.Status)
	}
	r, ok := o.lookup(sessionID)
	if !ok || r.userID != userID {
		return fmt.Errorf("%w: no live run", ErrReconnectRefused)
	}

	err = o.scheduler.TryEnqueue(sessionID, func(context.Context) {
		snapshot, live := r.snapshot()
		if !live {
			o.logger.Printf("reconnect refused conn_id=%s session_id=%s err=session finished", conn.ID(), sessionID)
			o.sendDirect(conn, protocol.TypeReconnectFailed, protocol.ReconnectFailed{SessionID: sessionID})
			return
		}
		o.sendDirect(conn, protocol.TypeSessionReconnected, protocol.SessionReconnected{
			SessionID:    snapshot.SessionID,
			Query:        snapshot.Query,
			CurrentPhase: snapshot.CurrentPhase,
			Agents:       snapshot.Agents,
			Status:       snapshot.Status,
			Progress:     snapshot.Progress,
		})
		if err := o.conns.Bind(conn.ID(), sessionID, userID); err != nil {
			o.logger.Printf("reconnect bind failed conn_id=%s session_id=%s err=%v", conn.ID(), sessionID, err)
			return
		}
		o.logger.Printf("session reconnected conn_id=%s session_id=%s phase=%s", conn.ID(), sessionID, snapshot.CurrentPhase)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReconnectRefused, err)
	}
	return nil
}

// ActiveSessions lists the caller's ongoing sessions, newest first.
func (o *Orchestrator) ActiveSessions(ctx context.Context, userID string) ([]session.Summary, error) {
	recs, err := o.store.ListOngoing(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	out := make([]session.Summary, 0, len(recs))
	for _, rec := range recs {
		// Finished here; the store has not caught up yet.
		if o.archiver.Pending(rec.SessionID) {
			continue
		}
		out = append(out, rec.Summary())
	}
	return out, nil
}

// Archiver is the archiver holding this orchestrator's deferred terminal
// updates. Its sweep should run for as long as the orchestrator does.
func (o *Orchestrator) Archiver() *session.Archiver {
	return o.archiver
}

// Close cancels in-flight agents and model calls, waits for every running
// session to reach a terminal state, then makes one last attempt at storing
// deferred terminal updates.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
	o.scheduler.Close()

	ctx, cancel := context.WithTimeout(context.Background(), defaultArchiveTimeout)
	defer cancel()
	if _, err := o.archiver.FlushPending(ctx); err != nil {
		o.logger.Printf("deferred terminal updates not stored err=%v", err)
	}
}

func (o *Orchestrator) track() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.wg.Add(1)
	return true
}

func (o *Orchestrator) lookup(sessionID string) (*run, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[sessionID]
	return r, ok
}

// sendDirect delivers to one connection only, outside any session binding.
func (o *Orchestrator) sendDirect(conn *registry.Conn, typ protocol.MessageType, payload any) {
	msg, err := protocol.NewMessage(typ, payload)
	if err != nil {
		o.logger.Printf("encode message type=%s err=%v", typ, err)
		return
	}
	conn.Send(msg)
}

func (o *Orchestrator) dispatch(sessionID, userID string, msg protocol.Message) {
	o.dispatcher.Dispatch(o.ctx, protocol.Event{
		EventID:    ids.New(),
		SessionID:  sessionID,
		UserID:     userID,
		OccurredAt: time.Now().UTC(),
		Message:    msg,
	})
}

func agentUpdateMessage(rec agent.Record, sessionProgress float64) protocol.AgentProgress {
	progress := rec.Progress
	msg := protocol.AgentProgress{
		AgentID:         rec.ID,
		Status:          rec.Status,
		Progress:        &progress,
		CurrentStep:     rec.CurrentStep,
		Message:         rec.Message,
		SessionProgress: sessionProgress,
	}
	if rec.Result != nil {
		result := *rec.Result
		msg.Result = &result
	}
	if rec.ExecutionTime != nil {
		elapsed := *rec.ExecutionTime
		msg.ExecutionTime = &elapsed
	}
	return msg
}
