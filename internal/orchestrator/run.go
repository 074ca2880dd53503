package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"heavy.local/research-gateway/internal/agent"
	"heavy.local/research-gateway/internal/ids"
	"heavy.local/research-gateway/internal/protocol"
	"heavy.local/research-gateway/internal/registry"
	"heavy.local/research-gateway/internal/research"
	"heavy.local/research-gateway/internal/session"
)

// run is the in-memory authority for one live session. rec is only mutated
// from jobs on the session's scheduler worker; mu guards reads from elsewhere.
type run struct {
	sessionID string
	userID    string
	query     string
	started   time.Time
	archived  atomic.Bool

	mu  sync.Mutex
	rec session.SessionRecord
}

func (r *run) snapshot() (session.SessionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.Clone(), !r.rec.Status.Terminal()
}

func (o *Orchestrator) drive(conn *registry.Conn, userID, query string) {
	started := time.Now().UTC()
	plan, err := o.decompose(query)
	if err != nil {
		o.logger.Printf("decomposition failed conn_id=%s user_id=%s err=%v", conn.ID(), userID, err)
		o.rejectStart(conn, userID, err)
		return
	}

	agents := make([]agent.Record, 0, len(plan.Subtasks))
	for i, subtask := range plan.Subtasks {
		agents = append(agents, agent.New(i, subtask, plan.HunterType(i)))
	}
	rec := session.NewSessionRecord(ids.NewSessionID(), userID, query, agents, started)
	err = o.retrier.Do(o.ctx, "create_session", func(ctx context.Context) error {
		var err error
		rec, err = o.store.CreateSession(ctx, rec)
		return err
	})
	if err != nil {
		o.logger.Printf("session create failed user_id=%s err=%v", userID, err)
		o.rejectStart(conn, userID, fmt.Errorf("create session: %w", err))
		return
	}
	if err := o.scheduler.Open(rec.SessionID); err != nil {
		o.logger.Printf("session worker unavailable session_id=%s err=%v", rec.SessionID, err)
		if _, uerr := o.store.UpdateSession(context.Background(), userID, rec.SessionID, failedPatch(err)); uerr != nil {
			o.logger.Printf("session fail persist failed session_id=%s err=%v", rec.SessionID, uerr)
		}
		o.rejectStart(conn, userID, err)
		return
	}

	r := &run{sessionID: rec.SessionID, userID: userID, query: query, started: started, rec: rec}
	o.mu.Lock()
	o.runs[r.sessionID] = r
	o.mu.Unlock()
	defer o.finish(r)

	o.logger.Printf("session created session_id=%s user_id=%s agents=%d complexity=%s", r.sessionID, userID, len(agents), plan.Complexity)

	o.sync(r, func(ctx context.Context) {
		if err := o.conns.Bind(conn.ID(), r.sessionID, userID); err != nil {
			o.logger.Printf("bind starter failed conn_id=%s session_id=%s err=%v", conn.ID(), r.sessionID, err)
		}
		o.emit(r, protocol.TypeSessionCreated, protocol.SessionCreated{SessionID: r.sessionID})
		o.emit(r, protocol.TypeTaskDecomposed, protocol.TaskDecomposed{
			Subtasks:           plan.Subtasks,
			HunterTypes:        plan.HunterTypes,
			ResearchComplexity: plan.Complexity,
		})
		o.advance(ctx, r, session.PhasePlanning)
	})
	o.sync(r, func(ctx context.Context) {
		o.advance(ctx, r, session.PhaseExecuting)
		if len(agents) > 1 {
			o.advance(ctx, r, session.PhaseParallelExecuting)
		}
	})

	var g errgroup.Group
	g.SetLimit(o.cfg.MaxParallelAgents)
	for i, subtask := range plan.Subtasks {
		task := research.Task{AgentID: i, Query: query, Subtask: subtask, HunterType: plan.HunterType(i)}
		g.Go(func() error {
			o.runAgent(r, task)
			return nil
		})
	}
	_ = g.Wait()

	var findings []research.Finding
	o.sync(r, func(ctx context.Context) {
		r.mu.Lock()
		phase := r.rec.CurrentPhase
		completed := agent.CompletedCount(r.rec.Agents)
		total := len(r.rec.Agents)
		for _, a := range r.rec.Agents {
			if a.Result == nil {
				continue
			}
			findings = append(findings, research.Finding{
				AgentID:    a.ID,
				Subtask:    a.Subtask,
				HunterType: a.HunterType,
				Result:     *a.Result,
			})
		}
		r.mu.Unlock()

		o.emit(r, protocol.TypeResearchPhaseComplete, protocol.ResearchPhaseComplete{Phase: phase, ResultsCount: completed})
		o.advance(ctx, r, session.PhaseSynthesizing)
		o.emit(r, protocol.TypeSynthesisStarting, protocol.SynthesisStarting{SuccessfulAgents: completed, TotalAgents: total})
	})

	final, err := o.synthesize(query, findings)
	if err != nil {
		o.logger.Printf("synthesis failed session_id=%s findings=%d err=%v", r.sessionID, len(findings), err)
		o.sync(r, func(ctx context.Context) { o.fail(ctx, r, err) })
		return
	}

	var committed bool
	o.sync(r, func(ctx context.Context) { committed = o.complete(ctx, r, final) })
	if committed {
		o.archive(r)
	}
}

func (o *Orchestrator) decompose(query string) (research.Plan, error) {
	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.DecompositionTimeout)
	defer cancel()
	plan, err := o.suite.Decomposer.Decompose(ctx, query, o.cfg.ParallelAgents)
	if err != nil {
		return research.Plan{}, fmt.Errorf("%w: %w", ErrDecomposition, err)
	}
	if len(plan.Subtasks) == 0 {
		return research.Plan{}, fmt.Errorf("%w: %w", ErrDecomposition, research.ErrNoSubtasks)
	}
	return plan, nil
}

func (o *Orchestrator) synthesize(query string, findings []research.Finding) (string, error) {
	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.SynthesisTimeout)
	defer cancel()
	final, err := o.suite.Synthesizer.Synthesize(ctx, query, findings)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSynthesis, err)
	}
	return final, nil
}

// rejectStart answers a start that never produced a live session.
func (o *Orchestrator) rejectStart(conn *registry.Conn, userID string, err error) {
	msg, encErr := protocol.NewMessage(protocol.TypeResearchError, protocol.ResearchError{Error: err.Error()})
	if encErr != nil {
		o.logger.Printf("encode message type=%s err=%v", protocol.TypeResearchError, encErr)
		return
	}
	conn.Send(msg)
	o.dispatch("", userID, msg)
}

// sync runs fn on the session worker and waits for it.
func (o *Orchestrator) sync(r *run, fn session.Job) {
	done := make(chan struct{})
	err := o.scheduler.Enqueue(context.Background(), r.sessionID, func(ctx context.Context) {
		defer close(done)
		fn(ctx)
	})
	if err != nil {
		o.logger.Printf("session job rejected session_id=%s err=%v", r.sessionID, err)
		return
	}
	<-done
}

func (o *Orchestrator) submit(r *run, fn session.Job) {
	if err := o.scheduler.Enqueue(context.Background(), r.sessionID, fn); err != nil {
		o.logger.Printf("session job dropped session_id=%s err=%v", r.sessionID, err)
	}
}

func (o *Orchestrator) emit(r *run, typ protocol.MessageType, payload any) {
	msg, err := protocol.NewMessage(typ, payload)
	if err != nil {
		o.logger.Printf("encode message session_id=%s type=%s err=%v", r.sessionID, typ, err)
		return
	}
	o.conns.Publish(r.sessionID, msg)
	o.dispatch(r.sessionID, r.userID, msg)
}

func (o *Orchestrator) persist(ctx context.Context, r *run, op string, patch session.SessionPatch) error {
	err := o.retrier.Do(ctx, op, func(ctx context.Context) error {
		_, err := o.store.UpdateSession(ctx, r.userID, r.sessionID, patch)
		return err
	})
	if err != nil {
		o.logger.Printf("session persist failed session_id=%s op=%s err=%v", r.sessionID, op, err)
	}
	return err
}

func (o *Orchestrator) advance(ctx context.Context, r *run, phase session.Phase) {
	r.mu.Lock()
	from := r.rec.CurrentPhase
	if from == phase || !from.CanAdvanceTo(phase) {
		r.mu.Unlock()
		o.logger.Printf("phase change skipped session_id=%s from=%s to=%s", r.sessionID, from, phase)
		return
	}
	r.rec.CurrentPhase = phase
	r.rec.LastUpdated = time.Now().UTC()
	r.mu.Unlock()

	o.logger.Printf("phase session_id=%s from=%s to=%s", r.sessionID, from, phase)
	o.emit(r, protocol.TypeResearchPhaseStart, protocol.ResearchPhaseStart{Phase: phase, PhaseName: protocol.PhaseName(phase)})
	_ = o.persist(ctx, r, "advance_phase", session.SessionPatch{CurrentPhase: &phase})
}

// complete commits the terminal success state and reports whether the store
// accepted it. A refused completion is deferred, not dropped.
func (o *Orchestrator) complete(ctx context.Context, r *run, final string) bool {
	r.mu.Lock()
	if r.rec.Status.Terminal() {
		r.mu.Unlock()
		return false
	}
	for i := range r.rec.Agents {
		if r.rec.Agents[i].Reconcile() {
			o.logger.Printf("agent reconciled session_id=%s agent_id=%d", r.sessionID, r.rec.Agents[i].ID)
		}
	}
	now := time.Now().UTC()
	totalTime := now.Sub(r.started).Seconds()
	status := session.StatusCompleted
	phase := session.PhaseComplete
	r.rec.Status = status
	r.rec.CurrentPhase = phase
	r.rec.FinalResult = &final
	r.rec.TotalTime = totalTime
	r.rec.Progress = agent.MeanProgress(r.rec.Agents)
	r.rec.LastUpdated = now
	completed := agent.CompletedCount(r.rec.Agents)
	msg := protocol.OrchestrationComplete{
		FinalResult:    final,
		AgentResults:   agent.Outcomes(r.rec.Agents),
		TotalTime:      totalTime,
		CompletedCount: completed,
	}
	patch := session.SessionPatch{
		Status:       &status,
		CurrentPhase: &phase,
		Agents:       agent.CloneAll(r.rec.Agents),
		FinalResult:  &final,
		TotalTime:    &totalTime,
	}
	r.mu.Unlock()

	o.logger.Printf("session completed session_id=%s completed=%d total_time=%.2f", r.sessionID, completed, totalTime)
	committed := o.persistTerminal(ctx, r, "complete_session", patch)
	o.emit(r, protocol.TypeOrchestrationComplete, msg)
	return committed
}

func (o *Orchestrator) fail(ctx context.Context, r *run, cause error) {
	r.mu.Lock()
	if r.rec.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	patch := failedPatch(cause)
	r.rec.Status = *patch.Status
	r.rec.CurrentPhase = *patch.CurrentPhase
	r.rec.Error = *patch.Error
	r.rec.FinalResult = nil
	r.rec.LastUpdated = time.Now().UTC()
	patch.Agents = agent.CloneAll(r.rec.Agents)
	r.mu.Unlock()

	o.logger.Printf("session failed session_id=%s err=%v", r.sessionID, cause)
	o.persistTerminal(ctx, r, "fail_session", patch)
	o.emit(r, protocol.TypeResearchError, protocol.ResearchError{Error: cause.Error(), SessionID: r.sessionID})
}

// persistTerminal stores a terminal patch. When the store keeps refusing it,
// the patch is handed to the archiver, whose sweep applies it later, and
// false is returned.
func (o *Orchestrator) persistTerminal(ctx context.Context, r *run, op string, patch session.SessionPatch) bool {
	if err := o.persist(ctx, r, op, patch); err != nil {
		if !session.Permanent(err) {
			o.archiver.Defer(r.userID, r.sessionID, patch)
		}
		return false
	}
	return true
}

// archive writes the history entry once per run. A failure leaves the session
// completed but unarchived, where the sweep picks it up.
func (o *Orchestrator) archive(r *run) {
	if !r.archived.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultArchiveTimeout)
	defer cancel()
	_, _ = o.archiver.Archive(ctx, r.userID, r.sessionID)
}

func (o *Orchestrator) finish(r *run) {
	o.mu.Lock()
	delete(o.runs, r.sessionID)
	o.mu.Unlock()

	o.scheduler.Release(r.sessionID)
	if n := o.conns.UnbindSession(r.sessionID); n > 0 {
		o.logger.Printf("session viewers detached session_id=%s connections=%d", r.sessionID, n)
	}
}

func failedPatch(cause error) session.SessionPatch {
	status := session.StatusFailed
	phase := session.PhaseError
	reason := cause.Error()
	return session.SessionPatch{Status: &status, CurrentPhase: &phase, Error: &reason}
}
