package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"heavy.local/research-gateway/internal/agent"
	"heavy.local/research-gateway/internal/protocol"
	"heavy.local/research-gateway/internal/research"
	"heavy.local/research-gateway/internal/session"
)

// Step-reported progress stays below 100 until the agent actually completes.
const stepProgressCap = 95

var errEmptyResult = errors.New("agent returned an empty result")

type outcome struct {
	result string
	err    error
}

// runAgent executes one subtask under the agent timeout and commits its
// terminal status. An executor that overruns is abandoned; anything it reports
// afterwards is dropped. The executor goroutine is still counted by Close, so
// it has to return once ctx is done.
func (o *Orchestrator) runAgent(r *run, task research.Task) {
	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.AgentTimeout)
	defer cancel()

	rep := &reporter{o: o, r: r, agentID: task.AgentID}
	started := time.Now()
	done := make(chan outcome, 1)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		result, err := o.suite.Executor.Execute(ctx, task, rep)
		done <- outcome{result: result, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = outcome{err: ctx.Err()}
	}
	rep.closed.Store(true)
	elapsed := time.Since(started).Seconds()

	o.sync(r, func(ctx context.Context) {
		blank := out.err == nil && strings.TrimSpace(out.result) == ""
		if blank && o.carriesResult(r, task.AgentID) {
			// Left for synthesis to reconcile.
			o.logger.Printf("agent result carried by progress session_id=%s agent_id=%d elapsed=%.2f", r.sessionID, task.AgentID, elapsed)
			return
		}
		if blank {
			out.err = errEmptyResult
		}

		update := agent.Update{ExecutionTime: &elapsed}
		if out.err != nil {
			update.Status = agent.StatusFailed
			update.Message = o.failureMessage(out.err)
			o.logger.Printf("agent failed session_id=%s agent_id=%d elapsed=%.2f err=%v", r.sessionID, task.AgentID, elapsed, out.err)
		} else {
			result := out.result
			update.Status = agent.StatusCompleted
			update.Result = &result
			o.logger.Printf("agent completed session_id=%s agent_id=%d elapsed=%.2f", r.sessionID, task.AgentID, elapsed)
		}
		o.applyUpdate(ctx, r, task.AgentID, update)
	})
}

func (o *Orchestrator) carriesResult(r *run, agentID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agentID < 0 || agentID >= len(r.rec.Agents) {
		return false
	}
	a := r.rec.Agents[agentID]
	return a.Result != nil && !a.Status.Terminal()
}

func (o *Orchestrator) failureMessage(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("timed out after %s", o.cfg.AgentTimeout)
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return err.Error()
	}
}

func (o *Orchestrator) applyUpdate(ctx context.Context, r *run, agentID int, u agent.Update) {
	r.mu.Lock()
	if agentID < 0 || agentID >= len(r.rec.Agents) {
		r.mu.Unlock()
		o.logger.Printf("agent update ignored session_id=%s agent_id=%d err=unknown agent", r.sessionID, agentID)
		return
	}
	a := &r.rec.Agents[agentID]
	if err := a.Apply(u); err != nil {
		r.mu.Unlock()
		o.logger.Printf("agent update ignored session_id=%s agent_id=%d err=%v", r.sessionID, agentID, err)
		return
	}
	r.rec.Progress = agent.MeanProgress(r.rec.Agents)
	r.rec.LastUpdated = time.Now().UTC()
	msg := agentUpdateMessage(*a, r.rec.Progress)
	agents := agent.CloneAll(r.rec.Agents)
	r.mu.Unlock()

	o.emit(r, protocol.TypeAgentProgress, msg)
	_ = o.persist(ctx, r, "agent_progress", session.SessionPatch{Agents: agents})
}

// applyStep appends to the step log. A step that carries progress also moves
// the agent to PROCESSING at that progress, capped below completion.
func (o *Orchestrator) applyStep(ctx context.Context, r *run, agentID int, s research.Step) {
	now := time.Now().UTC()
	r.mu.Lock()
	if agentID < 0 || agentID >= len(r.rec.Agents) {
		r.mu.Unlock()
		o.logger.Printf("agent step ignored session_id=%s agent_id=%d err=unknown agent", r.sessionID, agentID)
		return
	}
	a := &r.rec.Agents[agentID]
	if err := a.AppendStep(agent.Step{Type: s.Type, Data: s.Data, Timestamp: now}); err != nil {
		r.mu.Unlock()
		o.logger.Printf("agent step ignored session_id=%s agent_id=%d err=%v", r.sessionID, agentID, err)
		return
	}
	stored := a.Steps[len(a.Steps)-1]
	stepMsg := protocol.AgentStep{AgentID: agentID, StepType: stored.Type, StepData: stored.Data, Timestamp: stored.Timestamp}
	if stepMsg.StepData == nil {
		stepMsg.StepData = map[string]any{}
	}

	var progressMsg *protocol.AgentProgress
	if s.Progress != nil {
		p := min(*s.Progress, stepProgressCap)
		if err := a.Apply(agent.Update{Status: agent.StatusProcessing, Progress: &p, CurrentStep: s.Type}); err != nil {
			o.logger.Printf("step progress ignored session_id=%s agent_id=%d err=%v", r.sessionID, agentID, err)
		} else {
			r.rec.Progress = agent.MeanProgress(r.rec.Agents)
			msg := agentUpdateMessage(*a, r.rec.Progress)
			progressMsg = &msg
		}
	}
	r.rec.LastUpdated = now
	agents := agent.CloneAll(r.rec.Agents)
	r.mu.Unlock()

	o.emit(r, protocol.TypeAgentStep, stepMsg)
	if progressMsg != nil {
		o.emit(r, protocol.TypeAgentProgress, *progressMsg)
	}
	_ = o.persist(ctx, r, "agent_step", session.SessionPatch{Agents: agents})
}

// reporter forwards an executor's reports onto the session worker. Reports
// made after the agent's terminal update are rejected by the record itself.
type reporter struct {
	o       *Orchestrator
	r       *run
	agentID int
	closed  atomic.Bool
}

func (rp *reporter) Progress(p research.Progress) {
	if rp.closed.Load() {
		return
	}
	if p.Status.Terminal() {
		rp.o.logger.Printf("agent progress ignored session_id=%s agent_id=%d err=terminal status %s is reported by the run", rp.r.sessionID, rp.agentID, p.Status)
		return
	}
	update := agent.Update{Status: p.Status, CurrentStep: p.CurrentStep, Message: p.Message}
	if p.Progress != nil {
		v := *p.Progress
		update.Progress = &v
	}
	if p.Result != nil {
		result := *p.Result
		update.Result = &result
	}
	if p.ExecutionTime != nil {
		elapsed := *p.ExecutionTime
		update.ExecutionTime = &elapsed
	}
	rp.o.submit(rp.r, func(ctx context.Context) {
		rp.o.applyUpdate(ctx, rp.r, rp.agentID, update)
	})
}

func (rp *reporter) Step(s research.Step) {
	if rp.closed.Load() {
		return
	}
	if s.Progress != nil {
		v := *s.Progress
		s.Progress = &v
	}
	if s.Data != nil {
		data := make(map[string]any, len(s.Data))
		for k, v := range s.Data {
			data[k] = v
		}
		s.Data = data
	}
	rp.o.submit(rp.r, func(ctx context.Context) {
		rp.o.applyStep(ctx, rp.r, rp.agentID, s)
	})
}
