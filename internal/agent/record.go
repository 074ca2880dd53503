package agent

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidTransition = errors.New("invalid agent status transition")
	ErrTerminal          = errors.New("agent already in terminal status")
)

type Step struct {
	Type      string         `json:"stepType"`
	Data      map[string]any `json:"stepData,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Record is one research subtask owned by a single session.
type Record struct {
	ID            int      `json:"id"`
	Subtask       string   `json:"subtask"`
	HunterType    string   `json:"hunterType,omitempty"`
	Status        Status   `json:"status"`
	Progress      int      `json:"progress"`
	Result        *string  `json:"result"`
	ExecutionTime *float64 `json:"executionTime,omitempty"`
	CurrentStep   string   `json:"currentStep,omitempty"`
	Message       string   `json:"message,omitempty"`
	Steps         []Step   `json:"steps"`
}

func New(id int, subtask, hunterType string) Record {
	return Record{
		ID:         id,
		Subtask:    strings.TrimSpace(subtask),
		HunterType: strings.TrimSpace(hunterType),
		Status:     StatusQueued,
		Progress:   0,
		Steps:      []Step{},
	}
}

// Update is a progress report for one agent. Nil pointers mean "not reported".
type Update struct {
	Status        Status
	Progress      *int
	Result        *string
	ExecutionTime *float64
	CurrentStep   string
	Message       string
}

// Apply folds an update into the record. Progress never moves backwards; a
// failed agent keeps the highest progress it reached and loses any partial
// result.
func (r *Record) Apply(u Update) error {
	if !u.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, string(u.Status))
	}
	if r.Status.Terminal() {
		return fmt.Errorf("%w: agent %d is %s", ErrTerminal, r.ID, r.Status)
	}
	if u.Status.rank() < r.Status.rank() {
		return fmt.Errorf("%w: agent %d %s -> %s", ErrInvalidTransition, r.ID, r.Status, u.Status)
	}

	progress := DeriveProgress(u.Status)
	if u.Progress != nil {
		progress = clampProgress(*u.Progress)
	}
	if progress > r.Progress {
		r.Progress = progress
	}
	r.Status = u.Status

	switch u.Status {
	case StatusFailed:
		r.Result = nil
	default:
		if u.Result != nil {
			result := *u.Result
			r.Result = &result
		}
	}
	if u.Status.Terminal() && u.ExecutionTime != nil {
		elapsed := *u.ExecutionTime
		if elapsed < 0 {
			elapsed = 0
		}
		r.ExecutionTime = &elapsed
	}
	if u.CurrentStep != "" {
		r.CurrentStep = u.CurrentStep
	}
	if u.Message != "" {
		r.Message = u.Message
	}
	return nil
}

// AppendStep extends the step log without touching status or progress.
func (r *Record) AppendStep(step Step) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: agent %d is %s", ErrTerminal, r.ID, r.Status)
	}
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now().UTC()
	}
	if step.Data != nil {
		step.Data = copyData(step.Data)
	}
	r.Steps = append(r.Steps, step)
	return nil
}

// Reconcile marks an agent that carries a result as completed even if it never
// reported COMPLETED itself. It returns true when the record changed.
func (r *Record) Reconcile() bool {
	if r.Result == nil || r.Status == StatusCompleted {
		return false
	}
	r.Status = StatusCompleted
	r.Progress = 100
	return true
}

func (r Record) Clone() Record {
	out := r
	if r.Result != nil {
		result := *r.Result
		out.Result = &result
	}
	if r.ExecutionTime != nil {
		elapsed := *r.ExecutionTime
		out.ExecutionTime = &elapsed
	}
	out.Steps = make([]Step, len(r.Steps))
	for i, step := range r.Steps {
		out.Steps[i] = step
		if step.Data != nil {
			out.Steps[i].Data = copyData(step.Data)
		}
	}
	return out
}

func CloneAll(records []Record) []Record {
	out := make([]Record, len(records))
	for i, rec := range records {
		out[i] = rec.Clone()
	}
	return out
}

// MeanProgress is the session-level progress: the arithmetic mean of every
// agent's progress.
func MeanProgress(records []Record) float64 {
	if len(records) == 0 {
		return 0
	}
	total := 0
	for _, rec := range records {
		total += rec.Progress
	}
	return float64(total) / float64(len(records))
}

func CompletedCount(records []Record) int {
	count := 0
	for _, rec := range records {
		if rec.Status == StatusCompleted {
			count++
		}
	}
	return count
}

type Outcome struct {
	AgentID       int     `json:"agentId"`
	Subtask       string  `json:"subtask"`
	HunterType    string  `json:"hunterType,omitempty"`
	Status        Status  `json:"status"`
	Result        *string `json:"result"`
	ExecutionTime float64 `json:"executionTime"`
}

func Outcomes(records []Record) []Outcome {
	out := make([]Outcome, 0, len(records))
	for _, rec := range records {
		o := Outcome{
			AgentID:    rec.ID,
			Subtask:    rec.Subtask,
			HunterType: rec.HunterType,
			Status:     rec.Status,
		}
		if rec.Result != nil {
			result := *rec.Result
			o.Result = &result
		}
		if rec.ExecutionTime != nil {
			o.ExecutionTime = *rec.ExecutionTime
		}
		out = append(out, o)
	}
	return out
}

func clampProgress(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func copyData(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
