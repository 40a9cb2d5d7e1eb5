package domain

import (
	"context"

	"github.com/google/uuid"
)

// SagaState is the persisted lifecycle state of a saga.
type SagaState string

const (
	SagaStateCreated      SagaState = "Created"
	SagaStateRunning      SagaState = "Running"
	SagaStateCompleted    SagaState = "Completed"
	SagaStateFailed       SagaState = "Failed"
	SagaStateCompensating SagaState = "Compensating"
	SagaStateCompensated  SagaState = "Compensated"
	SagaStateFatalError   SagaState = "FatalError"
)

// ParseSagaState maps a stored state string back to a SagaState. Unknown
// values report ok=false; callers rehydrate those as Failed so compensation
// can still run.
func ParseSagaState(s string) (SagaState, bool) {
	switch SagaState(s) {
	case SagaStateCreated, SagaStateRunning, SagaStateCompleted, SagaStateFailed,
		SagaStateCompensating, SagaStateCompensated, SagaStateFatalError:
		return SagaState(s), true
	default:
		return SagaStateFailed, false
	}
}

// IsTerminal reports whether no further transition is permitted.
func (s SagaState) IsTerminal() bool {
	switch s {
	case SagaStateCompleted, SagaStateCompensated, SagaStateFatalError:
		return true
	default:
		return false
	}
}

// IsForward reports whether the saga is still on its forward path. Used by
// the load-time heal: cursor past the last step with a forward state promotes
// to Completed.
func (s SagaState) IsForward() bool {
	return s == SagaStateCreated || s == SagaStateRunning
}

// Step is one unit of a saga: an effect and its semantic undo. Execute and
// Compensate must both be idempotent; the coordinator may invoke either more
// than once across crashes and lease expiries.
type Step interface {
	Name() string
	Execute(ctx context.Context, data any) error
	Compensate(ctx context.Context, data any) error
}

// IndexedStep pairs a step with its position in the declared order.
type IndexedStep struct {
	Index int
	Step  Step
}

// SagaInstance is the in-memory state machine for one saga. It is owned by a
// single worker at a time (the outbox lease guarantees exclusivity) and is
// mutated only through the transition methods below. Terminal states guard
// every mutator.
type SagaInstance struct {
	id       uuid.UUID
	state    SagaState
	cursor   int
	data     any
	dataType string
	errorLog []string
	steps    []Step
}

// NewSagaInstance creates a fresh saga in Created with the cursor at zero.
func NewSagaInstance(id uuid.UUID, data any, dataType string, steps []Step) *SagaInstance {
	return &SagaInstance{
		id:       id,
		state:    SagaStateCreated,
		cursor:   0,
		data:     data,
		dataType: dataType,
		steps:    steps,
	}
}

// RestoreSagaInstance rehydrates a saga from its persisted snapshot. A cursor
// at or past the end of the step list combined with a forward state heals to
// Completed.
func RestoreSagaInstance(id uuid.UUID, state SagaState, cursor int, data any, dataType string, errorLog []string, steps []Step) *SagaInstance {
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= len(steps) && state.IsForward() {
		state = SagaStateCompleted
	}
	return &SagaInstance{
		id:       id,
		state:    state,
		cursor:   cursor,
		data:     data,
		dataType: dataType,
		errorLog: append([]string(nil), errorLog...),
		steps:    steps,
	}
}

func (s *SagaInstance) ID() uuid.UUID { return s.id }
func (s *SagaInstance) State() SagaState { return s.state }
func (s *SagaInstance) Cursor() int { return s.cursor }
func (s *SagaInstance) Data() any { return s.data }
func (s *SagaInstance) DataType() string { return s.dataType }
func (s *SagaInstance) IsTerminal() bool { return s.state.IsTerminal() }
func (s *SagaInstance) StepCount() int { return len(s.steps) }

// ErrorLog returns a copy of the accumulated error lines in append order.
func (s *SagaInstance) ErrorLog() []string {
	return append([]string(nil), s.errorLog...)
}

// CurrentStep returns the step at the cursor, or nil when every step has
// executed.
func (s *SagaInstance) CurrentStep() Step {
	if s.cursor < 0 || s.cursor >= len(s.steps) {
		return nil
	}
	return s.steps[s.cursor]
}

// CurrentStepName returns the name of the step at the cursor, or "" when the
// forward path is exhausted.
func (s *SagaInstance) CurrentStepName() string {
	if step := s.CurrentStep(); step != nil {
		return step.Name()
	}
	return ""
}

// ExecutedStepsReverse returns the executed steps in strict reverse order,
// index cursor-1 down to 0. Compensation iterates this slice.
func (s *SagaInstance) ExecutedStepsReverse() []IndexedStep {
	n := s.cursor
	if n > len(s.steps) {
		n = len(s.steps)
	}
	out := make([]IndexedStep, 0, n)
	for i := n - 1; i >= 0; i-- {
		out = append(out, IndexedStep{Index: i, Step: s.steps[i]})
	}
	return out
}

// MarkRunning moves Created to Running.
func (s *SagaInstance) MarkRunning() {
	if s.IsTerminal() || s.state != SagaStateCreated {
		return
	}
	s.state = SagaStateRunning
}

// Advance moves the cursor past a successfully executed step. Reaching the
// end of the step list completes the saga.
func (s *SagaInstance) Advance() {
	if s.IsTerminal() || s.state != SagaStateRunning {
		return
	}
	if s.cursor < len(s.steps) {
		s.cursor++
	}
	if s.cursor >= len(s.steps) {
		s.state = SagaStateCompleted
	}
}

// Fail records a permanent step failure. The cursor stays put so that
// compensation sees exactly the executed prefix.
func (s *SagaInstance) Fail(reason string) {
	if s.IsTerminal() || s.state != SagaStateRunning {
		return
	}
	s.errorLog = append(s.errorLog, reason)
	s.state = SagaStateFailed
}

// MarkCompensating enters the compensation phase from Failed or Running.
func (s *SagaInstance) MarkCompensating() {
	if s.IsTerminal() {
		return
	}
	if s.state != SagaStateFailed && s.state != SagaStateRunning {
		return
	}
	s.state = SagaStateCompensating
}

// MarkCompensated finalizes a compensation pass in which every executed step
// was undone.
func (s *SagaInstance) MarkCompensated() {
	if s.IsTerminal() || s.state != SagaStateCompensating {
		return
	}
	s.state = SagaStateCompensated
}

// MarkFatal finalizes a compensation pass in which at least one compensation
// failed permanently. The saga needs operator attention.
func (s *SagaInstance) MarkFatal(reason string) {
	if s.IsTerminal() || s.state != SagaStateCompensating {
		return
	}
	s.errorLog = append(s.errorLog, reason)
	s.state = SagaStateFatalError
}

// AppendError records an error line without a state transition.
func (s *SagaInstance) AppendError(msg string) {
	if s.IsTerminal() {
		return
	}
	s.errorLog = append(s.errorLog, msg)
}
