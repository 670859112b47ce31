// Package models defines the session, flow-state, and API structures shared by FlowGuide modules.
package models

import (
	"errors"
	"fmt"
	"time"
)

// FlowStatus is the lifecycle status of a FlowState.
type FlowStatus string

const (
	StatusActive      FlowStatus = "active"
	StatusInterrupted FlowStatus = "interrupted"
	StatusCompleted   FlowStatus = "completed"
	StatusAbandoned   FlowStatus = "abandoned"
)

// FlowState is the position of a session inside one flow.
type FlowState struct {
	FlowID    string     `json:"flow_id"`
	Scenario  Scenario   `json:"scenario"`
	Step      int        `json:"step"`
	Status    FlowStatus `json:"status"`
	EnteredAt time.Time  `json:"entered_at"`
	// StepTurns counts user turns answered at the current step.
	StepTurns int `json:"step_turns"`
	// FlowTurns counts user turns answered inside this flow.
	FlowTurns int `json:"flow_turns"`
}

// SessionState is the orchestrator-owned state of one session: the active
// flow (nil when idle), the interruption stack, and the most recently ended flow.
type SessionState struct {
	Active *FlowState  `json:"active,omitempty"`
	Stack  []FlowState `json:"stack,omitempty"`
	Last   *FlowState  `json:"last,omitempty"`
}

// Idle reports whether no flow is active.
func (s SessionState) Idle() bool {
	return s.Active == nil
}

// Clone returns a deep copy so callers can mutate it freely.
func (s SessionState) Clone() SessionState {
	out := SessionState{}
	if s.Active != nil {
		a := *s.Active
		out.Active = &a
	}
	if len(s.Stack) > 0 {
		out.Stack = make([]FlowState, len(s.Stack))
		copy(out.Stack, s.Stack)
	}
	if s.Last != nil {
		l := *s.Last
		out.Last = &l
	}
	return out
}

var (
	ErrMultipleActive  = errors.New("more than one active flow")
	ErrStackOverflow   = errors.New("interruption stack exceeds maximum depth")
	ErrInvalidStatus   = errors.New("flow state has an invalid status for its position")
	ErrNegativeStepIdx = errors.New("flow state has a negative step index")
)

// Validate checks the structural invariants of a session state: the active
// slot holds an Active flow, every stacked flow is Interrupted, the last slot
// holds a terminal flow, and the stack respects maxDepth (when positive).
func (s SessionState) Validate(maxDepth int) error {
	if s.Active != nil {
		if s.Active.Status != StatusActive {
			return fmt.Errorf("%w: active slot is %s", ErrInvalidStatus, s.Active.Status)
		}
		if s.Active.Step < 0 {
			return ErrNegativeStepIdx
		}
	}
	for i, fs := range s.Stack {
		if fs.Status == StatusActive {
			return fmt.Errorf("%w: stack[%d]", ErrMultipleActive, i)
		}
		if fs.Status != StatusInterrupted {
			return fmt.Errorf("%w: stack[%d] is %s", ErrInvalidStatus, i, fs.Status)
		}
		if fs.Step < 0 {
			return ErrNegativeStepIdx
		}
	}
	if s.Last != nil && s.Last.Status != StatusCompleted && s.Last.Status != StatusAbandoned {
		return fmt.Errorf("%w: last slot is %s", ErrInvalidStatus, s.Last.Status)
	}
	if maxDepth > 0 && len(s.Stack) > maxDepth {
		return fmt.Errorf("%w: %d > %d", ErrStackOverflow, len(s.Stack), maxDepth)
	}
	return nil
}

// TransitionKind names a state-machine edge taken while handling a turn.
type TransitionKind string

const (
	TransitionStart     TransitionKind = "start"
	TransitionAdvance   TransitionKind = "advance"
	TransitionRepeat    TransitionKind = "repeat"
	TransitionInterrupt TransitionKind = "interrupt"
	TransitionResume    TransitionKind = "resume"
	TransitionComplete  TransitionKind = "complete"
	TransitionAbandon   TransitionKind = "abandon"
	// TransitionHold records a routing decision that was not allowed to preempt.
	TransitionHold TransitionKind = "hold"
)

// Transition is one edge taken by the state machine.
type Transition struct {
	Kind     TransitionKind `json:"kind"`
	FlowID   string         `json:"flow_id"`
	Scenario Scenario       `json:"scenario,omitempty"`
	Step     int            `json:"step"`
	Reason   string         `json:"reason,omitempty"`
}
