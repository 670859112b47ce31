package flow

import (
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/FlowGuide/internal/models"
	"github.com/BTreeMap/FlowGuide/internal/registry"
)

// MachineConfig bounds the state machine.
type MachineConfig struct {
	// MaxStackDepth is the number of suspended flows a session may hold.
	MaxStackDepth int
	// StopPhrases abandon the active flow when a message consists of one of them.
	StopPhrases []string
}

// Input is everything the machine needs to apply one turn.
type Input struct {
	Text     string
	Decision models.ScenarioDecision
	Time     time.Time
}

// PresentationKind says what the engine should show for a flow position.
type PresentationKind string

const (
	PresentStep       PresentationKind = "step"
	PresentReprompt   PresentationKind = "reprompt"
	PresentResume     PresentationKind = "resume"
	PresentCompletion PresentationKind = "completion"
	PresentAbandon    PresentationKind = "abandon"
	// PresentIdle is used when a stop phrase arrives with nothing active.
	PresentIdle PresentationKind = "idle"
)

// Presentation is one piece of the reply, in order.
type Presentation struct {
	Kind   PresentationKind
	FlowID string
	Step   int
}

// StepRef identifies the step a reply finished.
type StepRef struct {
	FlowID    string
	Step      int
	Technique string
}

// Outcome is the result of applying one turn.
type Outcome struct {
	State         models.SessionState
	Transitions   []models.Transition
	Presentations []Presentation
	// Rating is the 1-10 rating found while evaluating a rating step.
	Rating *int
	// Finished is set when the reply satisfied the step it answered.
	Finished *StepRef
	// Gap is set when the decided scenario had no registered flow and the
	// fallback flow was used instead.
	Gap error
}

// Machine applies turns to session state. It reads only the immutable
// registry, so Advance is a pure function of its arguments and replaying the
// same inputs always yields the same state.
type Machine struct {
	reg *registry.Registry
	cfg MachineConfig
}

// NewMachine creates a Machine.
func NewMachine(reg *registry.Registry, cfg MachineConfig) *Machine {
	if cfg.MaxStackDepth < 0 {
		cfg.MaxStackDepth = 0
	}
	return &Machine{reg: reg, cfg: cfg}
}

// Advance applies one turn to state and returns the new state. The input
// state is not modified.
func (m *Machine) Advance(state models.SessionState, in Input) Outcome {
	st := state.Clone()
	out := &Outcome{}

	if st.Active != nil {
		if _, ok := m.reg.ByID(st.Active.FlowID); !ok {
			m.abandon(&st, out, "flow is no longer registered")
		}
	}

	switch {
	case st.Active == nil:
		m.fromIdle(&st, out, in)
	case m.isStop(in.Text):
		flowID := st.Active.FlowID
		m.abandon(&st, out, "user asked to stop")
		out.Presentations = append(out.Presentations, Presentation{Kind: PresentAbandon, FlowID: flowID})
	default:
		if !m.preempt(&st, out, in) {
			m.advanceActive(&st, out, in)
		}
	}

	out.State = st
	return *out
}

// Replay rebuilds session state by applying the recorded inputs of each turn in order.
func (m *Machine) Replay(turns []models.Turn) models.SessionState {
	var st models.SessionState
	for _, t := range turns {
		st = m.Advance(st, Input{Text: t.Text, Decision: t.Decision, Time: t.Timestamp}).State
	}
	return st
}

func (m *Machine) fromIdle(st *models.SessionState, out *Outcome, in Input) {
	if in.Decision.Continue() && m.isStop(in.Text) {
		out.Presentations = append(out.Presentations, Presentation{Kind: PresentIdle})
		return
	}
	scenario := in.Decision.Scenario
	if scenario == "" {
		scenario = models.ScenarioGeneral
	}
	m.start(st, out, scenario, in.Time)
}

func (m *Machine) start(st *models.SessionState, out *Outcome, scenario models.Scenario, now time.Time) {
	f, err := m.reg.Resolve(scenario)
	if err != nil && scenario != models.ScenarioGeneral {
		out.Gap = err
	}
	st.Active = &models.FlowState{
		FlowID:    f.ID,
		Scenario:  f.Scenario,
		Status:    models.StatusActive,
		EnteredAt: now,
	}
	out.Transitions = append(out.Transitions, models.Transition{
		Kind:     models.TransitionStart,
		FlowID:   f.ID,
		Scenario: f.Scenario,
	})
	out.Presentations = append(out.Presentations, Presentation{Kind: PresentStep, FlowID: f.ID})
}

// preempt starts the decided scenario's flow in place of the active one when
// the active flow allows it. It reports whether the active flow was replaced.
func (m *Machine) preempt(st *models.SessionState, out *Outcome, in Input) bool {
	if in.Decision.Continue() {
		return false
	}
	target, _ := m.reg.Resolve(in.Decision.Scenario)
	active := st.Active
	if target.ID == active.FlowID {
		return false
	}
	current, _ := m.reg.ByID(active.FlowID)
	priority := in.Decision.Scenario.Priority()

	if reason, ok := interruptible(current, active.Step, priority); !ok {
		out.Transitions = append(out.Transitions, hold(active, in.Decision.Scenario, reason))
		return false
	}

	suspend := current.Resumable
	if suspend && len(st.Stack) >= m.cfg.MaxStackDepth {
		if priority < models.PriorityCritical {
			out.Transitions = append(out.Transitions, hold(active, in.Decision.Scenario, "interruption stack is full"))
			return false
		}
		suspend = false
	}

	if suspend {
		s := *active
		s.Status = models.StatusInterrupted
		st.Stack = append(st.Stack, s)
		st.Active = nil
		out.Transitions = append(out.Transitions, models.Transition{
			Kind:     models.TransitionInterrupt,
			FlowID:   s.FlowID,
			Scenario: s.Scenario,
			Step:     s.Step,
			Reason:   fmt.Sprintf("preempted by %s", in.Decision.Scenario),
		})
	} else {
		m.abandon(st, out, fmt.Sprintf("preempted by %s", in.Decision.Scenario))
	}
	m.start(st, out, in.Decision.Scenario, in.Time)
	return true
}

func interruptible(f *registry.Flow, step int, priority models.Priority) (string, bool) {
	if priority >= models.PriorityCritical {
		return "", true
	}
	if !f.Interrupt.Interruptible {
		return fmt.Sprintf("flow %s is not interruptible", f.ID), false
	}
	if step < len(f.Steps) && f.Steps[step].NonInterruptible {
		return fmt.Sprintf("step %s is not interruptible", f.Steps[step].ID), false
	}
	if priority < f.Interrupt.MinPriority {
		return fmt.Sprintf("priority %s below %s required by %s", priority, f.Interrupt.MinPriority, f.ID), false
	}
	return "", true
}

func hold(active *models.FlowState, wanted models.Scenario, reason string) models.Transition {
	return models.Transition{
		Kind:     models.TransitionHold,
		FlowID:   active.FlowID,
		Scenario: wanted,
		Step:     active.Step,
		Reason:   reason,
	}
}

func (m *Machine) advanceActive(st *models.SessionState, out *Outcome, in Input) {
	active := st.Active
	f, _ := m.reg.ByID(active.FlowID)
	if active.Step >= len(f.Steps) {
		m.complete(st, out, in)
		return
	}
	step := f.Steps[active.Step]

	active.StepTurns++
	active.FlowTurns++
	ev := step.Completion.Evaluate(in.Text, active.StepTurns)
	out.Rating = ev.Rating

	if !ev.Satisfied {
		if budgetSpent(f, active) {
			m.abandonWithNotice(st, out, "turn budget exhausted")
			return
		}
		out.Transitions = append(out.Transitions, models.Transition{
			Kind:     models.TransitionRepeat,
			FlowID:   f.ID,
			Scenario: f.Scenario,
			Step:     active.Step,
		})
		out.Presentations = append(out.Presentations, Presentation{Kind: PresentReprompt, FlowID: f.ID, Step: active.Step})
		return
	}

	out.Finished = &StepRef{FlowID: f.ID, Step: active.Step, Technique: step.Technique}
	active.Step++
	active.StepTurns = 0
	if active.Step >= len(f.Steps) {
		m.complete(st, out, in)
		return
	}
	if budgetSpent(f, active) {
		m.abandonWithNotice(st, out, "turn budget exhausted")
		return
	}
	out.Transitions = append(out.Transitions, models.Transition{
		Kind:     models.TransitionAdvance,
		FlowID:   f.ID,
		Scenario: f.Scenario,
		Step:     active.Step,
	})
	out.Presentations = append(out.Presentations, Presentation{Kind: PresentStep, FlowID: f.ID, Step: active.Step})
}

func budgetSpent(f *registry.Flow, fs *models.FlowState) bool {
	return f.MaxTurns > 0 && fs.FlowTurns >= f.MaxTurns
}

func (m *Machine) complete(st *models.SessionState, out *Outcome, in Input) {
	done := *st.Active
	done.Status = models.StatusCompleted
	st.Last = &done
	st.Active = nil
	out.Transitions = append(out.Transitions, models.Transition{
		Kind:     models.TransitionComplete,
		FlowID:   done.FlowID,
		Scenario: done.Scenario,
		Step:     done.Step,
	})
	out.Presentations = append(out.Presentations, Presentation{Kind: PresentCompletion, FlowID: done.FlowID})
	m.resume(st, out)
}

// resume pops the most recently suspended flow that is still registered.
func (m *Machine) resume(st *models.SessionState, out *Outcome) {
	for len(st.Stack) > 0 {
		top := st.Stack[len(st.Stack)-1]
		st.Stack = st.Stack[:len(st.Stack)-1]
		if len(st.Stack) == 0 {
			st.Stack = nil
		}
		f, ok := m.reg.ByID(top.FlowID)
		if !ok || top.Step >= len(f.Steps) {
			dropped := top
			dropped.Status = models.StatusAbandoned
			out.Transitions = append(out.Transitions, models.Transition{
				Kind:     models.TransitionAbandon,
				FlowID:   dropped.FlowID,
				Scenario: dropped.Scenario,
				Step:     dropped.Step,
				Reason:   "suspended flow is no longer registered",
			})
			continue
		}
		top.Status = models.StatusActive
		top.StepTurns = 0
		st.Active = &top
		out.Transitions = append(out.Transitions, models.Transition{
			Kind:     models.TransitionResume,
			FlowID:   top.FlowID,
			Scenario: top.Scenario,
			Step:     top.Step,
		})
		out.Presentations = append(out.Presentations, Presentation{Kind: PresentResume, FlowID: top.FlowID, Step: top.Step})
		return
	}
}

// abandon ends the active flow. The interruption stack is left untouched:
// suspended flows resume only when a later flow completes.
func (m *Machine) abandon(st *models.SessionState, out *Outcome, reason string) {
	ab := *st.Active
	ab.Status = models.StatusAbandoned
	st.Last = &ab
	st.Active = nil
	out.Transitions = append(out.Transitions, models.Transition{
		Kind:     models.TransitionAbandon,
		FlowID:   ab.FlowID,
		Scenario: ab.Scenario,
		Step:     ab.Step,
		Reason:   reason,
	})
}

func (m *Machine) abandonWithNotice(st *models.SessionState, out *Outcome, reason string) {
	flowID := st.Active.FlowID
	m.abandon(st, out, reason)
	out.Presentations = append(out.Presentations, Presentation{Kind: PresentAbandon, FlowID: flowID})
}

var stopPrefixes = []string{"please ", "let's ", "lets ", "i want to ", "can we ", "i'd like to "}

// isStop matches a message that is only a stop phrase, optionally softened.
// "I can't stop shaking" is not a stop request.
func (m *Machine) isStop(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.TrimRight(t, ".!? ")
	for _, p := range stopPrefixes {
		t = strings.TrimPrefix(t, p)
	}
	t = strings.TrimSuffix(t, " please")
	t = strings.TrimSuffix(t, " now")
	for _, phrase := range m.cfg.StopPhrases {
		if t == strings.ToLower(strings.TrimSpace(phrase)) {
			return true
		}
	}
	return false
}
