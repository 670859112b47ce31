// Package registry holds the immutable catalog of flow definitions, keyed by
// scenario. It is built once at start-up and is safe for unsynchronized
// concurrent reads afterwards.
package registry

import (
	"bytes"
	"fmt"
	"sort"
	"text/template"

	"github.com/BTreeMap/FlowGuide/internal/models"
	"github.com/BTreeMap/FlowGuide/internal/tone"
)

// InterruptPolicy controls whether other scenarios may preempt a flow.
type InterruptPolicy struct {
	Interruptible bool
	// MinPriority is the lowest scenario priority allowed to preempt.
	MinPriority models.Priority
}

// RetrievalHint describes the knowledge query a step issues.
type RetrievalHint struct {
	Collection string
	Query      string
	TopK       int
}

// Flow is an ordered, multi-step conversation for one scenario.
type Flow struct {
	ID          string
	Scenario    models.Scenario
	Title       string
	Description string
	Interrupt   InterruptPolicy
	// Resumable flows are pushed onto the interruption stack when preempted;
	// others are abandoned.
	Resumable bool
	// MaxTurns abandons the flow after this many user turns. Zero disables the limit.
	MaxTurns          int
	CompletionMessage string
	// RatingMessages replace CompletionMessage when the flow ends on a
	// rating. Sorted by ascending Max.
	RatingMessages []RatingMessage
	AbandonMessage string
	Steps          []*Step
}

// RatingMessage is the completion text for final ratings up to Max.
type RatingMessage struct {
	Max  int
	tmpl *template.Template
}

// CompletionView is the data a rating message renders against.
type CompletionView struct {
	FlowTitle string
	Rating    int
}

// CompletionText returns the text shown when the flow completes. With a
// rating, the first tier whose Max covers it wins; otherwise, or when no
// tier matches, CompletionMessage is returned.
func (f *Flow) CompletionText(rating *int) (string, error) {
	if rating == nil {
		return f.CompletionMessage, nil
	}
	for _, rm := range f.RatingMessages {
		if *rating > rm.Max {
			continue
		}
		var buf bytes.Buffer
		if err := rm.tmpl.Execute(&buf, CompletionView{FlowTitle: f.Title, Rating: *rating}); err != nil {
			return f.CompletionMessage, fmt.Errorf("flow %s: render rating message: %w", f.ID, err)
		}
		return buf.String(), nil
	}
	return f.CompletionMessage, nil
}

// Step is a single stage of a flow.
type Step struct {
	ID        string
	Technique string
	// Fallback is the static content used when retrieval fails or a template cannot render.
	Fallback         string
	Reprompt         string
	Retrieval        *RetrievalHint
	Completion       Predicate
	NonInterruptible bool

	templates map[string]*template.Template
}

// StepView is the data a step template renders against.
type StepView struct {
	FlowTitle  string
	StepNumber int
	TotalSteps int
	Tone       string
	Familiar   bool
	UserText   string
	Snippets   []models.Snippet
	// Rating is the 1-10 rating the user gave this turn, if any.
	Rating *int
}

// RequiresRetrieval reports whether the step issues a knowledge query.
func (s *Step) RequiresRetrieval() bool {
	return s.Retrieval != nil
}

// HasTemplate reports whether the step defines any template variant.
func (s *Step) HasTemplate() bool {
	return len(s.templates) > 0
}

// Render executes the template variant for the given tone, falling back to
// the neutral variant when the tone has no variant of its own.
func (s *Step) Render(toneName string, view StepView) (string, error) {
	tmpl, ok := s.templates[toneName]
	if !ok {
		tmpl, ok = s.templates[tone.Neutral]
	}
	if !ok {
		return "", fmt.Errorf("step %s has no template", s.ID)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("step %s: render %s template: %w", s.ID, tmpl.Name(), err)
	}
	return buf.String(), nil
}

// Registry maps scenarios to flows. Flows are also addressable by id so that
// suspended flow states can be resumed.
type Registry struct {
	byScenario map[models.Scenario]*Flow
	byID       map[string]*Flow
	fallback   *Flow
}

// New builds a registry from already-validated flows. The general scenario's
// flow, when present, becomes the fallback; otherwise the built-in
// supportive-listening flow is used.
func New(flows ...*Flow) (*Registry, error) {
	r := &Registry{
		byScenario: make(map[models.Scenario]*Flow),
		byID:       make(map[string]*Flow),
	}
	for _, f := range flows {
		if !f.Scenario.Valid() {
			return nil, fmt.Errorf("flow %s: %w: %q", f.ID, models.ErrUnknownScenario, f.Scenario)
		}
		if _, dup := r.byID[f.ID]; dup {
			return nil, fmt.Errorf("duplicate flow id %q", f.ID)
		}
		if _, dup := r.byScenario[f.Scenario]; dup {
			return nil, fmt.Errorf("scenario %q has more than one flow", f.Scenario)
		}
		r.byScenario[f.Scenario] = f
		r.byID[f.ID] = f
	}
	if f, ok := r.byScenario[models.ScenarioGeneral]; ok {
		r.fallback = f
	} else {
		r.fallback = SupportiveListening()
		r.byID[r.fallback.ID] = r.fallback
	}
	return r, nil
}

// Lookup returns the flow registered for a scenario.
func (r *Registry) Lookup(s models.Scenario) (*Flow, bool) {
	f, ok := r.byScenario[s]
	return f, ok
}

// Resolve returns the flow for a scenario, or the fallback flow together with
// an ErrUnknownScenario error describing the gap.
func (r *Registry) Resolve(s models.Scenario) (*Flow, error) {
	if f, ok := r.byScenario[s]; ok {
		return f, nil
	}
	return r.fallback, fmt.Errorf("%w: no flow registered for %q", models.ErrUnknownScenario, s)
}

// ByID returns a flow by its identifier.
func (r *Registry) ByID(id string) (*Flow, bool) {
	f, ok := r.byID[id]
	return f, ok
}

// Fallback returns the supportive-listening flow.
func (r *Registry) Fallback() *Flow {
	return r.fallback
}

// Missing lists scenarios, other than general, that have no registered flow.
func (r *Registry) Missing() []models.Scenario {
	var out []models.Scenario
	for _, s := range models.AllScenarios {
		if s == models.ScenarioGeneral {
			continue
		}
		if _, ok := r.byScenario[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}

// Flows returns every registered flow in scenario order, followed by the
// built-in fallback when it is not registered under a scenario.
func (r *Registry) Flows() []*Flow {
	out := make([]*Flow, 0, len(r.byID))
	for _, s := range models.AllScenarios {
		if f, ok := r.byScenario[s]; ok {
			out = append(out, f)
		}
	}
	if _, ok := r.byScenario[models.ScenarioGeneral]; !ok {
		out = append(out, r.fallback)
	}
	return out
}

// Summaries describes every flow for listing endpoints.
func (r *Registry) Summaries() []models.FlowSummary {
	flows := r.Flows()
	out := make([]models.FlowSummary, 0, len(flows))
	for _, f := range flows {
		steps := make([]string, len(f.Steps))
		for i, s := range f.Steps {
			steps[i] = s.ID
		}
		out = append(out, models.FlowSummary{
			ID:            f.ID,
			Scenario:      f.Scenario,
			Title:         f.Title,
			Description:   f.Description,
			Steps:         steps,
			Interruptible: f.Interrupt.Interruptible,
			MinPriority:   f.Interrupt.MinPriority.String(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return scenarioRank(out[i].Scenario) < scenarioRank(out[j].Scenario) })
	return out
}

func scenarioRank(s models.Scenario) int {
	for i, v := range models.AllScenarios {
		if v == s {
			return i
		}
	}
	return len(models.AllScenarios)
}
