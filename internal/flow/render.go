package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/FlowGuide/internal/models"
	"github.com/BTreeMap/FlowGuide/internal/personalization"
	"github.com/BTreeMap/FlowGuide/internal/registry"
	"github.com/BTreeMap/FlowGuide/internal/retrieval"
	"github.com/BTreeMap/FlowGuide/internal/tone"
)

const (
	defaultCompletion = "You've completed %s. Nice work staying with it."
	defaultAbandon    = "Okay, we can stop here. I'm here whenever you want to pick things up again."
	idleMessage       = "Okay. I'm here whenever you want to talk."
	genericStep       = "I'm here with you. Tell me a little more about what's going on."
	resumePrefix      = "Let's return to %s."
)

// rendered is the user-facing result of one turn plus what it took to build it.
type rendered struct {
	text     string
	tone     string
	snippets []models.Snippet
	rating   *int

	retrievalUsed bool
	retrievalErr  error
	// fallback is set when static content replaced a failed retrieval or template.
	fallback bool
	// answeredTechnique is the technique of the step the user was asked to repeat.
	answeredTechnique string
}

// render turns the machine's presentations into reply text. At most one
// retrieval is issued per turn; later retrieving steps use their static content.
func (e *Engine) render(ctx context.Context, out Outcome, profile models.Profile, userText string, history []models.Turn) rendered {
	r := rendered{tone: profile.PreferredTone, rating: out.Rating}
	if r.tone == "" {
		r.tone = tone.Neutral
	}
	parts := make([]string, 0, len(out.Presentations))
	for _, p := range out.Presentations {
		var text string
		switch p.Kind {
		case PresentIdle:
			text = idleMessage
		case PresentCompletion:
			text = fmt.Sprintf(defaultCompletion, "this exercise")
			if f, ok := e.reg.ByID(p.FlowID); ok {
				var err error
				if text, err = f.CompletionText(out.Rating); err != nil {
					slog.Error("Engine.render: completion message failed", "flow", f.ID, "error", err)
				}
				if text == "" {
					text = fmt.Sprintf(defaultCompletion, f.Title)
				}
			}
		case PresentAbandon:
			text = defaultAbandon
			if f, ok := e.reg.ByID(p.FlowID); ok && f.AbandonMessage != "" {
				text = f.AbandonMessage
			}
		case PresentReprompt:
			f, step, ok := e.lookupStep(p.FlowID, p.Step)
			if !ok {
				text = genericStep
				break
			}
			r.answeredTechnique = step.Technique
			if step.Reprompt != "" {
				text = step.Reprompt
			} else {
				text = e.renderStep(ctx, &r, f, p.Step, profile, userText, history)
			}
		case PresentStep, PresentResume:
			f, _, ok := e.lookupStep(p.FlowID, p.Step)
			if !ok {
				text = genericStep
				break
			}
			text = e.renderStep(ctx, &r, f, p.Step, profile, userText, history)
			if p.Kind == PresentResume {
				text = fmt.Sprintf(resumePrefix, f.Title) + " " + text
			}
		}
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, text)
		}
	}
	r.text = strings.Join(parts, "\n\n")
	return r
}

func (e *Engine) lookupStep(flowID string, idx int) (*registry.Flow, *registry.Step, bool) {
	f, ok := e.reg.ByID(flowID)
	if !ok || idx < 0 || idx >= len(f.Steps) {
		return nil, nil, false
	}
	return f, f.Steps[idx], true
}

func (e *Engine) renderStep(ctx context.Context, r *rendered, f *registry.Flow, idx int, profile models.Profile, userText string, history []models.Turn) string {
	step := f.Steps[idx]
	view := registry.StepView{
		FlowTitle:  f.Title,
		StepNumber: idx + 1,
		TotalSteps: len(f.Steps),
		Tone:       r.tone,
		Familiar:   profile.Affinity(step.Technique) >= personalization.FamiliarAffinity,
		UserText:   userText,
		Rating:     r.rating,
	}

	if step.RequiresRetrieval() {
		if r.retrievalUsed {
			slog.Debug("Engine.renderStep: retrieval already used this turn", "flow", f.ID, "step", step.ID)
			r.fallback = true
			return step.Fallback
		}
		r.retrievalUsed = true
		snippets, err := retrieval.Fetch(ctx, e.retriever, e.query(f, step, userText, history), e.opts.RetrievalTimeout)
		if err == nil && len(snippets) == 0 {
			err = fmt.Errorf("%w: no results for %s", models.ErrRetrieval, step.ID)
		}
		if err != nil {
			slog.Warn("Engine.renderStep: retrieval failed, using fallback content", "flow", f.ID, "step", step.ID, "error", err)
			r.retrievalErr = err
			r.fallback = true
			return step.Fallback
		}
		r.snippets = append(r.snippets, snippets...)
		view.Snippets = snippets
	}

	if !step.HasTemplate() {
		return step.Fallback
	}
	text, err := step.Render(r.tone, view)
	if err != nil {
		slog.Error("Engine.renderStep: template failed", "flow", f.ID, "step", step.ID, "tone", r.tone, "error", err)
		r.fallback = true
		if step.Fallback != "" {
			return step.Fallback
		}
		return genericStep
	}
	return text
}

// query combines the step's hint with what the user has been saying.
func (e *Engine) query(f *registry.Flow, step *registry.Step, userText string, history []models.Turn) retrieval.Query {
	topK := step.Retrieval.TopK
	if topK <= 0 {
		topK = e.opts.RetrievalTopK
	}
	text := []string{step.Retrieval.Query, userText}
	if n := len(history); n > 0 {
		text = append(text, history[n-1].Text)
	}
	return retrieval.Query{
		Text:       strings.Join(text, " "),
		Collection: step.Retrieval.Collection,
		Scenario:   f.Scenario,
		TopK:       topK,
	}
}

// SameState reports whether two session states describe the same flow
// positions. Timestamps are compared by instant.
func SameState(a, b models.SessionState) bool {
	if !sameFlow(a.Active, b.Active) || !sameFlow(a.Last, b.Last) || len(a.Stack) != len(b.Stack) {
		return false
	}
	for i := range a.Stack {
		if !sameFlow(&a.Stack[i], &b.Stack[i]) {
			return false
		}
	}
	return true
}

func sameFlow(a, b *models.FlowState) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.FlowID == b.FlowID &&
		a.Scenario == b.Scenario &&
		a.Step == b.Step &&
		a.Status == b.Status &&
		a.StepTurns == b.StepTurns &&
		a.FlowTurns == b.FlowTurns &&
		a.EnteredAt.Equal(b.EnteredAt)
}
