package registry

import (
	"text/template"

	"github.com/BTreeMap/FlowGuide/internal/models"
	"github.com/BTreeMap/FlowGuide/internal/tone"
)

// SupportiveListeningID is the id of the built-in fallback flow.
const SupportiveListeningID = "supportive_listening"

// SupportiveListening returns the built-in general flow used when a scenario
// has no usable definition.
func SupportiveListening() *Flow {
	return &Flow{
		ID:          SupportiveListeningID,
		Scenario:    models.ScenarioGeneral,
		Title:       "Supportive Listening",
		Description: "Open, reflective listening when no specific flow applies.",
		Interrupt:   InterruptPolicy{Interruptible: true, MinPriority: models.PriorityNormal},
		Resumable:   false,
		MaxTurns:    12,
		CompletionMessage: "Thank you for sharing all of that with me. I'm here whenever you want to talk again, " +
			"and if things feel heavier, reaching out to someone you trust or a professional can really help.",
		AbandonMessage: "Okay, we can pause here. I'm here whenever you want to pick this up again.",
		Steps: []*Step{
			builtinStep("open_invitation", "reflective_listening",
				"I'm here with you. What's been on your mind?",
				map[string]string{
					tone.Neutral:     "I'm here with you. What's been on your mind?",
					tone.Directive:   "I'm here. Tell me what's going on right now.",
					tone.Exploratory: "I'm here with you. What's been on your mind, and how has it been sitting with you?",
				}),
			builtinStep("reflect_feelings", "reflective_listening",
				"That sounds like a lot to carry. What part of it feels hardest right now?",
				map[string]string{
					tone.Neutral: "That sounds like a lot to carry. What part of it feels hardest right now?",
				}),
			builtinStep("gentle_grounding", "grounding",
				"Try a basic grounding exercise: pause, notice your breathing, and gently name 5 things you can see around you.",
				nil),
			builtinStep("check_in", "check_in",
				"How are you feeling after taking that moment?",
				nil),
		},
	}
}

func builtinStep(id, technique, fallback string, variants map[string]string) *Step {
	s := &Step{
		ID:         id,
		Technique:  technique,
		Fallback:   fallback,
		Completion: Predicate{Kind: PredicateAnyInput},
		templates:  make(map[string]*template.Template, len(variants)),
	}
	for v, text := range variants {
		s.templates[v] = template.Must(template.New(SupportiveListeningID + "/" + id + "/" + v).Parse(text))
	}
	return s
}
