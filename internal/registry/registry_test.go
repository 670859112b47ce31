package registry

import (
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/FlowGuide/internal/models"
	"github.com/BTreeMap/FlowGuide/internal/tone"
)

func TestDefaultRegistryCoversEveryScenario(t *testing.T) {
	r, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if missing := r.Missing(); len(missing) != 0 {
		t.Fatalf("scenarios without a flow: %v", missing)
	}
	for _, s := range models.AllScenarios {
		f, err := r.Resolve(s)
		if err != nil && s != models.ScenarioGeneral {
			t.Errorf("Resolve(%q): %v", s, err)
		}
		if f == nil || len(f.Steps) == 0 {
			t.Errorf("Resolve(%q) returned an empty flow", s)
		}
	}
	if r.Fallback().ID != SupportiveListeningID {
		t.Errorf("expected built-in fallback, got %q", r.Fallback().ID)
	}
	if _, ok := r.ByID(SupportiveListeningID); !ok {
		t.Error("fallback flow must be addressable by id")
	}
}

func TestDefaultFlowsRenderEveryStep(t *testing.T) {
	r, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	view := StepView{
		FlowTitle:  "t",
		StepNumber: 1,
		TotalSteps: 2,
		Snippets:   []models.Snippet{{Text: "snippet text", SourceID: "k1", Score: 0.9}},
	}
	for _, f := range r.Flows() {
		for _, s := range f.Steps {
			for _, variant := range []string{tone.Neutral, tone.Directive, tone.Exploratory} {
				if !s.HasTemplate() {
					if s.Fallback == "" {
						t.Errorf("%s/%s has neither template nor fallback", f.ID, s.ID)
					}
					continue
				}
				out, err := s.Render(variant, view)
				if err != nil {
					t.Errorf("%s/%s render %s: %v", f.ID, s.ID, variant, err)
				}
				if strings.TrimSpace(out) == "" {
					t.Errorf("%s/%s render %s produced empty text", f.ID, s.ID, variant)
				}
				if s.RequiresRetrieval() && !strings.Contains(out, "snippet text") {
					t.Errorf("%s/%s render %s did not merge snippets", f.ID, s.ID, variant)
				}
			}
		}
	}
}

func TestCrisisFlowIsNotInterruptible(t *testing.T) {
	r, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	f, ok := r.Lookup(models.ScenarioCrisis)
	if !ok {
		t.Fatal("crisis flow missing")
	}
	if f.Interrupt.Interruptible {
		t.Error("crisis flow should not be interruptible")
	}
	if !strings.Contains(f.Steps[0].Fallback, "988") {
		t.Error("crisis fallback must carry the 988 line")
	}
}

func TestParseDropsMalformedFlows(t *testing.T) {
	doc := `
flows:
  - id: good_sleep
    scenario: sleep
    steps:
      - id: s1
        template:
          default: "hello"
  - id: bad_scenario
    scenario: astrology
    steps:
      - id: s1
        fallback: "x"
  - id: no_steps
    scenario: panic
  - id: bad_template
    scenario: isolation
    steps:
      - id: s1
        template:
          default: "{{.Missing"
  - id: retrieval_without_fallback
    scenario: uncertainty
    steps:
      - id: s1
        retrieval:
          query: worry
        template:
          default: "x"
  - id: bad_predicate
    scenario: decision_making
    steps:
      - id: s1
        fallback: "x"
        complete_when:
          kind: telepathy
`
	r, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, ok := r.Lookup(models.ScenarioSleep); !ok {
		t.Error("expected valid flow to be registered")
	}
	for _, s := range []models.Scenario{models.ScenarioPanic, models.ScenarioIsolation, models.ScenarioUncertainty, models.ScenarioDecisionMaking} {
		if _, ok := r.Lookup(s); ok {
			t.Errorf("expected malformed flow for %q to be dropped", s)
		}
		f, err := r.Resolve(s)
		if !errors.Is(err, models.ErrUnknownScenario) {
			t.Errorf("Resolve(%q) error = %v, want ErrUnknownScenario", s, err)
		}
		if f.ID != SupportiveListeningID {
			t.Errorf("Resolve(%q) = %q, want fallback", s, f.ID)
		}
	}
}

func TestParseRejectsInvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("flows: [unclosed")); err == nil {
		t.Fatal("expected YAML syntax error")
	}
}

func TestParseUsesGeneralFlowAsFallback(t *testing.T) {
	doc := `
flows:
  - id: custom_general
    scenario: general
    resumable: false
    steps:
      - id: listen
        fallback: "I'm listening."
`
	r, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if r.Fallback().ID != "custom_general" {
		t.Errorf("expected general flow as fallback, got %q", r.Fallback().ID)
	}
	if r.Fallback().Resumable {
		t.Error("expected resumable: false to be honoured")
	}
}

func TestRenderFallsBackToDefaultVariant(t *testing.T) {
	r, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	f, _ := r.Lookup(models.ScenarioPanic)
	step := f.Steps[0]
	directive, err := step.Render(tone.Directive, StepView{})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	neutral, _ := step.Render(tone.Neutral, StepView{})
	if directive == neutral {
		t.Error("expected directive variant to differ from default")
	}
	reassure := f.Steps[4]
	if reassure.HasTemplate() {
		if _, err := reassure.Render(tone.Exploratory, StepView{}); err != nil {
			t.Errorf("missing variant should fall back to default: %v", err)
		}
	}
}

func TestSummariesInScenarioOrder(t *testing.T) {
	r, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	sums := r.Summaries()
	if len(sums) != len(models.AllScenarios) {
		t.Fatalf("expected %d summaries, got %d", len(models.AllScenarios), len(sums))
	}
	if sums[0].Scenario != models.ScenarioPanic {
		t.Errorf("expected panic first, got %q", sums[0].Scenario)
	}
}

func TestCompletionTextByRating(t *testing.T) {
	r, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	f, _ := r.Lookup(models.ScenarioPanic)
	rating := func(n int) *int { return &n }

	tests := []struct {
		name   string
		rating *int
		want   string
	}{
		{name: "no rating", rating: nil, want: f.CompletionMessage},
		{name: "low", rating: rating(1), want: "Excellent. Your anxiety has come down to 1/10"},
		{name: "low boundary", rating: rating(3), want: "down to 3/10"},
		{name: "middle", rating: rating(4), want: "Good progress, you're down to 4/10"},
		{name: "middle boundary", rating: rating(6), want: "Good progress, you're down to 6/10"},
		{name: "high", rating: rating(10), want: "a lot of anxiety at 10/10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.CompletionText(tt.rating)
			if err != nil {
				t.Fatalf("CompletionText: %v", err)
			}
			if !strings.Contains(got, tt.want) {
				t.Errorf("CompletionText = %q, want it to contain %q", got, tt.want)
			}
		})
	}

	sleep, _ := r.Lookup(models.ScenarioSleep)
	got, err := sleep.CompletionText(rating(2))
	if err != nil || got != sleep.CompletionMessage {
		t.Errorf("flow without tiers should use its completion message, got %q, %v", got, err)
	}
}

func TestParseRejectsBadRatingMessages(t *testing.T) {
	tests := []struct {
		name  string
		tiers string
	}{
		{name: "out of range", tiers: "[{max: 11, message: x}]"},
		{name: "not increasing", tiers: "[{max: 6, message: x}, {max: 3, message: y}]"},
		{name: "bad template", tiers: `[{max: 5, message: "{{.Rating"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := `
flows:
  - id: rated_panic
    scenario: panic
    rating_messages: ` + tt.tiers + `
    steps:
      - id: s1
        fallback: "x"
`
			r, err := Parse([]byte(doc))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if _, ok := r.Lookup(models.ScenarioPanic); ok {
				t.Error("expected flow with bad rating messages to be dropped")
			}
		})
	}
}
