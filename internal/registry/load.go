package registry

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/template"

	"github.com/BTreeMap/FlowGuide/internal/models"
	"github.com/BTreeMap/FlowGuide/internal/tone"
	"gopkg.in/yaml.v3"
)

//go:embed flows.yaml
var defaultFlows []byte

type fileFormat struct {
	Flows []flowDoc `yaml:"flows"`
}

type flowDoc struct {
	ID          string `yaml:"id"`
	Scenario    string `yaml:"scenario"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Interrupt   struct {
		Interruptible *bool  `yaml:"interruptible"`
		MinPriority   string `yaml:"min_priority"`
	} `yaml:"interrupt"`
	Resumable  *bool `yaml:"resumable"`
	Completion struct {
		MaxTurns int `yaml:"max_turns"`
	} `yaml:"completion"`
	CompletionMessage string `yaml:"completion_message"`
	RatingMessages    []struct {
		Max     int    `yaml:"max"`
		Message string `yaml:"message"`
	} `yaml:"rating_messages"`
	AbandonMessage string    `yaml:"abandon_message"`
	Steps          []stepDoc `yaml:"steps"`
}

type stepDoc struct {
	ID               string            `yaml:"id"`
	Technique        string            `yaml:"technique"`
	Template         map[string]string `yaml:"template"`
	Fallback         string            `yaml:"fallback"`
	Reprompt         string            `yaml:"reprompt"`
	NonInterruptible bool              `yaml:"non_interruptible"`
	Retrieval        *struct {
		Collection string `yaml:"collection"`
		Query      string `yaml:"query"`
		TopK       int    `yaml:"top_k"`
	} `yaml:"retrieval"`
	CompleteWhen struct {
		Kind     string   `yaml:"kind"`
		Keywords []string `yaml:"keywords"`
		Turns    int      `yaml:"turns"`
	} `yaml:"complete_when"`
}

// Default builds the registry from the flow definitions compiled into the binary.
func Default() (*Registry, error) {
	return Parse(defaultFlows)
}

// LoadFile builds the registry from a YAML file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flows file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes flow definitions. A document that is not valid YAML is an
// error; an individual malformed flow is logged and left out so that its
// scenario resolves to the fallback flow.
func Parse(data []byte) (*Registry, error) {
	var doc fileFormat
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse flow definitions: %w", err)
	}

	flows := make([]*Flow, 0, len(doc.Flows))
	seenScenario := make(map[models.Scenario]string)
	seenID := make(map[string]bool)
	for i, fd := range doc.Flows {
		f, err := buildFlow(fd)
		if err != nil {
			slog.Warn("registry.Parse: dropping malformed flow", "index", i, "id", fd.ID, "error", err)
			continue
		}
		if seenID[f.ID] {
			slog.Warn("registry.Parse: dropping flow with duplicate id", "id", f.ID)
			continue
		}
		if prev, dup := seenScenario[f.Scenario]; dup {
			slog.Warn("registry.Parse: dropping second flow for scenario", "scenario", f.Scenario, "kept", prev, "dropped", f.ID)
			continue
		}
		seenID[f.ID] = true
		seenScenario[f.Scenario] = f.ID
		flows = append(flows, f)
	}

	r, err := New(flows...)
	if err != nil {
		return nil, err
	}
	if missing := r.Missing(); len(missing) > 0 {
		slog.Warn("registry.Parse: scenarios without a flow will use the fallback", "scenarios", missing, "fallback", r.Fallback().ID)
	}
	slog.Debug("registry.Parse: flows loaded", "count", len(flows))
	return r, nil
}

func buildFlow(fd flowDoc) (*Flow, error) {
	var errs []error
	if strings.TrimSpace(fd.ID) == "" {
		errs = append(errs, errors.New("missing id"))
	}
	scenario, err := models.ParseScenario(fd.Scenario)
	if err != nil {
		errs = append(errs, err)
	}
	minPriority, err := models.ParsePriority(fd.Interrupt.MinPriority)
	if err != nil {
		errs = append(errs, err)
	}
	if len(fd.Steps) == 0 {
		errs = append(errs, errors.New("flow has no steps"))
	}
	if fd.Completion.MaxTurns < 0 {
		errs = append(errs, errors.New("max_turns must not be negative"))
	}

	f := &Flow{
		ID:                fd.ID,
		Scenario:          scenario,
		Title:             fd.Title,
		Description:       fd.Description,
		Interrupt:         InterruptPolicy{Interruptible: boolOr(fd.Interrupt.Interruptible, true), MinPriority: minPriority},
		Resumable:         boolOr(fd.Resumable, true),
		MaxTurns:          fd.Completion.MaxTurns,
		CompletionMessage: fd.CompletionMessage,
		AbandonMessage:    fd.AbandonMessage,
	}
	if f.Title == "" {
		f.Title = fd.ID
	}

	for i, rd := range fd.RatingMessages {
		if rd.Max < 1 || rd.Max > 10 {
			errs = append(errs, fmt.Errorf("rating message %d: max %d outside 1-10", i, rd.Max))
			continue
		}
		if i > 0 && rd.Max <= fd.RatingMessages[i-1].Max {
			errs = append(errs, fmt.Errorf("rating message %d: max must increase", i))
			continue
		}
		tmpl, err := template.New(fmt.Sprintf("%s/rating/%d", fd.ID, rd.Max)).Parse(strings.TrimSpace(rd.Message))
		if err != nil {
			errs = append(errs, fmt.Errorf("rating message %d: %w", i, err))
			continue
		}
		f.RatingMessages = append(f.RatingMessages, RatingMessage{Max: rd.Max, tmpl: tmpl})
	}

	seen := make(map[string]bool)
	for i, sd := range fd.Steps {
		s, err := buildStep(fd.ID, sd)
		if err != nil {
			errs = append(errs, fmt.Errorf("step %d: %w", i, err))
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("step %d: duplicate step id %q", i, s.ID))
			continue
		}
		seen[s.ID] = true
		f.Steps = append(f.Steps, s)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return f, nil
}

func buildStep(flowID string, sd stepDoc) (*Step, error) {
	if strings.TrimSpace(sd.ID) == "" {
		return nil, errors.New("missing id")
	}
	s := &Step{
		ID:               sd.ID,
		Technique:        sd.Technique,
		Fallback:         strings.TrimSpace(sd.Fallback),
		Reprompt:         strings.TrimSpace(sd.Reprompt),
		NonInterruptible: sd.NonInterruptible,
		Completion: Predicate{
			Kind:     PredicateKind(strings.ToLower(strings.TrimSpace(sd.CompleteWhen.Kind))),
			Keywords: sd.CompleteWhen.Keywords,
			Turns:    sd.CompleteWhen.Turns,
		},
		templates: make(map[string]*template.Template),
	}
	if s.Technique == "" {
		s.Technique = s.ID
	}
	if s.Completion.Kind == "" {
		s.Completion.Kind = PredicateAnyInput
	}
	if err := s.Completion.Validate(); err != nil {
		return nil, err
	}

	for variant, text := range sd.Template {
		variant = strings.ToLower(strings.TrimSpace(variant))
		if variant == "default" {
			variant = tone.Neutral
		}
		if variant != tone.Neutral && variant != tone.Directive && variant != tone.Exploratory {
			return nil, fmt.Errorf("unknown template variant %q", variant)
		}
		tmpl, err := template.New(flowID + "/" + sd.ID + "/" + variant).Parse(strings.TrimSpace(text))
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", variant, err)
		}
		s.templates[variant] = tmpl
	}

	if sd.Retrieval != nil {
		hint := &RetrievalHint{
			Collection: sd.Retrieval.Collection,
			Query:      strings.TrimSpace(sd.Retrieval.Query),
			TopK:       sd.Retrieval.TopK,
		}
		if hint.Query == "" {
			return nil, errors.New("retrieval needs a query")
		}
		if s.Fallback == "" {
			return nil, errors.New("a step that retrieves content needs fallback content")
		}
		s.Retrieval = hint
	}
	if len(s.templates) == 0 && s.Fallback == "" {
		return nil, errors.New("step needs a template or fallback content")
	}
	if len(s.templates) > 0 {
		if _, ok := s.templates[tone.Neutral]; !ok {
			return nil, errors.New("template variants need a default")
		}
	}
	return s, nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
