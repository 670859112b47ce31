// Package router resolves raw emotion and intent signals into a single
// scenario decision. Routing is a pure function of its inputs.
package router

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/FlowGuide/internal/models"
)

// Config holds the routing thresholds and label maps.
type Config struct {
	// HighIntentThreshold is the confidence at which an intent wins outright.
	HighIntentThreshold float64
	// ConfidenceFloor is the minimum confidence for any signal to count.
	ConfidenceFloor float64
	// AcuteDistressThreshold is the minimum emotion confidence for an acute-distress override.
	AcuteDistressThreshold float64
	// AcuteDistress maps emotion labels to the priority scenario they trigger.
	AcuteDistress map[string]models.Scenario
	// IntentAliases maps extra intent labels to scenarios, consulted before models.ParseScenario.
	IntentAliases map[string]models.Scenario
}

// NewConfig builds a Config from string-keyed label maps, as read from configuration files.
func NewConfig(high, floor, acute float64, acuteLabels, intentAliases map[string]string) (Config, error) {
	cfg := Config{
		HighIntentThreshold:    high,
		ConfidenceFloor:        floor,
		AcuteDistressThreshold: acute,
		AcuteDistress:          make(map[string]models.Scenario, len(acuteLabels)),
		IntentAliases:          make(map[string]models.Scenario, len(intentAliases)),
	}
	for label, name := range acuteLabels {
		s, err := models.ParseScenario(name)
		if err != nil {
			return Config{}, fmt.Errorf("acute distress label %q: %w", label, err)
		}
		cfg.AcuteDistress[normalizeLabel(label)] = s
	}
	for label, name := range intentAliases {
		s, err := models.ParseScenario(name)
		if err != nil {
			return Config{}, fmt.Errorf("intent alias %q: %w", label, err)
		}
		cfg.IntentAliases[normalizeLabel(label)] = s
	}
	return cfg, cfg.Validate()
}

// Validate checks threshold ordering.
func (c Config) Validate() error {
	if c.ConfidenceFloor < 0 || c.HighIntentThreshold > 1 || c.ConfidenceFloor > c.HighIntentThreshold {
		return fmt.Errorf("invalid thresholds: floor=%v high=%v", c.ConfidenceFloor, c.HighIntentThreshold)
	}
	if c.AcuteDistressThreshold < 0 || c.AcuteDistressThreshold > 1 {
		return fmt.Errorf("invalid acute distress threshold %v", c.AcuteDistressThreshold)
	}
	return nil
}

// Router applies the routing rules. It holds only immutable configuration and
// is safe for concurrent use.
type Router struct {
	cfg Config
}

// New creates a Router after validating cfg.
func New(cfg Config) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Router{cfg: cfg}, nil
}

// Route returns the scenario decision for one turn. current is the active
// flow state, or nil when the session is idle.
//
// Rules, in order:
//  1. An intent at or above the high threshold that names a scenario wins outright.
//  2. An acute-distress emotion at or above the acute threshold selects its priority scenario.
//  3. An intent between the floor and the high threshold selects a scenario only when idle.
//  4. Otherwise the decision is "continue".
func (r *Router) Route(emotion models.EmotionSignal, intent models.IntentSignal, current *models.FlowState) models.ScenarioDecision {
	intentConf := models.ClampConfidence(intent.Confidence)
	emotionConf := models.ClampConfidence(emotion.Confidence)

	intentScenario, intentOK := r.intentScenario(intent.Label)

	if intentOK && intentConf >= r.cfg.HighIntentThreshold {
		return models.ScenarioDecision{
			Scenario:   intentScenario,
			Confidence: intentConf,
			Trigger:    models.TriggerIntent,
			Rationale:  fmt.Sprintf("intent %q at %.2f cleared high threshold %.2f", intent.Label, intentConf, r.cfg.HighIntentThreshold),
		}
	}

	threshold := r.cfg.AcuteDistressThreshold
	if threshold < r.cfg.ConfidenceFloor {
		threshold = r.cfg.ConfidenceFloor
	}
	if s, ok := r.cfg.AcuteDistress[normalizeLabel(emotion.Label)]; ok && emotionConf >= threshold {
		return models.ScenarioDecision{
			Scenario:   s,
			Confidence: emotionConf,
			Trigger:    models.TriggerEmotion,
			Rationale:  fmt.Sprintf("acute distress emotion %q at %.2f", emotion.Label, emotionConf),
		}
	}

	if intentOK && intentConf >= r.cfg.ConfidenceFloor {
		if current == nil {
			return models.ScenarioDecision{
				Scenario:   intentScenario,
				Confidence: intentConf,
				Trigger:    models.TriggerIntentIdle,
				Rationale:  fmt.Sprintf("intent %q at %.2f selected while idle", intent.Label, intentConf),
			}
		}
		return models.ScenarioDecision{
			Trigger:   models.TriggerContinue,
			Rationale: fmt.Sprintf("intent %q at %.2f below high threshold with active flow %s", intent.Label, intentConf, current.FlowID),
		}
	}

	rationale := "no signal cleared the confidence floor"
	if intent.Label != "" && !intentOK {
		rationale = fmt.Sprintf("intent label %q names no scenario; %s", intent.Label, rationale)
	}
	return models.ScenarioDecision{
		Trigger:   models.TriggerContinue,
		Rationale: rationale,
	}
}

func (r *Router) intentScenario(label string) (models.Scenario, bool) {
	if label == "" {
		return "", false
	}
	if s, ok := r.cfg.IntentAliases[normalizeLabel(label)]; ok {
		return s, true
	}
	s, err := models.ParseScenario(label)
	if err != nil {
		return "", false
	}
	return s, true
}

func normalizeLabel(label string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(label)), " ", "_")
}
