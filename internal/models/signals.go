package models

// EmotionSignal is the scored output of an emotion classifier.
// The zero value stands for an unavailable signal and never clears any threshold.
type EmotionSignal struct {
	Label      string             `json:"label,omitempty"`
	Confidence float64            `json:"confidence"`
	Scores     map[string]float64 `json:"scores,omitempty"`
}

// IntentSignal is the scored output of an intent/scenario classifier.
type IntentSignal struct {
	Label      string             `json:"label,omitempty"`
	Confidence float64            `json:"confidence"`
	Scores     map[string]float64 `json:"scores,omitempty"`
}

// DecisionTrigger records which rule produced a ScenarioDecision.
type DecisionTrigger string

const (
	TriggerIntent     DecisionTrigger = "intent"
	TriggerEmotion    DecisionTrigger = "emotion"
	TriggerIntentIdle DecisionTrigger = "intent_idle"
	TriggerContinue   DecisionTrigger = "continue"
)

// ScenarioDecision is the router's verdict for a single turn. An empty
// Scenario means "continue the current scenario".
type ScenarioDecision struct {
	Scenario   Scenario        `json:"scenario,omitempty"`
	Confidence float64         `json:"confidence"`
	Trigger    DecisionTrigger `json:"trigger"`
	Rationale  string          `json:"rationale"`
}

// Continue reports whether the decision leaves the active flow in charge.
func (d ScenarioDecision) Continue() bool {
	return d.Scenario == ""
}

// ClampConfidence bounds a classifier score to [0,1].
func ClampConfidence(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
