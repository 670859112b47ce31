package models

import (
	"fmt"
	"strings"
)

// Scenario identifies the situational category that drives flow selection.
// The set is closed: every value is listed in AllScenarios and handled by Valid.
type Scenario string

const (
	ScenarioPanic            Scenario = "panic"
	ScenarioSleep            Scenario = "sleep"
	ScenarioPreEvent         Scenario = "pre_event"
	ScenarioIsolation        Scenario = "isolation"
	ScenarioUncertainty      Scenario = "uncertainty"
	ScenarioDecisionMaking   Scenario = "decision_making"
	ScenarioPhysicalTriggers Scenario = "physical_triggers"
	ScenarioGeneral          Scenario = "general"
	ScenarioCrisis           Scenario = "crisis"
)

// AllScenarios lists every scenario in display order.
var AllScenarios = []Scenario{
	ScenarioPanic,
	ScenarioSleep,
	ScenarioPreEvent,
	ScenarioIsolation,
	ScenarioUncertainty,
	ScenarioDecisionMaking,
	ScenarioPhysicalTriggers,
	ScenarioGeneral,
	ScenarioCrisis,
}

// scenarioAliases maps classifier vocabulary onto canonical scenarios.
var scenarioAliases = map[string]Scenario{
	"panic_attack":        ScenarioPanic,
	"acute_panic":         ScenarioPanic,
	"insomnia":            ScenarioSleep,
	"sleep_anxiety":       ScenarioSleep,
	"nighttime_anxiety":   ScenarioSleep,
	"performance":         ScenarioPreEvent,
	"anticipatory":        ScenarioPreEvent,
	"social_anxiety":      ScenarioPreEvent,
	"pre_event_anxiety":   ScenarioPreEvent,
	"loneliness":          ScenarioIsolation,
	"lonely":              ScenarioIsolation,
	"social_isolation":    ScenarioIsolation,
	"worry":               ScenarioUncertainty,
	"uncertainty_anxiety": ScenarioUncertainty,
	"generalized_worry":   ScenarioUncertainty,
	"choice_paralysis":    ScenarioDecisionMaking,
	"decision_anxiety":    ScenarioDecisionMaking,
	"indecision":          ScenarioDecisionMaking,
	"somatic_anxiety":     ScenarioPhysicalTriggers,
	"physical_symptoms":   ScenarioPhysicalTriggers,
	"health_anxiety":      ScenarioPhysicalTriggers,
	"general_anxiety":     ScenarioGeneral,
	"supportive":          ScenarioGeneral,
	"self_harm":           ScenarioCrisis,
	"suicidal":            ScenarioCrisis,
	"suicidal_ideation":   ScenarioCrisis,
}

// Valid reports whether s is one of the enumerated scenarios.
func (s Scenario) Valid() bool {
	switch s {
	case ScenarioPanic, ScenarioSleep, ScenarioPreEvent, ScenarioIsolation,
		ScenarioUncertainty, ScenarioDecisionMaking, ScenarioPhysicalTriggers,
		ScenarioGeneral, ScenarioCrisis:
		return true
	}
	return false
}

// Priority returns the interruption priority of the scenario.
func (s Scenario) Priority() Priority {
	switch s {
	case ScenarioCrisis:
		return PriorityCritical
	case ScenarioPanic:
		return PriorityUrgent
	case ScenarioSleep, ScenarioPreEvent, ScenarioIsolation, ScenarioUncertainty,
		ScenarioDecisionMaking, ScenarioPhysicalTriggers, ScenarioGeneral:
		return PriorityNormal
	}
	return PriorityNormal
}

func (s Scenario) String() string { return string(s) }

// ParseScenario resolves a classifier label or alias to a canonical scenario.
// Labels are matched case-insensitively with spaces and hyphens folded to underscores.
func ParseScenario(label string) (Scenario, error) {
	key := canonicalLabel(label)
	if key == "" {
		return "", fmt.Errorf("%w: empty label", ErrUnknownScenario)
	}
	if s := Scenario(key); s.Valid() {
		return s, nil
	}
	if s, ok := scenarioAliases[key]; ok {
		return s, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownScenario, label)
}

func canonicalLabel(label string) string {
	key := strings.ToLower(strings.TrimSpace(label))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	return key
}

// Priority orders scenarios for interruption decisions.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityUrgent
	// PriorityCritical is the maximum-priority override category. It preempts
	// non-interruptible steps and flows.
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "normal"
	case PriorityUrgent:
		return "urgent"
	case PriorityCritical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority parses the textual form produced by Priority.String.
// An empty string yields PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "urgent":
		return PriorityUrgent, nil
	case "critical":
		return PriorityCritical, nil
	}
	return PriorityNormal, fmt.Errorf("invalid priority %q", s)
}
