package models

import (
	"time"

	"github.com/BTreeMap/FlowGuide/internal/tone"
)

// Session is everything the orchestrator keeps for one conversation.
// History carries only the most recent turns loaded alongside the snapshot.
type Session struct {
	ID          string        `json:"id"`
	State       SessionState  `json:"state"`
	LastEmotion EmotionSignal `json:"last_emotion"`
	LastIntent  IntentSignal  `json:"last_intent"`
	Profile     Profile       `json:"profile"`
	TurnCount   int           `json:"turn_count"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	History     []Turn        `json:"-"`
}

// NewSession returns a fresh idle session.
func NewSession(id string, now time.Time) *Session {
	return &Session{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Turn is the immutable record of one processed message.
type Turn struct {
	ID          string           `json:"id"`
	SessionID   string           `json:"session_id"`
	Seq         int              `json:"seq"`
	Text        string           `json:"text"`
	Timestamp   time.Time        `json:"timestamp"`
	Emotion     EmotionSignal    `json:"emotion"`
	Intent      IntentSignal     `json:"intent"`
	Decision    ScenarioDecision `json:"decision"`
	Response    string           `json:"response"`
	Snippets    []Snippet        `json:"snippets,omitempty"`
	Transitions []Transition     `json:"transitions,omitempty"`
	FlowID      string           `json:"flow_id,omitempty"`
	Step        int              `json:"step"`
	Rating      *int             `json:"rating,omitempty"`
	Tone        string           `json:"tone,omitempty"`
}

// Snippet is one ranked knowledge-base item returned by retrieval.
type Snippet struct {
	Text     string  `json:"text"`
	SourceID string  `json:"source_id"`
	Score    float64 `json:"score"`
}

// Profile is the personalization snapshot for a session.
type Profile struct {
	SessionID           string             `json:"session_id"`
	PreferredTone       string             `json:"preferred_tone"`
	TechniqueAffinities map[string]float64 `json:"technique_affinities,omitempty"`
	Tone                tone.ProfileTone   `json:"tone"`
	Interactions        int                `json:"interactions"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// DefaultProfile is used when no profile exists or it cannot be read in time.
func DefaultProfile(sessionID string) Profile {
	return Profile{
		SessionID:     sessionID,
		PreferredTone: tone.Neutral,
	}
}

// Affinity returns the stored affinity for a technique, or 0.5 when unknown.
func (p Profile) Affinity(technique string) float64 {
	if v, ok := p.TechniqueAffinities[technique]; ok {
		return v
	}
	return 0.5
}

// InteractionSummary is what the orchestrator reports to personalization after each turn.
type InteractionSummary struct {
	SessionID   string           `json:"session_id"`
	TurnID      string           `json:"turn_id"`
	Text        string           `json:"text"`
	Scenario    Scenario         `json:"scenario,omitempty"`
	FlowID      string           `json:"flow_id,omitempty"`
	Technique   string           `json:"technique,omitempty"`
	Transitions []TransitionKind `json:"transitions,omitempty"`
	Rating      *int             `json:"rating,omitempty"`
	Fallback    bool             `json:"fallback"`
	Timestamp   time.Time        `json:"timestamp"`
}
