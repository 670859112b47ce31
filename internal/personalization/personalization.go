// Package personalization keeps per-session adaptation signals: the tone a
// user responds to and how well each technique has worked for them.
package personalization

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/BTreeMap/FlowGuide/internal/models"
	"github.com/BTreeMap/FlowGuide/internal/tone"
)

// ProfileStore is the persistence the service needs.
type ProfileStore interface {
	GetProfile(ctx context.Context, sessionID string) (*models.Profile, error)
	SaveProfile(ctx context.Context, p models.Profile) error
	AddInteraction(ctx context.Context, s models.InteractionSummary) error
}

const (
	// affinityAlpha is the EMA weight given to each new technique observation.
	affinityAlpha = 0.2
	// FamiliarAffinity is the affinity at which a technique counts as familiar.
	FamiliarAffinity = 0.6
)

// Observation strengths for technique affinity.
const (
	signalAdvanced  = 0.7
	signalRepeated  = 0.3
	signalAbandoned = 0.2
	signalTrouble   = 0.0
)

var troublePhrases = []string{"still anxious", "did not help", "didn't help", "not working", "doesn't work", "does not work"}

// Service reads and updates profiles.
type Service struct {
	store ProfileStore
	// mu serializes read-modify-write cycles on profiles.
	mu sync.Mutex
}

// NewService creates a Service backed by st.
func NewService(st ProfileStore) *Service {
	return &Service{store: st}
}

// GetProfile returns the session's profile, or the default profile when none
// is stored. On error the default profile is returned alongside the error.
func (s *Service) GetProfile(ctx context.Context, sessionID string) (models.Profile, error) {
	p, err := s.store.GetProfile(ctx, sessionID)
	if err != nil {
		return models.DefaultProfile(sessionID), fmt.Errorf("get profile: %w", err)
	}
	if p == nil {
		return models.DefaultProfile(sessionID), nil
	}
	p.PreferredTone = tone.Preferred(p.Tone)
	return *p, nil
}

// RecordInteraction folds one turn into the profile and appends the summary
// to the interaction log.
func (s *Service) RecordInteraction(ctx context.Context, summary models.InteractionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.GetProfile(ctx, summary.SessionID)
	if err != nil {
		return err
	}

	proposal := tone.ValidateProposal(tone.Infer(summary.Text))
	if tone.UpdateProfileTone(&p.Tone, proposal, summary.Timestamp) {
		slog.Debug("Service.RecordInteraction: tone updated", "sessionID", summary.SessionID, "tags", p.Tone.Tags, "source", proposal.Source)
	}
	p.PreferredTone = tone.Preferred(p.Tone)

	if summary.Technique != "" {
		if obs, ok := techniqueObservation(summary); ok {
			if p.TechniqueAffinities == nil {
				p.TechniqueAffinities = make(map[string]float64)
			}
			prev := p.Affinity(summary.Technique)
			p.TechniqueAffinities[summary.Technique] = round4((1-affinityAlpha)*prev + affinityAlpha*obs)
		}
	}
	p.Interactions++
	p.UpdatedAt = summary.Timestamp

	if err := s.store.SaveProfile(ctx, p); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	if err := s.store.AddInteraction(ctx, summary); err != nil {
		return fmt.Errorf("add interaction: %w", err)
	}
	return nil
}

// techniqueObservation scores how well the technique of the answered step
// went. Complaints outrank a rating, which outranks flow movement.
func techniqueObservation(s models.InteractionSummary) (float64, bool) {
	text := strings.ToLower(s.Text)
	for _, p := range troublePhrases {
		if strings.Contains(text, p) {
			return signalTrouble, true
		}
	}
	if s.Rating != nil {
		// Ratings are anxiety levels: 1 is calm, 10 is the worst.
		r := math.Max(1, math.Min(10, float64(*s.Rating)))
		return 1 - (r-1)/9, true
	}
	for _, k := range s.Transitions {
		switch k {
		case models.TransitionAdvance, models.TransitionComplete:
			return signalAdvanced, true
		case models.TransitionRepeat:
			return signalRepeated, true
		case models.TransitionAbandon:
			return signalAbandoned, true
		}
	}
	return 0, false
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
