// Package tone tracks how a user prefers to be spoken to. It keeps a fixed
// whitelist of tone tags, smooths observations with an EMA plus hysteresis,
// enforces mutually exclusive tags, and infers observations from user text.
package tone

import (
	"math"
	"sort"
	"strings"
	"time"
)

// Template variants selectable by tone.
const (
	Neutral     = "neutral"
	Directive   = "directive"
	Exploratory = "exploratory"
)

// AllTags is the hard-coded set of tone tags.
var AllTags = map[string]bool{
	Directive:   true,
	Exploratory: true,
	"concise":   true,
	"detailed":  true,
}

// mutuallyExclusivePairs defines tags where at most one may be active.
var mutuallyExclusivePairs = [][2]string{
	{Directive, Exploratory},
	{"concise", "detailed"},
}

// UpdateSource enumerates how a tone update was triggered.
type UpdateSource string

const (
	SourceExplicit UpdateSource = "explicit"
	SourceImplicit UpdateSource = "implicit"
)

// Proposal is a set of observed tone tags for one message.
type Proposal struct {
	Tags   []string           `json:"tone_tags,omitempty"`
	Scores map[string]float32 `json:"tone_scores,omitempty"`
	Source UpdateSource       `json:"tone_update_source,omitempty"`
}

// ProfileTone stores the persistent tone fields inside a profile.
type ProfileTone struct {
	Tags          []string           `json:"tone_tags,omitempty"`
	Scores        map[string]float32 `json:"tone_scores,omitempty"`
	LastUpdatedAt time.Time          `json:"tone_last_updated_at,omitempty"`
	UpdateSource  UpdateSource       `json:"tone_update_source,omitempty"`
}

const (
	alpha             = float32(0.15)
	activateThreshold = float32(0.7)
	deactivateThresh  = float32(0.4)
	// minImplicitInterval rate-limits implicit updates.
	minImplicitInterval = 3 * time.Minute
)

// ValidateProposal strips unknown tags, clamps scores, and returns a cleaned proposal.
func ValidateProposal(p Proposal) Proposal {
	cleaned := Proposal{Source: p.Source}
	if cleaned.Source == "" {
		cleaned.Source = SourceImplicit
	}

	seen := map[string]bool{}
	for _, t := range p.Tags {
		t = strings.TrimSpace(strings.ToLower(t))
		if AllTags[t] && !seen[t] {
			cleaned.Tags = append(cleaned.Tags, t)
			seen[t] = true
		}
	}

	if len(p.Scores) > 0 {
		cleaned.Scores = make(map[string]float32, len(p.Scores))
		for k, v := range p.Scores {
			k = strings.TrimSpace(strings.ToLower(k))
			if !AllTags[k] {
				continue
			}
			cleaned.Scores[k] = clamp(v)
		}
	}
	return cleaned
}

// UpdateProfileTone applies a validated proposal using EMA smoothing and
// hysteresis. Explicit proposals apply at full weight and bypass the rate
// limit. Returns true if the profile was mutated.
func UpdateProfileTone(pt *ProfileTone, proposal Proposal, now time.Time) bool {
	if pt.Scores == nil {
		pt.Scores = make(map[string]float32)
	}

	if proposal.Source == SourceImplicit {
		if !pt.LastUpdatedAt.IsZero() && now.Sub(pt.LastUpdatedAt) < minImplicitInterval {
			return false
		}
	}

	obs := make(map[string]float32)
	for _, t := range proposal.Tags {
		obs[t] = 1.0
	}
	for k, v := range proposal.Scores {
		obs[k] = v
	}
	if len(obs) == 0 {
		return false
	}

	changed := false
	if proposal.Source == SourceExplicit {
		for tag, v := range obs {
			prev := pt.Scores[tag]
			pt.Scores[tag] = clamp(v)
			if pt.Scores[tag] != prev {
				changed = true
			}
		}
		// An explicit request for one side of a pair clears the other.
		for _, pair := range mutuallyExclusivePairs {
			a, b := pair[0], pair[1]
			if obs[a] >= activateThreshold {
				pt.Scores[b] = 0
			} else if obs[b] >= activateThreshold {
				pt.Scores[a] = 0
			}
		}
	} else {
		for tag, v := range obs {
			prev := pt.Scores[tag]
			pt.Scores[tag] = clamp((1-alpha)*prev + alpha*v)
			if pt.Scores[tag] != prev {
				changed = true
			}
		}
		for tag, prev := range pt.Scores {
			if _, observed := obs[tag]; observed || prev <= 0 {
				continue
			}
			decayed := clamp((1 - alpha) * prev)
			if decayed != prev {
				pt.Scores[tag] = decayed
				changed = true
			}
		}
	}
	if !changed {
		return false
	}

	for _, pair := range mutuallyExclusivePairs {
		a, b := pair[0], pair[1]
		sa, sb := pt.Scores[a], pt.Scores[b]
		if sa >= activateThreshold && sb >= activateThreshold {
			if sa >= sb {
				pt.Scores[b] = deactivateThresh - 0.01
			} else {
				pt.Scores[a] = deactivateThresh - 0.01
			}
		}
	}

	activeSet := make(map[string]bool)
	for _, t := range pt.Tags {
		activeSet[t] = true
	}
	for tag, score := range pt.Scores {
		if score >= activateThreshold {
			activeSet[tag] = true
		} else if score <= deactivateThresh {
			delete(activeSet, tag)
		}
		// Between thresholds: keep current state.
	}

	newTags := make([]string, 0, len(activeSet))
	for t := range activeSet {
		newTags = append(newTags, t)
	}
	sort.Strings(newTags)
	pt.Tags = newTags
	pt.LastUpdatedAt = now
	pt.UpdateSource = proposal.Source
	return true
}

// Preferred returns the template variant the active tags ask for.
func Preferred(pt ProfileTone) string {
	for _, t := range pt.Tags {
		switch t {
		case Directive:
			return Directive
		case Exploratory:
			return Exploratory
		}
	}
	return Neutral
}

// Phrases that state a preference outright.
var (
	explicitDirective = []string{
		"just tell me what to do", "give me steps", "be direct", "tell me what to do",
		"just the steps", "keep it short",
	}
	explicitExploratory = []string{
		"help me understand", "can we talk it through", "talk it through",
		"i want to understand", "explain why", "let's explore",
	}
	directiveCues   = []string{"what should i do", "how do i", "quick", "right now", "fast", "just", "steps"}
	exploratoryCues = []string{"why", "i wonder", "i feel like", "i think", "understand", "what does it mean", "not sure why"}
)

// Infer derives a tone proposal from a user message. It returns a proposal
// with no tags when the message carries no usable cue.
func Infer(text string) Proposal {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return Proposal{Source: SourceImplicit}
	}

	for _, p := range explicitDirective {
		if strings.Contains(t, p) {
			return Proposal{Tags: []string{Directive, "concise"}, Source: SourceExplicit}
		}
	}
	for _, p := range explicitExploratory {
		if strings.Contains(t, p) {
			return Proposal{Tags: []string{Exploratory}, Source: SourceExplicit}
		}
	}

	scores := make(map[string]float32)
	d := countCues(t, directiveCues)
	e := countCues(t, exploratoryCues)
	switch {
	case d > e:
		scores[Directive] = 1
	case e > d:
		scores[Exploratory] = 1
	}

	words := len(strings.Fields(t))
	switch {
	case words <= 5:
		scores["concise"] = 1
	case words >= 40:
		scores["detailed"] = 1
	}
	if len(scores) == 0 {
		return Proposal{Source: SourceImplicit}
	}
	return Proposal{Scores: scores, Source: SourceImplicit}
}

func countCues(text string, cues []string) int {
	n := 0
	for _, c := range cues {
		if strings.Contains(text, c) {
			n++
		}
	}
	return n
}

func clamp(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	// Round to 4 decimal places to avoid floating point drift.
	return float32(math.Round(float64(v)*10000) / 10000)
}
