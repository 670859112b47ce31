package signals

import (
	"context"
	"regexp"
	"sort"

	"github.com/BTreeMap/FlowGuide/internal/models"
)

const (
	primaryWeight   = 2.0
	secondaryWeight = 1.0
	// saturation is the weighted hit count at which keyword confidence reaches 1.
	saturation = 4.0
)

type keywordSet struct {
	primary   []string
	secondary []string
}

var scenarioKeywords = map[models.Scenario]keywordSet{
	models.ScenarioPanic: {
		primary:   []string{"racing heart", "heart racing", "heart is racing", "can't breathe", "dizzy", "trembling", "shaking", "chest tight", "tight chest", "palpitations", "panic attack"},
		secondary: []string{"panic", "panicking", "scared", "terrified", "overwhelmed", "nauseous", "sweating", "hyperventilating"},
	},
	models.ScenarioSleep: {
		primary:   []string{"can't sleep", "thoughts won't stop", "racing mind", "racing thoughts", "lying awake", "fall asleep", "stay asleep"},
		secondary: []string{"insomnia", "restless", "tossing and turning", "mind racing", "overthinking", "ruminating", "bedtime", "night"},
	},
	models.ScenarioPreEvent: {
		primary:   []string{"interview", "exam", "test", "presentation", "meeting", "tomorrow", "next week", "date"},
		secondary: []string{"nervous", "worried about", "preparing for", "upcoming", "performance", "evaluation", "speech"},
	},
	models.ScenarioIsolation: {
		primary:   []string{"alone", "lonely", "no one to talk to", "nobody understands", "isolated", "by myself"},
		secondary: []string{"abandoned", "disconnected", "empty", "friendless", "solitary", "withdrawn"},
	},
	models.ScenarioUncertainty: {
		primary:   []string{"waiting for", "don't know what will", "what if", "uncertain", "unknown", "unclear"},
		secondary: []string{"confused", "unsure", "doubtful", "ambiguous", "unpredictable", "worrying about"},
	},
	models.ScenarioDecisionMaking: {
		primary:   []string{"don't know what to", "can't decide", "choices", "options", "confused about", "which one"},
		secondary: []string{"indecisive", "torn between", "struggling with", "difficulty choosing", "overwhelmed by options", "decide"},
	},
	models.ScenarioPhysicalTriggers: {
		primary:   []string{"caffeine", "tired", "exhausted", "crowded", "noisy", "loud", "bright lights"},
		secondary: []string{"stimulants", "coffee", "energy drink", "fatigue", "overstimulated", "sensory overload"},
	},
}

// Emotion lexicon labels.
const (
	EmotionPanic       = "panic"
	EmotionFear        = "fear"
	EmotionAnxiety     = "anxiety"
	EmotionLoneliness  = "loneliness"
	EmotionFrustration = "frustration"
	EmotionCalm        = "calm"
)

var emotionLexicon = map[string]keywordSet{
	EmotionPanic: {
		primary:   []string{"panic attack", "can't breathe", "freaking out", "losing control", "heart is racing", "heart racing"},
		secondary: []string{"panic", "panicking", "hyperventilating", "shaking", "trembling"},
	},
	EmotionFear: {
		primary:   []string{"terrified", "petrified", "frightened"},
		secondary: []string{"scared", "afraid", "fear", "dread"},
	},
	EmotionAnxiety: {
		primary:   []string{"anxious", "anxiety", "on edge"},
		secondary: []string{"worried", "nervous", "uneasy", "stressed", "tense", "restless"},
	},
	EmotionLoneliness: {
		primary:   []string{"lonely", "no one to talk to", "nobody cares"},
		secondary: []string{"alone", "isolated", "left out", "disconnected"},
	},
	EmotionFrustration: {
		primary:   []string{"frustrated", "fed up", "sick of"},
		secondary: []string{"annoyed", "angry", "irritated", "stuck"},
	},
	EmotionCalm: {
		primary:   []string{"calm", "relaxed", "at peace", "feeling better"},
		secondary: []string{"better", "okay", "fine", "peaceful", "good"},
	},
}

type weightedPattern struct {
	re     *regexp.Regexp
	weight float64
}

// compileSet normalizes every keyword the same way messages are normalized,
// so "can't" in a keyword matches "cannot" in the text.
func compileSet(ks keywordSet) []weightedPattern {
	var out []weightedPattern
	add := func(words []string, w float64) {
		for _, kw := range words {
			out = append(out, weightedPattern{
				re:     regexp.MustCompile(`\b` + regexp.QuoteMeta(Normalize(kw)) + `\b`),
				weight: w,
			})
		}
	}
	add(ks.primary, primaryWeight)
	add(ks.secondary, secondaryWeight)
	return out
}

func weightedHits(text string, patterns []weightedPattern) float64 {
	var total float64
	for _, p := range patterns {
		total += float64(len(p.re.FindAllStringIndex(text, -1))) * p.weight
	}
	return total
}

// KeywordIntentClassifier scores scenarios by weighted keyword hits.
// Confidence reflects both how dominant the top scenario is and how much
// evidence there is for it.
type KeywordIntentClassifier struct {
	patterns map[string][]weightedPattern
}

// NewKeywordIntentClassifier compiles the built-in scenario keyword tables.
func NewKeywordIntentClassifier() *KeywordIntentClassifier {
	c := &KeywordIntentClassifier{patterns: make(map[string][]weightedPattern, len(scenarioKeywords))}
	for s, ks := range scenarioKeywords {
		c.patterns[string(s)] = compileSet(ks)
	}
	return c
}

// ClassifyIntent implements IntentClassifier.
func (c *KeywordIntentClassifier) ClassifyIntent(ctx context.Context, text string) (models.IntentSignal, error) {
	if err := ctx.Err(); err != nil {
		return models.IntentSignal{}, err
	}
	label, conf, scores := scoreLabels(Normalize(text), c.patterns)
	return models.IntentSignal{Label: label, Confidence: conf, Scores: scores}, nil
}

// KeywordEmotionClassifier scores emotions with a small lexicon.
type KeywordEmotionClassifier struct {
	patterns map[string][]weightedPattern
}

// NewKeywordEmotionClassifier compiles the built-in emotion lexicon.
func NewKeywordEmotionClassifier() *KeywordEmotionClassifier {
	c := &KeywordEmotionClassifier{patterns: make(map[string][]weightedPattern, len(emotionLexicon))}
	for label, ks := range emotionLexicon {
		c.patterns[label] = compileSet(ks)
	}
	return c
}

// ClassifyEmotion implements EmotionClassifier.
func (c *KeywordEmotionClassifier) ClassifyEmotion(ctx context.Context, text string) (models.EmotionSignal, error) {
	if err := ctx.Err(); err != nil {
		return models.EmotionSignal{}, err
	}
	label, conf, scores := scoreLabels(Normalize(text), c.patterns)
	return models.EmotionSignal{Label: label, Confidence: conf, Scores: scores}, nil
}

// scoreLabels returns the winning label, its confidence and every non-zero
// label's confidence. Ties break alphabetically so results are deterministic.
func scoreLabels(text string, table map[string][]weightedPattern) (string, float64, map[string]float64) {
	raw := make(map[string]float64)
	var sum float64
	for label, patterns := range table {
		if h := weightedHits(text, patterns); h > 0 {
			raw[label] = h
			sum += h
		}
	}
	if len(raw) == 0 {
		return "", 0, nil
	}

	labels := make([]string, 0, len(raw))
	for l := range raw {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool {
		if raw[labels[i]] != raw[labels[j]] {
			return raw[labels[i]] > raw[labels[j]]
		}
		return labels[i] < labels[j]
	})

	scores := make(map[string]float64, len(raw))
	for l, h := range raw {
		scores[l] = confidence(h, sum)
	}
	top := labels[0]
	return top, scores[top], scores
}

func confidence(hits, sum float64) float64 {
	evidence := hits / saturation
	if evidence > 1 {
		evidence = 1
	}
	return models.ClampConfidence((hits / sum) * evidence)
}
