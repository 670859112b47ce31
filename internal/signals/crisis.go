package signals

import (
	"context"
	"log/slog"
	"regexp"
	"sort"

	"github.com/BTreeMap/FlowGuide/internal/models"
)

// CrisisLevel grades crisis language in a message.
type CrisisLevel int

const (
	CrisisNone CrisisLevel = iota
	CrisisMedium
	CrisisHigh
)

func (l CrisisLevel) String() string {
	switch l {
	case CrisisHigh:
		return "high"
	case CrisisMedium:
		return "medium"
	default:
		return "none"
	}
}

// CrisisAssessment is the result of scanning one message.
type CrisisAssessment struct {
	Level      CrisisLevel
	Categories []string
}

type crisisPattern struct {
	category string
	level    CrisisLevel
	re       *regexp.Regexp
}

// Patterns run against normalized text, where "can't" has become "cannot".
var crisisPatterns = []crisisPattern{
	{"suicidal_ideation", CrisisHigh, regexp.MustCompile(`\b(want to die|wanna die|wish i was dead|wish i were dead)\b`)},
	{"suicidal_ideation", CrisisHigh, regexp.MustCompile(`\b(kill myself|killing myself|end my life|take my own life)\b`)},
	{"suicidal_ideation", CrisisHigh, regexp.MustCompile(`\b(suicide|suicidal)\b`)},
	{"suicidal_ideation", CrisisHigh, regexp.MustCompile(`\b(better off dead|world (would be )?better without me)\b`)},
	{"suicidal_ideation", CrisisHigh, regexp.MustCompile(`\b(no point (in )?living|no reason to live)\b`)},
	{"self_harm", CrisisHigh, regexp.MustCompile(`\b(cut myself|cutting myself|hurt myself|hurting myself)\b`)},
	{"self_harm", CrisisHigh, regexp.MustCompile(`\b(harm myself|harming myself|self harm|self-harm)\b`)},
	{"hopelessness", CrisisMedium, regexp.MustCompile(`\b(cannot go on|can not go on)\b`)},
	{"hopelessness", CrisisMedium, regexp.MustCompile(`\b(hopeless|no hope|nothing left)\b`)},
	{"hopelessness", CrisisMedium, regexp.MustCompile(`\b(end it all|ending it all)\b`)},
	{"severe_distress", CrisisMedium, regexp.MustCompile(`\b(cannot take it anymore|cannot take it|breaking down|falling apart)\b`)},
	{"severe_distress", CrisisMedium, regexp.MustCompile(`\b(desperate|desperation)\b`)},
}

// AssessCrisis scans text for crisis language.
func AssessCrisis(text string) CrisisAssessment {
	t := Normalize(text)
	var a CrisisAssessment
	seen := map[string]bool{}
	for _, p := range crisisPatterns {
		if !p.re.MatchString(t) {
			continue
		}
		if p.level > a.Level {
			a.Level = p.level
		}
		if !seen[p.category] {
			seen[p.category] = true
			a.Categories = append(a.Categories, p.category)
		}
	}
	sort.Strings(a.Categories)
	return a
}

// CrisisGuard decorates an intent classifier so crisis language always
// yields a crisis intent, even when the wrapped classifier fails or disagrees.
type CrisisGuard struct {
	next   IntentClassifier
	high   float64
	medium float64
}

// NewCrisisGuard wraps next. high and medium are the confidences reported for
// each crisis level.
func NewCrisisGuard(next IntentClassifier, high, medium float64) *CrisisGuard {
	return &CrisisGuard{next: next, high: high, medium: medium}
}

// ClassifyIntent implements IntentClassifier.
func (g *CrisisGuard) ClassifyIntent(ctx context.Context, text string) (models.IntentSignal, error) {
	a := AssessCrisis(text)
	if a.Level == CrisisHigh {
		slog.Warn("CrisisGuard.ClassifyIntent: high-risk language detected", "categories", a.Categories)
		return g.crisisSignal(g.high, nil), nil
	}

	sig, err := g.classifyNext(ctx, text)
	if a.Level == CrisisMedium {
		slog.Warn("CrisisGuard.ClassifyIntent: elevated-risk language detected", "categories", a.Categories)
		if err != nil || sig.Label != string(models.ScenarioCrisis) || sig.Confidence < g.medium {
			return g.crisisSignal(g.medium, sig.Scores), nil
		}
	}
	return sig, err
}

func (g *CrisisGuard) classifyNext(ctx context.Context, text string) (models.IntentSignal, error) {
	if g.next == nil {
		return models.IntentSignal{}, nil
	}
	return g.next.ClassifyIntent(ctx, text)
}

func (g *CrisisGuard) crisisSignal(conf float64, others map[string]float64) models.IntentSignal {
	scores := make(map[string]float64, len(others)+1)
	for k, v := range others {
		scores[k] = v
	}
	scores[string(models.ScenarioCrisis)] = conf
	return models.IntentSignal{Label: string(models.ScenarioCrisis), Confidence: conf, Scores: scores}
}
