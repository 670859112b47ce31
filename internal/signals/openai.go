package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BTreeMap/FlowGuide/internal/models"
)

// Completer is the subset of genai.Client the OpenAI classifier needs.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// OpenAIClassifier asks a chat model to label a message. It implements both
// EmotionClassifier and IntentClassifier.
type OpenAIClassifier struct {
	llm Completer
}

// NewOpenAIClassifier creates a classifier backed by llm.
func NewOpenAIClassifier(llm Completer) *OpenAIClassifier {
	return &OpenAIClassifier{llm: llm}
}

var (
	emotionLabels = []string{EmotionPanic, EmotionFear, EmotionAnxiety, EmotionLoneliness, EmotionFrustration, EmotionCalm}
	intentLabels  = func() []string {
		out := make([]string, 0, len(models.AllScenarios))
		for _, s := range models.AllScenarios {
			out = append(out, string(s))
		}
		return out
	}()
)

const classifierPrompt = `You label short messages from people seeking support with anxiety.
Choose the single best %s label from this list: %s.
If none applies, use an empty label with confidence 0.
Respond with JSON only, no prose, in the form:
{"label": "<label>", "confidence": <0..1>, "scores": {"<label>": <0..1>}}`

type labelResponse struct {
	Label      string             `json:"label"`
	Confidence float64            `json:"confidence"`
	Scores     map[string]float64 `json:"scores"`
}

// ClassifyEmotion implements EmotionClassifier.
func (c *OpenAIClassifier) ClassifyEmotion(ctx context.Context, text string) (models.EmotionSignal, error) {
	r, err := c.classify(ctx, "emotion", emotionLabels, text)
	if err != nil {
		return models.EmotionSignal{}, err
	}
	return models.EmotionSignal{Label: r.Label, Confidence: r.Confidence, Scores: r.Scores}, nil
}

// ClassifyIntent implements IntentClassifier.
func (c *OpenAIClassifier) ClassifyIntent(ctx context.Context, text string) (models.IntentSignal, error) {
	r, err := c.classify(ctx, "scenario", intentLabels, text)
	if err != nil {
		return models.IntentSignal{}, err
	}
	return models.IntentSignal{Label: r.Label, Confidence: r.Confidence, Scores: r.Scores}, nil
}

func (c *OpenAIClassifier) classify(ctx context.Context, kind string, labels []string, text string) (labelResponse, error) {
	system := fmt.Sprintf(classifierPrompt, kind, strings.Join(labels, ", "))
	out, err := c.llm.Complete(ctx, system, text)
	if err != nil {
		return labelResponse{}, fmt.Errorf("%s classification: %w", kind, err)
	}
	return parseLabelResponse(out, labels)
}

// parseLabelResponse extracts the JSON object from a model reply, drops
// labels outside the allowed set and clamps confidences.
func parseLabelResponse(out string, allowed []string) (labelResponse, error) {
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start < 0 || end < start {
		return labelResponse{}, fmt.Errorf("classifier reply is not JSON: %q", truncate(out, 80))
	}
	var r labelResponse
	if err := json.Unmarshal([]byte(out[start:end+1]), &r); err != nil {
		return labelResponse{}, fmt.Errorf("decode classifier reply: %w", err)
	}

	ok := make(map[string]bool, len(allowed))
	for _, l := range allowed {
		ok[l] = true
	}
	r.Label = strings.ToLower(strings.TrimSpace(r.Label))
	if !ok[r.Label] {
		r.Label, r.Confidence = "", 0
	}
	r.Confidence = models.ClampConfidence(r.Confidence)
	scores := make(map[string]float64, len(r.Scores))
	for k, v := range r.Scores {
		k = strings.ToLower(strings.TrimSpace(k))
		if ok[k] {
			scores[k] = models.ClampConfidence(v)
		}
	}
	r.Scores = scores
	return r, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
