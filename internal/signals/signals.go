// Package signals extracts the emotion and intent signals the router needs
// from a user message. Classifiers are interchangeable; the Extractor runs
// them in parallel under a timeout and degrades to zero signals on failure.
package signals

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowGuide/internal/models"
	"github.com/BTreeMap/FlowGuide/internal/util"
	"golang.org/x/sync/errgroup"
)

// EmotionClassifier maps message text to a scored emotion signal.
type EmotionClassifier interface {
	ClassifyEmotion(ctx context.Context, text string) (models.EmotionSignal, error)
}

// IntentClassifier maps message text to a scored scenario intent.
type IntentClassifier interface {
	ClassifyIntent(ctx context.Context, text string) (models.IntentSignal, error)
}

// Result carries the signals for one message. An unavailable signal is left
// at its zero value and its error is recorded in Errors.
type Result struct {
	Emotion models.EmotionSignal
	Intent  models.IntentSignal
	Errors  []error
}

// DefaultTimeout bounds each classifier call when none is configured.
const DefaultTimeout = 2 * time.Second

// Extractor runs the emotion and intent classifiers concurrently.
type Extractor struct {
	emotion EmotionClassifier
	intent  IntentClassifier
	timeout time.Duration
}

// NewExtractor creates an Extractor. A nil classifier yields an always-unavailable signal.
func NewExtractor(emotion EmotionClassifier, intent IntentClassifier, timeout time.Duration) *Extractor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Extractor{emotion: emotion, intent: intent, timeout: timeout}
}

// Extract classifies text. It never fails: each classifier that errors or
// exceeds the timeout contributes a zero signal, which can never clear a
// routing threshold.
func (x *Extractor) Extract(ctx context.Context, text string) Result {
	var (
		res                  Result
		emotionErr, intentErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if x.emotion == nil {
			emotionErr = fmt.Errorf("%w: no emotion classifier", models.ErrSignalUnavailable)
			return nil
		}
		sig, err := util.CallWithTimeout(gctx, x.timeout, func(ctx context.Context) (models.EmotionSignal, error) {
			return x.emotion.ClassifyEmotion(ctx, text)
		})
		if err != nil {
			emotionErr = fmt.Errorf("%w: emotion: %v", models.ErrSignalUnavailable, err)
			return nil
		}
		sig.Confidence = models.ClampConfidence(sig.Confidence)
		res.Emotion = sig
		return nil
	})
	g.Go(func() error {
		if x.intent == nil {
			intentErr = fmt.Errorf("%w: no intent classifier", models.ErrSignalUnavailable)
			return nil
		}
		sig, err := util.CallWithTimeout(gctx, x.timeout, func(ctx context.Context) (models.IntentSignal, error) {
			return x.intent.ClassifyIntent(ctx, text)
		})
		if err != nil {
			intentErr = fmt.Errorf("%w: intent: %v", models.ErrSignalUnavailable, err)
			return nil
		}
		sig.Confidence = models.ClampConfidence(sig.Confidence)
		res.Intent = sig
		return nil
	})
	_ = g.Wait()

	for _, err := range []error{emotionErr, intentErr} {
		if err != nil {
			slog.Warn("Extractor.Extract: signal unavailable", "error", err)
			res.Errors = append(res.Errors, err)
		}
	}
	return res
}
