// Package testutil provides common test doubles and helpers for FlowGuide tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/FlowGuide/internal/models"
	"github.com/BTreeMap/FlowGuide/internal/retrieval"
	"github.com/BTreeMap/FlowGuide/internal/signals"
	"github.com/BTreeMap/FlowGuide/internal/store"
)

// ErrInjected is returned by failing test doubles.
var ErrInjected = errors.New("injected failure")

// Signal is the scripted output for one message.
type Signal struct {
	Emotion    string
	EmotionPct float64
	Intent     string
	IntentPct  float64
}

// ScriptedSignals returns fixed signals for messages containing a key
// (case-insensitive). Unmatched messages produce empty signals.
type ScriptedSignals struct {
	mu     sync.Mutex
	script map[string]Signal
	calls  int
}

// NewScriptedSignals creates a ScriptedSignals from a key-to-signal map.
func NewScriptedSignals(script map[string]Signal) *ScriptedSignals {
	s := &ScriptedSignals{script: make(map[string]Signal, len(script))}
	for k, v := range script {
		s.script[strings.ToLower(k)] = v
	}
	return s
}

// Extract implements the engine's signal extractor.
func (s *ScriptedSignals) Extract(ctx context.Context, text string) signals.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	t := strings.ToLower(text)
	var best string
	for k := range s.script {
		// Longest key wins so results do not depend on map order.
		if strings.Contains(t, k) && len(k) > len(best) {
			best = k
		}
	}
	if best == "" {
		return signals.Result{}
	}
	sig := s.script[best]
	return signals.Result{
		Emotion: models.EmotionSignal{Label: sig.Emotion, Confidence: sig.EmotionPct},
		Intent:  models.IntentSignal{Label: sig.Intent, Confidence: sig.IntentPct},
	}
}

// Calls returns how many messages were classified.
func (s *ScriptedSignals) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// BlockingRetriever never answers; it returns only when its context is done.
type BlockingRetriever struct {
	calls atomic.Int32
}

// Retrieve implements retrieval.Retriever.
func (b *BlockingRetriever) Retrieve(ctx context.Context, q retrieval.Query) ([]models.Snippet, error) {
	b.calls.Add(1)
	<-ctx.Done()
	return nil, ctx.Err()
}

// Calls returns how many queries were issued.
func (b *BlockingRetriever) Calls() int {
	return int(b.calls.Load())
}

// FailingStore wraps a store.Store and fails SaveTurn while FailSaves is set.
type FailingStore struct {
	store.Store
	FailSaves atomic.Bool
	FailLoads atomic.Bool
}

// NewFailingStore wraps st.
func NewFailingStore(st store.Store) *FailingStore {
	return &FailingStore{Store: st}
}

// LoadSession fails while FailLoads is set.
func (f *FailingStore) LoadSession(ctx context.Context, sessionID string, historyLimit int) (*models.Session, error) {
	if f.FailLoads.Load() {
		return nil, ErrInjected
	}
	return f.Store.LoadSession(ctx, sessionID, historyLimit)
}

// SaveTurn fails while FailSaves is set.
func (f *FailingStore) SaveTurn(ctx context.Context, session *models.Session, turn models.Turn) error {
	if f.FailSaves.Load() {
		return ErrInjected
	}
	return f.Store.SaveTurn(ctx, session, turn)
}

// SlowProfiles answers GetProfile after Delay and records interactions.
type SlowProfiles struct {
	Delay time.Duration

	mu       sync.Mutex
	recorded []models.InteractionSummary
}

// GetProfile waits for Delay or ctx.
func (p *SlowProfiles) GetProfile(ctx context.Context, sessionID string) (models.Profile, error) {
	select {
	case <-time.After(p.Delay):
		return models.DefaultProfile(sessionID), nil
	case <-ctx.Done():
		return models.Profile{}, ctx.Err()
	}
}

// RecordInteraction stores the summary.
func (p *SlowProfiles) RecordInteraction(ctx context.Context, s models.InteractionSummary) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recorded = append(p.recorded, s)
	return nil
}

// Recorded returns the summaries recorded so far.
func (p *SlowProfiles) Recorded() []models.InteractionSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.InteractionSummary, len(p.recorded))
	copy(out, p.recorded)
	return out
}

// FixedClock returns a clock that advances by step on every call.
func FixedClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := now
		now = now.Add(step)
		return t
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes a JSON response and validates the status field.
func AssertJSONResponse(t testing.TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with an optional JSON body.
func CreateHTTPRequest(t testing.TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// MustMarshalJSON marshals an object to JSON and fails the test on error.
func MustMarshalJSON(t testing.TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails the test on error.
func MustUnmarshalJSON(t testing.TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
