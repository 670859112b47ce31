package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/FlowGuide/internal/config"
	"github.com/BTreeMap/FlowGuide/internal/flow"
	"github.com/BTreeMap/FlowGuide/internal/models"
	"github.com/BTreeMap/FlowGuide/internal/registry"
	"github.com/BTreeMap/FlowGuide/internal/retrieval"
	"github.com/BTreeMap/FlowGuide/internal/router"
	"github.com/BTreeMap/FlowGuide/internal/signals"
	"github.com/BTreeMap/FlowGuide/internal/store"
	"github.com/BTreeMap/FlowGuide/internal/testutil"
	"go.uber.org/goleak"
)

type fakeEngine struct {
	processErr error
	statusErr  error
	statsErr   error
	lastText   string
}

func (f *fakeEngine) ProcessMessage(ctx context.Context, sessionID, text string) (*models.Reply, error) {
	f.lastText = text
	if f.processErr != nil {
		return nil, f.processErr
	}
	return &models.Reply{SessionID: sessionID, TurnID: "t1", ResponseText: "I'm here with you."}, nil
}

func (f *fakeEngine) SessionStatus(ctx context.Context, sessionID string) (*models.SessionStatus, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &models.SessionStatus{SessionID: sessionID, TurnCount: 2}, nil
}

func (f *fakeEngine) SessionTurns(ctx context.Context, sessionID string) ([]models.Turn, error) {
	return []models.Turn{{SessionID: sessionID, Seq: 1}}, nil
}

func (f *fakeEngine) ReplaySession(ctx context.Context, sessionID string) (*models.ReplayReport, error) {
	return &models.ReplayReport{SessionID: sessionID, Turns: 1, Consistent: true}, nil
}

func (f *fakeEngine) SessionStats(ctx context.Context, sessionID string) (*models.SessionStats, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	return &models.SessionStats{SessionID: sessionID, MessageCount: 1}, nil
}

func (f *fakeEngine) GlobalStats(ctx context.Context) (*models.GlobalStats, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	return &models.GlobalStats{ActiveSessions: 1, TotalMessages: 1}, nil
}

func (f *fakeEngine) Flows() []models.FlowSummary {
	return []models.FlowSummary{{ID: "panic_grounding", Scenario: models.ScenarioPanic}}
}

func (f *fakeEngine) Health() models.HealthStatus {
	return models.HealthStatus{Status: "ok", Flows: 1}
}

func serve(t *testing.T, s *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestChatHandler(t *testing.T) {
	eng := &fakeEngine{}
	s := NewServer(eng)

	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/chat", models.ChatRequest{SessionID: "s1", Message: "I feel panicky"})
	rr := serve(t, s, req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "chat")
	resp := testutil.AssertJSONResponse(t, rr, string(models.APIStatusOK))
	result, ok := resp["result"].(map[string]interface{})
	if !ok || result["response_text"] != "I'm here with you." {
		t.Errorf("unexpected result %v", resp["result"])
	}
	if eng.lastText != "I feel panicky" {
		t.Errorf("engine got %q", eng.lastText)
	}
}

func TestChatHandler_BadRequests(t *testing.T) {
	s := NewServer(&fakeEngine{})
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"session_id":`},
		{"missing session", `{"message":"hi"}`},
		{"empty message", `{"session_id":"s1","message":"  "}`},
		{"oversized message", fmt.Sprintf(`{"session_id":"s1","message":%q}`, strings.Repeat("a", models.MaxMessageLength+1))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(tt.body))
			rr := serve(t, s, req)
			testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, tt.name)
			testutil.AssertJSONResponse(t, rr, string(models.APIStatusError))
		})
	}
}

func TestChatHandler_MethodNotAllowed(t *testing.T) {
	s := NewServer(&fakeEngine{})
	rr := serve(t, s, httptest.NewRequest(http.MethodGet, "/chat", nil))
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "GET /chat")
}

func TestChatHandler_PersistenceFailureIsRetryable(t *testing.T) {
	eng := &fakeEngine{processErr: &models.PersistenceError{SessionID: "s1", Op: "save turn", Err: errors.New("disk full")}}
	s := NewServer(eng, WithRetryAfter(2*time.Second))

	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/chat", models.ChatRequest{SessionID: "s1", Message: "hello"})
	rr := serve(t, s, req)
	testutil.AssertHTTPStatus(t, http.StatusServiceUnavailable, rr.Code, "persistence failure")
	if got := rr.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}
	testutil.AssertJSONResponse(t, rr, string(models.APIStatusRetry))
}

func TestChatHandler_InternalError(t *testing.T) {
	s := NewServer(&fakeEngine{processErr: errors.New("boom")})
	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/chat", models.ChatRequest{SessionID: "s1", Message: "hello"})
	rr := serve(t, s, req)
	testutil.AssertHTTPStatus(t, http.StatusInternalServerError, rr.Code, "internal error")
	resp := testutil.AssertJSONResponse(t, rr, string(models.APIStatusError))
	if strings.Contains(fmt.Sprint(resp["message"]), "boom") {
		t.Error("internal error details must not leak to clients")
	}
}

func TestSessionHandlers(t *testing.T) {
	s := NewServer(&fakeEngine{})
	for _, path := range []string{"/sessions/s1", "/sessions/s1/turns", "/sessions/s1/replay", "/sessions/s1/stats", "/stats", "/flows", "/health"} {
		t.Run(path, func(t *testing.T) {
			rr := serve(t, s, httptest.NewRequest(http.MethodGet, path, nil))
			testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, path)
			testutil.AssertJSONResponse(t, rr, string(models.APIStatusOK))
		})
	}
}

func TestSessionHandler_NotFound(t *testing.T) {
	s := NewServer(&fakeEngine{statusErr: fmt.Errorf("%w: nobody", models.ErrSessionNotFound)})
	rr := serve(t, s, httptest.NewRequest(http.MethodGet, "/sessions/nobody", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "missing session")
}

func TestStatsHandlers_Errors(t *testing.T) {
	tests := []struct {
		name string
		path string
		err  error
		want int
	}{
		{"unknown session", "/sessions/nobody/stats", fmt.Errorf("%w: nobody", models.ErrSessionNotFound), http.StatusNotFound},
		{"store down", "/stats", &models.PersistenceError{Op: "list turns", Err: errors.New("db gone")}, http.StatusServiceUnavailable},
		{"no listing", "/stats", errors.New("session store cannot list sessions"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(&fakeEngine{statsErr: tt.err})
			rr := serve(t, s, httptest.NewRequest(http.MethodGet, tt.path, nil))
			testutil.AssertHTTPStatus(t, tt.want, rr.Code, tt.path)
		})
	}
}

func newFlowEngine(t *testing.T) *flow.Engine {
	t.Helper()
	reg, err := registry.Default()
	if err != nil {
		t.Fatalf("registry.Default: %v", err)
	}
	clin := config.DefaultClinical()
	rcfg, err := router.NewConfig(clin.HighIntentThreshold, clin.ConfidenceFloor, clin.AcuteDistressThreshold, clin.AcuteDistress, clin.IntentAliases)
	if err != nil {
		t.Fatalf("router.NewConfig: %v", err)
	}
	rt, err := router.New(rcfg)
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	idx, err := retrieval.Default()
	if err != nil {
		t.Fatalf("retrieval.Default: %v", err)
	}
	intent := signals.NewCrisisGuard(signals.NewKeywordIntentClassifier(), clin.CrisisHighConfidence, clin.CrisisMediumConfidence)
	ext := signals.NewExtractor(signals.NewKeywordEmotionClassifier(), intent, time.Second)
	return flow.NewEngine(reg, rt, ext, idx, nil, store.NewInMemoryStore())
}

func TestChatEndToEnd(t *testing.T) {
	eng := newFlowEngine(t)
	defer eng.Close()
	s := NewServer(eng)

	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/chat", models.ChatRequest{SessionID: "e2e", Message: "I think I'm having a panic attack, my heart is racing and I can't breathe"})
	rr := serve(t, s, req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "first turn")
	var resp struct {
		Status string       `json:"status"`
		Result models.Reply `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
	if resp.Result.Debug.ActiveFlow != "panic_grounding" {
		t.Errorf("expected panic flow, got %+v", resp.Result.Debug)
	}
	if resp.Result.ResponseText == "" {
		t.Error("expected response text")
	}

	rr = serve(t, s, httptest.NewRequest(http.MethodGet, "/sessions/e2e/replay", nil))
	var replay struct {
		Result models.ReplayReport `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &replay)
	if !replay.Result.Consistent || replay.Result.Turns != 1 {
		t.Errorf("unexpected replay report %+v", replay.Result)
	}

	rr = serve(t, s, httptest.NewRequest(http.MethodGet, "/sessions/e2e/stats", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "session stats")
	var stats struct {
		Result models.SessionStats `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &stats)
	if stats.Result.MessageCount != 1 || len(stats.Result.Flows) != 1 || stats.Result.Flows[0] != "panic_grounding" {
		t.Errorf("unexpected session stats %+v", stats.Result)
	}

	rr = serve(t, s, httptest.NewRequest(http.MethodGet, "/stats", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "global stats")
	var global struct {
		Result models.GlobalStats `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &global)
	if global.Result.ActiveSessions != 1 || global.Result.TotalMessages != 1 {
		t.Errorf("unexpected global stats %+v", global.Result)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := NewServer(&fakeEngine{}, WithShutdownTimeout(time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	testutil.AssertHTTPStatus(t, http.StatusOK, resp.StatusCode, "live health")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	http.DefaultClient.CloseIdleConnections()
}
