package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/FlowGuide/internal/config"
	"github.com/BTreeMap/FlowGuide/internal/models"
	"github.com/BTreeMap/FlowGuide/internal/personalization"
	"github.com/BTreeMap/FlowGuide/internal/retrieval"
	"github.com/BTreeMap/FlowGuide/internal/router"
	"github.com/BTreeMap/FlowGuide/internal/store"
	"github.com/BTreeMap/FlowGuide/internal/testutil"
	"go.uber.org/goleak"
)

var panicScript = map[string]testutil.Signal{
	"panic attack":   {Emotion: "panic", EmotionPct: 0.9, Intent: "panic", IntentPct: 0.95},
	"can't sleep":    {Emotion: "anxiety", EmotionPct: 0.5, Intent: "sleep", IntentPct: 0.9},
	"want to die":    {Emotion: "despair", EmotionPct: 0.9, Intent: "crisis", IntentPct: 0.99},
	"big decision":   {Intent: "decision_making", IntentPct: 0.9},
	"feeling lonely": {Emotion: "loneliness", EmotionPct: 0.7, Intent: "isolation", IntentPct: 0.6},
}

type engineDeps struct {
	signals   SignalExtractor
	retriever retrieval.Retriever
	profiles  ProfileService
	store     SessionStore
}

func newTestEngine(t *testing.T, deps engineDeps, opts ...Option) *Engine {
	t.Helper()
	clin := config.DefaultClinical()
	cfg, err := router.NewConfig(clin.HighIntentThreshold, clin.ConfidenceFloor, clin.AcuteDistressThreshold, clin.AcuteDistress, clin.IntentAliases)
	if err != nil {
		t.Fatalf("router.NewConfig: %v", err)
	}
	rt, err := router.New(cfg)
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	if deps.signals == nil {
		deps.signals = testutil.NewScriptedSignals(panicScript)
	}
	if deps.retriever == nil {
		idx, err := retrieval.Default()
		if err != nil {
			t.Fatalf("retrieval.Default: %v", err)
		}
		deps.retriever = idx
	}
	if deps.store == nil {
		deps.store = store.NewInMemoryStore()
	}
	opts = append([]Option{WithClock(testutil.FixedClock(t0, time.Minute))}, opts...)
	return NewEngine(defaultRegistry(t), rt, deps.signals, deps.retriever, deps.profiles, deps.store, opts...)
}

func send(t *testing.T, e *Engine, sessionID, text string) *models.Reply {
	t.Helper()
	reply, err := e.ProcessMessage(context.Background(), sessionID, text)
	if err != nil {
		t.Fatalf("ProcessMessage(%q): %v", text, err)
	}
	return reply
}

func hasTransition(ts []models.Transition, kind models.TransitionKind) bool {
	for _, tr := range ts {
		if tr.Kind == kind {
			return true
		}
	}
	return false
}

func TestProcessMessage_PanicWalkthrough(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := store.NewInMemoryStore()
	e := newTestEngine(t, engineDeps{store: st, profiles: personalization.NewService(st)})

	reply := send(t, e, "s1", "I think I'm having a panic attack")
	if !strings.Contains(reply.ResponseText, "Panic passes") && !strings.Contains(reply.ResponseText, "panic passes") {
		t.Errorf("unexpected opening text: %q", reply.ResponseText)
	}
	if reply.Debug.ActiveFlow != "panic_grounding" || reply.Debug.StepID != "safety_assessment" {
		t.Errorf("unexpected position: flow=%q step=%q", reply.Debug.ActiveFlow, reply.Debug.StepID)
	}
	if reply.Debug.ScenarioDecision.Scenario != models.ScenarioPanic {
		t.Errorf("expected panic decision, got %+v", reply.Debug.ScenarioDecision)
	}

	reply = send(t, e, "s1", "yes, I'm sitting down")
	if reply.Debug.StepID != "breathing_4_7_8" {
		t.Errorf("expected breathing step, got %q", reply.Debug.StepID)
	}

	reply = send(t, e, "s1", "done")
	if reply.Debug.StepID != "grounding_5_4_3_2_1" || !reply.Debug.RetrievalUsed {
		t.Errorf("expected grounding step with retrieval, got %+v", reply.Debug)
	}
	if reply.Debug.RetrievalError != "" {
		t.Errorf("unexpected retrieval error: %s", reply.Debug.RetrievalError)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := len(st.Interactions("s1")); got != 3 {
		t.Errorf("expected 3 recorded interactions, got %d", got)
	}
	status, err := e.SessionStatus(context.Background(), "s1")
	if err != nil {
		t.Fatalf("SessionStatus: %v", err)
	}
	if status.TurnCount != 3 || status.ActiveFlow != "panic_grounding" {
		t.Errorf("unexpected status %+v", status)
	}
}

func TestProcessMessage_RatingShapesCompletion(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := newTestEngine(t, engineDeps{})
	defer e.Close()

	tests := []struct {
		rating string
		want   string
	}{
		{rating: "2", want: "Excellent. Your anxiety has come down to 2/10"},
		{rating: "five", want: "Good progress, you're down to 5/10"},
		{rating: "9", want: "still feeling a lot of anxiety at 9/10"},
	}
	replies := make(map[string]bool)
	for _, tt := range tests {
		t.Run(tt.rating, func(t *testing.T) {
			session := "rated-" + tt.rating
			for _, text := range []string{"panic attack", "yes", "done", "a lamp and my desk", "yes it does", "thanks"} {
				send(t, e, session, text)
			}
			reply := send(t, e, session, tt.rating)
			if !hasTransition(reply.Debug.Transitions, models.TransitionComplete) {
				t.Fatalf("expected the panic flow to complete, got %+v", reply.Debug.Transitions)
			}
			if !strings.Contains(reply.ResponseText, tt.want) {
				t.Errorf("reply = %q, want it to contain %q", reply.ResponseText, tt.want)
			}
			replies[reply.ResponseText] = true
		})
	}
	if len(replies) != len(tests) {
		t.Errorf("expected a distinct completion per rating tier, got %d distinct replies", len(replies))
	}
}

func TestProcessMessage_CompletionWithoutRatingUsesFlowMessage(t *testing.T) {
	e := newTestEngine(t, engineDeps{})
	defer e.Close()

	// A non-numeric answer exhausts the rating step's turns.
	for _, text := range []string{"panic attack", "yes", "done", "a lamp", "yes", "thanks", "not sure", "still not sure"} {
		send(t, e, "unrated", text)
	}
	status, err := e.SessionStatus(context.Background(), "unrated")
	if err != nil {
		t.Fatalf("SessionStatus: %v", err)
	}
	if status.ActiveFlow != "" {
		t.Errorf("expected the flow to have finished, still in %q", status.ActiveFlow)
	}
	turns, err := e.SessionTurns(context.Background(), "unrated")
	if err != nil {
		t.Fatalf("SessionTurns: %v", err)
	}
	last := turns[len(turns)-1]
	if last.Rating != nil {
		t.Errorf("unexpected rating %d", *last.Rating)
	}
	if !strings.Contains(last.Response, "You've completed the panic support exercises") {
		t.Errorf("expected the plain completion message, got %q", last.Response)
	}
}

func TestProcessMessage_RetrievalTimeoutUsesFallback(t *testing.T) {
	defer goleak.VerifyNone(t)

	blocking := &testutil.BlockingRetriever{}
	e := newTestEngine(t, engineDeps{retriever: blocking}, WithRetrievalTimeout(30*time.Millisecond))
	defer e.Close()

	send(t, e, "s1", "panic attack")
	send(t, e, "s1", "yes")

	start := time.Now()
	reply := send(t, e, "s1", "done")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("turn took %v despite a 30ms retrieval timeout", elapsed)
	}
	if blocking.Calls() != 1 {
		t.Errorf("expected exactly one retrieval, got %d", blocking.Calls())
	}
	if !strings.Contains(reply.ResponseText, "Name 5 things you can see") {
		t.Errorf("expected static fallback content, got %q", reply.ResponseText)
	}
	if !strings.Contains(reply.Debug.RetrievalError, models.ErrRetrievalTimeout.Error()) {
		t.Errorf("expected retrieval timeout in debug info, got %q", reply.Debug.RetrievalError)
	}
	if reply.Debug.StepID != "grounding_5_4_3_2_1" {
		t.Errorf("flow must still advance on retrieval failure, got %q", reply.Debug.StepID)
	}
}

func TestProcessMessage_NonInterruptibleStepKeepsFlow(t *testing.T) {
	e := newTestEngine(t, engineDeps{})
	defer e.Close()

	send(t, e, "s1", "panic attack")
	send(t, e, "s1", "yes")
	reply := send(t, e, "s1", "I also can't sleep lately")

	if reply.Debug.ActiveFlow != "panic_grounding" {
		t.Fatalf("non-interruptible step was preempted by %q", reply.Debug.ActiveFlow)
	}
	if !hasTransition(reply.Debug.Transitions, models.TransitionHold) {
		t.Errorf("expected a hold transition, got %+v", reply.Debug.Transitions)
	}
	if reply.Debug.StackDepth != 0 {
		t.Errorf("expected empty stack, got %d", reply.Debug.StackDepth)
	}
}

func TestProcessMessage_CrisisPreemptsThenResumes(t *testing.T) {
	e := newTestEngine(t, engineDeps{})
	defer e.Close()

	send(t, e, "s1", "panic attack")
	send(t, e, "s1", "yes")

	reply := send(t, e, "s1", "honestly I want to die")
	if reply.Debug.ActiveFlow != "crisis_support" || reply.Debug.StackDepth != 1 {
		t.Fatalf("expected crisis flow over a suspended panic flow, got %+v", reply.Debug)
	}
	if !strings.Contains(reply.ResponseText, "988") {
		t.Errorf("crisis reply must include hotline resources, got %q", reply.ResponseText)
	}

	send(t, e, "s1", "yes I'm safe")
	send(t, e, "s1", "my sister")
	reply = send(t, e, "s1", "ok")
	if reply.Debug.ActiveFlow != "panic_grounding" || reply.Debug.StepID != "breathing_4_7_8" {
		t.Fatalf("expected panic flow resumed at breathing, got flow=%q step=%q", reply.Debug.ActiveFlow, reply.Debug.StepID)
	}
	if !strings.Contains(reply.ResponseText, "Let's return to Panic Attack Support.") {
		t.Errorf("expected resume notice, got %q", reply.ResponseText)
	}
	if reply.Debug.StackDepth != 0 {
		t.Errorf("expected empty stack after resume, got %d", reply.Debug.StackDepth)
	}
}

func TestProcessMessage_PersistenceFailureLeavesStateUnchanged(t *testing.T) {
	defer goleak.VerifyNone(t)

	fs := testutil.NewFailingStore(store.NewInMemoryStore())
	profiles := &testutil.SlowProfiles{}
	e := newTestEngine(t, engineDeps{store: fs, profiles: profiles})

	send(t, e, "s1", "panic attack")

	fs.FailSaves.Store(true)
	_, err := e.ProcessMessage(context.Background(), "s1", "yes")
	var pe *models.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if !errors.Is(err, models.ErrPersistence) || !IsRetryable(err) {
		t.Errorf("persistence error should be retryable and match ErrPersistence: %v", err)
	}

	status, err := e.SessionStatus(context.Background(), "s1")
	if err != nil {
		t.Fatalf("SessionStatus: %v", err)
	}
	if status.TurnCount != 1 || status.State.Active.Step != 0 {
		t.Errorf("failed turn leaked into state: %+v", status)
	}

	fs.FailSaves.Store(false)
	reply := send(t, e, "s1", "yes")
	if reply.Debug.StepID != "breathing_4_7_8" {
		t.Errorf("retry should apply the turn once, got step %q", reply.Debug.StepID)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := len(profiles.Recorded()); got != 2 {
		t.Errorf("expected interactions only for committed turns, got %d", got)
	}
}

func TestProcessMessage_LoadFailure(t *testing.T) {
	fs := testutil.NewFailingStore(store.NewInMemoryStore())
	fs.FailLoads.Store(true)
	e := newTestEngine(t, engineDeps{store: fs})
	defer e.Close()

	_, err := e.ProcessMessage(context.Background(), "s1", "hello")
	if !errors.Is(err, models.ErrPersistence) || !errors.Is(err, testutil.ErrInjected) {
		t.Errorf("expected wrapped load failure, got %v", err)
	}
}

func TestProcessMessage_SlowProfileUsesDefault(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := newTestEngine(t, engineDeps{profiles: &testutil.SlowProfiles{Delay: time.Second}}, WithProfileTimeout(20*time.Millisecond))
	start := time.Now()
	reply := send(t, e, "s1", "hello there")
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("slow profile store delayed the turn by %v", elapsed)
	}
	if reply.Debug.Tone != "neutral" {
		t.Errorf("expected neutral default tone, got %q", reply.Debug.Tone)
	}
	e.Close()
}

func TestProcessMessage_Validation(t *testing.T) {
	e := newTestEngine(t, engineDeps{})
	defer e.Close()

	tests := []struct {
		name    string
		session string
		text    string
		want    error
	}{
		{"empty session", " ", "hi", models.ErrEmptySessionID},
		{"empty message", "s1", "   ", models.ErrEmptyMessage},
		{"long message", "s1", strings.Repeat("a", models.MaxMessageLength+1), models.ErrMessageTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.ProcessMessage(context.Background(), tt.session, tt.text); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestProcessMessage_SerializesSameSession(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := store.NewInMemoryStore()
	e := newTestEngine(t, engineDeps{store: st}, WithClock(time.Now))

	const sessions, perSession = 4, 10
	var wg sync.WaitGroup
	errs := make(chan error, sessions*perSession)
	for s := 0; s < sessions; s++ {
		for i := 0; i < perSession; i++ {
			wg.Add(1)
			go func(id string, n int) {
				defer wg.Done()
				if _, err := e.ProcessMessage(context.Background(), id, fmt.Sprintf("message %d", n)); err != nil {
					errs <- err
				}
			}(fmt.Sprintf("s%d", s), i)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent turn failed: %v", err)
	}

	for s := 0; s < sessions; s++ {
		id := fmt.Sprintf("s%d", s)
		turns, err := e.SessionTurns(context.Background(), id)
		if err != nil {
			t.Fatalf("SessionTurns(%s): %v", id, err)
		}
		if len(turns) != perSession {
			t.Fatalf("%s: expected %d turns, got %d", id, perSession, len(turns))
		}
		for i, turn := range turns {
			if turn.Seq != i+1 {
				t.Errorf("%s: turn %d has seq %d", id, i, turn.Seq)
			}
		}
	}
	if n := e.Health().InFlight; n != 0 {
		t.Errorf("expected no in-flight sessions, got %d", n)
	}
	e.Close()
}

func TestProcessMessage_CancelledWhileWaitingForSession(t *testing.T) {
	e := newTestEngine(t, engineDeps{})
	defer e.Close()

	release, err := e.locks.acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := e.ProcessMessage(ctx, "s1", "hello"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded while queued, got %v", err)
	}
}

func TestReplaySession_Consistent(t *testing.T) {
	e := newTestEngine(t, engineDeps{})
	defer e.Close()

	for _, msg := range []string{"panic attack", "yes", "I can't sleep", "done", "honestly I want to die", "I'm safe", "a friend", "ok", "stop"} {
		send(t, e, "s1", msg)
	}
	report, err := e.ReplaySession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("ReplaySession: %v", err)
	}
	if !report.Consistent {
		t.Errorf("replayed state differs from stored state:\nstored   %+v\nreplayed %+v", report.Stored, report.Replayed)
	}
	if report.Turns != 9 {
		t.Errorf("expected 9 turns, got %d", report.Turns)
	}
}

func TestSessionQueries_NotFound(t *testing.T) {
	e := newTestEngine(t, engineDeps{})
	defer e.Close()

	ctx := context.Background()
	if _, err := e.SessionStatus(ctx, "missing"); !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("SessionStatus: got %v", err)
	}
	if _, err := e.SessionTurns(ctx, "missing"); !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("SessionTurns: got %v", err)
	}
	if _, err := e.ReplaySession(ctx, "missing"); !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("ReplaySession: got %v", err)
	}
}

func TestHealthAndFlows(t *testing.T) {
	e := newTestEngine(t, engineDeps{})
	defer e.Close()

	h := e.Health()
	if h.Status != "ok" || h.Flows == 0 || h.KnowledgeItems == 0 {
		t.Errorf("unexpected health %+v", h)
	}
	if len(e.Flows()) != h.Flows {
		t.Errorf("Flows() returned %d, health reports %d", len(e.Flows()), h.Flows)
	}
}
