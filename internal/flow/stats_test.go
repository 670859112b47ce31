package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/FlowGuide/internal/models"
	"github.com/BTreeMap/FlowGuide/internal/store"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func statTurn(flowID string, scenario models.Scenario, rating *int, at time.Time) models.Turn {
	return models.Turn{FlowID: flowID, Decision: models.ScenarioDecision{Scenario: scenario}, Rating: rating, Timestamp: at}
}

func TestSessionStatsFromTurns(t *testing.T) {
	four := 4
	tests := []struct {
		name  string
		turns []models.Turn
		want  *models.SessionStats
	}{
		{
			name:  "no turns",
			turns: nil,
			want:  &models.SessionStats{SessionID: "s1", Flows: []string{}, TopFlows: []models.FlowCount{}},
		},
		{
			name: "idle turns count as messages only",
			turns: []models.Turn{
				statTurn("", models.ScenarioGeneral, nil, t0),
				statTurn("", models.ScenarioGeneral, nil, t0.Add(time.Minute)),
			},
			want: &models.SessionStats{
				SessionID: "s1", MessageCount: 2, Flows: []string{}, TopFlows: []models.FlowCount{},
				FirstSeen: t0, LastSeen: t0.Add(time.Minute),
			},
		},
		{
			name: "flows ranked by turns then id",
			turns: []models.Turn{
				statTurn("sleep_wind_down", models.ScenarioSleep, nil, t0),
				statTurn("panic_grounding", models.ScenarioPanic, nil, t0.Add(time.Minute)),
				statTurn("crisis_support", models.ScenarioCrisis, nil, t0.Add(2*time.Minute)),
				statTurn("crisis_support", models.ScenarioCrisis, nil, t0.Add(3*time.Minute)),
				statTurn("panic_grounding", models.ScenarioGeneral, &four, t0.Add(4*time.Minute)),
			},
			want: &models.SessionStats{
				SessionID:    "s1",
				MessageCount: 5,
				Flows:        []string{"sleep_wind_down", "panic_grounding", "crisis_support"},
				TopFlows: []models.FlowCount{
					{FlowID: "crisis_support", Turns: 2},
					{FlowID: "panic_grounding", Turns: 2},
				},
				CrisisFlags: 2,
				Ratings:     []int{4},
				FirstSeen:   t0,
				LastSeen:    t0.Add(4 * time.Minute),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sessionStats("s1", tt.turns)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("sessionStats mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEngineStats(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := newTestEngine(t, engineDeps{store: store.NewInMemoryStore()})
	defer e.Close()
	ctx := context.Background()

	empty, err := e.GlobalStats(ctx)
	if err != nil {
		t.Fatalf("GlobalStats: %v", err)
	}
	if diff := cmp.Diff(&models.GlobalStats{TopFlows: []models.FlowCount{}}, empty); diff != "" {
		t.Errorf("empty store stats mismatch (-want +got):\n%s", diff)
	}

	send(t, e, "panicky", "I think I'm having a panic attack")
	send(t, e, "panicky", "yes")
	send(t, e, "sleepless", "I can't sleep at all")
	send(t, e, "unsafe", "I want to die")

	st, err := e.SessionStats(ctx, "panicky")
	if err != nil {
		t.Fatalf("SessionStats: %v", err)
	}
	if st.MessageCount != 2 || st.CrisisFlags != 0 {
		t.Errorf("unexpected session stats %+v", st)
	}
	if diff := cmp.Diff([]models.FlowCount{{FlowID: "panic_grounding", Turns: 2}}, st.TopFlows); diff != "" {
		t.Errorf("TopFlows mismatch (-want +got):\n%s", diff)
	}

	global, err := e.GlobalStats(ctx)
	if err != nil {
		t.Fatalf("GlobalStats: %v", err)
	}
	want := &models.GlobalStats{
		ActiveSessions:   3,
		TotalMessages:    4,
		TotalCrisisFlags: 1,
		TopFlows: []models.FlowCount{
			{FlowID: "panic_grounding", Turns: 2},
			{FlowID: "crisis_support", Turns: 1},
			{FlowID: "sleep_wind_down", Turns: 1},
		},
	}
	if diff := cmp.Diff(want, global); diff != "" {
		t.Errorf("GlobalStats mismatch (-want +got):\n%s", diff)
	}

	if _, err := e.SessionStats(ctx, "nobody"); !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("SessionStats(nobody) error = %v, want ErrSessionNotFound", err)
	}
}

// turnsOnlyStore cannot enumerate sessions.
type turnsOnlyStore struct {
	SessionStore
}

func TestGlobalStatsNeedsSessionListing(t *testing.T) {
	e := newTestEngine(t, engineDeps{store: turnsOnlyStore{store.NewInMemoryStore()}})
	defer e.Close()
	if _, err := e.GlobalStats(context.Background()); err == nil {
		t.Error("expected an error from a store that cannot list sessions")
	}
}
