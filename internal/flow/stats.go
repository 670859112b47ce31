package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/BTreeMap/FlowGuide/internal/models"
)

const (
	sessionTopFlows = 2
	globalTopFlows  = 3
)

// SessionLister is implemented by stores that can enumerate live sessions.
type SessionLister interface {
	ListSessionIDs(ctx context.Context) ([]string, error)
}

// tally accumulates turn counts. The zero value is ready to use.
type tally struct {
	messages int
	crisis   int
	flows    map[string]int
	order    []string
}

func (t *tally) add(turns []models.Turn) {
	if t.flows == nil {
		t.flows = make(map[string]int)
	}
	for _, turn := range turns {
		t.messages++
		if turn.Decision.Scenario == models.ScenarioCrisis {
			t.crisis++
		}
		if turn.FlowID == "" {
			continue
		}
		if _, seen := t.flows[turn.FlowID]; !seen {
			t.order = append(t.order, turn.FlowID)
		}
		t.flows[turn.FlowID]++
	}
}

// top returns the n most used flows, ties broken by flow id.
func (t *tally) top(n int) []models.FlowCount {
	counts := make([]models.FlowCount, 0, len(t.flows))
	for id, c := range t.flows {
		counts = append(counts, models.FlowCount{FlowID: id, Turns: c})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Turns != counts[j].Turns {
			return counts[i].Turns > counts[j].Turns
		}
		return counts[i].FlowID < counts[j].FlowID
	})
	if len(counts) > n {
		counts = counts[:n]
	}
	return counts
}

func sessionStats(sessionID string, turns []models.Turn) *models.SessionStats {
	var t tally
	t.add(turns)
	st := &models.SessionStats{
		SessionID:    sessionID,
		MessageCount: t.messages,
		Flows:        t.order,
		TopFlows:     t.top(sessionTopFlows),
		CrisisFlags:  t.crisis,
	}
	if st.Flows == nil {
		st.Flows = []string{}
	}
	for _, turn := range turns {
		if turn.Rating != nil {
			st.Ratings = append(st.Ratings, *turn.Rating)
		}
	}
	if len(turns) > 0 {
		st.FirstSeen = turns[0].Timestamp
		st.LastSeen = turns[len(turns)-1].Timestamp
	}
	return st
}

// SessionStats summarizes the turn log of one session.
func (e *Engine) SessionStats(ctx context.Context, sessionID string) (*models.SessionStats, error) {
	turns, err := e.SessionTurns(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sessionStats(sessionID, turns), nil
}

// GlobalStats aggregates the turn logs of every live session. Sessions
// archived while the scan runs are left out.
func (e *Engine) GlobalStats(ctx context.Context) (*models.GlobalStats, error) {
	lister, ok := e.store.(SessionLister)
	if !ok {
		return nil, fmt.Errorf("session store %T cannot list sessions", e.store)
	}
	ids, err := lister.ListSessionIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %w", models.ErrPersistence, err)
	}

	var t tally
	active := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		turns, err := e.store.ListTurns(ctx, id)
		if err != nil {
			return nil, &models.PersistenceError{SessionID: id, Op: "list turns", Err: err}
		}
		if len(turns) == 0 {
			slog.Debug("Engine.GlobalStats: session has no turns, skipping", "session", id)
			continue
		}
		active++
		t.add(turns)
	}
	return &models.GlobalStats{
		ActiveSessions:   active,
		TotalMessages:    t.messages,
		TotalCrisisFlags: t.crisis,
		TopFlows:         t.top(globalTopFlows),
	}, nil
}
