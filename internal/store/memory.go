package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/FlowGuide/internal/models"
)

// InMemoryStore keeps everything in process memory. Values are stored as
// JSON so callers never share mutable state with the store, matching the
// round-trip behavior of the SQL backends.
type InMemoryStore struct {
	mu           sync.RWMutex
	sessions     map[string][]byte
	turns        map[string][][]byte
	profiles     map[string][]byte
	interactions map[string][]models.InteractionSummary
	archive      map[string][][]byte
	updated      map[string]time.Time
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:     make(map[string][]byte),
		turns:        make(map[string][][]byte),
		profiles:     make(map[string][]byte),
		interactions: make(map[string][]models.InteractionSummary),
		archive:      make(map[string][][]byte),
		updated:      make(map[string]time.Time),
	}
}

// LoadSession implements Store.
func (s *InMemoryStore) LoadSession(ctx context.Context, sessionID string, historyLimit int) (*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	sess, err := decodeSession(string(data))
	if err != nil {
		return nil, err
	}
	if historyLimit > 0 {
		all := s.turns[sessionID]
		from := len(all) - historyLimit
		if from < 0 {
			from = 0
		}
		for _, raw := range all[from:] {
			t, err := decodeTurn(string(raw))
			if err != nil {
				return nil, err
			}
			sess.History = append(sess.History, t)
		}
	}
	return sess, nil
}

// SaveTurn implements Store.
func (s *InMemoryStore) SaveTurn(ctx context.Context, session *models.Session, turn models.Turn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkTurn(session, turn); err != nil {
		return err
	}
	sessData, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.ID, err)
	}
	turnData, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("encode turn %s: %w", turn.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if stored := len(s.turns[session.ID]); stored != turn.Seq-1 {
		return fmt.Errorf("%w: session %s has %d turns, got seq %d", models.ErrTurnConflict, session.ID, stored, turn.Seq)
	}
	s.sessions[session.ID] = sessData
	s.turns[session.ID] = append(s.turns[session.ID], turnData)
	s.updated[session.ID] = session.UpdatedAt
	return nil
}

// ListTurns implements Store.
func (s *InMemoryStore) ListTurns(ctx context.Context, sessionID string) ([]models.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Turn
	for _, raw := range s.turns[sessionID] {
		t, err := decodeTurn(string(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ListSessionIDs implements Store.
func (s *InMemoryStore) ListSessionIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ArchiveIdleSessions implements Store.
func (s *InMemoryStore) ArchiveIdleSessions(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, updated := range s.updated {
		if !updated.Before(cutoff) {
			continue
		}
		s.archive[id] = append(s.archive[id], s.sessions[id])
		delete(s.sessions, id)
		delete(s.turns, id)
		delete(s.updated, id)
		n++
	}
	return n, nil
}

// Archived returns how many times a session id has been archived.
func (s *InMemoryStore) Archived(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.archive[sessionID])
}

// GetProfile implements Store.
func (s *InMemoryStore) GetProfile(ctx context.Context, sessionID string) (*models.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.profiles[sessionID]
	if !ok {
		return nil, nil
	}
	var p models.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", sessionID, err)
	}
	return &p, nil
}

// SaveProfile implements Store.
func (s *InMemoryStore) SaveProfile(ctx context.Context, p models.Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile %s: %w", p.SessionID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.SessionID] = data
	return nil
}

// AddInteraction implements Store.
func (s *InMemoryStore) AddInteraction(ctx context.Context, summary models.InteractionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interactions[summary.SessionID] = append(s.interactions[summary.SessionID], summary)
	return nil
}

// Interactions returns the recorded interaction summaries of a session.
func (s *InMemoryStore) Interactions(sessionID string) []models.InteractionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.InteractionSummary, len(s.interactions[sessionID]))
	copy(out, s.interactions[sessionID])
	return out
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
