package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/FlowGuide/internal/models"
)

// rebind rewrites ? placeholders as $1, $2, ... for PostgreSQL.
func rebind(dialect, query string) string {
	if dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// unixNano stores timestamps as integers so ordering and cutoff comparisons
// behave the same in every backend.
func unixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func encodeSession(s *models.Session) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	return string(data), nil
}

func decodeSession(payload string) (*models.Session, error) {
	var s models.Session
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func encodeTurn(t models.Turn) (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode turn %s: %w", t.ID, err)
	}
	return string(data), nil
}

func decodeTurn(payload string) (models.Turn, error) {
	var t models.Turn
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		return t, fmt.Errorf("decode turn: %w", err)
	}
	return t, nil
}

// checkTurn validates a commit request before it touches storage.
func checkTurn(session *models.Session, turn models.Turn) error {
	if session == nil {
		return fmt.Errorf("nil session")
	}
	if turn.SessionID != session.ID {
		return fmt.Errorf("turn %s belongs to session %q, not %q", turn.ID, turn.SessionID, session.ID)
	}
	if turn.Seq < 1 || session.TurnCount != turn.Seq {
		return fmt.Errorf("%w: session turn count %d, turn seq %d", models.ErrTurnConflict, session.TurnCount, turn.Seq)
	}
	return nil
}

func reverseTurns(ts []models.Turn) {
	for i, j := 0, len(ts)-1; i < j; i, j = i+1, j-1 {
		ts[i], ts[j] = ts[j], ts[i]
	}
}
