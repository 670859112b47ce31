package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowGuide/internal/models"
)

// sqlStore implements Store over database/sql. SQLiteStore and PostgresStore
// embed it and differ only in driver setup and placeholder style.
type sqlStore struct {
	db      *sql.DB
	dialect string
	name    string
}

func (s *sqlStore) q(query string) string {
	return rebind(s.dialect, query)
}

// LoadSession implements Store.
func (s *sqlStore) LoadSession(ctx context.Context, sessionID string, historyLimit int) (*models.Session, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT payload FROM sessions WHERE id = ?`), sessionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+".LoadSession: query failed", "sessionID", sessionID, "error", err)
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	sess, err := decodeSession(payload)
	if err != nil {
		return nil, err
	}
	if historyLimit > 0 {
		history, err := s.queryTurns(ctx, s.q(`SELECT payload FROM turns WHERE session_id = ? ORDER BY seq DESC LIMIT ?`), sessionID, historyLimit)
		if err != nil {
			return nil, err
		}
		reverseTurns(history)
		sess.History = history
	}
	slog.Debug(s.name+".LoadSession: loaded", "sessionID", sessionID, "turnCount", sess.TurnCount, "history", len(sess.History))
	return sess, nil
}

// SaveTurn implements Store.
func (s *sqlStore) SaveTurn(ctx context.Context, session *models.Session, turn models.Turn) error {
	if err := checkTurn(session, turn); err != nil {
		return err
	}
	sessPayload, err := encodeSession(session)
	if err != nil {
		return err
	}
	turnPayload, err := encodeTurn(turn)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var res sql.Result
	if turn.Seq == 1 {
		res, err = tx.ExecContext(ctx, s.q(`INSERT INTO sessions (id, payload, turn_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`),
			session.ID, sessPayload, session.TurnCount, unixNano(session.CreatedAt), unixNano(session.UpdatedAt))
	} else {
		res, err = tx.ExecContext(ctx, s.q(`UPDATE sessions SET payload = ?, turn_count = ?, updated_at = ?
			WHERE id = ? AND turn_count = ?`),
			sessPayload, session.TurnCount, unixNano(session.UpdatedAt), session.ID, turn.Seq-1)
	}
	if err != nil {
		slog.Error(s.name+".SaveTurn: session write failed", "sessionID", session.ID, "seq", turn.Seq, "error", err)
		return fmt.Errorf("failed to write session %s: %w", session.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("rows affected: %w", err)
	} else if n != 1 {
		slog.Warn(s.name+".SaveTurn: sequence conflict", "sessionID", session.ID, "seq", turn.Seq)
		return fmt.Errorf("%w: session %s seq %d", models.ErrTurnConflict, session.ID, turn.Seq)
	}

	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO turns (id, session_id, seq, payload, created_at) VALUES (?, ?, ?, ?, ?)`),
		turn.ID, turn.SessionID, turn.Seq, turnPayload, unixNano(turn.Timestamp)); err != nil {
		slog.Error(s.name+".SaveTurn: turn insert failed", "sessionID", session.ID, "seq", turn.Seq, "error", err)
		return fmt.Errorf("failed to insert turn %d for %s: %w", turn.Seq, session.ID, err)
	}
	if err := tx.Commit(); err != nil {
		slog.Error(s.name+".SaveTurn: commit failed", "sessionID", session.ID, "error", err)
		return fmt.Errorf("commit turn: %w", err)
	}
	slog.Debug(s.name+".SaveTurn: committed", "sessionID", session.ID, "seq", turn.Seq)
	return nil
}

// ListTurns implements Store.
func (s *sqlStore) ListTurns(ctx context.Context, sessionID string) ([]models.Turn, error) {
	return s.queryTurns(ctx, s.q(`SELECT payload FROM turns WHERE session_id = ? ORDER BY seq ASC`), sessionID)
}

func (s *sqlStore) queryTurns(ctx context.Context, query string, args ...interface{}) ([]models.Turn, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()
	var out []models.Turn
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan turn row: %w", err)
		}
		t, err := decodeTurn(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turn rows: %w", err)
	}
	return out, nil
}

// ListSessionIDs implements Store.
func (s *sqlStore) ListSessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ArchiveIdleSessions implements Store.
func (s *sqlStore) ArchiveIdleSessions(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, s.q(`SELECT id, payload FROM sessions WHERE updated_at < ?`), unixNano(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to query idle sessions: %w", err)
	}
	type idle struct{ id, payload string }
	var sessions []idle
	for rows.Next() {
		var i idle
		if err := rows.Scan(&i.id, &i.payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan idle session: %w", err)
		}
		sessions = append(sessions, i)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := unixNano(time.Now())
	archived := 0
	for _, sess := range sessions {
		ok, err := s.archiveSession(ctx, tx, sess.id, sess.payload, cutoff, now)
		if err != nil {
			return 0, err
		}
		if ok {
			archived++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit archive: %w", err)
	}
	if archived > 0 {
		slog.Info(s.name+".ArchiveIdleSessions: archived", "count", archived, "cutoff", cutoff)
	}
	return archived, nil
}

// archiveSession moves one session and its turns into the archive. The
// session row is deleted only while it is still idle; a session written
// after it was selected is left live and false is returned.
func (s *sqlStore) archiveSession(ctx context.Context, tx *sql.Tx, id, payload string, cutoff time.Time, archivedAt int64) (bool, error) {
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE id = ? AND updated_at < ?`), id, unixNano(cutoff))
	if err != nil {
		return false, fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		slog.Debug(s.name+".ArchiveIdleSessions: session became active, skipping", "sessionID", id)
		return false, nil
	}

	turns, err := collectTurnPayloads(ctx, tx, s.q(`SELECT payload FROM turns WHERE session_id = ? ORDER BY seq ASC`), id)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO session_archive (session_id, payload, turns, archived_at) VALUES (?, ?, ?, ?)`),
		id, payload, turns, archivedAt); err != nil {
		return false, fmt.Errorf("failed to archive session %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM turns WHERE session_id = ?`), id); err != nil {
		return false, fmt.Errorf("failed to delete turns of %s: %w", id, err)
	}
	return true, nil
}

// collectTurnPayloads returns a session's turns as one JSON array.
func collectTurnPayloads(ctx context.Context, tx *sql.Tx, query, sessionID string) (string, error) {
	rows, err := tx.QueryContext(ctx, query, sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to query turns of %s: %w", sessionID, err)
	}
	defer rows.Close()
	var all []json.RawMessage
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return "", fmt.Errorf("failed to scan turn: %w", err)
		}
		all = append(all, json.RawMessage(payload))
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if all == nil {
		all = []json.RawMessage{}
	}
	data, err := json.Marshal(all)
	if err != nil {
		return "", fmt.Errorf("encode archived turns: %w", err)
	}
	return string(data), nil
}

// GetProfile implements Store.
func (s *sqlStore) GetProfile(ctx context.Context, sessionID string) (*models.Profile, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT payload FROM profiles WHERE session_id = ?`), sessionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile %s: %w", sessionID, err)
	}
	var p models.Profile
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", sessionID, err)
	}
	return &p, nil
}

// SaveProfile implements Store.
func (s *sqlStore) SaveProfile(ctx context.Context, p models.Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile %s: %w", p.SessionID, err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO profiles (session_id, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`),
		p.SessionID, string(data), unixNano(p.UpdatedAt))
	if err != nil {
		slog.Error(s.name+".SaveProfile: upsert failed", "sessionID", p.SessionID, "error", err)
		return fmt.Errorf("failed to save profile %s: %w", p.SessionID, err)
	}
	return nil
}

// AddInteraction implements Store.
func (s *sqlStore) AddInteraction(ctx context.Context, summary models.InteractionSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode interaction: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO interactions (session_id, turn_id, payload, created_at) VALUES (?, ?, ?, ?)`),
		summary.SessionID, summary.TurnID, string(data), unixNano(summary.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to insert interaction for %s: %w", summary.SessionID, err)
	}
	return nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
