// Package store provides storage backends for FlowGuide sessions.
//
// Every backend commits a turn atomically: the session snapshot and the turn
// record are written together or not at all, and a turn whose sequence number
// does not follow the stored turn count is rejected with models.ErrTurnConflict.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/BTreeMap/FlowGuide/internal/models"
)

// Store is the persistence contract used by the orchestrator, personalization,
// maintenance jobs and the startup audit.
type Store interface {
	// LoadSession returns the session with its most recent historyLimit turns,
	// or nil and no error when the session does not exist.
	LoadSession(ctx context.Context, sessionID string, historyLimit int) (*models.Session, error)
	// SaveTurn commits the new session snapshot together with its turn.
	SaveTurn(ctx context.Context, session *models.Session, turn models.Turn) error
	// ListTurns returns every turn of a session in sequence order.
	ListTurns(ctx context.Context, sessionID string) ([]models.Turn, error)
	// ListSessionIDs returns the ids of all live sessions.
	ListSessionIDs(ctx context.Context) ([]string, error)
	// ArchiveIdleSessions moves sessions last updated before cutoff, with
	// their turns, into the archive and returns how many were moved.
	ArchiveIdleSessions(ctx context.Context, cutoff time.Time) (int, error)

	// GetProfile returns the stored profile, or nil and no error when none exists.
	GetProfile(ctx context.Context, sessionID string) (*models.Profile, error)
	SaveProfile(ctx context.Context, p models.Profile) error
	AddInteraction(ctx context.Context, s models.InteractionSummary) error

	Close() error
}

// Opts holds configuration options for stores.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for anything else.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") ||
		strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") ||
		strings.Contains(dsn, "user=") ||
		strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// MemoryDSN selects the in-memory store in Open.
const MemoryDSN = "memory"

// Open creates the store named by dsn: MemoryDSN for the in-memory store, a
// PostgreSQL connection string, or a SQLite file path.
func Open(dsn string) (Store, error) {
	switch {
	case dsn == MemoryDSN:
		return NewInMemoryStore(), nil
	case DetectDSNType(dsn) == "postgres":
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}
