// Package recovery runs start-up checks over FlowGuide's persisted state.
// Components register as Recoverable; the manager runs each one and keeps
// going when one fails.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/FlowGuide/internal/models"
)

// Recoverable is a component with start-up work against persisted state.
type Recoverable interface {
	Name() string
	RecoverState(ctx context.Context) error
}

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	recoverables []Recoverable
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager() *RecoveryManager {
	return &RecoveryManager{}
}

// RegisterRecoverable adds a component that can be recovered
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// RecoverAll performs recovery of all registered components. Every component
// runs; the returned error joins the failures.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("RecoveryManager.RecoverAll: starting", "components", len(rm.recoverables))

	var errs []error
	for _, r := range rm.recoverables {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := r.RecoverState(ctx); err != nil {
			slog.Error("RecoveryManager.RecoverAll: component failed", "component", r.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
		}
	}

	slog.Info("RecoveryManager.RecoverAll: completed", "recovered", len(rm.recoverables)-len(errs), "errors", len(errs))
	if len(errs) > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components: %w", len(errs), len(rm.recoverables), errors.Join(errs...))
	}
	return nil
}

// SessionLister enumerates stored sessions.
type SessionLister interface {
	ListSessionIDs(ctx context.Context) ([]string, error)
}

// Replayer rebuilds a session from its turn log.
type Replayer interface {
	ReplaySession(ctx context.Context, sessionID string) (*models.ReplayReport, error)
}

// AuditResult summarizes a session audit.
type AuditResult struct {
	Checked      int
	Inconsistent []string
	Failed       map[string]error
}

// SessionAuditor replays every stored session and reports those whose stored
// state does not match their turn log.
type SessionAuditor struct {
	sessions SessionLister
	replayer Replayer
	// Strict makes drift an error instead of a warning.
	Strict bool

	last AuditResult
}

// NewSessionAuditor creates a SessionAuditor.
func NewSessionAuditor(sessions SessionLister, replayer Replayer) *SessionAuditor {
	return &SessionAuditor{sessions: sessions, replayer: replayer}
}

// Name implements Recoverable.
func (a *SessionAuditor) Name() string { return "session-audit" }

// Audit replays all sessions.
func (a *SessionAuditor) Audit(ctx context.Context) (AuditResult, error) {
	ids, err := a.sessions.ListSessionIDs(ctx)
	if err != nil {
		return AuditResult{}, fmt.Errorf("list sessions: %w", err)
	}
	res := AuditResult{Failed: make(map[string]error)}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		report, err := a.replayer.ReplaySession(ctx, id)
		if err != nil {
			res.Failed[id] = err
			continue
		}
		res.Checked++
		if !report.Consistent {
			res.Inconsistent = append(res.Inconsistent, id)
		}
	}
	return res, nil
}

// RecoverState implements Recoverable.
func (a *SessionAuditor) RecoverState(ctx context.Context) error {
	res, err := a.Audit(ctx)
	a.last = res
	if err != nil {
		return err
	}
	for id, ferr := range res.Failed {
		slog.Warn("SessionAuditor.RecoverState: replay failed", "sessionID", id, "error", ferr)
	}
	if len(res.Inconsistent) > 0 {
		slog.Warn("SessionAuditor.RecoverState: stored state differs from turn log", "sessions", res.Inconsistent)
		if a.Strict {
			return fmt.Errorf("%d of %d sessions differ from their turn log", len(res.Inconsistent), res.Checked)
		}
	}
	slog.Info("SessionAuditor.RecoverState: audit complete", "checked", res.Checked, "inconsistent", len(res.Inconsistent), "failed", len(res.Failed))
	return nil
}

// LastResult returns the result of the most recent RecoverState call.
func (a *SessionAuditor) LastResult() AuditResult {
	return a.last
}

// Runner is a job that can be run once, such as the idle-session archiver.
type Runner interface {
	Run(ctx context.Context) (int, error)
}

// StartupSweep runs a maintenance job once at start-up so sessions that went
// idle while the process was down are archived before traffic arrives.
type StartupSweep struct {
	Job Runner
}

// Name implements Recoverable.
func (s StartupSweep) Name() string { return "startup-archive" }

// RecoverState implements Recoverable.
func (s StartupSweep) RecoverState(ctx context.Context) error {
	n, err := s.Job.Run(ctx)
	if err != nil {
		return err
	}
	slog.Info("StartupSweep.RecoverState: sweep finished", "archived", n)
	return nil
}
