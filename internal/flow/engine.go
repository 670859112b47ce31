// Package flow is the orchestration core of FlowGuide. Machine is the pure
// per-session state machine; Engine wraps it with signal extraction, routing,
// personalization, retrieval, rendering and persistence, serializing turns
// per session.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/FlowGuide/internal/models"
	"github.com/BTreeMap/FlowGuide/internal/registry"
	"github.com/BTreeMap/FlowGuide/internal/retrieval"
	"github.com/BTreeMap/FlowGuide/internal/router"
	"github.com/BTreeMap/FlowGuide/internal/signals"
	"github.com/BTreeMap/FlowGuide/internal/util"
	"github.com/google/uuid"
)

// SignalExtractor produces the signals for one message.
type SignalExtractor interface {
	Extract(ctx context.Context, text string) signals.Result
}

// ProfileService reads and records personalization data.
type ProfileService interface {
	GetProfile(ctx context.Context, sessionID string) (models.Profile, error)
	RecordInteraction(ctx context.Context, summary models.InteractionSummary) error
}

// SessionStore is the persistence the engine needs.
type SessionStore interface {
	LoadSession(ctx context.Context, sessionID string, historyLimit int) (*models.Session, error)
	SaveTurn(ctx context.Context, session *models.Session, turn models.Turn) error
	ListTurns(ctx context.Context, sessionID string) ([]models.Turn, error)
}

// Sizer is implemented by retrievers that can report their item count.
type Sizer interface {
	Len() int
}

// Options tunes the engine.
type Options struct {
	RetrievalTimeout time.Duration
	ProfileTimeout   time.Duration
	RecordTimeout    time.Duration
	SaveTimeout      time.Duration
	HistoryLimit     int
	RetrievalTopK    int
	MaxStackDepth    int
	StopPhrases      []string
	Now              func() time.Time
}

// Option configures an Engine.
type Option func(*Options)

// WithRetrievalTimeout bounds each knowledge-base query.
func WithRetrievalTimeout(d time.Duration) Option {
	return func(o *Options) { o.RetrievalTimeout = d }
}

// WithProfileTimeout bounds the profile read.
func WithProfileTimeout(d time.Duration) Option {
	return func(o *Options) { o.ProfileTimeout = d }
}

// WithRecordTimeout bounds the background interaction write.
func WithRecordTimeout(d time.Duration) Option {
	return func(o *Options) { o.RecordTimeout = d }
}

// WithHistoryLimit sets how many recent turns are loaded with a session.
func WithHistoryLimit(n int) Option {
	return func(o *Options) { o.HistoryLimit = n }
}

// WithRetrievalTopK sets the default number of snippets per query.
func WithRetrievalTopK(k int) Option {
	return func(o *Options) { o.RetrievalTopK = k }
}

// WithMaxStackDepth bounds the interruption stack.
func WithMaxStackDepth(n int) Option {
	return func(o *Options) { o.MaxStackDepth = n }
}

// WithStopPhrases sets the messages that abandon the active flow.
func WithStopPhrases(phrases []string) Option {
	return func(o *Options) { o.StopPhrases = phrases }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}

func defaultOptions() Options {
	return Options{
		RetrievalTimeout: 1500 * time.Millisecond,
		ProfileTimeout:   300 * time.Millisecond,
		RecordTimeout:    5 * time.Second,
		SaveTimeout:      5 * time.Second,
		HistoryLimit:     10,
		RetrievalTopK:    3,
		MaxStackDepth:    3,
		StopPhrases:      []string{"stop", "quit", "exit", "cancel", "end session"},
		Now:              time.Now,
	}
}

// Engine processes messages for many sessions concurrently. Turns of the same
// session are strictly serialized; different sessions never block each other.
type Engine struct {
	reg       *registry.Registry
	router    *router.Router
	machine   *Machine
	signals   SignalExtractor
	retriever retrieval.Retriever
	profiles  ProfileService
	store     SessionStore
	opts      Options

	locks *sessionLocks
	// records tracks background interaction writes so Close can wait for them.
	records sync.WaitGroup
}

// NewEngine wires an Engine. retriever and profiles may be nil.
func NewEngine(reg *registry.Registry, rt *router.Router, sig SignalExtractor, ret retrieval.Retriever, profiles ProfileService, st SessionStore, opts ...Option) *Engine {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return &Engine{
		reg:       reg,
		router:    rt,
		machine:   NewMachine(reg, MachineConfig{MaxStackDepth: o.MaxStackDepth, StopPhrases: o.StopPhrases}),
		signals:   sig,
		retriever: ret,
		profiles:  profiles,
		store:     st,
		opts:      o,
		locks:     newSessionLocks(),
	}
}

// Machine exposes the engine's state machine, for replay tooling.
func (e *Engine) Machine() *Machine {
	return e.machine
}

// ProcessMessage handles one inbound message and returns the reply. Either
// the whole turn is committed, or an error is returned and the session is
// left at its previous state. Persistence failures are returned as
// *models.PersistenceError and may be retried.
func (e *Engine) ProcessMessage(ctx context.Context, sessionID, text string) (*models.Reply, error) {
	if err := models.ValidateInbound(sessionID, text); err != nil {
		return nil, err
	}
	release, err := e.locks.acquire(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("waiting for session %s: %w", sessionID, err)
	}
	defer release()

	sess, err := e.store.LoadSession(ctx, sessionID, e.opts.HistoryLimit)
	if err != nil {
		slog.Error("Engine.ProcessMessage: load session failed", "sessionID", sessionID, "error", err)
		return nil, &models.PersistenceError{SessionID: sessionID, Op: "load session", Err: err}
	}
	now := e.opts.Now().UTC().Round(0)
	if sess == nil {
		slog.Info("Engine.ProcessMessage: starting new session", "sessionID", sessionID)
		sess = models.NewSession(sessionID, now)
	}

	sig := e.extract(ctx, text)
	profile := e.loadProfile(ctx, sessionID)

	decision := e.router.Route(sig.Emotion, sig.Intent, sess.State.Active)
	out := e.machine.Advance(sess.State, Input{Text: text, Decision: decision, Time: now})
	if out.Gap != nil {
		slog.Warn("Engine.ProcessMessage: scenario has no flow, using fallback", "sessionID", sessionID, "scenario", decision.Scenario, "fallback", e.reg.Fallback().ID)
	}
	if err := out.State.Validate(e.opts.MaxStackDepth); err != nil {
		slog.Error("Engine.ProcessMessage: state machine produced invalid state", "sessionID", sessionID, "error", err)
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}

	r := e.render(ctx, out, profile, text, sess.History)

	turn := models.Turn{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Seq:         sess.TurnCount + 1,
		Text:        text,
		Timestamp:   now,
		Emotion:     sig.Emotion,
		Intent:      sig.Intent,
		Decision:    decision,
		Response:    r.text,
		Snippets:    r.snippets,
		Transitions: out.Transitions,
		Rating:      out.Rating,
		Tone:        r.tone,
	}
	if pos := position(out.State); pos != nil {
		turn.FlowID, turn.Step = pos.FlowID, pos.Step
	}

	next := *sess
	next.History = nil
	next.State = out.State
	next.LastEmotion = sig.Emotion
	next.LastIntent = sig.Intent
	next.Profile = profile
	next.TurnCount = turn.Seq
	next.UpdatedAt = now

	// The commit must not be torn by a caller that gives up mid-write.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.SaveTimeout)
	defer cancel()
	if err := e.store.SaveTurn(saveCtx, &next, turn); err != nil {
		slog.Error("Engine.ProcessMessage: commit failed", "sessionID", sessionID, "seq", turn.Seq, "error", err)
		return nil, &models.PersistenceError{SessionID: sessionID, Op: "save turn", Err: err}
	}
	slog.Debug("Engine.ProcessMessage: turn committed", "sessionID", sessionID, "seq", turn.Seq, "transitions", len(out.Transitions))

	e.record(summarize(turn, out, r))

	return &models.Reply{
		SessionID:    sessionID,
		TurnID:       turn.ID,
		ResponseText: r.text,
		Debug:        debugInfo(sig, decision, out, r, e.reg),
	}, nil
}

func (e *Engine) extract(ctx context.Context, text string) signals.Result {
	if e.signals == nil {
		return signals.Result{Errors: []error{fmt.Errorf("%w: no signal extractor", models.ErrSignalUnavailable)}}
	}
	return e.signals.Extract(ctx, text)
}

// loadProfile never fails: a missing, slow or broken profile store yields the default profile.
func (e *Engine) loadProfile(ctx context.Context, sessionID string) models.Profile {
	if e.profiles == nil {
		return models.DefaultProfile(sessionID)
	}
	p, err := util.CallWithTimeout(ctx, e.opts.ProfileTimeout, func(ctx context.Context) (models.Profile, error) {
		return e.profiles.GetProfile(ctx, sessionID)
	})
	if err != nil {
		slog.Warn("Engine.loadProfile: using default profile", "sessionID", sessionID, "error", err)
		return models.DefaultProfile(sessionID)
	}
	return p
}

// record reports the turn to personalization without delaying the reply.
func (e *Engine) record(summary models.InteractionSummary) {
	if e.profiles == nil {
		return
	}
	e.records.Add(1)
	go func() {
		defer e.records.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.RecordTimeout)
		defer cancel()
		if err := e.profiles.RecordInteraction(ctx, summary); err != nil {
			slog.Warn("Engine.record: interaction not recorded", "sessionID", summary.SessionID, "turnID", summary.TurnID, "error", err)
		}
	}()
}

// Close waits for background interaction writes. Call it after the last
// ProcessMessage has returned.
func (e *Engine) Close() error {
	e.records.Wait()
	return nil
}

// position is the flow the session is in after a turn: the active flow, or
// the flow that just ended.
func position(st models.SessionState) *models.FlowState {
	if st.Active != nil {
		return st.Active
	}
	return st.Last
}

func summarize(turn models.Turn, out Outcome, r rendered) models.InteractionSummary {
	s := models.InteractionSummary{
		SessionID: turn.SessionID,
		TurnID:    turn.ID,
		Text:      turn.Text,
		FlowID:    turn.FlowID,
		Rating:    turn.Rating,
		Fallback:  r.fallback,
		Timestamp: turn.Timestamp,
	}
	if pos := position(out.State); pos != nil {
		s.Scenario = pos.Scenario
	}
	for _, t := range out.Transitions {
		s.Transitions = append(s.Transitions, t.Kind)
	}
	// Credit the technique of the step the user was answering.
	switch {
	case out.Finished != nil:
		s.Technique = out.Finished.Technique
		s.FlowID = out.Finished.FlowID
	case r.answeredTechnique != "":
		s.Technique = r.answeredTechnique
	}
	return s
}

func debugInfo(sig signals.Result, d models.ScenarioDecision, out Outcome, r rendered, reg *registry.Registry) models.DebugInfo {
	info := models.DebugInfo{
		EmotionScores:    sig.Emotion.Scores,
		IntentScores:     sig.Intent.Scores,
		Emotion:          sig.Emotion,
		Intent:           sig.Intent,
		ScenarioDecision: d,
		StackDepth:       len(out.State.Stack),
		Transitions:      out.Transitions,
		Tone:             r.tone,
		RetrievalUsed:    r.retrievalUsed,
		Status:           "idle",
	}
	if r.retrievalErr != nil {
		info.RetrievalError = r.retrievalErr.Error()
	}
	for _, err := range sig.Errors {
		info.SignalErrors = append(info.SignalErrors, err.Error())
	}
	if a := out.State.Active; a != nil {
		info.ActiveFlow = a.FlowID
		info.Step = a.Step
		info.Status = string(a.Status)
		if f, ok := reg.ByID(a.FlowID); ok && a.Step < len(f.Steps) {
			info.StepID = f.Steps[a.Step].ID
		}
	} else if l := out.State.Last; l != nil {
		info.Status = string(l.Status)
	}
	return info
}

// SessionStatus returns the stored state of a session.
func (e *Engine) SessionStatus(ctx context.Context, sessionID string) (*models.SessionStatus, error) {
	sess, err := e.store.LoadSession(ctx, sessionID, 0)
	if err != nil {
		return nil, &models.PersistenceError{SessionID: sessionID, Op: "load session", Err: err}
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, sessionID)
	}
	st := &models.SessionStatus{
		SessionID: sess.ID,
		State:     sess.State,
		TurnCount: sess.TurnCount,
		Profile:   sess.Profile,
		UpdatedAt: sess.UpdatedAt,
	}
	if sess.State.Active != nil {
		st.ActiveFlow = sess.State.Active.FlowID
	}
	return st, nil
}

// SessionTurns returns the full turn log of a session.
func (e *Engine) SessionTurns(ctx context.Context, sessionID string) ([]models.Turn, error) {
	turns, err := e.store.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, &models.PersistenceError{SessionID: sessionID, Op: "list turns", Err: err}
	}
	if len(turns) == 0 {
		return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, sessionID)
	}
	return turns, nil
}

// ReplaySession rebuilds a session's state from its turn log and compares it
// with the stored snapshot.
func (e *Engine) ReplaySession(ctx context.Context, sessionID string) (*models.ReplayReport, error) {
	sess, err := e.store.LoadSession(ctx, sessionID, 0)
	if err != nil {
		return nil, &models.PersistenceError{SessionID: sessionID, Op: "load session", Err: err}
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, sessionID)
	}
	turns, err := e.store.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, &models.PersistenceError{SessionID: sessionID, Op: "list turns", Err: err}
	}
	replayed := e.machine.Replay(turns)
	return &models.ReplayReport{
		SessionID:  sessionID,
		Turns:      len(turns),
		Stored:     sess.State,
		Replayed:   replayed,
		Consistent: SameState(sess.State, replayed),
	}, nil
}

// Flows lists the registered flows.
func (e *Engine) Flows() []models.FlowSummary {
	return e.reg.Summaries()
}

// Health reports engine readiness.
func (e *Engine) Health() models.HealthStatus {
	h := models.HealthStatus{
		Status:   "ok",
		Flows:    len(e.reg.Flows()),
		InFlight: e.locks.size(),
	}
	if s, ok := e.retriever.(Sizer); ok {
		h.KnowledgeItems = s.Len()
	}
	return h
}

// IsRetryable reports whether err means the turn was not applied and can be resent.
func IsRetryable(err error) bool {
	var pe *models.PersistenceError
	return errors.As(err, &pe) && pe.Retryable()
}
