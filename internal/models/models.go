package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validation constants for inbound messages.
const (
	// MaxMessageLength bounds the size of a single user message.
	MaxMessageLength = 4096
	// MaxSessionIDLength bounds the size of a session identifier.
	MaxSessionIDLength = 128
)

// Error variables for the orchestrator's failure taxonomy.
var (
	ErrSignalUnavailable = errors.New("signal unavailable")
	ErrUnknownScenario   = errors.New("unknown scenario")
	ErrRetrievalTimeout  = errors.New("retrieval timed out")
	ErrRetrieval         = errors.New("retrieval failed")
	ErrPersistence       = errors.New("session persistence failed")
	ErrSessionNotFound   = errors.New("session not found")
	ErrEmptySessionID    = errors.New("session id cannot be empty")
	ErrSessionIDTooLong  = errors.New("session id exceeds maximum length")
	ErrEmptyMessage      = errors.New("message cannot be empty")
	ErrMessageTooLong    = errors.New("message exceeds maximum length")
	ErrTurnConflict      = errors.New("turn sequence conflict")
)

// PersistenceError reports that a turn could not be durably committed.
// The session remains at its last committed state and the turn may be retried.
type PersistenceError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("session %s: %s: %v", e.SessionID, e.Op, e.Err)
}

// Unwrap exposes both ErrPersistence and the underlying cause to errors.Is.
func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// Retryable is always true: nothing was applied, so the caller may resend the message.
func (e *PersistenceError) Retryable() bool { return true }

// ValidateInbound checks a session id and message before processing.
func ValidateInbound(sessionID, text string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrEmptySessionID
	}
	if len(sessionID) > MaxSessionIDLength {
		return ErrSessionIDTooLong
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if len(text) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// IsValidationError reports whether err rejects the inbound message itself.
func IsValidationError(err error) bool {
	for _, target := range []error{ErrEmptySessionID, ErrSessionIDTooLong, ErrEmptyMessage, ErrMessageTooLong} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// Validate checks the request fields.
func (r ChatRequest) Validate() error {
	return ValidateInbound(r.SessionID, r.Message)
}

// Reply is the result of processing one message.
type Reply struct {
	SessionID    string    `json:"session_id"`
	TurnID       string    `json:"turn_id"`
	ResponseText string    `json:"response_text"`
	Debug        DebugInfo `json:"debug"`
}

// DebugInfo exposes the routing and flow details behind a reply.
type DebugInfo struct {
	EmotionScores    map[string]float64 `json:"emotion_scores"`
	IntentScores     map[string]float64 `json:"intent_scores"`
	Emotion          EmotionSignal      `json:"emotion"`
	Intent           IntentSignal       `json:"intent"`
	ScenarioDecision ScenarioDecision   `json:"scenario_decision"`
	ActiveFlow       string             `json:"active_flow,omitempty"`
	Step             int                `json:"step"`
	StepID           string             `json:"step_id,omitempty"`
	Status           string             `json:"status"`
	StackDepth       int                `json:"stack_depth"`
	Transitions      []Transition       `json:"transitions,omitempty"`
	Tone             string             `json:"tone"`
	RetrievalUsed    bool               `json:"retrieval_used"`
	RetrievalError   string             `json:"retrieval_error,omitempty"`
	SignalErrors     []string           `json:"signal_errors,omitempty"`
}

// SessionStatus summarizes a stored session for the status endpoint.
type SessionStatus struct {
	SessionID  string       `json:"session_id"`
	State      SessionState `json:"state"`
	TurnCount  int          `json:"turn_count"`
	Profile    Profile      `json:"profile"`
	UpdatedAt  time.Time    `json:"updated_at"`
	ActiveFlow string       `json:"active_flow,omitempty"`
}

// ReplayReport compares the stored state of a session with the state rebuilt from its turns.
type ReplayReport struct {
	SessionID  string       `json:"session_id"`
	Turns      int          `json:"turns"`
	Stored     SessionState `json:"stored"`
	Replayed   SessionState `json:"replayed"`
	Consistent bool         `json:"consistent"`
}

// FlowCount is the number of turns spent in one flow.
type FlowCount struct {
	FlowID string `json:"flow_id"`
	Turns  int    `json:"turns"`
}

// SessionStats summarizes the turn log of one session.
type SessionStats struct {
	SessionID    string `json:"session_id"`
	MessageCount int    `json:"message_count"`
	// Flows lists every flow the session entered, in first-entered order.
	Flows       []string    `json:"flows"`
	TopFlows    []FlowCount `json:"top_flows"`
	CrisisFlags int         `json:"crisis_flags"`
	Ratings     []int       `json:"ratings,omitempty"`
	FirstSeen   time.Time   `json:"first_seen"`
	LastSeen    time.Time   `json:"last_seen"`
}

// GlobalStats aggregates every live session.
type GlobalStats struct {
	ActiveSessions   int         `json:"active_sessions"`
	TotalMessages    int         `json:"total_messages"`
	TotalCrisisFlags int         `json:"total_crisis_flags"`
	TopFlows         []FlowCount `json:"top_flows"`
}

// FlowSummary describes a registered flow.
type FlowSummary struct {
	ID            string   `json:"id"`
	Scenario      Scenario `json:"scenario"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	Steps         []string `json:"steps"`
	Interruptible bool     `json:"interruptible"`
	MinPriority   string   `json:"min_priority"`
}

// HealthStatus is returned by the health endpoint.
type HealthStatus struct {
	Status         string `json:"status"`
	Flows          int    `json:"flows"`
	KnowledgeItems int    `json:"knowledge_items"`
	InFlight       int    `json:"in_flight"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusRetry indicates a transient failure the client should retry.
	APIStatusRetry APIStatus = "retry"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// Retry creates a response telling the client the turn was not applied and may be resent.
func Retry(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusRetry).
		WithMessage(message).
		Build()
}
