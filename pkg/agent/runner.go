// Package agent defines the runner contract for concrete coding agents and
// the adapter that normalizes their heterogeneous event streams into the
// uniform activity model consumed by supervisors.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/issueflow/issueflow/pkg/models"
)

// Sentinel errors for runner operations.
var (
	// ErrSessionNotFound indicates the agent-side session id is unknown.
	ErrSessionNotFound = errors.New("agent session not found")

	// ErrStreamingUnsupported is returned by SendMessage when the runner
	// cannot accept streamed input.
	ErrStreamingUnsupported = errors.New("streaming input not supported")
)

// EventType discriminates agent events.
type EventType string

// Agent event types.
const (
	EventText       EventType = "text"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventError      EventType = "error"
	EventComplete   EventType = "complete"
)

// Event is one raw event from a concrete agent, before normalization.
type Event struct {
	Type    EventType
	Content string // text
	Tool    string // tool_use, tool_result
	Input   string // tool_use
	Result  string // tool_result
	IsError bool   // tool_result
	Message string // error
	Summary *models.CompleteSummary
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// SessionHandle identifies a live agent session and its event stream.
// Events is closed by the runner after the terminal event.
type SessionHandle struct {
	ID        string
	StartedAt time.Time
	Events    <-chan Event
}

// StartConfig carries everything a runner needs to launch a session.
type StartConfig struct {
	WorkingDir   string
	UserPrompt   string
	SystemPrompt string
	PluginPaths  []string
}

// Runner is the contract a concrete agent implementation (Claude, Codex,
// scripted) must satisfy. Stop is idempotent and must cause the event
// stream to terminate within the configured stop grace period.
type Runner interface {
	Start(ctx context.Context, cfg StartConfig) (*SessionHandle, error)
	SendMessage(ctx context.Context, sessionID, message string) error
	Stop(ctx context.Context, sessionID string) error
	Resume(ctx context.Context, sessionID string, cfg StartConfig) (*SessionHandle, error)
	IsRunning(sessionID string) bool
	Events(sessionID string) (<-chan Event, error)
	SupportsStreamingInput() bool
}
