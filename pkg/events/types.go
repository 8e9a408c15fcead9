// Package events provides the typed observer event bus. The manager
// publishes lifecycle events here for observers (renderers, logs, tests);
// the core itself never depends on a subscriber being present.
package events

import "time"

// Event type constants.
const (
	// TypeStarted signals the manager finished startup.
	TypeStarted = "started"

	// Session lifecycle.
	TypeSessionStarted   = "session.started"
	TypeSessionCompleted = "session.completed"
	TypeSessionFailed    = "session.failed"
	TypeSessionCanceled  = "session.canceled"

	// TypeError carries a non-session error with its context.
	TypeError = "error"
)

// Event is one observer notification. SessionID/IssueID are set for session
// lifecycle events; Err and Context for error events.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	IssueID   string    `json:"issue_id,omitempty"`
	Err       string    `json:"error,omitempty"`
	Context   string    `json:"context,omitempty"`
	At        time.Time `json:"at"`
}
