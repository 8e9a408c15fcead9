package models

import "time"

// WebhookEventType discriminates tracker webhook events.
type WebhookEventType string

// Webhook event types.
const (
	EventAssigned     WebhookEventType = "assigned"
	EventUnassigned   WebhookEventType = "unassigned"
	EventCommentAdded WebhookEventType = "comment_added"
	EventStateChanged WebhookEventType = "state_changed"
	EventSignal       WebhookEventType = "signal"
)

// WebhookEvent is a parsed tracker webhook. ID is the stable deduplication
// key; exactly one dispatch per ID occurs within the dedup window.
type WebhookEvent struct {
	ID        string           `json:"id"`
	Type      WebhookEventType `json:"type"`
	Action    string           `json:"action,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	IssueID   string           `json:"issue_id"`
	Issue     *Issue           `json:"issue,omitempty"`
	Comment   *Comment         `json:"comment,omitempty"`
	NewState  string           `json:"new_state,omitempty"`
	Signal    *AgentSignal     `json:"signal,omitempty"`
}

// AgentSignalType discriminates user-originated signals.
type AgentSignalType string

// Agent signal types.
const (
	SignalStart    AgentSignalType = "start"
	SignalStop     AgentSignalType = "stop"
	SignalFeedback AgentSignalType = "feedback"
)

// AgentSignal is a user-originated control signal for a session.
type AgentSignal struct {
	Type        AgentSignalType `json:"type"`
	Reason      string          `json:"reason,omitempty"`      // stop
	Message     string          `json:"message,omitempty"`     // feedback
	Attachments []string        `json:"attachments,omitempty"` // feedback: attachment URLs
}
