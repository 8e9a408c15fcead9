package models

import "time"

// ActivityType discriminates the variants of an Activity.
type ActivityType string

// Activity type constants.
const (
	ActivityText       ActivityType = "text"
	ActivityToolUse    ActivityType = "tool_use"
	ActivityToolResult ActivityType = "tool_result"
	ActivityWarning    ActivityType = "warning"
	ActivityError      ActivityType = "error"
	ActivityComplete   ActivityType = "complete"
	ActivitySummary    ActivityType = "summary"
)

// Activity is one unit of agent-produced output or system-produced annotation
// in a session's append-only log. Seq is monotonic per session.
type Activity struct {
	Seq        int64            `json:"seq"`
	Type       ActivityType     `json:"type"`
	Content    string           `json:"content,omitempty"`
	Tool       string           `json:"tool,omitempty"`
	ToolInput  string           `json:"tool_input,omitempty"`
	ToolResult string           `json:"tool_result,omitempty"`
	IsError    bool             `json:"is_error,omitempty"`
	Summary    *CompleteSummary `json:"summary,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// CompleteSummary is the payload of a terminal complete activity.
type CompleteSummary struct {
	Turns         int      `json:"turns"`
	ToolsUsed     []string `json:"tools_used,omitempty"`
	FilesModified []string `json:"files_modified,omitempty"`
	ExitCode      int      `json:"exit_code"`
	Summary       string   `json:"summary,omitempty"`
}

// UserStopExitCode is the exit code a terminal complete activity carries when
// the session was stopped by an explicit user stop signal.
const UserStopExitCode = 130
