// Package models defines the core data model shared across the orchestration
// packages: issues, sessions, activities, procedure state, and webhook events.
package models

import "time"

// Issue is the core's view of a tracker issue. Immutable from the core's
// perspective except via tracker mutations the core explicitly requests.
type Issue struct {
	ID          string    `json:"id"`
	Identifier  string    `json:"identifier"` // human identifier, e.g. "TEAM-123"
	Title       string    `json:"title"`
	Description string    `json:"description"` // markdown
	State       string    `json:"state"`
	Priority    int       `json:"priority"`
	URL         string    `json:"url"`
	Labels      []string  `json:"labels"`
	Comments    []Comment `json:"comments"`
}

// Comment is a single tracker comment, possibly a threaded reply.
type Comment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"` // markdown
	CreatedAt time.Time `json:"created_at"`
	ParentID  string    `json:"parent_id,omitempty"` // empty for top-level comments
	IsRoot    bool      `json:"is_root"`
}

// Label is a tracker label definition.
type Label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Member is a tracker workspace member (the bot is one).
type Member struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Attachment is a downloaded file referenced by an issue or comment.
// LocalPath is content-addressed under the attachment cache directory.
type Attachment struct {
	URL       string `json:"url"`
	LocalPath string `json:"local_path"`
	Hash      string `json:"hash"` // sha256 of URL + content
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	IssueID   string `json:"issue_id"`
}
