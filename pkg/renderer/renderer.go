// Package renderer defines the live-view contract: a renderer mirrors a
// session's activity stream to an external surface (websocket clients, a
// terminal) and feeds user input and stop requests back in.
package renderer

import "github.com/issueflow/issueflow/pkg/models"

// SessionMeta is the metadata attached when a session joins a renderer.
type SessionMeta struct {
	SessionID string `json:"session_id"`
	IssueID   string `json:"issue_id"`
	IssueURL  string `json:"issue_url,omitempty"`
	Procedure string `json:"procedure,omitempty"`
}

// UserInputFunc receives a user turn typed into the renderer.
type UserInputFunc func(sessionID, text string)

// StopRequestFunc receives a stop click from the renderer.
type StopRequestFunc func(sessionID string)

// Renderer mirrors session activity to an external surface. PushActivity
// must not block session progress; implementations buffer or drop. All
// methods are safe for concurrent use.
type Renderer interface {
	AttachSession(sessionID string, meta SessionMeta)
	PushActivity(sessionID string, act models.Activity)
	OnUserInput(fn UserInputFunc)
	OnStopRequest(fn StopRequestFunc)
	DetachSession(sessionID string)
}

// Nop is a Renderer that discards everything. Used when no live view is
// configured.
type Nop struct{}

var _ Renderer = Nop{}

func (Nop) AttachSession(string, SessionMeta)    {}
func (Nop) PushActivity(string, models.Activity) {}
func (Nop) OnUserInput(UserInputFunc)            {}
func (Nop) OnStopRequest(StopRequestFunc)        {}
func (Nop) DetachSession(string)                 {}
