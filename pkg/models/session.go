package models

import (
	"encoding/json"
	"time"
)

// SessionState is the lifecycle state of a session.
type SessionState string

// Session lifecycle states.
const (
	SessionIdle          SessionState = "idle"
	SessionStarting      SessionState = "starting"
	SessionRunning       SessionState = "running"
	SessionAwaitingAgent SessionState = "awaiting_agent"
	SessionCompleted     SessionState = "completed"
	SessionFailed        SessionState = "failed"
	SessionCanceled      SessionState = "canceled"
)

// Terminal reports whether the state is one of the terminal states.
func (s SessionState) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCanceled:
		return true
	}
	return false
}

// Active reports whether the state counts against the concurrency cap
// (starting, running, or awaiting the agent).
func (s SessionState) Active() bool {
	switch s {
	case SessionStarting, SessionRunning, SessionAwaitingAgent:
		return true
	}
	return false
}

// Session is the unit of orchestration: one agent lifecycle bound to one
// issue. Exclusively owned by a single supervisor; external readers must go
// through SessionStore snapshots.
type Session struct {
	ID             string            `json:"id"`
	IssueID        string            `json:"issue_id"`
	RepositoryID   string            `json:"repository_id"`
	WorkingDir     string            `json:"working_dir"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	State          SessionState      `json:"state"`
	RetryCount     int               `json:"retry_count"`
	AgentSessionID string            `json:"agent_session_id,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	Activities     []Activity        `json:"activities"`
	Procedure      ProcedureState    `json:"procedure"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	// Extra preserves unknown fields found when loading a persisted session
	// written by a newer version. Rewritten verbatim on the next persist.
	Extra map[string]json.RawMessage `json:"-"`
}

// sessionKnownFields are the JSON keys the core owns. Anything else found in
// a persisted snapshot is carried through Extra.
var sessionKnownFields = map[string]bool{
	"id": true, "issue_id": true, "repository_id": true, "working_dir": true,
	"created_at": true, "updated_at": true, "state": true, "retry_count": true,
	"agent_session_id": true, "last_error": true, "activities": true,
	"procedure": true, "metadata": true,
}

// sessionAlias avoids recursing into the custom JSON methods.
type sessionAlias Session

// MarshalJSON emits the session with unknown fields merged back in.
// Output keys are sorted (map marshaling), so persist→load→persist is
// byte-stable.
func (s Session) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(sessionAlias(s))
	if err != nil {
		return nil, err
	}
	if len(s.Extra) == 0 {
		// Still round through a map so key order matches the Extra path.
		var m map[string]json.RawMessage
		if err := json.Unmarshal(base, &m); err != nil {
			return nil, err
		}
		return json.Marshal(m)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for k, v := range s.Extra {
		if !sessionKnownFields[k] {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes known fields and stashes the rest in Extra.
func (s *Session) UnmarshalJSON(data []byte) error {
	var a sessionAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Session(a)
	for k := range raw {
		if sessionKnownFields[k] {
			delete(raw, k)
		}
	}
	if len(raw) > 0 {
		s.Extra = raw
	}
	return nil
}

// Clone returns a deep copy safe for use outside the owning supervisor.
func (s *Session) Clone() Session {
	out := *s
	out.Activities = make([]Activity, len(s.Activities))
	copy(out.Activities, s.Activities)
	for i, a := range out.Activities {
		if a.Summary != nil {
			cp := *a.Summary
			cp.ToolsUsed = append([]string(nil), a.Summary.ToolsUsed...)
			cp.FilesModified = append([]string(nil), a.Summary.FilesModified...)
			out.Activities[i].Summary = &cp
		}
	}
	out.Procedure = s.Procedure.Clone()
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	if s.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(s.Extra))
		for k, v := range s.Extra {
			out.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

// NextSeq returns the sequence number the next appended activity should use.
func (s *Session) NextSeq() int64 {
	if len(s.Activities) == 0 {
		return 1
	}
	return s.Activities[len(s.Activities)-1].Seq + 1
}
