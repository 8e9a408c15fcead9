package models

import "time"

// ValidationOutcome is the terminal disposition of a validation loop.
type ValidationOutcome string

// Validation outcome constants.
const (
	ValidationInProgress     ValidationOutcome = "in_progress"
	ValidationPassed         ValidationOutcome = "passed"
	ValidationFailedMaxRetry ValidationOutcome = "failed_max_retries"
)

// ValidationAttempt records one iteration of a validation loop.
type ValidationAttempt struct {
	Iteration int       `json:"iteration"` // 1-based
	Pass      bool      `json:"pass"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// ValidationLoopState tracks the bounded retry structure wrapping a
// validated subroutine.
type ValidationLoopState struct {
	Iteration int                 `json:"iteration"` // 1-based
	Attempts  []ValidationAttempt `json:"attempts,omitempty"`
	Outcome   ValidationOutcome   `json:"outcome"`
}

// ProcedureState is the per-session position within a procedure.
// CurrentIndex is non-decreasing for the life of a session.
type ProcedureState struct {
	Name         string                          `json:"name"`
	Subroutines  []string                        `json:"subroutines"`
	CurrentIndex int                             `json:"current_index"`
	Validation   map[string]*ValidationLoopState `json:"validation,omitempty"` // keyed by subroutine name
}

// CurrentSubroutine returns the active subroutine name, or "" when the
// procedure has run past its last subroutine.
func (p *ProcedureState) CurrentSubroutine() string {
	if p.CurrentIndex < 0 || p.CurrentIndex >= len(p.Subroutines) {
		return ""
	}
	return p.Subroutines[p.CurrentIndex]
}

// Done reports whether every subroutine has completed.
func (p *ProcedureState) Done() bool {
	return p.CurrentIndex >= len(p.Subroutines)
}

// Clone returns a deep copy of the procedure state.
func (p *ProcedureState) Clone() ProcedureState {
	out := ProcedureState{
		Name:         p.Name,
		CurrentIndex: p.CurrentIndex,
	}
	out.Subroutines = append([]string(nil), p.Subroutines...)
	if p.Validation != nil {
		out.Validation = make(map[string]*ValidationLoopState, len(p.Validation))
		for name, vs := range p.Validation {
			cp := *vs
			cp.Attempts = append([]ValidationAttempt(nil), vs.Attempts...)
			out.Validation[name] = &cp
		}
	}
	return out
}
