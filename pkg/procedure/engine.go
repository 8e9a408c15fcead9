package procedure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/issueflow/issueflow/pkg/config"
	"github.com/issueflow/issueflow/pkg/models"
)

// Sentinel errors.
var (
	// ErrUnknownProcedure is returned for a procedure name with no preset.
	ErrUnknownProcedure = errors.New("unknown procedure")

	// ErrProcedureHalted is returned by Advance when a validated subroutine
	// exhausted its iterations and the policy does not continue past that.
	ErrProcedureHalted = errors.New("procedure halted")
)

// ValidationResult is the structured verdict of a validator run.
type ValidationResult struct {
	Pass   bool   `json:"pass"`
	Reason string `json:"reason,omitempty"`
}

// Validator judges whether a validated subroutine's work passed. Typically
// backed by a separate bounded agent run.
type Validator interface {
	Validate(ctx context.Context, sess *models.Session, subroutine string) (ValidationResult, error)
}

// Engine drives procedure state: creation, the validation loop, and
// advancement. Stateless apart from configuration; all position lives in
// models.ProcedureState, so the engine is shared across sessions.
type Engine struct {
	repo          config.RepositoryConfig
	maxIterations int
}

// NewEngine creates an Engine using the repository's per-subroutine policy
// overrides on top of the global iteration cap.
func NewEngine(repo config.RepositoryConfig, limits config.Limits) *Engine {
	return &Engine{repo: repo, maxIterations: limits.MaxIterations}
}

// NewState initializes procedure state for a named preset.
func (e *Engine) NewState(name string) (models.ProcedureState, error) {
	preset, ok := Lookup(name)
	if !ok {
		return models.ProcedureState{}, fmt.Errorf("%w: %s", ErrUnknownProcedure, name)
	}

	st := models.ProcedureState{Name: name}
	for _, step := range preset.Steps {
		st.Subroutines = append(st.Subroutines, step.Name)
	}
	return st, nil
}

// Current returns the active step. ok is false once the procedure is done.
func (e *Engine) Current(st *models.ProcedureState) (Step, bool) {
	name := st.CurrentSubroutine()
	if name == "" {
		return Step{}, false
	}

	preset, ok := Lookup(st.Name)
	if !ok {
		// State restored from disk with a preset this build no longer has.
		return Step{Name: name, Parallelism: 1}, true
	}
	for _, step := range preset.Steps {
		if step.Name == name {
			return step, true
		}
	}
	return Step{Name: name, Parallelism: 1}, true
}

// Observe records one validator verdict for the current subroutine and
// returns the loop disposition: passed, still in progress (another
// iteration), or failed after the iteration budget.
func (e *Engine) Observe(st *models.ProcedureState, subroutine string, res ValidationResult) models.ValidationOutcome {
	maxIterations, _ := e.repo.SubroutinePolicy(subroutine, e.maxIterations)

	if st.Validation == nil {
		st.Validation = make(map[string]*models.ValidationLoopState)
	}
	loop := st.Validation[subroutine]
	if loop == nil {
		loop = &models.ValidationLoopState{Iteration: 1, Outcome: models.ValidationInProgress}
		st.Validation[subroutine] = loop
	}

	loop.Attempts = append(loop.Attempts, models.ValidationAttempt{
		Iteration: loop.Iteration,
		Pass:      res.Pass,
		Reason:    res.Reason,
		At:        time.Now().UTC(),
	})

	switch {
	case res.Pass:
		loop.Outcome = models.ValidationPassed
	case loop.Iteration >= maxIterations:
		loop.Outcome = models.ValidationFailedMaxRetry
	default:
		loop.Iteration++
		loop.Outcome = models.ValidationInProgress
	}
	return loop.Outcome
}

// Advance moves past the current subroutine. Passed always advances.
// Failed-max-retries advances only when the subroutine's policy says to
// continue; otherwise ErrProcedureHalted. The index never moves backward.
func (e *Engine) Advance(st *models.ProcedureState, outcome models.ValidationOutcome) error {
	switch outcome {
	case models.ValidationPassed:
	case models.ValidationFailedMaxRetry:
		_, continueOn := e.repo.SubroutinePolicy(st.CurrentSubroutine(), e.maxIterations)
		if !continueOn {
			return fmt.Errorf("%w: %s failed validation after max retries", ErrProcedureHalted, st.CurrentSubroutine())
		}
	default:
		return fmt.Errorf("cannot advance with outcome %q", outcome)
	}

	if !st.Done() {
		st.CurrentIndex++
	}
	return nil
}
