package supervisor

import (
	"context"
	"fmt"
	"strings"

	"github.com/issueflow/issueflow/pkg/agent"
	"github.com/issueflow/issueflow/pkg/models"
	"github.com/issueflow/issueflow/pkg/procedure"
)

// validatorSystemPrompt bounds the validator run to a verdict.
const validatorSystemPrompt = `You are a validator. Inspect the working tree and judge whether the
described step was completed correctly. Do not modify anything. End your
answer with exactly one line:

VERDICT: PASS
or
VERDICT: FAIL - <one-line reason>`

// AgentValidator judges a validated subroutine by running a separate bounded
// agent session and parsing its verdict line.
type AgentValidator struct {
	adapter *agent.Adapter
}

var _ procedure.Validator = (*AgentValidator)(nil)

// NewAgentValidator creates a validator backed by the given adapter.
func NewAgentValidator(adapter *agent.Adapter) *AgentValidator {
	return &AgentValidator{adapter: adapter}
}

// Validate runs the validator session to completion and extracts the
// verdict. A run that ends without a verdict line counts as a failure with
// the reason recorded, so a flaky validator cannot silently pass work.
func (v *AgentValidator) Validate(ctx context.Context, sess *models.Session, subroutine string) (procedure.ValidationResult, error) {
	prompt := fmt.Sprintf(
		"Judge whether the %q step for issue %s was completed correctly in %s.",
		subroutine, sess.IssueID, sess.WorkingDir)

	stream, err := v.adapter.Start(ctx, agent.StartConfig{
		WorkingDir:   sess.WorkingDir,
		UserPrompt:   prompt,
		SystemPrompt: validatorSystemPrompt,
	}, 1)
	if err != nil {
		return procedure.ValidationResult{}, fmt.Errorf("starting validator session: %w", err)
	}
	defer stream.Stop(context.WithoutCancel(ctx))

	var lastText string
	for {
		select {
		case act, ok := <-stream.Activities():
			if !ok {
				return parseVerdict(lastText), nil
			}
			switch act.Type {
			case models.ActivityText:
				lastText = act.Content
			case models.ActivityError:
				return procedure.ValidationResult{}, fmt.Errorf("validator session failed: %s", act.Content)
			}
		case <-ctx.Done():
			return procedure.ValidationResult{}, ctx.Err()
		}
	}
}

// parseVerdict scans for the VERDICT line, last occurrence wins.
func parseVerdict(text string) procedure.ValidationResult {
	var res procedure.ValidationResult
	found := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "VERDICT: PASS":
			res = procedure.ValidationResult{Pass: true}
			found = true
		case strings.HasPrefix(line, "VERDICT: FAIL"):
			reason := strings.TrimSpace(strings.TrimPrefix(line, "VERDICT: FAIL"))
			reason = strings.TrimSpace(strings.TrimPrefix(reason, "-"))
			res = procedure.ValidationResult{Pass: false, Reason: reason}
			found = true
		}
	}
	if !found {
		return procedure.ValidationResult{Pass: false, Reason: "validator produced no verdict"}
	}
	return res
}
