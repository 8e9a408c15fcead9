package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/issueflow/issueflow/pkg/models"
	"github.com/issueflow/issueflow/pkg/procedure"
	"github.com/issueflow/issueflow/pkg/tracker"
)

// orchestratorPollInterval paces the launch loop when child sessions are
// in flight but nothing is unblocked yet.
const orchestratorPollInterval = 500 * time.Millisecond

// ChildResult is the terminal outcome of one orchestrator child session.
type ChildResult struct {
	TaskID string
	State  models.SessionState
	Err    error
}

// ChildLauncher starts an independent child session for an orchestrator
// task. Implemented by the session manager. The returned channel receives
// exactly one result when the child reaches a terminal state.
type ChildLauncher interface {
	LaunchChild(ctx context.Context, parentSessionID string, task procedure.Task) (<-chan ChildResult, error)
}

// runOrchestrator computes the sub-issue task graph and launches one child
// session per unblocked task, gating further launches on results. A failed
// child fails the orchestration; a stop cancels in-flight children.
func (s *Supervisor) runOrchestrator(ctx context.Context, batcher *CommentBatcher) (models.SessionState, string) {
	lister, ok := s.deps.Tracker.(tracker.SubIssueLister)
	if !ok {
		return models.SessionFailed, "tracker does not support sub-issues; orchestrator procedure unavailable"
	}
	if s.deps.Launcher == nil {
		return models.SessionFailed, "no child launcher configured; orchestrator procedure unavailable"
	}

	refs, err := lister.ListSubIssues(ctx, s.issueID)
	if err != nil {
		return models.SessionFailed, fmt.Sprintf("listing sub-issues: %v", err)
	}

	subs := make([]procedure.SubIssue, len(refs))
	for i, ref := range refs {
		subs[i] = procedure.SubIssue{ID: ref.IssueID, DependsOn: ref.DependsOn}
	}
	graph := procedure.BuildGraph(subs)
	s.logger.Info("Orchestration graph built", "sub_issues", len(subs), "tasks", graph.Len())

	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan ChildResult)
	inFlight := 0

	for {
		for _, task := range graph.Unblocked() {
			ch, err := s.deps.Launcher.LaunchChild(childCtx, s.sessionID, task)
			if err != nil {
				return models.SessionFailed, fmt.Sprintf("launching child for %s: %v", task.ID, err)
			}
			if err := graph.MarkLaunched(task.ID); err != nil {
				return models.SessionFailed, err.Error()
			}
			inFlight++
			s.logger.Info("Child session launched", "task", task.ID, "kind", task.Kind)

			go func() {
				res := <-ch
				select {
				case results <- res:
				case <-ctx.Done():
				}
			}()
		}

		if graph.Done() {
			return models.SessionCompleted, ""
		}
		if inFlight == 0 {
			// Nothing running and nothing launchable: the remaining tasks
			// can never unblock.
			return models.SessionFailed, "orchestration deadlocked: remaining tasks are permanently blocked"
		}

		select {
		case res := <-results:
			inFlight--
			if res.Err != nil || res.State == models.SessionFailed {
				reason := fmt.Sprintf("child task %s failed", res.TaskID)
				if res.Err != nil {
					reason = fmt.Sprintf("%s: %v", reason, res.Err)
				}
				return models.SessionFailed, reason
			}
			if res.State == models.SessionCanceled {
				return models.SessionCanceled, ""
			}
			if err := graph.MarkDone(res.TaskID); err != nil {
				return models.SessionFailed, err.Error()
			}
			s.recordProgress(fmt.Sprintf("task %s completed", res.TaskID), batcher)

		case sig := <-s.signals:
			if sig.Type == models.SignalStop {
				s.logger.Info("Stop signal received during orchestration", "reason", sig.Reason)
				cancel()
				return models.SessionCanceled, ""
			}

		case <-ctx.Done():
			return models.SessionCanceled, ""

		case <-time.After(orchestratorPollInterval):
		}
	}
}

// recordProgress appends a plain text progress activity.
func (s *Supervisor) recordProgress(msg string, batcher *CommentBatcher) {
	s.record(models.Activity{
		Type:      models.ActivityText,
		Content:   msg,
		CreatedAt: time.Now().UTC(),
	}, batcher)
}
