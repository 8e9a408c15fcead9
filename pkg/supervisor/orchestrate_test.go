package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issueflow/issueflow/pkg/models"
	"github.com/issueflow/issueflow/pkg/procedure"
	"github.com/issueflow/issueflow/pkg/tracker"
)

// fakeLauncher completes every child immediately, recording launch order.
type fakeLauncher struct {
	mu       sync.Mutex
	launched []string
	failTask string // task id whose child fails
}

func (f *fakeLauncher) LaunchChild(_ context.Context, _ string, task procedure.Task) (<-chan ChildResult, error) {
	f.mu.Lock()
	f.launched = append(f.launched, task.ID)
	f.mu.Unlock()

	ch := make(chan ChildResult, 1)
	res := ChildResult{TaskID: task.ID, State: models.SessionCompleted}
	if task.ID == f.failTask {
		res = ChildResult{TaskID: task.ID, State: models.SessionFailed, Err: errors.New("child broke")}
	}
	ch <- res
	return ch, nil
}

func (f *fakeLauncher) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.launched...)
}

func orchestratorHarness(t *testing.T, launcher ChildLauncher, refs []tracker.SubIssueRef) *harness {
	t.Helper()
	h := newHarness(t, "orchestrator", newSequenceRunner(nil), nil)
	h.tracker.SetSubIssues("i1", refs)
	h.sup.deps.Launcher = launcher
	return h
}

func TestOrchestratorRunsGraphInOrder(t *testing.T) {
	launcher := &fakeLauncher{}
	h := orchestratorHarness(t, launcher, []tracker.SubIssueRef{
		{IssueID: "a"},
		{IssueID: "b", DependsOn: []string{"a"}},
	})

	sess := h.run(t)
	assert.Equal(t, models.SessionCompleted, sess.State)

	order := launcher.order()
	require.Len(t, order, 4)
	assert.Equal(t, "a/impl", order[0])

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["a/impl"], pos["a/verify"])
	assert.Less(t, pos["a/verify"], pos["b/impl"])
	assert.Less(t, pos["b/impl"], pos["b/verify"])
}

func TestOrchestratorChildFailureFailsSession(t *testing.T) {
	launcher := &fakeLauncher{failTask: "a/verify"}
	h := orchestratorHarness(t, launcher, []tracker.SubIssueRef{
		{IssueID: "a"},
		{IssueID: "b", DependsOn: []string{"a"}},
	})

	sess := h.run(t)
	assert.Equal(t, models.SessionFailed, sess.State)
	assert.Contains(t, sess.LastError, "a/verify")

	// b was never launched.
	for _, id := range launcher.order() {
		assert.NotContains(t, id, "b/")
	}
}

func TestOrchestratorNoSubIssuesCompletes(t *testing.T) {
	launcher := &fakeLauncher{}
	h := orchestratorHarness(t, launcher, nil)

	sess := h.run(t)
	assert.Equal(t, models.SessionCompleted, sess.State)
	assert.Empty(t, launcher.order())
}

func TestOrchestratorWithoutLauncherFails(t *testing.T) {
	h := orchestratorHarness(t, nil, []tracker.SubIssueRef{{IssueID: "a"}})

	sess := h.run(t)
	assert.Equal(t, models.SessionFailed, sess.State)
	assert.Contains(t, sess.LastError, "launcher")
}
