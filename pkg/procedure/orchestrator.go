package procedure

import "fmt"

// TaskKind distinguishes the two tasks built per sub-issue.
type TaskKind string

// Task kinds.
const (
	TaskImpl   TaskKind = "impl"
	TaskVerify TaskKind = "verify"
)

// SubIssue is the orchestrator's view of a child issue. DependsOn holds
// sub-issue IDs; unknown IDs are ignored when building the graph.
type SubIssue struct {
	ID        string
	DependsOn []string
}

// Task is one node in the orchestrator graph. Each sub-issue contributes an
// impl task and a verify task; verify depends on impl, and impl depends on
// the verify tasks of every sub-issue it declares a dependency on.
type Task struct {
	ID         string
	SubIssueID string
	Kind       TaskKind
	DependsOn  []string
}

// Graph is the orchestrator's task DAG with launch/completion tracking.
// Not safe for concurrent use; the orchestrating supervisor owns it.
type Graph struct {
	order    []string // deterministic task order: input order, impl before verify
	tasks    map[string]Task
	launched map[string]bool
	done     map[string]bool
}

func implID(subIssueID string) string   { return subIssueID + "/impl" }
func verifyID(subIssueID string) string { return subIssueID + "/verify" }

// BuildGraph constructs the {impl, verify} task pair DAG from sub-issues.
// Dependencies on IDs not present in subs are silently dropped.
func BuildGraph(subs []SubIssue) *Graph {
	known := make(map[string]bool, len(subs))
	for _, s := range subs {
		known[s.ID] = true
	}

	g := &Graph{
		tasks:    make(map[string]Task, 2*len(subs)),
		launched: make(map[string]bool),
		done:     make(map[string]bool),
	}

	for _, s := range subs {
		impl := Task{ID: implID(s.ID), SubIssueID: s.ID, Kind: TaskImpl}
		for _, dep := range s.DependsOn {
			if known[dep] {
				impl.DependsOn = append(impl.DependsOn, verifyID(dep))
			}
		}
		verify := Task{
			ID:         verifyID(s.ID),
			SubIssueID: s.ID,
			Kind:       TaskVerify,
			DependsOn:  []string{impl.ID},
		}

		g.tasks[impl.ID] = impl
		g.tasks[verify.ID] = verify
		g.order = append(g.order, impl.ID, verify.ID)
	}
	return g
}

// Unblocked returns the tasks whose dependencies have all completed and
// which have not been launched yet, in deterministic order.
func (g *Graph) Unblocked() []Task {
	var out []Task
	for _, id := range g.order {
		if g.launched[id] || g.done[id] {
			continue
		}
		task := g.tasks[id]
		ready := true
		for _, dep := range task.DependsOn {
			if !g.done[dep] {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, task)
		}
	}
	return out
}

// MarkLaunched records that a child session was started for the task.
func (g *Graph) MarkLaunched(taskID string) error {
	if _, ok := g.tasks[taskID]; !ok {
		return fmt.Errorf("unknown task %q", taskID)
	}
	g.launched[taskID] = true
	return nil
}

// MarkDone records task completion, unblocking its dependents.
func (g *Graph) MarkDone(taskID string) error {
	if _, ok := g.tasks[taskID]; !ok {
		return fmt.Errorf("unknown task %q", taskID)
	}
	g.done[taskID] = true
	return nil
}

// Done reports whether every task in the graph has completed.
func (g *Graph) Done() bool {
	for _, id := range g.order {
		if !g.done[id] {
			return false
		}
	}
	return true
}

// Len returns the number of tasks.
func (g *Graph) Len() int { return len(g.order) }
