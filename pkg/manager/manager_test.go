package manager

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issueflow/issueflow/pkg/agent"
	"github.com/issueflow/issueflow/pkg/agent/prompt"
	"github.com/issueflow/issueflow/pkg/attachment"
	"github.com/issueflow/issueflow/pkg/config"
	"github.com/issueflow/issueflow/pkg/events"
	"github.com/issueflow/issueflow/pkg/models"
	"github.com/issueflow/issueflow/pkg/renderer"
	"github.com/issueflow/issueflow/pkg/store"
	"github.com/issueflow/issueflow/pkg/tracker"
)

type managerHarness struct {
	mgr     *Manager
	tracker *tracker.MemoryTracker
	storage store.Storage
	bus     *events.Bus
	events  <-chan events.Event
	cfg     config.Config
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		HomeDir:         t.TempDir(),
		TrackerMemberID: "bot",
		Limits: config.Limits{
			MaxConcurrentSessions: 1,
			MaxRetries:            1,
			MaxIterations:         4,
			MaxAttachments:        10,
			MaxAttachmentBytes:    1 << 20,
			QueueLimit:            10,
		},
		Timeouts: config.Timeouts{
			NetworkTimeout:  time.Second,
			StopGracePeriod: 200 * time.Millisecond,
			ShutdownGrace:   2 * time.Second,
		},
		Streaming: config.Streaming{
			EventBufferHighWatermark: 1024,
			BatchWindow:              10 * time.Millisecond,
			CommentPostRetries:       1,
		},
	}
}

// newManagerHarness wires a manager around the in-memory tracker and a
// scripted agent. Every session plays the same script.
func newManagerHarness(t *testing.T, cfg config.Config, script []agent.ScriptStep) *managerHarness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	trk := tracker.NewMemoryTracker()
	trk.CreateIssue(models.Issue{ID: "i1", Identifier: "TEAM-1", Title: "First"})
	trk.CreateIssue(models.Issue{ID: "i2", Identifier: "TEAM-2", Title: "Second"})
	trk.CreateIssue(models.Issue{ID: "i3", Identifier: "TEAM-3", Title: "Third"})

	storage := store.NewFileStorage(t.TempDir())
	flusher := store.NewFlusher(storage, logger, nil)

	repo := config.DefaultRepository()
	repo.ID = "repo-1"
	repo.WorkingDir = t.TempDir()
	repo.Procedure = "simple-question"

	bus := events.NewBus()
	t.Cleanup(bus.Close)
	_, evCh := bus.Subscribe()

	runner := agent.NewScriptedRunner(script, false)
	mgr := New(cfg, repo, Deps{
		Store:     store.NewStore(),
		Storage:   storage,
		Flusher:   flusher,
		Tracker:   trk,
		Adapter:   agent.NewAdapter(runner, cfg.Streaming.EventBufferHighWatermark, cfg.Timeouts.StopGracePeriod),
		Assembler: prompt.NewAssembler(),
		Cache:     attachment.NewCache(cfg, logger),
		Renderer:  renderer.Nop{},
		Bus:       bus,
		Logger:    logger,
	})

	return &managerHarness{mgr: mgr, tracker: trk, storage: storage, bus: bus, events: evCh, cfg: cfg}
}

func (h *managerHarness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.mgr.Start(context.Background()))
	t.Cleanup(h.mgr.Stop)
}

// awaitEvent waits for a bus event of the given type for the issue.
func (h *managerHarness) awaitEvent(t *testing.T, typ, issueID string) events.Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-h.events:
			if !ok {
				t.Fatalf("event bus closed waiting for %s on %s", typ, issueID)
			}
			if ev.Type == typ && ev.IssueID == issueID {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s on %s", typ, issueID)
		}
	}
}

// persistedSession reads the issue's most recent persisted snapshot.
func (h *managerHarness) persistedSession(t *testing.T, issueID string) *models.Session {
	t.Helper()
	ids, err := h.storage.List(context.Background())
	require.NoError(t, err)

	var latest *models.Session
	for _, id := range ids {
		sess, err := h.storage.Load(context.Background(), id)
		require.NoError(t, err)
		if sess != nil && sess.IssueID == issueID {
			if latest == nil || sess.CreatedAt.After(latest.CreatedAt) {
				latest = sess
			}
		}
	}
	return latest
}

// awaitPersisted polls until the issue's latest snapshot reaches the state.
// Persistence is asynchronous, so bus events can outrun the file write.
func (h *managerHarness) awaitPersisted(t *testing.T, issueID string, state models.SessionState) models.Session {
	t.Helper()
	var sess *models.Session
	require.Eventually(t, func() bool {
		sess = h.persistedSession(t, issueID)
		return sess != nil && sess.State == state
	}, 10*time.Second, 20*time.Millisecond)
	return *sess
}

func quickScript() []agent.ScriptStep {
	return []agent.ScriptStep{
		{Event: agent.Event{Type: agent.EventText, Content: "on it"}},
		{Event: agent.CompleteEvent("done", 0)},
	}
}

func slowScript() []agent.ScriptStep {
	return []agent.ScriptStep{
		{Event: agent.Event{Type: agent.EventText, Content: "working"}},
		{Event: agent.CompleteEvent("done", 0), Delay: 30 * time.Second},
	}
}

func TestAssignmentRunsSessionToCompletion(t *testing.T) {
	h := newManagerHarness(t, testConfig(t), quickScript())
	h.start(t)

	require.NoError(t, h.tracker.AssignIssue("i1", "bot"))

	h.awaitEvent(t, events.TypeSessionCompleted, "i1")

	sess := h.awaitPersisted(t, "i1", models.SessionCompleted)
	assert.Equal(t, "repo-1", sess.RepositoryID)
}

func TestConcurrencyCapQueuesSecondStart(t *testing.T) {
	h := newManagerHarness(t, testConfig(t), quickScript())
	h.start(t)

	require.NoError(t, h.mgr.StartSession(context.Background(), "i1"))
	require.NoError(t, h.mgr.StartSession(context.Background(), "i2"))

	h.awaitEvent(t, events.TypeSessionCompleted, "i1")
	h.awaitEvent(t, events.TypeSessionCompleted, "i2")

	// With a single slot the second session starts after the first ends.
	first := h.awaitPersisted(t, "i1", models.SessionCompleted)
	second := h.awaitPersisted(t, "i2", models.SessionCompleted)
	assert.False(t, second.CreatedAt.Before(first.CreatedAt))
}

func TestQueueOverflowRejectsAndComments(t *testing.T) {
	cfg := testConfig(t)
	cfg.Limits.QueueLimit = 1
	h := newManagerHarness(t, cfg, slowScript())
	h.start(t)

	ctx := context.Background()
	require.NoError(t, h.mgr.StartSession(ctx, "i1"))
	require.Eventually(t, func() bool {
		return h.mgr.Health().ActiveSessions == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.mgr.StartSession(ctx, "i2"))
	err := h.mgr.StartSession(ctx, "i3")
	require.ErrorIs(t, err, ErrQueueFull)

	comments, err := h.tracker.GetComments(ctx, "i3")
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0].Body, "queue is full")
}

func TestDuplicateStartRejected(t *testing.T) {
	h := newManagerHarness(t, testConfig(t), slowScript())
	h.start(t)

	ctx := context.Background()
	require.NoError(t, h.mgr.StartSession(ctx, "i1"))
	require.Eventually(t, func() bool {
		return h.mgr.Health().ActiveSessions == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, h.mgr.StartSession(ctx, "i1"), ErrAlreadyRunning)
}

func TestUnassignStopsSession(t *testing.T) {
	h := newManagerHarness(t, testConfig(t), slowScript())
	h.start(t)

	require.NoError(t, h.tracker.AssignIssue("i1", "bot"))
	require.Eventually(t, func() bool {
		return h.mgr.Health().ActiveSessions == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.tracker.UnassignIssue("i1"))

	h.awaitEvent(t, events.TypeSessionCanceled, "i1")
	h.awaitPersisted(t, "i1", models.SessionCanceled)
}

func TestStopSessionDropsQueuedStart(t *testing.T) {
	h := newManagerHarness(t, testConfig(t), slowScript())
	h.start(t)

	ctx := context.Background()
	require.NoError(t, h.mgr.StartSession(ctx, "i1"))
	require.Eventually(t, func() bool {
		return h.mgr.Health().ActiveSessions == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.mgr.StartSession(ctx, "i2"))
	require.NoError(t, h.mgr.StopSession("i2", "changed my mind"))

	assert.Equal(t, 0, h.mgr.Health().QueuedStarts)
	assert.Nil(t, h.persistedSession(t, "i2"))
}

func TestHandleEventIgnoresOwnComments(t *testing.T) {
	h := newManagerHarness(t, testConfig(t), quickScript())
	h.start(t)

	err := h.mgr.HandleEvent(context.Background(), models.WebhookEvent{
		Type:    models.EventCommentAdded,
		IssueID: "i1",
		Comment: &models.Comment{Body: "echo of my own comment", Author: "bot"},
	})
	assert.NoError(t, err)
}

func TestHandleEventFeedbackWithoutSession(t *testing.T) {
	h := newManagerHarness(t, testConfig(t), quickScript())
	h.start(t)

	err := h.mgr.HandleEvent(context.Background(), models.WebhookEvent{
		Type:    models.EventCommentAdded,
		IssueID: "i1",
		Comment: &models.Comment{Body: "anyone home?", Author: "user"},
	})
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestIssueClosureStopsSession(t *testing.T) {
	h := newManagerHarness(t, testConfig(t), slowScript())
	h.start(t)

	ctx := context.Background()
	require.NoError(t, h.mgr.StartSession(ctx, "i1"))
	require.Eventually(t, func() bool {
		return h.mgr.Health().ActiveSessions == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.mgr.HandleEvent(ctx, models.WebhookEvent{
		Type:     models.EventStateChanged,
		IssueID:  "i1",
		NewState: "canceled",
	}))

	h.awaitEvent(t, events.TypeSessionCanceled, "i1")
	h.awaitPersisted(t, "i1", models.SessionCanceled)
}

func TestLabelRoutesProcedure(t *testing.T) {
	h := newManagerHarness(t, testConfig(t), quickScript())
	h.tracker.CreateIssue(models.Issue{
		ID:         "i-doc",
		Identifier: "TEAM-9",
		Title:      "Fix the readme",
		Labels:     []string{"doc-edit"},
	})
	h.start(t)

	require.NoError(t, h.mgr.StartSession(context.Background(), "i-doc"))
	h.awaitEvent(t, events.TypeSessionCompleted, "i-doc")

	sess := h.awaitPersisted(t, "i-doc", models.SessionCompleted)
	assert.Equal(t, "doc-edit", sess.Procedure.Name)
}

func TestOrchestratorRunsChildrenUnderSingleSlot(t *testing.T) {
	h := newManagerHarness(t, testConfig(t), quickScript())
	h.tracker.CreateIssue(models.Issue{
		ID:         "p1",
		Identifier: "TEAM-10",
		Title:      "Parent",
		Labels:     []string{"orchestrator"},
	})
	h.tracker.CreateIssue(models.Issue{ID: "c1", Identifier: "TEAM-11", Title: "First child"})
	h.tracker.CreateIssue(models.Issue{ID: "c2", Identifier: "TEAM-12", Title: "Second child"})
	h.tracker.SetSubIssues("p1", []tracker.SubIssueRef{
		{IssueID: "c1"},
		{IssueID: "c2", DependsOn: []string{"c1"}},
	})
	h.start(t)

	require.NoError(t, h.tracker.AssignIssue("p1", "bot"))

	// The parent only coordinates; its children must win admission slots
	// even at MaxConcurrentSessions=1.
	h.awaitEvent(t, events.TypeSessionCompleted, "p1")

	parent := h.awaitPersisted(t, "p1", models.SessionCompleted)
	assert.Equal(t, "orchestrator", parent.Procedure.Name)

	c1 := h.awaitPersisted(t, "c1", models.SessionCompleted)
	c2 := h.awaitPersisted(t, "c2", models.SessionCompleted)
	assert.Equal(t, parent.ID, c1.Metadata["parent_session_id"])
	assert.Equal(t, parent.ID, c2.Metadata["parent_session_id"])

	assert.Equal(t, 0, h.mgr.Health().QueuedStarts)
}

func TestOrphanRecoveryMarksStaleSessionsFailed(t *testing.T) {
	cfg := testConfig(t)
	h := newManagerHarness(t, cfg, quickScript())

	// A running session left behind by a previous process.
	orphan := models.Session{
		ID:           "stale-1",
		IssueID:      "i1",
		RepositoryID: "repo-1",
		CreatedAt:    time.Now().UTC().Add(-time.Hour),
		State:        models.SessionRunning,
	}
	require.NoError(t, h.storage.Persist(context.Background(), orphan))

	// A terminal one must be left alone.
	finished := models.Session{
		ID:           "done-1",
		IssueID:      "i2",
		RepositoryID: "repo-1",
		CreatedAt:    time.Now().UTC().Add(-time.Hour),
		State:        models.SessionCompleted,
	}
	require.NoError(t, h.storage.Persist(context.Background(), finished))

	h.start(t)

	recovered, err := h.storage.Load(context.Background(), "stale-1")
	require.NoError(t, err)
	require.NotNil(t, recovered)
	assert.Equal(t, models.SessionFailed, recovered.State)
	assert.Contains(t, recovered.LastError, "orphaned")

	untouched, err := h.storage.Load(context.Background(), "done-1")
	require.NoError(t, err)
	require.NotNil(t, untouched)
	assert.Equal(t, models.SessionCompleted, untouched.State)
}

func TestStopFinishesInFlightSessions(t *testing.T) {
	h := newManagerHarness(t, testConfig(t), quickScript())
	h.start(t)

	require.NoError(t, h.mgr.StartSession(context.Background(), "i1"))
	h.awaitEvent(t, events.TypeSessionCompleted, "i1")

	h.mgr.Stop()

	health := h.mgr.Health()
	assert.Equal(t, 0, health.ActiveSessions)
	assert.Equal(t, 1, health.TotalSessions)
}

func TestSignalEventStartsAndStops(t *testing.T) {
	h := newManagerHarness(t, testConfig(t), slowScript())
	h.start(t)

	ctx := context.Background()
	require.NoError(t, h.mgr.HandleEvent(ctx, models.WebhookEvent{
		Type:    models.EventSignal,
		IssueID: "i1",
		Signal:  &models.AgentSignal{Type: models.SignalStart},
	}))
	require.Eventually(t, func() bool {
		return h.mgr.Health().ActiveSessions == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.mgr.HandleEvent(ctx, models.WebhookEvent{
		Type:    models.EventSignal,
		IssueID: "i1",
		Signal:  &models.AgentSignal{Type: models.SignalStop, Reason: "user asked"},
	}))

	h.awaitEvent(t, events.TypeSessionCanceled, "i1")
	h.awaitPersisted(t, "i1", models.SessionCanceled)
}

func TestFeedbackCommentReachesRunningSession(t *testing.T) {
	h := newManagerHarness(t, testConfig(t), slowScript())
	h.start(t)

	ctx := context.Background()
	require.NoError(t, h.mgr.StartSession(ctx, "i1"))
	require.Eventually(t, func() bool {
		return h.mgr.Health().ActiveSessions == 1
	}, 5*time.Second, 10*time.Millisecond)

	err := h.mgr.HandleEvent(ctx, models.WebhookEvent{
		Type:    models.EventCommentAdded,
		IssueID: "i1",
		Comment: &models.Comment{Body: "please also update the tests", Author: "user"},
	})
	assert.NoError(t, err)

	require.NoError(t, h.mgr.StopSession("i1", "test over"))
	h.awaitEvent(t, events.TypeSessionCanceled, "i1")
}

func TestWatchLoopSurvivesUnroutableEvents(t *testing.T) {
	h := newManagerHarness(t, testConfig(t), quickScript())
	h.start(t)

	// A user comment on an issue with no session produces an error event
	// but must not kill the watch loop.
	_, err := h.tracker.AddComment(context.Background(), "i1", tracker.CommentRequest{
		Body: "hello?", Author: "user",
	})
	require.NoError(t, err)

	found := false
	deadline := time.After(5 * time.Second)
	for !found {
		select {
		case ev := <-h.events:
			if ev.Type == events.TypeError && strings.Contains(ev.Err, "no live session") {
				found = true
			}
		case <-deadline:
			t.Fatal("no error event for unroutable comment")
		}
	}

	// Assignment still works afterwards.
	require.NoError(t, h.tracker.AssignIssue("i1", "bot"))
	h.awaitEvent(t, events.TypeSessionCompleted, "i1")
}
