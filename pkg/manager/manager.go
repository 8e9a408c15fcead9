// Package manager is the public façade of the orchestration core. It watches
// the tracker for assignments, admits sessions under the concurrency cap,
// routes user signals to the owning supervisor, and coordinates graceful
// shutdown with persistence flushing.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/issueflow/issueflow/pkg/agent"
	"github.com/issueflow/issueflow/pkg/agent/prompt"
	"github.com/issueflow/issueflow/pkg/attachment"
	"github.com/issueflow/issueflow/pkg/config"
	"github.com/issueflow/issueflow/pkg/events"
	"github.com/issueflow/issueflow/pkg/models"
	"github.com/issueflow/issueflow/pkg/procedure"
	"github.com/issueflow/issueflow/pkg/renderer"
	"github.com/issueflow/issueflow/pkg/store"
	"github.com/issueflow/issueflow/pkg/supervisor"
	"github.com/issueflow/issueflow/pkg/tracker"
)

// Sentinel errors.
var (
	// ErrQueueFull is returned when the admission queue is at its bound.
	ErrQueueFull = errors.New("session admission queue full")

	// ErrNoSession means a signal targeted an issue with no live session.
	ErrNoSession = errors.New("no live session for issue")

	// ErrAlreadyRunning means a start targeted an issue that has one.
	ErrAlreadyRunning = errors.New("issue already has a live session")
)

// Deps are the manager's collaborators. Storage backs orphan recovery;
// Flusher backs steady-state persistence.
type Deps struct {
	Store     *store.Store
	Storage   store.Storage
	Flusher   *store.Flusher
	Tracker   tracker.IssueTracker
	Adapter   *agent.Adapter
	Assembler *prompt.Assembler
	Cache     *attachment.Cache
	Validator procedure.Validator
	Renderer  renderer.Renderer
	Bus       *events.Bus
	Logger    *slog.Logger
}

// Health is a point-in-time view of the manager for the health endpoint.
type Health struct {
	ActiveSessions int       `json:"active_sessions"`
	QueuedStarts   int       `json:"queued_starts"`
	TotalSessions  int       `json:"total_sessions"`
	Watching       bool      `json:"watching"`
	StartedAt      time.Time `json:"started_at"`
}

type startRequest struct {
	issueID   string
	parentID  string // orchestrator child sessions
	procedure string // override; empty uses repo default or label routing
	taskID    string // orchestrator task this session serves
	notify    chan supervisor.ChildResult
}

// Manager owns the session lifecycle end to end.
type Manager struct {
	cfg    config.Config
	repo   config.RepositoryConfig
	deps   Deps
	logger *slog.Logger
	engine *procedure.Engine

	mu           sync.Mutex
	supervisors  map[string]*supervisor.Supervisor // session id → supervisor
	byIssue      map[string]*supervisor.Supervisor
	coordinators map[string]bool // session ids running the orchestrator procedure
	queue        []startRequest
	launched     int
	watching     bool
	startedAt    time.Time

	kick chan struct{} // admission loop wakeup, capacity 1

	runCtx   context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Manager.
func New(cfg config.Config, repo config.RepositoryConfig, deps Deps) *Manager {
	return &Manager{
		cfg:          cfg,
		repo:         repo,
		deps:         deps,
		logger:       deps.Logger.With("component", "manager"),
		engine:       procedure.NewEngine(repo, cfg.Limits),
		supervisors:  make(map[string]*supervisor.Supervisor),
		byIssue:      make(map[string]*supervisor.Supervisor),
		coordinators: make(map[string]bool),
		kick:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
}

// Start recovers orphaned sessions, begins watching the tracker, and starts
// the admission loop. Non-blocking.
func (m *Manager) Start(ctx context.Context) error {
	m.runCtx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.startedAt = time.Now().UTC()

	if err := m.recoverOrphans(ctx); err != nil {
		m.logger.Warn("Orphan recovery incomplete", "error", err)
	}

	eventCh, err := m.deps.Tracker.WatchIssues(m.runCtx, m.cfg.TrackerMemberID)
	if err != nil {
		return fmt.Errorf("watching tracker: %w", err)
	}
	m.mu.Lock()
	m.watching = true
	m.mu.Unlock()

	m.wg.Add(2)
	go m.watchLoop(eventCh)
	go m.admissionLoop()

	m.publish(events.Event{Type: events.TypeStarted, At: time.Now().UTC()})
	m.logger.Info("Session manager started", "member_id", m.cfg.TrackerMemberID)
	return nil
}

// Stop broadcasts stop to every supervisor, waits up to the shutdown grace
// for them to finish, hard-cancels the rest, and flushes persistence.
// Idempotent; blocks until done.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.logger.Info("Session manager stopping")
		close(m.stopCh)

		m.mu.Lock()
		sups := make([]*supervisor.Supervisor, 0, len(m.supervisors))
		for _, sup := range m.supervisors {
			sups = append(sups, sup)
		}
		m.mu.Unlock()

		for _, sup := range sups {
			sup.Stop()
		}

		deadline := time.After(m.cfg.Timeouts.ShutdownGrace)
		for _, sup := range sups {
			select {
			case <-sup.Done():
			case <-deadline:
				m.logger.Warn("Shutdown grace exceeded, hard-cancelling sessions")
				m.cancel()
				for _, rest := range sups {
					<-rest.Done()
				}
				goto drained
			}
		}
	drained:
		m.cancel()
		m.wg.Wait()
		m.deps.Flusher.Close()
		m.logger.Info("Session manager stopped")
	})
}

// Health reports the manager's current state.
func (m *Manager) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := 0
	for _, sup := range m.supervisors {
		select {
		case <-sup.Done():
		default:
			active++
		}
	}
	return Health{
		ActiveSessions: active,
		QueuedStarts:   len(m.queue),
		TotalSessions:  m.launched,
		Watching:       m.watching,
		StartedAt:      m.startedAt,
	}
}

// HandleEvent routes one tracker event. Called by the webhook ingress and
// the watch loop; must return quickly (the ingress runs it under the ack
// timeout).
func (m *Manager) HandleEvent(ctx context.Context, ev models.WebhookEvent) error {
	switch ev.Type {
	case models.EventAssigned:
		return m.StartSession(ctx, ev.IssueID)

	case models.EventUnassigned:
		return m.StopSession(ev.IssueID, "issue unassigned")

	case models.EventCommentAdded:
		if ev.Comment == nil || ev.Comment.Author == m.cfg.TrackerMemberID {
			// Our own comments echo back through the webhook.
			return nil
		}
		return m.routeSignal(ev.IssueID, models.AgentSignal{
			Type:        models.SignalFeedback,
			Message:     ev.Comment.Body,
			Attachments: attachment.ExtractURLs(ev.Comment.Body),
		})

	case models.EventStateChanged:
		return m.handleStateChange(ev)

	case models.EventSignal:
		if ev.Signal == nil {
			return nil
		}
		return m.handleSignal(ctx, ev.IssueID, *ev.Signal)

	default:
		m.logger.Debug("Ignoring tracker event", "type", ev.Type, "issue_id", ev.IssueID)
		return nil
	}
}

// StartSession queues an admission request for the issue. Returns
// ErrAlreadyRunning or ErrQueueFull; on queue overflow a warning comment is
// posted to the issue.
func (m *Manager) StartSession(ctx context.Context, issueID string) error {
	return m.enqueue(ctx, startRequest{issueID: issueID})
}

// StopSession signals a graceful stop to the issue's live session.
func (m *Manager) StopSession(issueID, reason string) error {
	m.mu.Lock()
	sup, ok := m.byIssue[issueID]
	// Also drop any queued start for the issue.
	if !ok {
		for i, req := range m.queue {
			if req.issueID == issueID {
				m.queue = append(m.queue[:i], m.queue[i+1:]...)
				m.mu.Unlock()
				m.logger.Info("Dropped queued start", "issue_id", issueID)
				return nil
			}
		}
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, issueID)
	}
	return sup.Signal(models.AgentSignal{Type: models.SignalStop, Reason: reason})
}

// LaunchChild implements supervisor.ChildLauncher for orchestrator tasks.
// The child runs against the task's sub-issue with a procedure derived from
// the task kind.
func (m *Manager) LaunchChild(ctx context.Context, parentSessionID string, task procedure.Task) (<-chan supervisor.ChildResult, error) {
	proc := "full-development"
	if task.Kind == procedure.TaskVerify {
		proc = "simple-question"
	}

	notify := make(chan supervisor.ChildResult, 1)
	err := m.enqueue(ctx, startRequest{
		issueID:   task.SubIssueID,
		parentID:  parentSessionID,
		procedure: proc,
		taskID:    task.ID,
		notify:    notify,
	})
	if err != nil {
		return nil, err
	}
	return notify, nil
}

// enqueue admits a start request into the bounded FIFO queue.
func (m *Manager) enqueue(ctx context.Context, req startRequest) error {
	m.mu.Lock()
	if _, ok := m.byIssue[req.issueID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, req.issueID)
	}
	for _, queued := range m.queue {
		if queued.issueID == req.issueID {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrAlreadyRunning, req.issueID)
		}
	}
	if len(m.queue) >= m.cfg.Limits.QueueLimit {
		m.mu.Unlock()
		m.logger.Warn("Admission queue full, rejecting start", "issue_id", req.issueID)
		if _, err := m.deps.Tracker.AddComment(context.WithoutCancel(ctx), req.issueID, tracker.CommentRequest{
			Body:   "Session queue is full; this issue was not started. Unassign and reassign to retry.",
			Author: m.cfg.TrackerMemberID,
		}); err != nil {
			m.logger.Warn("Failed to post queue-full comment", "issue_id", req.issueID, "error", err)
		}
		return ErrQueueFull
	}
	m.queue = append(m.queue, req)
	m.mu.Unlock()

	m.wake()
	return nil
}

func (m *Manager) wake() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// watchLoop translates tracker watch events into HandleEvent calls.
func (m *Manager) watchLoop(eventCh <-chan models.WebhookEvent) {
	defer m.wg.Done()

	for {
		select {
		case ev, ok := <-eventCh:
			if !ok {
				m.logger.Info("Tracker watch stream closed")
				m.mu.Lock()
				m.watching = false
				m.mu.Unlock()
				return
			}
			if err := m.HandleEvent(m.runCtx, ev); err != nil {
				m.logger.Warn("Tracker event not handled",
					"type", ev.Type, "issue_id", ev.IssueID, "error", err)
				m.publish(events.Event{
					Type:    events.TypeError,
					IssueID: ev.IssueID,
					Err:     err.Error(),
					Context: "tracker event " + string(ev.Type),
					At:      time.Now().UTC(),
				})
			}

		case <-m.stopCh:
			return
		}
	}
}

// admissionLoop launches queued sessions while capacity allows. Single
// goroutine; capacity counts supervisors that have not finished.
func (m *Manager) admissionLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.kick:
			m.admit()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) admit() {
	for {
		m.mu.Lock()
		active := 0
		for id, sup := range m.supervisors {
			// An orchestrating parent only coordinates children; holding
			// a slot would starve those children behind their own parent.
			if m.coordinators[id] {
				continue
			}
			select {
			case <-sup.Done():
			default:
				active++
			}
		}
		if len(m.queue) == 0 || active >= m.cfg.Limits.MaxConcurrentSessions {
			m.mu.Unlock()
			return
		}
		req := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		if err := m.launch(req); err != nil {
			m.logger.Error("Failed to launch session", "issue_id", req.issueID, "error", err)
			if req.notify != nil {
				req.notify <- supervisor.ChildResult{TaskID: req.taskID, Err: err}
			}
		}
	}
}

// launch registers the session and starts its supervisor goroutine.
func (m *Manager) launch(req startRequest) error {
	procName := req.procedure
	if procName == "" {
		procName = m.procedureForIssue(req.issueID)
	}
	procState, err := m.engine.NewState(procName)
	if err != nil {
		return err
	}

	sess := models.Session{
		ID:           uuid.New().String(),
		IssueID:      req.issueID,
		RepositoryID: m.repo.ID,
		WorkingDir:   m.repo.WorkingDir,
		CreatedAt:    time.Now().UTC(),
		State:        models.SessionIdle,
		Procedure:    procState,
	}
	if req.parentID != "" {
		sess.Metadata = map[string]string{
			"parent_session_id": req.parentID,
			"task_id":           req.taskID,
		}
	}

	if err := m.deps.Store.InsertIfAbsent(sess); err != nil {
		return err
	}

	sup := supervisor.New(sess.ID, req.issueID, supervisor.Options{
		MaxRetries:     m.cfg.Limits.MaxRetries,
		BatchWindow:    m.cfg.Streaming.BatchWindow,
		CommentRetries: m.cfg.Streaming.CommentPostRetries,
	}, supervisor.Deps{
		Store:       m.deps.Store,
		Flusher:     m.deps.Flusher,
		Tracker:     m.deps.Tracker,
		Adapter:     m.deps.Adapter,
		Assembler:   m.deps.Assembler,
		Attachments: m.deps.Cache,
		Engine:      m.engine,
		Validator:   m.deps.Validator,
		Renderer:    m.deps.Renderer,
		Bus:         m.deps.Bus,
		Launcher:    m,
		Repo:        m.repo,
		Author:      m.cfg.TrackerMemberID,
		Logger:      m.deps.Logger,
	})

	m.mu.Lock()
	m.supervisors[sess.ID] = sup
	m.byIssue[req.issueID] = sup
	if procName == "orchestrator" {
		m.coordinators[sess.ID] = true
	}
	m.launched++
	m.mu.Unlock()

	m.logger.Info("Session launched",
		"session_id", sess.ID, "issue_id", req.issueID, "procedure", procName)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		sup.Run(m.runCtx)

		final, _ := m.deps.Store.Get(sess.ID)

		// The persisted snapshot is the durable record; the live store only
		// holds sessions a supervisor owns. Removing releases the issue
		// binding so the issue can be assigned again later. This must
		// happen before the parent is notified: an orchestrator reacts to
		// the result by launching the follow-up task against the same
		// sub-issue, which the stale binding would reject. Releasing the
		// flusher retires the session's flush goroutine once the final
		// snapshot is on disk.
		m.deps.Store.Remove(sess.ID)
		m.deps.Flusher.Release(sess.ID)

		m.mu.Lock()
		delete(m.supervisors, sess.ID)
		delete(m.coordinators, sess.ID)
		if m.byIssue[req.issueID] == sup {
			delete(m.byIssue, req.issueID)
		}
		m.mu.Unlock()

		if req.notify != nil {
			req.notify <- supervisor.ChildResult{TaskID: req.taskID, State: final.State}
		}

		// A slot opened; let the queue move.
		m.wake()
	}()
	return nil
}

// procedureForIssue picks a procedure from issue labels, falling back to
// the repository default.
func (m *Manager) procedureForIssue(issueID string) string {
	proc := m.repo.Procedure
	if proc == "" {
		proc = "full-development"
	}

	issue, err := m.deps.Tracker.GetIssue(context.Background(), issueID)
	if err != nil {
		return proc
	}
	for _, label := range issue.Labels {
		if _, ok := procedure.Lookup(label); ok {
			return label
		}
	}
	return proc
}

// handleSignal reacts to an explicit user signal event.
func (m *Manager) handleSignal(ctx context.Context, issueID string, sig models.AgentSignal) error {
	switch sig.Type {
	case models.SignalStart:
		err := m.StartSession(ctx, issueID)
		if errors.Is(err, ErrAlreadyRunning) {
			return nil
		}
		return err
	case models.SignalStop:
		return m.StopSession(issueID, sig.Reason)
	default:
		return m.routeSignal(issueID, sig)
	}
}

// handleStateChange stops the session when the issue leaves an actionable
// state under someone else's hand.
func (m *Manager) handleStateChange(ev models.WebhookEvent) error {
	switch ev.NewState {
	case "canceled", "done", "closed":
		err := m.StopSession(ev.IssueID, "issue moved to "+ev.NewState)
		if errors.Is(err, ErrNoSession) {
			return nil
		}
		return err
	default:
		return nil
	}
}

// SignalSession delivers a signal to a live supervisor by session id.
// Live-view controls are session scoped, unlike tracker events which
// route by issue.
func (m *Manager) SignalSession(sessionID string, sig models.AgentSignal) error {
	m.mu.Lock()
	sup, ok := m.supervisors[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNoSession, sessionID)
	}
	return sup.Signal(sig)
}

// routeSignal delivers a signal to the issue's live supervisor.
func (m *Manager) routeSignal(issueID string, sig models.AgentSignal) error {
	m.mu.Lock()
	sup, ok := m.byIssue[issueID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, issueID)
	}
	return sup.Signal(sig)
}

// recoverOrphans marks sessions left non-terminal by a previous process as
// failed, so their issues become startable again.
func (m *Manager) recoverOrphans(ctx context.Context) error {
	ids, err := m.deps.Storage.List(ctx)
	if err != nil {
		return fmt.Errorf("listing persisted sessions: %w", err)
	}

	recovered := 0
	for _, id := range ids {
		sess, err := m.deps.Storage.Load(ctx, id)
		if err != nil {
			m.logger.Warn("Skipping unreadable persisted session", "session_id", id, "error", err)
			continue
		}
		if sess == nil || sess.State.Terminal() {
			continue
		}

		sess.State = models.SessionFailed
		sess.LastError = "orphaned by process restart"
		sess.UpdatedAt = time.Now().UTC()
		if err := m.deps.Storage.Persist(ctx, *sess); err != nil {
			m.logger.Warn("Failed to persist orphan recovery", "session_id", id, "error", err)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		m.logger.Info("Recovered orphaned sessions", "count", recovered)
	}
	return nil
}

func (m *Manager) publish(ev events.Event) {
	if m.deps.Bus != nil {
		m.deps.Bus.Publish(ev)
	}
}
