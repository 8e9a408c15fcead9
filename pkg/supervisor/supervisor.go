// Package supervisor runs one goroutine per live session: it drives the
// procedure forward, relays agent activities to the renderer, the tracker,
// and persistence, and reacts to user signals. Stop preempts; renderer and
// persistence failures degrade to warnings; agent failures retry with
// backoff and only then become fatal.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/issueflow/issueflow/pkg/agent"
	"github.com/issueflow/issueflow/pkg/agent/prompt"
	"github.com/issueflow/issueflow/pkg/attachment"
	"github.com/issueflow/issueflow/pkg/config"
	"github.com/issueflow/issueflow/pkg/events"
	"github.com/issueflow/issueflow/pkg/models"
	"github.com/issueflow/issueflow/pkg/procedure"
	"github.com/issueflow/issueflow/pkg/renderer"
	"github.com/issueflow/issueflow/pkg/store"
	"github.com/issueflow/issueflow/pkg/tracker"
)

// agentRetryBackoff spaces agent-error restarts.
var agentRetryBackoff = []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}

// ErrSignalBacklog is returned by Signal when the inbound signal buffer is
// full. Callers treat it as transient.
var ErrSignalBacklog = errors.New("supervisor signal backlog full")

const signalBuffer = 16

// Deps are the collaborators a supervisor needs. Validator may be nil, in
// which case validated steps pass without a validator run. Launcher and the
// tracker's sub-issue capability are needed only for the orchestrator
// procedure.
type Deps struct {
	Store       *store.Store
	Flusher     *store.Flusher
	Tracker     tracker.IssueTracker
	Adapter     *agent.Adapter
	Assembler   *prompt.Assembler
	Attachments *attachment.Cache
	Engine      *procedure.Engine
	Validator   procedure.Validator
	Renderer    renderer.Renderer
	Bus         *events.Bus
	Launcher    ChildLauncher
	Repo        config.RepositoryConfig
	Author      string // tracker identity used on posted comments
	Logger      *slog.Logger
}

// Options are the tunables, usually derived from config.Config.
type Options struct {
	MaxRetries        int
	BatchWindow       time.Duration
	CommentRetries    int
	KeepaliveInterval time.Duration

	// RetryBackoff overrides the agent-error restart spacing. Defaults to
	// 1s/4s/16s.
	RetryBackoff []time.Duration
}

// Supervisor owns one session end to end. Create with New, drive with Run;
// everything else is a signal into the run loop.
type Supervisor struct {
	sessionID string
	issueID   string
	opts      Options
	deps      Deps
	logger    *slog.Logger

	signals chan models.AgentSignal

	// pendingFeedback holds feedback that arrived while the runner could
	// not take streamed input; applied at the next subroutine boundary.
	fbMu            sync.Mutex
	pendingFeedback []string

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a supervisor for an already-registered session.
func New(sessionID, issueID string, opts Options, deps Deps) *Supervisor {
	return &Supervisor{
		sessionID: sessionID,
		issueID:   issueID,
		opts:      opts,
		deps:      deps,
		logger:    deps.Logger.With("session_id", sessionID, "issue_id", issueID),
		signals:   make(chan models.AgentSignal, signalBuffer),
		done:      make(chan struct{}),
	}
}

// SessionID returns the supervised session's id.
func (s *Supervisor) SessionID() string { return s.sessionID }

// IssueID returns the bound issue's id.
func (s *Supervisor) IssueID() string { return s.issueID }

// Done closes when Run has finished and the session is terminal.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Signal delivers a user signal into the run loop without blocking.
func (s *Supervisor) Signal(sig models.AgentSignal) error {
	select {
	case s.signals <- sig:
		return nil
	case <-s.done:
		return nil
	default:
		return ErrSignalBacklog
	}
}

// Stop requests a graceful stop. Equivalent to a stop signal.
func (s *Supervisor) Stop() {
	_ = s.Signal(models.AgentSignal{Type: models.SignalStop, Reason: "requested"})
}

// Run drives the session to a terminal state. Blocks; the manager runs it
// on a dedicated goroutine. Cancelling ctx hard-stops the session.
func (s *Supervisor) Run(ctx context.Context) {
	defer s.doneOnce.Do(func() { close(s.done) })

	s.logger.Info("Session supervisor started")
	s.deps.Renderer.AttachSession(s.sessionID, renderer.SessionMeta{
		SessionID: s.sessionID,
		IssueID:   s.issueID,
	})
	defer s.deps.Renderer.DetachSession(s.sessionID)

	batcher := NewCommentBatcher(
		s.deps.Tracker, s.issueID, s.deps.Author,
		s.opts.BatchWindow, s.opts.CommentRetries,
		s.logger, func(msg string) { s.recordWarning(msg, nil) })
	defer batcher.Close()

	s.transition(models.SessionStarting)
	s.publish(events.TypeSessionStarted, nil, "")

	var finalState models.SessionState
	var failReason string

	sess, ok := s.deps.Store.Get(s.sessionID)
	if !ok {
		s.logger.Error("Session missing from store")
		return
	}

	if sess.Procedure.Name == "orchestrator" {
		finalState, failReason = s.runOrchestrator(ctx, batcher)
	} else {
		finalState, failReason = s.runProcedure(ctx, batcher)
	}

	s.finish(ctx, finalState, failReason, batcher)
}

// runProcedure advances through the preset's steps until done, stopped, or
// failed. Returns the terminal state and, for failures, the reason.
func (s *Supervisor) runProcedure(ctx context.Context, batcher *CommentBatcher) (models.SessionState, string) {
	for {
		sess, ok := s.deps.Store.Get(s.sessionID)
		if !ok {
			return models.SessionFailed, "session disappeared from store"
		}
		if sess.Procedure.Done() {
			return models.SessionCompleted, ""
		}

		step, ok := s.deps.Engine.Current(&sess.Procedure)
		if !ok {
			return models.SessionCompleted, ""
		}

		outcome, stopped, err := s.runStep(ctx, &sess, step, batcher)
		switch {
		case stopped:
			return models.SessionCanceled, ""
		case err != nil:
			return models.SessionFailed, err.Error()
		}

		var advanceErr error
		_, updErr := s.deps.Store.Update(s.sessionID, func(sess *models.Session) {
			advanceErr = s.deps.Engine.Advance(&sess.Procedure, outcome)
		})
		if updErr != nil {
			return models.SessionFailed, updErr.Error()
		}
		if advanceErr != nil {
			return models.SessionFailed, advanceErr.Error()
		}
		s.persist()
	}
}

// runStep executes one procedure step, including its parallel fan-out and
// validation loop. The returned outcome is what Advance should see.
func (s *Supervisor) runStep(ctx context.Context, sess *models.Session, step procedure.Step, batcher *CommentBatcher) (models.ValidationOutcome, bool, error) {
	for {
		stopped, err := s.runSubroutineRuns(ctx, sess, step, batcher)
		if stopped || err != nil {
			return "", stopped, err
		}

		if !step.Validated {
			return models.ValidationPassed, false, nil
		}

		res, verr := s.validate(ctx, step.Name)
		if verr != nil {
			// A broken validator must not pass work silently.
			res = procedure.ValidationResult{Pass: false, Reason: verr.Error()}
		}

		var outcome models.ValidationOutcome
		_, updErr := s.deps.Store.Update(s.sessionID, func(sess *models.Session) {
			outcome = s.deps.Engine.Observe(&sess.Procedure, step.Name, res)
		})
		if updErr != nil {
			return "", false, updErr
		}
		s.persist()

		if outcome != models.ValidationInProgress {
			return outcome, false, nil
		}
		s.recordWarning(fmt.Sprintf("validation failed for %s: %s; re-running", step.Name, res.Reason), batcher)
		// Loop: run the subroutine again for the next iteration.
	}
}

// runSubroutineRuns fans out step.Parallelism concurrent runs and joins
// them. A stop in any run stops the step; a fatal error in any run fails it.
func (s *Supervisor) runSubroutineRuns(ctx context.Context, sess *models.Session, step procedure.Step, batcher *CommentBatcher) (bool, error) {
	n := step.Parallelism
	if n < 1 {
		n = 1
	}
	if n == 1 {
		return s.runSubroutine(ctx, sess, step.Name, batcher)
	}

	// A stop observed by any run must stop the siblings too; the shared
	// cancel does that through each stream's ctx.Done path.
	stepCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	anyStopped := false

	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			stopped, err := s.runSubroutine(stepCtx, sess, step.Name, batcher)
			if stopped || err != nil {
				if stopped {
					mu.Lock()
					anyStopped = true
					mu.Unlock()
				}
				cancel()
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		// A fatal agent error outranks the stop the siblings saw from the
		// shared cancel.
		return false, err
	}
	return anyStopped, nil
}

// runSubroutine runs one agent session for the subroutine, retrying agent
// errors with backoff while preserving the activity log. Returns stopped
// when a user stop ended the run.
func (s *Supervisor) runSubroutine(ctx context.Context, sess *models.Session, subroutine string, batcher *CommentBatcher) (bool, error) {
	issue, err := s.deps.Tracker.GetIssue(ctx, s.issueID)
	if err != nil {
		return false, fmt.Errorf("loading issue: %w", err)
	}

	texts := []string{issue.Description}
	for _, c := range issue.Comments {
		texts = append(texts, c.Body)
	}
	collected := s.deps.Attachments.Collect(ctx, s.issueID, texts...)
	for _, w := range collected.Warnings {
		s.recordWarning(w, batcher)
	}

	kind := prompt.KindAssignment
	if s.deps.Adapter.SupportsStreamingInput() {
		kind = prompt.KindStreaming
	}
	assembled := s.deps.Assembler.Assemble(prompt.Input{
		Kind:        kind,
		Session:     sess,
		Issue:       issue,
		Subroutine:  subroutine,
		Attachments: collected.Attachments,
		Repo:        s.deps.Repo,
	})

	userPrompt := assembled.UserPrompt
	if fb := s.takePendingFeedback(); fb != "" {
		userPrompt = userPrompt + "\n\n" + fb
	}

	cfg := agent.StartConfig{
		WorkingDir:   workingDir(sess, s.deps.Repo),
		UserPrompt:   userPrompt,
		SystemPrompt: assembled.SystemPrompt,
		PluginPaths:  assembled.PluginPaths,
	}

	// Each run keeps its own agent handle. Parallel runs of one step would
	// otherwise race on the session field and a retry could resume a
	// sibling's agent session.
	var agentID string
	for attempt := 0; ; attempt++ {
		stream, err := s.openStream(ctx, cfg, attempt, agentID)
		if err != nil {
			return false, fmt.Errorf("starting agent for %s: %w", subroutine, err)
		}
		agentID = stream.AgentSessionID()

		s.transition(models.SessionRunning)
		terminal, stopped := s.consumeStream(ctx, stream, batcher)

		if stopped || (terminal.Type == models.ActivityComplete &&
			terminal.Summary != nil && terminal.Summary.ExitCode == models.UserStopExitCode) {
			return true, nil
		}
		if terminal.Type == models.ActivityComplete {
			return false, nil
		}

		// Terminal error: spend retry budget.
		if attempt >= s.opts.MaxRetries {
			return false, fmt.Errorf("agent failed: %s", terminal.Content)
		}
		backoff := s.retryBackoff(attempt)
		s.logger.Warn("Agent error, retrying subroutine",
			"subroutine", subroutine, "attempt", attempt+1, "backoff", backoff)
		s.bumpRetryCount()

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return true, nil
		}
	}
}

// openStream starts a fresh agent session on the first attempt and resumes
// the run's own agent session on retries, so the agent keeps its context.
// Sequence numbering continues from the session's log either way. The
// session's AgentSessionID mirrors the most recent handle for display.
func (s *Supervisor) openStream(ctx context.Context, cfg agent.StartConfig, attempt int, agentID string) (*agent.Stream, error) {
	sess, ok := s.deps.Store.Get(s.sessionID)
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	startSeq := sess.NextSeq()

	if attempt > 0 && agentID != "" {
		stream, err := s.deps.Adapter.Resume(ctx, agentID, cfg, startSeq)
		if err == nil {
			return stream, nil
		}
		s.logger.Warn("Resume failed, starting fresh agent session", "error", err)
	}

	stream, err := s.deps.Adapter.Start(ctx, cfg, startSeq)
	if err != nil {
		return nil, err
	}
	_, _ = s.deps.Store.Update(s.sessionID, func(sess *models.Session) {
		sess.AgentSessionID = stream.AgentSessionID()
	})
	return stream, nil
}

// consumeStream relays activities until the stream closes. Stop signals
// preempt: they are checked before each activity is processed. Returns the
// terminal activity and whether a stop ended the run.
func (s *Supervisor) consumeStream(ctx context.Context, stream *agent.Stream, batcher *CommentBatcher) (models.Activity, bool) {
	var terminal models.Activity
	stopping := false
	lastEvent := time.Now()

	keepalive := time.NewTicker(s.keepaliveInterval())
	defer keepalive.Stop()

	// Nilled after cancellation fires so the closed channel cannot win
	// every select while the stream winds down.
	ctxDone := ctx.Done()

	for {
		// Stop preempts anything already buffered on the stream.
		if !stopping && s.drainStopSignal(ctx, stream) {
			stopping = true
		}

		select {
		case act, ok := <-stream.Activities():
			if !ok {
				return terminal, stopping
			}
			lastEvent = time.Now()
			s.record(act, batcher)
			if act.Type == models.ActivityComplete || act.Type == models.ActivityError {
				terminal = act
			}

		case sig := <-s.signals:
			if s.handleSignal(ctx, sig, stream) {
				stopping = true
			}

		case <-keepalive.C:
			if time.Since(lastEvent) >= s.keepaliveInterval() {
				s.transition(models.SessionAwaitingAgent)
			}

		case <-ctxDone:
			ctxDone = nil
			if !stopping {
				stopping = true
				_ = stream.Stop(context.WithoutCancel(ctx))
			}
		}
	}
}

// drainStopSignal peeks the signal queue for a pending signal and handles
// it. Reports whether a stop was seen.
func (s *Supervisor) drainStopSignal(ctx context.Context, stream *agent.Stream) bool {
	select {
	case sig := <-s.signals:
		return s.handleSignal(ctx, sig, stream)
	default:
		return false
	}
}

// handleSignal reacts to one signal during an active stream. Reports
// whether it was a stop.
func (s *Supervisor) handleSignal(ctx context.Context, sig models.AgentSignal, stream *agent.Stream) bool {
	switch sig.Type {
	case models.SignalStop:
		s.logger.Info("Stop signal received", "reason", sig.Reason)
		_ = stream.Stop(context.WithoutCancel(ctx))
		return true

	case models.SignalFeedback:
		s.applyFeedback(ctx, sig, stream)
		return false

	default:
		// start signals on a live session are redundant
		return false
	}
}

// applyFeedback sends the feedback into the live stream when the runner
// takes streamed input, otherwise queues it for the next subroutine.
func (s *Supervisor) applyFeedback(ctx context.Context, sig models.AgentSignal, stream *agent.Stream) {
	var atts []models.Attachment
	if len(sig.Attachments) > 0 {
		collected := s.deps.Attachments.Collect(ctx, s.issueID, sig.Attachments...)
		atts = collected.Attachments
		for _, w := range collected.Warnings {
			s.recordWarning(w, nil)
		}
	}

	assembled := s.deps.Assembler.Assemble(prompt.Input{
		Kind:        prompt.KindContinuation,
		UserComment: sig.Message,
		Attachments: atts,
		Repo:        s.deps.Repo,
	})

	if s.deps.Adapter.SupportsStreamingInput() {
		if err := s.deps.Adapter.SendMessage(ctx, stream.AgentSessionID(), assembled.UserPrompt); err != nil {
			s.recordWarning(fmt.Sprintf("failed to deliver feedback to agent: %v", err), nil)
		}
		return
	}
	s.fbMu.Lock()
	s.pendingFeedback = append(s.pendingFeedback, assembled.UserPrompt)
	s.fbMu.Unlock()
	s.logger.Info("Feedback queued until subroutine boundary")
}

// record appends the activity to the session log, persists, and fans out to
// the renderer and the comment batcher. Renderer and persistence problems
// never propagate.
func (s *Supervisor) record(act models.Activity, batcher *CommentBatcher) {
	snap, err := s.deps.Store.Update(s.sessionID, func(sess *models.Session) {
		act.Seq = sess.NextSeq()
		sess.Activities = append(sess.Activities, act)
	})
	if err != nil {
		s.logger.Error("Failed to append activity", "error", err)
		return
	}
	act = snap.Activities[len(snap.Activities)-1]

	s.deps.Flusher.Enqueue(snap)
	s.deps.Renderer.PushActivity(s.sessionID, act)
	if batcher != nil {
		batcher.Add(act)
	}
}

// recordWarning appends a warning activity for a non-fatal problem.
func (s *Supervisor) recordWarning(msg string, batcher *CommentBatcher) {
	s.logger.Warn(msg)
	s.record(models.Activity{
		Type:      models.ActivityWarning,
		Content:   msg,
		CreatedAt: time.Now().UTC(),
	}, batcher)
}

// validate runs the configured validator for the subroutine.
func (s *Supervisor) validate(ctx context.Context, subroutine string) (procedure.ValidationResult, error) {
	if s.deps.Validator == nil {
		return procedure.ValidationResult{Pass: true, Reason: "no validator configured"}, nil
	}
	s.transition(models.SessionAwaitingAgent)
	sess, ok := s.deps.Store.Get(s.sessionID)
	if !ok {
		return procedure.ValidationResult{}, store.ErrSessionNotFound
	}
	return s.deps.Validator.Validate(ctx, &sess, subroutine)
}

// finish records the terminal state, posts the failure comment when needed,
// and emits observer events. Exactly one failure comment per session.
func (s *Supervisor) finish(ctx context.Context, state models.SessionState, reason string, batcher *CommentBatcher) {
	snap, err := s.deps.Store.Update(s.sessionID, func(sess *models.Session) {
		sess.State = state
		sess.LastError = reason
	})
	if err != nil {
		s.logger.Error("Failed to record terminal state", "error", err)
		return
	}
	s.deps.Flusher.Enqueue(snap)

	switch state {
	case models.SessionCompleted:
		s.logger.Info("Session completed")
		s.publish(events.TypeSessionCompleted, nil, "")
	case models.SessionCanceled:
		s.logger.Info("Session canceled")
		s.publish(events.TypeSessionCanceled, nil, "")
	case models.SessionFailed:
		s.logger.Error("Session failed", "reason", reason)
		s.publish(events.TypeSessionFailed, errors.New(reason), "")
		body := fmt.Sprintf("Session failed: %s. (%d retries exhausted.)", reason, snap.RetryCount)
		if _, err := s.deps.Tracker.AddComment(context.WithoutCancel(ctx), s.issueID, tracker.CommentRequest{
			Body:   body,
			Author: s.deps.Author,
		}); err != nil {
			s.logger.Warn("Failed to post failure comment", "error", err)
		}
	}
}

func (s *Supervisor) transition(state models.SessionState) {
	snap, err := s.deps.Store.Update(s.sessionID, func(sess *models.Session) {
		if !sess.State.Terminal() && sess.State != state {
			sess.State = state
		}
	})
	if err != nil {
		return
	}
	s.deps.Flusher.Enqueue(snap)
}

func (s *Supervisor) persist() {
	if snap, ok := s.deps.Store.Get(s.sessionID); ok {
		s.deps.Flusher.Enqueue(snap)
	}
}

func (s *Supervisor) bumpRetryCount() {
	snap, err := s.deps.Store.Update(s.sessionID, func(sess *models.Session) {
		sess.RetryCount++
	})
	if err == nil {
		s.deps.Flusher.Enqueue(snap)
	}
}

func (s *Supervisor) takePendingFeedback() string {
	s.fbMu.Lock()
	defer s.fbMu.Unlock()
	if len(s.pendingFeedback) == 0 {
		return ""
	}
	out := ""
	for i, fb := range s.pendingFeedback {
		if i > 0 {
			out += "\n\n"
		}
		out += fb
	}
	s.pendingFeedback = nil
	return out
}

func (s *Supervisor) publish(typ string, err error, errContext string) {
	if s.deps.Bus == nil {
		return
	}
	ev := events.Event{
		Type:      typ,
		SessionID: s.sessionID,
		IssueID:   s.issueID,
		Context:   errContext,
		At:        time.Now().UTC(),
	}
	if err != nil {
		ev.Err = err.Error()
	}
	s.deps.Bus.Publish(ev)
}

func (s *Supervisor) retryBackoff(attempt int) time.Duration {
	schedule := s.opts.RetryBackoff
	if len(schedule) == 0 {
		schedule = agentRetryBackoff
	}
	return schedule[min(attempt, len(schedule)-1)]
}

func (s *Supervisor) keepaliveInterval() time.Duration {
	if s.opts.KeepaliveInterval > 0 {
		return s.opts.KeepaliveInterval
	}
	return time.Minute
}

func workingDir(sess *models.Session, repo config.RepositoryConfig) string {
	if sess.WorkingDir != "" {
		return sess.WorkingDir
	}
	return repo.WorkingDir
}
