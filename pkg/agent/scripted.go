package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/issueflow/issueflow/pkg/models"
)

// ScriptStep is one scripted emission: the event, optionally delayed.
type ScriptStep struct {
	Event Event
	Delay time.Duration
}

// ScriptedRunner plays back a configured event script. It backs the test
// suites and the host process debug mode. When the script lacks a terminal
// event, a complete event is appended automatically.
type ScriptedRunner struct {
	mu        sync.Mutex
	sessions  map[string]*scriptedSession
	script    []ScriptStep
	streaming bool

	// OnMessage, when set, maps a streamed user message to extra events
	// emitted on the live stream.
	OnMessage func(message string) []Event

	// IgnoreStop makes Stop a no-op, simulating a wedged agent that
	// misses its stop grace period.
	IgnoreStop bool
}

type scriptedSession struct {
	id      string
	events  chan Event
	cancel  context.CancelFunc
	done    chan struct{}
	message chan string
}

// NewScriptedRunner creates a runner that emits the given script per
// session. streaming controls SupportsStreamingInput.
func NewScriptedRunner(script []ScriptStep, streaming bool) *ScriptedRunner {
	return &ScriptedRunner{
		sessions:  make(map[string]*scriptedSession),
		script:    script,
		streaming: streaming,
	}
}

// CompleteEvent is a convenience constructor for a terminal complete event.
func CompleteEvent(summary string, exitCode int) Event {
	return Event{
		Type: EventComplete,
		Summary: &models.CompleteSummary{
			ExitCode: exitCode,
			Summary:  summary,
		},
	}
}

// Start begins playback of the script on a fresh session.
func (r *ScriptedRunner) Start(ctx context.Context, _ StartConfig) (*SessionHandle, error) {
	return r.launch(ctx, uuid.New().String())
}

// Resume restarts playback under the existing session id.
func (r *ScriptedRunner) Resume(ctx context.Context, sessionID string, _ StartConfig) (*SessionHandle, error) {
	return r.launch(ctx, sessionID)
}

func (r *ScriptedRunner) launch(ctx context.Context, id string) (*SessionHandle, error) {
	runCtx, cancel := context.WithCancel(ctx)
	sess := &scriptedSession{
		id:      id,
		events:  make(chan Event, 16),
		cancel:  cancel,
		done:    make(chan struct{}),
		message: make(chan string, 16),
	}

	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()

	go r.play(runCtx, sess)

	return &SessionHandle{ID: id, StartedAt: time.Now(), Events: sess.events}, nil
}

func (r *ScriptedRunner) play(ctx context.Context, sess *scriptedSession) {
	defer close(sess.events)
	defer close(sess.done)

	emit := func(ev Event) bool {
		select {
		case sess.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	terminal := false
	for _, step := range r.script {
		if step.Delay > 0 {
			select {
			case <-time.After(step.Delay):
			case <-ctx.Done():
				emitStop(sess.events)
				return
			}
		}

		// Drain streamed user messages between steps.
		for {
			select {
			case msg := <-sess.message:
				if r.OnMessage != nil {
					for _, ev := range r.OnMessage(msg) {
						if !emit(ev) {
							emitStop(sess.events)
							return
						}
					}
				}
				continue
			default:
			}
			break
		}

		if !emit(step.Event) {
			emitStop(sess.events)
			return
		}
		if step.Event.Terminal() {
			terminal = true
			break
		}
	}

	if !terminal {
		emit(CompleteEvent("script finished", 0))
	}
}

// emitStop best-effort delivers the user-stop terminal event.
func emitStop(events chan Event) {
	select {
	case events <- CompleteEvent("stopped by user", models.UserStopExitCode):
	default:
	}
}

// SendMessage enqueues a streamed user turn.
func (r *ScriptedRunner) SendMessage(_ context.Context, sessionID, message string) error {
	if !r.streaming {
		return ErrStreamingUnsupported
	}
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	select {
	case sess.message <- message:
		return nil
	default:
		return fmt.Errorf("message queue full for session %s", sessionID)
	}
}

// Stop cancels playback. Idempotent; unknown sessions are a no-op so
// repeated stops after completion succeed.
func (r *ScriptedRunner) Stop(_ context.Context, sessionID string) error {
	if r.IgnoreStop {
		return nil
	}
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	sess.cancel()
	return nil
}

// IsRunning reports whether the session's playback goroutine is live.
func (r *ScriptedRunner) IsRunning(sessionID string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-sess.done:
		return false
	default:
		return true
	}
}

// Events returns the raw stream for a session.
func (r *ScriptedRunner) Events(sessionID string) (<-chan Event, error) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess.events, nil
}

// SupportsStreamingInput reports whether SendMessage is accepted.
func (r *ScriptedRunner) SupportsStreamingInput() bool { return r.streaming }
