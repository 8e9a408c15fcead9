package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/issueflow/issueflow/pkg/models"
)

// Adapter normalizes a Runner's event stream into the uniform activity
// model. It owns buffering and the overflow policy; one Adapter serves many
// concurrent streams.
type Adapter struct {
	runner        Runner
	highWatermark int
	stopGrace     time.Duration
}

// NewAdapter wraps a runner. highWatermark bounds the per-stream buffer;
// stopGrace bounds how long a stopped session may take to emit its terminal
// event before one is synthesized.
func NewAdapter(runner Runner, highWatermark int, stopGrace time.Duration) *Adapter {
	return &Adapter{
		runner:        runner,
		highWatermark: highWatermark,
		stopGrace:     stopGrace,
	}
}

// SupportsStreamingInput reports the underlying runner's capability.
// Probed once at construction sites rather than per call.
func (a *Adapter) SupportsStreamingInput() bool {
	return a.runner.SupportsStreamingInput()
}

// Start launches an agent session and returns its normalized stream.
// startSeq is the sequence number of the first activity; restart-retries
// pass the session's next sequence so numbering continues without reuse.
func (a *Adapter) Start(ctx context.Context, cfg StartConfig, startSeq int64) (*Stream, error) {
	handle, err := a.runner.Start(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("starting agent session: %w", err)
	}
	return a.attach(handle, startSeq), nil
}

// Resume re-attaches to an existing agent session.
func (a *Adapter) Resume(ctx context.Context, agentSessionID string, cfg StartConfig, startSeq int64) (*Stream, error) {
	handle, err := a.runner.Resume(ctx, agentSessionID, cfg)
	if err != nil {
		return nil, fmt.Errorf("resuming agent session %s: %w", agentSessionID, err)
	}
	return a.attach(handle, startSeq), nil
}

// SendMessage enqueues a user turn on a live stream. Callers must check
// SupportsStreamingInput first; runners without it return
// ErrStreamingUnsupported.
func (a *Adapter) SendMessage(ctx context.Context, agentSessionID, message string) error {
	return a.runner.SendMessage(ctx, agentSessionID, message)
}

func (a *Adapter) attach(handle *SessionHandle, startSeq int64) *Stream {
	s := &Stream{
		adapter: a,
		handle:  handle,
		out:     make(chan models.Activity),
		stopArm: make(chan struct{}),
		nextSeq: startSeq,
		now:     time.Now,
	}
	go s.pump()
	return s
}

// Stream is one live, normalized activity stream. Activities arrive in
// agent-emission order with at-most-once delivery per sequence number.
type Stream struct {
	adapter  *Adapter
	handle   *SessionHandle
	out      chan models.Activity
	stopOnce sync.Once
	stopArm  chan struct{}
	nextSeq  int64
	now      func() time.Time
}

// AgentSessionID returns the runner-side session id.
func (s *Stream) AgentSessionID() string { return s.handle.ID }

// Activities returns the normalized stream. Closed after the terminal
// activity has been delivered.
func (s *Stream) Activities() <-chan models.Activity { return s.out }

// Stop requests the agent stop. Idempotent; the terminal activity arrives
// on the stream within the stop grace period, synthesized if the runner
// misses the deadline.
func (s *Stream) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		err = s.adapter.runner.Stop(ctx, s.handle.ID)
		close(s.stopArm)
	})
	return err
}

// pump is the single goroutine that owns the stream's buffer. It reads raw
// events, applies the overflow policy, and delivers activities in order.
func (s *Stream) pump() {
	defer close(s.out)

	var pending []models.Activity
	var graceTimer <-chan time.Time
	in := s.handle.Events
	stopArm := s.stopArm
	terminal := false

	for {
		if in == nil && len(pending) == 0 {
			return
		}

		// A nil send channel blocks forever, disabling that case.
		var sendCh chan models.Activity
		var head models.Activity
		if len(pending) > 0 {
			sendCh = s.out
			head = pending[0]
		}

		select {
		case ev, ok := <-in:
			if !ok {
				if !terminal {
					pending = append(pending, s.activity(models.Activity{
						Type:    models.ActivityError,
						Content: "agent stream closed without a terminal event",
					}))
				}
				in = nil
				continue
			}
			if ev.Terminal() {
				terminal = true
			}
			pending = append(pending, s.normalize(ev))
			pending = s.shed(pending)

		case sendCh <- head:
			pending = pending[1:]

		case <-stopArm:
			stopArm = nil
			if !terminal {
				graceTimer = time.After(s.adapter.stopGrace)
			}

		case <-graceTimer:
			graceTimer = nil
			if !terminal {
				pending = append(pending, s.activity(models.Activity{
					Type:    models.ActivityError,
					Content: fmt.Sprintf("agent did not stop within %v grace period", s.adapter.stopGrace),
				}))
				terminal = true
				in = nil
			}
		}
	}
}

// shed enforces the high watermark: oldest non-tool activities are dropped
// first; tool_use/tool_result are never dropped. One warning activity is
// appended per overflow episode.
func (s *Stream) shed(pending []models.Activity) []models.Activity {
	if len(pending) <= s.adapter.highWatermark {
		return pending
	}

	dropped := 0
	kept := pending[:0]
	excess := len(pending) - s.adapter.highWatermark
	for _, act := range pending {
		droppable := act.Type == models.ActivityText || act.Type == models.ActivityWarning
		if dropped < excess && droppable {
			dropped++
			continue
		}
		kept = append(kept, act)
	}

	if dropped > 0 {
		slog.Warn("Agent event buffer overflow",
			"agent_session_id", s.handle.ID, "dropped", dropped)
		kept = append(kept, s.activity(models.Activity{
			Type:    models.ActivityWarning,
			Content: fmt.Sprintf("event buffer overflow: dropped %d buffered events", dropped),
		}))
	}
	return kept
}

// normalize converts one raw event into an activity with the next sequence
// number. Unknown event types become warning activities so a misbehaving
// runner degrades instead of wedging the stream.
func (s *Stream) normalize(ev Event) models.Activity {
	switch ev.Type {
	case EventText:
		return s.activity(models.Activity{Type: models.ActivityText, Content: ev.Content})
	case EventToolUse:
		return s.activity(models.Activity{Type: models.ActivityToolUse, Tool: ev.Tool, ToolInput: ev.Input})
	case EventToolResult:
		return s.activity(models.Activity{
			Type: models.ActivityToolResult, Tool: ev.Tool, ToolResult: ev.Result, IsError: ev.IsError,
		})
	case EventError:
		return s.activity(models.Activity{Type: models.ActivityError, Content: ev.Message})
	case EventComplete:
		return s.activity(models.Activity{Type: models.ActivityComplete, Summary: ev.Summary})
	default:
		return s.activity(models.Activity{
			Type:    models.ActivityWarning,
			Content: fmt.Sprintf("unknown agent event type %q", ev.Type),
		})
	}
}

func (s *Stream) activity(act models.Activity) models.Activity {
	act.Seq = s.nextSeq
	s.nextSeq++
	act.CreatedAt = s.now()
	return act
}
