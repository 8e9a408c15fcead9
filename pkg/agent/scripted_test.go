package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out draining events; got %d", len(out))
		}
	}
}

func TestScriptedRunnerPlaysScript(t *testing.T) {
	runner := NewScriptedRunner([]ScriptStep{
		{Event: Event{Type: EventText, Content: "one"}},
		{Event: Event{Type: EventText, Content: "two"}},
	}, false)

	handle, err := runner.Start(context.Background(), StartConfig{})
	require.NoError(t, err)
	require.NotEmpty(t, handle.ID)

	evs := drainEvents(t, handle.Events)
	require.Len(t, evs, 3) // script + auto-appended complete
	assert.Equal(t, EventText, evs[0].Type)
	assert.Equal(t, EventComplete, evs[2].Type)
	assert.False(t, runner.IsRunning(handle.ID))
}

func TestScriptedRunnerStopEmitsUserStop(t *testing.T) {
	runner := NewScriptedRunner([]ScriptStep{
		{Event: Event{Type: EventText, Content: "one"}},
		{Event: Event{Type: EventText, Content: "never"}, Delay: time.Hour},
	}, false)

	handle, err := runner.Start(context.Background(), StartConfig{})
	require.NoError(t, err)

	// Let playback reach the long delay, then stop.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, runner.Stop(context.Background(), handle.ID))
	// Idempotent.
	require.NoError(t, runner.Stop(context.Background(), handle.ID))

	evs := drainEvents(t, handle.Events)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	require.Equal(t, EventComplete, last.Type)
	require.NotNil(t, last.Summary)
	assert.NotEqual(t, 0, last.Summary.ExitCode)
}

func TestScriptedRunnerStreamingInput(t *testing.T) {
	runner := NewScriptedRunner([]ScriptStep{
		{Event: Event{Type: EventText, Content: "one"}},
		{Event: Event{Type: EventText, Content: "two"}, Delay: 50 * time.Millisecond},
	}, true)
	runner.OnMessage = func(msg string) []Event {
		return []Event{{Type: EventText, Content: "echo: " + msg}}
	}

	handle, err := runner.Start(context.Background(), StartConfig{})
	require.NoError(t, err)
	require.NoError(t, runner.SendMessage(context.Background(), handle.ID, "hello"))

	evs := drainEvents(t, handle.Events)
	var echoed bool
	for _, ev := range evs {
		if ev.Content == "echo: hello" {
			echoed = true
		}
	}
	assert.True(t, echoed, "streamed message should be echoed into the event stream")
}

func TestScriptedRunnerRejectsStreamingWhenDisabled(t *testing.T) {
	runner := NewScriptedRunner(nil, false)
	handle, err := runner.Start(context.Background(), StartConfig{})
	require.NoError(t, err)

	err = runner.SendMessage(context.Background(), handle.ID, "hello")
	assert.ErrorIs(t, err, ErrStreamingUnsupported)
	assert.False(t, runner.SupportsStreamingInput())
}

func TestScriptedRunnerEventsLookup(t *testing.T) {
	runner := NewScriptedRunner(nil, false)
	_, err := runner.Events("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
