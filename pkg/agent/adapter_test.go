package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issueflow/issueflow/pkg/models"
)

func collectActivities(t *testing.T, stream *Stream) []models.Activity {
	t.Helper()
	var out []models.Activity
	timeout := time.After(5 * time.Second)
	for {
		select {
		case act, ok := <-stream.Activities():
			if !ok {
				return out
			}
			out = append(out, act)
		case <-timeout:
			t.Fatalf("timed out draining stream; got %d activities", len(out))
		}
	}
}

func TestAdapterNormalizesInOrder(t *testing.T) {
	runner := NewScriptedRunner([]ScriptStep{
		{Event: Event{Type: EventText, Content: "thinking"}},
		{Event: Event{Type: EventToolUse, Tool: "bash", Input: "go test ./..."}},
		{Event: Event{Type: EventToolResult, Tool: "bash", Result: "ok"}},
		{Event: CompleteEvent("done", 0)},
	}, false)
	adapter := NewAdapter(runner, 1024, time.Second)

	stream, err := adapter.Start(context.Background(), StartConfig{}, 1)
	require.NoError(t, err)

	acts := collectActivities(t, stream)
	require.Len(t, acts, 4)

	assert.Equal(t, models.ActivityText, acts[0].Type)
	assert.Equal(t, "thinking", acts[0].Content)
	assert.Equal(t, models.ActivityToolUse, acts[1].Type)
	assert.Equal(t, "go test ./...", acts[1].ToolInput)
	assert.Equal(t, models.ActivityToolResult, acts[2].Type)
	assert.Equal(t, "ok", acts[2].ToolResult)
	assert.Equal(t, models.ActivityComplete, acts[3].Type)
	require.NotNil(t, acts[3].Summary)
	assert.Equal(t, 0, acts[3].Summary.ExitCode)

	// Sequence numbers are monotonic from the requested start.
	for i, act := range acts {
		assert.Equal(t, int64(i+1), act.Seq)
	}
}

func TestAdapterSequenceContinuesAcrossRestart(t *testing.T) {
	runner := NewScriptedRunner([]ScriptStep{
		{Event: Event{Type: EventText, Content: "a"}},
		{Event: CompleteEvent("done", 0)},
	}, false)
	adapter := NewAdapter(runner, 1024, time.Second)

	stream, err := adapter.Start(context.Background(), StartConfig{}, 1)
	require.NoError(t, err)
	first := collectActivities(t, stream)
	require.Len(t, first, 2)

	// A retry resumes numbering after the persisted log.
	stream, err = adapter.Start(context.Background(), StartConfig{}, first[len(first)-1].Seq+1)
	require.NoError(t, err)
	second := collectActivities(t, stream)
	require.NotEmpty(t, second)
	assert.Equal(t, int64(3), second[0].Seq)
}

func TestAdapterUnknownEventBecomesWarning(t *testing.T) {
	runner := NewScriptedRunner([]ScriptStep{
		{Event: Event{Type: EventType("telemetry"), Content: "x"}},
		{Event: CompleteEvent("done", 0)},
	}, false)
	adapter := NewAdapter(runner, 1024, time.Second)

	stream, err := adapter.Start(context.Background(), StartConfig{}, 1)
	require.NoError(t, err)

	acts := collectActivities(t, stream)
	require.Len(t, acts, 2)
	assert.Equal(t, models.ActivityWarning, acts[0].Type)
	assert.Contains(t, acts[0].Content, "telemetry")
}

func TestAdapterOverflowDropsTextNeverTools(t *testing.T) {
	// Script floods text events around a tool pair with a tiny watermark
	// and a consumer that doesn't read until playback finishes.
	var steps []ScriptStep
	for i := 0; i < 20; i++ {
		steps = append(steps, ScriptStep{Event: Event{Type: EventText, Content: "spam"}})
	}
	steps = append(steps,
		ScriptStep{Event: Event{Type: EventToolUse, Tool: "bash", Input: "ls"}},
		ScriptStep{Event: Event{Type: EventToolResult, Tool: "bash", Result: "ok"}},
		ScriptStep{Event: CompleteEvent("done", 0)},
	)
	runner := NewScriptedRunner(steps, false)
	adapter := NewAdapter(runner, 4, time.Second)

	stream, err := adapter.Start(context.Background(), StartConfig{}, 1)
	require.NoError(t, err)

	// Give the pump time to absorb the flood before draining.
	time.Sleep(200 * time.Millisecond)
	acts := collectActivities(t, stream)

	var toolUse, toolResult, complete, warnings int
	for _, act := range acts {
		switch act.Type {
		case models.ActivityToolUse:
			toolUse++
		case models.ActivityToolResult:
			toolResult++
		case models.ActivityComplete:
			complete++
		case models.ActivityWarning:
			warnings++
		}
	}
	assert.Equal(t, 1, toolUse, "tool_use must never be dropped")
	assert.Equal(t, 1, toolResult, "tool_result must never be dropped")
	assert.Equal(t, 1, complete)
	assert.Positive(t, warnings, "overflow must record a warning activity")
}

func TestStreamStopSynthesizesTerminalAfterGrace(t *testing.T) {
	// A runner that ignores Stop: the script sleeps far longer than the
	// grace period.
	runner := NewScriptedRunner([]ScriptStep{
		{Event: Event{Type: EventText, Content: "a"}},
		{Event: Event{Type: EventText, Content: "b"}, Delay: time.Hour},
	}, false)
	runner.IgnoreStop = true
	adapter := NewAdapter(runner, 1024, 100*time.Millisecond)

	stream, err := adapter.Start(context.Background(), StartConfig{}, 1)
	require.NoError(t, err)

	require.NoError(t, stream.Stop(context.Background()))
	// Second stop is a no-op.
	require.NoError(t, stream.Stop(context.Background()))

	acts := collectActivities(t, stream)
	require.NotEmpty(t, acts)
	last := acts[len(acts)-1]
	assert.Equal(t, models.ActivityError, last.Type)
	assert.Contains(t, last.Content, "grace period")
}

func TestStreamStopDeliversRunnerTerminal(t *testing.T) {
	runner := NewScriptedRunner([]ScriptStep{
		{Event: Event{Type: EventText, Content: "a"}},
		{Event: Event{Type: EventText, Content: "b"}, Delay: time.Hour},
	}, false)
	adapter := NewAdapter(runner, 1024, 2*time.Second)

	stream, err := adapter.Start(context.Background(), StartConfig{}, 1)
	require.NoError(t, err)
	require.NoError(t, stream.Stop(context.Background()))

	acts := collectActivities(t, stream)
	require.NotEmpty(t, acts)
	last := acts[len(acts)-1]
	require.Equal(t, models.ActivityComplete, last.Type)
	require.NotNil(t, last.Summary)
	assert.Equal(t, models.UserStopExitCode, last.Summary.ExitCode)
}
