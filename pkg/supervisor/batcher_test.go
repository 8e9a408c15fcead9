package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issueflow/issueflow/pkg/models"
	"github.com/issueflow/issueflow/pkg/tracker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func batcherIssue(t *testing.T) *tracker.MemoryTracker {
	t.Helper()
	trk := tracker.NewMemoryTracker()
	trk.CreateIssue(models.Issue{ID: "i1", Title: "t"})
	return trk
}

func postedBodies(t *testing.T, trk *tracker.MemoryTracker) []string {
	t.Helper()
	comments, err := trk.GetComments(context.Background(), "i1")
	require.NoError(t, err)
	bodies := make([]string, len(comments))
	for i, c := range comments {
		bodies[i] = c.Body
	}
	return bodies
}

func TestBatcherCoalescesConsecutiveText(t *testing.T) {
	trk := batcherIssue(t)
	b := NewCommentBatcher(trk, "i1", "bot", time.Hour, 1, discardLogger(), nil)

	b.Add(models.Activity{Type: models.ActivityText, Content: "one"})
	b.Add(models.Activity{Type: models.ActivityText, Content: "two"})
	b.Add(models.Activity{Type: models.ActivityText, Content: "three"})
	b.Close()

	bodies := postedBodies(t, trk)
	require.Len(t, bodies, 1)
	assert.Equal(t, "one\n\ntwo\n\nthree", bodies[0])
}

func TestBatcherToolActivityFlushesFirst(t *testing.T) {
	trk := batcherIssue(t)
	b := NewCommentBatcher(trk, "i1", "bot", time.Hour, 1, discardLogger(), nil)

	b.Add(models.Activity{Type: models.ActivityText, Content: "about to run tests"})
	b.Add(models.Activity{Type: models.ActivityToolUse, Tool: "bash", ToolInput: "go test ./..."})

	// Give the batcher time to drain before Close.
	require.Eventually(t, func() bool {
		return len(postedBodies(t, trk)) == 2
	}, 2*time.Second, 10*time.Millisecond)
	b.Close()

	bodies := postedBodies(t, trk)
	require.Len(t, bodies, 2)
	assert.Equal(t, "about to run tests", bodies[0])
	assert.Contains(t, bodies[1], "`bash`")
	assert.Contains(t, bodies[1], "go test ./...")
}

func TestBatcherWindowFlush(t *testing.T) {
	trk := batcherIssue(t)
	b := NewCommentBatcher(trk, "i1", "bot", 30*time.Millisecond, 1, discardLogger(), nil)
	defer b.Close()

	b.Add(models.Activity{Type: models.ActivityText, Content: "burst one"})

	require.Eventually(t, func() bool {
		return len(postedBodies(t, trk)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	b.Add(models.Activity{Type: models.ActivityText, Content: "burst two"})
	require.Eventually(t, func() bool {
		return len(postedBodies(t, trk)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"burst one", "burst two"}, postedBodies(t, trk))
}

func TestBatcherSkipsWarnings(t *testing.T) {
	trk := batcherIssue(t)
	b := NewCommentBatcher(trk, "i1", "bot", 10*time.Millisecond, 1, discardLogger(), nil)

	b.Add(models.Activity{Type: models.ActivityWarning, Content: "buffer overflow"})
	b.Add(models.Activity{Type: models.ActivityError, Content: "boom"})
	b.Close()

	assert.Empty(t, postedBodies(t, trk))
}

func TestBatcherCompletePostsSummary(t *testing.T) {
	trk := batcherIssue(t)
	b := NewCommentBatcher(trk, "i1", "bot", 10*time.Millisecond, 1, discardLogger(), nil)

	b.Add(models.Activity{Type: models.ActivityText, Content: "final text"})
	b.Add(models.Activity{
		Type:    models.ActivityComplete,
		Summary: &models.CompleteSummary{Summary: "All done.", ExitCode: 0},
	})
	b.Close()

	bodies := postedBodies(t, trk)
	require.Len(t, bodies, 2)
	assert.Equal(t, "final text", bodies[0])
	assert.Equal(t, "All done.", bodies[1])
}

// failingTracker wraps the memory tracker and fails AddComment n times.
type failingTracker struct {
	*tracker.MemoryTracker
	mu       sync.Mutex
	failures int
}

func (f *failingTracker) AddComment(ctx context.Context, issueID string, req tracker.CommentRequest) (*models.Comment, error) {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("tracker unavailable")
	}
	return f.MemoryTracker.AddComment(ctx, issueID, req)
}

func TestBatcherRetriesCommentPost(t *testing.T) {
	trk := &failingTracker{MemoryTracker: batcherIssue(t), failures: 2}
	b := NewCommentBatcher(trk, "i1", "bot", 10*time.Millisecond, 3, discardLogger(), nil)

	b.Add(models.Activity{Type: models.ActivityText, Content: "retry me"})
	b.Close()

	assert.Equal(t, []string{"retry me"}, postedBodies(t, trk.MemoryTracker))
}

func TestBatcherDropsAfterRetryBudget(t *testing.T) {
	trk := &failingTracker{MemoryTracker: batcherIssue(t), failures: 100}

	var warned []string
	var mu sync.Mutex
	b := NewCommentBatcher(trk, "i1", "bot", 10*time.Millisecond, 1, discardLogger(), func(msg string) {
		mu.Lock()
		warned = append(warned, msg)
		mu.Unlock()
	})

	b.Add(models.Activity{Type: models.ActivityText, Content: "doomed"})
	b.Close()

	assert.Empty(t, postedBodies(t, trk.MemoryTracker))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, warned, 1)
	assert.True(t, strings.Contains(warned[0], "failed to post tracker comment"))
}
