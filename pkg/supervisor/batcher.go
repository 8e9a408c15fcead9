package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/issueflow/issueflow/pkg/models"
	"github.com/issueflow/issueflow/pkg/tracker"
)

// commentPostBackoffBase spaces comment-post retries; a jitter of up to the
// base is added per attempt.
const commentPostBackoffBase = 500 * time.Millisecond

// WarnFunc receives non-fatal batcher problems, recorded by the supervisor
// as warning activities.
type WarnFunc func(msg string)

// CommentBatcher turns a session's activity stream into tracker comments.
// Consecutive text activities inside the batch window coalesce into one
// comment; tool activities flush pending text first and post on their own.
// Order of posted comments follows activity order.
type CommentBatcher struct {
	tracker tracker.IssueTracker
	issueID string
	author  string
	window  time.Duration
	retries int
	logger  *slog.Logger
	onWarn  WarnFunc

	in chan models.Activity

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCommentBatcher creates a batcher posting to issueID. onWarn may be nil.
func NewCommentBatcher(trk tracker.IssueTracker, issueID, author string, window time.Duration, retries int, logger *slog.Logger, onWarn WarnFunc) *CommentBatcher {
	b := &CommentBatcher{
		tracker: trk,
		issueID: issueID,
		author:  author,
		window:  window,
		retries: retries,
		logger:  logger,
		onWarn:  onWarn,
		in:      make(chan models.Activity, 64),
		stopCh:  make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Add enqueues an activity for posting. Blocks only if the batcher's buffer
// is full, which bounds memory without reordering.
func (b *CommentBatcher) Add(act models.Activity) {
	select {
	case b.in <- act:
	case <-b.stopCh:
	}
}

// Close flushes pending text and stops the batcher. Idempotent.
func (b *CommentBatcher) Close() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}

// run owns the pending text buffer. The window timer arms when text arrives
// and fires once per batch.
func (b *CommentBatcher) run() {
	defer b.wg.Done()

	var pendingText []string
	var flushTimer <-chan time.Time

	flushText := func() {
		if len(pendingText) == 0 {
			return
		}
		b.post(strings.Join(pendingText, "\n\n"))
		pendingText = nil
		flushTimer = nil
	}

	handle := func(act models.Activity) {
		switch act.Type {
		case models.ActivityText:
			pendingText = append(pendingText, act.Content)
			if flushTimer == nil {
				flushTimer = time.After(b.window)
			}
		case models.ActivityToolUse, models.ActivityToolResult:
			flushText()
			b.post(formatToolComment(act))
		case models.ActivityComplete:
			flushText()
			if act.Summary != nil && act.Summary.Summary != "" {
				b.post(act.Summary.Summary)
			}
		default:
			// Warnings and errors are rendered and persisted, not posted
			// as tracker comments.
		}
	}

	for {
		select {
		case act := <-b.in:
			handle(act)

		case <-flushTimer:
			flushText()

		case <-b.stopCh:
			// Drain whatever was already enqueued, then flush.
			for {
				select {
				case act := <-b.in:
					handle(act)
				default:
					flushText()
					return
				}
			}
		}
	}
}

// post writes one comment with bounded retries and jitter. Failures after
// the retry budget are dropped with a warning; comment delivery is never
// fatal to a session.
func (b *CommentBatcher) post(body string) {
	if body == "" {
		return
	}

	var err error
	for attempt := 0; attempt <= b.retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt)*commentPostBackoffBase +
				time.Duration(rand.Int63n(int64(commentPostBackoffBase)))
			time.Sleep(backoff)
		}
		_, err = b.tracker.AddComment(context.Background(), b.issueID, tracker.CommentRequest{
			Body:   body,
			Author: b.author,
		})
		if err == nil {
			return
		}
	}

	b.logger.Warn("Dropping tracker comment after retries",
		"issue_id", b.issueID, "retries", b.retries, "error", err)
	if b.onWarn != nil {
		b.onWarn(fmt.Sprintf("failed to post tracker comment after %d retries: %v", b.retries, err))
	}
}

func formatToolComment(act models.Activity) string {
	switch act.Type {
	case models.ActivityToolUse:
		return fmt.Sprintf("Running `%s`: %s", act.Tool, act.ToolInput)
	case models.ActivityToolResult:
		if act.IsError {
			return fmt.Sprintf("`%s` failed: %s", act.Tool, act.ToolResult)
		}
		return fmt.Sprintf("`%s` finished: %s", act.Tool, act.ToolResult)
	}
	return ""
}
