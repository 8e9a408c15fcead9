// Package tracker defines the issue-tracker contract the orchestration core
// depends on, plus an in-memory implementation for tests and debug mode.
// Wire formats are tracker-specific; the core observes only this contract.
package tracker

import (
	"context"
	"errors"

	"github.com/issueflow/issueflow/pkg/models"
)

// Sentinel errors for tracker operations.
var (
	// ErrIssueNotFound indicates the issue id is unknown to the tracker.
	ErrIssueNotFound = errors.New("issue not found")

	// ErrMemberNotFound indicates the member id is unknown to the tracker.
	ErrMemberNotFound = errors.New("member not found")
)

// CommentRequest is the input for posting a comment.
type CommentRequest struct {
	Body     string
	ParentID string // empty for a top-level comment
	Author   string
}

// IssueFilters narrows ListAssignedIssues.
type IssueFilters struct {
	State  string
	Labels []string
}

// IssueTracker is the contract a concrete tracker (Linear, GitHub, memory)
// must satisfy. All methods take a context; network-backed implementations
// are expected to honor cancellation and the configured network timeout.
type IssueTracker interface {
	GetIssue(ctx context.Context, id string) (*models.Issue, error)
	ListAssignedIssues(ctx context.Context, memberID string, filters *IssueFilters) ([]*models.Issue, error)
	UpdateIssueState(ctx context.Context, id, newState string) error
	AddComment(ctx context.Context, issueID string, req CommentRequest) (*models.Comment, error)
	GetComments(ctx context.Context, issueID string) ([]models.Comment, error)

	// WatchIssues returns a stream of events affecting issues assigned to
	// memberID. The channel closes when ctx is cancelled.
	WatchIssues(ctx context.Context, memberID string) (<-chan models.WebhookEvent, error)

	GetAttachments(ctx context.Context, issueID string) ([]models.Attachment, error)
	SendSignal(ctx context.Context, issueID string, sig models.AgentSignal) error
	GetMember(ctx context.Context, id string) (*models.Member, error)
	ListLabels(ctx context.Context, teamID string) ([]models.Label, error)
}

// SubIssueRef points at a child issue and the sibling sub-issues it depends
// on, by issue id.
type SubIssueRef struct {
	IssueID   string
	DependsOn []string
}

// SubIssueLister is an optional tracker capability. The orchestrator
// procedure needs it to compute its task graph; trackers without sub-issue
// support simply do not implement it.
type SubIssueLister interface {
	ListSubIssues(ctx context.Context, issueID string) ([]SubIssueRef, error)
}
