package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/issueflow/issueflow/pkg/models"
)

// watchBuffer is the per-subscriber event buffer. A subscriber that falls
// this far behind starts losing events (logged, never blocking mutations).
const watchBuffer = 64

type watcher struct {
	memberID string
	ch       chan models.WebhookEvent
}

// MemoryTracker is a full in-memory IssueTracker. It backs the test suites
// and the host process debug mode.
type MemoryTracker struct {
	mu          sync.RWMutex
	issues      map[string]*models.Issue
	assignments map[string]string // issue id → member id
	attachments map[string][]models.Attachment
	members     map[string]models.Member
	labels      []models.Label
	subIssues   map[string][]SubIssueRef // parent issue id → children
	watchers    map[string]*watcher      // watcher id → watcher
	now         func() time.Time
}

// NewMemoryTracker creates an empty in-memory tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		issues:      make(map[string]*models.Issue),
		assignments: make(map[string]string),
		attachments: make(map[string][]models.Attachment),
		members:     make(map[string]models.Member),
		subIssues:   make(map[string][]SubIssueRef),
		watchers:    make(map[string]*watcher),
		now:         time.Now,
	}
}

// --- mutation helpers (the "external world" side of the contract) ---

// CreateIssue registers an issue. Overwrites any issue with the same id.
func (m *MemoryTracker) CreateIssue(issue models.Issue) {
	m.mu.Lock()
	cp := issue
	cp.Comments = append([]models.Comment(nil), issue.Comments...)
	cp.Labels = append([]string(nil), issue.Labels...)
	m.issues[issue.ID] = &cp
	m.mu.Unlock()
}

// AddMember registers a workspace member.
func (m *MemoryTracker) AddMember(member models.Member) {
	m.mu.Lock()
	m.members[member.ID] = member
	m.mu.Unlock()
}

// AddLabel registers a label definition.
func (m *MemoryTracker) AddLabel(label models.Label) {
	m.mu.Lock()
	m.labels = append(m.labels, label)
	m.mu.Unlock()
}

// SetAttachments replaces the attachment list reported for an issue.
func (m *MemoryTracker) SetAttachments(issueID string, atts []models.Attachment) {
	m.mu.Lock()
	m.attachments[issueID] = append([]models.Attachment(nil), atts...)
	m.mu.Unlock()
}

// SetSubIssues replaces the sub-issue graph reported for a parent issue.
func (m *MemoryTracker) SetSubIssues(parentID string, refs []SubIssueRef) {
	m.mu.Lock()
	m.subIssues[parentID] = append([]SubIssueRef(nil), refs...)
	m.mu.Unlock()
}

// AssignIssue assigns an issue to a member and emits an assigned event to
// that member's watchers.
func (m *MemoryTracker) AssignIssue(issueID, memberID string) error {
	m.mu.Lock()
	issue, ok := m.issues[issueID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrIssueNotFound, issueID)
	}
	m.assignments[issueID] = memberID
	snapshot := cloneIssue(issue)
	m.mu.Unlock()

	m.publish(memberID, models.WebhookEvent{
		ID:        uuid.New().String(),
		Type:      models.EventAssigned,
		Timestamp: m.now(),
		IssueID:   issueID,
		Issue:     snapshot,
	})
	return nil
}

// UnassignIssue clears an assignment and emits an unassigned event.
func (m *MemoryTracker) UnassignIssue(issueID string) error {
	m.mu.Lock()
	memberID, ok := m.assignments[issueID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrIssueNotFound, issueID)
	}
	delete(m.assignments, issueID)
	snapshot := cloneIssue(m.issues[issueID])
	m.mu.Unlock()

	m.publish(memberID, models.WebhookEvent{
		ID:        uuid.New().String(),
		Type:      models.EventUnassigned,
		Timestamp: m.now(),
		IssueID:   issueID,
		Issue:     snapshot,
	})
	return nil
}

// --- IssueTracker implementation ---

// GetIssue returns a deep copy of the issue.
func (m *MemoryTracker) GetIssue(_ context.Context, id string) (*models.Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	issue, ok := m.issues[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIssueNotFound, id)
	}
	return cloneIssue(issue), nil
}

// ListAssignedIssues returns issues assigned to the member, sorted by id.
func (m *MemoryTracker) ListAssignedIssues(_ context.Context, memberID string, filters *IssueFilters) ([]*models.Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Issue
	for issueID, assignee := range m.assignments {
		if assignee != memberID {
			continue
		}
		issue, ok := m.issues[issueID]
		if !ok {
			continue
		}
		if filters != nil && filters.State != "" && issue.State != filters.State {
			continue
		}
		if filters != nil && !hasAllLabels(issue.Labels, filters.Labels) {
			continue
		}
		out = append(out, cloneIssue(issue))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateIssueState mutates state and emits a state_changed event.
func (m *MemoryTracker) UpdateIssueState(_ context.Context, id, newState string) error {
	m.mu.Lock()
	issue, ok := m.issues[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrIssueNotFound, id)
	}
	issue.State = newState
	memberID := m.assignments[id]
	snapshot := cloneIssue(issue)
	m.mu.Unlock()

	m.publish(memberID, models.WebhookEvent{
		ID:        uuid.New().String(),
		Type:      models.EventStateChanged,
		Timestamp: m.now(),
		IssueID:   id,
		Issue:     snapshot,
		NewState:  newState,
	})
	return nil
}

// AddComment appends a comment and emits a comment_added event.
func (m *MemoryTracker) AddComment(_ context.Context, issueID string, req CommentRequest) (*models.Comment, error) {
	m.mu.Lock()
	issue, ok := m.issues[issueID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrIssueNotFound, issueID)
	}
	comment := models.Comment{
		ID:        uuid.New().String(),
		Author:    req.Author,
		Body:      req.Body,
		CreatedAt: m.now(),
		ParentID:  req.ParentID,
		IsRoot:    req.ParentID == "",
	}
	issue.Comments = append(issue.Comments, comment)
	memberID := m.assignments[issueID]
	m.mu.Unlock()

	cp := comment
	m.publish(memberID, models.WebhookEvent{
		ID:        uuid.New().String(),
		Type:      models.EventCommentAdded,
		Timestamp: m.now(),
		IssueID:   issueID,
		Comment:   &cp,
	})
	return &comment, nil
}

// GetComments returns the ordered comment list.
func (m *MemoryTracker) GetComments(_ context.Context, issueID string) ([]models.Comment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	issue, ok := m.issues[issueID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIssueNotFound, issueID)
	}
	return append([]models.Comment(nil), issue.Comments...), nil
}

// WatchIssues subscribes to events for issues assigned to memberID.
func (m *MemoryTracker) WatchIssues(ctx context.Context, memberID string) (<-chan models.WebhookEvent, error) {
	w := &watcher{
		memberID: memberID,
		ch:       make(chan models.WebhookEvent, watchBuffer),
	}
	id := uuid.New().String()

	m.mu.Lock()
	m.watchers[id] = w
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
		close(w.ch)
	}()

	return w.ch, nil
}

// GetAttachments returns the attachments registered for an issue.
func (m *MemoryTracker) GetAttachments(_ context.Context, issueID string) ([]models.Attachment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Attachment(nil), m.attachments[issueID]...), nil
}

// SendSignal emits a signal event for the issue.
func (m *MemoryTracker) SendSignal(_ context.Context, issueID string, sig models.AgentSignal) error {
	m.mu.RLock()
	_, ok := m.issues[issueID]
	memberID := m.assignments[issueID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrIssueNotFound, issueID)
	}

	cp := sig
	m.publish(memberID, models.WebhookEvent{
		ID:        uuid.New().String(),
		Type:      models.EventSignal,
		Timestamp: m.now(),
		IssueID:   issueID,
		Signal:    &cp,
	})
	return nil
}

// GetMember looks up a workspace member.
func (m *MemoryTracker) GetMember(_ context.Context, id string) (*models.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	member, ok := m.members[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMemberNotFound, id)
	}
	return &member, nil
}

// ListSubIssues returns the registered sub-issue graph for a parent.
func (m *MemoryTracker) ListSubIssues(_ context.Context, issueID string) ([]SubIssueRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]SubIssueRef(nil), m.subIssues[issueID]...), nil
}

// ListLabels returns all registered labels.
func (m *MemoryTracker) ListLabels(_ context.Context, _ string) ([]models.Label, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Label(nil), m.labels...), nil
}

// publish delivers an event to every watcher of memberID. Non-blocking:
// a full subscriber loses the event rather than stalling the mutation.
func (m *MemoryTracker) publish(memberID string, ev models.WebhookEvent) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if w.memberID != memberID {
			continue
		}
		select {
		case w.ch <- ev:
		default:
			slog.Warn("Dropping tracker event for slow watcher",
				"member_id", memberID, "event_type", ev.Type, "issue_id", ev.IssueID)
		}
	}
}

func cloneIssue(issue *models.Issue) *models.Issue {
	if issue == nil {
		return nil
	}
	cp := *issue
	cp.Labels = append([]string(nil), issue.Labels...)
	cp.Comments = append([]models.Comment(nil), issue.Comments...)
	return &cp
}

func hasAllLabels(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, l := range have {
		set[l] = true
	}
	for _, l := range want {
		if !set[l] {
			return false
		}
	}
	return true
}
