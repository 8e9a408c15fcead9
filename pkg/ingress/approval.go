package ingress

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ApprovalRegistry tracks pending user approvals. Each request resolves
// exactly once: by an explicit decision, by the TTL auto-reject, or by
// registry close at shutdown (reject).
type ApprovalRegistry struct {
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingApproval
	closed  bool
}

type pendingApproval struct {
	ch    chan bool
	timer *time.Timer
}

// NewApprovalRegistry creates the registry with the auto-reject TTL.
func NewApprovalRegistry(ttl time.Duration, logger *slog.Logger) *ApprovalRegistry {
	return &ApprovalRegistry{
		ttl:     ttl,
		logger:  logger.With("component", "approvals"),
		pending: make(map[string]*pendingApproval),
	}
}

// Request registers a new approval and returns its id and decision channel.
// The channel receives exactly one value.
func (r *ApprovalRegistry) Request() (string, <-chan bool) {
	id := uuid.New().String()
	ch := make(chan bool, 1)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		ch <- false
		return id, ch
	}

	p := &pendingApproval{ch: ch}
	p.timer = time.AfterFunc(r.ttl, func() {
		if r.resolve(id, false) {
			r.logger.Info("Approval auto-rejected after TTL", "approval_id", id, "ttl", r.ttl)
		}
	})
	r.pending[id] = p
	return id, ch
}

// Resolve settles an approval. Returns false when the id is unknown or
// already settled.
func (r *ApprovalRegistry) Resolve(id string, approved bool) bool {
	return r.resolve(id, approved)
}

func (r *ApprovalRegistry) resolve(id string, approved bool) bool {
	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	p.timer.Stop()
	p.ch <- approved
	return true
}

// Close rejects every outstanding approval. Further requests resolve to
// rejected immediately.
func (r *ApprovalRegistry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	remaining := r.pending
	r.pending = make(map[string]*pendingApproval)
	r.mu.Unlock()

	for _, p := range remaining {
		p.timer.Stop()
		p.ch <- false
	}
}

// handleDecision resolves an approval from a browser link:
// GET /approval?id=<id>&decision=approve|reject
func (r *ApprovalRegistry) handleDecision(c *gin.Context) {
	id := c.Query("id")
	decision := c.Query("decision")
	if id == "" || (decision != "approve" && decision != "reject") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id and decision=approve|reject are required"})
		return
	}

	if !r.Resolve(id, decision == "approve") {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown or already settled approval"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"approval_id": id, "decision": decision})
}
