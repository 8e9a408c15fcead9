// Package ingress is the HTTP edge of the orchestration core: signed
// tracker webhooks, the OAuth callback flow, approval resolution, and the
// health endpoint. Webhooks are verified, deduplicated, and dispatched to
// the session manager under an acknowledgment budget.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/issueflow/issueflow/pkg/config"
	"github.com/issueflow/issueflow/pkg/models"
)

// Dispatcher receives parsed webhook events. Implemented by the session
// manager.
type Dispatcher interface {
	HandleEvent(ctx context.Context, ev models.WebhookEvent) error
}

// HealthReporter optionally enriches the health endpoint. The manager's
// Health struct satisfies the any return.
type HealthReporter interface {
	Health() any
}

// Server is the ingress HTTP server.
type Server struct {
	cfg        config.Config
	dispatcher Dispatcher
	oauth      *OAuthFlow
	approvals  *ApprovalRegistry
	dedup      *expirable.LRU[string, time.Time]
	logger     *slog.Logger

	// inflight guards the window between the dedup check and the mark:
	// concurrent deliveries of one event id must not both dispatch. Values
	// are claim tokens so a dispatch abandoned at the ack deadline cannot
	// release a later delivery's claim.
	inflightMu sync.Mutex
	inflight   map[string]uint64
	nextClaim  uint64

	health HealthReporter // optional

	router     *gin.Engine
	httpServer *http.Server
}

// NewServer builds the ingress around a dispatcher. OAuth and approvals are
// always mounted; OAuth endpoints report unavailable when no client
// credentials are configured.
func NewServer(cfg config.Config, dispatcher Dispatcher, logger *slog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		oauth:      NewOAuthFlow(cfg, logger),
		approvals:  NewApprovalRegistry(cfg.Timeouts.ApprovalTTL, logger),
		dedup:      expirable.NewLRU[string, time.Time](cfg.Limits.DedupEntries, nil, cfg.Timeouts.DedupTTL),
		inflight:   make(map[string]uint64),
		logger:     logger.With("component", "ingress"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/webhook/:tracker", s.handleWebhook)
	router.GET("/callback", s.oauth.handleCallback)
	router.GET("/oauth/authorize", s.oauth.handleAuthorize)
	router.GET("/approval", s.approvals.handleDecision)
	router.GET("/healthz", s.handleHealth)

	s.router = router
	s.httpServer = &http.Server{
		Addr:         s.bindAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Timeouts.NetworkTimeout,
		WriteTimeout: cfg.Timeouts.NetworkTimeout,
	}
	return s
}

// OAuth exposes the OAuth flow for callers that await credentials.
func (s *Server) OAuth() *OAuthFlow { return s.oauth }

// Approvals exposes the approval registry for components requesting
// user confirmation.
func (s *Server) Approvals() *ApprovalRegistry { return s.approvals }

// SetHealthReporter attaches an optional detail source to /healthz.
func (s *Server) SetHealthReporter(r HealthReporter) { s.health = r }

// MountWS registers a websocket endpoint, typically the live-view
// renderer's handler. Must run before Start.
func (s *Server) MountWS(path string, handler http.HandlerFunc) {
	s.router.GET(path, gin.WrapF(handler))
}

func (s *Server) bindAddr() string {
	host := s.cfg.Host
	if s.cfg.HostExternal {
		host = "0.0.0.0"
	} else if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(s.cfg.Port))
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("Ingress listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ingress server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within ctx's budget.
func (s *Server) Shutdown(ctx context.Context) error {
	s.approvals.Close()
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// webhookEnvelope is the outer wire format. The deduplication key is ID.
type webhookEnvelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Action    string          `json:"action"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// webhookPayload carries the event-specific fields.
type webhookPayload struct {
	IssueID  string              `json:"issue_id"`
	Issue    *models.Issue       `json:"issue,omitempty"`
	Comment  *models.Comment     `json:"comment,omitempty"`
	NewState string              `json:"new_state,omitempty"`
	Signal   *models.AgentSignal `json:"signal,omitempty"`
}

// handleWebhook verifies, deduplicates, and dispatches one webhook.
// Invalid signature → 401 with no body. Duplicate id → 200 "deduped".
// Dispatch exceeding the ack budget → 504 without a dedup mark, so the
// tracker's retry is dispatched again.
func (s *Server) handleWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reading body"})
		return
	}

	if !VerifySignature(body, c.GetHeader("X-Signature"), s.cfg.WebhookSecret) {
		c.Status(http.StatusUnauthorized)
		return
	}

	ev, err := parseWebhook(body)
	if err != nil {
		s.logger.Warn("Malformed webhook", "tracker", c.Param("tracker"), "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed webhook"})
		return
	}

	if _, seen := s.dedup.Get(ev.ID); seen {
		c.String(http.StatusOK, "deduped")
		return
	}
	claim, ok := s.beginDispatch(ev.ID)
	if !ok {
		// A concurrent delivery of the same id is mid-dispatch.
		c.String(http.StatusOK, "deduped")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.Timeouts.WebhookAckTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		err := s.dispatcher.HandleEvent(ctx, ev)
		// Mark processed even when routing found no taker, so tracker
		// retries stay idempotent. A dispatch that overran the ack budget
		// leaves no mark; the tracker's retry is dispatched again. The
		// mark lands before the claim clears so a concurrent duplicate
		// always sees one or the other.
		if ctx.Err() == nil {
			s.dedup.Add(ev.ID, time.Now())
		}
		s.endDispatch(ev.ID, claim)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			s.logger.Debug("Webhook event not routed",
				"event_id", ev.ID, "type", ev.Type, "error", err)
		}
		c.String(http.StatusOK, "ok")

	case <-ctx.Done():
		// Release the claim with the 504 so the tracker's retry is
		// dispatched rather than answered from a dispatch that was
		// already abandoned.
		s.endDispatch(ev.ID, claim)
		s.logger.Warn("Webhook dispatch exceeded ack budget",
			"event_id", ev.ID, "type", ev.Type, "budget", s.cfg.Timeouts.WebhookAckTimeout)
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "dispatch timeout"})
	}
}

// beginDispatch claims the event id for dispatching. Reports false when
// another delivery of the same id is already in flight.
func (s *Server) beginDispatch(id string) (uint64, bool) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return 0, false
	}
	s.nextClaim++
	s.inflight[id] = s.nextClaim
	return s.nextClaim, true
}

// endDispatch releases a claim. A stale claim (already released at the ack
// deadline and since re-claimed by a retry) is left alone.
func (s *Server) endDispatch(id string, claim uint64) {
	s.inflightMu.Lock()
	if s.inflight[id] == claim {
		delete(s.inflight, id)
	}
	s.inflightMu.Unlock()
}

func parseWebhook(body []byte) (models.WebhookEvent, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return models.WebhookEvent{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.ID == "" || env.Type == "" {
		return models.WebhookEvent{}, errors.New("webhook missing id or type")
	}

	var payload webhookPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return models.WebhookEvent{}, fmt.Errorf("decoding payload: %w", err)
		}
	}

	return models.WebhookEvent{
		ID:        env.ID,
		Type:      models.WebhookEventType(env.Type),
		Action:    env.Action,
		Timestamp: env.Timestamp,
		IssueID:   payload.IssueID,
		Issue:     payload.Issue,
		Comment:   payload.Comment,
		NewState:  payload.NewState,
		Signal:    payload.Signal,
	}, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{"status": "healthy"}
	if s.health != nil {
		resp["manager"] = s.health.Health()
	}
	c.JSON(http.StatusOK, resp)
}
