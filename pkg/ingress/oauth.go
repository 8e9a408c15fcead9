package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/issueflow/issueflow/pkg/config"
)

// OAuth flow errors.
var (
	ErrOAuthNotConfigured = errors.New("oauth client credentials not configured")
	ErrAuthExpired        = errors.New("authorization flow expired")
)

// Credentials is the resolved outcome of an authorization flow.
type Credentials struct {
	AccessToken   string `json:"accessToken"`
	WorkspaceID   string `json:"workspaceId"`
	WorkspaceName string `json:"workspaceName"`
}

// PendingAuth is one in-flight authorization. Credentials receives exactly
// one value on success; the channel closes unresolved on expiry.
type PendingAuth struct {
	State        string
	AuthorizeURL string
	Credentials  <-chan Credentials
}

// OAuthFlow implements the authorization-code exchange. The state parameter
// doubles as the CSRF token and the pending-flow key.
type OAuthFlow struct {
	clientID     string
	clientSecret string
	baseURL      string // OAuth endpoint base; the brokering proxy when set
	stateTTL     time.Duration
	pendingTTL   time.Duration
	client       *http.Client
	logger       *slog.Logger

	mu      sync.Mutex
	states  map[string]time.Time // state → expiry
	pending map[string]chan Credentials
}

// NewOAuthFlow builds the flow from process configuration.
func NewOAuthFlow(cfg config.Config, logger *slog.Logger) *OAuthFlow {
	return &OAuthFlow{
		clientID:     cfg.OAuthClientID,
		clientSecret: cfg.OAuthClientSecret,
		baseURL:      strings.TrimRight(cfg.ProxyURL, "/"),
		stateTTL:     cfg.Timeouts.OAuthStateTTL,
		pendingTTL:   cfg.Timeouts.OAuthPendingTTL,
		client:       &http.Client{Timeout: cfg.Timeouts.NetworkTimeout},
		logger:       logger.With("component", "oauth"),
		states:       make(map[string]time.Time),
		pending:      make(map[string]chan Credentials),
	}
}

// OverrideHTTPClientForTest swaps the token-exchange client.
func (f *OAuthFlow) OverrideHTTPClientForTest(c *http.Client) { f.client = c }

// Begin registers a new authorization flow and returns its authorize URL
// plus the channel the credentials will arrive on. The flow auto-expires
// after the pending TTL.
func (f *OAuthFlow) Begin() (PendingAuth, error) {
	if f.clientID == "" || f.clientSecret == "" {
		return PendingAuth{}, ErrOAuthNotConfigured
	}
	if f.baseURL == "" {
		return PendingAuth{}, ErrOAuthNotConfigured
	}

	state := uuid.New().String()
	ch := make(chan Credentials, 1)

	f.mu.Lock()
	f.states[state] = time.Now().Add(f.stateTTL)
	f.pending[state] = ch
	f.mu.Unlock()

	time.AfterFunc(f.pendingTTL, func() { f.expire(state) })

	q := url.Values{}
	q.Set("client_id", f.clientID)
	q.Set("response_type", "code")
	q.Set("state", state)

	return PendingAuth{
		State:        state,
		AuthorizeURL: f.baseURL + "/oauth/authorize?" + q.Encode(),
		Credentials:  ch,
	}, nil
}

// expire closes a pending flow that never resolved. The CSRF state stays
// valid for its own TTL so a late callback gets a clean error instead of a
// CSRF rejection.
func (f *OAuthFlow) expire(state string) {
	f.mu.Lock()
	ch, ok := f.pending[state]
	if ok {
		delete(f.pending, state)
	}
	f.mu.Unlock()
	if ok {
		close(ch)
	}
}

// handleAuthorize starts a browser flow: register a pending authorization
// and redirect to the provider.
func (f *OAuthFlow) handleAuthorize(c *gin.Context) {
	auth, err := f.Begin()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.Redirect(http.StatusFound, auth.AuthorizeURL)
}

// handleCallback validates the CSRF state, exchanges the code, and delivers
// credentials to the pending waiter.
func (f *OAuthFlow) handleCallback(c *gin.Context) {
	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code and state are required"})
		return
	}

	if !f.consumeState(state) {
		c.JSON(http.StatusForbidden, gin.H{"error": "unknown or expired state"})
		return
	}

	creds, err := f.exchange(c.Request.Context(), code)
	if err != nil {
		f.logger.Error("Token exchange failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "token exchange failed"})
		return
	}

	f.deliver(state, creds)
	c.JSON(http.StatusOK, creds)
}

// consumeState validates and removes a CSRF state. One use per state.
func (f *OAuthFlow) consumeState(state string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	expiry, ok := f.states[state]
	if !ok {
		return false
	}
	delete(f.states, state)
	return time.Now().Before(expiry)
}

func (f *OAuthFlow) deliver(state string, creds Credentials) {
	f.mu.Lock()
	ch, ok := f.pending[state]
	if ok {
		delete(f.pending, state)
	}
	f.mu.Unlock()
	if !ok {
		return
	}
	ch <- creds
	close(ch)
}

// tokenResponse is the provider's token endpoint reply.
type tokenResponse struct {
	AccessToken   string `json:"access_token"`
	WorkspaceID   string `json:"workspace_id"`
	WorkspaceName string `json:"workspace_name"`
}

// exchange swaps an authorization code for credentials with the standard
// form-encoded token request.
func (f *OAuthFlow) exchange(ctx context.Context, code string) (Credentials, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", f.clientID)
	form.Set("client_secret", f.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		f.baseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return Credentials{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.client.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Credentials{}, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return Credentials{}, fmt.Errorf("decoding token response: %w", err)
	}
	if tok.AccessToken == "" {
		return Credentials{}, errors.New("token response missing access_token")
	}

	return Credentials{
		AccessToken:   tok.AccessToken,
		WorkspaceID:   tok.WorkspaceID,
		WorkspaceName: tok.WorkspaceName,
	}, nil
}
