package ingress

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issueflow/issueflow/pkg/config"
)

// tokenServer fakes the provider's token endpoint.
func tokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "authorization_code", r.FormValue("grant_type"))
		require.Equal(t, "client-1", r.FormValue("client_id"))

		if r.FormValue("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"access_token": "tok-123",
			"workspace_id": "ws-1",
			"workspace_name": "Acme"
		}`))
	}))
}

func oauthFlow(t *testing.T, baseURL string) *OAuthFlow {
	t.Helper()
	cfg := config.Default()
	cfg.OAuthClientID = "client-1"
	cfg.OAuthClientSecret = "secret-1"
	cfg.ProxyURL = baseURL
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewOAuthFlow(cfg, logger)
}

func callbackRouter(f *OAuthFlow) http.Handler {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/callback", f.handleCallback)
	router.GET("/oauth/authorize", f.handleAuthorize)
	return router
}

func TestOAuthCallbackResolvesPendingFlow(t *testing.T) {
	ts := tokenServer(t)
	defer ts.Close()
	f := oauthFlow(t, ts.URL)

	auth, err := f.Begin()
	require.NoError(t, err)
	assert.Contains(t, auth.AuthorizeURL, "state="+auth.State)
	assert.Contains(t, auth.AuthorizeURL, "client_id=client-1")

	q := url.Values{}
	q.Set("code", "good-code")
	q.Set("state", auth.State)
	req := httptest.NewRequest(http.MethodGet, "/callback?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	callbackRouter(f).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"accessToken":"tok-123"`)
	assert.Contains(t, rec.Body.String(), `"workspaceId":"ws-1"`)
	assert.Contains(t, rec.Body.String(), `"workspaceName":"Acme"`)

	select {
	case creds, ok := <-auth.Credentials:
		require.True(t, ok)
		assert.Equal(t, "tok-123", creds.AccessToken)
		assert.Equal(t, "ws-1", creds.WorkspaceID)
	case <-time.After(time.Second):
		t.Fatal("pending flow never resolved")
	}
}

func TestOAuthCallbackRejectsUnknownState(t *testing.T) {
	ts := tokenServer(t)
	defer ts.Close()
	f := oauthFlow(t, ts.URL)

	req := httptest.NewRequest(http.MethodGet, "/callback?code=good-code&state=bogus", nil)
	rec := httptest.NewRecorder()
	callbackRouter(f).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestOAuthStateIsSingleUse(t *testing.T) {
	ts := tokenServer(t)
	defer ts.Close()
	f := oauthFlow(t, ts.URL)

	auth, err := f.Begin()
	require.NoError(t, err)

	target := "/callback?code=good-code&state=" + auth.State
	rec := httptest.NewRecorder()
	callbackRouter(f).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	callbackRouter(f).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestOAuthCallbackSurfacesExchangeFailure(t *testing.T) {
	ts := tokenServer(t)
	defer ts.Close()
	f := oauthFlow(t, ts.URL)

	auth, err := f.Begin()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/callback?code=bad-code&state="+auth.State, nil)
	rec := httptest.NewRecorder()
	callbackRouter(f).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestOAuthPendingFlowExpires(t *testing.T) {
	ts := tokenServer(t)
	defer ts.Close()
	f := oauthFlow(t, ts.URL)
	f.pendingTTL = 20 * time.Millisecond

	auth, err := f.Begin()
	require.NoError(t, err)

	select {
	case _, ok := <-auth.Credentials:
		assert.False(t, ok, "expired flow should close unresolved")
	case <-time.After(time.Second):
		t.Fatal("pending flow never expired")
	}
}

func TestOAuthBeginRequiresConfiguration(t *testing.T) {
	cfg := config.Default()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := NewOAuthFlow(cfg, logger)

	_, err := f.Begin()
	assert.ErrorIs(t, err, ErrOAuthNotConfigured)
}

func TestOAuthAuthorizeRedirects(t *testing.T) {
	ts := tokenServer(t)
	defer ts.Close()
	f := oauthFlow(t, ts.URL)

	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize", nil)
	rec := httptest.NewRecorder()
	callbackRouter(f).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), ts.URL+"/oauth/authorize?")
}
