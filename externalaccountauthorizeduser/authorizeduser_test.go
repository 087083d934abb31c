package externalaccountauthorizeduser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/googleapis/byoid-go/internal/clock"
)

func baseConfig(tokenURL string) Config {
	return Config{
		Audience:     "//iam.googleapis.com/locations/global/workforcePools/pool/providers/p",
		RefreshToken: "RT",
		TokenURL:     tokenURL,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
	}
}

// Refresh-token rotation: the request carries the old refresh token,
// but a response that includes a new one replaces the stored token.
func TestRefresh_RotatesRefreshToken(t *testing.T) {
	fake := &clock.Fake{T: time.Unix(100000, 0)}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostFormValue("grant_type"))
		assert.Equal(t, "RT", r.PostFormValue("refresh_token"))
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "client-id", user)
		assert.Equal(t, "client-secret", pass)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"AT2","token_type":"Bearer","expires_in":3600,"refresh_token":"RT2"}`))
	}))
	defer srv.Close()

	cfg := baseConfig(srv.URL)
	cfg.Clock = fake
	creds, err := NewCredentials(cfg)
	require.NoError(t, err)

	tok, err := creds.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AT2", tok.AccessToken)
	assert.Equal(t, fake.Now().Add(3600*time.Second), tok.Expiry)

	info := creds.Info()
	assert.Equal(t, "RT2", info["refresh_token"])
}

// A response with no refresh_token leaves the stored one untouched.
func TestRefresh_NoRotationWhenAbsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"AT","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	creds, err := NewCredentials(baseConfig(srv.URL))
	require.NoError(t, err)

	_, err = creds.Refresh(context.Background())
	require.NoError(t, err)

	info := creds.Info()
	assert.Equal(t, "RT", info["refresh_token"])
}

func TestNewCredentials_RequiresRefreshToken(t *testing.T) {
	cfg := baseConfig("https://sts.googleapis.com/v1/oauth/token")
	cfg.RefreshToken = ""
	_, err := NewCredentials(cfg)
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestNewCredentials_RequiresClientCredentials(t *testing.T) {
	cfg := baseConfig("https://sts.googleapis.com/v1/oauth/token")
	cfg.ClientSecret = ""
	_, err := NewCredentials(cfg)
	require.Error(t, err)
}

func TestCredentials_IdentityProperties(t *testing.T) {
	creds, err := NewCredentials(baseConfig("https://sts.googleapis.com/v1/oauth/token"))
	require.NoError(t, err)

	assert.True(t, creds.IsUser())
	assert.False(t, creds.RequiresScopes())

	projectID, err := creds.GetProjectID(context.Background())
	require.NoError(t, err)
	assert.Empty(t, projectID)
}

func TestInfo_RoundTrip(t *testing.T) {
	data := []byte(`{
		"type": "external_account_authorized_user",
		"audience": "//iam.googleapis.com/locations/global/workforcePools/pool/providers/p",
		"refresh_token": "refreshToken",
		"token_url": "https://sts.googleapis.com/v1/oauth/token",
		"token_info_url": "https://sts.googleapis.com/v1/introspect",
		"client_id": "clientId",
		"client_secret": "clientSecret"
	}`)

	cfg, err := ConfigFromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, "refreshToken", cfg.RefreshToken)
	assert.Equal(t, "clientId", cfg.ClientID)

	creds, err := NewCredentials(*cfg)
	require.NoError(t, err)

	info := creds.Info()
	assert.Equal(t, credentialType, info["type"])
	assert.Equal(t, "refreshToken", info["refresh_token"])
	assert.Equal(t, "clientId", info["client_id"])
}

func TestRevoke_RequiresConfiguredURL(t *testing.T) {
	creds, err := NewCredentials(baseConfig("https://sts.googleapis.com/v1/oauth/token"))
	require.NoError(t, err)

	err = creds.Revoke(context.Background())
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestRevoke_PostsTokenToRevokeURL(t *testing.T) {
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotToken = r.PostFormValue("token")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := baseConfig("https://sts.googleapis.com/v1/oauth/token")
	cfg.RevokeURL = srv.URL
	creds, err := NewCredentials(cfg)
	require.NoError(t, err)

	require.NoError(t, creds.Revoke(context.Background()))
	assert.Equal(t, "RT", gotToken)
}

func TestWithQuotaProject_PreservesRefreshToken(t *testing.T) {
	creds, err := NewCredentials(baseConfig("https://sts.googleapis.com/v1/oauth/token"))
	require.NoError(t, err)

	derived, err := creds.WithQuotaProject("my-project")
	require.NoError(t, err)
	assert.Equal(t, "my-project", derived.config.QuotaProjectID)
	assert.Equal(t, "RT", derived.refreshToken)
}
