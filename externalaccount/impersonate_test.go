package externalaccount

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario 3: impersonation chain.
func TestRefresh_ImpersonationChain(t *testing.T) {
	path := writeTextFile(t, "street123")

	sts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"S-AT","token_type":"Bearer","expires_in":3600}`))
	}))
	defer sts.Close()

	var iamURL string
	iam := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer S-AT", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"accessToken":"I-AT","expireTime":"2030-01-01T00:00:00Z"}`))
	}))
	defer iam.Close()
	iamURL = iam.URL + "/v1/projects/-/serviceAccounts/sa@p.iam.gserviceaccount.com:generateAccessToken"

	creds, err := newCredentials(Config{
		Audience:                           "aud",
		SubjectTokenType:                   "urn:ietf:params:oauth:token-type:jwt",
		TokenURL:                           sts.URL,
		CredentialSource:                   &CredentialSource{File: path},
		ServiceAccountImpersonationURL:     iamURL,
		ServiceAccountImpersonationOptions: ImpersonationOptions{TokenLifetimeSeconds: 1800},
	}, false)
	require.NoError(t, err)

	tok, err := creds.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "I-AT", tok.AccessToken)
	assert.Equal(t, "sa@p.iam.gserviceaccount.com", creds.ServiceAccountEmail())
}

func TestImpersonation_RejectsChaining(t *testing.T) {
	path := writeTextFile(t, "abc")
	cfg := Config{
		Audience:                       "aud",
		SubjectTokenType:               "urn:ietf:params:oauth:token-type:jwt",
		CredentialSource:               &CredentialSource{File: path},
		ServiceAccountImpersonationURL: "https://iamcredentials.googleapis.com/v1/projects/-/serviceAccounts/sa@p.iam.gserviceaccount.com:generateAccessToken",
	}
	creds, err := NewCredentials(cfg)
	require.NoError(t, err)
	require.NotNil(t, creds.impersonate)

	_, err = newImpersonateSource(creds, cfg.ServiceAccountImpersonationURL, nil, 0)
	require.Error(t, err)
}
