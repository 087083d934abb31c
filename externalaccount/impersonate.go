package externalaccount

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// impersonateSource is C7: it exchanges a source credential's access
// token for a delegated service-account token at the IAM-credentials
// generateAccessToken endpoint.
type impersonateSource struct {
	source  *Credentials
	url     string
	scopes  []string
	lifetime int
}

const defaultImpersonationLifetimeSeconds = 3600

// newImpersonateSource wraps source for impersonation. source must not
// itself be configured for impersonation: the spec forbids recursive
// impersonation by construction (depth-1 only).
func newImpersonateSource(source *Credentials, url string, scopes []string, lifetimeSeconds int) (*impersonateSource, error) {
	if source.impersonate != nil {
		return nil, configErrorf("service account impersonation cannot be chained")
	}
	lifetime := lifetimeSeconds
	if lifetime == 0 {
		lifetime = defaultImpersonationLifetimeSeconds
	}
	return &impersonateSource{source: source, url: url, scopes: scopes, lifetime: lifetime}, nil
}

type impersonateRequestBody struct {
	Scope    []string `json:"scope"`
	Lifetime string   `json:"lifetime"`
}

type impersonateResponseBody struct {
	AccessToken string `json:"accessToken"`
	ExpireTime  string `json:"expireTime"`
}

func (s *impersonateSource) refresh(ctx context.Context) (*oauth2.Token, error) {
	sourceToken, err := s.source.Token(ctx)
	if err != nil {
		return nil, refreshErrorf(err, "unable to acquire impersonated credentials")
	}

	reqBody, err := json.Marshal(impersonateRequestBody{
		Scope:    s.scopes,
		Lifetime: fmt.Sprintf("%ds", s.lifetime),
	})
	if err != nil {
		return nil, refreshErrorf(err, "unable to acquire impersonated credentials")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, strings.NewReader(string(reqBody)))
	if err != nil {
		return nil, refreshErrorf(err, "unable to acquire impersonated credentials")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+sourceToken.AccessToken)
	httpReq.Header.Set("x-goog-api-client", metricsHeader(s.source.config, s.source.supplier.sourceType()))

	resp, err := s.source.config.httpClient().Do(httpReq)
	if err != nil {
		return nil, refreshErrorf(err, "unable to acquire impersonated credentials")
	}
	defer resp.Body.Close()

	var body impersonateResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, refreshErrorf(err, "unable to acquire impersonated credentials")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || body.AccessToken == "" {
		return nil, refreshErrorf(nil, "unable to acquire impersonated credentials: status %d", resp.StatusCode)
	}

	expiry, err := time.Parse(time.RFC3339, body.ExpireTime)
	if err != nil {
		return nil, refreshErrorf(err, "unable to acquire impersonated credentials: invalid expireTime")
	}

	return &oauth2.Token{AccessToken: body.AccessToken, TokenType: "Bearer", Expiry: expiry}, nil
}
