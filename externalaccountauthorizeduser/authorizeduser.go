// Package externalaccountauthorizeduser implements the
// external_account_authorized_user credential: an OAuth user credential
// sourced via Workforce Identity Federation, authorized with a stored
// refresh token rather than a subject-token supplier.
//
// Unlike externalaccount, this credential represents a human resource
// owner: IsUser always reports true, scopes are fixed at the token's
// original grant (RequiresScopes is always false), and there is no
// project to report (GetProjectID always returns "").
package externalaccountauthorizeduser

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/googleapis/byoid-go/internal/clock"
	"github.com/googleapis/byoid-go/internal/stsexchange"
)

const credentialType = "external_account_authorized_user"

const tokenValiditySkew = 10 * time.Second

// ConfigError is raised at construction time for missing required
// fields. ConfigErrors are never retried.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return "byoid-go: " + e.Message
}

// RefreshError is any runtime failure to obtain a token: STS non-2xx or
// an otherwise invalid response.
type RefreshError struct {
	Message string
	Cause   error
}

func (e *RefreshError) Error() string {
	if e.Cause != nil {
		return "byoid-go: " + e.Message + ": " + e.Cause.Error()
	}
	return "byoid-go: " + e.Message
}

func (e *RefreshError) Unwrap() error {
	return e.Cause
}

// Config is the immutable configuration for an authorized-user
// credential. Construct a Credentials from it with NewCredentials.
type Config struct {
	Audience       string
	RefreshToken   string
	TokenURL       string
	TokenInfoURL   string
	ClientID       string
	ClientSecret   string
	RevokeURL      string
	QuotaProjectID string

	// Token and Expiry seed an already-valid access token, as when
	// re-hydrating a credential from a previously serialized Info
	// blob. Both zero means the first Token/Refresh call performs an
	// exchange before returning.
	Token  string
	Expiry time.Time

	// HTTPClient is the injected HTTP request capability. If nil,
	// http.DefaultClient is used.
	HTTPClient *http.Client
	// Clock is the injected time source. If nil, a real UTC clock is
	// used.
	Clock clock.Clock
	// Logger receives structured diagnostics. A nil Logger disables
	// logging entirely; no token material is ever logged.
	Logger *zap.Logger
}

func (c Config) clock() clock.Clock {
	if c.Clock != nil {
		return c.Clock
	}
	return clock.Real{}
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c Config) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

// Credentials is an external_account_authorized_user credential. The
// zero value is not usable; construct with NewCredentials.
type Credentials struct {
	config Config

	mu           sync.Mutex
	token        string
	expiry       time.Time
	hasToken     bool
	refreshToken string
	refreshing   *sync.WaitGroup
}

// NewCredentials validates cfg and constructs a Credentials. The
// refresh token and the STS token endpoint are both required; an
// initial access token is optional.
func NewCredentials(cfg Config) (*Credentials, error) {
	if cfg.Audience == "" {
		return nil, configErrorf("audience is required")
	}
	if cfg.RefreshToken == "" {
		return nil, configErrorf("refresh_token is required")
	}
	if cfg.TokenURL == "" {
		return nil, configErrorf("token_url is required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, configErrorf("client_id and client_secret are required")
	}

	c := &Credentials{
		config:       cfg,
		refreshToken: cfg.RefreshToken,
	}
	if cfg.Token != "" && !cfg.Expiry.IsZero() {
		c.token, c.expiry, c.hasToken = cfg.Token, cfg.Expiry, true
	}
	return c, nil
}

func configErrorf(format string, args ...interface{}) error {
	return &ConfigError{Message: fmt.Sprintf(format, args...)}
}

func refreshErrorf(cause error, format string, args ...interface{}) error {
	return &RefreshError{Message: fmt.Sprintf(format, args...), Cause: cause}
}

// IsUser always reports true: this credential always represents a
// resource owner, never a workload.
func (c *Credentials) IsUser() bool { return true }

// RequiresScopes always reports false: scopes are fixed by the initial
// grant and cannot be changed after the fact.
func (c *Credentials) RequiresScopes() bool { return false }

// GetProjectID always returns "", nil: this credential carries no
// project association.
func (c *Credentials) GetProjectID(ctx context.Context) (string, error) {
	return "", nil
}

// Valid reports whether the credential currently holds a token that has
// not yet expired, minus a small skew margin.
func (c *Credentials) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validLocked()
}

func (c *Credentials) validLocked() bool {
	return c.hasToken && c.config.clock().Now().Before(c.expiry.Add(-tokenValiditySkew))
}

// Refresh performs a refresh_token grant against TokenURL using HTTP
// Basic client-auth, unconditionally, regardless of whether the current
// token is still valid. On success the access token and expiry are
// updated; if the response carries a new refresh_token, the stored one
// is rotated to match (the old one is otherwise reused verbatim). The
// credential's prior state is retained if the refresh fails.
func (c *Credentials) Refresh(ctx context.Context) (*oauth2.Token, error) {
	c.mu.Lock()
	refreshToken := c.refreshToken
	c.mu.Unlock()

	now := c.config.clock().Now()
	auth := stsexchange.ClientAuthentication{
		AuthStyle:    oauth2.AuthStyleInHeader,
		ClientID:     c.config.ClientID,
		ClientSecret: c.config.ClientSecret,
	}

	resp, err := stsexchange.RefreshToken(ctx, c.config.httpClient(), c.config.TokenURL, refreshToken, auth, nil)
	if err != nil {
		return nil, refreshErrorf(err, "unable to refresh access token")
	}

	tok := &oauth2.Token{
		AccessToken: resp.AccessToken,
		TokenType:   resp.TokenType,
		Expiry:      now.Add(time.Duration(resp.ExpiresIn) * time.Second),
	}

	c.mu.Lock()
	c.token, c.expiry, c.hasToken = tok.AccessToken, tok.Expiry, true
	if resp.RefreshToken != "" {
		c.refreshToken = resp.RefreshToken
	}
	c.mu.Unlock()

	return tok, nil
}

// Token returns the current valid token, performing a single-flight
// refresh if needed. Concurrent callers share one in-flight refresh
// rather than issuing redundant exchanges.
func (c *Credentials) Token(ctx context.Context) (*oauth2.Token, error) {
	c.mu.Lock()
	if c.validLocked() {
		tok := &oauth2.Token{AccessToken: c.token, Expiry: c.expiry, TokenType: "Bearer"}
		c.mu.Unlock()
		return tok, nil
	}
	if c.refreshing != nil {
		wg := c.refreshing
		c.mu.Unlock()
		wg.Wait()
		return c.Token(ctx)
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	c.refreshing = wg
	c.mu.Unlock()

	tok, err := c.Refresh(ctx)

	c.mu.Lock()
	c.refreshing = nil
	c.mu.Unlock()
	wg.Done()

	return tok, err
}

// TokenSource adapts the Credentials to oauth2.TokenSource for use with
// the wider oauth2 ecosystem (e.g. oauth2.NewClient).
func (c *Credentials) TokenSource(ctx context.Context) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, tokenSourceFunc(func() (*oauth2.Token, error) {
		return c.Token(ctx)
	}))
}

type tokenSourceFunc func() (*oauth2.Token, error)

func (f tokenSourceFunc) Token() (*oauth2.Token, error) { return f() }

// BeforeRequest sets the Authorization header (and, if configured, the
// x-goog-user-project header) on req using the current valid token,
// refreshing first if necessary.
func (c *Credentials) BeforeRequest(ctx context.Context, req *http.Request) error {
	tok, err := c.Token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	if c.config.QuotaProjectID != "" {
		req.Header.Set("x-goog-user-project", c.config.QuotaProjectID)
	}
	return nil
}

// Revoke invalidates the credential's refresh token at RevokeURL, if
// configured. A credential with no RevokeURL cannot be revoked and
// Revoke returns a ConfigError.
func (c *Credentials) Revoke(ctx context.Context) error {
	if c.config.RevokeURL == "" {
		return configErrorf("revoke_url is not configured for this credential")
	}
	c.mu.Lock()
	refreshToken := c.refreshToken
	c.mu.Unlock()

	data := "client_id=" + c.config.ClientID + "&token=" + refreshToken
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.RevokeURL, strings.NewReader(data))
	if err != nil {
		return refreshErrorf(err, "unable to build revoke request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.config.httpClient().Do(req)
	if err != nil {
		return refreshErrorf(err, "unable to revoke credential")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return refreshErrorf(nil, "revoke request failed with status %d", resp.StatusCode)
	}
	return nil
}
