// Package externalaccount implements credentials that exchange an
// external subject token for a short-lived Google Cloud access token at
// Google's Security Token Service, optionally followed by service
// account impersonation.
//
// This package descends from golang.org/x/oauth2/google/externalaccount,
// generalized to cover file-, URL-, and executable-sourced subject
// tokens, workforce pools, service-account impersonation, and
// JSON-serializable credential configuration.
package externalaccount

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/googleapis/byoid-go/internal/allowlist"
	"github.com/googleapis/byoid-go/internal/clock"
	"github.com/googleapis/byoid-go/internal/executablecredsource"
	"github.com/googleapis/byoid-go/internal/stsexchange"
)

const defaultTokenURL = "https://sts.googleapis.com/v1/token"

var workforceAudiencePattern = regexp.MustCompile(`^//iam\.googleapis\.com/locations/[^/]+/workforcePools/`)

func isWorkforceAudience(audience string) bool {
	return workforceAudiencePattern.MatchString(audience)
}

// Subject token file/URL formats.
const (
	FileTypeText = "text"
	FileTypeJSON = "json"
)

// Format describes how to extract a subject token from a file- or
// URL-sourced credential's raw content.
type Format struct {
	// Type is "text" (default) or "json".
	Type string `json:"type,omitempty"`
	// SubjectTokenFieldName is required when Type is "json".
	SubjectTokenFieldName string `json:"subject_token_field_name,omitempty"`
}

// ExecutableConfig is the credential_source.executable JSON shape.
type ExecutableConfig struct {
	Command                  string `json:"command"`
	TimeoutMillis            *int   `json:"timeout_millis,omitempty"`
	InteractiveTimeoutMillis *int   `json:"interactive_timeout_millis,omitempty"`
	OutputFile               string `json:"output_file,omitempty"`
}

// CredentialSource describes where the subject token comes from.
// Exactly one of File, URL, Executable must be set.
type CredentialSource struct {
	File string `json:"file,omitempty"`

	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	Executable *ExecutableConfig `json:"executable,omitempty"`

	// EnvironmentID is reserved for the AWS credential variant, which
	// this package does not implement; any non-empty value is a
	// ConfigError.
	EnvironmentID string `json:"environment_id,omitempty"`

	Format Format `json:"format,omitempty"`
}

// ImpersonationOptions mirrors service_account_impersonation_options.
type ImpersonationOptions struct {
	TokenLifetimeSeconds int `json:"token_lifetime_seconds,omitempty"`
}

// Config is the immutable configuration for an external account
// credential. Construct a Credentials from it with NewCredentials.
type Config struct {
	Audience                            string
	SubjectTokenType                    string
	TokenURL                            string
	TokenInfoURL                        string
	ServiceAccountImpersonationURL      string
	ServiceAccountImpersonationOptions  ImpersonationOptions
	ClientID                            string
	ClientSecret                        string
	CredentialSource                    *CredentialSource
	QuotaProjectID                      string
	Scopes                              []string
	DefaultScopes                       []string
	WorkforcePoolUserProject            string

	// HTTPClient is the injected HTTP request capability (C2). If nil,
	// http.DefaultClient is used.
	HTTPClient *http.Client
	// Clock is the injected time source (C1). If nil, a real UTC clock
	// is used.
	Clock clock.Clock
	// Logger receives structured diagnostics. A nil Logger disables
	// logging entirely; no token material is ever logged.
	Logger *zap.Logger
}

func (c Config) effectiveScopes() []string {
	if len(c.Scopes) > 0 {
		return c.Scopes
	}
	return c.DefaultScopes
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

// subjectTokenSupplier is the internal polymorphism point for C6: file,
// URL, and executable suppliers all implement it.
type subjectTokenSupplier interface {
	subjectToken(ctx context.Context) (string, error)
	sourceType() string
}

// Credentials is the C8 External Account Credential: it owns the
// refresh lifecycle and composes a subject-token supplier, an STS
// exchange, and (optionally) service-account impersonation.
type Credentials struct {
	config Config

	enforceAllowlist bool
	supplier    subjectTokenSupplier
	impersonate *impersonateSource // nil unless impersonation is configured

	execCfg *ExecutableConfig // non-nil only for executable-sourced credentials

	mu         sync.Mutex
	token      string
	expiry     time.Time
	hasToken   bool
	projectID  string
	hasProjectID bool
	refreshing *sync.WaitGroup

	interactiveOnce sync.Once
	interactiveSrc  *executablecredsource.Source
	interactiveErr  error
}

// tokenValiditySkew is the margin subtracted from expiry when deciding
// whether a cached token is still usable (spec invariant I1).
const tokenValiditySkew = 10 * time.Second

// NewCredentials validates cfg and builds a ready-to-use Credentials.
// All ConfigErrors (bad URLs, mutually exclusive/missing credential
// source fields, workforce-only fields on a non-workforce audience,
// out-of-range executable timeouts) are raised here, not lazily on
// first refresh.
func NewCredentials(cfg Config) (*Credentials, error) {
	return newCredentials(cfg, true)
}

// newCredentials is the shared constructor. enforceAllowlist is false
// only in this package's own tests, which talk to httptest.Server
// fixtures that cannot satisfy the https+googleapis.com allow-list;
// production callers always go through NewCredentials.
func newCredentials(cfg Config, enforceAllowlist bool) (*Credentials, error) {
	if cfg.Audience == "" {
		return nil, configErrorf("audience is required")
	}
	if cfg.SubjectTokenType == "" {
		return nil, configErrorf("subject_token_type is required")
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if enforceAllowlist {
		if !allowlist.IsValid(allowlist.STS, cfg.TokenURL) {
			return nil, configErrorf("token_url %q is not an allow-listed Security Token Service endpoint", cfg.TokenURL)
		}
		if cfg.ServiceAccountImpersonationURL != "" && !allowlist.IsValid(allowlist.IAMCredentials, cfg.ServiceAccountImpersonationURL) {
			return nil, configErrorf("service_account_impersonation_url %q is not an allow-listed IAM-credentials endpoint", cfg.ServiceAccountImpersonationURL)
		}
	}
	if cfg.WorkforcePoolUserProject != "" && !isWorkforceAudience(cfg.Audience) {
		return nil, configErrorf("workforce_pool_user_project should not be set for non-workforce pool credentials")
	}

	supplier, err := buildSupplier(cfg)
	if err != nil {
		return nil, err
	}

	creds := &Credentials{config: cfg, supplier: supplier, enforceAllowlist: enforceAllowlist}
	if cfg.CredentialSource.Executable != nil {
		creds.execCfg = cfg.CredentialSource.Executable
	}

	if cfg.ServiceAccountImpersonationURL != "" {
		sourceCfg := cfg
		sourceCfg.ServiceAccountImpersonationURL = ""
		sourceCfg.Scopes = []string{"https://www.googleapis.com/auth/cloud-platform"}
		sourceCreds := &Credentials{config: sourceCfg, supplier: supplier}

		imp, err := newImpersonateSource(sourceCreds, cfg.ServiceAccountImpersonationURL, cfg.effectiveScopes(), cfg.ServiceAccountImpersonationOptions.TokenLifetimeSeconds)
		if err != nil {
			return nil, err
		}
		creds.impersonate = imp
	}

	return creds, nil
}

func buildSupplier(cfg Config) (subjectTokenSupplier, error) {
	src := cfg.CredentialSource
	if src == nil {
		return nil, configErrorf("credential_source is required")
	}
	if src.EnvironmentID != "" {
		return nil, configErrorf("environment_id is not supported; AWS-sourced credentials are out of scope")
	}

	set := 0
	if src.File != "" {
		set++
	}
	if src.URL != "" {
		set++
	}
	if src.Executable != nil {
		set++
	}
	if set == 0 {
		return nil, configErrorf("credential_source must set exactly one of file, url, executable")
	}
	if set > 1 {
		return nil, configErrorf("credential_source must set exactly one of file, url, executable, got %d", set)
	}

	switch {
	case src.File != "":
		return &fileCredentialSource{path: src.File, format: src.Format}, nil
	case src.URL != "":
		return &urlCredentialSource{
			url:        src.URL,
			headers:    src.Headers,
			format:     src.Format,
			httpClient: cfg.httpClient(),
		}, nil
	default:
		execSrc, err := executablecredsource.New(
			&executablecredsource.Config{
				Command:                  src.Executable.Command,
				TimeoutMillis:            src.Executable.TimeoutMillis,
				InteractiveTimeoutMillis: src.Executable.InteractiveTimeoutMillis,
				OutputFile:               src.Executable.OutputFile,
			},
			executablecredsource.Options{
				Audience:           cfg.Audience,
				SubjectTokenType:   cfg.SubjectTokenType,
				ImpersonationEmail: serviceAccountEmail(cfg.ServiceAccountImpersonationURL),
				Interactive:        false,
				Clock:              cfg.clock(),
				Logger:             cfg.logger(),
			},
		)
		if err != nil {
			return nil, wrapExecutableError(err)
		}
		return &executableSupplier{src: execSrc}, nil
	}
}

type executableSupplier struct {
	src *executablecredsource.Source
}

func (e *executableSupplier) subjectToken(ctx context.Context) (string, error) {
	tok, err := e.src.SubjectToken(ctx)
	if err != nil {
		return "", wrapExecutableError(err)
	}
	return tok, nil
}

func (e *executableSupplier) sourceType() string { return "executable" }

// Valid reports whether the credential currently holds a token that has
// not yet expired (minus a small skew margin), per invariant I1.
func (c *Credentials) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validLocked()
}

func (c *Credentials) validLocked() bool {
	return c.hasToken && c.config.clock().Now().Before(c.expiry.Add(-tokenValiditySkew))
}

// Refresh performs a new token exchange (and impersonation hop, if
// configured), unconditionally, regardless of whether the current token
// is still valid. The credential's prior state is retained if the
// refresh fails.
func (c *Credentials) Refresh(ctx context.Context) (*oauth2.Token, error) {
	if c.impersonate != nil {
		tok, err := c.impersonate.refresh(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.token, c.expiry, c.hasToken = tok.AccessToken, tok.Expiry, true
		c.mu.Unlock()
		return tok, nil
	}

	subjectToken, err := c.supplier.subjectToken(ctx)
	if err != nil {
		return nil, err
	}

	now := c.config.clock().Now()
	auth := stsexchange.ClientAuthentication{
		AuthStyle:    oauth2.AuthStyleInHeader,
		ClientID:     c.config.ClientID,
		ClientSecret: c.config.ClientSecret,
	}
	var options map[string]interface{}
	if c.config.WorkforcePoolUserProject != "" && c.config.ClientID == "" {
		options = map[string]interface{}{"userProject": c.config.WorkforcePoolUserProject}
	}

	header := make(http.Header)
	header.Set("x-goog-api-client", metricsHeader(c.config, c.supplier.sourceType()))

	stsResp, err := stsexchange.ExchangeToken(ctx, c.config.httpClient(), c.config.TokenURL, &stsexchange.TokenExchangeRequest{
		GrantType:          stsexchange.GrantTypeTokenExchange,
		Audience:           c.config.Audience,
		Scope:              c.config.effectiveScopes(),
		RequestedTokenType: stsexchange.TokenTypeAccessToken,
		SubjectToken:       subjectToken,
		SubjectTokenType:   c.config.SubjectTokenType,
	}, auth, header, options)
	if err != nil {
		return nil, refreshErrorf(err, "unable to exchange subject token for an access token")
	}

	tok := &oauth2.Token{
		AccessToken: stsResp.AccessToken,
		TokenType:   stsResp.TokenType,
		Expiry:      now.Add(time.Duration(stsResp.ExpiresIn) * time.Second),
	}

	c.mu.Lock()
	c.token, c.expiry, c.hasToken = tok.AccessToken, tok.Expiry, true
	c.mu.Unlock()
	return tok, nil
}

// Token returns the current valid token, performing a single-flight
// refresh if needed. Concurrent callers share one in-flight refresh
// rather than issuing redundant exchanges (spec §5 shared-resource
// policy).
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

func metricsHeader(cfg Config, sourceType string) string {
	return fmt.Sprintf("gl-go/%s auth/unknown google-byoid-sdk source/%s sa-impersonation/%t config-lifetime/%t",
		goVersion(),
		sourceType,
		cfg.ServiceAccountImpersonationURL != "",
		cfg.ServiceAccountImpersonationOptions.TokenLifetimeSeconds != 0,
	)
}

func goVersion() string {
	return runtime.Version()
}
