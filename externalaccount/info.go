package externalaccount

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const credentialType = "external_account"

// jsonConfig is the wire shape of an external_account credential JSON
// file/blob (spec §6).
type jsonConfig struct {
	Type                               string                `json:"type"`
	Audience                           string                `json:"audience"`
	SubjectTokenType                   string                `json:"subject_token_type"`
	TokenURL                           string                `json:"token_url"`
	TokenInfoURL                       string                `json:"token_info_url,omitempty"`
	ServiceAccountImpersonationURL     string                `json:"service_account_impersonation_url,omitempty"`
	ServiceAccountImpersonation        *ImpersonationOptions `json:"service_account_impersonation,omitempty"`
	CredentialSource                   *CredentialSource     `json:"credential_source"`
	ClientID                           string                `json:"client_id,omitempty"`
	ClientSecret                       string                `json:"client_secret,omitempty"`
	QuotaProjectID                     string                `json:"quota_project_id,omitempty"`
	WorkforcePoolUserProject           string                `json:"workforce_pool_user_project,omitempty"`
}

// ConfigFromJSON parses a serialized external_account credential
// configuration. Scopes are not part of the serialized form: callers
// that need non-default scopes should apply WithScopes to the result.
func ConfigFromJSON(data []byte) (*Config, error) {
	var raw jsonConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("byoid-go: failed to parse credential JSON: %w", err)
	}
	if raw.Type != credentialType {
		return nil, fmt.Errorf("byoid-go: expected credential type %q, got %q", credentialType, raw.Type)
	}
	cfg := &Config{
		Audience:                 raw.Audience,
		SubjectTokenType:         raw.SubjectTokenType,
		TokenURL:                 raw.TokenURL,
		TokenInfoURL:             raw.TokenInfoURL,
		ServiceAccountImpersonationURL: raw.ServiceAccountImpersonationURL,
		CredentialSource:         raw.CredentialSource,
		ClientID:                 raw.ClientID,
		ClientSecret:             raw.ClientSecret,
		QuotaProjectID:           raw.QuotaProjectID,
		WorkforcePoolUserProject: raw.WorkforcePoolUserProject,
	}
	if raw.ServiceAccountImpersonation != nil {
		cfg.ServiceAccountImpersonationOptions = *raw.ServiceAccountImpersonation
	}
	return cfg, nil
}

// ConfigFromFile reads and parses a credential configuration file, per
// spec's from_file lifecycle entry point.
func ConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("byoid-go: failed to read credential file %s: %w", path, err)
	}
	return ConfigFromJSON(data)
}

// Info returns the JSON-serializable configuration map for this
// credential, the inverse of ConfigFromJSON (spec's `info`/`to_json`).
// SubjectTokenSupplier-style injected capabilities have no JSON
// representation and are never part of the result.
func (c *Credentials) Info() map[string]interface{} {
	cfg := c.config
	info := map[string]interface{}{
		"type":               credentialType,
		"audience":           cfg.Audience,
		"subject_token_type": cfg.SubjectTokenType,
		"token_url":          cfg.TokenURL,
	}
	if cfg.TokenInfoURL != "" {
		info["token_info_url"] = cfg.TokenInfoURL
	}
	if cfg.ServiceAccountImpersonationURL != "" {
		info["service_account_impersonation_url"] = cfg.ServiceAccountImpersonationURL
		if cfg.ServiceAccountImpersonationOptions.TokenLifetimeSeconds != 0 {
			info["service_account_impersonation"] = map[string]interface{}{
				"token_lifetime_seconds": cfg.ServiceAccountImpersonationOptions.TokenLifetimeSeconds,
			}
		}
	}
	if cfg.CredentialSource != nil {
		info["credential_source"] = cfg.CredentialSource
	}
	if cfg.ClientID != "" {
		info["client_id"] = cfg.ClientID
	}
	if cfg.ClientSecret != "" {
		info["client_secret"] = cfg.ClientSecret
	}
	if cfg.QuotaProjectID != "" {
		info["quota_project_id"] = cfg.QuotaProjectID
	}
	if cfg.WorkforcePoolUserProject != "" {
		info["workforce_pool_user_project"] = cfg.WorkforcePoolUserProject
	}
	return info
}

// IsUser reports whether this credential represents an end user rather
// than a workload. External account credentials are never user
// credentials; that role belongs to externalaccountauthorizeduser.
func (c *Credentials) IsUser() bool { return false }

// ServiceAccountEmail returns the target principal embedded in the
// impersonation URL, or "" when impersonation is not configured.
func (c *Credentials) ServiceAccountEmail() string {
	return serviceAccountEmail(c.config.ServiceAccountImpersonationURL)
}

func serviceAccountEmail(impersonationURL string) string {
	if impersonationURL == "" {
		return ""
	}
	const suffix = ":generateAccessToken"
	idx := strings.LastIndex(impersonationURL, suffix)
	if idx < 0 {
		return ""
	}
	withoutSuffix := impersonationURL[:idx]
	slash := strings.LastIndex(withoutSuffix, "/")
	if slash < 0 {
		return ""
	}
	return withoutSuffix[slash+1:]
}
