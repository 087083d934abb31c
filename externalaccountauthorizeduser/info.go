package externalaccountauthorizeduser

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// jsonConfig is the wire shape of an external_account_authorized_user
// credential JSON file/blob.
type jsonConfig struct {
	Type           string `json:"type"`
	Audience       string `json:"audience"`
	RefreshToken   string `json:"refresh_token"`
	TokenURL       string `json:"token_url"`
	TokenInfoURL   string `json:"token_info_url,omitempty"`
	ClientID       string `json:"client_id"`
	ClientSecret   string `json:"client_secret"`
	Token          string `json:"token,omitempty"`
	Expiry         string `json:"expiry,omitempty"`
	RevokeURL      string `json:"revoke_url,omitempty"`
	QuotaProjectID string `json:"quota_project_id,omitempty"`
}

const expiryLayout = "2006-01-02T15:04:05"

// ConfigFromJSON parses a serialized external_account_authorized_user
// credential configuration.
func ConfigFromJSON(data []byte) (*Config, error) {
	var raw jsonConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("byoid-go: failed to parse credential JSON: %w", err)
	}
	if raw.Type != credentialType {
		return nil, fmt.Errorf("byoid-go: expected credential type %q, got %q", credentialType, raw.Type)
	}
	cfg := &Config{
		Audience:       raw.Audience,
		RefreshToken:   raw.RefreshToken,
		TokenURL:       raw.TokenURL,
		TokenInfoURL:   raw.TokenInfoURL,
		ClientID:       raw.ClientID,
		ClientSecret:   raw.ClientSecret,
		Token:          raw.Token,
		RevokeURL:      raw.RevokeURL,
		QuotaProjectID: raw.QuotaProjectID,
	}
	if raw.Expiry != "" {
		expiry, err := time.Parse(expiryLayout, trimFractionAndZ(raw.Expiry))
		if err != nil {
			return nil, fmt.Errorf("byoid-go: invalid expiry in credential JSON: %w", err)
		}
		cfg.Expiry = expiry
	}
	return cfg, nil
}

// ConfigFromFile reads and parses a credential configuration file.
func ConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("byoid-go: failed to read credential file %s: %w", path, err)
	}
	return ConfigFromJSON(data)
}

// Info returns the JSON-serializable configuration map for this
// credential, the inverse of ConfigFromJSON.
func (c *Credentials) Info() map[string]interface{} {
	c.mu.Lock()
	token, expiry, hasToken, refreshToken := c.token, c.expiry, c.hasToken, c.refreshToken
	c.mu.Unlock()

	cfg := c.config
	info := map[string]interface{}{
		"type":          credentialType,
		"audience":      cfg.Audience,
		"refresh_token": refreshToken,
		"token_url":     cfg.TokenURL,
		"client_id":     cfg.ClientID,
		"client_secret": cfg.ClientSecret,
	}
	if cfg.TokenInfoURL != "" {
		info["token_info_url"] = cfg.TokenInfoURL
	}
	if hasToken {
		info["token"] = token
		info["expiry"] = expiry.Format(expiryLayout) + "Z"
	}
	if cfg.RevokeURL != "" {
		info["revoke_url"] = cfg.RevokeURL
	}
	if cfg.QuotaProjectID != "" {
		info["quota_project_id"] = cfg.QuotaProjectID
	}
	return info
}

// trimFractionAndZ strips a trailing "Z" and any sub-second fraction
// from an RFC3339-ish expiry string, matching the permissive parsing
// the original Python implementation performs.
func trimFractionAndZ(s string) string {
	s = strings.TrimSuffix(s, "Z")
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		s = s[:idx]
	}
	return s
}
