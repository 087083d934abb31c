package externalaccount

// WithScopes returns a fresh Credentials with scopes (and, optionally,
// defaultScopes) replacing the current ones. The derivation shares no
// mutable state with the receiver (invariant I5): its token/expiry
// cache starts empty, so the first use triggers its own refresh.
func (c *Credentials) WithScopes(scopes []string, defaultScopes ...string) (*Credentials, error) {
	cfg := c.config
	cfg.Scopes = append([]string(nil), scopes...)
	if len(defaultScopes) > 0 {
		cfg.DefaultScopes = append([]string(nil), defaultScopes...)
	}
	return newCredentials(cfg, c.enforceAllowlist)
}

// WithQuotaProject returns a fresh Credentials with QuotaProjectID set
// to quotaProjectID.
func (c *Credentials) WithQuotaProject(quotaProjectID string) (*Credentials, error) {
	cfg := c.config
	cfg.QuotaProjectID = quotaProjectID
	return newCredentials(cfg, c.enforceAllowlist)
}

// WithTokenURL returns a fresh Credentials with TokenURL set to
// tokenURL. tokenURL is re-validated against the STS allow-list.
func (c *Credentials) WithTokenURL(tokenURL string) (*Credentials, error) {
	cfg := c.config
	cfg.TokenURL = tokenURL
	return newCredentials(cfg, c.enforceAllowlist)
}
