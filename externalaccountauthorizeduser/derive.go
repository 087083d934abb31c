package externalaccountauthorizeduser

import "time"

// WithQuotaProject returns a fresh Credentials with QuotaProjectID set
// to quotaProjectID. The derivation shares no mutable state with the
// receiver: it carries the receiver's current access and refresh token
// as its seed, but refreshes independently thereafter.
func (c *Credentials) WithQuotaProject(quotaProjectID string) (*Credentials, error) {
	cfg, seedToken, seedExpiry, hasToken, refreshToken := c.snapshot()
	cfg.QuotaProjectID = quotaProjectID
	cfg.RefreshToken = refreshToken
	if hasToken {
		cfg.Token, cfg.Expiry = seedToken, seedExpiry
	}
	return NewCredentials(cfg)
}

// WithTokenURI returns a fresh Credentials with TokenURL set to
// tokenURL.
func (c *Credentials) WithTokenURI(tokenURL string) (*Credentials, error) {
	cfg, seedToken, seedExpiry, hasToken, refreshToken := c.snapshot()
	cfg.TokenURL = tokenURL
	cfg.RefreshToken = refreshToken
	if hasToken {
		cfg.Token, cfg.Expiry = seedToken, seedExpiry
	}
	return NewCredentials(cfg)
}

func (c *Credentials) snapshot() (cfg Config, token string, expiry time.Time, hasToken bool, refreshToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config, c.token, c.expiry, c.hasToken, c.refreshToken
}
