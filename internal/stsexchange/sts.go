// Package stsexchange implements the RFC 8693 token-exchange and
// refresh_token grants against Google's Security Token Service, and the
// client-authentication conventions external-account credentials layer
// on top of it.
package stsexchange

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
)

const (
	// GrantTypeTokenExchange is the RFC 8693 token-exchange grant type.
	GrantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
	// TokenTypeAccessToken is the requested_token_type for access tokens.
	TokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"

	grantTypeRefreshToken = "refresh_token"
)

// ClientAuthentication describes how the caller authenticates itself to
// the token endpoint. A zero-value ClientAuthentication (empty
// ClientID) disables client authentication.
type ClientAuthentication struct {
	AuthStyle    oauth2.AuthStyle
	ClientID     string
	ClientSecret string
}

func (c ClientAuthentication) enabled() bool {
	return c.ClientID != ""
}

func (c ClientAuthentication) injectHeader(header http.Header) {
	if !c.enabled() {
		return
	}
	plain := c.ClientID + ":" + c.ClientSecret
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(plain)))
}

// TokenExchangeRequest is the set of inputs for a token-exchange grant.
type TokenExchangeRequest struct {
	ActingParty struct {
		ActorToken     string
		ActorTokenType string
	}
	GrantType          string
	Resource           string
	Audience           string
	Scope              []string
	RequestedTokenType string
	SubjectToken       string
	SubjectTokenType   string
}

// Response is the decoded wire response of a successful STS exchange,
// per RFC 8693 §2.2.1.
type Response struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int64  `json:"expires_in"`
	Scope           string `json:"scope"`
	RefreshToken    string `json:"refresh_token"`
}

// Error is an OAuthError: a structured error returned by the token
// endpoint, preserved verbatim per RFC 6749 §5.2.
type Error struct {
	ErrorCode        string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorURI         string `json:"error_uri"`
}

func (e *Error) Error() string {
	if e.ErrorDescription == "" {
		return fmt.Sprintf("byoid-go: got error code %s from token endpoint", e.ErrorCode)
	}
	return fmt.Sprintf("byoid-go: got error code %s from token endpoint: %s", e.ErrorCode, e.ErrorDescription)
}

// ExchangeToken performs the token-exchange grant against tokenURL.
func ExchangeToken(ctx context.Context, client *http.Client, tokenURL string, req *TokenExchangeRequest, auth ClientAuthentication, headers http.Header, options map[string]interface{}) (*Response, error) {
	data := url.Values{}
	data.Set("audience", req.Audience)
	data.Set("grant_type", GrantTypeTokenExchange)
	data.Set("requested_token_type", TokenTypeAccessToken)
	data.Set("subject_token_type", req.SubjectTokenType)
	data.Set("subject_token", req.SubjectToken)
	if len(req.Scope) > 0 {
		data.Set("scope", strings.Join(req.Scope, " "))
	}
	if len(options) > 0 {
		opts, err := json.Marshal(options)
		if err != nil {
			return nil, fmt.Errorf("byoid-go: failed to marshal options: %w", err)
		}
		data.Set("options", string(opts))
	}
	return doTokenRequest(ctx, client, tokenURL, data, auth, headers)
}

// RefreshToken performs a refresh_token grant against tokenURL.
func RefreshToken(ctx context.Context, client *http.Client, tokenURL, refreshToken string, auth ClientAuthentication, headers http.Header) (*Response, error) {
	data := url.Values{}
	data.Set("grant_type", grantTypeRefreshToken)
	data.Set("refresh_token", refreshToken)
	return doTokenRequest(ctx, client, tokenURL, data, auth, headers)
}

func doTokenRequest(ctx context.Context, client *http.Client, tokenURL string, data url.Values, auth ClientAuthentication, headers http.Header) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("byoid-go: failed to build STS request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	auth.injectHeader(httpReq.Header)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("byoid-go: invalid response from Secure Token Server: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("byoid-go: failed to read STS response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		oauthErr := &Error{}
		if jsonErr := json.Unmarshal(body, oauthErr); jsonErr != nil || oauthErr.ErrorCode == "" {
			return nil, fmt.Errorf("byoid-go: status code %d: %s", resp.StatusCode, string(body))
		}
		return nil, oauthErr
	}

	stsResp := &Response{}
	if err := json.Unmarshal(body, stsResp); err != nil {
		return nil, fmt.Errorf("byoid-go: failed to unmarshal STS response: %w", err)
	}
	if stsResp.AccessToken == "" {
		return nil, fmt.Errorf("byoid-go: got invalid response from Secure Token Server: missing access_token")
	}
	if !hasExpiresIn(body) {
		return nil, fmt.Errorf("byoid-go: got invalid response from Secure Token Server: missing expires_in")
	}
	if stsResp.ExpiresIn < 0 {
		return nil, fmt.Errorf("byoid-go: got invalid expiry from Secure Token Server")
	}
	return stsResp, nil
}

// hasExpiresIn reports whether the raw response body carries an
// expires_in field at all, distinguishing "absent" (a protocol error,
// see SPEC_FULL.md's Open Question resolution) from "present and zero".
func hasExpiresIn(body []byte) bool {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return false
	}
	v, ok := raw["expires_in"]
	if !ok {
		return false
	}
	_, err := strconv.ParseInt(string(v), 10, 64)
	return err == nil
}
