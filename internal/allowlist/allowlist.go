// Package allowlist implements the host allow-listing rules the
// external-account credential applies to the STS token endpoint and the
// IAM-credentials impersonation endpoint before ever issuing a request
// to them.
//
// The upstream Go oauth2 trim this package's sibling packages are based
// on explicitly does not perform this check (see its package doc: "this
// library does not perform any validation on the token_url ... or
// service_account_impersonation_url fields"). The Python original this
// specification was distilled from does, and callers that accept
// credential configuration from an untrusted source (a downloaded JSON
// file, an environment variable) need it, so it is implemented here.
package allowlist

import (
	"net/url"
	"regexp"
	"strings"
)

// STS is the allow-listed host pattern set for the Security Token
// Service token exchange endpoint.
var STS = patterns("sts")

// IAMCredentials is the allow-listed host pattern set for the
// IAM-credentials service-account impersonation endpoint.
var IAMCredentials = patterns("iamcredentials")

func patterns(service string) []*regexp.Regexp {
	region := `[a-z0-9-]+`
	return []*regexp.Regexp{
		regexp.MustCompile(`^` + service + `\.googleapis\.com$`),
		regexp.MustCompile(`^.*\.` + service + `\.googleapis\.com$`),
		regexp.MustCompile(`^` + service + `\.` + region + `\.googleapis\.com$`),
		regexp.MustCompile(`^` + region + `-` + service + `\.googleapis\.com$`),
		regexp.MustCompile(`^` + service + `-` + region + `\.p\.googleapis\.com$`),
	}
}

// IsValid reports whether rawURL is an https URL whose lowercased
// hostname matches at least one of patterns. A url containing internal
// whitespace is rejected outright, before any parsing, as a guard
// against encoded-space bypasses of the scheme/host checks below.
func IsValid(patterns []*regexp.Regexp, rawURL string) bool {
	if rawURL == "" {
		return false
	}
	if strings.ContainsAny(rawURL, " \t\n\r\v\f") {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme != "https" || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, p := range patterns {
		if p.MatchString(host) {
			return true
		}
	}
	return false
}
