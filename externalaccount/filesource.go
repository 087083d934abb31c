package externalaccount

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
)

type fileCredentialSource struct {
	path   string
	format Format
}

func (f *fileCredentialSource) sourceType() string { return "file" }

func (f *fileCredentialSource) subjectToken(ctx context.Context) (string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", refreshErrorf(err, "failed to read subject token file %s", f.path)
	}
	return extractSubjectToken(data, f.format, f.path)
}

type urlCredentialSource struct {
	url        string
	headers    map[string]string
	format     Format
	httpClient *http.Client
}

func (u *urlCredentialSource) sourceType() string { return "url" }

func (u *urlCredentialSource) subjectToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.url, nil)
	if err != nil {
		return "", refreshErrorf(err, "failed to build subject token request for %s", u.url)
	}
	for k, v := range u.headers {
		req.Header.Set(k, v)
	}
	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", refreshErrorf(err, "failed to fetch subject token from %s", u.url)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", refreshErrorf(err, "failed to read subject token response from %s", u.url)
	}

	if resp.StatusCode != http.StatusOK {
		return "", refreshErrorf(nil, "subject token URL %s returned status %d: %s", u.url, resp.StatusCode, string(body))
	}
	return extractSubjectToken(body, u.format, u.url)
}

// extractSubjectToken applies the text/json format contract shared by
// file- and URL-sourced credentials (spec §4.3.1/§4.3.2).
func extractSubjectToken(data []byte, format Format, source string) (string, error) {
	if format.Type == "" || format.Type == FileTypeText {
		if len(data) == 0 {
			return "", refreshErrorf(nil, "subject token source %s produced an empty token", source)
		}
		return string(data), nil
	}
	if format.Type != FileTypeJSON {
		return "", configErrorf("unsupported credential_source format type %q", format.Type)
	}
	if format.SubjectTokenFieldName == "" {
		return "", configErrorf("format.subject_token_field_name is required for JSON credential sources")
	}

	var parsed map[string]json.RawMessage
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", refreshErrorf(err, "failed to parse subject token JSON from %s", source)
	}
	raw, ok := parsed[format.SubjectTokenFieldName]
	if !ok {
		return "", refreshErrorf(nil, "subject token field %q not found in %s", format.SubjectTokenFieldName, source)
	}
	var token string
	if err := json.Unmarshal(raw, &token); err != nil {
		return "", refreshErrorf(err, "subject token field %q in %s is not a string", format.SubjectTokenFieldName, source)
	}
	if token == "" {
		return "", refreshErrorf(nil, "subject token field %q in %s is empty", format.SubjectTokenFieldName, source)
	}
	return token, nil
}
