package externalaccount

import (
	"errors"
	"fmt"

	"github.com/googleapis/byoid-go/internal/executablecredsource"
)

// ConfigError is raised at construction time: missing required fields,
// disallowed fields, bad URL hostnames, mutually-exclusive credential
// sources, out-of-range timeouts, or a workforce-only field set on a
// workload-identity configuration. ConfigErrors are never retried.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return "byoid-go: " + e.Message
}

// RefreshError is any runtime failure to obtain a token: supplier
// failure, STS non-2xx, impersonation failure, executable non-zero
// exit, an already-expired cached or returned token, or an unsupported
// executable token_type/response version.
type RefreshError struct {
	Message string
	Cause   error
}

func (e *RefreshError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("byoid-go: %s: %s", e.Message, e.Cause)
	}
	return "byoid-go: " + e.Message
}

func (e *RefreshError) Unwrap() error {
	return e.Cause
}

func configErrorf(format string, args ...interface{}) error {
	return &ConfigError{Message: fmt.Sprintf(format, args...)}
}

func refreshErrorf(cause error, format string, args ...interface{}) error {
	return &RefreshError{Message: fmt.Sprintf(format, args...), Cause: cause}
}

// wrapExecutableError classifies an error surfaced by
// internal/executablecredsource into this package's own error taxonomy.
// That package's ConfigError marks a fatal, non-retryable problem (a
// missing opt-in gate, a malformed executable/cached response, bad
// construction-time config) and must cross the package boundary as this
// package's ConfigError rather than collapsing into a RefreshError,
// or a caller doing errors.As(err, &ConfigError{}) to decide whether to
// retry would mis-classify it as transient.
func wrapExecutableError(err error) error {
	if err == nil {
		return nil
	}
	var cfgErr *executablecredsource.ConfigError
	if errors.As(err, &cfgErr) {
		return configErrorf("%s", cfgErr.Message)
	}
	return refreshErrorf(err, "executable credential failed")
}
