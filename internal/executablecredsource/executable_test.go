package executablecredsource

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/googleapis/byoid-go/internal/clock"
)

func withExecAllowed(t *testing.T) {
	t.Helper()
	old, had := os.LookupEnv(allowExecutablesEnvVar)
	os.Setenv(allowExecutablesEnvVar, "1")
	t.Cleanup(func() {
		if had {
			os.Setenv(allowExecutablesEnvVar, old)
		} else {
			os.Unsetenv(allowExecutablesEnvVar)
		}
	})
}

func TestSubjectToken_GateBlocksWithoutOptIn(t *testing.T) {
	os.Unsetenv(allowExecutablesEnvVar)
	src, err := New(&Config{Command: "/bin/true"}, Options{})
	require.NoError(t, err)
	_, err = src.SubjectToken(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), allowExecutablesEnvVar)
	var cfgErr *ConfigError
	assert.True(t, errors.As(err, &cfgErr), "gate failure must be a ConfigError, got %T: %v", err, err)
}

func TestNew_RejectsOutOfRangeTimeout(t *testing.T) {
	bad := 1000
	_, err := New(&Config{Command: "/bin/true", TimeoutMillis: &bad}, Options{})
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.True(t, errors.As(err, &cfgErr), "out-of-range timeout must be a ConfigError, got %T: %v", err, err)
}

func TestNew_InteractiveRequiresOutputFile(t *testing.T) {
	_, err := New(&Config{Command: "/bin/true"}, Options{Interactive: true})
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.True(t, errors.As(err, &cfgErr), "interactive-requires-output_file must be a ConfigError, got %T: %v", err, err)
}

func TestNew_RejectsMissingCommand(t *testing.T) {
	_, err := New(&Config{}, Options{})
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.True(t, errors.As(err, &cfgErr), "missing command must be a ConfigError, got %T: %v", err, err)
}

func TestSubjectToken_CachedOutputFileFastPath(t *testing.T) {
	withExecAllowed(t)
	dir := t.TempDir()
	outFile := filepath.Join(dir, "token.json")
	fake := &clock.Fake{T: time.Unix(1000, 0)}
	body, _ := json.Marshal(map[string]interface{}{
		"version":         1,
		"success":         true,
		"token_type":      "urn:ietf:params:oauth:token-type:jwt",
		"id_token":        "cached-jwt",
		"expiration_time": 2000,
	})
	require.NoError(t, os.WriteFile(outFile, body, 0600))

	src, err := New(&Config{Command: "/bin/false", OutputFile: outFile}, Options{Clock: fake})
	require.NoError(t, err)

	tok, err := src.SubjectToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cached-jwt", tok)
}

func TestSubjectToken_ExpiredCacheFallsThroughToExecution(t *testing.T) {
	withExecAllowed(t)
	dir := t.TempDir()
	outFile := filepath.Join(dir, "token.json")
	fake := &clock.Fake{T: time.Unix(5000, 0)}
	body, _ := json.Marshal(map[string]interface{}{
		"version":         1,
		"success":         true,
		"token_type":      "urn:ietf:params:oauth:token-type:jwt",
		"id_token":        "stale-jwt",
		"expiration_time": 1000,
	})
	require.NoError(t, os.WriteFile(outFile, body, 0600))

	src, err := New(&Config{Command: "/bin/false", OutputFile: outFile}, Options{Clock: fake})
	require.NoError(t, err)

	_, err = src.SubjectToken(context.Background())
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.False(t, errors.As(err, &cfgErr), "an expired cache entry should fall through to execution, not surface as a ConfigError")
}

// TestSubjectToken_MalformedCachePropagatesConfigError verifies that a
// cached output_file present on disk but missing a required field
// (success) is reported as a ConfigError directly, without re-running
// the configured command. The command is pointed at a script that
// would produce a detectably different token if it were ever
// executed, proving the cache short-circuit never falls through here.
func TestSubjectToken_MalformedCachePropagatesConfigError(t *testing.T) {
	withExecAllowed(t)
	dir := t.TempDir()
	outFile := filepath.Join(dir, "token.json")
	fake := &clock.Fake{T: time.Unix(1000, 0)}
	body, _ := json.Marshal(map[string]interface{}{
		"version":    1,
		"token_type": "urn:ietf:params:oauth:token-type:jwt",
	})
	require.NoError(t, os.WriteFile(outFile, body, 0600))

	script := writeScript(t, `echo '{"version":1,"success":true,"token_type":"urn:ietf:params:oauth:token-type:jwt","id_token":"ran-the-command","expiration_time":2000}'`)
	src, err := New(&Config{Command: script, OutputFile: outFile}, Options{Clock: fake})
	require.NoError(t, err)

	_, err = src.SubjectToken(context.Background())
	require.Error(t, err)
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr), "missing 'success' in cached payload must surface as a ConfigError, got %T: %v", err, err)
	assert.NotContains(t, err.Error(), "ran-the-command")
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "run.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0700))
	return path
}

func TestSubjectToken_NonZeroExitIsRefreshError(t *testing.T) {
	withExecAllowed(t)
	fake := &clock.Fake{T: time.Unix(1000, 0)}
	script := writeScript(t, "echo 'bad auth'\nexit 2")
	src, err := New(&Config{Command: script}, Options{Clock: fake})
	require.NoError(t, err)

	_, err = src.SubjectToken(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2")
	assert.Contains(t, err.Error(), "bad auth")
	var cfgErr *ConfigError
	assert.False(t, errors.As(err, &cfgErr), "a non-zero exit is a transient failure, not a ConfigError")
}

func TestSubjectToken_SuccessfulExecution(t *testing.T) {
	withExecAllowed(t)
	fake := &clock.Fake{T: time.Unix(1000, 0)}
	script := writeScript(t, `echo '{"version":1,"success":true,"token_type":"urn:ietf:params:oauth:token-type:jwt","id_token":"live-jwt","expiration_time":2000}'`)
	src, err := New(&Config{Command: script}, Options{Clock: fake})
	require.NoError(t, err)

	tok, err := src.SubjectToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "live-jwt", tok)
}
