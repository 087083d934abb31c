// Package executablecredsource implements the executable-sourced
// ("Pluggable") subject-token supplier: it shells out to a user-
// configured command and parses its stdout (or a cached output file)
// per the schema in SPEC_FULL.md §6.
//
// This is a power-user feature. The GOOGLE_EXTERNAL_ACCOUNT_ALLOW_EXECUTABLES
// opt-in is a sandbox gate, not a security boundary: this package does
// not attempt chroot, seccomp, or any other isolation of the child
// process.
package executablecredsource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/googleapis/byoid-go/internal/clock"
)

const (
	allowExecutablesEnvVar = "GOOGLE_EXTERNAL_ACCOUNT_ALLOW_EXECUTABLES"

	defaultTimeout            = 30 * time.Second
	minTimeout                = 5 * time.Second
	maxTimeout                = 120 * time.Second
	defaultInteractiveTimeout = 300 * time.Second
	minInteractiveTimeout     = 300 * time.Second
	maxInteractiveTimeout     = 1800 * time.Second

	tokenTypeJWT        = "urn:ietf:params:oauth:token-type:jwt"
	tokenTypeIDToken    = "urn:ietf:params:oauth:token-type:id_token"
	tokenTypeSAML2      = "urn:ietf:params:oauth:token-type:saml2"
	maxSupportedVersion = 1
)

// ConfigError marks a fatal, non-retryable problem: bad executable
// configuration at construction time, the missing opt-in environment
// gate, or an executable/cached response too malformed to represent a
// token at all (missing version/success/token_type, or a success=false
// response missing code/message). Callers distinguishing fatal
// configuration problems from transient refresh failures should check
// for this with errors.As rather than treating every SubjectToken error
// as retryable.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return "byoid-go: " + e.Message
}

func configErrorf(format string, args ...interface{}) error {
	return &ConfigError{Message: fmt.Sprintf(format, args...)}
}

// Config mirrors the credential_source.executable JSON shape.
type Config struct {
	Command                  string
	TimeoutMillis            *int
	InteractiveTimeoutMillis *int
	OutputFile               string
}

// Source is a constructed, validated executable subject-token supplier.
type Source struct {
	command            string
	timeout            time.Duration
	interactiveTimeout time.Duration
	outputFile         string

	audience           string
	subjectTokenType   string
	impersonationEmail string
	interactive        bool

	clock  clock.Clock
	logger *zap.Logger
}

// Options carries the credential-level context the executable needs to
// populate its environment and to decide interactivity, independent of
// the per-source executable config.
type Options struct {
	Audience           string
	SubjectTokenType   string
	ImpersonationEmail string
	Interactive        bool
	Clock              clock.Clock
	Logger             *zap.Logger
}

// New validates cfg and opts and returns a ready-to-use Source. It
// performs no I/O: construction-time errors are ConfigErrors (spec §7),
// distinct from the RefreshErrors raised by SubjectToken at run time.
func New(cfg *Config, opts Options) (*Source, error) {
	if cfg == nil || cfg.Command == "" {
		return nil, configErrorf("missing executable command")
	}

	timeout := defaultTimeout
	if cfg.TimeoutMillis != nil {
		timeout = time.Duration(*cfg.TimeoutMillis) * time.Millisecond
		if timeout < minTimeout || timeout > maxTimeout {
			return nil, configErrorf("invalid executable timeout_millis %d: must be between %d and %d", *cfg.TimeoutMillis, minTimeout/time.Millisecond, maxTimeout/time.Millisecond)
		}
	}

	interactiveTimeout := defaultInteractiveTimeout
	if cfg.InteractiveTimeoutMillis != nil {
		interactiveTimeout = time.Duration(*cfg.InteractiveTimeoutMillis) * time.Millisecond
		if interactiveTimeout < minInteractiveTimeout || interactiveTimeout > maxInteractiveTimeout {
			return nil, configErrorf("invalid executable interactive_timeout_millis %d: must be between %d and %d", *cfg.InteractiveTimeoutMillis, minInteractiveTimeout/time.Millisecond, maxInteractiveTimeout/time.Millisecond)
		}
	}

	if opts.Interactive && cfg.OutputFile == "" {
		return nil, configErrorf("interactive mode requires an output_file")
	}

	c := opts.Clock
	if c == nil {
		c = clock.Real{}
	}

	return &Source{
		command:            cfg.Command,
		timeout:            timeout,
		interactiveTimeout: interactiveTimeout,
		outputFile:         cfg.OutputFile,
		audience:           opts.Audience,
		subjectTokenType:   opts.SubjectTokenType,
		impersonationEmail: opts.ImpersonationEmail,
		interactive:        opts.Interactive,
		clock:              c,
		logger:             opts.Logger,
	}, nil
}

func (s *Source) log() *zap.Logger {
	if s.logger == nil {
		return zap.NewNop()
	}
	return s.logger
}

// executableResponse is the JSON schema of the executable's stdout or
// output_file, per SPEC_FULL.md §6.
type executableResponse struct {
	Version        *int   `json:"version"`
	Success        *bool  `json:"success"`
	TokenType      string `json:"token_type"`
	IDToken        string `json:"id_token"`
	SAMLResponse   string `json:"saml_response"`
	ExpirationTime *int64 `json:"expiration_time"`
	Code           string `json:"code"`
	Message        string `json:"message"`
}

// errCacheMiss is an internal sentinel: the cached output_file is
// absent, unparseable, expired, or describes a retryable failure, and
// SubjectToken should fall through to running the command. It never
// escapes this file.
var errCacheMiss = errors.New("executable credential: cache miss")

// SubjectToken executes the configured command (or returns a still-valid
// cached token from output_file) and returns the subject token.
func (s *Source) SubjectToken(ctx context.Context) (string, error) {
	if os.Getenv(allowExecutablesEnvVar) != "1" {
		return "", configErrorf("executables need to be explicitly allowed (set %s to '1') to run", allowExecutablesEnvVar)
	}

	if !s.interactive && s.outputFile != "" {
		tok, err := s.readCachedToken()
		if err == nil {
			s.log().Debug("executable credential: using cached output_file token")
			return tok, nil
		}
		if err != errCacheMiss {
			return "", err
		}
	}

	return s.run(ctx)
}

// readCachedToken attempts the non-interactive fast path: a parseable,
// unexpired output_file. A response that is absent, unparseable,
// expired, or an explicit retryable failure falls through silently
// (errCacheMiss); a response that is present but genuinely malformed —
// missing a field the schema requires — returns its ConfigError so the
// caller propagates it instead of re-running the command.
func (s *Source) readCachedToken() (string, error) {
	data, err := os.ReadFile(s.outputFile)
	if err != nil {
		return "", errCacheMiss
	}
	var resp executableResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", errCacheMiss
	}
	tok, err := s.validateResponse(&resp)
	if err == nil {
		return tok, nil
	}
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return "", err
	}
	return "", errCacheMiss
}

func (s *Source) run(ctx context.Context) (string, error) {
	timeout := s.timeout
	if s.interactive {
		timeout = s.interactiveTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := strings.Fields(s.command)
	if len(args) == 0 {
		return "", configErrorf("empty executable command")
	}
	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Env = append(os.Environ(), s.env()...)

	var stdout bytes.Buffer
	if s.interactive {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stdout
	}

	s.log().Debug("executable credential: spawning subprocess", zap.String("command", args[0]), zap.Bool("interactive", s.interactive))
	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("byoid-go: executable command timed out after %s", timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("byoid-go: executable command failed with exit code %d: %s", exitErr.ExitCode(), stdout.String())
		}
		return "", fmt.Errorf("byoid-go: failed to run executable command: %w", err)
	}

	if s.interactive {
		data, err := os.ReadFile(s.outputFile)
		if err != nil {
			return "", fmt.Errorf("byoid-go: failed to read executable output_file after interactive run: %w", err)
		}
		return s.parseResponse(data)
	}
	return s.parseResponse(stdout.Bytes())
}

func (s *Source) parseResponse(data []byte) (string, error) {
	var resp executableResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("byoid-go: invalid JSON in executable response: %w", err)
	}
	return s.validateResponse(&resp)
}

// validateResponse applies the executable/cached-output_file response
// schema (SPEC_FULL.md §6) and returns the subject token it carries.
// Missing required fields (version, success, a success=false response's
// code/message, the non-interactive+output_file expiration_time, and
// token_type) are ConfigErrors: the payload can never yield a token
// regardless of how many times the command is re-run. An unsupported
// version, an explicit success=false failure, and an expired token are
// ordinary errors: retryable by re-running the command.
func (s *Source) validateResponse(resp *executableResponse) (string, error) {
	if resp.Version == nil {
		return "", configErrorf("executable response missing required field 'version'")
	}
	if *resp.Version > maxSupportedVersion {
		return "", fmt.Errorf("byoid-go: executable response version %d is not supported", *resp.Version)
	}
	if resp.Success == nil {
		return "", configErrorf("executable response missing required field 'success'")
	}
	if !*resp.Success {
		if resp.Code == "" || resp.Message == "" {
			return "", configErrorf("executable response has success=false but is missing code/message")
		}
		return "", fmt.Errorf("byoid-go: executable command failed with code %s: %s", resp.Code, resp.Message)
	}
	if !s.interactive && s.outputFile != "" && resp.ExpirationTime == nil {
		return "", configErrorf("executable response missing required field 'expiration_time'")
	}
	if resp.ExpirationTime != nil && s.clock.Now().Unix() >= *resp.ExpirationTime {
		return "", errors.New("byoid-go: executable response token is already expired")
	}
	if resp.TokenType == "" {
		return "", configErrorf("executable response missing required field 'token_type'")
	}
	return tokenFromParsedResponse(resp)
}

func tokenFromParsedResponse(resp *executableResponse) (string, error) {
	switch resp.TokenType {
	case tokenTypeJWT, tokenTypeIDToken:
		if resp.IDToken == "" {
			return "", errors.New("byoid-go: executable response missing id_token")
		}
		return resp.IDToken, nil
	case tokenTypeSAML2:
		if resp.SAMLResponse == "" {
			return "", errors.New("byoid-go: executable response missing saml_response")
		}
		return resp.SAMLResponse, nil
	default:
		return "", fmt.Errorf("byoid-go: unsupported executable token_type %q", resp.TokenType)
	}
}

func (s *Source) env() []string {
	interactive := "0"
	if s.interactive {
		interactive = "1"
	}
	env := []string{
		"GOOGLE_EXTERNAL_ACCOUNT_AUDIENCE=" + s.audience,
		"GOOGLE_EXTERNAL_ACCOUNT_TOKEN_TYPE=" + s.subjectTokenType,
		"GOOGLE_EXTERNAL_ACCOUNT_ID=" + s.impersonationEmail,
		"GOOGLE_EXTERNAL_ACCOUNT_INTERACTIVE=" + interactive,
		"GOOGLE_EXTERNAL_ACCOUNT_REVOKE=0",
	}
	if s.impersonationEmail != "" {
		env = append(env, "GOOGLE_EXTERNAL_ACCOUNT_IMPERSONATED_EMAIL="+s.impersonationEmail)
	}
	if s.outputFile != "" {
		env = append(env, "GOOGLE_EXTERNAL_ACCOUNT_OUTPUT_FILE="+s.outputFile)
	}
	return env
}

// Revoke re-invokes the executable with REVOKE=1. Only valid in
// interactive mode.
func (s *Source) Revoke(ctx context.Context) error {
	if !s.interactive {
		return errors.New("byoid-go: revoke is only supported for interactive executable credentials")
	}
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	args := strings.Fields(s.command)
	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	env := s.env()
	for i, kv := range env {
		if strings.HasPrefix(kv, "GOOGLE_EXTERNAL_ACCOUNT_REVOKE=") {
			env[i] = "GOOGLE_EXTERNAL_ACCOUNT_REVOKE=1"
		}
	}
	cmd.Env = append(os.Environ(), env...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("byoid-go: revoke command failed with exit code %d: %s", exitErr.ExitCode(), out.String())
		}
		return fmt.Errorf("byoid-go: failed to run revoke command: %w", err)
	}
	return nil
}
