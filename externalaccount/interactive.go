package externalaccount

import (
	"context"

	"github.com/googleapis/byoid-go/internal/executablecredsource"
)

// SupportsInteractive reports whether this credential can run its
// executable supplier in interactive mode: spec §4.3.3 requires an
// output_file and a workforce-pool audience.
func (c *Credentials) SupportsInteractive() bool {
	return c.execCfg != nil && c.execCfg.OutputFile != "" && isWorkforceAudience(c.config.Audience)
}

func (c *Credentials) interactiveSupplier() (*executablecredsource.Source, error) {
	c.interactiveOnce.Do(func() {
		if !c.SupportsInteractive() {
			c.interactiveErr = configErrorf("interactive mode requires an output_file and a workforce-pool audience")
			return
		}
		src, err := executablecredsource.New(
			&executablecredsource.Config{
				Command:                  c.execCfg.Command,
				TimeoutMillis:            c.execCfg.TimeoutMillis,
				InteractiveTimeoutMillis: c.execCfg.InteractiveTimeoutMillis,
				OutputFile:               c.execCfg.OutputFile,
			},
			executablecredsource.Options{
				Audience:           c.config.Audience,
				SubjectTokenType:   c.config.SubjectTokenType,
				ImpersonationEmail: serviceAccountEmail(c.config.ServiceAccountImpersonationURL),
				Interactive:        true,
				Clock:              c.config.clock(),
				Logger:             c.config.logger(),
			},
		)
		if err != nil {
			c.interactiveErr = wrapExecutableError(err)
			return
		}
		c.interactiveSrc = src
	})
	return c.interactiveSrc, c.interactiveErr
}

// RefreshInteractive performs a refresh using the executable supplier in
// interactive mode: standard input/output are inherited from the
// current process, and the token is read back from output_file.
func (c *Credentials) RefreshInteractive(ctx context.Context) (string, error) {
	src, err := c.interactiveSupplier()
	if err != nil {
		return "", err
	}
	tok, err := src.SubjectToken(ctx)
	if err != nil {
		return "", wrapExecutableError(err)
	}
	return tok, nil
}

// Revoke invokes the executable supplier's revocation hook. Only valid
// for interactive executable-sourced credentials.
func (c *Credentials) Revoke(ctx context.Context) error {
	src, err := c.interactiveSupplier()
	if err != nil {
		return err
	}
	if err := src.Revoke(ctx); err != nil {
		return wrapExecutableError(err)
	}
	return nil
}
