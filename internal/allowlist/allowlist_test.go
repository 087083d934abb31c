package allowlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValid_STS(t *testing.T) {
	cases := map[string]bool{
		"https://sts.googleapis.com/v1/token":                true,
		"https://us-east1.sts.googleapis.com/v1/token":       true,
		"https://sts.us-east1.googleapis.com/v1/token":       true,
		"https://sts-us-east1.p.googleapis.com/v1/token":     true,
		"https://STS.GOOGLEAPIS.COM/v1/token":                true,
		"http://sts.googleapis.com/v1/token":                 false,
		"https://evil.com/v1/token":                          false,
		"https://sts.googleapis.com.evil.com/v1/token":       false,
		"https://sts .googleapis.com/v1/token":                false,
		"https://sts.googleapis.com/v1/tok en":                false,
		"":                                                    false,
	}
	for in, want := range cases {
		assert.Equalf(t, want, IsValid(STS, in), "input %q", in)
	}
}

func TestIsValid_IAMCredentials(t *testing.T) {
	assert.True(t, IsValid(IAMCredentials, "https://iamcredentials.googleapis.com/v1/x:generateAccessToken"))
	assert.True(t, IsValid(IAMCredentials, "https://us-east1-iamcredentials.p.googleapis.com/v1/x:generateAccessToken"))
	assert.False(t, IsValid(IAMCredentials, "https://sts.googleapis.com/v1/x:generateAccessToken"))
}

func TestIsValid_RejectsWhitespaceBeforeParsing(t *testing.T) {
	assert.False(t, IsValid(STS, "https://sts.googleapis.com/\tv1/token"))
}
