// Package credential resolves the authentication material a sandbox needs
// and keeps OAuth tokens fresh.
package credential

import (
	"errors"
	"time"
)

// Mode is the kind of primary credential.
type Mode string

const (
	ModeAPIKey Mode = "api-key"
	ModeOAuth  Mode = "oauth"
	ModeNone   Mode = "none"
)

// Source records where a credential was found.
type Source string

const (
	SourceEnv      Source = "env"
	SourceDotenv   Source = "dotenv"
	SourceKeychain Source = "keychain"
	SourceFile     Source = "file"
	SourceNone     Source = "none"
)

// Environment variables carrying primary credentials.
const (
	EnvOAuthToken = "CLAUDE_CODE_OAUTH_TOKEN"
	EnvAPIKey     = "ANTHROPIC_API_KEY"
)

// ErrNotFound is returned by a source that holds no usable credential.
var ErrNotFound = errors.New("credential not found")

// Credential is an immutable snapshot resolved for one sandbox launch.
// Refreshing updates the backing store, never an existing snapshot.
type Credential struct {
	Mode      Mode
	Token     string
	Source    Source
	ExpiresAt time.Time
	// Extra holds supplementary API keys passed through to the sandbox.
	Extra map[string]string
}

// Env returns the variables to expose to the sandbox.
func (c Credential) Env() map[string]string {
	env := make(map[string]string, len(c.Extra)+1)
	for k, v := range c.Extra {
		env[k] = v
	}
	switch c.Mode {
	case ModeOAuth:
		env[EnvOAuthToken] = c.Token
	case ModeAPIKey:
		env[EnvAPIKey] = c.Token
	}
	return env
}

// Redacted returns the token with all but its last four characters masked.
func (c Credential) Redacted() string {
	if len(c.Token) <= 4 {
		return "****"
	}
	return "****" + c.Token[len(c.Token)-4:]
}
