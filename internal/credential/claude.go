package credential

import (
	"encoding/json"
	"fmt"
	"time"
)

// oauthKey is the field holding the OAuth token in the stored blob.
const oauthKey = "claudeAiOauth"

// OAuthToken is the token record stored by the Claude CLI.
type OAuthToken struct {
	AccessToken      string   `json:"accessToken"`
	RefreshToken     string   `json:"refreshToken"`
	ExpiresAt        int64    `json:"expiresAt"` // Unix timestamp in milliseconds
	Scopes           []string `json:"scopes"`
	SubscriptionType string   `json:"subscriptionType,omitempty"`
	RateLimitTier    string   `json:"rateLimitTier,omitempty"`
}

// ExpiresAtTime returns the expiration time. A zero ExpiresAt means the
// token does not expire.
func (t *OAuthToken) ExpiresAtTime() time.Time {
	if t.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(t.ExpiresAt)
}

// needsRefresh reports whether the token expires within threshold of now.
func (t *OAuthToken) needsRefresh(now time.Time, threshold time.Duration) bool {
	exp := t.ExpiresAtTime()
	return !exp.IsZero() && exp.Sub(now) <= threshold
}

// oauthBlob is the stored document. Fields other than the OAuth token are
// kept verbatim so a write-back does not drop them.
type oauthBlob struct {
	fields map[string]json.RawMessage
	token  *OAuthToken
}

func parseBlob(data []byte) (*oauthBlob, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}
	raw, ok := fields[oauthKey]
	if !ok || string(raw) == "null" {
		return nil, ErrNotFound
	}
	var tok OAuthToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", oauthKey, err)
	}
	if tok.AccessToken == "" {
		return nil, ErrNotFound
	}
	return &oauthBlob{fields: fields, token: &tok}, nil
}

func (b *oauthBlob) marshal() ([]byte, error) {
	raw, err := json.Marshal(b.token)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(b.fields))
	for k, v := range b.fields {
		out[k] = v
	}
	out[oauthKey] = raw
	return json.MarshalIndent(out, "", "  ")
}
