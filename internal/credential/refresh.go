package credential

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/majorcontext/corral/internal/log"
)

// Refresher exchanges a refresh token for a new token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// OAuthRefresher refreshes tokens against an OAuth 2.0 token endpoint.
type OAuthRefresher struct {
	TokenURL   string
	ClientID   string
	HTTPClient *http.Client
}

// Refresh performs a refresh_token grant.
func (o *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("no refresh token")
	}
	cfg := &oauth2.Config{
		ClientID: o.ClientID,
		Endpoint: oauth2.Endpoint{
			TokenURL:  o.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	if o.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, o.HTTPClient)
	}

	// An empty access token forces the source to refresh immediately.
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}
	return tok, nil
}

// RunRefresh resolves credentials every interval so expiring OAuth tokens
// are refreshed ahead of the next launch. It returns when ctx is done.
func (r *Resolver) RunRefresh(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			cred, err := r.Resolve(refreshCtx)
			cancel()
			if err != nil {
				log.Debug("credential refresh failed", "error", err)
				continue
			}
			if cred.Mode == ModeOAuth {
				log.Debug("credential refresh tick", "source", cred.Source, "expires_at", cred.ExpiresAt)
			}
		}
	}
}
