package credential

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/subosito/gotenv"
	"golang.org/x/sync/singleflight"

	"github.com/majorcontext/corral/internal/config"
	"github.com/majorcontext/corral/internal/credential/keyring"
	"github.com/majorcontext/corral/internal/log"
)

// DefaultCredentialsFile is the Claude CLI's credentials file, relative to
// the home directory.
const DefaultCredentialsFile = ".claude/.credentials.json"

// Resolver finds credentials in, in order: the process environment and the
// deployment .env file, the platform keychain, and the credentials file.
// It is safe for concurrent use and cheap to call before every launch.
type Resolver struct {
	envFile       string
	supplementary []string
	threshold     time.Duration
	cooldown      time.Duration
	lockFile      string
	stores        []blobStore
	refresher     Refresher
	getenv        func(string) string
	now           func() time.Time

	flight      singleflight.Group
	mu          sync.Mutex
	lastAttempt time.Time
}

// NewResolver builds a resolver from configuration.
func NewResolver(cfg *config.Config) *Resolver {
	cc := cfg.Credentials
	credFile := cc.CredentialsFile
	if credFile == "" {
		if home, err := os.UserHomeDir(); err == nil {
			credFile = filepath.Join(home, DefaultCredentialsFile)
		}
	}
	envFile := cc.EnvFile
	if envFile == "" && cfg.ProjectRoot != "" {
		envFile = filepath.Join(cfg.ProjectRoot, ".env")
	}

	var stores []blobStore
	if cc.KeychainService != "" {
		stores = append(stores, &keychainStore{backend: keyring.New(cc.KeychainService)})
	}
	if credFile != "" {
		stores = append(stores, &fileStore{path: credFile})
	}

	return &Resolver{
		envFile:       envFile,
		supplementary: cc.SupplementaryKeys,
		threshold:     cc.RefreshThreshold,
		cooldown:      cc.RefreshCooldown,
		lockFile:      filepath.Join(cfg.DataDir, "credentials.lock"),
		stores:        stores,
		refresher:     &OAuthRefresher{TokenURL: cc.TokenURL, ClientID: cc.ClientID},
		getenv:        os.Getenv,
		now:           time.Now,
	}
}

// Resolve returns the credential for the next sandbox launch. It returns
// a ModeNone credential, not an error, when nothing is configured.
func (r *Resolver) Resolve(ctx context.Context) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}

	dotenv := r.readDotenv()
	lookup := func(key string) (string, Source) {
		if v := r.getenv(key); v != "" {
			return v, SourceEnv
		}
		if v := dotenv[key]; v != "" {
			return v, SourceDotenv
		}
		return "", ""
	}

	extra := make(map[string]string)
	for _, key := range r.supplementary {
		if v, _ := lookup(key); v != "" {
			extra[key] = v
		}
	}

	if v, src := lookup(EnvOAuthToken); v != "" {
		return Credential{Mode: ModeOAuth, Token: v, Source: src, Extra: extra}, nil
	}
	if v, src := lookup(EnvAPIKey); v != "" {
		return Credential{Mode: ModeAPIKey, Token: v, Source: src, Extra: extra}, nil
	}

	for _, store := range r.stores {
		tok, err := r.loadOAuth(ctx, store)
		if err != nil {
			if !errors.Is(err, ErrNotFound) && !errors.Is(err, keyring.ErrUnavailable) {
				log.Warn("reading stored credentials", "source", store.Source(), "error", err)
			}
			continue
		}
		return Credential{
			Mode:      ModeOAuth,
			Token:     tok.AccessToken,
			Source:    store.Source(),
			ExpiresAt: tok.ExpiresAtTime(),
			Extra:     extra,
		}, nil
	}

	return Credential{Mode: ModeNone, Source: SourceNone, Extra: extra}, nil
}

func (r *Resolver) readDotenv() gotenv.Env {
	if r.envFile == "" {
		return nil
	}
	env, err := gotenv.Read(r.envFile)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("reading env file", "path", r.envFile, "error", err)
		}
		return nil
	}
	return env
}

// loadOAuth reads the token from store, refreshing it first when it is
// close to expiry.
func (r *Resolver) loadOAuth(ctx context.Context, store blobStore) (*OAuthToken, error) {
	data, err := store.Load()
	if err != nil {
		return nil, err
	}
	blob, err := parseBlob(data)
	if err != nil {
		return nil, err
	}
	if !blob.token.needsRefresh(r.now(), r.threshold) || blob.token.RefreshToken == "" {
		return blob.token, nil
	}

	v, _, _ := r.flight.Do(string(store.Source()), func() (any, error) {
		return r.refresh(ctx, store, blob), nil
	})
	return v.(*OAuthToken), nil
}

// refresh renews blob's token and writes it back to store. On any failure
// it logs and returns the best token it has.
func (r *Resolver) refresh(ctx context.Context, store blobStore, blob *oauthBlob) *OAuthToken {
	stale := blob.token
	logger := log.With("source", store.Source())

	r.mu.Lock()
	if !r.lastAttempt.IsZero() && r.now().Sub(r.lastAttempt) < r.cooldown {
		r.mu.Unlock()
		logger.Debug("token refresh skipped during cool-down")
		return stale
	}
	r.lastAttempt = r.now()
	r.mu.Unlock()

	unlock, err := lockPath(r.lockFile)
	if err != nil {
		logger.Warn("token refresh lock failed", "error", err)
		return stale
	}
	defer unlock()

	// Another process may have refreshed while we waited for the lock.
	if data, err := store.Load(); err == nil {
		if current, err := parseBlob(data); err == nil {
			blob = current
			if !current.token.needsRefresh(r.now(), r.threshold) {
				return current.token
			}
		}
	}

	tok, err := r.refresher.Refresh(ctx, blob.token.RefreshToken)
	if err != nil {
		logger.Warn("token refresh failed, using existing token", "error", err)
		return blob.token
	}

	updated := *blob.token
	updated.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		updated.RefreshToken = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		updated.ExpiresAt = tok.Expiry.UnixMilli()
	}
	blob.token = &updated

	data, err := blob.marshal()
	if err != nil {
		logger.Warn("encoding refreshed token", "error", err)
		return &updated
	}
	if err := store.Save(data); err != nil {
		logger.Warn("saving refreshed token", "error", err)
	} else {
		logger.Info("refreshed OAuth token", "expires_at", updated.ExpiresAtTime())
	}
	return &updated
}
