// Package keyring reads and writes secrets in the platform keychain.
//
// Platform requirements:
//   - macOS: Uses Keychain via Security framework (works out of the box)
//   - Linux: Requires libsecret (GNOME), kwallet (KDE), or pass (CLI)
//   - Windows: Uses Windows Credential Manager (works out of the box)
//
// On hosts without a keychain every call fails with ErrUnavailable, and
// callers fall through to their next source.
package keyring

import (
	"errors"
	"fmt"
	"os"
	"os/user"

	"github.com/zalando/go-keyring"
)

var (
	// ErrNotFound is returned when the entry does not exist.
	ErrNotFound = errors.New("keychain entry not found")

	// ErrUnavailable is returned when no keychain backend is reachable.
	ErrUnavailable = errors.New("keychain unavailable")
)

// Backend is a single secret slot.
type Backend interface {
	Get() (string, error)
	Set(secret string) error
	Name() string
}

// Keychain is a Backend for one service/account pair.
type Keychain struct {
	Service string
	Account string
}

// New returns a Keychain for service, using the current user as account.
// CORRAL_KEYRING_SERVICE overrides service so tests can use an isolated entry.
func New(service string) *Keychain {
	if s := os.Getenv("CORRAL_KEYRING_SERVICE"); s != "" {
		service = s
	}
	return &Keychain{Service: service, Account: currentUser()}
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "corral"
}

// Get returns the stored secret.
func (k *Keychain) Get() (string, error) {
	secret, err := keyring.Get(k.Service, k.Account)
	if err != nil {
		return "", classify("keychain get", err)
	}
	return secret, nil
}

// Set replaces the stored secret.
func (k *Keychain) Set(secret string) error {
	if err := keyring.Set(k.Service, k.Account, secret); err != nil {
		return classify("keychain set", err)
	}
	return nil
}

// Name describes the backend for logs.
func (k *Keychain) Name() string {
	return "system keychain (" + k.Service + ")"
}

func classify(op string, err error) error {
	if errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if errors.Is(err, keyring.ErrUnsupportedPlatform) {
		return fmt.Errorf("%s: %w", op, ErrUnavailable)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
