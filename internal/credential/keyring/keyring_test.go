package keyring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestKeychainRoundTrip(t *testing.T) {
	keyring.MockInit()
	k := &Keychain{Service: "corral-test", Account: "tester"}

	_, err := k.Get()
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, k.Set(`{"claudeAiOauth":{}}`))
	got, err := k.Get()
	require.NoError(t, err)
	assert.Equal(t, `{"claudeAiOauth":{}}`, got)
}

func TestKeychainUnavailable(t *testing.T) {
	keyring.MockInitWithError(keyring.ErrUnsupportedPlatform)
	t.Cleanup(keyring.MockInit)
	k := &Keychain{Service: "corral-test", Account: "tester"}

	_, err := k.Get()
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, k.Set("x"), ErrUnavailable)
}

func TestNewHonorsServiceOverride(t *testing.T) {
	t.Setenv("CORRAL_KEYRING_SERVICE", "corral-isolated")
	k := New("Claude Code-credentials")
	assert.Equal(t, "corral-isolated", k.Service)
	assert.NotEmpty(t, k.Account)
}
