package credential

import (
	"errors"
	"fmt"
	"os"

	"github.com/majorcontext/corral/internal/atomicfile"
	"github.com/majorcontext/corral/internal/credential/keyring"
)

// blobStore is a place an OAuth blob can be read from and written back to.
type blobStore interface {
	Load() ([]byte, error)
	Save(data []byte) error
	Source() Source
}

type keychainStore struct {
	backend keyring.Backend
}

func (k *keychainStore) Load() ([]byte, error) {
	secret, err := k.backend.Get()
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return []byte(secret), nil
}

func (k *keychainStore) Save(data []byte) error {
	return k.backend.Set(string(data))
}

func (k *keychainStore) Source() Source { return SourceKeychain }

type fileStore struct {
	path string
}

func (f *fileStore) Load() ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading %s: %w", f.path, err)
	}
	return data, nil
}

func (f *fileStore) Save(data []byte) error {
	return atomicfile.WriteFile(f.path, data, 0600)
}

func (f *fileStore) Source() Source { return SourceFile }
