package lnencrypt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// secretFilePerms are the permissions of the on-disk secret. Nobody but the
// daemon's user may read it.
const secretFilePerms = 0600

// KeyStore is the local secure store of the root secret. The secret never
// leaves the device except through an explicit, out of band export.
type KeyStore interface {
	// LoadSecret returns the stored secret, or ErrNoKey if none exists.
	LoadSecret() (Secret, error)

	// StoreSecret persists the secret, replacing any existing one.
	StoreSecret(Secret) error
}

// HasSecret reports whether the keystore currently holds a secret.
func HasSecret(ks KeyStore) (bool, error) {
	_, err := ks.LoadSecret()
	switch {
	case errors.Is(err, ErrNoKey):
		return false, nil

	case err != nil:
		return false, err
	}

	return true, nil
}

// EncrypterFromStore loads the secret and derives an Encrypter from it.
func EncrypterFromStore(ks KeyStore) (*Encrypter, error) {
	secret, err := ks.LoadSecret()
	if err != nil {
		return nil, err
	}

	return NewEncrypter(secret)
}

// FileKeyStore keeps the secret hex encoded in a single file.
type FileKeyStore struct {
	path string
	mu   sync.Mutex
}

// A compile time check to ensure FileKeyStore implements the KeyStore
// interface.
var _ KeyStore = (*FileKeyStore)(nil)

// NewFileKeyStore returns a keystore backed by the file at path. The file is
// only created once a secret is stored.
func NewFileKeyStore(path string) *FileKeyStore {
	return &FileKeyStore{path: path}
}

// LoadSecret reads the secret from disk.
func (f *FileKeyStore) LoadSecret() (Secret, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := os.ReadFile(f.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return Secret{}, ErrNoKey

	case err != nil:
		return Secret{}, fmt.Errorf("unable to read key file: %w", err)
	}

	return SecretFromHex(strings.TrimSpace(string(raw)))
}

// StoreSecret atomically replaces the key file with the passed secret.
func (f *FileKeyStore) StoreSecret(s Secret) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return err
	}

	tmp := f.path + ".tmp"
	err := os.WriteFile(tmp, []byte(s.Hex()+"\n"), secretFilePerms)
	if err != nil {
		return fmt.Errorf("unable to write key file: %w", err)
	}

	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("unable to replace key file: %w", err)
	}

	log.Infof("Stored encryption key with fingerprint %v", s.Fingerprint())

	return nil
}

// MemKeyStore is an in-memory KeyStore, used by tests and by nodes that
// run without a data directory.
type MemKeyStore struct {
	mu     sync.Mutex
	secret *Secret
}

// A compile time check to ensure MemKeyStore implements the KeyStore
// interface.
var _ KeyStore = (*MemKeyStore)(nil)

// LoadSecret returns the secret held in memory.
func (m *MemKeyStore) LoadSecret() (Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.secret == nil {
		return Secret{}, ErrNoKey
	}

	return *m.secret, nil
}

// StoreSecret replaces the secret held in memory.
func (m *MemKeyStore) StoreSecret(s Secret) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.secret = &s

	return nil
}
