package lnencrypt

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// SecretSize is the size of the root secret kept in the keystore.
	SecretSize = 32

	// payloadKeyInfo is the HKDF info string for the key that seals the
	// values replicated to the remote store. Changing it makes every
	// remote value unreadable.
	payloadKeyInfo = "lnsync/remote-payload/v1"
)

var (
	// ErrNoKey is returned when no root secret is present in the local
	// keystore.
	ErrNoKey = errors.New("no encryption key available")

	// ErrPayloadTooSmall is returned when a ciphertext is shorter than the
	// nonce it must be prefixed with.
	ErrPayloadTooSmall = fmt.Errorf("payload size too small, must be at "+
		"least %v bytes", chacha20poly1305.NonceSizeX)
)

// Secret is the 256-bit root secret every payload key is derived from.
type Secret [SecretSize]byte

// GenerateSecret returns a fresh secret read from crypto/rand.
func GenerateSecret() (Secret, error) {
	var s Secret
	if _, err := io.ReadFull(rand.Reader, s[:]); err != nil {
		return s, err
	}

	return s, nil
}

// SecretFromHex parses a hex encoded secret as produced by Secret.Hex.
func SecretFromHex(str string) (Secret, error) {
	var s Secret

	b, err := hex.DecodeString(str)
	if err != nil {
		return s, fmt.Errorf("unable to decode secret: %w", err)
	}
	if len(b) != SecretSize {
		return s, fmt.Errorf("secret must be %d bytes, got %d",
			SecretSize, len(b))
	}
	copy(s[:], b)

	return s, nil
}

// Hex returns the hex encoding of the secret.
func (s Secret) Hex() string {
	return hex.EncodeToString(s[:])
}

// Fingerprint returns a short, non-reversible identifier of the secret that
// is safe to log.
func (s Secret) Fingerprint() string {
	h := sha256.Sum256(append([]byte("fingerprint"), s[:]...))

	return hex.EncodeToString(h[:4])
}

// Encrypter seals and opens remote payloads with a key derived from the root
// secret.
type Encrypter struct {
	aead        cipher.AEAD
	fingerprint string
}

// NewEncrypter derives the payload key from the passed secret. The key
// itself is HKDF-SHA256(secret, info) so the raw secret is never used as a
// cipher key directly.
func NewEncrypter(secret Secret) (*Encrypter, error) {
	var key [chacha20poly1305.KeySize]byte
	kdf := hkdf.New(sha256.New, secret[:], nil, []byte(payloadKeyInfo))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return nil, err
	}

	// We use NewX, not New, as the latter version requires a 12-byte
	// nonce, not a 24-byte nonce that is safe to pick at random.
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}

	return &Encrypter{
		aead:        aead,
		fingerprint: secret.Fingerprint(),
	}, nil
}

// Fingerprint returns the fingerprint of the secret this encrypter was
// derived from.
func (e *Encrypter) Fingerprint() string {
	return e.fingerprint
}

// EncryptPayloadToWriter writes the passed plaintext into w in encrypted
// form. A random 24-byte nonce is pre-pended to the ciphertext. The
// associated data (usually the entity key) is authenticated but not stored,
// so a payload copied under another key fails to open.
func (e *Encrypter) EncryptPayloadToWriter(payload []byte,
	associatedData []byte, w io.Writer) error {

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return err
	}

	ad := append(nonce[:], associatedData...)
	ciphertext := e.aead.Seal(nil, nonce[:], payload, ad)

	if _, err := w.Write(nonce[:]); err != nil {
		return err
	}
	if _, err := w.Write(ciphertext); err != nil {
		return err
	}

	return nil
}

// DecryptPayloadFromReader reads the whole of r and opens it with the same
// associated data it was sealed with.
func (e *Encrypter) DecryptPayloadFromReader(payload io.Reader,
	associatedData []byte) ([]byte, error) {

	packed, err := io.ReadAll(payload)
	if err != nil {
		return nil, err
	}
	if len(packed) < chacha20poly1305.NonceSizeX {
		return nil, ErrPayloadTooSmall
	}

	nonce := packed[:chacha20poly1305.NonceSizeX]
	ciphertext := packed[chacha20poly1305.NonceSizeX:]

	ad := append(append([]byte{}, nonce...), associatedData...)
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, err
	}

	return plaintext, nil
}

// Seal is a convenience wrapper around EncryptPayloadToWriter.
func (e *Encrypter) Seal(plaintext, associatedData []byte) ([]byte, error) {
	var b bytes.Buffer
	err := e.EncryptPayloadToWriter(plaintext, associatedData, &b)
	if err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Open is a convenience wrapper around DecryptPayloadFromReader.
func (e *Encrypter) Open(ciphertext, associatedData []byte) ([]byte, error) {
	return e.DecryptPayloadFromReader(
		bytes.NewReader(ciphertext), associatedData,
	)
}
