package credential

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	sealVersion = 1
	saltSize    = 16

	argonTime    = 2
	argonMemory  = 19 * 1024
	argonThreads = 1
)

var ErrDecrypt = errors.New("credential could not be decrypted")

// EncryptedStore seals values with XChaCha20-Poly1305 before handing them to the wrapped store. The key is
// derived from a passphrase with Argon2id and a per-value random salt, stored alongside the ciphertext.
type EncryptedStore struct {
	inner      Store
	passphrase []byte
}

func NewEncryptedStore(inner Store, passphrase string) (*EncryptedStore, error) {
	if inner == nil {
		return nil, errors.New("inner store required")
	}
	if passphrase == "" {
		return nil, errors.New("passphrase required")
	}
	return &EncryptedStore{inner: inner, passphrase: []byte(passphrase)}, nil
}

func (s *EncryptedStore) Get(ctx context.Context) (string, error) {
	sealed, err := s.inner.Get(ctx)
	if err != nil {
		return "", err
	}
	plain, err := s.open(sealed)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func (s *EncryptedStore) Set(ctx context.Context, value string) error {
	sealed, err := s.seal([]byte(value))
	if err != nil {
		return err
	}
	return s.inner.Set(ctx, sealed)
}

func (s *EncryptedStore) Clear(ctx context.Context) error {
	return s.inner.Clear(ctx)
}

func (s *EncryptedStore) deriveKey(salt []byte) []byte {
	return argon2.IDKey(s.passphrase, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}

// seal layout: version | salt | nonce | ciphertext, base64url encoded.
func (s *EncryptedStore) seal(plain []byte) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	aead, err := chacha20poly1305.NewX(s.deriveKey(salt))
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, 1+saltSize+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, sealVersion)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plain, []byte{sealVersion})
	return base64.RawURLEncoding.EncodeToString(out), nil
}

func (s *EncryptedStore) open(sealed string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(raw) < 1+saltSize+chacha20poly1305.NonceSizeX || raw[0] != sealVersion {
		return nil, fmt.Errorf("%w: malformed payload", ErrDecrypt)
	}
	salt := raw[1 : 1+saltSize]
	nonce := raw[1+saltSize : 1+saltSize+chacha20poly1305.NonceSizeX]
	ciphertext := raw[1+saltSize+chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(s.deriveKey(salt))
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	plain, err := aead.Open(nil, nonce, ciphertext, []byte{sealVersion})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}
