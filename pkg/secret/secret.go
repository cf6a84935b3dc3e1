// Package secret seals entry credentials before they are stored.
package secret

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/mobilelink/pkg/log"
	"github.com/raterudder/mobilelink/pkg/types"
)

// KeySize is the length of the AES-256 key.
const KeySize = 32

var errNoKey = errors.New("no encryption key configured")

// Box encrypts and decrypts Credentials with AES-GCM. The nonce is stored in
// front of the ciphertext.
type Box struct {
	aead cipher.AEAD
}

// New returns a Box using key, which must be KeySize bytes.
func New(key string) (*Box, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid encryption key length %d (must be %d bytes)", len(key), KeySize)
	}
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return &Box{aead: gcm}, nil
}

// Configured registers the credentials-encryption-key flag and returns a Box
// that is usable once flags are parsed.
func Configured() *Box {
	b := &Box{}
	key := lflag.RequiredString("credentials-encryption-key", "Key for encrypting credentials (32 characters)")

	lflag.Do(func() {
		nb, err := New(*key)
		if err != nil {
			panic(fmt.Sprintf("credentials-encryption-key: %v", err))
		}
		*b = *nb
	})

	return b
}

// Encrypt seals the credentials.
func (b *Box) Encrypt(ctx context.Context, creds types.Credentials) ([]byte, error) {
	if b == nil || b.aead == nil {
		log.Ctx(ctx).ErrorContext(ctx, "cannot encrypt credentials: no encryption key configured")
		return nil, fmt.Errorf("cannot encrypt credentials: %w", errNoKey)
	}

	jsonBytes, err := json.Marshal(creds)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to marshal credentials", slog.Any("error", err))
		return nil, fmt.Errorf("failed to marshal credentials: %w", err)
	}

	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to generate nonce", slog.Any("error", err))
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return b.aead.Seal(nonce, nonce, jsonBytes, nil), nil
}

// Decrypt opens credentials sealed by Encrypt. Empty input decrypts to empty
// credentials.
func (b *Box) Decrypt(ctx context.Context, encrypted []byte) (types.Credentials, error) {
	if len(encrypted) == 0 {
		return types.Credentials{}, nil
	}
	if b == nil || b.aead == nil {
		log.Ctx(ctx).ErrorContext(ctx, "cannot decrypt credentials: no encryption key configured")
		return types.Credentials{}, fmt.Errorf("cannot decrypt credentials: %w", errNoKey)
	}

	if len(encrypted) < b.aead.NonceSize() {
		log.Ctx(ctx).ErrorContext(ctx, "malformed encrypted credentials", slog.Int("length", len(encrypted)))
		return types.Credentials{}, errors.New("malformed encrypted credentials")
	}

	nonce, ciphertext := encrypted[:b.aead.NonceSize()], encrypted[b.aead.NonceSize():]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decrypt credentials", slog.Any("error", err))
		return types.Credentials{}, fmt.Errorf("failed to decrypt credentials: %w", err)
	}

	var creds types.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to unmarshal credentials", slog.Any("error", err))
		return types.Credentials{}, fmt.Errorf("failed to unmarshal credentials: %w", err)
	}

	return creds, nil
}
