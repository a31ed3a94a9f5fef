// Package secrets seals exchange API credentials at rest.
//
// Sealed values carry a version prefix so keys can be rotated without
// re-sealing every stored credential up front.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// keySize is the AES-256 key length in bytes.
	keySize = 32
	// nonceSize is the GCM nonce length in bytes.
	nonceSize = 12
)

var (
	ErrInvalidKey    = errors.New("seal key must be 32 bytes")
	ErrMalformedSeal = errors.New("malformed sealed value")
	ErrOpenFailed    = errors.New("failed to open sealed value")
)

// Sealer seals and opens values with a single AES-256-GCM key.
type Sealer struct {
	key     []byte
	version int
}

// NewSealer builds a Sealer for one key version.
func NewSealer(key []byte, version int) (*Sealer, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKey
	}
	return &Sealer{key: key, version: version}, nil
}

// Seal encrypts plaintext and returns "sec[vN]:base64(nonce+ciphertext)".
func (s *Sealer) Seal(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("sec[v%d]:", s.version) + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	encoded, _, err := splitSealed(sealed)
	if err != nil {
		return "", err
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < nonceSize {
		return "", ErrMalformedSeal
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrOpenFailed
	}
	return string(plaintext), nil
}

// Version returns the key version this Sealer writes with.
func (s *Sealer) Version() int {
	return s.version
}

// SealedVersion extracts the key version from a sealed value.
// Returns 0 for anything that is not a sealed value.
func SealedVersion(sealed string) int {
	_, version, err := splitSealed(sealed)
	if err != nil {
		return 0
	}
	return version
}

func splitSealed(sealed string) (encoded string, version int, err error) {
	if !strings.HasPrefix(sealed, "sec[v") {
		return "", 0, ErrMalformedSeal
	}
	idx := strings.Index(sealed, "]:")
	if idx == -1 {
		return "", 0, ErrMalformedSeal
	}
	if _, err := fmt.Sscanf(sealed[:idx+2], "sec[v%d]:", &version); err != nil || version < 1 {
		return "", 0, ErrMalformedSeal
	}
	return sealed[idx+2:], version, nil
}
