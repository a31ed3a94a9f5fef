package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"
)

// envKeyName is the environment variable holding the primary seal key.
// Rotated keys live in CREDENTIAL_SEAL_KEY_V2, _V3, and so on; the
// highest loaded version becomes the write key.
const envKeyName = "CREDENTIAL_SEAL_KEY"

const maxKeyVersions = 10

var (
	ErrNoSealKey         = errors.New("seal key not configured")
	ErrVersionUnavailable = errors.New("seal key version not loaded")
)

// Keyring holds every loaded seal key version and seals with the newest.
type Keyring struct {
	mu      sync.RWMutex
	current int
	sealers map[int]*Sealer
}

// NewKeyring loads seal keys from the environment. CREDENTIAL_SEAL_KEY
// (base64, 32 bytes) is required; versioned variants are optional.
func NewKeyring() (*Keyring, error) {
	kr := &Keyring{sealers: make(map[int]*Sealer)}

	if err := kr.loadKey(1, envKeyName); err != nil {
		return nil, fmt.Errorf("load seal key: %w", err)
	}
	kr.current = 1

	for v := 2; v <= maxKeyVersions; v++ {
		if err := kr.loadKey(v, fmt.Sprintf("%s_V%d", envKeyName, v)); err == nil {
			kr.current = v
		}
	}
	return kr, nil
}

func (kr *Keyring) loadKey(version int, envName string) error {
	encoded := os.Getenv(envName)
	if encoded == "" {
		return ErrNoSealKey
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode %s: %w", envName, err)
	}
	s, err := NewSealer(key, version)
	if err != nil {
		return fmt.Errorf("seal key v%d: %w", version, err)
	}
	kr.sealers[version] = s
	return nil
}

// Seal encrypts with the newest loaded key version.
func (kr *Keyring) Seal(plaintext string) (string, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	s, ok := kr.sealers[kr.current]
	if !ok {
		return "", ErrNoSealKey
	}
	return s.Seal(plaintext)
}

// Open decrypts a sealed value with whichever key version produced it.
func (kr *Keyring) Open(sealed string) (string, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()

	version := SealedVersion(sealed)
	if version == 0 {
		return "", ErrMalformedSeal
	}
	s, ok := kr.sealers[version]
	if !ok {
		return "", fmt.Errorf("%w: v%d", ErrVersionUnavailable, version)
	}
	return s.Open(sealed)
}

// Reseal re-encrypts a sealed value with the newest key version.
func (kr *Keyring) Reseal(sealed string) (string, error) {
	plaintext, err := kr.Open(sealed)
	if err != nil {
		return "", fmt.Errorf("open for reseal: %w", err)
	}
	return kr.Seal(plaintext)
}

// CurrentVersion returns the key version new seals are written with.
func (kr *Keyring) CurrentVersion() int {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.current
}

// GenerateKey returns a fresh random 32-byte key, base64-encoded for
// pasting into the environment.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
