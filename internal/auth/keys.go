package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// Keyring holds the Argon2id hash of the admin API key that is exchanged for
// reviewer tokens. The plaintext key is not retained.
type Keyring struct {
	salt []byte
	hash []byte
}

// NewKeyring hashes adminKey. An empty key yields a keyring that accepts
// nothing.
func NewKeyring(adminKey string) (*Keyring, error) {
	if adminKey == "" {
		return &Keyring{}, nil
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("auth: generate salt: %w", err)
	}
	return &Keyring{salt: salt, hash: derive(adminKey, salt)}, nil
}

// Enabled reports whether an admin key is configured.
func (k *Keyring) Enabled() bool { return len(k.hash) > 0 }

// Verify reports whether key is the admin key. It costs the same whether or
// not a key is configured.
func (k *Keyring) Verify(key string) bool {
	if !k.Enabled() {
		derive(key, make([]byte, saltLen))
		return false
	}
	return subtle.ConstantTimeCompare(derive(key, k.salt), k.hash) == 1
}

func derive(key string, salt []byte) []byte {
	return argon2.IDKey([]byte(key), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}
