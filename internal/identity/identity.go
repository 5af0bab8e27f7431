// Package identity stores the ed25519 keys that act as ledger accounts.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/rcourtman/pulse-compute/internal/ledger"
)

// Key is a ledger account key pair.
type Key struct {
	Private ed25519.PrivateKey
}

// Address returns the ledger address of the key.
func (k Key) Address() ledger.Address {
	return ledger.AddressFromPublicKey(k.Private.Public().(ed25519.PublicKey))
}

// Generate creates a new random key.
func Generate() (Key, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Key{}, fmt.Errorf("generate identity key: %w", err)
	}
	return Key{Private: priv}, nil
}

// Load reads a key file holding the base58-encoded 32-byte seed.
func Load(path string) (Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Key{}, fmt.Errorf("read identity key: %w", err)
	}
	seed, err := base58.Decode(strings.TrimSpace(string(data)))
	if err != nil {
		return Key{}, fmt.Errorf("decode identity key %s: %w", path, err)
	}
	if len(seed) != ed25519.SeedSize {
		return Key{}, fmt.Errorf("identity key %s: seed is %d bytes, want %d", path, len(seed), ed25519.SeedSize)
	}
	return Key{Private: ed25519.NewKeyFromSeed(seed)}, nil
}

// Save writes k to path with owner-only permissions. An existing file is
// never overwritten.
func Save(path string, k Key) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create identity key dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create identity key: %w", err)
	}
	if _, err := f.WriteString(base58.Encode(k.Private.Seed()) + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("write identity key: %w", err)
	}
	return f.Close()
}

// LoadOrCreate loads the key at path, generating and saving one if the file
// does not exist.
func LoadOrCreate(path string) (Key, bool, error) {
	k, err := Load(path)
	if err == nil {
		return k, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return Key{}, false, err
	}
	k, err = Generate()
	if err != nil {
		return Key{}, false, err
	}
	if err := Save(path, k); err != nil {
		return Key{}, false, err
	}
	return k, true, nil
}
