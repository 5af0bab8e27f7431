// Package credentials keeps the private half of each instance key pair,
// encrypted at rest, until it is handed to the entitlement owner.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rcourtman/pulse-compute/internal/crypto"
)

var ErrNotFound = errors.New("credential not found")

// Credential is one stored key pair.
type Credential struct {
	EntitlementID uint64    `json:"entitlement_id"`
	InstanceID    string    `json:"instance_id,omitempty"`
	AuthorizedKey string    `json:"authorized_key"`
	Fingerprint   string    `json:"fingerprint"`
	PrivateKeyPEM []byte    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

type record struct {
	Credential
	Sealed []byte `json:"sealed_private_key"`
}

// Vault stores one sealed credential file per entitlement.
type Vault struct {
	dir    string
	crypto *crypto.CryptoManager
}

// Open prepares a vault under dir using cm for encryption.
func Open(dir string, cm *crypto.CryptoManager) (*Vault, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create credential dir: %w", err)
	}
	return &Vault{dir: dir, crypto: cm}, nil
}

func (v *Vault) path(id uint64) string {
	return filepath.Join(v.dir, "ent-"+strconv.FormatUint(id, 10)+".json")
}

func additionalData(id uint64) []byte {
	return []byte("pulse-compute/entitlement/" + strconv.FormatUint(id, 10))
}

// Put stores c, replacing any previous credential for the entitlement.
func (v *Vault) Put(c Credential) error {
	sealed, err := v.crypto.Encrypt(c.PrivateKeyPEM, additionalData(c.EntitlementID))
	if err != nil {
		return fmt.Errorf("seal credential %d: %w", c.EntitlementID, err)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(record{Credential: c, Sealed: sealed})
	if err != nil {
		return fmt.Errorf("encode credential %d: %w", c.EntitlementID, err)
	}

	tmp, err := os.CreateTemp(v.dir, ".cred-*")
	if err != nil {
		return fmt.Errorf("create credential temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write credential: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close credential: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod credential: %w", err)
	}
	if err := os.Rename(tmpName, v.path(c.EntitlementID)); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

// SetInstance records which instance the stored key belongs to.
func (v *Vault) SetInstance(id uint64, instanceID string) error {
	c, err := v.Get(id)
	if err != nil {
		return err
	}
	c.InstanceID = instanceID
	return v.Put(*c)
}

// Get returns the decrypted credential for id.
func (v *Vault) Get(id uint64) (*Credential, error) {
	data, err := os.ReadFile(v.path(id))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read credential %d: %w", id, err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode credential %d: %w", id, err)
	}
	plain, err := v.crypto.Decrypt(rec.Sealed, additionalData(id))
	if err != nil {
		return nil, fmt.Errorf("open credential %d: %w", id, err)
	}
	c := rec.Credential
	c.PrivateKeyPEM = plain
	return &c, nil
}

// Delete removes the credential for id. Deleting a missing credential is not
// an error.
func (v *Vault) Delete(id uint64) error {
	if err := os.Remove(v.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete credential %d: %w", id, err)
	}
	return nil
}
