package ledger

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// Address identifies an account on the ledger. It is the base58 encoding of
// a 32-byte ed25519 public key.
type Address string

// ParseAddress validates s as a base58-encoded ed25519 public key.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: decoded length %d, want %d", ErrInvalidAddress, len(raw), ed25519.PublicKeySize)
	}
	return Address(s), nil
}

// AddressFromPublicKey encodes an ed25519 public key as an Address.
func AddressFromPublicKey(pub ed25519.PublicKey) Address {
	return Address(base58.Encode(pub))
}

// PublicKey decodes the address back into the ed25519 key it names.
func (a Address) PublicKey() (ed25519.PublicKey, error) {
	if _, err := ParseAddress(string(a)); err != nil {
		return nil, err
	}
	raw, _ := base58.Decode(string(a))
	return ed25519.PublicKey(raw), nil
}

func (a Address) IsZero() bool { return a == "" }

func (a Address) String() string { return string(a) }
