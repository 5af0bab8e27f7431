// Package sshkeys generates the per-instance SSH key pairs.
package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// KeyPair is a freshly generated ed25519 key pair. A pair is used for exactly
// one instance.
type KeyPair struct {
	// AuthorizedKey is the public half as an authorized_keys line.
	AuthorizedKey string
	// PrivateKeyPEM is the OpenSSH-format private key.
	PrivateKeyPEM []byte
	Fingerprint   string
}

// Generate creates a new key pair labelled with comment.
func Generate(comment string) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("encode ssh public key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, fmt.Errorf("encode ssh private key: %w", err)
	}

	authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
	if comment = strings.TrimSpace(comment); comment != "" {
		authorized += " " + comment
	}
	return &KeyPair{
		AuthorizedKey: authorized,
		PrivateKeyPEM: pem.EncodeToMemory(block),
		Fingerprint:   ssh.FingerprintSHA256(sshPub),
	}, nil
}
