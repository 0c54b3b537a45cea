package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"

	xssh "golang.org/x/crypto/ssh"
)

// NewEd25519Keypair returns a PEM encoded OpenSSH private key and the matching
// authorized_keys line.
func NewEd25519Keypair() (privatePEM []byte, publicAuthorized string, err error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	block, err := xssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, "", fmt.Errorf("marshal private key: %w", err)
	}
	signer, err := xssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, "", fmt.Errorf("signer: %w", err)
	}
	return pem.EncodeToMemory(block), string(xssh.MarshalAuthorizedKey(signer.PublicKey())), nil
}

// ParsePrivateKey parses an unencrypted OpenSSH/PEM private key.
func ParsePrivateKey(data []byte) (xssh.Signer, error) {
	if len(data) == 0 {
		return nil, errors.New("ssh: private key is empty")
	}
	signer, err := xssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}
