package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"fmt"
)

const (
	x25519PrivatePEMType = "X25519 PRIVATE KEY"
	x25519KeySize        = 32
)

var x25519Curve = ecdh.X25519()

// GenerateX25519PrivateKey creates a new X25519 private key.
func GenerateX25519PrivateKey() (*ecdh.PrivateKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate X25519 private key: %w", err)
	}
	return privateKey, nil
}

// EncodePrivateKeyPEM serializes an X25519 private key as PEM text.
func EncodePrivateKeyPEM(key *ecdh.PrivateKey) string {
	block := &pem.Block{
		Type:  x25519PrivatePEMType,
		Bytes: key.Bytes(),
	}
	return string(pem.EncodeToMemory(block))
}

// DecodePrivateKeyPEM parses an X25519 private key from PEM text.
func DecodePrivateKeyPEM(raw string) (*ecdh.PrivateKey, error) {
	block, _ := pem.Decode([]byte(raw))
	if block == nil {
		return nil, fmt.Errorf("decode X25519 PEM: no PEM block")
	}
	if block.Type != x25519PrivatePEMType {
		return nil, fmt.Errorf("decode X25519 PEM: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != x25519KeySize {
		return nil, fmt.Errorf("decode X25519 PEM: invalid private key size %d", len(block.Bytes))
	}

	privateKey, err := x25519Curve.NewPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 private key: %w", err)
	}

	return privateKey, nil
}

// EncodePublicKey returns the base64 form published to the identity directory.
func EncodePublicKey(key *ecdh.PublicKey) string {
	return base64.StdEncoding.EncodeToString(key.Bytes())
}

// DecodePublicKey parses a base64 X25519 public key.
func DecodePublicKey(encoded string) (*ecdh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode X25519 public key: %w", err)
	}
	if len(raw) != x25519KeySize {
		return nil, fmt.Errorf("decode X25519 public key: invalid size %d", len(raw))
	}

	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return publicKey, nil
}
