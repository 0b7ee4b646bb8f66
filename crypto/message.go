package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// ErrDecryption indicates a message could not be decrypted with the local key.
var ErrDecryption = errors.New("crypto: message decryption failed")

// EncryptedPayload holds the three opaque strings stored with an encrypted message.
type EncryptedPayload struct {
	Ciphertext string
	IV         string
	WrappedKey string
}

// EncryptMessage encrypts plaintext under a fresh per-message key and IV, then
// seals that key to the recipient's X25519 public key.
func EncryptMessage(plaintext string, recipient *ecdh.PublicKey) (EncryptedPayload, error) {
	if recipient == nil {
		return EncryptedPayload{}, errors.New("recipient public key is required")
	}

	messageKey, err := NewMessageKey()
	if err != nil {
		return EncryptedPayload{}, err
	}

	ciphertext, iv, err := Encrypt(messageKey, []byte(plaintext))
	if err != nil {
		return EncryptedPayload{}, err
	}

	var recipientKey [x25519KeySize]byte
	copy(recipientKey[:], recipient.Bytes())
	wrapped, err := box.SealAnonymous(nil, messageKey, &recipientKey, rand.Reader)
	if err != nil {
		return EncryptedPayload{}, fmt.Errorf("wrap message key: %w", err)
	}

	return EncryptedPayload{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		IV:         base64.StdEncoding.EncodeToString(iv),
		WrappedKey: base64.StdEncoding.EncodeToString(wrapped),
	}, nil
}

// DecryptMessage unwraps the message key with the local private key and
// decrypts the ciphertext. All failures wrap ErrDecryption.
func DecryptMessage(ciphertext, wrappedKey, iv string, own *ecdh.PrivateKey) (string, error) {
	if own == nil {
		return "", fmt.Errorf("%w: private key is required", ErrDecryption)
	}

	rawCiphertext, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %v", ErrDecryption, err)
	}
	rawWrapped, err := base64.StdEncoding.DecodeString(wrappedKey)
	if err != nil {
		return "", fmt.Errorf("%w: decode wrapped key: %v", ErrDecryption, err)
	}
	rawIV, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return "", fmt.Errorf("%w: decode iv: %v", ErrDecryption, err)
	}

	var publicKey, privateKey [x25519KeySize]byte
	copy(publicKey[:], own.PublicKey().Bytes())
	copy(privateKey[:], own.Bytes())

	messageKey, ok := box.OpenAnonymous(nil, rawWrapped, &publicKey, &privateKey)
	if !ok {
		return "", fmt.Errorf("%w: unwrap message key", ErrDecryption)
	}

	plaintext, err := Decrypt(messageKey, rawIV, rawCiphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return string(plaintext), nil
}
