package crypto

import (
	"encoding/base64"
	"errors"
	"testing"
)

func TestEncryptMessageRoundTrip(t *testing.T) {
	recipient, err := GenerateX25519PrivateKey()
	if err != nil {
		t.Fatalf("generate recipient key: %v", err)
	}

	for _, plaintext := range []string{"hello", "", "ünïcødé 🔐", string(make([]byte, 4096))} {
		payload, err := EncryptMessage(plaintext, recipient.PublicKey())
		if err != nil {
			t.Fatalf("EncryptMessage(%q) failed: %v", plaintext, err)
		}

		decrypted, err := DecryptMessage(payload.Ciphertext, payload.WrappedKey, payload.IV, recipient)
		if err != nil {
			t.Fatalf("DecryptMessage failed: %v", err)
		}
		if decrypted != plaintext {
			t.Fatalf("expected %q after round trip, got %q", plaintext, decrypted)
		}
	}
}

func TestEncryptMessageNeverReusesKeyOrIV(t *testing.T) {
	recipient, err := GenerateX25519PrivateKey()
	if err != nil {
		t.Fatalf("generate recipient key: %v", err)
	}

	first, err := EncryptMessage("same text", recipient.PublicKey())
	if err != nil {
		t.Fatalf("first EncryptMessage failed: %v", err)
	}
	second, err := EncryptMessage("same text", recipient.PublicKey())
	if err != nil {
		t.Fatalf("second EncryptMessage failed: %v", err)
	}

	if first.Ciphertext == second.Ciphertext {
		t.Fatalf("expected different ciphertexts for repeated plaintext")
	}
	if first.IV == second.IV {
		t.Fatalf("expected different IVs for repeated plaintext")
	}
	if first.WrappedKey == second.WrappedKey {
		t.Fatalf("expected different wrapped keys for repeated plaintext")
	}
}

func TestDecryptMessageWithWrongKeyFails(t *testing.T) {
	recipient, err := GenerateX25519PrivateKey()
	if err != nil {
		t.Fatalf("generate recipient key: %v", err)
	}
	stranger, err := GenerateX25519PrivateKey()
	if err != nil {
		t.Fatalf("generate stranger key: %v", err)
	}

	payload, err := EncryptMessage("secret", recipient.PublicKey())
	if err != nil {
		t.Fatalf("EncryptMessage failed: %v", err)
	}

	_, err = DecryptMessage(payload.Ciphertext, payload.WrappedKey, payload.IV, stranger)
	if !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption for wrong private key, got %v", err)
	}
}

func TestDecryptMessageRejectsTamperedInputs(t *testing.T) {
	recipient, err := GenerateX25519PrivateKey()
	if err != nil {
		t.Fatalf("generate recipient key: %v", err)
	}
	payload, err := EncryptMessage("secret", recipient.PublicKey())
	if err != nil {
		t.Fatalf("EncryptMessage failed: %v", err)
	}

	otherIV, err := EncryptMessage("other", recipient.PublicKey())
	if err != nil {
		t.Fatalf("EncryptMessage other failed: %v", err)
	}

	wrapped, _ := base64.StdEncoding.DecodeString(payload.WrappedKey)
	wrapped[len(wrapped)-1] ^= 0xff
	corruptWrapped := base64.StdEncoding.EncodeToString(wrapped)

	cases := map[string][3]string{
		"corrupt wrapped key": {payload.Ciphertext, corruptWrapped, payload.IV},
		"mismatched iv":       {payload.Ciphertext, payload.WrappedKey, otherIV.IV},
		"malformed base64":    {"%%%", payload.WrappedKey, payload.IV},
		"empty wrapped key":   {payload.Ciphertext, "", payload.IV},
	}
	for name, in := range cases {
		if _, err := DecryptMessage(in[0], in[1], in[2], recipient); !errors.Is(err, ErrDecryption) {
			t.Fatalf("%s: expected ErrDecryption, got %v", name, err)
		}
	}
}

func TestPrivateKeyPEMAndPublicKeyEncoding(t *testing.T) {
	key, err := GenerateX25519PrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	decoded, err := DecodePrivateKeyPEM(EncodePrivateKeyPEM(key))
	if err != nil {
		t.Fatalf("DecodePrivateKeyPEM failed: %v", err)
	}
	if !decoded.Equal(key) {
		t.Fatalf("expected private key to survive PEM round trip")
	}

	publicKey, err := DecodePublicKey(EncodePublicKey(key.PublicKey()))
	if err != nil {
		t.Fatalf("DecodePublicKey failed: %v", err)
	}
	if !publicKey.Equal(key.PublicKey()) {
		t.Fatalf("expected public key to survive base64 round trip")
	}

	if _, err := DecodePublicKey("c2hvcnQ="); err == nil {
		t.Fatalf("expected short public key to be rejected")
	}
	if _, err := DecodePrivateKeyPEM("not pem"); err == nil {
		t.Fatalf("expected invalid PEM to be rejected")
	}
}

func TestFormatFingerprintGroupsChunks(t *testing.T) {
	if got := FormatFingerprint("abcdef0123"); got != "ABCD EF01 23" {
		t.Fatalf("unexpected formatted fingerprint %q", got)
	}
	if len(EncodedKeyFingerprint("AAAA")) != 32 {
		t.Fatalf("expected 32 hex chars of fingerprint")
	}
}
