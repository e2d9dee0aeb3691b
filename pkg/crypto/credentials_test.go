package crypto

import (
	"encoding/base64"
	"errors"
	"testing"
)

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	enc, err := NewCredentialEncryptor("test-passphrase")
	if err != nil {
		t.Fatalf("NewCredentialEncryptor() error: %v", err)
	}

	secrets := []string{"hunter2", "p@ss;word'with\"specials", "長いパスワード"}
	for _, secret := range secrets {
		encrypted, err := enc.Encrypt(secret)
		if err != nil {
			t.Fatalf("Encrypt(%q) error: %v", secret, err)
		}
		if encrypted == secret {
			t.Errorf("Encrypt(%q) returned plaintext", secret)
		}

		decrypted, err := enc.Decrypt(encrypted)
		if err != nil {
			t.Fatalf("Decrypt() error: %v", err)
		}
		if decrypted != secret {
			t.Errorf("round trip = %q, want %q", decrypted, secret)
		}
	}
}

func TestEncrypt_NonceVaries(t *testing.T) {
	enc, _ := NewCredentialEncryptor("key")
	a, _ := enc.Encrypt("same")
	b, _ := enc.Encrypt("same")
	if a == b {
		t.Error("two encryptions of the same plaintext are identical")
	}
}

func TestEncryptDecrypt_EmptyPassthrough(t *testing.T) {
	enc, _ := NewCredentialEncryptor("key")
	if got, _ := enc.Encrypt(""); got != "" {
		t.Errorf("Encrypt(\"\") = %q", got)
	}
	if got, _ := enc.Decrypt(""); got != "" {
		t.Errorf("Decrypt(\"\") = %q", got)
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	encA, _ := NewCredentialEncryptor("key-a")
	encB, _ := NewCredentialEncryptor("key-b")

	encrypted, _ := encA.Encrypt("secret")
	if _, err := encB.Decrypt(encrypted); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Decrypt with wrong key = %v, want ErrDecryptionFailed", err)
	}
}

func TestDecrypt_Garbage(t *testing.T) {
	enc, _ := NewCredentialEncryptor("key")
	for _, bad := range []string{"not base64 !!!", base64.StdEncoding.EncodeToString([]byte("short"))} {
		if _, err := enc.Decrypt(bad); !errors.Is(err, ErrDecryptionFailed) {
			t.Errorf("Decrypt(%q) = %v, want ErrDecryptionFailed", bad, err)
		}
	}
}

func TestNewCredentialEncryptor_Base64Key(t *testing.T) {
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	enc, err := NewCredentialEncryptor(key)
	if err != nil {
		t.Fatalf("NewCredentialEncryptor(base64) error: %v", err)
	}
	encrypted, _ := enc.Encrypt("x")
	if got, _ := enc.Decrypt(encrypted); got != "x" {
		t.Error("round trip with base64 key failed")
	}
}

func TestNewCredentialEncryptor_EmptyKey(t *testing.T) {
	if _, err := NewCredentialEncryptor(""); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("NewCredentialEncryptor(\"\") = %v, want ErrInvalidKey", err)
	}
}
