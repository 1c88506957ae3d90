package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func newTestEncryptor(t *testing.T) *AESEncryptor {
	t.Helper()
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	return enc
}

func TestNewAESEncryptorKeyValidation(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		errorMsg string
	}{
		{"empty key", "", "encryption key is empty"},
		{"invalid base64", "not-valid-base64!@#$", "base64 decode failed"},
		{"16-byte key", base64.StdEncoding.EncodeToString(make([]byte, 16)), "must be 32 bytes"},
		{"64-byte key", base64.StdEncoding.EncodeToString(make([]byte, 64)), "must be 32 bytes"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewAESEncryptor(tc.key); err == nil {
				t.Fatal("expected error")
			} else if !strings.Contains(err.Error(), tc.errorMsg) {
				t.Errorf("error = %v, want %q", err, tc.errorMsg)
			}
		})
	}

	if _, err := NewAESEncryptor(base64.StdEncoding.EncodeToString(make([]byte, 32))); err != nil {
		t.Errorf("valid 32-byte key rejected: %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	enc := newTestEncryptor(t)

	for _, plaintext := range []string{
		"a",
		"kick-access-token-eyJhbGciOi...",
		strings.Repeat("x", 4096),
		"unicode: 你好 🎁",
		"!@#$%^&*()_+-={}[]|\\:;\"'<>,.?/~`",
	} {
		ct, err := enc.Encrypt([]byte(plaintext))
		if err != nil {
			t.Fatalf("encrypt %q: %v", plaintext[:min(len(plaintext), 16)], err)
		}
		if bytes.Equal(ct, []byte(plaintext)) {
			t.Fatal("ciphertext equals plaintext")
		}
		pt, err := enc.Decrypt(ct)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if string(pt) != plaintext {
			t.Errorf("round trip = %q, want %q", pt, plaintext)
		}
	}
}

func TestNonceRandomization(t *testing.T) {
	enc := newTestEncryptor(t)
	plaintext := []byte("same input")

	ct1, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ct2, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Equal(ct1, ct2) {
		t.Error("two encryptions of the same plaintext must differ (random nonce)")
	}
}

func TestDecryptRejectsBadCiphertext(t *testing.T) {
	enc := newTestEncryptor(t)

	tests := []struct {
		name       string
		ciphertext []byte
		errorMsg   string
	}{
		{"empty", nil, "ciphertext is empty"},
		{"shorter than nonce", []byte{1, 2, 3}, "ciphertext too short"},
		{"garbage", make([]byte, 50), "authentication or integrity check failed"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := enc.Decrypt(tc.ciphertext)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.errorMsg) {
				t.Errorf("error = %v, want %q", err, tc.errorMsg)
			}
		})
	}
}

func TestDecryptDetectsTampering(t *testing.T) {
	enc := newTestEncryptor(t)
	ct, err := enc.Encrypt([]byte("refresh-token-67890"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ct[len(ct)/2] ^= 0x01

	if _, err := enc.Decrypt(ct); err == nil {
		t.Fatal("tampered ciphertext must not decrypt")
	} else if !strings.Contains(err.Error(), "authentication or integrity check failed") {
		t.Errorf("error = %v, want authentication failure", err)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	enc1 := newTestEncryptor(t)
	enc2 := newTestEncryptor(t)

	ct, err := enc1.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := enc2.Decrypt(ct); err == nil {
		t.Error("decrypting with a different key must fail")
	}
}

func TestEncryptEmptyPlaintext(t *testing.T) {
	enc := newTestEncryptor(t)
	if _, err := enc.Encrypt(nil); err == nil {
		t.Fatal("expected error for empty plaintext")
	} else if !strings.Contains(err.Error(), "plaintext is empty") {
		t.Errorf("error = %v", err)
	}
}

func TestStringWrappers(t *testing.T) {
	enc := newTestEncryptor(t)

	// Empty strings pass through both ways: absent tokens stay absent.
	if v, err := EncryptString(enc, ""); err != nil || v != "" {
		t.Errorf("EncryptString(\"\") = %q, %v", v, err)
	}
	if v, err := DecryptString(enc, ""); err != nil || v != "" {
		t.Errorf("DecryptString(\"\") = %q, %v", v, err)
	}

	encrypted, err := EncryptString(enc, "test-access-token-12345")
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	if _, err := base64.StdEncoding.DecodeString(encrypted); err != nil {
		t.Errorf("encrypted string is not base64: %v", err)
	}
	decrypted, err := DecryptString(enc, encrypted)
	if err != nil {
		t.Fatalf("DecryptString: %v", err)
	}
	if decrypted != "test-access-token-12345" {
		t.Errorf("round trip = %q", decrypted)
	}

	if _, err := DecryptString(enc, "not-valid-base64!@#"); err == nil {
		t.Error("invalid base64 input must fail")
	}
}

func TestCiphertextOverhead(t *testing.T) {
	enc := newTestEncryptor(t)
	ct, err := enc.Encrypt([]byte("test"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	// 12-byte nonce + 16-byte GCM tag.
	if overhead := len(ct) - len("test"); overhead != 28 {
		t.Errorf("overhead = %d bytes, want 28", overhead)
	}
}
