package security

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func newTestEncryptor(t *testing.T) *Encryptor {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	return enc
}

func TestGenerateKey(t *testing.T) {
	key1, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	if len(key1) != keySize {
		t.Errorf("key length = %d, want %d", len(key1), keySize)
	}

	key2, _ := GenerateKey()
	if bytes.Equal(key1, key2) {
		t.Error("two generated keys are identical")
	}
}

func TestNewEncryptor_KeyValidation(t *testing.T) {
	tests := []struct {
		name    string
		keyLen  int
		wantErr bool
		enabled bool
	}{
		{"32-byte key", 32, false, true},
		{"empty key disables encryption", 0, false, false},
		{"16-byte key rejected", 16, true, false},
		{"64-byte key rejected", 64, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var key []byte
			if tt.keyLen > 0 {
				key = make([]byte, tt.keyLen)
			}
			enc, err := NewEncryptor(key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewEncryptor() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && enc.IsEnabled() != tt.enabled {
				t.Errorf("IsEnabled() = %v, want %v", enc.IsEnabled(), tt.enabled)
			}
		})
	}
}

func TestEncryptor_RoundTrip(t *testing.T) {
	enc := newTestEncryptor(t)

	for _, plaintext := range []string{
		"",
		"refresh-token-value",
		"long value with punctuation !@#$%^&*()_+-={}[]|:;<>?,./~`",
		"unicode värde 値",
	} {
		sealed, err := enc.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%q) error = %v", plaintext, err)
		}
		if plaintext != "" && sealed == plaintext {
			t.Errorf("Encrypt(%q) returned the plaintext", plaintext)
		}
		if _, err := base64.StdEncoding.DecodeString(sealed); err != nil {
			t.Errorf("Encrypt(%q) output is not base64: %v", plaintext, err)
		}

		got, err := enc.Decrypt(sealed)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if got != plaintext {
			t.Errorf("round trip = %q, want %q", got, plaintext)
		}
	}
}

func TestEncryptor_FreshNoncePerCall(t *testing.T) {
	enc := newTestEncryptor(t)

	first, _ := enc.Encrypt("same value")
	second, _ := enc.Encrypt("same value")
	if first == second {
		t.Error("two encryptions of the same value produced identical ciphertext")
	}
}

func TestEncryptor_Disabled(t *testing.T) {
	enc, err := NewEncryptor(nil)
	if err != nil {
		t.Fatalf("NewEncryptor(nil) error = %v", err)
	}

	sealed, err := enc.Encrypt("plain value")
	if err != nil || sealed != "plain value" {
		t.Errorf("disabled Encrypt() = %q, %v; want pass-through", sealed, err)
	}
	got, err := enc.Decrypt("plain value")
	if err != nil || got != "plain value" {
		t.Errorf("disabled Decrypt() = %q, %v; want pass-through", got, err)
	}
}

func TestEncryptor_DecryptRejectsBadInput(t *testing.T) {
	enc := newTestEncryptor(t)

	tests := []struct {
		name  string
		input string
	}{
		{"not base64", "not-valid-base64!!!"},
		{"shorter than a nonce", base64.StdEncoding.EncodeToString([]byte("tiny"))},
		{"garbage payload", base64.StdEncoding.EncodeToString(make([]byte, 48))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := enc.Decrypt(tt.input); err == nil {
				t.Error("expected decryption error")
			}
		})
	}
}

func TestEncryptor_DecryptRejectsTampering(t *testing.T) {
	enc := newTestEncryptor(t)

	sealed, err := enc.Encrypt("secret data")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0x01
	if _, err := enc.Decrypt(base64.StdEncoding.EncodeToString(raw)); err == nil {
		t.Error("tampered ciphertext decrypted without error")
	}

	if _, err := newTestEncryptor(t).Decrypt(sealed); err == nil {
		t.Error("ciphertext decrypted under a different key")
	}
}

func TestKeyBase64RoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	decoded, err := KeyFromBase64(KeyToBase64(key))
	if err != nil {
		t.Fatalf("KeyFromBase64() error = %v", err)
	}
	if !bytes.Equal(decoded, key) {
		t.Error("key round trip mismatch")
	}

	for _, bad := range []string{"not-valid-base64!!!", base64.StdEncoding.EncodeToString(make([]byte, 16)), ""} {
		if _, err := KeyFromBase64(bad); err == nil {
			t.Errorf("KeyFromBase64(%q) should fail", bad)
		}
	}
}
