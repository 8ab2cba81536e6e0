package vault

import (
	"errors"
	"strings"
	"testing"
)

func TestNew_RequiresMasterKey(t *testing.T) {
	for _, key := range []string{"", "   "} {
		if _, err := New(key); !errors.Is(err, ErrNoMasterKey) {
			t.Errorf("New(%q) error = %v, expected ErrNoMasterKey", key, err)
		}
	}
}

func TestEncryptDecrypt(t *testing.T) {
	v, err := New("unit-test-master-key")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tokens := []string{"ghp_abcdef123456", "", "päss wörd with spaces", strings.Repeat("x", 4096)}
	for _, token := range tokens {
		sealed, err := v.Encrypt(token)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		if token != "" && strings.Contains(sealed, token) {
			t.Error("ciphertext must not contain the plaintext")
		}
		got, err := v.Decrypt(sealed)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if got != token {
			t.Errorf("Decrypt() = %q, expected %q", got, token)
		}
	}
}

func TestEncrypt_FreshNonce(t *testing.T) {
	v, _ := New("unit-test-master-key")

	a, _ := v.Encrypt("same-token")
	b, _ := v.Encrypt("same-token")
	if a == b {
		t.Error("two encryptions of the same token should differ")
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	v1, _ := New("key-one")
	v2, _ := New("key-two")

	sealed, _ := v1.Encrypt("secret")
	if _, err := v2.Decrypt(sealed); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Decrypt() with wrong key error = %v, expected ErrDecrypt", err)
	}
}

func TestDecrypt_Tampered(t *testing.T) {
	v, _ := New("unit-test-master-key")
	sealed, _ := v.Encrypt("secret")

	// flip a character in the middle of the payload
	b := []byte(sealed)
	mid := len(b) / 2
	if b[mid] == 'A' {
		b[mid] = 'B'
	} else {
		b[mid] = 'A'
	}

	if _, err := v.Decrypt(string(b)); err == nil {
		t.Error("tampered ciphertext should not decrypt")
	}
}

func TestDecrypt_Malformed(t *testing.T) {
	v, _ := New("unit-test-master-key")

	tests := []struct {
		name  string
		input string
	}{
		{"plaintext token", "ghp_plaintext"},
		{"bad base64", "v1:!!!"},
		{"too short", "v1:AAAA"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Decrypt(tt.input); !errors.Is(err, ErrMalformed) {
				t.Errorf("Decrypt(%q) error = %v, expected ErrMalformed", tt.input, err)
			}
		})
	}
}
