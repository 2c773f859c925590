package secretcipher

import (
	"crypto/rand"
	"encoding/base64"
	"testing"
)

func randomKey(t *testing.T) string {
	t.Helper()
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return base64.StdEncoding.EncodeToString(b)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := New(nil, randomKey(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	enc, err := c.Encrypt("super-secret-api-key")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !IsEncrypted(enc) {
		t.Fatalf("expected IsEncrypted to recognize %q", enc)
	}

	got, err := c.Decrypt(enc)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != "super-secret-api-key" {
		t.Fatalf("got %q, want original plaintext", got)
	}
}

func TestDecryptWithRotatedKey(t *testing.T) {
	oldKey := randomKey(t)
	newKey := randomKey(t)

	oldCipher, err := New(nil, oldKey)
	if err != nil {
		t.Fatalf("New(old): %v", err)
	}
	enc, err := oldCipher.Encrypt("rotate-me")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	rotated, err := New(nil, newKey, oldKey)
	if err != nil {
		t.Fatalf("New(new, old): %v", err)
	}
	got, err := rotated.Decrypt(enc)
	if err != nil {
		t.Fatalf("Decrypt under rotated cipher: %v", err)
	}
	if got != "rotate-me" {
		t.Fatalf("got %q, want %q", got, "rotate-me")
	}

	reEnc, err := rotated.Encrypt("rotate-me")
	if err != nil {
		t.Fatalf("Encrypt under rotated cipher: %v", err)
	}
	if _, err := oldCipher.Decrypt(reEnc); err == nil {
		t.Fatal("expected decrypt with the retired-only cipher to fail once re-encrypted under the new key")
	}
}

func TestDecryptUnknownEnvelope(t *testing.T) {
	c, err := New(nil, randomKey(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Decrypt("plaintext-not-encrypted"); err == nil {
		t.Fatal("expected error for unrecognized envelope")
	}
}

func TestNewRejectsEmptyKey(t *testing.T) {
	if _, err := New(nil, ""); err == nil {
		t.Fatal("expected error for empty current key")
	}
}

func TestNewRejectsWrongLengthKey(t *testing.T) {
	short := base64.StdEncoding.EncodeToString([]byte("too-short"))
	if _, err := New(nil, short); err == nil {
		t.Fatal("expected error for key shorter than 32 bytes")
	}
}
