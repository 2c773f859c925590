// Package secretcipher provides AES-256-GCM encryption for the
// secret-bearing field the control plane stores at rest: the
// encrypted_secrets column of a Bot's config versions.
package secretcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"math"
	"strings"

	"go.uber.org/zap"
)

const (
	envelopePrefix   = "fleet:secret:"
	envelopeV1Prefix = "fleet:secret:v1:"
)

// Cipher performs AES-256-GCM encryption and decryption with key
// rotation: Encrypt always uses the current key, Decrypt tries the
// current key first and falls back to each retired key in order.
type Cipher struct {
	currentKey []byte
	oldKeys    [][]byte
}

// New builds a Cipher from a base64-encoded 32-byte current key and zero
// or more base64-encoded 32-byte retired keys. An empty currentKeyBase64
// is rejected — unlike the teacher's encryptor, this control plane never
// runs with encryption disabled, since every config version's secret
// material must be at rest encrypted.
//
// log receives a warning for any key that looks low-entropy (all-zero,
// repetitive, or built from an obvious dictionary word) — the key is
// still accepted, since rejecting it would turn a weak-key mistake into
// an outage rather than a logged operator problem. A nil log is treated
// as a no-op logger.
func New(log *zap.Logger, currentKeyBase64 string, oldKeysBase64 ...string) (*Cipher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if currentKeyBase64 == "" {
		return nil, fmt.Errorf("secretcipher: encryption_key is required")
	}

	current, err := decodeKey(currentKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("secretcipher: invalid current key: %w", err)
	}
	warnIfWeakKey(log, "current", currentKeyBase64, current)

	var old [][]byte
	for i, k := range oldKeysBase64 {
		if k == "" {
			continue
		}
		dk, err := decodeKey(k)
		if err != nil {
			return nil, fmt.Errorf("secretcipher: invalid previous key [%d]: %w", i, err)
		}
		warnIfWeakKey(log, fmt.Sprintf("previous[%d]", i), k, dk)
		old = append(old, dk)
	}

	return &Cipher{currentKey: current, oldKeys: old}, nil
}

// dictionarySubstrings are obvious placeholder words an operator might
// paste in instead of a generated key. Checked against the raw
// base64 text, case-insensitively, since a generated key's own base64
// form is vanishingly unlikely to contain one by chance.
var dictionarySubstrings = []string{
	"password", "secret", "changeme", "default", "example",
	"letmein", "qwerty", "admin", "testkey", "test",
}

// warnIfWeakKey logs (but never rejects) a key that is all-zero,
// repetitive, built from an obvious placeholder word, or has too little
// byte diversity to plausibly have come from a CSPRNG.
func warnIfWeakKey(log *zap.Logger, label, rawBase64 string, key []byte) {
	lower := strings.ToLower(rawBase64)
	for _, word := range dictionarySubstrings {
		if strings.Contains(lower, word) {
			log.Warn("secretcipher: key looks like a placeholder, not a generated secret",
				zap.String("key", label), zap.String("matched", word))
			return
		}
	}

	allZero := true
	for _, b := range key {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		log.Warn("secretcipher: key is all-zero bytes", zap.String("key", label))
		return
	}

	if entropy := shannonEntropy(key); entropy < 3.0 {
		log.Warn("secretcipher: key has low byte entropy, may not be from a CSPRNG",
			zap.String("key", label), zap.Float64("bits_per_byte", entropy))
	}
}

// shannonEntropy returns the Shannon entropy of data in bits per byte.
// A key drawn from a CSPRNG lands close to 8; a repetitive or
// low-diversity key (e.g. a short phrase padded out) lands well below.
func shannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	var entropy float64
	n := float64(len(data))
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func decodeKey(keyBase64 string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes (AES-256), got %d", len(key))
	}
	return key, nil
}

// Encrypt returns "fleet:secret:v1:<base64(nonce|ciphertext)>".
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	gcm, err := newGCM(c.currentKey)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secretcipher: nonce generation: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return envelopeV1Prefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt, trying the current key and then every
// retired key in the order they were supplied to New.
func (c *Cipher) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, envelopeV1Prefix) {
		return "", fmt.Errorf("secretcipher: unrecognized envelope")
	}

	payload := strings.TrimPrefix(value, envelopeV1Prefix)
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("secretcipher: invalid base64: %w", err)
	}

	keys := append([][]byte{c.currentKey}, c.oldKeys...)
	for _, key := range keys {
		plaintext, err := decryptWithKey(key, data)
		if err == nil {
			return plaintext, nil
		}
	}

	return "", fmt.Errorf("secretcipher: decryption failed with current and all previous keys")
}

func decryptWithKey(key, data []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secretcipher: cipher init: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secretcipher: GCM init: %w", err)
	}
	return gcm, nil
}

// IsEncrypted reports whether value carries this package's envelope
// prefix, for distinguishing already-encrypted rows during migrations.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, envelopePrefix)
}
