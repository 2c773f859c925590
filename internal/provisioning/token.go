package provisioning

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// newRegistrationToken returns the cleartext token and its storage
// digest. Only the digest is ever persisted — spec.md §3 and §9 are
// explicit that the cleartext "never touches storage" and exists only
// transiently in the user-data script.
func newRegistrationToken() (plaintext, digest string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate registration token: %w", err)
	}
	plaintext = base64.StdEncoding.EncodeToString(buf)
	return plaintext, DigestOf(plaintext), nil
}

// DigestOf computes the "sha256:<hex>" digest spec.md §3 specifies for
// registration_token_digest. Exported so the bot-agent HTTP surface can
// recompute it from a presented bearer token without duplicating the
// format this package chose.
func DigestOf(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:])
}
