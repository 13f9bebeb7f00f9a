// Package crypto implements client-secret fingerprints and sealing of access tokens at rest.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters (tuned for server-side hashing).
const (
	argonTime    uint32 = 3         // iterations
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32
)

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// clientSalt derives a stable per-client salt so fingerprints of the same
// secret compare equal across replicas and restarts.
func clientSalt(clientID string) []byte {
	h := sha256.Sum256([]byte("ogx-client-secret:" + clientID))
	return h[:16]
}

// Fingerprint returns the Argon2id digest of a client secret. Tokens are
// stored with the fingerprint of the secret they were issued for, so a
// rotated secret invalidates them.
func Fingerprint(clientID string, secret []byte) []byte {
	return argon2.IDKey(secret, clientSalt(clientID), argonTime, argonMemory, argonThreads, argonKeyLen)
}

// SameFingerprint compares two fingerprints in constant time.
func SameFingerprint(a, b []byte) bool {
	return len(a) > 0 && subtle.ConstantTimeCompare(a, b) == 1
}
