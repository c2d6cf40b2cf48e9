package identity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	digestMemory      = 64 * 1024
	digestIterations  = 2
	digestParallelism = 1
	digestKeyLength   = 32
)

// Digest derives a one-way credential digest from a plaintext secret. The salt
// is derived from the normalized email, so the transform is deterministic per
// account (login recomputes and compares) while identical secrets on different
// accounts still produce distinct digests.
func Digest(secret, email string) string {
	salt := digestSalt(email)
	hash := argon2.IDKey([]byte(secret), salt, digestIterations, digestMemory, digestParallelism, digestKeyLength)
	return fmt.Sprintf(
		"$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		digestMemory,
		digestIterations,
		digestParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)
}

// VerifyDigest reports whether the secret reproduces the stored digest for the
// given email. Comparison is constant time.
func VerifyDigest(digest, secret, email string) bool {
	if digest == "" {
		return false
	}
	computed := Digest(secret, email)
	return subtle.ConstantTimeCompare([]byte(digest), []byte(computed)) == 1
}

func digestSalt(email string) []byte {
	sum := sha256.Sum256([]byte("mercato.credential." + NormalizeEmail(email)))
	return sum[:16]
}
