package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"

	"golang.org/x/crypto/pbkdf2"
)

// PBKDF2 parameters for PIN digests. 600k iterations follows the OWASP
// minimum for HMAC-SHA256.
const (
	pinIterations = 600_000
	pinKeyLen     = 32
	pinSaltLen    = 32
)

// HashPIN derives a storable digest for a PIN. Returns base64 hash and
// salt. The plaintext PIN is never stored.
func HashPIN(pin string) (hash, salt string, err error) {
	rawSalt := make([]byte, pinSaltLen)
	if _, err := rand.Read(rawSalt); err != nil {
		return "", "", err
	}
	key := pbkdf2.Key([]byte(pin), rawSalt, pinIterations, pinKeyLen, sha256.New)
	return base64.StdEncoding.EncodeToString(key), base64.StdEncoding.EncodeToString(rawSalt), nil
}

// VerifyPIN compares a candidate PIN against a stored digest in constant
// time. Malformed stored values verify as false, never as an error, so
// the caller's timing and control flow do not depend on storage state.
func VerifyPIN(pin, storedHash, storedSalt string) bool {
	salt, err := base64.StdEncoding.DecodeString(storedSalt)
	if err != nil {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(storedHash)
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(pin), salt, pinIterations, pinKeyLen, sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}
